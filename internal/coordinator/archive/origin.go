package archive

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// MaxOriginNameSize is the largest process name an origin can carry.
const MaxOriginNameSize = 255

// Origin is the parsed form of TransactionArchive.PropagatedBy.
type Origin struct {
	Host [4]byte
	Name string
	Port uint16
}

var (
	segmentSep = regexp.MustCompile(`\s*:\s*`)
	octetSep   = regexp.MustCompile(`\s*\.\s*`)
)

// ParseOrigin parses "a.b.c.d:name:port". It never fails: a field that does
// not parse is replaced by its zero value, and input that is not three
// colon-separated segments yields the zero Origin.
func ParseOrigin(s string) Origin {
	var o Origin
	segments := split(segmentSep, strings.TrimSpace(s))
	if len(segments) != 3 {
		slog.Debug("origin address is not host:name:port, using zero origin", "propagated_by", s)
		return o
	}

	if octets := split(octetSep, segments[0]); len(octets) == 4 {
		for i, octet := range octets {
			o.Host[i] = parseOr(octet, parseOctet, 0)
		}
	}
	o.Name = parseOr(segments[1], parseName, "")
	o.Port = parseOr(segments[2], parsePort, 0)
	return o
}

// String formats o as "host:name:port".
func (o Origin) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%s:%d", o.Host[0], o.Host[1], o.Host[2], o.Host[3], o.Name, o.Port)
}

// split cuts s around re and drops trailing empty segments, so "a:b:" has
// two segments and "1.2.3.4." four octets.
func split(re *regexp.Regexp, s string) []string {
	parts := re.Split(s, -1)
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// parseOr runs a strict parse and substitutes def on failure.
func parseOr[T any](s string, parse func(string) (T, error), def T) T {
	v, err := parse(s)
	if err != nil {
		slog.Debug("malformed origin field, using default", "value", s, "error", err)
		return def
	}
	return v
}

func parseOctet(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	return byte(v), err
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err
}

func parseName(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	if len(s) > MaxOriginNameSize {
		return "", fmt.Errorf("origin name is %d bytes, limit %d", len(s), MaxOriginNameSize)
	}
	return s, nil
}
