package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
)

var dumpHeader = []string{"XID", "STATUS", "SIZE", "NATIVE", "OPTIMIZED", "REMOTE", "UPDATED", "ERROR"}

func newDumpCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "List every pending transaction in the recovery log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(a.config())
			if err != nil {
				return err
			}
			defer s.Close()

			recs, err := s.repo.Pending(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, strings.Join(dumpHeader, "\t"))
			for _, rec := range recs {
				tx, err := s.journal.Decode(rec)
				fmt.Fprintln(w, strings.Join(dumpRow(rec, tx, err), "\t"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d pending\n", len(recs))
			return err
		},
	}
}

// dumpRow renders one record under dumpHeader. Branch columns are blank
// when the record does not decode.
func dumpRow(rec *txlog.Record, tx *archive.TransactionArchive, decodeErr error) []string {
	size := humanize.Bytes(uint64(len(rec.Payload)))
	updated := "-"
	if !rec.UpdatedAt.IsZero() {
		updated = humanize.Time(rec.UpdatedAt)
	}
	if decodeErr != nil {
		return []string{rec.Key, rec.Status.String(), size, "-", "-", "-", updated, "undecodable: " + decodeErr.Error()}
	}
	return []string{
		rec.Key,
		tx.Status.String(),
		size,
		strconv.Itoa(len(tx.NativeResources)),
		strconv.FormatBool(tx.OptimizedResource != nil),
		strconv.Itoa(len(tx.RemoteResources)),
		updated,
		"-",
	}
}
