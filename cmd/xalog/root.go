package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive/codec"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog/redis"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog/sqlite"
	"github.com/jcmexdev/xa-recovery/internal/pkg/telemetry"
)

const (
	storeSQLite = "sqlite"
	storeRedis  = "redis"
)

type config struct {
	Store          string
	SQLitePath     string
	RedisAddr      string
	RedisNamespace string
	Listen         string
	LogLevel       string
	LogFile        string
	OTLPEndpoint   string
}

// store is an opened recovery log.
type store struct {
	repo    txlog.Repository
	journal *txlog.Journal
	closer  io.Closer
}

func (s *store) Close() error {
	return s.closer.Close()
}

type app struct {
	v         *viper.Viper
	logCloser io.Closer
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "xalog",
		Short:         "xalog reads the XA transaction recovery log",
		SilenceErrors: true,
		Example: `
  # Serve the inspection API over a local SQLite log
  xalog serve --sqlite-path /var/lib/xalog/xalog.db

  # List pending transactions kept in Redis
  XALOG_STORE=redis XALOG_REDIS_ADDR=redis:6379 xalog dump

  # Show one transaction by any of its xids
  xalog get 22593:0f1e...:`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			closer, err := telemetry.InitLogger(telemetry.LogOptions{
				Level: a.v.GetString("log-level"),
				File:  a.v.GetString("log-file"),
			})
			if err != nil {
				return err
			}
			a.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("store", storeSQLite, "recovery log backend (sqlite|redis)")
	flags.String("sqlite-path", "xalog.db", "SQLite database file")
	flags.String("redis-addr", "localhost:6379", "Redis address")
	flags.String("redis-namespace", "xalog", "prefix for Redis keys")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.String("log-file", "", "write logs to this file, rotated, instead of stderr")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint; tracing is off when empty")
	bindFlags(a.v, flags)

	cmd.AddCommand(newServeCommand(a), newDumpCommand(a), newGetCommand(a))
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	v.SetEnvPrefix("XALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
}

func (a *app) config() config {
	return config{
		Store:          strings.ToLower(strings.TrimSpace(a.v.GetString("store"))),
		SQLitePath:     a.v.GetString("sqlite-path"),
		RedisAddr:      a.v.GetString("redis-addr"),
		RedisNamespace: a.v.GetString("redis-namespace"),
		Listen:         a.v.GetString("listen"),
		LogLevel:       a.v.GetString("log-level"),
		LogFile:        a.v.GetString("log-file"),
		OTLPEndpoint:   a.v.GetString("otlp-endpoint"),
	}
}

func openStore(cfg config) (*store, error) {
	var (
		repo   txlog.Repository
		closer io.Closer
	)
	switch cfg.Store {
	case storeSQLite:
		r, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo, closer = r, r
	case storeRedis:
		r := redis.NewRepository(cfg.RedisAddr, cfg.RedisNamespace)
		repo, closer = r, r
	default:
		return nil, fmt.Errorf("unknown store %q (want %s or %s)", cfg.Store, storeSQLite, storeRedis)
	}
	journal := txlog.NewJournal(repo, codec.NewTransactionCodec(codec.XAResourceCodec{}))
	return &store{repo: repo, journal: journal, closer: closer}, nil
}
