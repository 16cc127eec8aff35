package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/archive"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/httpx"
	"github.com/jcmexdev/xa-recovery/internal/coordinator/txlog"
)

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <xid>",
		Short: "Print one transaction from the recovery log as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := archive.ParseXid(args[0])
			if err != nil {
				return err
			}

			s, err := openStore(a.config())
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.repo.Latest(cmd.Context(), txlog.KeyOf(xid))
			if err != nil {
				return err
			}
			tx, err := s.journal.Decode(rec)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(httpx.MapTransaction(rec, tx))
		},
	}
}
