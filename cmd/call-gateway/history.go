package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/user/pion-call-gateway/internal/directory"
	"github.com/user/pion-call-gateway/internal/store"
)

func newHistoryCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <call_id>",
		Short: "Print the stored conversation of a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.EffectiveStore() == "memory" {
				log.Warn().Msg("the memory store does not outlive the gateway process; set STORE_BACKEND to redis or badger")
			}
			s, closer, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return errors.Wrap(err, "open conversation store")
			}
			defer closer.Close()

			rec, err := s.Load(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return errors.Errorf("no conversation stored for %s in the %s store", args[0], cfg.EffectiveStore())
			}
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), rec, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored record as JSON")
	return cmd
}

func printRecord(w io.Writer, rec store.Record, asJSON bool) error {
	if asJSON {
		data, err := store.Encode(rec)
		if err != nil {
			return err
		}
		var pretty map[string]any
		if err := json.Unmarshal(data, &pretty); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	}
	fmt.Fprintf(w, "call %s  version %d  updated %s\n", rec.CallID, rec.Version, rec.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	for i, t := range rec.Turns {
		fmt.Fprintf(w, "%3d %-6s %s\n", i+1, t.Role, t.Content)
	}
	return nil
}

func newDirectoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Manage the local SQLite caller directory",
	}

	var p directory.CustomerProfile
	add := &cobra.Command{
		Use:   "add <phone_number>",
		Short: "Add or replace a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			num, err := directory.Normalize(args[0], cfg.DefaultRegion)
			if err != nil {
				return err
			}
			d, err := directory.NewSQLite(cfg.SQLiteDSN)
			if err != nil {
				return err
			}
			defer d.Close()

			p.CallerID = num.E164
			p.Region = num.Region
			p.Timezone = num.Timezone
			if err := d.Put(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", num.E164, p.Name)
			return nil
		},
	}
	add.Flags().StringVar(&p.Name, "name", "", "caller name")
	add.Flags().StringVar(&p.Balance, "balance", "", "account balance")
	add.Flags().StringVar(&p.AccountStatus, "status", "active", "account status")
	_ = add.MarkFlagRequired("name")

	lookup := &cobra.Command{
		Use:   "lookup <phone_number>",
		Short: "Resolve a caller the way the gateway does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, closer, err := openDirectory(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()
			profile := directory.NewResolver(dir, cfg.DefaultRegion, 0).Resolve(cmd.Context(), args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(profile)
		},
	}

	cmd.AddCommand(add, lookup)
	return cmd
}
