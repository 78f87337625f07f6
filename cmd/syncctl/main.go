// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

// syncctl inspects a persisted offline sync queue: which scopes have queued
// operations, what is still pending, what failed permanently, and purging a
// scope's persisted state.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MainListActivity/cuckoox-google-sub003/bisqlite"
	"github.com/MainListActivity/cuckoox-google-sub003/bisync"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and maintain persisted offline sync queues",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "sync-queue.db", "path to the offline queue database")

	root.AddCommand(scopesCmd(), opsCmd("pending"), opsCmd("failed"), purgeCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*bisqlite.Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("queue database %s not found: %w", dbPath, err)
	}
	return bisqlite.Open(dbPath)
}

func scopesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scopes",
		Short: "List scopes with a persisted queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.ScopeKeys(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCOPE\tQUEUED")
			for _, key := range keys {
				ops, err := store.LoadQueue(cmd.Context(), key)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\n", key, len(ops))
			}
			return w.Flush()
		},
	}
}

func opsCmd(status string) *cobra.Command {
	return &cobra.Command{
		Use:   status + " <scope-key>",
		Short: "Show " + status + " operations for a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ops, err := store.LoadQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTABLE\tOP\tRECORD\tRETRIES\tERROR")
			for _, op := range ops {
				if !matchesStatus(op, status) {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					op.ID, op.Table, colorizeOp(op.Op), op.RecordID, op.RetryCount, op.ErrorMessage)
			}
			return w.Flush()
		},
	}
}

func matchesStatus(op *bisync.SyncOperation, status string) bool {
	switch status {
	case "failed":
		return op.Status == bisync.StatusFailed
	default:
		return op.Status == bisync.StatusPending || op.Status == bisync.StatusProcessing
	}
}

func colorizeOp(op string) string {
	switch op {
	case bisync.OpCreate:
		return color.GreenString(op)
	case bisync.OpDelete:
		return color.RedString(op)
	default:
		return color.YellowString(op)
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <scope-key>",
		Short: "Delete a scope's persisted queue and watermark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := store.SaveWatermark(cmd.Context(), args[0], 0); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("purged %s\n", args[0])
			return nil
		},
	}
}
