package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlas-research/atlas/internal/store"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect archived plan snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <plan-id>",
	Short: "List archived snapshots for a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := openArchive()
		if err != nil {
			return err
		}
		defer archive.Close()

		records, err := archive.ListByPlan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Printf("No snapshots archived for plan %s\n", args[0])
			return nil
		}

		for _, rec := range records {
			fmt.Printf("%s  %-10s  %s\n",
				rec.ID,
				rec.Status,
				rec.ArchivedAt.Format(time.RFC3339),
			)
		}
		return nil
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <snapshot-id>",
	Short: "Print an archived snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := openArchive()
		if err != nil {
			return err
		}
		defer archive.Close()

		rec, err := archive.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Println(string(rec.Data))
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func openArchive() (*store.SnapshotArchive, error) {
	if cfg.Archive.Path == "" {
		return nil, fmt.Errorf("snapshot archive is not configured; set archive.path")
	}
	return store.OpenWithConfig(store.Config{
		Path:            cfg.Archive.Path,
		MaxOpenConns:    cfg.Archive.MaxConnections,
		MaxIdleConns:    cfg.Archive.MaxConnections / 2,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     cfg.Archive.BusyTimeout,
	})
}
