package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/acearchive/keeper/internal/metrics"
	"github.com/acearchive/keeper/internal/report"
	"github.com/acearchive/keeper/internal/store"
)

var reportID string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Send a stored backup report to the registry",
		Long: `Send the report of a completed backup to the Ace Archive registry again,
without re-running the backup. By default the newest backup that the registry
has not acknowledged is reported. A registry that already has the backup
counts as success.`,
		Example: `  keeper report
  keeper report --id 0d6f6a49-3d4b-4bd2-9d57-0f3a2b9f6c11`,
		RunE: reportRun,
	}

	cmd.Flags().StringVar(&reportID, "id", "", "backup id to report (default: newest unreported backup)")

	return cmd
}

func reportRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	if globalCfg.API.RegistryURL == "" {
		return fmt.Errorf("registry reporting is disabled (api.registry_url is empty)")
	}

	var (
		rec *store.BackupRecord
		err error
	)
	if reportID != "" {
		rec, err = globalStore.GetBackup(reportID)
	} else {
		rec, err = globalStore.LatestUnreportedBackup()
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("Every stored backup has been reported.")
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to load backup record: %w", err)
	}

	log.Info("reporting stored backup", "backup_id", rec.ID, "checksum", rec.Checksum)

	reporter := report.NewReporter(newClient(), globalStore, globalCfg.API.RegistryURL, logger)
	err = reporter.Submit(cmd.Context(), report.Submission{
		BackupID: rec.ID,
		KeeperID: rec.KeeperID,
		Checksum: rec.Checksum,
		Size:     rec.Size,
		Contact:  rec.Contact,
	})
	metrics.RecordReport(err == nil)
	if err != nil {
		return err
	}

	fmt.Printf("Reported backup %s\n", rec.ID)
	return nil
}
