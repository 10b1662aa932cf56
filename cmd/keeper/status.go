package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusLimit int

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display stored backups and recent sessions",
		Long: `Display the backups recorded in the local database and the most recent
backup sessions, including sessions that were cancelled or failed.`,
		Example: `  keeper status
  keeper status --limit 20`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of backups and sessions to show")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	if statusLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	log.Debug("status request", "db", globalCfg.DBPath(), "limit", statusLimit)

	backups, err := globalStore.ListBackups(statusLimit)
	if err != nil {
		return err
	}
	sessions, err := globalStore.ListSessions(statusLimit)
	if err != nil {
		return err
	}

	fmt.Printf("Keeper %s\n", orDash(globalCfg.Keeper.ID))
	fmt.Printf("Backup file %s\n", globalCfg.Backup.ZipFile)
	fmt.Println("")

	fmt.Println("Backups")
	fmt.Println("=======")
	if len(backups) == 0 {
		fmt.Println("No backups recorded")
	} else {
		fmt.Printf("%-36s %-16s %10s %-14s\n", "ID", "Checksum", "Size", "Created")
		fmt.Println(strings.Repeat("-", 80))
		for _, b := range backups {
			fmt.Printf("%-36s %-16s %10s %-14s\n",
				b.ID,
				shortHash(b.Checksum),
				humanize.Bytes(uint64(b.Size)),
				humanize.Time(b.CreatedAt),
			)
		}
	}
	fmt.Println("")

	fmt.Println("Sessions")
	fmt.Println("========")
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}
	fmt.Printf("%-36s %-24s %8s %8s %6s %10s %-14s\n", "ID", "Outcome", "Fetched", "Skipped", "Failed", "Bytes", "Started")
	fmt.Println(strings.Repeat("-", 112))
	for _, s := range sessions {
		outcome := s.Outcome
		if outcome == "" {
			outcome = s.State
		}
		if s.Reported {
			outcome += " (reported)"
		}
		fmt.Printf("%-36s %-24s %8d %8d %6d %10s %-14s\n",
			s.ID,
			outcome,
			s.ItemsFetched,
			s.ItemsSkipped,
			s.ItemsFailed,
			humanize.Bytes(uint64(s.BytesTransferred)),
			humanize.Time(s.StartTime),
		)
		if s.ErrorMessage != "" {
			fmt.Printf("    error: %s\n", s.ErrorMessage)
		}
	}
	fmt.Println("")

	return nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return orDash(h)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
