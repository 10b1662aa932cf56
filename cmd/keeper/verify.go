package main

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/acearchive/keeper/internal/archive"
	"github.com/acearchive/keeper/internal/backupzip"
)

var verifyOffline bool

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the backup file for corruption",
		Long: `Read every item of the backup file and compare its sha256 with the hash
recorded when it was written. Then recompute the backup checksum and compare it
with the checksum stored in the backup and, unless --offline is set, with the
checksum of the live Ace Archive.`,
		Example: `  keeper verify
  keeper verify --output /srv/acearchive.zip --offline`,
		RunE: verifyRun,
	}

	cmd.Flags().BoolVar(&verifyOffline, "offline", false, "skip the comparison with the live archive")

	return cmd
}

func verifyRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	path := globalCfg.Backup.ZipFile
	idx, err := backupzip.ReadIndex(path)
	if err != nil {
		return err
	}
	if !idx.Exists {
		return fmt.Errorf("no backup at %s", path)
	}

	log.Info("verifying backup", "path", path, "items", len(idx.Entries))

	mismatched, err := backupzip.VerifyMembers(path)
	if err != nil {
		return err
	}

	var (
		contentBytes int64
		metaNames    []string
	)
	for _, e := range idx.Entries {
		contentBytes += e.Size
		if id := archive.ArtifactIDFromPath(e.Path); id != "" && e.Path == archive.MetadataPath(id) {
			metaNames = append(metaNames, e.Path)
		}
	}
	contents, err := backupzip.ReadMembers(path, metaNames)
	if err != nil {
		return err
	}
	meta := make(map[string][]byte, len(contents))
	for name, data := range contents {
		meta[archive.ArtifactIDFromPath(name)] = data
	}
	checksum := archive.Checksum(meta)

	fmt.Printf("Backup:    %s\n", path)
	fmt.Printf("Items:     %d (%s)\n", len(idx.Entries), humanize.Bytes(uint64(contentBytes)))
	fmt.Printf("Artifacts: %d\n", len(meta))
	fmt.Printf("Written:   %s\n", idx.Marker.CreatedAt)
	if idx.Marker.Partial {
		fmt.Println("Note:      the last run stopped before fetching every item")
	}
	fmt.Printf("Checksum:  %s\n", checksum)

	var problems int
	if len(mismatched) > 0 {
		problems += len(mismatched)
		fmt.Println("")
		fmt.Println("Corrupt items:")
		for _, p := range mismatched {
			fmt.Printf("  %s\n", p)
		}
	}

	if stored := idx.Marker.Checksum; stored != "" && stored != checksum {
		problems++
		fmt.Printf("Stored checksum %s does not match the content\n", stored)
	}

	if !verifyOffline && globalCfg.API.ChecksumURL != "" {
		live, err := archive.FetchServerChecksum(cmd.Context(), newClient(), globalCfg.API.ChecksumURL)
		switch {
		case err != nil:
			log.Warn("could not fetch the live archive checksum", "error", err)
			fmt.Println("Live:      unavailable")
		case live.Checksum == checksum:
			fmt.Println("Live:      up to date")
		default:
			fmt.Println("Live:      out of date, run `keeper backup` to update")
		}
	}

	if problems > 0 {
		return fmt.Errorf("backup has %d problem(s); run `keeper backup --verify` to refetch corrupt items", problems)
	}
	fmt.Println("OK")
	return nil
}
