package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/acearchive/keeper/internal/archive"
	"github.com/acearchive/keeper/internal/backupzip"
	"github.com/acearchive/keeper/internal/config"
	"github.com/acearchive/keeper/internal/engine"
	"github.com/acearchive/keeper/internal/metrics"
	"github.com/acearchive/keeper/internal/report"
	"github.com/acearchive/keeper/internal/server"
)

var (
	backupContact     string
	backupListen      string
	backupWorkers     int
	backupNoMoveAside bool
	backupVerify      bool
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create or update the local backup",
		Long: `Create or update the backup zip file. Items already present in the backup
with the right hash are skipped, so a second run only downloads what changed
upstream. Every downloaded item is verified against its published sha256
before it is written.

Interrupting the command (Ctrl-C) stops new downloads and keeps every item
that was already verified. Interrupt again to quit without waiting.

If the output file exists but is not a backup written by keeper, it is moved
aside to <file>.<unix time>.bak and a full backup is created instead. Use
--no-move-aside to fail instead.

With --verify, every item already in the backup is read and hashed first, and
items whose content no longer matches are downloaded again.`,
		Example: `  keeper backup
  keeper backup --output /srv/acearchive.zip
  keeper backup --contact keeper@example.org
  keeper backup --listen 127.0.0.1:8080 --workers 8
  keeper backup --verify`,
		RunE: backupRun,
	}

	cmd.Flags().StringVar(&backupContact, "contact", "", "email address sent with the backup report (overrides keeper.email)")
	cmd.Flags().StringVar(&backupListen, "listen", "", "serve progress and metrics over HTTP on this address (host:port)")
	cmd.Flags().IntVar(&backupWorkers, "workers", 0, "number of concurrent downloads (overrides backup.workers)")
	cmd.Flags().BoolVar(&backupNoMoveAside, "no-move-aside", false, "fail instead of moving an unrecognized output file aside")
	cmd.Flags().BoolVar(&backupVerify, "verify", false, "re-hash items already in the backup and fetch corrupt ones again")

	return cmd
}

// sessionRunner tracks the session in flight so a signal can cancel it, even
// when it arrives between the first attempt and the move-aside retry.
type sessionRunner struct {
	deps      engine.Deps
	opts      engine.Options
	srv       *server.Server
	current   atomic.Pointer[engine.Session]
	cancelled atomic.Bool
}

func (r *sessionRunner) cancel() {
	r.cancelled.Store(true)
	if sess := r.current.Load(); sess != nil {
		sess.Cancel()
	}
}

func (r *sessionRunner) run(waitCtx context.Context) (*engine.Result, error) {
	sess, err := engine.NewSession(r.deps, r.opts)
	if err != nil {
		return nil, err
	}
	r.current.Store(sess)
	if r.srv != nil {
		r.srv.SetSession(sess)
	}
	if r.cancelled.Load() {
		sess.Cancel()
	}
	if err := sess.Start(context.Background()); err != nil {
		return nil, err
	}
	return sess.Wait(waitCtx)
}

func backupRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	contact := backupContact
	if contact == "" {
		contact = globalCfg.Keeper.Email
	}
	opts := config.Options{
		OutputPath:         globalCfg.Backup.ZipFile,
		Contact:            contact,
		Verbose:            verbose,
		Quiet:              quiet,
		LogFile:            logFile,
		ConfigFileOverride: cfgPath,
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	if err := ensureKeeperID(log); err != nil {
		return err
	}

	workers := globalCfg.Backup.Workers
	if backupWorkers > 0 {
		workers = backupWorkers
	}

	client := newClient()
	runner := &sessionRunner{
		deps: engine.Deps{
			Lister:   archive.NewLister(client, globalCfg.API.ArchiveURL, globalCfg.API.PageSize, logger),
			Client:   client,
			Reporter: report.NewReporter(client, globalStore, globalCfg.API.RegistryURL, logger),
			Store:    globalStore,
			Logger:   logger,
		},
		opts: engine.Options{
			OutputPath:     opts.OutputPath,
			KeeperID:       globalCfg.Keeper.ID,
			Contact:        opts.Contact,
			Workers:        workers,
			RetryAttempts:  globalCfg.Backup.RetryAttempts,
			MaxFailedItems: globalCfg.Backup.MaxFailedItems,
			SpoolDir:       globalCfg.Backup.SpoolDir,
			VerifyExisting: backupVerify,
		},
	}
	if !quiet {
		runner.opts.OnEvent = progressPrinter(os.Stderr, &runner.current)
	}

	listen := backupListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}
	if listen != "" {
		runner.srv = server.NewServer(globalStore, logger)
		go func() {
			if err := runner.srv.Start(listen); err != nil {
				log.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := runner.srv.Shutdown(ctx); err != nil {
				log.Warn("status server shutdown failed", "error", err)
			}
		}()
	}

	// Set up signal handling for cooperative cancellation
	waitCtx, abandon := context.WithCancel(cmd.Context())
	defer abandon()
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Warn("received signal, stopping after in-flight items (repeat to quit now)", "signal", sig)
			runner.cancel()
		case <-waitCtx.Done():
			return
		}
		select {
		case <-sigChan:
			log.Warn("received second signal, not waiting for the backup to stop")
			abandon()
		case <-waitCtx.Done():
		}
	}()

	res, err := runner.run(waitCtx)
	if errors.Is(err, backupzip.ErrExistingFileNotRecognized) && !backupNoMoveAside && !runner.cancelled.Load() {
		moved, mvErr := moveAside(opts.OutputPath, time.Now())
		if mvErr != nil {
			return fmt.Errorf("%w (and moving it aside failed: %v)", err, mvErr)
		}
		log.Warn("existing output file is not a keeper backup, moved it aside", "path", opts.OutputPath, "moved_to", moved)
		fmt.Fprintf(os.Stderr, "Moved unrecognized file %s to %s\n", opts.OutputPath, moved)
		res, err = runner.run(waitCtx)
	}

	if path := globalCfg.Backup.MetricsFile; path != "" {
		if mErr := metrics.WriteTextfile(path); mErr != nil {
			log.Warn("failed to write metrics file", "error", mErr)
		}
	}

	if res == nil {
		if errors.Is(err, context.Canceled) && waitCtx.Err() != nil {
			return errors.New("stopped waiting for the backup; the previous backup file is unchanged unless the commit had already finished")
		}
		return err
	}

	printResult(os.Stdout, res)

	switch res.Outcome {
	case engine.OutcomeFailed:
		return fmt.Errorf("backup failed: %w", res.Err)
	case engine.OutcomeCancelled:
		return errors.New("backup cancelled")
	}
	return nil
}

// ensureKeeperID generates and saves a keeper id on first use.
func ensureKeeperID(log *slog.Logger) error {
	if !globalCfg.EnsureKeeperID() {
		return nil
	}
	path := cfgPath
	if path == "" {
		p, err := config.UserConfigPath()
		if err != nil {
			return fmt.Errorf("failed to locate config directory: %w", err)
		}
		path = p
	}
	if err := globalCfg.Save(path); err != nil {
		return fmt.Errorf("failed to save generated keeper id: %w", err)
	}
	cfgPath = path
	log.Info("generated keeper id", "keeper_id", globalCfg.Keeper.ID, "config", path)
	return nil
}

// moveAside renames path to <path>.<unix time>.bak and returns the new name.
func moveAside(path string, now time.Time) (string, error) {
	target := fmt.Sprintf("%s.%d.bak", path, now.Unix())
	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("%s already exists", target)
	}
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	return target, nil
}

// progressPrinter returns an event handler printing one line per item.
func progressPrinter(w io.Writer, current *atomic.Pointer[engine.Session]) func(engine.Event) {
	return func(ev engine.Event) {
		total := 0
		if sess := current.Load(); sess != nil {
			total = sess.Snapshot().FetchItems
		}
		switch ev.Kind {
		case engine.EventState:
			fmt.Fprintf(w, "==> %s\n", ev.State)
		case engine.EventItemFetched:
			fmt.Fprintf(w, "[%d/%d] %s (%s)\n", ev.ItemsFetched, total, ev.Path, humanize.Bytes(uint64(ev.Size)))
		case engine.EventItemRetry:
			fmt.Fprintf(w, "retrying %s (attempt %d): %v\n", ev.Path, ev.Attempt, ev.Err)
		case engine.EventItemFailed:
			fmt.Fprintf(w, "FAILED %s: %v\n", ev.Path, ev.Err)
		}
	}
}

// printResult prints the summary of a finished session.
func printResult(w io.Writer, res *engine.Result) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Backup %s: %s\n", res.SessionID, res.Outcome)
	fmt.Fprintf(w, "  Items:       %d planned, %d fetched, %d already present, %d failed\n",
		res.ItemsPlanned, res.ItemsFetched, res.ItemsSkipped, len(res.Failed))
	fmt.Fprintf(w, "  Downloaded:  %s\n", humanize.Bytes(uint64(res.BytesTransferred)))
	if res.Committed {
		fmt.Fprintf(w, "  Archive:     %s (%s of content)\n", humanize.Bytes(uint64(res.Size)), humanize.Bytes(uint64(res.ContentBytes)))
		fmt.Fprintf(w, "  Checksum:    %s\n", res.Checksum)
	} else {
		fmt.Fprintln(w, "  Archive:     unchanged")
	}
	fmt.Fprintf(w, "  Duration:    %s\n", res.Duration().Round(time.Second))

	if len(res.Failed) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Failed items:")
		for _, f := range res.Failed {
			fmt.Fprintf(w, "  %s: %v\n", f.Path, f.Err)
		}
	}
	if res.ReportErr != nil {
		fmt.Fprintf(w, "\nThe backup is complete but could not be reported: %v\n", res.ReportErr)
		fmt.Fprintln(w, "Run `keeper report` to try again.")
	}
}
