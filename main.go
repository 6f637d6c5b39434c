// Command smalltsdb runs the small time-series database: either the
// ingest daemon (UDP/TCP listeners plus batched consumer) or one pass
// of the rollup sync engine, selected by subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"smalltsdb/config"
	"smalltsdb/console"
	"smalltsdb/ingest"
	"smalltsdb/rollup"
	"smalltsdb/store"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	subcommand, args := os.Args[1], os.Args[2:]
	runID := uuid.NewString()
	logger := log.New(os.Stderr, fmt.Sprintf("smalltsdb[%s] ", subcommand), log.LstdFlags)

	var err error
	switch subcommand {
	case "daemon":
		err = runDaemon(args, runID, logger)
	case "sync":
		err = runSync(args, runID, logger)
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "smalltsdb: unknown subcommand %q\n", subcommand)
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: smalltsdb <daemon|sync> [flags]")
}

func runDaemon(args []string, runID string, logger *log.Logger) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Printf("smalltsdb %s starting, run=%s, config=%s", Version, runID, cfg.LoadedFrom)

	s, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	selfEnabled, source := cfg.SelfMetricEnabled()
	selfPrefix := ""
	if selfEnabled {
		selfPrefix = cfg.SelfMetric.Prefix
	}
	logger.Printf("self-metrics enabled=%v (source=%s) prefix=%q", selfEnabled, source, selfPrefix)

	tickInterval := time.Duration(cfg.TickInterval() * float64(time.Second))
	d := ingest.New(s, cfg.Listen.Address, tickInterval, time.Duration(config.ShutdownBudgetSeconds)*time.Second, config.QueueBound, selfPrefix)

	layout := console.NewLayout(os.Stdout, int(os.Stdout.Fd()), cfg.UIEnabled())
	defer layout.Close()
	if layout.Enabled() {
		log.SetOutput(layout.LogWriter())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()

	statusTicker := time.NewTicker(2 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Printf("received signal %v, shutting down", sig)
			d.Stop()
			return <-runErr
		case err := <-runErr:
			return err
		case <-statusTicker.C:
			st := d.Stats()
			layout.Render([]string{
				fmt.Sprintf("smalltsdb daemon  run=%s  listen=%s", runID, cfg.Listen.Address),
				fmt.Sprintf("queue_depth=%d  buffered=%s  overflow=%d  insert_ok=%d  insert_err=%d",
					st.QueueDepth, humanize.Comma(st.BufferedSamples), st.Overflow, st.InsertOK, st.InsertErr),
			})
		}
	}
}

func runSync(args []string, runID string, logger *log.Logger) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	lockFile := fs.String("lock-file", "", "advisory lock file preventing overlapping sync runs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *lockFile != "" {
		unlock, err := acquireLock(*lockFile)
		if err != nil {
			return fmt.Errorf("acquiring lock %s: %w", *lockFile, err)
		}
		defer unlock()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Printf("smalltsdb %s sync starting, run=%s, config=%s", Version, runID, cfg.LoadedFrom)

	s, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	selfEnabled, _ := cfg.SelfMetricEnabled()
	selfPrefix := ""
	if selfEnabled {
		selfPrefix = cfg.SelfMetric.Prefix
	}

	engine := rollup.New(s, cfg.Tail(), selfPrefix)
	now := float64(time.Now().Unix())
	if err := engine.Sync(now); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	logger.Printf("sync complete, run=%s", runID)
	return nil
}
