// Command mongoclone drives a full live clone of one MongoDB deployment
// onto another: bulk-copy every database and collection, then tail
// local.oplog.rs indefinitely to keep the destination current.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/pkg/errors"

	"github.com/cloneops/mongoclone/internal/clone"
	"github.com/cloneops/mongoclone/internal/config"
	"github.com/cloneops/mongoclone/internal/log"
	"github.com/cloneops/mongoclone/internal/report"
	"github.com/cloneops/mongoclone/internal/report/sink"
)

var (
	app = kingpin.New("mongoclone", "Live clone and continuous replication between two MongoDB deployments.")

	startCmd       = app.Command("start", "Clone every database/collection from the in-sync node, then tail the oplog forever.")
	startConfigArg = startCmd.Arg("config-path", "path to the JSON configuration file").Default(config.DefaultPath).String()
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	cmd, err := app.Parse(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	switch cmd {
	case startCmd.FullCommand():
		return runStart(*startConfigArg)
	default:
		fmt.Fprintf(os.Stderr, "unrecognized operation %q\n", cmd)
		return 1
	}
}

func runStart(configPath string) int {
	lg := log.New("mongoclone")

	cfg, err := config.Load(configPath)
	if err != nil {
		lg.Error("load config %s: %v", configPath, err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		lg.Info("received shutdown signal, cancelling run")
		cancel()
	}()

	if err := runClone(ctx, cfg, lg); err != nil {
		lg.Error("clone run failed: %v", err)
		return 1
	}
	return 0
}

// runClone builds every collaborator the Orchestrator needs and runs one
// full clone pass.
func runClone(ctx context.Context, cfg *config.Config, lg *log.Event) error {
	attemptBudget := time.Duration(cfg.MongoAccessAttemptSeconds() * float64(time.Second))

	src, err := clone.NewClient(ctx, cfg.Mongo.Host.InSync, cfg.Mongo.WriteAcknowledgement, cfg.Mongo.WriteJ, attemptBudget, lg.With("src"))
	if err != nil {
		return errors.Wrap(err, "connect to source")
	}
	dst, err := clone.NewClient(ctx, cfg.Mongo.Host.OutOfSync, cfg.Mongo.WriteAcknowledgement, cfg.Mongo.WriteJ, attemptBudget, lg.With("dst"))
	if err != nil {
		return errors.Wrap(err, "connect to destination")
	}

	var reporter *report.Reporter
	if cfg.Report.Enabled {
		reporter, err = report.New(
			time.Duration(cfg.Report.IntervalS)*time.Second,
			cfg.Report.Compression,
			sink.Config{
				Kind:       cfg.Report.Sink,
				Path:       reportSinkPath(cfg),
				S3Region:   cfg.Report.S3Region,
				S3Endpoint: cfg.Report.S3Endpoint,
				AzureAcct:  cfg.Report.AzureAcct,
			},
			lg.With("report"),
		)
		if err != nil {
			return errors.Wrap(err, "build run reporter")
		}
		lg.Info("run reporter enabled, run id %s", reporter.RunID())
	}

	orch := clone.NewOrchestrator(
		src, dst,
		cfg.Mongo.OplogSizeGB,
		cfg.Internal.MaximumSeeds,
		cfg.Internal.Threads,
		cfg.VersionGuard.IsEnabled(),
		reporter,
		lg.With("orchestrator"),
	)
	return orch.Run(ctx)
}

// reportSinkPath resolves the bucket/container/directory a report sink
// uploads under, joined with the configured key prefix.
func reportSinkPath(cfg *config.Config) string {
	if cfg.Report.SinkPrefix == "" {
		return cfg.Report.SinkPath
	}
	return cfg.Report.SinkPath + "/" + cfg.Report.SinkPrefix
}
