package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"stagerun/internal/api"
	"stagerun/internal/config"
	"stagerun/internal/core"
	"stagerun/internal/executor"
	"stagerun/internal/logging"
	"stagerun/internal/metrics"
	"stagerun/internal/pool"
	"stagerun/internal/security"
	"stagerun/internal/storage"
	"stagerun/internal/trigger"
)

var VERSION = "v0.0.0-dev"

func main() {
	app := cli.NewApp()
	app.Name = "stagerun-server"
	app.Usage = "Schedule pipeline runs over a pool of agents"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "Configuration file",
			EnvVar: config.EnvPrefix + "CONFIG",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.Bool("debug") {
		cfg.Log.Level = "debug"
	}
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	journal, records, err := openJournal(cfg)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}
	store := storage.NewStore(cfg.LogDir(), journal)
	if journal != nil {
		if err := store.Restore(records); err != nil {
			return err
		}
		logrus.Infof("restored %d runs from %s", len(store.List()), journal.Path())
	}

	m := metrics.New()
	agents := pool.New()
	agents.SetObserver(m)
	for _, a := range cfg.Agents {
		if err := agents.Register(a); err != nil {
			return err
		}
	}

	exec := executor.New(executor.Options{
		Shell:            cfg.Executor.Shell,
		ContainerRuntime: cfg.Executor.ContainerRuntime,
		DefaultTimeout:   cfg.Executor.StepTimeout.Std(),
		KillGrace:        cfg.Executor.KillGrace.Std(),
		Credentials:      executor.EnvCredentials{Prefix: cfg.Executor.CredentialPrefix},
		Local: &executor.LocalLauncher{
			Root:      cfg.Executor.WorkspaceDir,
			KillGrace: cfg.Executor.KillGrace.Std(),
		},
	})

	catalog := core.NewCatalog()
	if cfg.PipelinesDir != "" {
		n, err := catalog.LoadDir(cfg.PipelinesDir)
		if err != nil {
			return err
		}
		logrus.Infof("loaded %d pipelines from %s", n, cfg.PipelinesDir)
	}

	onFinish, err := archiveHook(cfg, store)
	if err != nil {
		return err
	}
	sched := core.NewScheduler(catalog, agents, exec, store, core.Options{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		AcquireTimeout:    cfg.AcquireTimeout.Std(),
		PostTimeout:       cfg.PostTimeout.Std(),
		Observer:          m,
		OnFinish:          onFinish,
	})

	crons := trigger.New(sched)
	for _, g := range catalog.List() {
		if err := crons.Set(g); err != nil {
			logrus.WithError(err).WithField("pipeline", g.Name).Warn("cron triggers ignored")
		}
	}
	crons.Start()
	defer crons.Stop()

	srv, err := api.NewServer(sched, store, agents, api.Options{
		Cron:      crons,
		Metrics:   m.Handler(),
		CacheSize: cfg.SnapshotCacheSize,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("stagerun %s listening on %s", VERSION, cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logrus.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "serve")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	crons.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown")
	}
	return sched.Shutdown(shutdownCtx)
}

func openJournal(cfg *config.Config) (*storage.Journal, []*storage.Record, error) {
	if !cfg.Journal.Enabled {
		return nil, nil, nil
	}
	var signer *security.Signer
	if cfg.Journal.KeyFile != "" {
		s, created, err := security.LoadOrCreateSigner(cfg.Journal.KeyFile)
		if err != nil {
			return nil, nil, errors.Wrap(err, "journal signing key")
		}
		if created {
			logrus.Infof("generated journal signing key %s", cfg.Journal.KeyFile)
		}
		signer = s
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
		return nil, nil, err
	}
	journal, records, err := storage.OpenJournal(cfg.Journal.Path, signer)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open journal %s", cfg.Journal.Path)
	}
	return journal, records, nil
}

// archiveHook uploads every finished run when archiving is configured.
func archiveHook(cfg *config.Config, store *storage.Store) (func(string), error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	putter, err := storage.NewMinioPutter(ctx, storage.MinioConfig{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Bucket:    cfg.Archive.Bucket,
		Region:    cfg.Archive.Region,
		Secure:    cfg.Archive.Secure,
	})
	if err != nil {
		return nil, err
	}
	archiver := storage.NewArchiver(store, putter)
	return func(runID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := archiver.ArchiveRun(ctx, runID); err != nil {
			logrus.WithError(err).WithField("run", runID).Warn("archive failed")
		}
	}, nil
}
