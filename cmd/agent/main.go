package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"stagerun/internal/api"
	"stagerun/internal/executor"
	"stagerun/internal/logging"
	"stagerun/internal/pool"
)

var VERSION = "v0.0.0-dev"

func main() {
	app := cli.NewApp()
	app.Name = "stagerun-agent"
	app.Usage = "Run pipeline steps on behalf of a stagerun server"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "id",
			Usage:  "Agent id (defaults to the hostname)",
			EnvVar: "STAGERUN_AGENT_ID",
		},
		cli.StringFlag{
			Name:   "listen",
			Usage:  "Address the step endpoint listens on",
			Value:  ":9090",
			EnvVar: "STAGERUN_AGENT_LISTEN",
		},
		cli.StringFlag{
			Name:   "advertise",
			Usage:  "URL the server uses to reach this agent",
			Value:  "http://localhost:9090",
			EnvVar: "STAGERUN_AGENT_ADVERTISE",
		},
		cli.StringFlag{
			Name:   "server",
			Usage:  "Server URL to register with; empty skips registration",
			EnvVar: "STAGERUN_SERVER",
		},
		cli.StringSliceFlag{
			Name:  "label, l",
			Usage: "Label offered by this agent (repeatable)",
		},
		cli.IntFlag{
			Name:  "capacity",
			Usage: "Steps this agent runs at once",
			Value: 1,
		},
		cli.StringFlag{
			Name:  "workspace",
			Usage: "Workspace root for step processes",
			Value: "workspace",
		},
		cli.DurationFlag{
			Name:  "kill-grace",
			Usage: "Time between SIGTERM and SIGKILL for stopped steps",
			Value: 5 * time.Second,
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	closer, err := logging.Setup(logging.Options{Level: c.String("log-level")})
	if err != nil {
		return err
	}
	defer closer.Close()

	id := c.String("id")
	if id == "" {
		if id, err = os.Hostname(); err != nil {
			return errors.Wrap(err, "agent id")
		}
	}

	launcher := &executor.LocalLauncher{
		Root:      c.String("workspace"),
		KillGrace: c.Duration("kill-grace"),
	}
	httpServer := &http.Server{
		Addr:              c.String("listen"),
		Handler:           executor.NewAgentHandler(id, launcher),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("agent", id).Infof("agent listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var client *api.Client
	if server := c.String("server"); server != "" {
		client = api.NewClient(server)
		agent := pool.Agent{
			ID:       id,
			Labels:   c.StringSlice("label"),
			Capacity: c.Int("capacity"),
			Address:  c.String("advertise"),
		}
		if err := client.RegisterAgent(ctx, agent); err != nil {
			httpServer.Close()
			return errors.Wrapf(err, "register with %s", server)
		}
		logrus.WithField("agent", id).Infof("registered with %s", server)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "serve")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if client != nil {
		if err := client.EvictAgent(shutdownCtx, id); err != nil {
			logrus.WithError(err).Warn("deregister")
		}
	}
	return httpServer.Shutdown(shutdownCtx)
}
