package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"stagerun/internal/core"
	"stagerun/internal/executor"
	"stagerun/internal/logging"
	"stagerun/internal/pool"
	"stagerun/internal/security"
	"stagerun/internal/state"
	"stagerun/internal/storage"
)

var VERSION = "v0.0.0-dev"

func main() {
	app := cli.NewApp()
	app.Name = "stagerun"
	app.Usage = "Run pipelines locally and inspect run journals"
	app.Version = VERSION
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "Run a pipeline file on this host",
			ArgsUsage: "<pipeline.yaml>",
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "param, p", Usage: "NAME=VALUE (repeatable)"},
				cli.StringFlag{Name: "data-dir", Usage: "Where logs and the journal go (default: a temp dir)"},
				cli.IntFlag{Name: "capacity", Value: 2, Usage: "Steps run at once by the local agent"},
				cli.BoolFlag{Name: "journal", Usage: "Record the run in <data-dir>/journal.jsonl"},
				cli.StringFlag{Name: "log-level", Value: "warn"},
			},
			Action: runPipeline,
		},
		{
			Name:  "journal",
			Usage: "Inspect a run journal",
			Subcommands: []cli.Command{
				{
					Name:      "verify",
					Usage:     "Check hashes, links and signatures",
					ArgsUsage: "<journal.jsonl>",
					Action:    verifyJournal,
				},
				{
					Name:      "inspect",
					Usage:     "List journal records",
					ArgsUsage: "<journal.jsonl>",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "run", Usage: "Only records of this run"},
					},
					Action: inspectJournal,
				},
			},
		},
		{
			Name:      "keygen",
			Usage:     "Write a new journal signing key",
			ArgsUsage: "<key-file>",
			Action:    keygen,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func oneArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.Errorf("usage: %s %s", c.Command.FullName(), c.Command.ArgsUsage)
	}
	return c.Args().First(), nil
}

func parseParams(values []string) (map[string]string, error) {
	params := make(map[string]string, len(values))
	for _, v := range values {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("parameter %q is not NAME=VALUE", v)
		}
		params[k] = val
	}
	return params, nil
}

// requiredLabels collects every label the graph asks for, so a single local
// agent can serve all of its stages.
func requiredLabels(g *core.Graph) []string {
	seen := map[string]bool{}
	for _, l := range g.Labels {
		seen[l] = true
	}
	for _, u := range g.Units {
		for _, sp := range u.Stages {
			for _, l := range sp.Labels {
				seen[l] = true
			}
		}
	}
	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

func runPipeline(c *cli.Context) error {
	path, err := oneArg(c)
	if err != nil {
		return err
	}
	closer, err := logging.Setup(logging.Options{Level: c.String("log-level")})
	if err != nil {
		return err
	}
	defer closer.Close()

	p, err := core.LoadPipeline(path)
	if err != nil {
		return err
	}
	g, err := core.Compile(p)
	if err != nil {
		return err
	}
	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}

	dataDir := c.String("data-dir")
	if dataDir == "" {
		if dataDir, err = os.MkdirTemp("", "stagerun-"); err != nil {
			return err
		}
	}
	var journal *storage.Journal
	if c.Bool("journal") {
		if journal, _, err = storage.OpenJournal(filepath.Join(dataDir, "journal.jsonl"), nil); err != nil {
			return err
		}
		defer journal.Close()
	}
	store := storage.NewStore(filepath.Join(dataDir, "logs"), journal)

	agents := pool.New()
	if err := agents.Register(pool.Agent{ID: "local", Labels: requiredLabels(g), Capacity: c.Int("capacity")}); err != nil {
		return err
	}
	exec := executor.New(executor.Options{
		Credentials: executor.EnvCredentials{Prefix: "STAGERUN_CREDENTIAL_"},
		Local:       &executor.LocalLauncher{Root: filepath.Join(dataDir, "workspace")},
	})
	sched := core.NewScheduler(core.NewCatalog(), agents, exec, store, core.Options{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := sched.TriggerGraph(context.Background(), g, params)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sched.Abort(id)
	}()

	run, err := stream(store, id)
	if err != nil {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Shutdown(shutdownCtx)

	fmt.Printf("\nrun %s: %s (logs in %s)\n", run.ID, run.Status, dataDir)
	for _, st := range run.Stages {
		line := fmt.Sprintf("  %-20s %s", st.Name, st.Status)
		if st.SkipReason != "" {
			line += " (" + st.SkipReason + ")"
		}
		fmt.Println(line)
	}
	if run.Status != state.RunSucceeded {
		return cli.NewExitError("", 1)
	}
	return nil
}

// stream prints stage output as it arrives, prefixed with the stage name,
// until the run is terminal.
func stream(store *storage.Store, id string) (state.Run, error) {
	offsets := map[string]int64{}
	for {
		changed, err := store.Watch(id)
		if err != nil {
			return state.Run{}, err
		}
		snap, err := store.Snapshot(id)
		if err != nil {
			return state.Run{}, err
		}
		for _, st := range snap.Stages {
			if st.OutputBytes <= offsets[st.Name] {
				continue
			}
			data, err := store.ReadLog(id, st.Name, offsets[st.Name])
			if err != nil {
				return state.Run{}, err
			}
			offsets[st.Name] += int64(len(data))
			for _, line := range strings.SplitAfter(string(data), "\n") {
				if line != "" {
					fmt.Printf("[%s] %s", st.Name, line)
				}
			}
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		<-changed
	}
}

func verifyJournal(c *cli.Context) error {
	path, err := oneArg(c)
	if err != nil {
		return err
	}
	records, err := storage.ReadJournal(path)
	if err != nil {
		return err
	}
	if err := storage.VerifyChain(records); err != nil {
		return errors.Wrap(err, "verification failed")
	}
	fmt.Printf("journal ok: %d records\n", len(records))
	return nil
}

func inspectJournal(c *cli.Context) error {
	path, err := oneArg(c)
	if err != nil {
		return err
	}
	records, err := storage.ReadJournal(path)
	if err != nil {
		return err
	}
	only := c.String("run")
	for _, rec := range records {
		if only != "" && rec.RunID != only {
			continue
		}
		signed := ""
		if rec.Signature != "" {
			signed = " signed"
		}
		fmt.Printf("%5d %s %-36s %-11s %-16s %s%s\n",
			rec.Seq, rec.Time.Format(time.RFC3339), rec.RunID, rec.Kind, rec.Stage, rec.Hash[:16], signed)
	}
	return nil
}

func keygen(c *cli.Context) error {
	path, err := oneArg(c)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("%s already exists", path)
	}
	s, err := security.GenerateSigner()
	if err != nil {
		return err
	}
	if err := s.Save(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\npublic key %s\n", path, s.PublicKeyHex())
	return nil
}
