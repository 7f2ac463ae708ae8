package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"stagerun/internal/api"
	"stagerun/internal/state"
)

var VERSION = "v0.0.0-dev"

func main() {
	app := cli.NewApp()
	app.Name = "stagerunctl"
	app.Usage = "Talk to a stagerun server"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "server, s",
			Value:  "http://localhost:8080",
			EnvVar: "STAGERUN_SERVER",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "submit",
			Usage:     "Register a pipeline definition",
			ArgsUsage: "<pipeline.yaml>",
			Action:    submit,
		},
		{
			Name:   "pipelines",
			Usage:  "List registered pipelines",
			Action: pipelines,
		},
		{
			Name:      "trigger",
			Usage:     "Start a run",
			ArgsUsage: "<pipeline>",
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "param, p", Usage: "NAME=VALUE (repeatable)"},
				cli.BoolFlag{Name: "wait, w", Usage: "Wait for the run and print its stages"},
			},
			Action: trigger,
		},
		{
			Name:   "runs",
			Usage:  "List runs",
			Action: runs,
		},
		{
			Name:      "status",
			Usage:     "Show a run snapshot",
			ArgsUsage: "<run-id>",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "json", Usage: "Print the raw snapshot"},
			},
			Action: status,
		},
		{
			Name:      "abort",
			Usage:     "Abort a run",
			ArgsUsage: "<run-id>",
			Action:    abort,
		},
		{
			Name:      "logs",
			Usage:     "Print a stage log",
			ArgsUsage: "<run-id> <stage>",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "follow, f", Usage: "Stream until the stage finishes"},
			},
			Action: logs,
		},
		{
			Name:   "agents",
			Usage:  "List agents",
			Action: agents,
		},
		{
			Name:   "verify",
			Usage:  "Verify the server's run journal",
			Action: verify,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func client(c *cli.Context) *api.Client {
	return api.NewClient(c.GlobalString("server"))
}

func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func args(c *cli.Context, n int) ([]string, error) {
	if c.NArg() != n {
		return nil, errors.Errorf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args(), nil
}

func submit(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(a[0])
	if err != nil {
		return err
	}
	info, err := client(c).AddPipeline(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s: %d stages in %d units\n", info.Name, len(info.Stages), info.Units)
	return nil
}

func pipelines(c *cli.Context) error {
	list, err := client(c).Pipelines(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTAGES\tTRIGGERS")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\n", p.Name, strings.Join(p.Stages, ","), len(p.Triggers))
	}
	return w.Flush()
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

func trigger(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()

	cl := client(c)
	id, err := cl.Trigger(ctx, a[0], params)
	if err != nil {
		return err
	}
	fmt.Println(id)
	if !c.Bool("wait") {
		return nil
	}
	run, err := cl.WaitRun(ctx, id, time.Second)
	if err != nil {
		return err
	}
	printRun(run)
	if run.Status != state.RunSucceeded {
		return cli.NewExitError("", 1)
	}
	return nil
}

func runs(c *cli.Context) error {
	list, err := client(c).Runs(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPIPELINE\tSTATUS\tCREATED")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Pipeline, r.Status, r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func status(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	run, err := client(c).Run(context.Background(), a[0])
	if err != nil {
		return err
	}
	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
	printRun(run)
	return nil
}

func printRun(run state.Run) {
	fmt.Printf("run %s (%s): %s\n", run.ID, run.Pipeline, run.Status)
	if run.Error != nil {
		fmt.Printf("  error: %s %s\n", run.Error.Kind, run.Error.Message)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  STAGE\tSTATUS\tAGENT\tEXIT\tREASON")
	for _, st := range run.Stages {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", st.Name, st.Status, st.Agent, st.ExitCode, st.SkipReason)
	}
	w.Flush()
	for _, p := range run.Post {
		where := "pipeline"
		if p.Scope != "" {
			where = p.Scope
		}
		fmt.Printf("  post %s/%s: %s\n", where, p.Condition, p.Status)
	}
}

func abort(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	if err := client(c).Abort(context.Background(), a[0]); err != nil {
		return err
	}
	fmt.Println("abort requested")
	return nil
}

func logs(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()
	if c.Bool("follow") {
		return client(c).FollowLog(ctx, a[0], a[1], os.Stdout)
	}
	data, err := client(c).Log(ctx, a[0], a[1], 0)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func agents(c *cli.Context) error {
	list, err := client(c).Agents(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABELS\tCAPACITY\tIN USE\tOWNER\tADDRESS")
	for _, s := range list {
		address := s.Address
		if address == "" {
			address = "local"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", s.ID, strings.Join(s.Labels, ","), s.Capacity, s.InUse, s.Owner, address)
	}
	return w.Flush()
}

func verify(c *cli.Context) error {
	if err := client(c).VerifyJournal(context.Background()); err != nil {
		return err
	}
	fmt.Println("journal verification ok")
	return nil
}
