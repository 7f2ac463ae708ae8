package executor

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Kind tags a step command. Each kind has its own validated field set.
type Kind string

const (
	KindShell     Kind = "shell"
	KindExec      Kind = "exec"
	KindContainer Kind = "container"
)

// WorkspaceVar is expanded by launchers to the absolute workspace directory.
const WorkspaceVar = "${WORKSPACE}"

// Command is one step as the executor sees it: what to launch and in which
// environment. Parameter substitution has already happened.
type Command struct {
	Name        string
	Kind        Kind
	Script      string
	Program     string
	Args        []string
	Image       string
	Tool        string
	Env         map[string]string
	Credentials []string
	// Dir is relative to the launcher's workspace root.
	Dir     string
	Timeout time.Duration
}

// Request is what a launcher receives; it is also the remote agent wire
// format.
type Request struct {
	Argv []string `json:"argv"`
	Env  []string `json:"env,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Tool string   `json:"tool,omitempty"`
}

func (e *Executor) request(ctx context.Context, cmd Command) (Request, error) {
	env := make(map[string]string, len(cmd.Env)+len(cmd.Credentials))
	for k, v := range cmd.Env {
		env[k] = v
	}
	for _, name := range cmd.Credentials {
		if e.opts.Credentials == nil {
			return Request{}, fmt.Errorf("credential %q requested but no provider is configured", name)
		}
		value, err := e.opts.Credentials.Lookup(ctx, name)
		if err != nil {
			return Request{}, err
		}
		env[name] = value
	}

	req := Request{
		Env:  flattenEnv(env),
		Dir:  cmd.Dir,
		Tool: cmd.Tool,
	}

	switch cmd.Kind {
	case KindShell:
		req.Argv = []string{e.opts.Shell, "-c", cmd.Script}
	case KindExec:
		req.Argv = append([]string{cmd.Program}, cmd.Args...)
	case KindContainer:
		argv := []string{e.opts.ContainerRuntime, "run", "--rm",
			"-v", WorkspaceVar + ":/workspace", "-w", "/workspace"}
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			// value is taken from the launcher environment, not argv
			argv = append(argv, "-e", k)
		}
		argv = append(argv, cmd.Image)
		if cmd.Program != "" {
			argv = append(argv, cmd.Program)
		}
		req.Argv = append(argv, cmd.Args...)
		if req.Tool == "" {
			req.Tool = e.opts.ContainerRuntime
		}
	default:
		return Request{}, fmt.Errorf("unknown step kind %q", cmd.Kind)
	}
	return req, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
