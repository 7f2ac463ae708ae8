package executor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// LocalLauncher runs steps as child processes of the current host. Each step
// gets its own process group so termination reaches everything it spawned.
type LocalLauncher struct {
	// Root is the workspace root; Request.Dir is resolved below it.
	Root      string
	BaseEnv   []string
	KillGrace time.Duration
}

func (l *LocalLauncher) Start(_ context.Context, req Request, out io.Writer) (Process, error) {
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return nil, errors.New("empty command")
	}
	if req.Tool != "" {
		if _, err := exec.LookPath(req.Tool); err != nil {
			return nil, errors.Wrapf(err, "required tool %q", req.Tool)
		}
	}

	dir, err := l.workspace(req.Dir)
	if err != nil {
		return nil, err
	}

	argv := make([]string, len(req.Argv))
	for i, a := range req.Argv {
		argv[i] = strings.ReplaceAll(a, WorkspaceVar, dir)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	base := l.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append(append([]string(nil), base...), "WORKSPACE="+dir), req.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = l.grace()
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &localProcess{cmd: cmd}, nil
}

func (l *LocalLauncher) grace() time.Duration {
	if l.KillGrace > 0 {
		return l.KillGrace
	}
	return 5 * time.Second
}

func (l *LocalLauncher) workspace(rel string) (string, error) {
	root := l.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "stagerun-workspace")
	}
	dir := filepath.Join(root, filepath.Clean("/"+rel))
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", errors.Wrap(err, "create workspace")
	}
	return abs, nil
}

type localProcess struct {
	cmd *exec.Cmd
}

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) && p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (p *localProcess) Terminate() error {
	return signalTerminate(p.cmd)
}

func (p *localProcess) Kill() error {
	return signalKill(p.cmd)
}
