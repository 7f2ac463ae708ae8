package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Frame is one newline delimited JSON message of the agent output stream.
// Out frames carry output; the stream ends with an Exit or an Error frame.
type Frame struct {
	Out   string `json:"out,omitempty"`
	Exit  *int   `json:"exit,omitempty"`
	Error string `json:"error,omitempty"`
}

// RemoteLauncher starts steps on a remote agent over HTTP. Output is read
// incrementally from the streaming response.
type RemoteLauncher struct {
	Address string
	Client  *http.Client
}

func (l *RemoteLauncher) Start(_ context.Context, req Request, out io.Writer) (Process, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	// the request outlives the caller's context; the executor decides when
	// to terminate
	ctx, cancel := context.WithCancel(context.Background())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(l.Address, "/")+"/run", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "agent %s unreachable", l.Address)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		var f Frame
		if err := json.NewDecoder(resp.Body).Decode(&f); err == nil && f.Error != "" {
			return nil, errors.New(f.Error)
		}
		return nil, errors.Errorf("agent %s answered %s", l.Address, resp.Status)
	}
	return &remoteProcess{body: resp.Body, out: out, cancel: cancel}, nil
}

type remoteProcess struct {
	body   io.ReadCloser
	out    io.Writer
	cancel context.CancelFunc

	mu         sync.Mutex
	terminated bool
}

func (p *remoteProcess) Wait() (int, error) {
	defer p.cancel()
	defer p.body.Close()

	dec := json.NewDecoder(p.body)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if p.wasTerminated() {
				return -1, nil
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return -1, errors.Wrap(err, "read agent stream")
		}
		if f.Out != "" {
			if _, err := io.WriteString(p.out, f.Out); err != nil {
				return -1, err
			}
		}
		if f.Exit != nil {
			return *f.Exit, nil
		}
		if f.Error != "" {
			return -1, errors.New(f.Error)
		}
	}
}

// Terminate drops the request; the agent terminates the process when its
// request context ends.
func (p *remoteProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.cancel()
	return nil
}

func (p *remoteProcess) Kill() error {
	return p.Terminate()
}

func (p *remoteProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
