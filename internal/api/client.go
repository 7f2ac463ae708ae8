package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"stagerun/internal/pool"
	"stagerun/internal/state"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	Issues  []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	if len(e.Issues) > 0 {
		msg += "\n  " + strings.Join(e.Issues, "\n  ")
	}
	return msg
}

// Client talks to a stagerun server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, accept string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		var er ErrorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message, apiErr.Issues = er.Error, er.Issues
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	contentType := ""
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
		contentType = contentJSON
	}
	resp, err := c.do(ctx, method, path, contentType, body, contentJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s %s", method, path)
}

// AddPipeline registers a YAML or JSONC definition.
func (c *Client) AddPipeline(ctx context.Context, definition []byte) (PipelineInfo, error) {
	var info PipelineInfo
	resp, err := c.do(ctx, http.MethodPost, "/pipelines", "application/x-yaml", definition, contentJSON)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()
	return info, json.NewDecoder(resp.Body).Decode(&info)
}

func (c *Client) Pipelines(ctx context.Context) ([]PipelineInfo, error) {
	var out []PipelineInfo
	return out, c.doJSON(ctx, http.MethodGet, "/pipelines", nil, &out)
}

// Trigger starts a run and returns its ID.
func (c *Client) Trigger(ctx context.Context, pipeline string, params map[string]string) (string, error) {
	var out TriggerResponse
	err := c.doJSON(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(pipeline)+"/runs", TriggerRequest{Parameters: params}, &out)
	return out.ID, err
}

func (c *Client) Runs(ctx context.Context) ([]state.Summary, error) {
	var out []state.Summary
	return out, c.doJSON(ctx, http.MethodGet, "/runs", nil, &out)
}

// Run fetches a snapshot using the CBOR encoding.
func (c *Client) Run(ctx context.Context, id string) (state.Run, error) {
	var run state.Run
	resp, err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), "", nil, contentCBOR)
	if err != nil {
		return run, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return run, err
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), contentCBOR) {
		return run, cbor.Unmarshal(data, &run)
	}
	return run, json.Unmarshal(data, &run)
}

// WaitRun polls until the run is terminal.
func (c *Client) WaitRun(ctx context.Context, id string, interval time.Duration) (state.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.Run(ctx, id)
		if err != nil || run.Status.Terminal() {
			return run, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return run, ctx.Err()
		}
	}
}

func (c *Client) Abort(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/abort", nil, nil)
}

// Log returns a stage log from offset on.
func (c *Client) Log(ctx context.Context, id, stage string, offset int64) ([]byte, error) {
	path := fmt.Sprintf("/runs/%s/stages/%s/log?offset=%d", url.PathEscape(id), url.PathEscape(stage), offset)
	resp, err := c.do(ctx, http.MethodGet, path, "", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// FollowLog streams a stage log to w until the stage is done.
func (c *Client) FollowLog(ctx context.Context, id, stage string, w io.Writer) error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = u.JoinPath("runs", id, "stages", stage, "log", "follow")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: "log follow refused"}
		}
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
}

func (c *Client) RegisterAgent(ctx context.Context, agent pool.Agent) error {
	return c.doJSON(ctx, http.MethodPost, "/agents", agent, nil)
}

func (c *Client) EvictAgent(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/agents/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Agents(ctx context.Context) ([]pool.Status, error) {
	var out []pool.Status
	return out, c.doJSON(ctx, http.MethodGet, "/agents", nil, &out)
}

// VerifyJournal asks the server to verify its journal chain.
func (c *Client) VerifyJournal(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/journal/verify", nil, nil)
}
