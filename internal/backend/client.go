// Package backend is the HTTP client for the task backend: starting and
// continuing streaming sessions, human replies, take-control, plan
// confirmation, history records and trigger executions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/requestid"
	"github.com/p-blackswan/taskpilot/internal/retry"
	"github.com/p-blackswan/taskpilot/internal/trigger"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	AuthToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (s StaticToken) AuthToken(context.Context) (string, error) { return string(s), nil }

// Client talks to the backend over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	tokens  TokenSource
	retry   retry.Config
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for plain JSON calls.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithStreamClient sets the client used for long-lived event streams. It
// must not carry a total timeout.
func WithStreamClient(c *http.Client) Option { return func(cl *Client) { cl.stream = c } }

// WithRetry sets the retry policy for best-effort calls.
func WithRetry(cfg retry.Config) Option { return func(cl *Client) { cl.retry = cfg } }

// New creates a backend client rooted at baseURL.
func New(baseURL string, tokens TokenSource, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
		tokens:  tokens,
		retry:   retry.DefaultConfig(),
		logger:  logger.With().Str("component", "backend").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		logger := c.logger
		c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying backend call")
		}
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := requestid.Lookup(ctx); ok {
		req.Header.Set(requestid.Header, id)
	}
	if c.tokens != nil {
		tok, err := c.tokens.AuthToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", perrors.ErrAuthFailure, err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

// doJSON performs a JSON request and decodes a 2xx response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return perrors.NewAPIError("backend", resp.StatusCode, strings.TrimSpace(string(body)))
}

// openStream issues a request whose response is an event stream.
func (c *Client) openStream(ctx context.Context, method, path string, in any) (*Stream, error) {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return newStream(resp.Body), nil
}

// StartChat opens a new streaming session.
func (c *Client) StartChat(ctx context.Context, req StartRequest) (*Stream, error) {
	c.logger.Info().Str("project_id", req.ProjectID).Str("thread_id", req.TaskID).Msg("starting chat stream")
	return c.openStream(ctx, http.MethodPost, "/chat", req)
}

// Improve continues a finished conversation on the project's stream.
func (c *Client) Improve(ctx context.Context, projectID string, req ImproveRequest) (*Stream, error) {
	c.logger.Info().Str("project_id", projectID).Str("thread_id", req.TaskID).Msg("continuing chat stream")
	return c.openStream(ctx, http.MethodPost, "/chat/"+url.PathEscape(projectID)+"/improve", req)
}

// Playback streams the recorded events of a finished thread.
func (c *Client) Playback(ctx context.Context, threadID string, delay time.Duration) (*Stream, error) {
	q := url.Values{"delay_time": {strconv.FormatFloat(delay.Seconds(), 'f', -1, 64)}}
	return c.openStream(ctx, http.MethodGet, "/chat/steps/playback/"+url.PathEscape(threadID)+"?"+q.Encode(), nil)
}

// HumanReply answers the agent's open question.
func (c *Client) HumanReply(ctx context.Context, projectID, agent, reply string) error {
	body := map[string]string{"agent": agent, "reply": reply}
	return c.doJSON(ctx, http.MethodPost, "/chat/"+url.PathEscape(projectID)+"/human-reply", body, nil)
}

// TakeControl pauses, resumes or stops the project's running task.
func (c *Client) TakeControl(ctx context.Context, projectID string, action ControlAction) error {
	body := map[string]ControlAction{"action": action}
	return c.doJSON(ctx, http.MethodPost, "/task/"+url.PathEscape(projectID)+"/take-control", body, nil)
}

// ConfirmPlan uploads the confirmed sub-task list and starts execution.
func (c *Client) ConfirmPlan(ctx context.Context, projectID string, plan []PlanItem) error {
	path := "/task/" + url.PathEscape(projectID)
	if err := c.doJSON(ctx, http.MethodPut, path, map[string][]PlanItem{"task": plan}, nil); err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if err := c.doJSON(ctx, http.MethodPost, path+"/start", nil, nil); err != nil {
		return fmt.Errorf("start plan: %w", err)
	}
	return nil
}

// AddTask tells the running project about a queued follow-up input.
func (c *Client) AddTask(ctx context.Context, projectID, taskID, content string) error {
	body := map[string]string{"task_id": taskID, "content": content}
	return c.doJSON(ctx, http.MethodPost, "/chat/"+url.PathEscape(projectID)+"/add-task", body, nil)
}

// RemoveTask withdraws a queued follow-up input.
func (c *Client) RemoveTask(ctx context.Context, projectID, taskID string) error {
	path := "/chat/" + url.PathEscape(projectID) + "/remove-task/" + url.PathEscape(taskID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// CreateHistory persists a new project record and returns its server id.
func (c *Client) CreateHistory(ctx context.Context, rec HistoryRecord) (string, error) {
	return retry.DoValue(ctx, c.retry, func(ctx context.Context) (string, error) {
		var out struct {
			ID json.Number `json:"id"`
		}
		if err := c.doJSON(ctx, http.MethodPost, "/chat/history", rec, &out); err != nil {
			return "", err
		}
		return out.ID.String(), nil
	})
}

// UpdateHistory updates a persisted project record.
func (c *Client) UpdateHistory(ctx context.Context, id string, rec HistoryRecord) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, "/chat/history/"+url.PathEscape(id), rec, nil)
	})
}

// UpdateExecution reports a trigger execution's status.
func (c *Client) UpdateExecution(ctx context.Context, executionID string, status trigger.ExecutionStatus, reason string) error {
	body := map[string]string{"status": string(status)}
	if reason != "" {
		body["error_message"] = reason
	}
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, "/trigger/execution/"+url.PathEscape(executionID), body, nil)
	})
}

// TriggerConfigs lists the trigger definitions attached to a project.
func (c *Client) TriggerConfigs(ctx context.Context, projectID string) ([]trigger.Config, error) {
	return retry.DoValue(ctx, c.retry, func(ctx context.Context) ([]trigger.Config, error) {
		var out []trigger.Config
		if err := c.doJSON(ctx, http.MethodGet, "/trigger/project/"+url.PathEscape(projectID), nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}
