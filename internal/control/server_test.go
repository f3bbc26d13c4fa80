package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/taskpilot/internal/errors"
	"github.com/p-blackswan/taskpilot/internal/health"
	"github.com/p-blackswan/taskpilot/internal/metrics"
	"github.com/p-blackswan/taskpilot/internal/orchestrator"
	"github.com/p-blackswan/taskpilot/internal/store"
	"github.com/p-blackswan/taskpilot/internal/subscription"
	"github.com/p-blackswan/taskpilot/internal/trigger"
)

type testEnv struct {
	app     *fiber.App
	orch    *fakeOrchestrator
	sub     *fakeSubscription
	store   *store.Store
	checker *health.Checker
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, auth AuthConfig, rl RateLimitConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.New(filepath.Join(t.TempDir(), "control.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		orch:    newFakeOrchestrator(),
		sub:     &fakeSubscription{},
		store:   st,
		checker: health.NewChecker(logger),
		metrics: metrics.New(),
	}
	env.checker.Register("store", st.Health)

	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		AuthConfig: auth,
		RateLimit:  rl,
	}, Deps{
		Orchestrator: env.orch,
		Subscription: env.sub,
		DeadLetters:  st,
		Triggers: fakeTriggers{"proj-1": {
			{ID: "trg-1", Name: "Nightly", Type: trigger.TypeSchedule, ProjectID: "proj-1", Enabled: true},
		}},
		TriggerQueue: fakeQueue{
			{ID: "tt-1", TriggerName: "Nightly", ExecutionID: "exec-1", TargetProjectID: "proj-a", Running: true},
			{ID: "tt-2", TriggerName: "Nightly", ExecutionID: "exec-2", TargetProjectID: "proj-b"},
		},
	}, env.checker, env.metrics, logger)
	env.app = srv.App()
	return env
}

func openEnv(t *testing.T) *testEnv {
	return newTestEnv(t, AuthConfig{Mode: AuthModeNone}, RateLimitConfig{})
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_HealthzEndpoint(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: AuthModeAPIKey, APIKey: "secret"}, RateLimitConfig{})

	resp := env.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ReadyzEndpoint(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.checker.Register("subscription", func(context.Context) health.Status { return health.StatusDown })
	resp = env.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := openEnv(t)
	env.do(t, "GET", "/api/v1/projects", "")

	resp := env.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "taskpilot_control_requests_total")
}

func TestServer_Auth(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: AuthModeAPIKey, APIKey: "secret"}, RateLimitConfig{})

	resp := env.do(t, "GET", "/api/v1/projects", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "missing_auth", problem.Type)

	req, _ := http.NewRequest("GET", "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Basic abc")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest("GET", "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_api_key", decode[ProblemDetail](t, resp).Type)

	req, _ = http.NewRequest("GET", "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, AuthConfig{Mode: AuthModeNone}, RateLimitConfig{RPS: 1, Burst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(t, "GET", "/api/v1/projects", "").StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Probes are never limited.
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/healthz", "").StatusCode)
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RPS: 1, Burst: 1})
	now := time.Now()

	assert.True(t, rl.allow("1.1.1.1", now))
	assert.False(t, rl.allow("1.1.1.1", now))
	assert.True(t, rl.allow("2.2.2.2", now.Add(time.Hour)))

	rl.sweep(now.Add(time.Minute))
	assert.Len(t, rl.clients, 1)
	assert.True(t, rl.allow("1.1.1.1", now.Add(time.Hour)), "swept clients start with a full bucket")
	rl.stop()
	rl.stop()
}

func TestServer_ProjectLifecycle(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "POST", "/api/v1/projects", `{"name":"Research"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[ProjectResponse](t, resp)
	assert.Equal(t, "Research", created.Project.Name)
	assert.True(t, created.Project.Active)
	projectID := created.Project.ID

	resp = env.do(t, "POST", "/api/v1/projects", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decode[ProjectResponse](t, resp).Project.ID

	list := decode[ProjectListResponse](t, env.do(t, "GET", "/api/v1/projects", ""))
	assert.Len(t, list.Projects, 2)
	assert.Equal(t, second, list.ActiveID)

	resp = env.do(t, "POST", "/api/v1/projects/"+projectID+"/activate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[ProjectResponse](t, resp).Project.Active)

	resp = env.do(t, "POST", "/api/v1/projects/"+projectID+"/threads", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	thread := decode[ThreadResponse](t, resp)
	assert.NotEmpty(t, thread.ThreadID)

	resp = env.do(t, "GET", "/api/v1/projects/"+projectID+"/threads/"+thread.ThreadID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ThreadResponse](t, resp)
	require.NotNil(t, got.Task)
	assert.Equal(t, thread.ThreadID, got.Task.ID)

	resp = env.do(t, "POST", "/api/v1/projects/"+projectID+"/threads/nope/activate", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", "/api/v1/projects/"+projectID, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/projects/"+projectID, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", "/api/v1/projects/"+projectID, "").StatusCode)
}

func TestServer_CreateProjectWithID(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "POST", "/api/v1/projects", `{"name":"X","id":"explicit"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "explicit", decode[ProjectResponse](t, resp).Project.ID)

	resp = env.do(t, "POST", "/api/v1/projects", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Input(t *testing.T) {
	env := openEnv(t)
	projectID := env.orch.CreateProject("p")

	resp := env.do(t, "POST", "/api/v1/projects/"+projectID+"/input", `{"content":"build a site","new_agents":[{"name":"designer"}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := decode[orchestrator.Result](t, resp)
	assert.Equal(t, orchestrator.OutcomeStarted, res.Outcome)
	assert.Equal(t, projectID, res.ProjectID)

	require.Len(t, env.orch.inputs, 1)
	assert.Equal(t, "human", string(env.orch.inputs[0].Origin))
	require.Len(t, env.orch.inputs[0].NewAgents, 1)

	resp = env.do(t, "POST", "/api/v1/projects/"+projectID+"/input", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "empty_input", decode[ProblemDetail](t, resp).Type)

	resp = env.do(t, "POST", "/api/v1/projects/missing/input", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.orch.submitErr = perrors.ErrContextExceeded
	resp = env.do(t, "POST", "/api/v1/projects/"+projectID+"/input", `{"content":"x"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "context_exceeded", decode[ProblemDetail](t, resp).Type)

	env.orch.submitErr = perrors.NewAPIError("backend", 500, "boom")
	resp = env.do(t, "POST", "/api/v1/projects/"+projectID+"/input", `{"content":"x"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	env.orch.submitErr = errors.New("unexpected")
	resp = env.do(t, "POST", "/api/v1/projects/"+projectID+"/input", `{"content":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "internal_error", problem.Type)
	assert.NotContains(t, problem.Detail, "unexpected")
}

func TestServer_TaskControl(t *testing.T) {
	env := openEnv(t)
	projectID := env.orch.CreateProject("p")
	base := "/api/v1/projects/" + projectID

	assert.Equal(t, http.StatusNoContent, env.do(t, "POST", base+"/pause", "").StatusCode)
	assert.Equal(t, http.StatusNoContent, env.do(t, "POST", base+"/resume", "").StatusCode)

	env.orch.degraded = true
	resp := env.do(t, "POST", base+"/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StopResponse{Stopped: true, Degraded: true}, decode[StopResponse](t, resp))

	resp = env.do(t, "POST", base+"/confirm", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state", decode[ProblemDetail](t, resp).Type)

	resp = env.do(t, "PUT", base+"/proposals", `{"proposals":[{"id":"1","content":"a"},{"id":"2","content":"b"}]}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.orch.pauseErr = perrors.NewAPIError("backend", 401, "expired")
	resp = env.do(t, "POST", base+"/pause", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "backend_auth_failed", decode[ProblemDetail](t, resp).Type)

	assert.Equal(t, []string{
		"pause " + projectID,
		"resume " + projectID,
		"stop " + projectID,
		"confirm " + projectID,
		"proposals " + projectID + " 2",
		"pause " + projectID,
	}, env.orch.Calls())
}

func TestServer_Queue(t *testing.T) {
	env := openEnv(t)
	projectID := env.orch.CreateProject("p")
	base := "/api/v1/projects/" + projectID + "/queue"

	resp := env.do(t, "POST", base, `{"content":"later"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	taskID := decode[QueueResponse](t, resp).TaskID
	assert.Equal(t, "q-1", taskID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", base, `{"content":"  "}`).StatusCode)

	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", base+"/"+taskID, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", base+"/"+taskID, "").StatusCode)
}

func TestServer_Replay(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "POST", "/api/v1/replay", `{"thread_ids":["t1","t2"],"label":"demo"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	got := decode[ReplayResponse](t, resp)
	assert.Equal(t, orchestrator.ReplayProjectID("demo"), got.ProjectID)
	assert.Empty(t, got.Error)

	resp = env.do(t, "POST", "/api/v1/replay", `{"thread_ids":[],"label":"demo"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.orch.replayErr = errors.New("playback t2: 404")
	resp = env.do(t, "POST", "/api/v1/replay", `{"thread_ids":["t1","t2"],"project_id":"fixed"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	got = decode[ReplayResponse](t, resp)
	assert.Equal(t, "fixed", got.ProjectID)
	assert.Contains(t, got.Error, "playback t2")
}

func TestServer_Triggers(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/api/v1/projects/proj-1/triggers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[TriggerListResponse](t, resp)
	require.Len(t, list.Triggers, 1)
	assert.Equal(t, "Nightly", list.Triggers[0].Name)

	resp = env.do(t, "GET", "/api/v1/projects/other/triggers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, decode[TriggerListResponse](t, resp).Triggers)

	resp = env.do(t, "GET", "/api/v1/triggers/queue", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	queue := decode[TriggerQueueResponse](t, resp)
	require.Len(t, queue.Tasks, 2)
	assert.Equal(t, "exec-1", queue.Tasks[0].ExecutionID)
	assert.Equal(t, []string{"proj-b"}, queue.WaitingProjects)
}

func TestServer_ArtifactsNotConfigured(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/api/v1/projects/p/artifacts", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_configured", decode[ProblemDetail](t, resp).Type)
}

func TestServer_DeadLetters(t *testing.T) {
	env := openEnv(t)
	ctx := context.Background()

	dl, err := env.store.SaveDeadLetter(ctx, store.KindHistory, "thread-1", "503")
	require.NoError(t, err)
	_, err = env.store.SaveDeadLetter(ctx, store.KindTriggerStatus, "exec-1", "timeout")
	require.NoError(t, err)

	resp := env.do(t, "GET", "/api/v1/dead-letters", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[DeadLetterListResponse](t, resp).DeadLetters, 2)

	assert.Equal(t, http.StatusNoContent, env.do(t, "POST", "/api/v1/dead-letters/"+dl.ID+"/resolve", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/v1/dead-letters/"+dl.ID+"/resolve", "").StatusCode)

	resp = env.do(t, "GET", "/api/v1/dead-letters", "")
	assert.Len(t, decode[DeadLetterListResponse](t, resp).DeadLetters, 1)

	resp = env.do(t, "GET", "/api/v1/dead-letters?all=true&limit=10", "")
	assert.Len(t, decode[DeadLetterListResponse](t, resp).DeadLetters, 2)
}

func TestServer_Subscription(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/api/v1/subscription", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "disconnected", decode[SubscriptionResponse](t, resp).State)

	resp = env.do(t, "POST", "/api/v1/subscription/reconnect", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "connected", decode[SubscriptionResponse](t, resp).State)
	assert.Equal(t, 1, env.sub.reconnects)

	env.sub.err = perrors.ErrChannelDisabled
	resp = env.do(t, "POST", "/api/v1/subscription/reconnect", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	env.sub.state = subscription.StateUnhealthy
	resp = env.do(t, "GET", "/api/v1/subscription", "")
	assert.Equal(t, "unhealthy", decode[SubscriptionResponse](t, resp).State)
}

func TestServer_HealthDetail(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[HealthDetailResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["store"])
}

func TestServer_UnknownRoute(t *testing.T) {
	env := openEnv(t)

	resp := env.do(t, "GET", "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "request_error", problem.Type)
	assert.Equal(t, "Not Found", problem.Title)
}
