package orchestrator_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/taskpilot/internal/backend"
	"github.com/p-blackswan/taskpilot/internal/clock"
	"github.com/p-blackswan/taskpilot/internal/orchestrator"
	"github.com/p-blackswan/taskpilot/internal/retry"
	"github.com/p-blackswan/taskpilot/internal/timeline"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// script is the scripted response to one streaming request.
type script struct {
	status int
	events []string
	// hold keeps the stream open after events until it is closed or the
	// client goes away; after is written once hold is closed.
	hold  chan struct{}
	after []string
}

type call struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeBackend serves the backend API from scripts.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	scripts       []script
	calls         []call
	controlStatus int
	// failing maps "METHOD path" to a status code returned instead of 200.
	failing map[string]int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	fb := &fakeBackend{t: t}
	fb.server = httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) push(s script) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.scripts = append(fb.scripts, s)
}

func (fb *fakeBackend) setControlStatus(code int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.controlStatus = code
}

// fail makes method requests to path answer with code; zero clears it.
func (fb *fakeBackend) fail(method, path string, code int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.failing == nil {
		fb.failing = make(map[string]int)
	}
	if code == 0 {
		delete(fb.failing, method+" "+path)
		return
	}
	fb.failing[method+" "+path] = code
}

func (fb *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	fb.mu.Lock()
	fb.calls = append(fb.calls, call{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	controlStatus := fb.controlStatus
	failCode := fb.failing[r.Method+" "+r.URL.Path]
	fb.mu.Unlock()

	switch {
	case failCode != 0:
		http.Error(w, "scripted failure", failCode)
	case r.URL.Path == "/chat" || strings.HasSuffix(r.URL.Path, "/improve") || strings.HasPrefix(r.URL.Path, "/chat/steps/playback/"):
		fb.stream(w, r)
	case r.URL.Path == "/chat/history" && r.Method == http.MethodPost:
		fmt.Fprint(w, `{"id": 42}`)
	case strings.HasSuffix(r.URL.Path, "/take-control"):
		if controlStatus != 0 {
			http.Error(w, "control failed", controlStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (fb *fakeBackend) stream(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	if len(fb.scripts) == 0 {
		fb.mu.Unlock()
		http.Error(w, "no script", http.StatusInternalServerError)
		return
	}
	s := fb.scripts[0]
	fb.scripts = fb.scripts[1:]
	fb.mu.Unlock()

	if s.status != 0 {
		http.Error(w, "scripted failure", s.status)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	write := func(events []string) {
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		flusher.Flush()
	}
	write(s.events)
	if s.hold == nil {
		return
	}
	select {
	case <-s.hold:
		write(s.after)
	case <-r.Context().Done():
	}
}

func (fb *fakeBackend) callsTo(method, pathSuffix string) []call {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []call
	for _, c := range fb.calls {
		if c.Method == method && strings.HasSuffix(c.Path, pathSuffix) {
			out = append(out, c)
		}
	}
	return out
}

func ev(t *testing.T, step timeline.Step, payload any) string {
	t.Helper()
	b, err := json.Marshal(timeline.NewEvent(step, payload))
	require.NoError(t, err)
	return string(b)
}

func confirmed(t *testing.T, q string) string {
	return ev(t, timeline.StepConfirmed, timeline.ConfirmedData{Question: q})
}

func end(t *testing.T, summary string) string {
	return ev(t, timeline.StepEnd, summary)
}

func waitConfirm(t *testing.T, content string) string {
	return ev(t, timeline.StepWaitConfirm, timeline.WaitConfirmData{Content: content})
}

func twoSubTasks(t *testing.T) string {
	return ev(t, timeline.StepToSubTasks, timeline.ToSubTasksData{
		SummaryTask: "Build X",
		SubTasks: []timeline.ProposedSubTask{
			{ID: "1", Content: "design"},
			{ID: "2", Content: "implement"},
		},
	})
}

type changeLog struct {
	mu      sync.Mutex
	changes []orchestrator.Change
}

func (l *changeLog) add(c orchestrator.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) ended() []orchestrator.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []orchestrator.Change
	for _, c := range l.changes {
		if c.Kind == orchestrator.ChangeSessionEnded {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	fb  *fakeBackend
	o   *orchestrator.Orchestrator
	clk *clock.Fake
	log *changeLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fb := newFakeBackend(t)
	client := backend.New(fb.server.URL, backend.StaticToken("tok"), zerolog.Nop(),
		backend.WithRetry(retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond}))
	clk := clock.NewFake(epoch)
	o := orchestrator.New(orchestrator.Options{
		Backend: client,
		Clock:   clk,
		Logger:  zerolog.Nop(),
		Model:   orchestrator.Model{Language: "en", Platform: "openai", Type: "gpt-4.1"},
	})
	t.Cleanup(o.Close)
	log := &changeLog{}
	o.Subscribe(log.add)
	return &fixture{fb: fb, o: o, clk: clk, log: log}
}

func (f *fixture) activeTask(t *testing.T, projectID string) timeline.Task {
	t.Helper()
	v, err := f.o.Project(projectID)
	require.NoError(t, err)
	tl, err := f.o.Thread(projectID, v.ActiveThreadID)
	require.NoError(t, err)
	return tl.Snapshot()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}
