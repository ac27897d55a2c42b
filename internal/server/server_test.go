package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hybridexec/internal/config"
	"hybridexec/internal/executor"
	"hybridexec/internal/policy"
	"hybridexec/internal/scheduler"
	"hybridexec/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

type fakeExecutor struct {
	mu        sync.Mutex
	submitted []types.ExecutionRequest
	cancelled []string
	results   map[string][]types.PartialResult
	safeMode  bool
	submitErr error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: make(map[string][]types.PartialResult)}
}

func (f *fakeExecutor) SubmitExecution(_ context.Context, prompt string, tier types.Tier) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if prompt == "" {
		return "", executor.ErrEmptyPrompt
	}
	id := fmt.Sprintf("req-%d", len(f.submitted)+1)
	f.submitted = append(f.submitted, types.ExecutionRequest{ID: id, Prompt: prompt, Tier: tier})
	f.results[id] = []types.PartialResult{
		{RequestID: id, Seq: 0, Text: "hello ", Placement: types.PlacementLocalSmall},
		{RequestID: id, Seq: 1, Text: "world", Placement: types.PlacementLocalSmall},
		{RequestID: id, Seq: 2, Final: true, Outcome: types.OutcomeCompletion, Placement: types.PlacementLocalSmall},
	}
	return id, nil
}

func (f *fakeExecutor) StreamResults(ctx context.Context, id string) (<-chan types.PartialResult, error) {
	f.mu.Lock()
	res, ok := f.results[id]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", executor.ErrUnknownExecution, id)
	}
	out := make(chan types.PartialResult, len(res))
	for _, r := range res {
		out <- r
	}
	close(out)
	return out, nil
}

func (f *fakeExecutor) CancelExecution(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[id]; !ok {
		return fmt.Errorf("%w: %s", executor.ErrUnknownExecution, id)
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeExecutor) Status(id string) (executor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[id]; !ok {
		return executor.Status{}, fmt.Errorf("%w: %s", executor.ErrUnknownExecution, id)
	}
	return executor.Status{ID: id, State: types.SlotCompleted, Outcome: types.OutcomeCompletion}, nil
}

func (f *fakeExecutor) Snapshot() executor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	tier := types.TierUserInitiated
	return executor.Snapshot{
		RunningTier:       &tier,
		QueueDepthsByTier: map[string]int{"background": 2},
		SafeMode:          f.safeMode,
		Warnings:          []string{"audit: 1 event(s) dropped, buffer full"},
	}
}

func (f *fakeExecutor) SetSafeMode(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.safeMode = on
}

func (f *fakeExecutor) SafeMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.safeMode
}

func newTestServer(t *testing.T, exec Executor, opts Options) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(exec, opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmit(t *testing.T) {
	exec := newFakeExecutor()
	ts := newTestServer(t, exec, Options{})

	resp := post(t, ts.URL+"/v1/executions", SubmitRequest{Prompt: "hi", Tier: "critical"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "req-1", out.ID)
	assert.Equal(t, types.TierSystemCritical, out.Tier)

	resp = post(t, ts.URL+"/v1/executions", SubmitRequest{Prompt: "default tier"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	exec.mu.Lock()
	assert.Equal(t, types.TierUserInitiated, exec.submitted[1].Tier)
	exec.mu.Unlock()
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
	}{
		{name: "malformed body", body: "{", want: http.StatusBadRequest},
		{name: "unknown tier", body: `{"prompt":"x","tier":"urgent"}`, want: http.StatusBadRequest},
		{name: "empty prompt", body: `{"prompt":""}`, want: http.StatusBadRequest},
		{name: "queue full", body: `{"prompt":"x"}`, submitErr: scheduler.ErrQueueFull, want: http.StatusTooManyRequests},
		{name: "stopped", body: `{"prompt":"x"}`, submitErr: scheduler.ErrStopped, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newFakeExecutor()
			exec.submitErr = tt.submitErr
			ts := newTestServer(t, exec, Options{})
			resp, err := http.Post(ts.URL+"/v1/executions", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)

			var e errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestStatusAndCancel(t *testing.T) {
	exec := newFakeExecutor()
	ts := newTestServer(t, exec, Options{})
	post(t, ts.URL+"/v1/executions", SubmitRequest{Prompt: "hi"})

	resp, err := http.Get(ts.URL + "/v1/executions/req-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st executor.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, types.SlotCompleted, st.State)

	missing, err := http.Get(ts.URL + "/v1/executions/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/executions/req-1", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	exec.mu.Lock()
	assert.Equal(t, []string{"req-1"}, exec.cancelled)
	exec.mu.Unlock()

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/v1/executions/nope", nil)
	require.NoError(t, err)
	del2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del2.Body.Close()
	assert.Equal(t, http.StatusNotFound, del2.StatusCode)
}

func TestStreamOverWebsocket(t *testing.T) {
	exec := newFakeExecutor()
	ts := newTestServer(t, exec, Options{})
	post(t, ts.URL+"/v1/executions", SubmitRequest{Prompt: "hi"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/executions/req-1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var got []types.PartialResult
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var r types.PartialResult
		if err := conn.ReadJSON(&r); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, r)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "hello ", got[0].Text)
	assert.True(t, got[2].Final)
	assert.Equal(t, types.OutcomeCompletion, got[2].Outcome)
}

func TestStreamUnknownExecution(t *testing.T) {
	ts := newTestServer(t, newFakeExecutor(), Options{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/executions/nope/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t, newFakeExecutor(), Options{})
	resp, err := http.Get(ts.URL + "/v1/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "userInitiated", raw["running_tier"])
	assert.Equal(t, map[string]any{"background": float64(2)}, raw["queue_depths_by_tier"])
	assert.Len(t, raw["warnings"], 1)
}

func TestSafeModeToggle(t *testing.T) {
	exec := newFakeExecutor()
	ts := newTestServer(t, exec, Options{})

	resp := post(t, ts.URL+"/v1/safe-mode", SafeModeRequest{Enabled: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, exec.SafeMode())

	get, err := http.Get(ts.URL + "/v1/safe-mode")
	require.NoError(t, err)
	defer get.Body.Close()
	var out SafeModeRequest
	require.NoError(t, json.NewDecoder(get.Body).Decode(&out))
	assert.True(t, out.Enabled)
}

func TestSafeModeDeniedByPolicy(t *testing.T) {
	exec := newFakeExecutor()
	gate := policy.NewFromConfig(config.PolicyConfig{
		Rules: []config.PolicyRule{{Name: "locked", Effect: "deny", Match: config.PolicyRuleMatch{Action: "side_effect"}}},
	})
	ts := newTestServer(t, exec, Options{Policy: gate})

	resp := post(t, ts.URL+"/v1/safe-mode", SafeModeRequest{Enabled: true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, exec.SafeMode())
}

func TestMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "hybridexec_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	ts := newTestServer(t, newFakeExecutor(), Options{Gatherer: reg})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hybridexec_test_total 1")

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(newFakeExecutor(), Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeWithConnectionLimit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(newFakeExecutor(), Options{ShutdownTimeout: time.Second, MaxConnections: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	for i := 0; i < 3; i++ {
		resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	client.CloseIdleConnections()
	cancel()
	assert.NoError(t, <-done)
}
