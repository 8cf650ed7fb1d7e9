package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gridmachina/hostagent/internal/agent/instance"
	"github.com/gridmachina/hostagent/internal/agent/runtime"
	"github.com/gridmachina/hostagent/internal/agent/state"
	"github.com/gridmachina/hostagent/internal/agent/tasks"
)

type fakeLifecycle struct {
	mu        sync.Mutex
	rec       state.Record
	createErr error
	manageErr error
	logs      string
	logsErr   error
	created   []instance.CreateSpec
	managed   []instance.Action
	deleted   int
}

func (f *fakeLifecycle) Create(ctx context.Context, spec instance.CreateSpec, pre map[string]string) (state.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return state.Destroyed(), f.createErr
	}
	f.created = append(f.created, spec)
	f.rec = state.Record{InstanceID: "inst-1", ContainerID: "ctr-1", Status: state.StatusRunning, Ports: pre}
	return f.rec, nil
}

func (f *fakeLifecycle) Manage(ctx context.Context, action instance.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manageErr != nil {
		return f.manageErr
	}
	f.managed = append(f.managed, action)
	return nil
}

func (f *fakeLifecycle) Delete(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	f.rec = state.Destroyed()
	return nil
}

func (f *fakeLifecycle) Logs(ctx context.Context, tail int) (string, error) {
	if f.logsErr != nil {
		return "", f.logsErr
	}
	return f.logs, nil
}

func (f *fakeLifecycle) State(ctx context.Context) (state.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec, nil
}

func (f *fakeLifecycle) ContainerID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.rec.Status.Active() || f.rec.ContainerID == "" {
		return "", fmt.Errorf("%w: no instance", instance.ErrNotFound)
	}
	return f.rec.ContainerID, nil
}

func (f *fakeLifecycle) ResolvePorts(spec instance.CreateSpec) (map[string]string, error) {
	resolved := make(map[string]string)
	next := 41000
	for containerPort, hostPort := range spec.Ports {
		if hostPort == instance.AutoPort {
			hostPort = fmt.Sprint(next)
			next++
		}
		resolved[containerPort] = hostPort
	}
	return resolved, nil
}

type fakeKeys struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeKeys) AddKey(ctx context.Context, containerID, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, publicKey)
	return nil
}

func (f *fakeKeys) RemoveKey(ctx context.Context, containerID, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.keys[:0]
	for _, k := range f.keys {
		if k != publicKey {
			kept = append(kept, k)
		}
	}
	f.keys = kept
	return nil
}

func (f *fakeKeys) ListKeys(ctx context.Context, containerID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...), nil
}

type testServer struct {
	srv       *httptest.Server
	lifecycle *fakeLifecycle
	keys      *fakeKeys
	group     *tasks.Group
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	lifecycle := &fakeLifecycle{rec: state.Destroyed(), logs: "hello\n"}
	keys := &fakeKeys{}
	group := tasks.NewGroup(context.Background())
	t.Cleanup(group.Close)
	s := New("127.0.0.1:0", lifecycle, keys, group)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, lifecycle: lifecycle, keys: keys, group: group}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, env
}

func TestPing(t *testing.T) {
	ts := newTestServer(t)
	code, env := ts.do(t, http.MethodGet, "/ping", "")
	if code != http.StatusOK || !env.OK {
		t.Errorf("ping: %d %+v", code, env)
	}
}

func TestCreateAcceptedWithPorts(t *testing.T) {
	ts := newTestServer(t)

	code, env := ts.do(t, http.MethodPost, "/instances",
		`{"image": "ubuntu", "image_tag": "24.04", "ports": {"80": "auto"}}`)
	if code != http.StatusAccepted {
		t.Fatalf("create: %d %+v", code, env)
	}
	data := env.Data.(map[string]any)
	if data["status"] != string(state.StatusPending) {
		t.Errorf("status = %v, want pending", data["status"])
	}
	ports := data["ports"].(map[string]any)
	if ports["80"] == "" || ports["80"] == "auto" {
		t.Errorf("ports = %v", ports)
	}

	// Creation runs on the group; drain it before asserting.
	ts.group.Close()
	if len(ts.lifecycle.created) != 1 {
		t.Fatalf("created %d instances, want 1", len(ts.lifecycle.created))
	}
	if got := ts.lifecycle.created[0].Image; got != "ubuntu" {
		t.Errorf("image = %q", got)
	}
}

func TestCreateRejectsSchemaViolations(t *testing.T) {
	ts := newTestServer(t)
	for _, body := range []string{
		``,
		`{}`,
		`{"image": ""}`,
		`{"image": "x", "cpu_cores": -1}`,
		`{"image": "x", "ports": {"80": "notaport"}}`,
		`{"image": "x", "surprise": true}`,
	} {
		code, env := ts.do(t, http.MethodPost, "/instances", body)
		if code != http.StatusBadRequest {
			t.Errorf("body %q: %d %+v, want 400", body, code, env)
		}
	}
	ts.group.Close()
	if len(ts.lifecycle.created) != 0 {
		t.Errorf("invalid bodies triggered creation: %v", ts.lifecycle.created)
	}
}

func TestManage(t *testing.T) {
	ts := newTestServer(t)
	ts.lifecycle.rec = state.Record{InstanceID: "i", ContainerID: "c", Status: state.StatusRunning}

	code, _ := ts.do(t, http.MethodPut, "/instances", `{"action": "stop"}`)
	if code != http.StatusOK {
		t.Fatalf("manage: %d", code)
	}
	if len(ts.lifecycle.managed) != 1 || ts.lifecycle.managed[0] != instance.ActionStop {
		t.Errorf("managed = %v", ts.lifecycle.managed)
	}

	code, _ = ts.do(t, http.MethodPut, "/instances", `{"action": "explode"}`)
	if code != http.StatusBadRequest {
		t.Errorf("bad action: %d, want 400", code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", instance.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", instance.ErrAlreadyExists), http.StatusConflict},
		{fmt.Errorf("x: %w", instance.ErrInvalidSpec), http.StatusBadRequest},
		{fmt.Errorf("x: %w", instance.ErrExhausted), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", runtime.ErrUnavailable), http.StatusBadGateway},
		{fmt.Errorf("x: %w", instance.ErrPersistence), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts := newTestServer(t)
		ts.lifecycle.manageErr = tc.err
		code, env := ts.do(t, http.MethodPut, "/instances", `{"action": "start"}`)
		if code != tc.want {
			t.Errorf("%v: status %d, want %d", tc.err, code, tc.want)
		}
		if env.OK || env.Error == "" {
			t.Errorf("%v: envelope %+v", tc.err, env)
		}
	}
}

func TestDelete(t *testing.T) {
	ts := newTestServer(t)
	ts.lifecycle.rec = state.Record{InstanceID: "i", ContainerID: "c", Status: state.StatusRunning}

	code, _ := ts.do(t, http.MethodDelete, "/instances", "")
	if code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	if ts.lifecycle.deleted != 1 {
		t.Errorf("deleted = %d", ts.lifecycle.deleted)
	}
}

func TestGetInstanceWithLogs(t *testing.T) {
	ts := newTestServer(t)
	ts.lifecycle.rec = state.Record{InstanceID: "i", ContainerID: "c", Status: state.StatusRunning}

	code, env := ts.do(t, http.MethodGet, "/instances?logs=1", "")
	if code != http.StatusOK {
		t.Fatalf("get: %d", code)
	}
	data := env.Data.(map[string]any)
	if data["logs"] != "hello\n" {
		t.Errorf("logs = %v", data["logs"])
	}
}

func TestGetInstanceLogFailureKeepsState(t *testing.T) {
	ts := newTestServer(t)
	ts.lifecycle.rec = state.Record{InstanceID: "i", ContainerID: "c", Status: state.StatusRunning}
	ts.lifecycle.logsErr = fmt.Errorf("%w: engine gone", runtime.ErrUnavailable)

	code, env := ts.do(t, http.MethodGet, "/instances?logs=1", "")
	if code != http.StatusOK {
		t.Fatalf("get with broken log fetch: %d, want 200", code)
	}
	data := env.Data.(map[string]any)
	if data["instance"] == nil {
		t.Error("response dropped the instance record")
	}
	if _, ok := data["logs"]; ok {
		t.Errorf("logs present despite fetch failure: %v", data["logs"])
	}
	if data["logs_error"] == nil || data["logs_error"] == "" {
		t.Errorf("logs_error = %v, want the fetch error", data["logs_error"])
	}
}

func TestSSHKeyRoundtrip(t *testing.T) {
	ts := newTestServer(t)
	ts.lifecycle.rec = state.Record{InstanceID: "i", ContainerID: "c", Status: state.StatusRunning}
	key := "ssh-ed25519 AAAA user@host"

	code, _ := ts.do(t, http.MethodPost, "/ssh", `{"public_key": "`+key+`"}`)
	if code != http.StatusOK {
		t.Fatalf("add key: %d", code)
	}

	code, env := ts.do(t, http.MethodGet, "/ssh", "")
	if code != http.StatusOK {
		t.Fatalf("list keys: %d", code)
	}
	keys := env.Data.(map[string]any)["keys"].([]any)
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("keys = %v", keys)
	}

	code, _ = ts.do(t, http.MethodDelete, "/ssh", `{"public_key": "`+key+`"}`)
	if code != http.StatusOK {
		t.Fatalf("remove key: %d", code)
	}
}

func TestSSHWithoutInstance(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodGet, "/ssh", "")
	if code != http.StatusNotFound {
		t.Errorf("list keys on destroyed host: %d, want 404", code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.srv.Client().Get(ts.srv.URL + "/ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID header")
	}
}
