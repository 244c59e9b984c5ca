package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/registry-supervisor/internal/auth"
	"github.com/nerrad567/registry-supervisor/internal/history"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/config"
	"github.com/nerrad567/registry-supervisor/internal/infrastructure/logging"
	"github.com/nerrad567/registry-supervisor/internal/process"
	"github.com/nerrad567/registry-supervisor/internal/registry"
)

const testSecret = "api-test-secret-0123456789abcdefghij"

type fakeSupervisor struct {
	mu      sync.Mutex
	stops   int
	stopErr error
}

func (f *fakeSupervisor) Stats() process.Stats {
	return process.Stats{Name: "verdaccio", State: process.StateRunning, PID: 4242, Starts: 3}
}

func (f *fakeSupervisor) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeSupervisor) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeSupervisor) Version(context.Context) (string, error) { return "5.29.0", nil }

func (f *fakeSupervisor) ResourceUsage(context.Context) (process.Usage, error) {
	return process.Usage{PID: 4242, RSSBytes: 64 << 20}, nil
}

type fakeRegistry struct {
	cfg         registry.Config
	cached      bool
	discoverErr error
	versions    map[string][]string
}

func (f *fakeRegistry) Discover(context.Context) (registry.Config, error) {
	if f.discoverErr != nil {
		return registry.Config{}, f.discoverErr
	}
	return f.cfg, nil
}

func (f *fakeRegistry) Cached() (registry.Config, bool) { return f.cfg, f.cached }

func (f *fakeRegistry) PackageVersions(_ context.Context, pkg string) []string {
	if v, ok := f.versions[pkg]; ok {
		return v
	}
	return []string{}
}

func (f *fakeRegistry) RegistryFlag(ctx context.Context, pkg, version string) string {
	for _, v := range f.PackageVersions(ctx, pkg) {
		if v == version {
			return "--registry=" + f.cfg.HTTPAddress
		}
	}
	return ""
}

func (f *fakeRegistry) Running(context.Context) (bool, error) { return f.cached, nil }

type fakeHistory struct {
	mu         sync.Mutex
	lastFilter history.Filter
	stored     *history.StoredConfig
}

func (f *fakeHistory) filter() history.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFilter
}

func (f *fakeHistory) List(_ context.Context, filter history.Filter) (*history.ListResult, error) {
	f.mu.Lock()
	f.lastFilter = filter
	f.mu.Unlock()
	return &history.ListResult{
		Runs:  []history.Run{{ID: "r1", Label: "versions:left-pad", Outcome: process.OutcomeOK}},
		Total: 1,
		Limit: 50,
	}, nil
}

func (f *fakeHistory) LatestConfig(context.Context) (*history.StoredConfig, error) {
	if f.stored == nil {
		return nil, history.ErrNoConfig
	}
	return f.stored, nil
}

var testConfig = registry.Config{
	ConfigFile:   "/home/dev/.config/verdaccio/config.yaml",
	HTTPAddress:  "http://localhost:4873/",
	HtpasswdFile: "/home/dev/.config/verdaccio/htpasswd",
	Username:     "alice",
}

type testEnv struct {
	server     *Server
	http       *httptest.Server
	supervisor *fakeSupervisor
	registry   *fakeRegistry
	history    *fakeHistory
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	env := &testEnv{
		supervisor: &fakeSupervisor{},
		registry: &fakeRegistry{
			cfg:      testConfig,
			cached:   true,
			versions: map[string][]string{"left-pad": {"1.0.0", "1.1.0"}},
		},
		history: &fakeHistory{},
	}

	srv, err := New(Deps{
		WS:         config.WebSocketConfig{MaxMessageSize: 4096, PingInterval: 30, PongTimeout: 10},
		Security:   config.SecurityConfig{JWT: config.JWTConfig{Secret: secret}},
		Logger:     logging.New(config.LoggingConfig{Level: "error", Output: "discard"}, "test"),
		Supervisor: env.supervisor,
		Registry:   env.registry,
		History:    env.history,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.startTime = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)

	env.server = srv
	env.http = httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		cancel()
		env.http.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateToken("test", role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return tok
}

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.New(config.LoggingConfig{Output: "discard"}, "test")
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Supervisor: &fakeSupervisor{}, Registry: &fakeRegistry{}}},
		{"no supervisor", Deps{Logger: log, Registry: &fakeRegistry{}}},
		{"no registry", Deps{Logger: log, Supervisor: &fakeSupervisor{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() returned nil error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testSecret)

	resp := env.do(t, http.MethodGet, "/api/v1/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t, testSecret)
	viewer := token(t, auth.RoleViewer)
	operator := token(t, auth.RoleOperator)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"status without token", http.MethodGet, "/api/v1/status", "", http.StatusUnauthorized},
		{"status with garbage token", http.MethodGet, "/api/v1/status", "not-a-jwt", http.StatusUnauthorized},
		{"status as viewer", http.MethodGet, "/api/v1/status", viewer, http.StatusOK},
		{"history as viewer", http.MethodGet, "/api/v1/history", viewer, http.StatusOK},
		{"versions as viewer", http.MethodGet, "/api/v1/registry/versions?package=left-pad", viewer, http.StatusForbidden},
		{"versions as operator", http.MethodGet, "/api/v1/registry/versions?package=left-pad", operator, http.StatusOK},
		{"discover as viewer", http.MethodPost, "/api/v1/registry/discover", viewer, http.StatusForbidden},
		{"stop as viewer", http.MethodPost, "/api/v1/supervisor/stop", viewer, http.StatusForbidden},
		{"stop as operator", http.MethodPost, "/api/v1/supervisor/stop", operator, http.StatusOK},
		{"ticket as viewer", http.MethodPost, "/api/v1/auth/ws-ticket", viewer, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.token)
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAuthorization_NoSecretIsOpen(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/v1/supervisor/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop without secret = %d, want 200", resp.StatusCode)
	}
	if n := env.supervisor.stopCount(); n != 1 {
		t.Errorf("stops = %d, want 1", n)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/v1/status", "")
	body := decode[StatusResponse](t, resp)

	if body.Supervisor.PID != 4242 || body.Supervisor.State != process.StateRunning {
		t.Errorf("Supervisor = %+v", body.Supervisor)
	}
	if body.Usage == nil || body.Usage.RSSBytes != 64<<20 {
		t.Errorf("Usage = %+v", body.Usage)
	}
	if body.Registry == nil || *body.Registry != testConfig {
		t.Errorf("Registry = %+v", body.Registry)
	}
	if !body.Listening {
		t.Error("Listening = false, want true")
	}
}

func TestRegistryQueries(t *testing.T) {
	env := newTestEnv(t, "")

	t.Run("versions", func(t *testing.T) {
		body := decode[VersionsResponse](t, env.do(t, http.MethodGet, "/api/v1/registry/versions?package=left-pad", ""))
		if body.Package != "left-pad" || strings.Join(body.Versions, ",") != "1.0.0,1.1.0" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("unknown package is empty", func(t *testing.T) {
		body := decode[VersionsResponse](t, env.do(t, http.MethodGet, "/api/v1/registry/versions?package=nope", ""))
		if body.Versions == nil || len(body.Versions) != 0 {
			t.Errorf("Versions = %#v, want empty list", body.Versions)
		}
	})

	t.Run("flag", func(t *testing.T) {
		body := decode[FlagResponse](t, env.do(t, http.MethodGet, "/api/v1/registry/flag?package=left-pad&version=1.1.0", ""))
		if body.Flag != "--registry=http://localhost:4873/" {
			t.Errorf("Flag = %q", body.Flag)
		}
		body = decode[FlagResponse](t, env.do(t, http.MethodGet, "/api/v1/registry/flag?package=left-pad&version=9.9.9", ""))
		if body.Flag != "" {
			t.Errorf("Flag for missing version = %q, want empty", body.Flag)
		}
	})

	t.Run("missing parameters", func(t *testing.T) {
		for _, path := range []string{
			"/api/v1/registry/versions",
			"/api/v1/registry/flag?package=left-pad",
		} {
			if resp := env.do(t, http.MethodGet, path, ""); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("GET %s = %d, want 400", path, resp.StatusCode)
			}
		}
	})
}

func TestGetRegistry(t *testing.T) {
	env := newTestEnv(t, "")

	body := decode[registry.Config](t, env.do(t, http.MethodGet, "/api/v1/registry/", ""))
	if body != testConfig {
		t.Errorf("cached config = %+v", body)
	}

	env.registry.cached = false
	resp := env.do(t, http.MethodGet, "/api/v1/registry/", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("undiscovered = %d, want 404", resp.StatusCode)
	}
	if e := decode[Error](t, resp); e.Code != ErrCodeNotDiscovered {
		t.Errorf("undiscovered code = %q, want %q", e.Code, ErrCodeNotDiscovered)
	}

	env.history.stored = &history.StoredConfig{Config: testConfig, ID: "c1"}
	stored := decode[history.StoredConfig](t, env.do(t, http.MethodGet, "/api/v1/registry/", ""))
	if stored.ID != "c1" || stored.Username != "alice" {
		t.Errorf("stored config = %+v", stored)
	}
}

func TestDiscoverErrors(t *testing.T) {
	incomplete := &registry.ConfigIncompleteError{
		Config:  registry.Config{HTTPAddress: "http://localhost:4873/"},
		Missing: []string{registry.FieldUsername},
		Err:     registry.ErrOutputEnded,
	}

	tests := []struct {
		name     string
		err      error
		want     int
		wantCode string
		wantHint string
	}{
		{"tool missing",
			&process.ToolMissingError{Binary: "verdaccio", Hint: "npm install --global verdaccio", Err: errors.New("not found")},
			http.StatusServiceUnavailable, ErrCodeToolMissing, "npm install --global verdaccio"},
		{"closed", process.ErrClosed, http.StatusServiceUnavailable, ErrCodeShuttingDown, ""},
		{"incomplete", incomplete, http.StatusBadGateway, ErrCodeConfigIncomplete, "npm login --registry=http://localhost:4873/"},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.registry.discoverErr = tt.err

			resp := env.do(t, http.MethodPost, "/api/v1/registry/discover", "")
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			body := decode[Error](t, resp)
			if body.Code != tt.wantCode || body.Hint != tt.wantHint {
				t.Errorf("body = %+v, want code %q hint %q", body, tt.wantCode, tt.wantHint)
			}
		})
	}

	t.Run("ok", func(t *testing.T) {
		env := newTestEnv(t, "")
		if resp := env.do(t, http.MethodPost, "/api/v1/registry/discover", ""); resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestSupervisorError_Missing(t *testing.T) {
	err := fmt.Errorf("discover: %w", &registry.ConfigIncompleteError{
		Missing: []string{registry.FieldHTTPAddress, registry.FieldUsername},
		Err:     registry.ErrOutputEnded,
	})

	e, ok := supervisorError(err)
	if !ok || e.Code != ErrCodeConfigIncomplete {
		t.Fatalf("supervisorError() = %+v, %v", e, ok)
	}
	if len(e.Missing) != 2 || e.Hint != "" {
		t.Errorf("Missing = %v, Hint = %q; want two fields and no login hint", e.Missing, e.Hint)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/v1/history?label=versions:&outcome=ok&limit=10&offset=5", "")
	body := decode[history.ListResult](t, resp)
	if body.Total != 1 || len(body.Runs) != 1 {
		t.Errorf("body = %+v", body)
	}

	want := history.Filter{Outcome: process.OutcomeOK, Label: "versions:", Limit: 10, Offset: 5}
	if got := env.history.filter(); got != want {
		t.Errorf("filter = %+v, want %+v", got, want)
	}

	for _, q := range []string{"limit=-1", "limit=ten", "offset=x"} {
		if resp := env.do(t, http.MethodGet, "/api/v1/history?"+q, ""); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("?%s = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestHistory_Disabled(t *testing.T) {
	env := newTestEnv(t, "")
	env.server.history = nil

	if resp := env.do(t, http.MethodGet, "/api/v1/history", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPanelMount(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.server.panel = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("dashboard"))
	})
	srv := httptest.NewServer(env.server.buildRouter())
	defer srv.Close()

	tests := []struct {
		path string
		want int
		body string
	}{
		{"/", http.StatusOK, "dashboard"},
		{"/runs/recent", http.StatusOK, "dashboard"},
		{"/api/v1/health", http.StatusOK, `"status":"ok"`},
		{"/api/v1/status", http.StatusUnauthorized, "unauthorised"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if !strings.Contains(string(body), tt.body) {
				t.Errorf("body = %q, want it to contain %q", body, tt.body)
			}
		})
	}
}

func TestPanelAbsent(t *testing.T) {
	env := newTestEnv(t, "")
	if resp := env.do(t, http.MethodGet, "/", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET / without panel = %d, want 404", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, "")
	env.server.cfg.CORS.AllowedOrigins = []string{"http://dashboard.local"}

	tests := []struct {
		origin string
		want   string
	}{
		{"http://dashboard.local", "http://dashboard.local"},
		{"http://evil.example", ""},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodOptions, env.http.URL+"/api/v1/status", nil)
		req.Header.Set("Origin", tt.origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("preflight: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func wsURL(e *testEnv, ticket string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/v1/ws?ticket=" + ticket
}

func TestWebSocket_Events(t *testing.T) {
	env := newTestEnv(t, testSecret)

	resp := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", token(t, auth.RoleViewer))
	ticket := decode[map[string]any](t, resp)["ticket"].(string)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env, ticket), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	sub := map[string]any{"type": "subscribe", "id": "1", "payload": map[string]any{"channels": []string{ChannelTasks}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("subscribe ack = %+v, %v", ack, err)
	}

	// Not subscribed: dropped. Subscribed: delivered.
	env.server.Hub().Broadcast(ChannelState, map[string]string{"state": "running"})
	env.server.Hub().Broadcast(ChannelTasks, map[string]string{"id": "t1"})

	var event WSMessage
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelTasks {
		t.Errorf("event = %+v, want task.done event", event)
	}

	// The ticket is single use.
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(env, ticket), nil); err == nil {
		t.Error("second dial with the same ticket succeeded")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("second dial status = %d, want 401", resp.StatusCode)
	}
}

func TestWebSocket_Messages(t *testing.T) {
	env := newTestEnv(t, "")

	ticket := decode[map[string]any](t, env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", ""))["ticket"].(string)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env, ticket), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	tests := []struct {
		name     string
		msg      string
		wantType string
	}{
		{"ping", `{"type":"ping","id":"p"}`, WSTypePong},
		{"unknown channel", `{"type":"subscribe","id":"s","payload":{"channels":["device.state"]}}`, WSTypeError},
		{"unknown type", `{"type":"shout","id":"x"}`, WSTypeError},
		{"invalid json", `{`, WSTypeError},
		{"unsubscribe", `{"type":"unsubscribe","id":"u","payload":{"channels":["task.done"]}}`, WSTypeResponse},
	}
	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)); err != nil {
			t.Fatalf("%s: write: %v", tt.name, err)
		}
		var reply WSMessage
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("%s: read: %v", tt.name, err)
		}
		if reply.Type != tt.wantType {
			t.Errorf("%s: reply type = %q, want %q", tt.name, reply.Type, tt.wantType)
		}
	}
}

func TestWebSocket_RejectsMissingTicket(t *testing.T) {
	env := newTestEnv(t, "")

	for _, ticket := range []string{"", "deadbeef"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(env, ticket), nil)
		if err == nil {
			t.Fatalf("dial with ticket %q succeeded", ticket)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("ticket %q: response = %v, want 401", ticket, resp)
		}
	}
}

func TestStartClose(t *testing.T) {
	srv, err := New(Deps{
		Config:     config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:         config.WebSocketConfig{PingInterval: 30, PongTimeout: 10},
		Logger:     logging.New(config.LoggingConfig{Output: "discard"}, "test"),
		Supervisor: &fakeSupervisor{},
		Registry:   &fakeRegistry{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start returned nil")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if srv.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestStart_PortInUse(t *testing.T) {
	first, err := New(Deps{
		Config:     config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:     logging.New(config.LoggingConfig{Output: "discard"}, "test"),
		Supervisor: &fakeSupervisor{},
		Registry:   &fakeRegistry{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Close()

	_, port, _ := strings.Cut(first.Addr(), ":")
	second, _ := New(Deps{
		Config:     config.APIConfig{Host: "127.0.0.1", Port: atoi(t, port)},
		Logger:     logging.New(config.LoggingConfig{Output: "discard"}, "test"),
		Supervisor: &fakeSupervisor{},
		Registry:   &fakeRegistry{},
	})
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Error("Start() on a bound port returned nil error")
	}
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := intParam(s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return n
}
