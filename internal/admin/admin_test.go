package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/fineftp/ftp/server"
)

type staticSessions []server.SessionInfo

func (s staticSessions) Sessions() []server.SessionInfo { return s }

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestAPI(t *testing.T) (*httptest.Server, *server.MemoryStore, string) {
	t.Helper()
	store := server.NewMemoryStore()
	store.SetHashCost(bcrypt.MinCost)
	root := t.TempDir()

	reg := prometheus.NewRegistry()
	requests := prometheus.NewCounter(prometheus.CounterOpts{Name: "admin_test_total", Help: "test"})
	reg.MustRegister(requests)
	requests.Inc()

	h := NewHandler(Config{
		Sessions: staticSessions{{
			ID: "s1", User: "alice", RemoteIP: "127.0.0.1",
			LoggedInAt: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC),
		}},
		Store:    store,
		DataRoot: root,
		Gatherer: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store, root
}

func decode(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "admin_test_total 1") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	env := decode(t, resp)
	if !env.OK {
		t.Fatalf("expected ok envelope")
	}
	var sessions []server.SessionInfo
	if err := json.Unmarshal(env.Data, &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].User != "alice" || sessions[0].ID != "s1" {
		t.Errorf("unexpected sessions %+v", sessions)
	}
}

func TestCreateUser(t *testing.T) {
	t.Parallel()
	srv, store, root := newTestAPI(t)

	post := func(body string) *http.Response {
		t.Helper()
		resp, err := http.Post(srv.URL+"/api/v1/users", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := post(`{"username":"bob","password":"pw","rootSubdir":"team/bob"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d", resp.StatusCode)
	}
	if env := decode(t, resp); !env.OK {
		t.Fatal("expected ok envelope")
	}
	if info, err := os.Stat(filepath.Join(root, "team", "bob")); err != nil || !info.IsDir() {
		t.Errorf("account root not created: %v", err)
	}
	acct, err := store.Lookup(context.Background(), "bob", "pw")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if acct.Root != filepath.Join(root, "team", "bob") {
		t.Errorf("unexpected root %s", acct.Root)
	}

	resp = post(`{"username":"bob","password":"again"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate: got %d", resp.StatusCode)
	}
	if env := decode(t, resp); env.OK || env.Error.Code != "USER_EXISTS" {
		t.Errorf("unexpected error envelope %+v", env)
	}

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"username":`},
		{"unknown field", `{"username":"carol","password":"x","admin":true}`},
		{"bad username", `{"username":"../carol","password":"x"}`},
		{"anonymous", `{"username":"anonymous","password":"x"}`},
		{"no password", `{"username":"carol"}`},
		{"escaping root", `{"username":"carol","password":"x","rootSubdir":"../../etc"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("got %d, want 400", resp.StatusCode)
			}
			resp.Body.Close()
		})
	}
}

func TestCreateUserDisabled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewHandler(Config{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/users", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("got %d, want 501", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("metrics without gatherer: got %d, want 404", resp.StatusCode)
	}
}
