package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gluk-w/portdash/internal/backends"
	"github.com/gluk-w/portdash/internal/config"
	"github.com/gluk-w/portdash/internal/crypto"
	"github.com/gluk-w/portdash/internal/database"
	"github.com/gluk-w/portdash/internal/knownhosts"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"github.com/gluk-w/portdash/internal/sshkeys"
	"github.com/gluk-w/portdash/internal/sshtest"
	"github.com/gluk-w/portdash/internal/sshtunnel"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ssh"
)

// setupTestAPI wires the package globals to an in-memory database and returns
// a router with the instance routes mounted.
func setupTestAPI(t *testing.T) http.Handler {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	database.DB = db
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		database.DB = nil
	})

	cipher, err := crypto.NewCipher("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	Store = database.NewStore(db)
	Tunnels = sshtunnel.NewEngine(sshtunnel.Options{KeepaliveInterval: -1})
	Manager = backends.NewManager(backends.Options{
		Store:          Store,
		Vault:          sshkeys.NewVault(Store, cipher),
		Materializer:   sshkeys.MemoryMaterializer{},
		Trust:          knownhosts.NewMemoryStore(),
		Tunnels:        Tunnels,
		ConnectTimeout: 5 * time.Second,
		ProbeTimeout:   5 * time.Second,
	})
	Health = nil
	t.Cleanup(Manager.Close)

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/instances", ListInstances)
		r.Post("/instances", CreateInstance)
		r.Get("/instances/{id}", GetInstance)
		r.Put("/instances/{id}", ReplaceInstance)
		r.Patch("/instances/{id}", PatchInstance)
		r.Delete("/instances/{id}", DeleteInstance)
		r.Post("/instances/{id}/test", TestInstanceConnection)
		r.Get("/instances/{id}/connection", GetConnectionStatus)
		r.Get("/instances/{id}/ssh-key", GetSSHKey)
		r.Post("/instances/{id}/ssh-key", GenerateSSHKey)
		r.Post("/instances/{id}/ssh-key/migrate", MigrateSSHKey)
		r.Post("/validate-config", ValidateConfig)
		r.Get("/server-logs", GetServerLogs)
	})
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return v
}

func createInstance(t *testing.T, h http.Handler, body map[string]interface{}) instanceResponse {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/v1/instances", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[instanceResponse](t, rec)
}

func instancePath(id uint, suffix string) string {
	return "/api/v1/instances/" + strconv.FormatUint(uint64(id), 10) + suffix
}

func engineServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Api-Version", "1.47")
		io.WriteString(w, "OK")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthCheck(t *testing.T) {
	h := setupTestAPI(t)
	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[map[string]interface{}](t, rec)
	if got["status"] != "healthy" || got["database"] != "connected" {
		t.Errorf("unexpected health: %v", got)
	}
}

func TestHealthReportsTunnels(t *testing.T) {
	h := setupTestAPI(t)
	signer := sshtest.NewHostSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})

	tun, err := Tunnels.Start(t.Context(), sshtunnel.Endpoint{
		Target:          instancecfg.SSHTarget{Host: srv.Host, Port: srv.Port, User: "root"},
		Signer:          signer,
		HostKeyCallback: ssh.FixedHostKey(srv.HostKey()),
	})
	if err != nil {
		t.Fatalf("start tunnel: %v", err)
	}
	defer tun.Close()

	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	var got struct {
		ActiveTunnels int `json:"active_tunnels"`
		Tunnels       []struct {
			ID    string `json:"id"`
			Port  int    `json:"local_port"`
			State string `json:"state"`
		} `json:"tunnels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ActiveTunnels != 1 || len(got.Tunnels) != 1 {
		t.Fatalf("unexpected tunnels: %s", rec.Body.String())
	}
	if got.Tunnels[0].ID != tun.ID || got.Tunnels[0].Port != tun.Port() || got.Tunnels[0].State != "active" {
		t.Errorf("tunnel entry: %+v, want id %s port %d", got.Tunnels[0], tun.ID, tun.Port())
	}
}

func TestCreateAndListInstances(t *testing.T) {
	h := setupTestAPI(t)

	inst := createInstance(t, h, map[string]interface{}{
		"name":   "local",
		"type":   "docker",
		"config": map[string]interface{}{"connection_type": "socket"},
	})
	if !inst.Enabled || !inst.AutoDetect || inst.ScanInterval != 300 {
		t.Errorf("defaults not applied: %+v", inst)
	}
	if inst.ConnectionState != "disconnected" {
		t.Errorf("connection state: got %q", inst.ConnectionState)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/instances", nil)
	list := decode[[]instanceResponse](t, rec)
	if len(list) != 1 || list[0].Name != "local" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestCreateInstanceRejectsBadInput(t *testing.T) {
	h := setupTestAPI(t)

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing name", map[string]interface{}{"type": "docker", "config": map[string]interface{}{}}, http.StatusBadRequest},
		{"unknown type", map[string]interface{}{"name": "x", "type": "nomad", "config": map[string]interface{}{}}, http.StatusBadRequest},
		{"invalid config", map[string]interface{}{"name": "x", "type": "portainer", "config": map[string]interface{}{"url": "ftp://x"}}, http.StatusBadRequest},
		{"scan interval too short", map[string]interface{}{"name": "x", "type": "docker", "scan_interval": 5, "config": map[string]interface{}{}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/api/v1/instances", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	createInstance(t, h, map[string]interface{}{"name": "dup", "type": "docker", "config": map[string]interface{}{}})
	rec := doRequest(t, h, http.MethodPost, "/api/v1/instances",
		map[string]interface{}{"name": "dup", "type": "docker", "config": map[string]interface{}{}})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate name: expected 409, got %d", rec.Code)
	}
}

func TestSecretsAreMasked(t *testing.T) {
	h := setupTestAPI(t)
	inst := createInstance(t, h, map[string]interface{}{
		"name": "ptr",
		"type": "portainer",
		"config": map[string]interface{}{
			"url":     "https://portainer.example.com",
			"api_key": "ptr_abcdef123456",
		},
	})
	if got := inst.Config["api_key"]; got != "****3456" {
		t.Errorf("api_key not masked: %v", got)
	}
	if bytes.Contains(doRequest(t, h, http.MethodGet, instancePath(inst.ID, ""), nil).Body.Bytes(), []byte("ptr_abcdef123456")) {
		t.Error("GET leaked the api key")
	}

	// the masked value round-trips without overwriting the secret
	rec := doRequest(t, h, http.MethodPatch, instancePath(inst.ID, ""), map[string]interface{}{
		"config": map[string]interface{}{"api_key": "****3456", "verify_ssl": false},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, err := Store.GetInstance(t.Context(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ConfigMap()["api_key"] != "ptr_abcdef123456" {
		t.Errorf("secret overwritten by mask: %v", stored.ConfigMap()["api_key"])
	}
	if stored.ConfigMap()["verify_ssl"] != false {
		t.Errorf("verify_ssl not patched: %v", stored.ConfigMap()["verify_ssl"])
	}
}

func TestPatchAndReplaceInstance(t *testing.T) {
	h := setupTestAPI(t)
	inst := createInstance(t, h, map[string]interface{}{
		"name": "remote", "type": "docker",
		"config": map[string]interface{}{"connection_type": "tcp", "host": "10.0.0.5", "port": 2376},
	})

	rec := doRequest(t, h, http.MethodPatch, instancePath(inst.ID, ""), map[string]interface{}{
		"enabled": false,
		"config":  map[string]interface{}{"port": "not-a-port"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid patch: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPatch, instancePath(inst.ID, ""), map[string]interface{}{
		"config": map[string]interface{}{"ssh_private_key_encrypted": "x"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("key material patch: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPatch, instancePath(inst.ID, ""), map[string]interface{}{"enabled": false})
	if got := decode[instanceResponse](t, rec); got.Enabled || got.Config["host"] != "10.0.0.5" {
		t.Errorf("unexpected patched instance: %+v", got)
	}

	rec = doRequest(t, h, http.MethodPut, instancePath(inst.ID, ""), map[string]interface{}{"name": "renamed"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("partial PUT: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPut, instancePath(inst.ID, ""), map[string]interface{}{
		"name": "renamed", "enabled": true, "auto_detect": false, "scan_interval": 600,
		"config": map[string]interface{}{"connection_type": "tcp"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT with invalid config: expected 400, got %d", rec.Code)
	}
	if got := decode[instanceResponse](t, doRequest(t, h, http.MethodGet, instancePath(inst.ID, ""), nil)); got.Name != "remote" {
		t.Errorf("failed PUT renamed the instance to %q", got.Name)
	}

	rec = doRequest(t, h, http.MethodPut, instancePath(inst.ID, ""), map[string]interface{}{
		"name": "renamed", "enabled": true, "auto_detect": false, "scan_interval": 600,
		"config": map[string]interface{}{"connection_type": "socket"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[instanceResponse](t, rec)
	if got.Name != "renamed" || got.AutoDetect || got.ScanInterval != 600 {
		t.Errorf("unexpected replaced instance: %+v", got)
	}
	if _, ok := got.Config["host"]; ok {
		t.Errorf("PUT kept a key it should have replaced: %v", got.Config)
	}
}

func TestDeleteInstance(t *testing.T) {
	h := setupTestAPI(t)
	inst := createInstance(t, h, map[string]interface{}{"name": "gone", "type": "docker", "config": map[string]interface{}{}})

	if rec := doRequest(t, h, http.MethodDelete, instancePath(inst.ID, ""), nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, instancePath(inst.ID, ""), nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodDelete, instancePath(inst.ID, ""), nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/v1/instances/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestTestConnectionAndStatus(t *testing.T) {
	h := setupTestAPI(t)
	srv := engineServer(t)
	inst := createInstance(t, h, map[string]interface{}{
		"name": "engine", "type": "docker",
		"config": map[string]interface{}{"host": "tcp://" + srv.Listener.Addr().String()},
	})

	rec := doRequest(t, h, http.MethodPost, instancePath(inst.ID, "/test"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res := decode[backends.Result](t, rec)
	if !res.Success || res.Transport != backends.TransportTCP {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec = doRequest(t, h, http.MethodGet, instancePath(inst.ID, "/connection"), nil)
	status := decode[map[string]interface{}](t, rec)
	transitions, _ := status["transitions"].([]interface{})
	if len(transitions) < 2 {
		t.Errorf("expected connecting and connected transitions, got %v", status)
	}

	srv.Close()
	rec = doRequest(t, h, http.MethodPost, instancePath(inst.ID, "/test"), nil)
	if res := decode[backends.Result](t, rec); res.Success || res.ErrorKind == "" {
		t.Errorf("expected classified failure after engine stopped: %+v", res)
	}

	if rec := doRequest(t, h, http.MethodPost, instancePath(999, "/test"), nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown instance: expected 404, got %d", rec.Code)
	}
}

func TestSSHKeyEndpoints(t *testing.T) {
	h := setupTestAPI(t)
	inst := createInstance(t, h, map[string]interface{}{
		"name": "sshhost", "type": "docker",
		"config": map[string]interface{}{"host": "ssh://root@10.0.0.9"},
	})

	if rec := doRequest(t, h, http.MethodGet, instancePath(inst.ID, "/ssh-key"), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("no key yet: expected 404, got %d", rec.Code)
	}

	rec := doRequest(t, h, http.MethodPost, instancePath(inst.ID, "/ssh-key"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	generated := decode[sshkeys.KeyInfo](t, rec)

	rec = doRequest(t, h, http.MethodGet, instancePath(inst.ID, "/ssh-key"), nil)
	got := decode[sshkeys.KeyInfo](t, rec)
	if got.PublicKey != generated.PublicKey || got.Fingerprint != generated.Fingerprint {
		t.Errorf("public key changed between generate and get")
	}

	rec = doRequest(t, h, http.MethodPost, instancePath(inst.ID, "/ssh-key/migrate"), nil)
	if res := decode[sshkeys.MigrationResult](t, rec); res.Migrated {
		t.Errorf("fresh key migrated: %+v", res)
	}

	rec = doRequest(t, h, http.MethodGet, instancePath(inst.ID, ""), nil)
	if bytes.Contains(rec.Body.Bytes(), []byte("BEGIN")) {
		t.Error("instance response leaked key material")
	}
}

func TestValidateConfig(t *testing.T) {
	h := setupTestAPI(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/validate-config", map[string]interface{}{
		"type": "docker", "config": map[string]interface{}{"host": "tcp://10.0.0.5:2376", "tls_enabled": true},
	})
	got := decode[map[string]interface{}](t, rec)
	if got["valid"] != true || got["transport"] != "tcp" {
		t.Errorf("unexpected result: %v", got)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/validate-config", map[string]interface{}{
		"type": "komodo", "config": map[string]interface{}{"url": "https://komodo.example.com"},
	})
	got = decode[map[string]interface{}](t, rec)
	if got["valid"] != false || got["error"] == "" {
		t.Errorf("expected invalid komodo config: %v", got)
	}
}

func TestGetServerLogs(t *testing.T) {
	h := setupTestAPI(t)
	path := filepath.Join(t.TempDir(), "portdash.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644); err != nil {
		t.Fatal(err)
	}
	prev := config.Cfg.LogPath
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg.LogPath = prev })

	rec := doRequest(t, h, http.MethodGet, "/api/v1/server-logs?lines=2", nil)
	got := decode[map[string]string](t, rec)
	if got["logs"] != "two\nthree" {
		t.Errorf("unexpected tail: %q", got["logs"])
	}
}
