package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshlink/internal/mesh"
	"meshlink/internal/quality"
	"meshlink/internal/store"
)

// setupTestServer builds a server over a fresh bolt store and an
// unstarted mesh manager. With no radio session, handlers that need the
// link report the unavailable statuses asserted below.
func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) (*Server, *store.BoltStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	events := mesh.NewEventBus(logger)
	m := mesh.NewManager(nil, db, events, mesh.Config{Preset: quality.PresetLongFast}, logger)

	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(m, logger, opts...)
	t.Cleanup(func() { srv.Stop() })

	return srv, db
}

func seedNode(t *testing.T, db *store.BoltStore, num uint32, longName string) {
	t.Helper()
	if err := db.SaveNode(&store.NodeRecord{
		Num:       num,
		LongName:  longName,
		ShortName: longName[:1],
		SNR:       6.5,
		RSSI:      -70,
		LastHeard: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAPIListNodes(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedNode(t, db, 101, "Gate Repeater")
	seedNode(t, db, 202, "Tower North")

	req := httptest.NewRequest("GET", "/api/nodes", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var nodes []mesh.NodeView
	if err := json.NewDecoder(w.Body).Decode(&nodes); err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Errorf("node count = %d, want 2", len(nodes))
	}
}

func TestAPIGetNode(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedNode(t, db, 101, "Gate Repeater")

	req := httptest.NewRequest("GET", "/api/nodes/101", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var view mesh.NodeView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Num != 101 {
		t.Errorf("num = %d, want 101", view.Num)
	}
	if view.LongName != "Gate Repeater" {
		t.Errorf("long_name = %q", view.LongName)
	}
	if view.Trust != "trusted" {
		t.Errorf("trust = %q, want trusted", view.Trust)
	}
}

func TestAPIGetNodeNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/nodes/999", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIGetNodeBadNumber(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/nodes/notanumber", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIForgetNode(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedNode(t, db, 101, "Gate Repeater")

	req := httptest.NewRequest("DELETE", "/api/nodes/101", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	// Verify node is gone.
	if _, err := db.GetNode(101); err == nil {
		t.Error("expected node to be deleted")
	}
}

func TestAPITrustNodeWithoutKey(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedNode(t, db, 101, "Gate Repeater")

	// The node never announced a key, so there is nothing to adopt.
	req := httptest.NewRequest("POST", "/api/nodes/101/trust", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusConflict, w.Body.String())
	}
}

func TestAPIAdminValidation(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	// The 503 cases pass validation and then fail because the manager
	// has no radio identity yet.
	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown kind", `{"kind": "fly"}`, http.StatusBadRequest},
		{"empty body", `{}`, http.StatusBadRequest},
		{"shutdown without confirm", `{"kind": "shutdown"}`, http.StatusBadRequest},
		{"reboot without confirm", `{"kind": "reboot"}`, http.StatusBadRequest},
		{"shutdown with confirm", `{"kind": "shutdown", "confirm": true}`, http.StatusServiceUnavailable},
		{"refresh needs no confirm", `{"kind": "metadata_refresh"}`, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/nodes/101/admin", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIListAdminEmpty(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/admin", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	// Empty list, not null.
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestAPICancelAdminNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("DELETE", "/api/admin/12345", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPICancelAdminBadID(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("DELETE", "/api/admin/abc", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPISendMessageValidation(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing text", `{"to": 101}`, http.StatusBadRequest},
		{"channel out of range", `{"to": 101, "channel": 9, "text": "hi"}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/messages", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPISendMessageLinkDown(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"to": 101, "text": "anyone home"}`
	req := httptest.NewRequest("POST", "/api/messages", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusServiceUnavailable, w.Body.String())
	}
}

func TestAPIDevice(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/device", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["connected"] != false {
		t.Errorf("connected = %v, want false", info["connected"])
	}
	if info["preset"] != "long_fast" {
		t.Errorf("preset = %v, want long_fast", info["preset"])
	}
}

func TestAPIDeviceStatusNone(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/device/status", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, "", WithVersion("1.2.3"))

	req := httptest.NewRequest("GET", "/api/version", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp["version"])
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	// With correct key via header.
	req := httptest.NewRequest("GET", "/api/nodes", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareQueryParam(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	// With correct key via query param.
	req := httptest.NewRequest("GET", "/api/nodes?api_key=secret-key", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct query key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	// Missing key.
	req := httptest.NewRequest("GET", "/api/nodes", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/nodes", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setupTestServer(t, "", WithAllowedOrigins([]string{"http://radio.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/nodes", nil)
	req.Header.Set("Origin", "http://radio.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://radio.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORSPreflightDisallowed(t *testing.T) {
	srv, _ := setupTestServer(t, "", WithAllowedOrigins([]string{"http://radio.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/nodes", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestCORSBlocksCrossOriginWrite(t *testing.T) {
	srv, _ := setupTestServer(t, "", WithAllowedOrigins([]string{"http://radio.local"}))

	body := `{"to": 101, "text": "hi"}`
	req := httptest.NewRequest("POST", "/api/messages", bytes.NewBufferString(body))
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}
