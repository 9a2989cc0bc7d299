package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshnode/device-runtime/internal/link"
)

type fakeBackend struct {
	mu       sync.Mutex
	applied  []string
	commands []string
	applyErr error
}

func (b *fakeBackend) Status() map[string]any {
	return map[string]any{"id": "AABBCC000001", "up": 12}
}

func (b *fakeBackend) Settings() []json.RawMessage {
	return []json.RawMessage{json.RawMessage(`{"otahost":"ota.test"}`)}
}

func (b *fakeBackend) ApplySettings(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied = append(b.applied, string(data))
	return b.applyErr
}

func (b *fakeBackend) Command(name string, payload json.RawMessage) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, name+" "+string(payload))
	switch name {
	case "restart":
		return true, nil
	case "factory":
		return true, errors.New("Bad ID")
	}
	return false, nil
}

func (b *fakeBackend) Scan(ctx context.Context) ([]link.Network, error) {
	return []link.Network{{SSID: "home", BSSID: "00:11:22:33:44:55", RSSI: -60, Channel: 6}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{}
	s := NewServer(b)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, b, ts
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(data))
}

func TestStatusAndSettings(t *testing.T) {
	_, b, ts := newTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/api/v1/status", "")
	if code != http.StatusOK || body != `{"id":"AABBCC000001","up":12}` {
		t.Errorf("status = %d %s", code, body)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/api/v1/settings", "")
	if code != http.StatusOK || body != `[{"otahost":"ota.test"}]` {
		t.Errorf("settings = %d %s", code, body)
	}

	code, _ = do(t, http.MethodPost, ts.URL+"/api/v1/settings", `{"wifissid":"home"}`)
	if code != http.StatusOK {
		t.Errorf("apply = %d", code)
	}
	b.mu.Lock()
	b.applyErr = errors.New("Unknown setting")
	b.mu.Unlock()
	code, body = do(t, http.MethodPost, ts.URL+"/api/v1/settings", `{"bogus":1}`)
	if code != http.StatusBadRequest || body != `{"error":"Unknown setting"}` {
		t.Errorf("apply bad = %d %s", code, body)
	}
	if len(b.applied) != 2 || b.applied[0] != `{"wifissid":"home"}` {
		t.Errorf("applied = %q", b.applied)
	}
}

func TestCommand(t *testing.T) {
	_, b, ts := newTestServer(t)
	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"restart", "", http.StatusOK, `{"ok":true}`},
		{"factory", "AABBCC000001demo", http.StatusBadRequest, `{"error":"Bad ID"}`},
		{"bogus", "{}", http.StatusNotFound, `{"error":"Unknown"}`},
		{"restart", "{bad", http.StatusBadRequest, `{"error":"Bad JSON"}`},
	}
	for _, tt := range tests {
		code, body := do(t, http.MethodPost, ts.URL+"/api/v1/command/"+tt.name, tt.body)
		if code != tt.code || body != tt.want {
			t.Errorf("%s %q = %d %s, want %d %s", tt.name, tt.body, code, body, tt.code, tt.want)
		}
	}
	want := []string{"restart ", `factory "AABBCC000001demo"`, "bogus {}"}
	if strings.Join(b.commands, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q", b.commands)
	}
}

func TestHandleExtra(t *testing.T) {
	s, _, ts := newTestServer(t)
	s.Handle("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "settings page")
	})
	code, body := do(t, http.MethodGet, ts.URL+"/", "")
	if code != http.StatusOK || body != "settings page" {
		t.Errorf("root = %d %s", code, body)
	}
}

func TestWebSocket(t *testing.T) {
	s, _, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != TypeStatus {
		t.Fatalf("first message = %v", msg)
	}

	s.Broadcast("state/AABBCC000001", []byte(`{"up":true}`))
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	data, _ := msg["data"].(map[string]any)
	if msg["type"] != TypePublish || msg["topic"] != "state/AABBCC000001" || data["up"] != true {
		t.Errorf("publish message = %v", msg)
	}

	if err := conn.WriteJSON(map[string]string{"type": TypeScan}); err != nil {
		t.Fatal(err)
	}
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	list, _ := msg["data"].([]any)
	if msg["type"] != TypeScan || len(list) != 1 {
		t.Fatalf("scan message = %v", msg)
	}
	if first, _ := list[0].(map[string]any); first["ssid"] != "home" {
		t.Errorf("scan entry = %v", list[0])
	}

	if s.hub.count() != 1 {
		t.Errorf("clients = %d", s.hub.count())
	}
}
