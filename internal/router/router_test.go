package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshnode/device-runtime/internal/bus"
	"github.com/meshnode/device-runtime/internal/link"
	"github.com/meshnode/device-runtime/internal/mesh"
	"github.com/meshnode/device-runtime/internal/settings"
	"github.com/meshnode/device-runtime/internal/storage"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

var (
	selfMAC = meshproto.MAC{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x01}
	leafMAC = meshproto.MAC{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x02}
	meshKey = []byte("0123456789ABCDEF")
)

type call struct {
	client int
	prefix string
	target *string
	suffix *string
	data   string
}

type fakeApp struct {
	mu      sync.Mutex
	calls   []call
	handled bool
	err     error
}

func (a *fakeApp) Handle(client int, prefix string, target, suffix *string, payload json.RawMessage) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call{client, prefix, target, suffix, string(payload)})
	return a.handled, a.err
}

func (a *fakeApp) last() call {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		return call{}
	}
	return a.calls[len(a.calls)-1]
}

type restarts struct {
	mu    sync.Mutex
	calls []string
}

func (r *restarts) Restart(reason string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reason+"/"+delay.String())
}

type fixture struct {
	router   *Router
	registry *settings.Registry
	store    *storage.MemoryStore
	builtin  *settings.Builtin
	machine  *link.Machine
	client   *bus.MemoryClient
	app      *fakeApp
	restarts *restarts
	dumps    int
}

func newFixture(t *testing.T, defaults map[string]string) *fixture {
	t.Helper()
	f := &fixture{app: &fakeApp{}, restarts: &restarts{}}
	f.store = storage.NewMemoryStore()
	f.registry = settings.NewRegistry(f.store, nil)
	b, err := settings.RegisterBuiltin(f.registry, settings.Options{AppName: "demo", Defaults: defaults})
	if err != nil {
		t.Fatal(err)
	}
	f.builtin = b
	f.machine = link.NewMachine(false)
	f.machine.GotAddress(link.Address{IP: "192.168.1.10"})
	pool := bus.NewPool()
	f.router = New(Config{
		ID:            selfMAC,
		Settings:      b,
		Registry:      f.registry,
		Pool:          pool,
		Machine:       f.machine,
		Restart:       f.restarts,
		App:           f.app,
		OnDumpRequest: func() { f.dumps++ },
		ErrorWait:     10 * time.Millisecond,
		Now:           func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	f.client = bus.NewMemoryClient(0, "mqtt.test", f.router)
	pool.Set(0, f.client)
	if err := pool.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.client.Reset()
	return f
}

func (f *fixture) errors(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.client.Messages() {
		if !strings.HasPrefix(m.Topic, "error/") {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal(m.Payload, &e); err != nil {
			t.Fatalf("error payload %s: %v", m.Payload, err)
		}
		e["_topic"] = m.Topic
		out = append(out, e)
	}
	return out
}

func str(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic     string
		appPrefix bool
		prefix    string
		app       bool
		target    string
		suffix    string
	}{
		{"command", false, "command", false, "<nil>", "<nil>"},
		{"command/AABBCC000001", false, "command", false, "AABBCC000001", "<nil>"},
		{"command/AABBCC000001/upgrade", false, "command", false, "AABBCC000001", "upgrade"},
		{"setting/node/a/b", false, "setting", false, "node", "a/b"},
		{"command/demo/*/status", true, "command", true, "*", "status"},
		{"command/demo", true, "command", true, "<nil>", "<nil>"},
		{"command/demox/status", true, "command", false, "demox", "status"},
		{"command/demo/status", false, "command", false, "demo", "status"},
	}
	for _, tt := range tests {
		got := ParseTopic(tt.topic, "demo", tt.appPrefix)
		if got.Prefix != tt.prefix || got.App != tt.app || str(got.Target) != tt.target || str(got.Suffix) != tt.suffix {
			t.Errorf("ParseTopic(%q) = %s %v %s %s", tt.topic, got.Prefix, got.App, str(got.Target), str(got.Suffix))
		}
	}
}

func TestCoerce(t *testing.T) {
	key := "otahost"
	tests := []struct {
		in      string
		key     *string
		want    string
		wantErr error
	}{
		{"", nil, "", nil},
		{"true", nil, "true", nil},
		{"false", nil, "false", nil},
		{"-12", nil, "-12", nil},
		{"3.25", nil, "3.25", nil},
		{"1.", nil, `"1."`, nil},
		{"-", nil, `"-"`, nil},
		{".5", nil, `".5"`, nil},
		{"007", nil, `"007"`, nil},
		{"hello world", nil, `"hello world"`, nil},
		{"ota.test", &key, `{"otahost":"ota.test"}`, nil},
		{`{"a":1}`, &key, `{"a":1}`, nil},
		{`"quoted"`, nil, `"quoted"`, nil},
		{`{"a":`, nil, `{"a":`, ErrBadJSON},
	}
	for _, tt := range tests {
		got, err := Coerce([]byte(tt.in), tt.key)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Coerce(%q) err = %v, want %v", tt.in, err, tt.wantErr)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("Coerce(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestConnectedSubscribes(t *testing.T) {
	f := newFixture(t, map[string]string{"hostname": "kitchen"})
	subs := f.client.Subscriptions()
	want := []string{
		"command/AABBCC000001/#", "command/demo/#", "command/kitchen/#",
		"setting/AABBCC000001/#", "setting/demo/#", "setting/kitchen/#",
	}
	if strings.Join(subs, ",") != strings.Join(want, ",") {
		t.Fatalf("subscriptions %v", subs)
	}
	if !f.machine.Flags().Has(link.Bus(0)) {
		t.Fatal("bus flag not set")
	}
	c := f.app.last()
	if str(c.suffix) != "connect" || c.data != `"mqtt.test"` || c.target != nil {
		t.Fatalf("connect callback %+v", c)
	}
	if len(f.restarts.calls) != 1 || f.restarts.calls[0] != "Online/-1ns" {
		t.Fatalf("restart calls %v", f.restarts.calls)
	}

	f.client.Close("test")
	if f.machine.Flags().Has(link.Bus(0)) || !f.machine.Flags().Has(link.BusDown(0)) {
		t.Fatal("bus flags not updated on disconnect")
	}
	if c := f.app.last(); str(c.suffix) != "disconnect" || c.data != "" {
		t.Fatalf("disconnect callback %+v", c)
	}
}

func TestSubscribeWithAppPrefix(t *testing.T) {
	f := newFixture(t, map[string]string{"prefixapp": "true"})
	subs := f.router.subscriptions(1, leafMAC)
	want := []string{"command/demo/AABBCC000002/#", "command/demo/*/#"}
	if strings.Join(subs, ",") != strings.Join(want, ",") {
		t.Fatalf("subscriptions %v", subs)
	}
}

func TestHandleCommand(t *testing.T) {
	f := newFixture(t, nil)
	var got string
	f.router.HandleCommand("status", func(payload json.RawMessage) error {
		got = string(payload)
		return nil
	})
	f.router.HandleCommand("factory", func(payload json.RawMessage) error {
		return errors.New("Bad ID")
	})

	if ok := f.client.Inject("command/AABBCC000001/status", []byte("42")); !ok {
		t.Fatal("not subscribed")
	}
	if got != "42" {
		t.Fatalf("command payload %q", got)
	}
	if errs := f.errors(t); len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}

	if err := f.router.Handle(0, "command/demo/nothing", nil); !errors.Is(err, ErrUnknown) {
		t.Fatalf("unknown command: %v", err)
	}
	if err := f.router.Handle(0, "command/demo/factory", []byte("xyz")); err == nil || err.Error() != "Bad ID" {
		t.Fatalf("factory: %v", err)
	}
	errs := f.errors(t)
	if len(errs) != 2 {
		t.Fatalf("errors %v", errs)
	}
	e := errs[1]
	if e["_topic"] != "error/AABBCC000001/factory" || e["description"] != "Bad ID" || e["payload"] != "xyz" {
		t.Fatalf("error event %v", e)
	}
	if e["prefix"] != "command" || e["suffix"] != "factory" || e["ts"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("error event %v", e)
	}
	if _, ok := e["target"]; ok {
		t.Fatalf("target should be omitted for this node: %v", e)
	}
}

func (f *fixture) stored(t *testing.T, key string) string {
	t.Helper()
	v, err := f.store.Get(context.Background(), key)
	if err != nil {
		return ""
	}
	return string(v)
}

func TestHandleSettings(t *testing.T) {
	f := newFixture(t, map[string]string{"nodename": "kitchen"})

	if err := f.router.Handle(0, "setting/AABBCC000001/otahost", []byte("ota.test")); err != nil {
		t.Fatal(err)
	}
	if got := f.stored(t, "otahost"); got != "ota.test" {
		t.Fatalf("otahost %q", got)
	}

	if err := f.router.Handle(0, "setting/demo", []byte(`{"nodename":"hall"}`)); err != nil {
		t.Fatal(err)
	}
	if got := f.stored(t, "nodename"); got != "hall" {
		t.Fatalf("nodename %q", got)
	}

	if err := f.router.Handle(0, "setting/demo", nil); err != nil || f.dumps != 1 {
		t.Fatalf("dump request: %v dumps %d", err, f.dumps)
	}

	if err := f.router.Handle(0, "setting/demo/otahost", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("suffix with JSON should be ignored: %v", err)
	}

	err := f.router.Handle(0, "setting/demo", []byte(`{"nosuch":1}`))
	if !errors.Is(err, settings.ErrUnknownSetting) {
		t.Fatalf("unknown setting: %v", err)
	}
	errs := f.errors(t)
	if len(errs) != 1 || errs[0]["_topic"] != "error/AABBCC000001" || errs[0]["node"] != "kitchen" {
		t.Fatalf("errors %v", errs)
	}
	if p, ok := errs[0]["payload"].(map[string]any); !ok || p["nosuch"] != float64(1) {
		t.Fatalf("payload should be raw JSON: %v", errs[0])
	}

	// 第二个总线不处理设置
	if err := f.router.Handle(1, "setting/demo", []byte(`{"otahost":"x"}`)); !errors.Is(err, ErrUnknown) {
		t.Fatalf("second bus: %v", err)
	}
	if got := f.stored(t, "otahost"); got != "ota.test" {
		t.Fatal("settings applied from second bus")
	}
}

func TestHandleAppCallback(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.router.Handle(0, "command/other/status", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("other target: %v", err)
	}
	c := f.app.last()
	if str(c.target) != "other" || str(c.suffix) != "status" || c.data != `{"a":1}` {
		t.Fatalf("callback %+v", c)
	}

	f.app.handled = true
	if err := f.router.Handle(0, "command/demo/custom", nil); err != nil {
		t.Fatalf("app handled: %v", err)
	}

	f.app.handled = false
	f.app.err = errors.New("Nope")
	if err := f.router.Handle(0, "command/demo/custom", nil); err == nil || err.Error() != "Nope" {
		t.Fatalf("app error: %v", err)
	}

	f.app.err = nil
	if err := f.router.Handle(0, "event/demo/x", []byte("{bad")); !errors.Is(err, ErrBadJSON) {
		t.Fatalf("bad JSON: %v", err)
	}
	if c := f.app.last(); str(c.suffix) == "x" {
		t.Fatal("app called after a parse error")
	}
	if err := f.router.Handle(0, "state/demo/x", []byte("1")); err != nil {
		t.Fatalf("other prefix should be ignored: %v", err)
	}
}

func TestPublish(t *testing.T) {
	f := newFixture(t, map[string]string{"prefixapp": "true", "hostname": "kitchen"})
	if err := f.router.State("", map[string]any{"up": true}); err != nil {
		t.Fatal(err)
	}
	if err := f.router.Info("upgrade", map[string]any{"complete": "ota_0"}); err != nil {
		t.Fatal(err)
	}
	msgs := f.client.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages %v", msgs)
	}
	if msgs[0].Topic != "state/demo/kitchen" || !msgs[0].Retain || string(msgs[0].Payload) != `{"up":true}` {
		t.Fatalf("state %+v", msgs[0])
	}
	if msgs[1].Topic != "info/demo/kitchen/upgrade" || msgs[1].Retain {
		t.Fatalf("info %+v", msgs[1])
	}
	if f.router.WillTopic() != "state/demo/kitchen" {
		t.Fatalf("will topic %s", f.router.WillTopic())
	}
	if err := f.router.Publish(0, "x", nil, false); err != nil {
		t.Fatalf("empty mask: %v", err)
	}

	f.machine.LostAddress()
	if err := f.router.Event("x", map[string]any{}); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("link down: %v", err)
	}
}

// meshAdapter 把 mesh 报文交给路由
type meshAdapter struct {
	*Router
}

func (meshAdapter) Bin(meshproto.MAC, []byte)  {}
func (meshAdapter) JSON(meshproto.MAC, []byte) {}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMeshRelay(t *testing.T) {
	network := mesh.NewMemoryNetwork()
	rootRelay, err := mesh.NewRelay(network.Join(selfMAC, true), meshKey, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	leafRelay, err := mesh.NewRelay(network.Join(leafMAC, false), meshKey, func() bool { return true }, nil)
	if err != nil {
		t.Fatal(err)
	}

	root := newFixture(t, map[string]string{"prefixapp": "true"})
	root.router.cfg.Relay = rootRelay

	leaf := newFixture(t, map[string]string{"prefixapp": "true"})
	leaf.router.cfg.ID = leafMAC
	leaf.router.id = leafMAC.String()
	leaf.router.cfg.Relay = leafRelay
	leafApp := leaf.app

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rootRelay.Run(ctx, meshAdapter{root.router})
	go leafRelay.Run(ctx, meshAdapter{leaf.router})

	// 根节点把发给子节点的命令转发过去
	root.router.Handle(0, "command/demo/AABBCC000002/hello", []byte("1"))
	waitFor(t, "leaf command", func() bool {
		c := leafApp.last()
		return str(c.suffix) == "hello" && c.target == nil && c.data == "1"
	})

	// 子节点经根节点发布
	leaf.client.Reset()
	if err := leaf.router.State("", map[string]any{"up": true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "root publish", func() bool {
		for _, m := range root.client.Messages() {
			if m.Topic == "state/demo/AABBCC000002" && m.Retain {
				return true
			}
		}
		return false
	})
	if len(leaf.client.Messages()) != 0 {
		t.Fatal("leaf published directly")
	}
}
