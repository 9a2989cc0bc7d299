package ota

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshnode/device-runtime/internal/mesh"
	"github.com/meshnode/device-runtime/internal/settings"
	"github.com/meshnode/device-runtime/internal/storage"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

var (
	rootMAC = meshproto.MAC{0x02, 0, 0, 0, 0, 1}
	leafMAC = meshproto.MAC{0x02, 0, 0, 0, 0, 2}
	running = Version{Version: "1.0", Project: "demo", Time: "12:00:00", Date: "Jan  1 2024"}
)

type report struct {
	kind   string
	suffix string
	body   map[string]any
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *fakeReporter) Envelope() map[string]any { return map[string]any{} }

func (r *fakeReporter) add(kind, suffix string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{kind, suffix, v.(map[string]any)})
	return nil
}

func (r *fakeReporter) Info(suffix string, v any) error { return r.add("info", suffix, v) }

func (r *fakeReporter) InfoClients(suffix string, v any, clients uint8) error {
	return r.add("info", suffix, v)
}

func (r *fakeReporter) Error(suffix string, v any) error { return r.add("error", suffix, v) }

func (r *fakeReporter) find(key string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.reports {
		if _, ok := rep.body[key]; ok {
			return rep.body, true
		}
	}
	return nil, false
}

type fakeRestarter struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeRestarter) Restart(reason string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeRestarter) has(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func builtin(t *testing.T, defaults map[string]string) *settings.Builtin {
	t.Helper()
	r := settings.NewRegistry(storage.NewMemoryStore(), nil)
	b, err := settings.RegisterBuiltin(r, settings.Options{AppName: "demo", Defaults: defaults})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// image 构造带应用描述的镜像
func image(size int, v Version) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i * 7)
	}
	desc := make([]byte, headerSize)
	copy(desc[0:32], v.Version)
	copy(desc[32:64], v.Project)
	copy(desc[64:80], v.Time)
	copy(desc[80:96], v.Date)
	copy(img[48:], desc)
	return img
}

func imageServer(t *testing.T, img []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == HeaderRange {
			w.Header().Set("Content-Length", fmt.Sprint(headerSize))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(img[48 : 48+headerSize])
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(img)))
		w.Write(img)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestURL(t *testing.T) {
	o := New(Config{Settings: builtin(t, map[string]string{"otahost": "ota.example"}), BuildSuffix: "-S3"})
	tests := []struct {
		val  string
		want string
	}{
		{"", "http://ota.example/demo-S3.bin"},
		{"other.host", "http://other.host/demo-S3.bin"},
		{"/path/fw.bin", "http://ota.example/path/fw.bin"},
		{"https://x.example/a.bin", "https://x.example/a.bin"},
		{"http://x.example/a.bin", "http://x.example/a.bin"},
	}
	for _, tt := range tests {
		if got := o.URL(tt.val); got != tt.want {
			t.Errorf("URL(%q) = %s, want %s", tt.val, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name  string
		image Version
		need  bool
		field string
	}{
		{"same", running, false, "up-to-date"},
		{"version", Version{"1.1", "demo", "12:00:00", "Jan  1 2024"}, true, "was-version"},
		{"project", Version{"1.0", "other", "12:00:00", "Jan  1 2024"}, true, "was-project"},
		{"date", Version{"1.0", "demo", "12:00:00", "Feb  1 2024"}, true, "was-date"},
		{"time", Version{"1.0", "demo", "13:00:00", "Jan  1 2024"}, true, "was-time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := imageServer(t, image(200, tt.image))
			rep := &fakeReporter{}
			o := New(Config{Settings: builtin(t, nil), Running: running, Reporter: rep})
			need, err := o.Check(context.Background(), srv.URL+"/demo.bin")
			if err != nil {
				t.Fatal(err)
			}
			if need != tt.need {
				t.Fatalf("need = %v", need)
			}
			body, ok := rep.find(tt.field)
			if !ok {
				t.Fatalf("no %s in %v", tt.field, rep.reports)
			}
			if body["version"] != tt.image.Version || body["date"] != tt.image.Date {
				t.Fatalf("report %v", body)
			}
			if o.State() != Idle {
				t.Fatalf("state %s", o.State())
			}
		})
	}
}

func TestCheckBadHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	}))
	defer srv.Close()
	rep := &fakeReporter{}
	o := New(Config{Settings: builtin(t, nil), Running: running, Reporter: rep})
	if _, err := o.Check(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error")
	}
	body, ok := rep.find("fail")
	if !ok || body["size"] != int64(5) {
		t.Fatalf("report %v", rep.reports)
	}
}

func TestStartDownload(t *testing.T) {
	img := image(10000, Version{"1.1", "demo", "12:00:00", "Jan  1 2024"})
	srv := imageServer(t, img)
	dir := t.TempDir()
	part, err := NewFilePartition(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	rep := &fakeReporter{}
	rs := &fakeRestarter{}
	o := New(Config{
		Settings:  builtin(t, nil),
		Running:   running,
		Partition: part,
		Reporter:  rep,
		Restart:   rs,
	})

	if err := o.Start(nil, []byte(`"`+srv.URL+`/demo.bin"`)); err != nil {
		t.Fatal(err)
	}
	if !rs.has("OTA Download") {
		t.Fatal("safety restart not scheduled")
	}
	waitFor(t, "download", func() bool { return o.State() == RestartScheduled })
	for _, reason := range []string{"OTA Download started", "OTA Download progress", "OTA Download complete"} {
		if !rs.has(reason) {
			t.Errorf("missing restart %q", reason)
		}
	}
	got, err := os.ReadFile(part.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Fatal("image mismatch")
	}
	if part.Running() != "ota_0" {
		t.Fatalf("boot %s", part.Running())
	}
	body, ok := rep.find("complete")
	if !ok || body["complete"] != "ota_0" || body["session"] == "" {
		t.Fatalf("complete report %v", body)
	}
	if _, ok := rep.find("progress"); !ok {
		t.Fatal("no progress report")
	}
}

func TestStartUpToDate(t *testing.T) {
	srv := imageServer(t, image(500, running))
	rs := &fakeRestarter{}
	o := New(Config{Settings: builtin(t, nil), Running: running, Reporter: &fakeReporter{}, Restart: rs})
	if err := o.Start(nil, []byte(`"`+srv.URL+`"`)); err != nil {
		t.Fatal(err)
	}
	if o.Running() || rs.has("OTA Download") {
		t.Fatal("download started for up-to-date image")
	}
}

func TestStartRules(t *testing.T) {
	network := mesh.NewMemoryNetwork()
	relay, _ := mesh.NewRelay(network.Join(leafMAC, false), []byte("0123456789ABCDEF"), nil, nil)
	root := false
	o := New(Config{
		Settings: builtin(t, nil),
		Self:     leafMAC,
		Reporter: &fakeReporter{},
		Restart:  &fakeRestarter{},
		Mesh:     relay,
		IsRoot:   func() bool { return root },
	})
	if err := o.Start(nil, nil); err != nil {
		t.Fatalf("leaf: %v", err)
	}
	if o.Running() {
		t.Fatal("leaf started a download")
	}
	root = true
	odd := "ABC"
	if err := o.Start(&odd, nil); !errors.Is(err, ErrOddTarget) {
		t.Fatalf("odd target: %v", err)
	}
	bad := "GGGGGGGGGGGG"
	if err := o.Start(&bad, nil); !errors.Is(err, ErrOddTarget) {
		t.Fatalf("bad hex: %v", err)
	}
	o.running = true
	if err := o.Start(nil, nil); !errors.Is(err, ErrRunning) {
		t.Fatalf("running: %v", err)
	}
}

// binHandler 只处理升级帧
type binHandler struct{ o *Orchestrator }

func (h binHandler) Bin(from meshproto.MAC, data []byte) { h.o.HandleBin(from, data) }

func (binHandler) MQTT(meshproto.MAC, meshproto.RelayMessage) {}

func (binHandler) JSON(meshproto.MAC, []byte) {}

func TestMeshRelayUpgrade(t *testing.T) {
	img := image(5000, Version{"2.0", "demo", "12:00:00", "Jan  1 2024"})
	srv := imageServer(t, img)
	key := []byte("0123456789ABCDEF")

	network := mesh.NewMemoryNetwork()
	rootRelay, _ := mesh.NewRelay(network.Join(rootMAC, true), key, nil, nil)
	leafRelay, _ := mesh.NewRelay(network.Join(leafMAC, false), key, func() bool { return true }, nil)

	leafPart, err := NewFilePartition(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	leafRep, leafRestart := &fakeReporter{}, &fakeRestarter{}
	rootRestart := &fakeRestarter{}

	rootOTA := New(Config{
		Settings:   builtin(t, nil),
		Running:    running,
		Self:       rootMAC,
		Reporter:   &fakeReporter{},
		Restart:    rootRestart,
		Mesh:       rootRelay,
		IsRoot:     func() bool { return true },
		EraseDelay: time.Millisecond,
		AckTimeout: 100 * time.Millisecond,
	})
	leafOTA := New(Config{
		Settings:  builtin(t, nil),
		Running:   running,
		Self:      leafMAC,
		Partition: leafPart,
		Reporter:  leafRep,
		Restart:   leafRestart,
		Mesh:      leafRelay,
		IsRoot:    func() bool { return false },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rootRelay.Run(ctx, binHandler{rootOTA})
	go leafRelay.Run(ctx, binHandler{leafOTA})

	target := leafMAC.String()
	if err := rootOTA.Start(&target, []byte(`"`+srv.URL+`/demo.bin"`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "leaf restart", func() bool { return leafRestart.has("OTA") })
	if rootRestart.has("OTA Download") {
		t.Fatal("root scheduled its own download restart")
	}
	got, err := os.ReadFile(leafPart.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Fatal("relayed image mismatch")
	}
	if body, ok := leafRep.find("complete"); !ok || body["size"] != len(img) {
		t.Fatalf("leaf complete report %v", body)
	}
	waitFor(t, "root task end", func() bool { return !rootOTA.Running() })
}

func TestReceiverRejectsOutOfOrder(t *testing.T) {
	part, _ := NewFilePartition(t.TempDir(), 0)
	o := New(Config{Settings: builtin(t, nil), Partition: part, Reporter: &fakeReporter{}, Restart: &fakeRestarter{}})
	start, _ := meshproto.StartFrame(4)
	o.HandleBin(rootMAC, start)
	o.HandleBin(rootMAC, []byte{meshproto.Header(meshproto.OpData, 2), 1, 2})
	if o.rx.loaded != 0 {
		t.Fatal("accepted data with a skipped sequence")
	}
	o.HandleBin(rootMAC, []byte{meshproto.Header(meshproto.OpData, 1), 1, 2})
	o.HandleBin(rootMAC, []byte{meshproto.Header(meshproto.OpData, 1), 1, 2})
	if o.rx.loaded != 2 {
		t.Fatalf("loaded %d", o.rx.loaded)
	}
	o.HandleBin(rootMAC, []byte{meshproto.Header(meshproto.OpEnd, 2)})
	if o.State() == RestartScheduled {
		t.Fatal("short image accepted")
	}
}

func TestProgressStep(t *testing.T) {
	now := time.Unix(1000, 0)
	p := progress{next: now.Add(progressInterval)}
	if _, ok := p.step(now, 5, 100); ok {
		t.Fatal("5% inside interval should not report")
	}
	if pc, ok := p.step(now, 10, 100); !ok || pc != 10 {
		t.Fatal("crossing 10% should report")
	}
	if _, ok := p.step(now.Add(6*time.Second), 12, 100); !ok {
		t.Fatal("after interval should report")
	}
	if _, ok := p.step(now.Add(6*time.Second), 100, 100); !ok {
		t.Fatal("complete should report")
	}
}

func TestAutoTick(t *testing.T) {
	srv := imageServer(t, image(200, running))
	host := strings.TrimPrefix(srv.URL, "http://")
	hour := 3
	rep := &fakeReporter{}
	o := New(Config{
		Settings: builtin(t, map[string]string{"otahost": host}),
		Running:  running,
		Reporter: rep,
		Restart:  &fakeRestarter{},
		Now:      func() time.Time { return time.Date(2024, 1, 1, hour, 0, 0, 0, time.Local) },
		Rand:     func(n int64) int64 { return 0 },
	})
	if o.NextAuto() != time.Hour {
		t.Fatalf("first check at %s", o.NextAuto())
	}
	o.AutoTick(30 * time.Minute)
	if len(rep.reports) != 0 {
		t.Fatal("checked too early")
	}
	o.AutoTick(time.Hour + time.Second)
	waitFor(t, "auto check report", func() bool {
		_, ok := rep.find("up-to-date")
		return ok
	})
	want := time.Hour + time.Second + 12*time.Hour
	if o.NextAuto() != want {
		t.Fatalf("next %s want %s", o.NextAuto(), want)
	}

	hour = 14
	o.AutoTick(want + time.Second)
	if o.NextAuto() != want+time.Second {
		t.Fatalf("daytime check not deferred: %s", o.NextAuto())
	}
}

// stalledServer 接受请求但直到测试结束才返回
func stalledServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestCheckStalledServer(t *testing.T) {
	srv := stalledServer(t)
	rep := &fakeReporter{}
	o := New(Config{Settings: builtin(t, nil), Running: running, Reporter: rep, CheckTimeout: 50 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := o.Check(context.Background(), srv.URL+"/demo.bin")
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("check of a stalled server succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("check blocked on a stalled server")
	}
	if _, ok := rep.find("fail"); !ok {
		t.Fatalf("no fail report %v", rep.reports)
	}
	if o.State() != Idle {
		t.Fatalf("state %s", o.State())
	}
}

func TestAutoTickDoesNotBlock(t *testing.T) {
	srv := stalledServer(t)
	rep := &fakeReporter{}
	o := New(Config{
		Settings:     builtin(t, map[string]string{"otahost": strings.TrimPrefix(srv.URL, "http://")}),
		Running:      running,
		Reporter:     rep,
		Restart:      &fakeRestarter{},
		Now:          func() time.Time { return time.Date(2024, 1, 1, 3, 0, 0, 0, time.Local) },
		Rand:         func(n int64) int64 { return 0 },
		CheckTimeout: 200 * time.Millisecond,
	})

	start := time.Now()
	o.AutoTick(time.Hour + time.Second)
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("AutoTick took %s", d)
	}
	waitFor(t, "failed check report", func() bool {
		_, ok := rep.find("fail")
		return ok
	})
}

func TestMeshRelayAbandonedIsReported(t *testing.T) {
	srv := imageServer(t, image(500, Version{"2.0", "demo", "12:00:00", "Jan  1 2024"}))
	network := mesh.NewMemoryNetwork()
	rootRelay, _ := mesh.NewRelay(network.Join(rootMAC, true), []byte("0123456789ABCDEF"), nil, nil)
	rep := &fakeReporter{}
	o := New(Config{
		Settings:   builtin(t, nil),
		Running:    running,
		Self:       rootMAC,
		Reporter:   rep,
		Restart:    &fakeRestarter{},
		Mesh:       rootRelay,
		IsRoot:     func() bool { return true },
		AckTimeout: 10 * time.Millisecond,
		Tries:      2,
	})

	target := leafMAC.String()
	if err := o.Start(&target, []byte(`"`+srv.URL+`/demo.bin"`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relay task end", func() bool { return !o.Running() })
	body, ok := rep.find("description")
	if !ok || body["description"] != ErrRelayTimeout.Error() || body["size"] != int64(500) {
		t.Fatalf("abandon report %v", rep.reports)
	}
}
