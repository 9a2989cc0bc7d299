package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshnode/device-runtime/pkg/meshproto"
)

var testKey = []byte("0123456789ABCDEF")

type collector struct {
	mu   sync.Mutex
	bin  [][]byte
	mqtt []meshproto.RelayMessage
	json []string
	got  chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 64)} }

func (c *collector) Bin(from meshproto.MAC, data []byte) {
	c.mu.Lock()
	c.bin = append(c.bin, data)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) MQTT(from meshproto.MAC, msg meshproto.RelayMessage) {
	c.mu.Lock()
	c.mqtt = append(c.mqtt, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) JSON(from meshproto.MAC, data []byte) {
	c.mu.Lock()
	c.json = append(c.json, string(data))
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
}

type restarts struct {
	mu      sync.Mutex
	reasons []string
}

func (r *restarts) Restart(reason string, delay time.Duration) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

var (
	rootMAC = meshproto.MAC{0x02, 0, 0, 0, 0, 1}
	leafMAC = meshproto.MAC{0x02, 0, 0, 0, 0, 2}
)

func TestRelayRoundTrip(t *testing.T) {
	network := NewMemoryNetwork()
	rootDrv := network.Join(rootMAC, true)
	leafDrv := network.Join(leafMAC, false)

	root, err := NewRelay(rootDrv, testKey, func() bool { return true }, nil)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := NewRelay(leafDrv, testKey, func() bool { return true }, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rootRx, leafRx := newCollector(), newCollector()
	go root.Run(ctx, rootRx)
	go leaf.Run(ctx, leafRx)

	msg := meshproto.RelayMessage{Tag: meshproto.RootTag(1, true), Topic: "state/leaf", Payload: []byte(`{"up":true}`)}
	if err := leaf.SendMQTT(ctx, meshproto.MAC{}, true, msg); err != nil {
		t.Fatal(err)
	}
	rootRx.wait(t)
	if len(rootRx.mqtt) != 1 || rootRx.mqtt[0].Topic != "state/leaf" || !rootRx.mqtt[0].Retain() {
		t.Fatalf("root got %+v", rootRx.mqtt)
	}

	if err := root.Send(ctx, leafMAC, false, meshproto.ProtoJSON, []byte(`{"hi":1}`)); err != nil {
		t.Fatal(err)
	}
	leafRx.wait(t)
	if len(leafRx.json) != 1 || leafRx.json[0] != `{"hi":1}` {
		t.Fatalf("leaf got %v", leafRx.json)
	}

	ack := []byte{meshproto.Header(meshproto.OpAck, 3)}
	if err := leaf.Send(ctx, rootMAC, false, meshproto.ProtoBin, ack); err != nil {
		t.Fatal(err)
	}
	rootRx.wait(t)
	if len(rootRx.bin) != 1 || rootRx.bin[0][0] != 0xA3 {
		t.Fatalf("bin frames %x", rootRx.bin)
	}
}

func TestRelayWrongKeyDropped(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.Join(rootMAC, true)
	b := network.Join(leafMAC, false)
	ra, _ := NewRelay(a, testKey, nil, nil)
	rb, _ := NewRelay(b, []byte("FEDCBA9876543210"), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rx := newCollector()
	go rb.Run(ctx, rx)

	for i := 0; i < 20; i++ {
		ra.Send(ctx, leafMAC, false, meshproto.ProtoJSON, []byte(`{"n":1}`))
	}
	time.Sleep(50 * time.Millisecond)
	rx.mu.Lock()
	defer rx.mu.Unlock()
	for _, j := range rx.json {
		if j == `{"n":1}` {
			t.Fatal("frame with wrong key decoded to plaintext")
		}
	}
}

func TestRelaySendRules(t *testing.T) {
	network := NewMemoryNetwork()
	leafDrv := network.Join(leafMAC, false)
	known := false
	r := &restarts{}
	leaf, _ := NewRelay(leafDrv, testKey, func() bool { return known }, r)
	ctx := context.Background()

	if err := leaf.Send(ctx, meshproto.MAC{}, true, meshproto.ProtoJSON, []byte("{}")); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("root unknown: %v", err)
	}

	known = true
	leafDrv.SetFailure(ErrNoMemory)
	for i := 0; i <= MaxSendFailures; i++ {
		leaf.Send(ctx, meshproto.MAC{}, true, meshproto.ProtoJSON, []byte("{}"))
	}
	if len(r.reasons) != 1 || r.reasons[0] != "ESP_ERR_MESH_NO_MEMORY" {
		t.Fatalf("restarts %v", r.reasons)
	}

	leafDrv.Close()
	if err := leaf.Send(ctx, rootMAC, false, meshproto.ProtoBin, []byte{0x50}); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("inactive: %v", err)
	}
}
