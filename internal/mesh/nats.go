package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/link"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// HelloInterval 节点公告间隔
const HelloInterval = 10 * time.Second

// peerTimeout 超过该时间没有公告的节点不再计数
const peerTimeout = 6 * HelloInterval

// envelope NATS 上的 mesh 报文
type envelope struct {
	From  []byte `cbor:"1,keyasint"`
	To    []byte `cbor:"2,keyasint,omitempty"`
	Proto uint8  `cbor:"3,keyasint"`
	Data  []byte `cbor:"4,keyasint,omitempty"`
	Root  bool   `cbor:"5,keyasint,omitempty"`
}

// NATSDriver 用 NATS 主题模拟 mesh 网络
//
// 每个节点订阅 <prefix>.<MAC> 和 <prefix>.broadcast，根节点另外订阅 <prefix>.root。
// 节点定期在 <prefix>.hello 公告自己，用于统计节点数和获知根节点。
type NATSDriver struct {
	nc      *nats.Conn
	prefix  string
	self    meshproto.MAC
	root    bool
	machine *link.Machine

	frames chan Frame

	mu     sync.Mutex
	peers  map[meshproto.MAC]time.Time
	subs   []*nats.Subscription
	active bool
}

// NewNATSDriver creates a mesh driver on an existing NATS connection
func NewNATSDriver(nc *nats.Conn, prefix string, self meshproto.MAC, root bool, machine *link.Machine) *NATSDriver {
	if prefix == "" {
		prefix = "mesh"
	}
	return &NATSDriver{
		nc:      nc,
		prefix:  prefix,
		self:    self,
		root:    root,
		machine: machine,
		frames:  make(chan Frame, 64),
		peers:   make(map[meshproto.MAC]time.Time),
	}
}

func (d *NATSDriver) subject(to meshproto.MAC, toRoot bool) string {
	switch {
	case toRoot:
		return d.prefix + ".root"
	case to.IsBroadcast():
		return d.prefix + ".broadcast"
	}
	return d.prefix + "." + to.String()
}

// Start 订阅并开始公告，阻塞直到 ctx 结束
func (d *NATSDriver) Start(ctx context.Context) error {
	subjects := []string{d.subject(d.self, false), d.prefix + ".broadcast", d.prefix + ".hello"}
	if d.root {
		subjects = append(subjects, d.prefix+".root")
	}
	for _, subject := range subjects {
		sub, err := d.nc.Subscribe(subject, d.handleMsg)
		if err != nil {
			d.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		d.mu.Lock()
		d.subs = append(d.subs, sub)
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.active = true
	d.mu.Unlock()
	if d.machine != nil {
		d.machine.ParentConnected(d.root)
	}

	log.Info().
		Str("self", d.self.String()).
		Bool("root", d.root).
		Int("subscriptions", len(subjects)).
		Msg("NATS mesh driver started")

	ticker := time.NewTicker(HelloInterval)
	defer ticker.Stop()
	d.hello()
	for {
		select {
		case <-ctx.Done():
			d.unsubscribe()
			d.mu.Lock()
			d.active = false
			d.mu.Unlock()
			if d.machine != nil {
				d.machine.MeshStopped()
			}
			return ctx.Err()
		case <-ticker.C:
			d.hello()
		}
	}
}

func (d *NATSDriver) hello() {
	data, err := cbor.Marshal(envelope{From: d.self[:], Root: d.root})
	if err != nil {
		return
	}
	if err := d.nc.Publish(d.prefix+".hello", data); err != nil {
		log.Warn().Err(err).Msg("mesh hello failed")
	}
}

func (d *NATSDriver) unsubscribe() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		sub.Unsubscribe()
	}
	d.subs = nil
}

func (d *NATSDriver) handleMsg(msg *nats.Msg) {
	var env envelope
	if err := cbor.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("bad mesh envelope")
		return
	}
	var from meshproto.MAC
	if len(env.From) != len(from) {
		log.Warn().Int("len", len(env.From)).Msg("bad mesh sender")
		return
	}
	copy(from[:], env.From)
	if from == d.self {
		return
	}

	if msg.Subject == d.prefix+".hello" {
		d.mu.Lock()
		d.peers[from] = time.Now()
		d.mu.Unlock()
		if env.Root && d.machine != nil && !d.root {
			d.machine.RootAddress()
		}
		return
	}

	select {
	case d.frames <- Frame{From: from, Proto: meshproto.Proto(env.Proto), Data: env.Data}:
	default:
		log.Warn().Str("from", from.String()).Msg("mesh receive queue full, frame dropped")
	}
}

func (d *NATSDriver) Self() meshproto.MAC { return d.self }

func (d *NATSDriver) Send(ctx context.Context, to meshproto.MAC, toRoot bool, proto meshproto.Proto, data []byte) error {
	if !d.Active() {
		return ErrDisconnected
	}
	if len(data) > meshproto.MaxPacket {
		return fmt.Errorf("%w: %d", ErrTooBig, len(data))
	}
	env := envelope{From: d.self[:], Proto: uint8(proto), Data: data}
	if !toRoot {
		env.To = to[:]
	}
	payload, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode mesh envelope: %w", err)
	}
	if err := d.nc.Publish(d.subject(to, toRoot), payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining) {
			return ErrDisconnected
		}
		if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrSlowConsumer) {
			return fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
		return fmt.Errorf("publish mesh frame: %w", err)
	}
	return nil
}

func (d *NATSDriver) Frames() <-chan Frame { return d.frames }

func (d *NATSDriver) IsRoot() bool { return d.root }

func (d *NATSDriver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active && d.nc.IsConnected()
}

// NodeCount 最近公告过的节点数，包括自己
func (d *NATSDriver) NodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 1
	for mac, seen := range d.peers {
		if time.Since(seen) > peerTimeout {
			delete(d.peers, mac)
			continue
		}
		n++
	}
	return n
}

func (d *NATSDriver) Close() error {
	d.unsubscribe()
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
	return nil
}
