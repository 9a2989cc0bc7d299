package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// MemoryNetwork 进程内 mesh 网络，连接多个 MemoryDriver
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[meshproto.MAC]*MemoryDriver
	root  meshproto.MAC
}

// NewMemoryNetwork creates an empty in-process network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[meshproto.MAC]*MemoryDriver)}
}

// Join 加入网络，root 为 true 时成为根节点
func (n *MemoryNetwork) Join(self meshproto.MAC, root bool) *MemoryDriver {
	d := &MemoryDriver{net: n, self: self, frames: make(chan Frame, 256), active: true}
	n.mu.Lock()
	n.nodes[self] = d
	if root {
		n.root = self
	}
	n.mu.Unlock()
	return d
}

func (n *MemoryNetwork) deliver(from meshproto.MAC, to meshproto.MAC, toRoot bool, proto meshproto.Proto, data []byte) error {
	n.mu.Lock()
	var targets []*MemoryDriver
	switch {
	case toRoot:
		if d, ok := n.nodes[n.root]; ok {
			targets = append(targets, d)
		}
	case to.IsBroadcast():
		for mac, d := range n.nodes {
			if mac != from {
				targets = append(targets, d)
			}
		}
	default:
		if d, ok := n.nodes[to]; ok {
			targets = append(targets, d)
		}
	}
	n.mu.Unlock()
	if len(targets) == 0 && !to.IsBroadcast() {
		return fmt.Errorf("%w: no route to %s", ErrDisconnected, to)
	}
	for _, d := range targets {
		select {
		case d.frames <- Frame{From: from, Proto: proto, Data: append([]byte(nil), data...)}:
		default:
			return ErrNoMemory
		}
	}
	return nil
}

// MemoryDriver 进程内 mesh 驱动
type MemoryDriver struct {
	net    *MemoryNetwork
	self   meshproto.MAC
	frames chan Frame

	mu     sync.Mutex
	active bool
	// FailSend 非 nil 时 Send 返回该错误
	FailSend error
}

func (d *MemoryDriver) Self() meshproto.MAC { return d.self }

func (d *MemoryDriver) Send(ctx context.Context, to meshproto.MAC, toRoot bool, proto meshproto.Proto, data []byte) error {
	d.mu.Lock()
	active, fail := d.active, d.FailSend
	d.mu.Unlock()
	if !active {
		return ErrDisconnected
	}
	if fail != nil {
		return fail
	}
	if len(data) > meshproto.MaxPacket {
		return fmt.Errorf("%w: %d", ErrTooBig, len(data))
	}
	return d.net.deliver(d.self, to, toRoot, proto, data)
}

// SetFailure 设置发送失败错误，nil 恢复正常
func (d *MemoryDriver) SetFailure(err error) {
	d.mu.Lock()
	d.FailSend = err
	d.mu.Unlock()
}

func (d *MemoryDriver) Frames() <-chan Frame { return d.frames }

func (d *MemoryDriver) IsRoot() bool {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	return d.net.root == d.self
}

func (d *MemoryDriver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *MemoryDriver) NodeCount() int {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	return len(d.net.nodes)
}

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
	d.net.mu.Lock()
	delete(d.net.nodes, d.self)
	d.net.mu.Unlock()
	return nil
}
