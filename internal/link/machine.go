package link

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RadioState 站点无线状态
type RadioState int

const (
	RadioOffline RadioState = iota
	RadioAssociating
	RadioAssociated
	RadioOnline
)

func (s RadioState) String() string {
	switch s {
	case RadioOffline:
		return "offline"
	case RadioAssociating:
		return "associating"
	case RadioAssociated:
		return "associated"
	case RadioOnline:
		return "online"
	}
	return "unknown"
}

// MeshState mesh 子状态
type MeshState int

const (
	NoParent MeshState = iota
	Child
	Root
)

func (s MeshState) String() string {
	switch s {
	case NoParent:
		return "no-parent"
	case Child:
		return "child"
	case Root:
		return "root"
	}
	return "unknown"
}

// Address 获得的地址信息
type Address struct {
	IP      string
	Gateway string
}

// Machine 连接状态机
//
// 链路断开时间为零当且仅当链路可用；GotIP 置位时 Offline 一定清除。
type Machine struct {
	mu        sync.Mutex
	now       func() time.Time
	flags     *Flags
	radio     RadioState
	mesh      MeshState
	meshing   bool
	rootKnown bool
	downSince time.Time
	addr      Address

	// OnOnline 链路可用，启动消息总线
	OnOnline func(addr Address)
	// OnOffline 链路丢失，关闭消息总线
	OnOffline func()
}

// NewMachine creates a machine in the offline state
func NewMachine(meshing bool) *Machine {
	return NewMachineWithClock(meshing, time.Now)
}

// NewMachineWithClock 使用指定时钟
func NewMachineWithClock(meshing bool, now func() time.Time) *Machine {
	return &Machine{
		now:       now,
		flags:     NewFlags(Offline),
		meshing:   meshing,
		downSince: now(),
	}
}

// Flags 状态位
func (m *Machine) Flags() *Flags { return m.flags }

// Radio 站点无线状态
func (m *Machine) Radio() RadioState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.radio
}

// Mesh mesh 子状态
func (m *Machine) Mesh() MeshState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mesh
}

// Meshing 是否以 mesh 模式运行
func (m *Machine) Meshing() bool { return m.meshing }

// IsRoot mesh 根节点，非 mesh 模式返回 false
func (m *Machine) IsRoot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meshing && m.mesh == Root
}

// IsLeaf mesh 非根节点
func (m *Machine) IsLeaf() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meshing && m.mesh != Root
}

// RootKnown 根节点地址已知
func (m *Machine) RootKnown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootKnown
}

// Addr 当前地址
func (m *Machine) Addr() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// LinkDown 链路断开的秒数，可用时为 0，断开时至少为 1
func (m *Machine) LinkDown() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkDownLocked()
}

func (m *Machine) linkDownLocked() int {
	if m.downSince.IsZero() {
		return 0
	}
	d := int(m.now().Sub(m.downSince) / time.Second)
	if d < 1 {
		d = 1
	}
	return d
}

func (m *Machine) markDown() {
	if m.downSince.IsZero() {
		m.downSince = m.now()
	}
}

// Associating 开始关联
func (m *Machine) Associating() {
	m.mu.Lock()
	m.radio = RadioAssociating
	m.mu.Unlock()
}

// Associated 站点已关联
func (m *Machine) Associated() {
	m.mu.Lock()
	m.radio = RadioAssociated
	m.mu.Unlock()
	m.flags.Set(Associated)
	m.flags.Clear(Offline)
}

// Disassociated 站点断开或停止
func (m *Machine) Disassociated() {
	m.mu.Lock()
	m.radio = RadioOffline
	m.addr = Address{}
	m.markDown()
	onOffline := m.OnOffline
	m.mu.Unlock()
	up := m.flags.Has(GotIP)
	m.flags.Clear(Associated | GotIP)
	m.flags.Set(Offline)
	log.Info().Msg("station disconnected")
	if up && onOffline != nil {
		onOffline()
	}
}

// GotAddress 获得地址，链路可用
func (m *Machine) GotAddress(addr Address) {
	m.mu.Lock()
	m.radio = RadioOnline
	m.downSince = time.Time{}
	m.addr = addr
	onOnline := m.OnOnline
	m.mu.Unlock()
	m.flags.Clear(Offline)
	m.flags.Set(Associated | GotIP)
	log.Info().Str("ip", addr.IP).Str("gw", addr.Gateway).Msg("got address")
	if onOnline != nil {
		onOnline(addr)
	}
}

// LostAddress 地址丢失
func (m *Machine) LostAddress() {
	m.mu.Lock()
	m.markDown()
	if m.radio == RadioOnline {
		m.radio = RadioAssociated
	}
	onOffline := m.OnOffline
	m.mu.Unlock()
	up := m.flags.Has(GotIP)
	m.flags.Clear(GotIP)
	log.Info().Msg("lost address")
	if up && onOffline != nil {
		onOffline()
	}
}

// ParentConnected 已连接 mesh 父节点，root 为 true 时本节点为根
func (m *Machine) ParentConnected(root bool) {
	m.mu.Lock()
	onOnline, onOffline := m.OnOnline, m.OnOffline
	if root {
		m.mesh = Root
		m.rootKnown = true
	} else {
		m.mesh = Child
		m.downSince = time.Time{}
	}
	addr := m.addr
	m.mu.Unlock()
	m.flags.Set(Associated)
	m.flags.Clear(Offline)
	log.Info().Bool("root", root).Msg("mesh parent connected")
	if root {
		if onOnline != nil {
			onOnline(addr)
		}
		return
	}
	if onOffline != nil {
		onOffline()
	}
}

// ParentLost 丢失 mesh 父节点
func (m *Machine) ParentLost() {
	m.mu.Lock()
	m.mesh = NoParent
	m.rootKnown = false
	m.markDown()
	onOffline := m.OnOffline
	m.mu.Unlock()
	m.flags.Clear(Associated | GotIP)
	log.Info().Msg("mesh parent lost")
	if onOffline != nil {
		onOffline()
	}
}

// RootAddress 获知根节点地址
func (m *Machine) RootAddress() {
	m.mu.Lock()
	m.rootKnown = true
	m.mu.Unlock()
}

// MeshStopped mesh 停止
func (m *Machine) MeshStopped() {
	m.mu.Lock()
	m.mesh = NoParent
	m.rootKnown = false
	m.markDown()
	onOffline := m.OnOffline
	m.mu.Unlock()
	m.flags.Clear(Associated | GotIP)
	m.flags.Set(Offline)
	if onOffline != nil {
		onOffline()
	}
}

// BusConnected 第 n 个总线客户端已连接
func (m *Machine) BusConnected(n int) {
	m.flags.Set(Bus(n))
	m.flags.Clear(BusDown(n))
}

// BusDisconnected 第 n 个总线客户端已断开
func (m *Machine) BusDisconnected(n int) {
	m.flags.Clear(Bus(n))
	m.flags.Set(BusDown(n))
}
