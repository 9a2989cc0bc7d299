package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/ap"
	"github.com/meshnode/device-runtime/internal/api"
	"github.com/meshnode/device-runtime/internal/bus"
	"github.com/meshnode/device-runtime/internal/config"
	"github.com/meshnode/device-runtime/internal/link"
	"github.com/meshnode/device-runtime/internal/mesh"
	"github.com/meshnode/device-runtime/internal/ota"
	"github.com/meshnode/device-runtime/internal/restart"
	"github.com/meshnode/device-runtime/internal/router"
	"github.com/meshnode/device-runtime/internal/settings"
	"github.com/meshnode/device-runtime/internal/storage"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// mqttMax 单条总线消息的最大长度
const mqttMax = 2048

// RestartError Run 因执行重启而返回
type RestartError struct {
	Reason string
}

func (e *RestartError) Error() string {
	return "restart: " + e.Reason
}

// BusFactory 创建第 index 个总线客户端
type BusFactory func(opts bus.Options, handler bus.Handler) bus.Client

// Options 运行时依赖，未设置的硬件接口使用主机实现
type Options struct {
	Config *config.Config
	Store  storage.Store
	App    router.App

	Radio     link.Radio
	Mesh      mesh.Driver
	Partition ota.Partition
	Watchdog  Watchdog
	LED       LED
	// Button apgpio 的电平
	Button func() bool
	// FreeMem 可用内存字节数
	FreeMem func() uint64

	Bus BusFactory
	Now func() time.Time
}

// Node 一个节点的运行时
type Node struct {
	cfg  *config.Config
	opts Options
	id   meshproto.MAC
	now  func() time.Time

	store    storage.Store
	registry *settings.Registry
	builtin  *settings.Builtin
	restart  *restart.Scheduler
	machine  *link.Machine
	radio    link.Radio
	pool     *bus.Pool
	router   *router.Router
	relay    *mesh.Relay
	nc       *nats.Conn
	ota      *ota.Orchestrator
	api      *api.Server
	ap       *ap.Controller
	gate     *link.APGate
	policy   link.Policy
	watchdog Watchdog
	led      LED
	blink    blinker

	started time.Time

	mu            sync.Mutex
	ctx           context.Context
	dumpRequested bool
	wdtTest       bool
	upNext        time.Duration
	lastChan      int
	lastBSSID     string
	lastHeap      uint64
	hadIP         bool
	blinkOn       int
	blinkOff      int
	blinkColours  string
}

// New 按启动配置组装运行时
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("node: config required")
	}
	id, err := cfg.Node.ID()
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FreeMem == nil {
		opts.FreeMem = hostFreeMem
	}
	if opts.Bus == nil {
		opts.Bus = func(o bus.Options, h bus.Handler) bus.Client { return bus.NewMQTTClient(o, h) }
	}

	n := &Node{
		cfg:      cfg,
		opts:     opts,
		id:       id,
		now:      opts.Now,
		watchdog: opts.Watchdog,
		led:      opts.LED,
		ctx:      context.Background(),
	}
	n.started = n.now()
	if n.watchdog == nil {
		n.watchdog = &HostWatchdog{}
	}
	if n.led == nil {
		n.led = &LogLED{}
	}

	n.store = opts.Store
	if n.store == nil {
		n.store, err = storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, id.String())
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	meshing := cfg.Mesh.Enabled
	n.restart = restart.NewWithClock(n.now)
	n.registry = settings.NewRegistry(n.store, n.restart)
	n.builtin, err = settings.RegisterBuiltin(n.registry, settings.Options{
		Mesh:     meshing,
		AppName:  cfg.Node.App,
		Defaults: cfg.Defaults,
	})
	if err != nil {
		return nil, err
	}

	n.machine = link.NewMachineWithClock(meshing, n.now)
	n.restart.Leaf = n.machine.IsLeaf
	n.restart.OnAccept = func(reason string, delay time.Duration) {
		payload, _ := json.Marshal(reason)
		n.notify("restart", payload)
	}

	n.radio = opts.Radio
	if n.radio == nil {
		n.radio = link.NewHostRadio(n.machine)
	}
	n.pool = bus.NewPool()

	if meshing {
		if err := n.setupMesh(); err != nil {
			return nil, err
		}
	}

	n.api = api.NewServer(n)
	n.router = router.New(router.Config{
		ID:            id,
		Settings:      n.builtin,
		Registry:      n.registry,
		Pool:          n.pool,
		Machine:       n.machine,
		Relay:         n.relay,
		Restart:       n.restart,
		App:           opts.App,
		OnDumpRequest: n.requestDump,
		OnConnect:     func(int) { n.forceStatus() },
		Tap:           n.api.Broadcast,
		Now:           n.now,
	})

	part := opts.Partition
	if part == nil {
		fp, err := ota.NewFilePartition(cfg.OTA.Dir, cfg.OTA.Space)
		if err != nil {
			return nil, err
		}
		part = fp
	}
	otaCfg := ota.Config{
		Settings: n.builtin,
		Running: ota.Version{
			Version: cfg.Node.Version,
			Project: cfg.Node.Project,
			Time:    cfg.Node.BuildTime,
			Date:    cfg.Node.BuildDate,
		},
		BuildSuffix: cfg.Node.BuildSuffix,
		Self:        id,
		Partition:   part,
		Reporter:    n.router,
		Restart:     n.restart,
		IsRoot:      n.machine.IsRoot,
		Now:         n.now,
	}
	if n.relay != nil {
		otaCfg.Mesh = n.relay
	}
	n.ota = ota.New(otaCfg)
	n.router.SetUpgrader(n.ota.Start)

	if !meshing {
		n.ap = ap.NewController(ap.Config{
			ID:       id,
			Settings: n.builtin,
			Radio:    n.radio,
			Handler:  n.api.Handler(),
			DNSAddr:  cfg.AP.DNSAddr,
			Notify:   n.notify,
		})
		n.gate = &link.APGate{Start: n.ap.Start, Stop: n.ap.Stop}
	}

	n.registerCommands()
	n.setupBus()

	n.machine.OnOnline = n.online
	n.machine.OnOffline = n.offline

	return n, nil
}

// setupMesh 连接 NATS 并创建加密转发
func (n *Node) setupMesh() error {
	drv := n.opts.Mesh
	if drv == nil {
		nc, err := nats.Connect(n.cfg.Mesh.NATSURL,
			nats.Name(fmt.Sprintf("%s-%s", n.cfg.Node.App, n.id)),
			nats.MaxReconnects(n.cfg.Mesh.MaxReconnects),
			nats.ReconnectWait(n.cfg.Mesh.ReconnectInterval),
		)
		if err != nil {
			return fmt.Errorf("connect mesh: %w", err)
		}
		n.nc = nc
		root := n.cfg.Mesh.Root || n.builtin.MeshRoot.Bool(0)
		drv = mesh.NewNATSDriver(nc, n.cfg.Mesh.Subject, n.id, root, n.machine)
	}
	key := make([]byte, 16)
	copy(key, n.builtin.MeshKey.Bytes(0))
	relay, err := mesh.NewRelay(drv, key, n.machine.RootKnown, n.restart)
	if err != nil {
		return err
	}
	n.relay = relay
	return nil
}

// setupBus 按 mqtthost 设置创建总线客户端，mesh 子节点经根节点发布
func (n *Node) setupBus() {
	b := n.builtin
	for i := 0; i < settings.MQTTClients && i < bus.MaxClients; i++ {
		host := b.MQTTHost.Text(i)
		if host == "" {
			continue
		}
		opts := bus.Options{
			Index:          i,
			Host:           host,
			Port:           int(b.MQTTPort.Uint(i)),
			Username:       b.MQTTUser.Text(i),
			Password:       b.MQTTPass.Text(i),
			ClientID:       fmt.Sprintf("%s-%s", b.AppName.Text(0), n.id),
			CACert:         b.MQTTCert.Bytes(i),
			ClientCert:     b.ClientCert.Bytes(0),
			ClientKey:      b.ClientKey.Bytes(0),
			WillTopic:      n.router.WillTopic(),
			WillPayload:    n.router.WillPayload(),
			KeepAlive:      n.cfg.Bus.KeepAlive,
			ConnectTimeout: n.cfg.Bus.ConnectTimeout,
		}
		n.pool.Set(i, n.opts.Bus(opts, n.router))
		log.Info().Int("client", i).Str("host", host).Msg("MQTT client configured")
	}
}

// online 获得链路后连接总线，连接结果由各客户端异步报告
func (n *Node) online(addr link.Address) {
	if n.machine.IsLeaf() {
		return
	}
	n.mu.Lock()
	ctx := n.ctx
	n.mu.Unlock()
	if err := n.pool.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("bus connect failed")
	}
}

func (n *Node) offline() {
	n.pool.Close("Link down")
}

// notify 以 command 前缀通知应用
func (n *Node) notify(suffix string, payload json.RawMessage) {
	if n.opts.App == nil || n.builtin == nil {
		return
	}
	if _, err := n.opts.App.Handle(0, n.builtin.PrefixCommand.Text(0), nil, &suffix, payload); err != nil {
		log.Debug().Err(err).Str("suffix", suffix).Msg("app callback")
	}
}

// Router 消息路由
func (n *Node) Router() *router.Router { return n.router }

// Registry 设置表
func (n *Node) Registry() *settings.Registry { return n.registry }

// Builtin 内置设置
func (n *Node) Builtin() *settings.Builtin { return n.builtin }

// Machine 连接状态机
func (n *Node) Machine() *link.Machine { return n.machine }

// API 本地 HTTP 服务
func (n *Node) API() *api.Server { return n.api }

// ID 节点 ID
func (n *Node) ID() meshproto.MAC { return n.id }

// Restart 请求重启，delay 为负时取消
func (n *Node) Restart(reason string, delay time.Duration) {
	n.restart.Restart(reason, delay)
}

// ShuttingDown 待执行重启的剩余时间和原因
func (n *Node) ShuttingDown() (time.Duration, string, bool) {
	reason, due, ok := n.restart.Pending()
	if !ok {
		return 0, "", false
	}
	left := due.Sub(n.now())
	if left < time.Second {
		left = time.Second
	}
	return left, reason, true
}

// Blink 设置指示灯节奏，on/off 为 100ms 的倍数，都为 0 时按链路状态
func (n *Node) Blink(on, off int, colours string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blinkOn, n.blinkOff, n.blinkColours = on, off, colours
}

// WaitLink 等待获得地址
func (n *Node) WaitLink(ctx context.Context, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return n.machine.Flags().Wait(ctx, link.GotIP, true)
}

// WaitBus 等待第一个总线连接
func (n *Node) WaitBus(ctx context.Context, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return n.machine.Flags().Wait(ctx, link.Bus(0), true)
}

// uptime 运行时间
func (n *Node) uptime() time.Duration {
	return n.now().Sub(n.started)
}

func hostFreeMem() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapSys - m.HeapInuse
}
