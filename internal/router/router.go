package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/bus"
	"github.com/meshnode/device-runtime/internal/link"
	"github.com/meshnode/device-runtime/internal/mesh"
	"github.com/meshnode/device-runtime/internal/settings"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// 路由错误
var (
	ErrUnknown  = errors.New("Unknown")
	ErrLinkDown = errors.New("Link down")
	ErrNoTopic  = errors.New("No topic")

	// ErrNotHandled 已注册的命令拒绝处理，按未知命令对待
	ErrNotHandled = errors.New("not handled")
)

// DefaultErrorWait 发布错误前等待链路的最长时间
const DefaultErrorWait = 20 * time.Second

// App 应用回调
//
// target 为 nil 表示消息发给本节点。返回 handled 为 true 表示已处理；
// 非 nil 错误会作为错误事件发布。
type App interface {
	Handle(client int, prefix string, target, suffix *string, payload json.RawMessage) (handled bool, err error)
}

// AppFunc 函数形式的 App
type AppFunc func(client int, prefix string, target, suffix *string, payload json.RawMessage) (bool, error)

// Handle implements App
func (f AppFunc) Handle(client int, prefix string, target, suffix *string, payload json.RawMessage) (bool, error) {
	return f(client, prefix, target, suffix, payload)
}

// Command 内部命令，返回 nil 表示已处理，ErrNotHandled 表示不处理
type Command func(payload json.RawMessage) error

// Upgrader 处理 upgrade 命令，target 为 nil 表示本节点
type Upgrader func(target *string, payload json.RawMessage) error

// Restarter 请求或取消重启
type Restarter interface {
	Restart(reason string, delay time.Duration)
}

// Config 路由依赖
type Config struct {
	ID       meshproto.MAC
	Settings *settings.Builtin
	Registry *settings.Registry
	Pool     *bus.Pool
	Machine  *link.Machine
	// Relay 为 nil 时不使用 mesh
	Relay   *mesh.Relay
	Restart Restarter
	App     App

	// OnDumpRequest 收到空的 setting 消息，请求发布设置
	OnDumpRequest func()
	// OnConnect 总线连接后回调，用于立即发送状态
	OnConnect func(client int)
	// Tap 收到本节点发出的每条 JSON 消息 (链路断开时也会调用)
	Tap func(topic string, payload []byte)

	ErrorWait time.Duration
	Now       func() time.Time
}

// Router 把总线消息分派给内部命令、设置和应用回调，并负责发布
type Router struct {
	cfg Config
	id  string

	mu       sync.RWMutex
	commands map[string]Command
	upgrader Upgrader
}

// New creates a router
func New(cfg Config) *Router {
	if cfg.ErrorWait == 0 {
		cfg.ErrorWait = DefaultErrorWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		cfg:      cfg,
		id:       cfg.ID.String(),
		commands: make(map[string]Command),
	}
}

// ID 本节点 ID
func (r *Router) ID() string { return r.id }

// HandleCommand 注册内部命令
func (r *Router) HandleCommand(name string, fn Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = fn
}

// SetUpgrader 设置 upgrade 命令的处理函数
func (r *Router) SetUpgrader(fn Upgrader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upgrader = fn
}

// SetApp 设置应用回调
func (r *Router) SetApp(app App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.App = app
}

func (r *Router) app() App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.App
}

// AppName 应用名
func (r *Router) AppName() string { return r.cfg.Settings.AppName.Text(0) }

// Hostname 主机名，未设置时为节点 ID
func (r *Router) Hostname() string {
	if h := r.cfg.Settings.Hostname.Text(0); h != "" {
		return h
	}
	return r.id
}

func (r *Router) prefixApp() bool { return r.cfg.Settings.PrefixApp.Bool(0) }

// appPart 主题中的 /appname，未启用 prefixapp 时为空
func (r *Router) appPart() string {
	if r.prefixApp() {
		return "/" + r.AppName()
	}
	return ""
}

// Command 执行内部命令；未知命令返回 handled 为 false
func (r *Router) Command(name string, payload json.RawMessage) (bool, error) {
	if name == "" {
		return false, nil
	}
	r.mu.RLock()
	fn, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := fn(payload); err != nil {
		if errors.Is(err, ErrNotHandled) {
			return false, nil
		}
		return true, err
	}
	return true, nil
}

// Handle 处理收到的总线消息，返回作为错误事件发布的错误
func (r *Router) Handle(client int, topic string, payload []byte) error {
	if client < 0 || client >= bus.MaxClients {
		return nil
	}
	b := r.cfg.Settings
	t := ParseTopic(topic, r.AppName(), r.prefixApp())
	r.forward(client, topic, t, payload)

	target := t.Target
	if target == nil {
		q := "?"
		target = &q
	}
	suffix := t.Suffix

	var key *string
	if suffix != nil && !looksJSON(payload) && len(payload) > 0 && t.Prefix == b.PrefixSetting.Text(0) {
		key = suffix
		suffix = nil
	}
	j, err := Coerce(payload, key)
	if err != nil {
		log.Error().
			Err(err).
			Int("client", client).
			Str("topic", topic).
			Msg("bad JSON payload")
	}

	if r.mine(*target) {
		target = nil
	}

	handled := false
	switch {
	case client == 0 && t.Prefix == b.PrefixCommand.Text(0) && suffix != nil && *suffix == "upgrade":
		if err == nil {
			handled, err = r.upgrade(target, j)
		}
	case client == 0 && target == nil:
		switch t.Prefix {
		case b.PrefixCommand.Text(0):
			if err == nil {
				name := ""
				if suffix != nil {
					name = *suffix
				}
				handled, err = r.Command(name, j)
			}
		case b.PrefixSetting.Text(0):
			switch {
			case suffix == nil && len(payload) == 0:
				if r.cfg.OnDumpRequest != nil {
					r.cfg.OnDumpRequest()
				}
				handled = true
			case suffix != nil:
				handled = true
			case err == nil:
				err = r.cfg.Registry.ApplyObject(j)
				handled = true
			}
		default:
			handled = true
		}
	}

	if app := r.app(); err == nil && app != nil {
		h, e := app.Handle(client, t.Prefix, target, suffix, j)
		if e != nil {
			err = e
		} else if h {
			handled = true
		}
	}
	if err == nil && !handled && target == nil {
		err = ErrUnknown
	}
	if err == nil {
		return nil
	}

	e := r.Envelope()
	e["description"] = err.Error()
	if t.Prefix != "" {
		e["prefix"] = t.Prefix
	}
	if target != nil {
		e["target"] = *target
	}
	if suffix != nil {
		e["suffix"] = *suffix
	}
	if len(payload) > 0 {
		if json.Valid(payload) {
			e["payload"] = json.RawMessage(payload)
		} else {
			e["payload"] = string(payload)
		}
	}
	errSuffix := ""
	if suffix != nil {
		errSuffix = *suffix
	}
	if perr := r.Error(errSuffix, e); perr != nil {
		log.Warn().
			Err(perr).
			Str("description", err.Error()).
			Msg("error report not sent")
	}
	return err
}

func (r *Router) upgrade(target *string, payload json.RawMessage) (bool, error) {
	r.mu.RLock()
	fn := r.upgrader
	r.mu.RUnlock()
	if fn == nil {
		return false, nil
	}
	return true, fn(target, payload)
}

// mine 目标是否指向本节点
func (r *Router) mine(target string) bool {
	all := r.AppName()
	if r.prefixApp() {
		all = "*"
	}
	return target == all || target == r.id || target == r.Hostname()
}

// forward 根节点把不是发给自己的消息转发给 mesh 子节点
func (r *Router) forward(client int, topic string, t Topic, payload []byte) {
	relay := r.cfg.Relay
	if relay == nil || !relay.Active() || !relay.IsRoot() || t.Target == nil {
		return
	}
	target := *t.Target
	wild := r.prefixApp() && target == "*"
	if !wild && len(target) >= len(r.id) && target[:len(r.id)] == r.id {
		return
	}
	to := meshproto.Broadcast
	if r.prefixApp() && !wild {
		mac, err := meshproto.ParseMAC(target)
		if err != nil {
			log.Debug().Str("target", target).Msg("not forwarded, target is not a node id")
			return
		}
		to = mac
	}
	msg := meshproto.RelayMessage{Tag: byte(client), Topic: topic, Payload: payload}
	if err := relay.SendMQTT(context.Background(), to, false, msg); err != nil {
		log.Debug().
			Err(err).
			Str("to", to.String()).
			Str("topic", topic).
			Msg("mesh forward failed")
	}
}

// Message implements bus.Handler
func (r *Router) Message(client int, topic string, payload []byte) {
	r.Handle(client, topic, payload)
}

// Connected implements bus.Handler
func (r *Router) Connected(client int, broker string) {
	log.Info().
		Int("client", client).
		Str("broker", broker).
		Msg("消息总线已连接")
	if r.cfg.Machine != nil {
		r.cfg.Machine.BusConnected(client)
	}
	if err := r.Subscribe(client, r.cfg.ID); err != nil {
		log.Warn().Err(err).Int("client", client).Msg("subscribe failed")
	}
	if r.cfg.OnConnect != nil {
		r.cfg.OnConnect(client)
	}
	if app := r.app(); app != nil {
		name := "connect"
		b, _ := json.Marshal(broker)
		app.Handle(client, r.cfg.Settings.PrefixCommand.Text(0), nil, &name, b)
	}
	if r.cfg.Restart != nil {
		r.cfg.Restart.Restart("Online", -1)
	}
}

// Disconnected implements bus.Handler
func (r *Router) Disconnected(client int, failed bool) {
	m := r.cfg.Machine
	if m == nil || !m.Flags().Has(link.Bus(client)) {
		log.Info().Int("client", client).Msg("消息总线连接失败")
		return
	}
	m.BusDisconnected(client)
	log.Info().Int("client", client).Msg("消息总线已断开")
	if app := r.app(); app != nil {
		name := "disconnect"
		app.Handle(client, r.cfg.Settings.PrefixCommand.Text(0), nil, &name, nil)
	}
}

// MQTT 处理经 mesh 转发的总线消息
//
// 根节点把子节点的消息发布到 Tag 选中的总线；子节点把根节点转来的消息当作总线消息处理。
func (r *Router) MQTT(from meshproto.MAC, msg meshproto.RelayMessage) {
	relay := r.cfg.Relay
	if relay != nil && relay.IsRoot() {
		if from == r.cfg.ID {
			return
		}
		if err := r.cfg.Pool.Publish(msg.Clients(), msg.Topic, msg.Payload, msg.Retain()); err != nil {
			log.Warn().
				Err(err).
				Str("from", from.String()).
				Str("topic", msg.Topic).
				Msg("relay publish failed")
		}
		return
	}
	r.Handle(int(msg.Tag), msg.Topic, msg.Payload)
}
