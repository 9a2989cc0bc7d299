package ota

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/settings"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// 升级错误
var (
	ErrRunning   = errors.New("OTA running")
	ErrOddTarget = errors.New("Odd target")
)

// HeaderRange 镜像头中应用描述所在的字节范围
const HeaderRange = "bytes=48-143"

// headerSize 应用描述长度
const headerSize = 96

// State 升级状态
type State int

const (
	Idle State = iota
	Checking
	Downloading
	Flashing
	Verified
	RestartScheduled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Flashing:
		return "flashing"
	case Verified:
		return "verified"
	case RestartScheduled:
		return "restart-scheduled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Version 当前运行固件的描述
type Version struct {
	Version string
	Project string
	Time    string
	Date    string
}

// Reporter 发布升级报告
type Reporter interface {
	Envelope() map[string]any
	Info(suffix string, v any) error
	InfoClients(suffix string, v any, clients uint8) error
	Error(suffix string, v any) error
}

// Restarter 请求重启
type Restarter interface {
	Restart(reason string, delay time.Duration)
}

// BinSender 发送 mesh 升级帧
type BinSender interface {
	Send(ctx context.Context, to meshproto.MAC, toRoot bool, proto meshproto.Proto, data []byte) error
}

// Config 升级依赖
type Config struct {
	Settings    *settings.Builtin
	Running     Version
	BuildSuffix string
	Self        meshproto.MAC
	Partition   Partition
	Reporter    Reporter
	Restart     Restarter

	// Mesh 非 nil 时启用 mesh 转发升级
	Mesh BinSender
	// IsRoot 本节点是 mesh 根节点
	IsRoot func() bool

	HTTPClient *http.Client
	Now        func() time.Time
	Rand       func(n int64) int64

	// CheckTimeout 版本检查的期限，也是下载等待响应头的期限
	CheckTimeout time.Duration
	EraseDelay   time.Duration
	AckTimeout   time.Duration
	Tries        int
}

// Orchestrator 固件升级
type Orchestrator struct {
	cfg Config

	mu      sync.Mutex
	running bool
	state   State
	session string

	// 发送端
	peer    meshproto.MAC
	ackWant byte
	acked   chan struct{}

	rx receiver

	autoNext time.Duration
}

// New creates an orchestrator
func New(cfg Config) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Int63n
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	if cfg.EraseDelay == 0 {
		cfg.EraseDelay = 5 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 500 * time.Millisecond
	}
	if cfg.Tries == 0 {
		cfg.Tries = 10
	}
	o := &Orchestrator{cfg: cfg, acked: make(chan struct{}, 1)}
	if cfg.Settings != nil && cfg.Settings.OTAAuto.Uint(0) > 0 {
		o.autoNext = time.Hour + time.Duration(cfg.Rand(3600))*time.Second
	}
	return o
}

// State 当前状态
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Running 下载任务进行中
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Session 当前或最近一次升级的会话 ID
func (o *Orchestrator) Session() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) meshing() bool { return o.cfg.Mesh != nil }

func (o *Orchestrator) isRoot() bool {
	return o.cfg.IsRoot != nil && o.cfg.IsRoot()
}

// URL 由命令参数得到镜像地址
//
// 完整 URL 原样使用；以 / 开头的路径加上 otahost；否则参数为主机名 (空则 otahost)，
// 路径为 /appname+后缀.bin。
func (o *Orchestrator) URL(val string) string {
	if strings.HasPrefix(val, "https://") || strings.HasPrefix(val, "http://") {
		return val
	}
	b := o.cfg.Settings
	scheme := "http"
	if len(b.OTACert.Bytes(0)) > 0 {
		scheme = "https"
	}
	if strings.HasPrefix(val, "/") {
		return scheme + "://" + b.OTAHost.Text(0) + val
	}
	host := val
	if host == "" {
		host = b.OTAHost.Text(0)
	}
	return scheme + "://" + host + "/" + b.AppName.Text(0) + o.cfg.BuildSuffix + ".bin"
}

func (o *Orchestrator) client() *http.Client {
	if o.cfg.HTTPClient != nil {
		return o.cfg.HTTPClient
	}
	b := o.cfg.Settings
	tlsConfig := &tls.Config{}
	if ca := b.OTACert.Bytes(0); len(ca) > 0 {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(ca) {
			tlsConfig.RootCAs = pool
		} else {
			log.Warn().Msg("otacert is not a PEM certificate")
		}
	}
	if cert, key := b.ClientCert.Bytes(0), b.ClientKey.Bytes(0); len(cert) > 0 && len(key) > 0 {
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			log.Warn().Err(err).Msg("client certificate rejected")
		} else {
			tlsConfig.Certificates = []tls.Certificate{pair}
		}
	}
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   o.cfg.CheckTimeout,
		ResponseHeaderTimeout: o.cfg.CheckTimeout,
	}}
}

func (o *Orchestrator) report(extra map[string]any) map[string]any {
	j := o.cfg.Reporter.Envelope()
	if s := o.Session(); s != "" {
		j["session"] = s
	}
	for k, v := range extra {
		j[k] = v
	}
	return j
}

// Check 读取镜像头比较版本，返回是否需要升级
//
// 结果以 info/upgrade 报告：up-to-date 或 was-* 字段，失败时带 fail。
func (o *Orchestrator) Check(ctx context.Context, url string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CheckTimeout)
	defer cancel()
	o.setState(Checking)
	defer func() {
		o.mu.Lock()
		if o.state == Checking {
			o.state = Idle
		}
		o.mu.Unlock()
	}()

	j := o.report(map[string]any{"url": url})
	header, err := o.fetchHeader(ctx, url, j)
	if err != nil {
		j["fail"] = err.Error()
		o.cfg.Reporter.Info("upgrade", j)
		log.Warn().Err(err).Str("url", url).Msg("upgrade check failed")
		return false, err
	}

	field := func(from, to int) string {
		f := header[from:to]
		if i := bytes.IndexByte(f, 0); i >= 0 {
			f = f[:i]
		}
		return string(f)
	}
	got := Version{
		Version: field(0, 32),
		Project: field(32, 64),
		Time:    field(64, 80),
		Date:    field(80, 96),
	}
	j["version"] = got.Version
	j["project"] = got.Project
	j["time"] = got.Time
	j["date"] = got.Date

	run := o.cfg.Running
	need := true
	switch {
	case run.Version != got.Version:
		j["was-version"] = run.Version
	case run.Project != got.Project:
		j["was-project"] = run.Project
	case run.Date != got.Date:
		j["was-date"] = run.Date
	case run.Time != got.Time:
		j["was-time"] = run.Time
	default:
		need = false
		j["up-to-date"] = true
	}
	o.cfg.Reporter.Info("upgrade", j)
	return need, nil
}

func (o *Orchestrator) fetchHeader(ctx context.Context, url string, j map[string]any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Range", HeaderRange)
	resp, err := o.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch header: %w", err)
	}
	defer resp.Body.Close()
	if resp.ContentLength != headerSize {
		j["size"] = resp.ContentLength
		return nil, fmt.Errorf("header size %d", resp.ContentLength)
	}
	if resp.StatusCode/100 != 2 {
		j["status"] = resp.StatusCode
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(resp.Body, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return header, nil
}

// Start 处理 upgrade 命令
//
// target 为 nil 时升级本节点，先检查版本，不需要升级时直接返回。
// mesh 根节点可以用 12 位十六进制 ID 指定子节点，由根节点下载并经 mesh 转发。
func (o *Orchestrator) Start(target *string, payload json.RawMessage) error {
	if o.Running() {
		return ErrRunning
	}
	if o.meshing() && !o.isRoot() {
		return nil
	}
	val := argument(payload)

	peer := o.cfg.Self
	relay := false
	if o.meshing() && target != nil {
		if len(*target) != 12 {
			return ErrOddTarget
		}
		mac, err := meshproto.ParseMAC(*target)
		if err != nil {
			return ErrOddTarget
		}
		peer = mac
		relay = peer != o.cfg.Self
	}

	url := o.URL(val)
	if !relay {
		need, err := o.Check(context.Background(), url)
		if err != nil || !need {
			return nil
		}
		o.cfg.Restart.Restart("OTA Download", 30*time.Second)
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	o.running = true
	o.session = uuid.NewString()
	o.peer = peer
	o.mu.Unlock()

	log.Info().
		Str("url", url).
		Str("target", peer.String()).
		Bool("relay", relay).
		Msg("开始升级")
	go func() {
		defer func() {
			o.mu.Lock()
			o.running = false
			if o.state == Downloading {
				o.state = Idle
			}
			o.mu.Unlock()
		}()
		if relay {
			o.relay(context.Background(), url)
		} else {
			o.download(context.Background(), url)
		}
	}()
	return nil
}

// argument 命令参数文本：JSON 字符串取其值，其它字面量取原文
func argument(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	switch payload[0] {
	case '{', '[':
		return ""
	}
	return string(payload)
}

// AutoTick 自动检查，每秒调用一次，up 为运行时间
//
// 启动后一到两小时检查一次，之后约每 otaauto 天检查，尽量在凌晨进行。
// 检查在单独的 goroutine 中进行，不阻塞调用方。
func (o *Orchestrator) AutoTick(up time.Duration) {
	o.mu.Lock()
	next := o.autoNext
	o.mu.Unlock()
	if next == 0 || up <= next {
		return
	}
	days := time.Duration(o.cfg.Settings.OTAAuto.Uint(0))
	if up > 2*time.Hour && o.cfg.Now().Hour() >= 6 {
		next = up + time.Duration(o.cfg.Rand(21600))*time.Second
		o.mu.Lock()
		o.autoNext = next
		o.mu.Unlock()
		return
	}
	next = up + days*24*time.Hour - 12*time.Hour + time.Duration(o.cfg.Rand(86400))*time.Second
	o.mu.Lock()
	o.autoNext = next
	o.mu.Unlock()
	if o.meshing() && !o.isRoot() {
		return
	}
	go func() {
		if err := o.Start(nil, nil); err != nil {
			log.Info().Err(err).Msg("auto upgrade not started")
		}
	}()
}

// NextAuto 下次自动检查的运行时间，0 表示不检查
func (o *Orchestrator) NextAuto() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autoNext
}
