package ap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/link"
	"github.com/meshnode/device-runtime/internal/settings"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// Notify 通知应用 AP 事件，suffix 为 "ap"
type Notify func(suffix string, payload json.RawMessage)

// Config AP 配置模式的依赖
type Config struct {
	ID       meshproto.MAC
	Settings *settings.Builtin
	Radio    link.Radio

	// Handler 配置页面，nil 时不启动 web 服务
	Handler http.Handler
	// WebAddr 覆盖 web 监听地址，默认 :apport
	WebAddr string
	// DNSAddr 为空时不启动 DNS 桩
	DNSAddr string

	Notify Notify
}

// Controller 本地配置 AP 的启停
type Controller struct {
	cfg Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	web     *http.Server
	webAddr net.Addr
	dns     *DNS
}

// NewController creates an AP controller
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Address AP 地址 10.x.y.1，x.y 取自节点 ID 的低 16 位
func Address(id meshproto.MAC) [4]byte {
	bin := id.BinID()
	return [4]byte{10, byte(bin >> 8), byte(bin), 1}
}

// SSID 配置模式下的 SSID
func (c *Controller) SSID() string {
	return fmt.Sprintf("%s-%s", c.cfg.Settings.AppName.Text(0), c.cfg.ID.String())
}

// configured apssid 已配置时使用正式 AP，不进入配置模式
func (c *Controller) configured() bool {
	s := c.cfg.Settings.APSSID
	return s != nil && s.Text(0) != ""
}

// Running 是否处于配置模式
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// WebAddr 实际的 web 监听地址，未运行时为 nil
func (c *Controller) WebAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webAddr
}

// DNSAddr 实际的 DNS 监听地址，未运行时为 nil
func (c *Controller) DNSAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dns == nil {
		return nil
	}
	return c.dns.LocalAddr()
}

// Start 进入配置模式，已运行时不做任何事
func (c *Controller) Start() {
	if c.configured() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ssid := c.SSID()
	ip := Address(c.cfg.ID)
	log.Info().Str("ssid", ssid).Msg("AP config mode start")

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if c.cfg.Handler != nil {
		addr := c.cfg.WebAddr
		if addr == "" {
			addr = fmt.Sprintf(":%d", c.cfg.Settings.APPort.Uint(0))
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("AP web server listen failed")
		} else {
			c.web = &http.Server{Handler: c.cfg.Handler, ReadHeaderTimeout: 10 * time.Second}
			c.webAddr = ln.Addr()
			go func(srv *http.Server) {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("AP web server failed")
				}
			}(c.web)
		}
	}

	if c.cfg.DNSAddr != "" {
		dns, err := NewDNS(c.cfg.DNSAddr, ip)
		if err != nil {
			log.Error().Err(err).Str("addr", c.cfg.DNSAddr).Msg("Dummy DNS listen failed")
		} else {
			c.dns = dns
			go dns.Start(ctx)
		}
	}

	if c.cfg.Radio != nil {
		err := c.cfg.Radio.StartAP(link.APConfig{
			SSID:    ssid,
			Address: fmt.Sprintf("%d.%d.%d.%d/24", ip[0], ip[1], ip[2], ip[3]),
			MaxConn: 255,
		})
		if err != nil {
			log.Error().Err(err).Msg("AP start failed")
		}
	}
	c.running = true

	if c.cfg.Notify != nil {
		payload, _ := json.Marshal(map[string]string{"ssid": ssid})
		c.cfg.Notify("ap", payload)
	}
}

// Stop 退出配置模式，未运行时不做任何事
func (c *Controller) Stop() {
	if c.configured() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	log.Info().Msg("AP config mode stop")

	if c.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.web.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("AP web server shutdown")
		}
		cancel()
		c.web = nil
		c.webAddr = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.dns = nil
	if c.cfg.Radio != nil {
		if err := c.cfg.Radio.StopAP(); err != nil {
			log.Error().Err(err).Msg("AP stop failed")
		}
	}
	c.running = false
}
