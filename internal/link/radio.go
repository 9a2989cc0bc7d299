package link

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNoSSID 未配置 SSID
var ErrNoSSID = errors.New("no ssid configured")

// Network 扫描到的网络
type Network struct {
	SSID    string `json:"ssid"`
	BSSID   string `json:"bssid"`
	RSSI    int    `json:"rssi"`
	Channel int    `json:"chan"`
}

// StationConfig 站点连接参数
type StationConfig struct {
	SSID     string
	Password string
	BSSID    []byte
	Channel  int
	// StaticIP 形如 a.b.c.d/nn，为空时使用 DHCP
	StaticIP string
	Gateway  string
}

// APConfig 本地 AP 参数
type APConfig struct {
	SSID     string
	Password string
	Address  string
	Hidden   bool
	MaxConn  int
}

// Info 当前无线信息
type Info struct {
	SSID    string
	BSSID   string
	RSSI    int
	Channel int
	IPv4    string
}

// Radio 无线驱动
type Radio interface {
	Connect(ctx context.Context, cfg StationConfig) error
	Disconnect() error
	Scan(ctx context.Context) ([]Network, error)
	SetPowerSave(on, max bool) error
	StartAP(cfg APConfig) error
	StopAP() error
	Info() Info
}

// HostRadio 以主机网络模拟站点无线
//
// Connect 立即报告关联，并用主机的第一个非回环 IPv4 地址 (或静态地址) 报告获得地址。
type HostRadio struct {
	m *Machine

	mu   sync.Mutex
	cfg  StationConfig
	ap   *APConfig
	info Info
}

// NewHostRadio creates a host radio feeding events into m
func NewHostRadio(m *Machine) *HostRadio {
	return &HostRadio{m: m}
}

func (r *HostRadio) Connect(ctx context.Context, cfg StationConfig) error {
	if cfg.SSID == "" {
		return ErrNoSSID
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	r.m.Associating()
	r.m.Associated()

	addr := Address{IP: cfg.StaticIP, Gateway: cfg.Gateway}
	if addr.IP == "" {
		addr.IP = hostIPv4()
	}
	r.mu.Lock()
	r.info = Info{SSID: cfg.SSID, BSSID: "000000000000", RSSI: -50, Channel: cfg.Channel, IPv4: addr.IP}
	if len(cfg.BSSID) == 6 {
		r.info.BSSID = net.HardwareAddr(cfg.BSSID).String()
	}
	r.mu.Unlock()
	r.m.GotAddress(addr)
	return nil
}

func (r *HostRadio) Disconnect() error {
	r.mu.Lock()
	r.info = Info{}
	r.mu.Unlock()
	r.m.Disassociated()
	return nil
}

func (r *HostRadio) Scan(ctx context.Context) ([]Network, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.SSID == "" {
		return nil, nil
	}
	return []Network{{SSID: r.info.SSID, BSSID: r.info.BSSID, RSSI: r.info.RSSI, Channel: r.info.Channel}}, nil
}

func (r *HostRadio) SetPowerSave(on, max bool) error {
	log.Debug().Bool("ps", on).Bool("maxps", max).Msg("power save")
	return nil
}

func (r *HostRadio) StartAP(cfg APConfig) error {
	r.mu.Lock()
	r.ap = &cfg
	r.mu.Unlock()
	r.m.Flags().Set(APActive)
	log.Info().Str("ssid", cfg.SSID).Str("addr", cfg.Address).Msg("AP started")
	return nil
}

func (r *HostRadio) StopAP() error {
	r.mu.Lock()
	r.ap = nil
	r.mu.Unlock()
	r.m.Flags().Clear(APActive)
	log.Info().Msg("AP stopped")
	return nil
}

func (r *HostRadio) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

func hostIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
