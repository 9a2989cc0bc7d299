package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/meshnode/device-runtime/internal/validation"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// Config 启动配置，对应固件编译时确定的内容；运行时设置在设置表中
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Mesh    MeshConfig    `yaml:"mesh"`
	Bus     BusConfig     `yaml:"bus"`
	API     APIConfig     `yaml:"api"`
	AP      APConfig      `yaml:"ap"`
	OTA     OTAConfig     `yaml:"ota"`
	Log     LogConfig     `yaml:"log"`

	// Defaults 覆盖内置设置的默认值，键为设置名
	Defaults map[string]string `yaml:"defaults"`
}

// NodeConfig 节点身份和版本
type NodeConfig struct {
	MAC         string `yaml:"mac" validate:"required,mac"`
	App         string `yaml:"app" validate:"required"`
	Version     string `yaml:"version"`
	Project     string `yaml:"project"`
	BuildTime   string `yaml:"build_time"`
	BuildDate   string `yaml:"build_date"`
	BuildSuffix string `yaml:"build_suffix"`
}

// StorageConfig 设置存储
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	DSN    string `yaml:"dsn"`
}

// MeshConfig 主机上用 NATS 模拟的 mesh
type MeshConfig struct {
	Enabled           bool          `yaml:"enabled"`
	NATSURL           string        `yaml:"nats_url"`
	Subject           string        `yaml:"subject"`
	Root              bool          `yaml:"root"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// BusConfig 消息总线客户端参数
type BusConfig struct {
	KeepAlive      time.Duration `yaml:"keepalive" validate:"min=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=0"`
}

// APIConfig 本地 HTTP 服务
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// APConfig 配置模式
type APConfig struct {
	// DNSAddr 为空时不启动 DNS 桩
	DNSAddr string `yaml:"dns_addr"`
}

// OTAConfig 固件分区
type OTAConfig struct {
	Dir   string `yaml:"dir" validate:"required"`
	Space int64  `yaml:"space" validate:"min=0"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Load loads configuration from file; an empty filename starts from defaults
func Load(filename string) (*Config, error) {
	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if mac := os.Getenv("NODE_MAC"); mac != "" {
		c.Node.MAC = mac
	}

	if app := os.Getenv("NODE_APP"); app != "" {
		c.Node.App = app
	}

	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}

	if dsn := os.Getenv("STORAGE_DSN"); dsn != "" {
		c.Storage.DSN = dsn
	}

	if natsURL := os.Getenv("MESH_NATS_URL"); natsURL != "" {
		c.Mesh.NATSURL = natsURL
		c.Mesh.Enabled = true
	}

	if root := os.Getenv("MESH_ROOT"); root != "" {
		if v, err := strconv.ParseBool(root); err == nil {
			c.Mesh.Root = v
		} else {
			log.Warn().Str("value", root).Msg("MESH_ROOT 不是布尔值，忽略")
		}
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		c.API.Addr = addr
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// setDefaults 补齐未配置的项
func (c *Config) setDefaults() {
	if c.Node.Version == "" {
		c.Node.Version = "0.0.0"
	}
	if c.Node.Project == "" {
		c.Node.Project = c.Node.App
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "file:settings.db"
	}

	if c.Mesh.Enabled {
		if c.Mesh.NATSURL == "" {
			c.Mesh.NATSURL = "nats://127.0.0.1:4222"
		}
		if c.Mesh.Subject == "" {
			c.Mesh.Subject = "mesh"
		}
		if c.Mesh.MaxReconnects == 0 {
			c.Mesh.MaxReconnects = -1
		}
		if c.Mesh.ReconnectInterval == 0 {
			c.Mesh.ReconnectInterval = 2 * time.Second
		}
	}

	if c.Bus.KeepAlive == 0 {
		c.Bus.KeepAlive = 30 * time.Second
	}
	if c.Bus.ConnectTimeout == 0 {
		c.Bus.ConnectTimeout = 10 * time.Second
	}

	if c.OTA.Dir == "" {
		c.OTA.Dir = "ota"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validation.NewValidator().Validate(c); err != nil {
		return err
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("Storage.DSN: required for postgres")
	}
	return nil
}

// ID 节点 ID (硬件地址)
func (n NodeConfig) ID() (meshproto.MAC, error) {
	return meshproto.ParseMAC(n.MAC)
}
