package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Options MQTT 客户端参数
type Options struct {
	Index    int
	Host     string
	Port     int
	Username string
	Password string
	ClientID string

	// CACert 非空时使用 TLS 并校验服务器证书
	CACert     []byte
	ClientCert []byte
	ClientKey  []byte

	WillTopic   string
	WillPayload []byte

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// BrokerURL 根据参数拼接 broker 地址
func (o Options) BrokerURL() string {
	scheme, port := "tcp", o.Port
	if len(o.CACert) > 0 {
		scheme = "ssl"
		if port == 0 {
			port = 8883
		}
	}
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, port)
}

func (o Options) tlsConfig() (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(o.CACert) {
		return nil, fmt.Errorf("parse CA certificate for %s", o.Host)
	}
	cfg := &tls.Config{RootCAs: pool, ServerName: o.Host}
	if len(o.ClientCert) > 0 && len(o.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(o.ClientCert, o.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// MQTTClient paho MQTT 客户端
type MQTTClient struct {
	opts    Options
	handler Handler

	mu     sync.RWMutex
	client mqtt.Client
	// up 已报告 Connected 且未报告断开
	up bool
}

// NewMQTTClient 创建 MQTT 客户端，连接事件和消息交给 handler
func NewMQTTClient(opts Options, handler Handler) *MQTTClient {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &MQTTClient{opts: opts, handler: handler}
}

func (c *MQTTClient) Index() int { return c.opts.Index }

func (c *MQTTClient) Broker() string { return c.opts.Host }

// Connect 开始连接，连接结果通过 handler 报告
func (c *MQTTClient) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.opts.BrokerURL())
	opts.SetClientID(c.opts.ClientID)

	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}

	if len(c.opts.CACert) > 0 {
		tlsConfig, err := c.opts.tlsConfig()
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if c.opts.WillTopic != "" {
		opts.SetBinaryWill(c.opts.WillTopic, c.opts.WillPayload, 0, true)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(c.opts.ConnectTimeout)
	opts.SetKeepAlive(c.opts.KeepAlive)
	opts.SetCleanSession(true)

	index := c.opts.Index
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if !c.mark(client, true) {
			return
		}
		log.Info().
			Int("client", index).
			Str("broker", c.opts.Host).
			Msg("MQTT client connected")
		c.handler.Connected(index, c.opts.Host)
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		if !c.mark(client, false) {
			return
		}
		log.Error().
			Err(err).
			Int("client", index).
			Msg("MQTT connection lost")
		c.handler.Disconnected(index, false)
	})

	client := mqtt.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.up = false
	c.mu.Unlock()

	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil && c.mark(client, false) {
				log.Error().
					Err(err).
					Int("client", index).
					Msg("Failed to connect MQTT client")
				c.handler.Disconnected(index, true)
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

// mark 记录 client 的连接状态，client 已被关闭或替换时返回 false
func (c *MQTTClient) mark(client mqtt.Client, up bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != client {
		return false
	}
	c.up = up
	return true
}

func (c *MQTTClient) current() mqtt.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *MQTTClient) Connected() bool {
	client := c.current()
	return client != nil && client.IsConnectionOpen()
}

// Publish 发布消息，QoS 0
func (c *MQTTClient) Publish(topic string, payload []byte, retain bool) error {
	client := c.current()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := client.Publish(topic, 0, retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

func (c *MQTTClient) Subscribe(topic string) error {
	client := c.current()
	if client == nil {
		return ErrNotConnected
	}
	index := c.opts.Index
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.handler.Message(index, msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

func (c *MQTTClient) Unsubscribe(topic string) error {
	client := c.current()
	if client == nil {
		return ErrNotConnected
	}
	token := client.Unsubscribe(topic)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

// Close 断开连接，已连接或正在连接时报告一次 Disconnected
func (c *MQTTClient) Close(reason string) {
	c.mu.Lock()
	client, up := c.client, c.up
	c.client = nil
	c.up = false
	c.mu.Unlock()
	if client == nil {
		return
	}
	client.Disconnect(250)
	log.Info().
		Int("client", c.opts.Index).
		Str("reason", reason).
		Msg("MQTT client disconnected")
	c.handler.Disconnected(c.opts.Index, !up)
}
