package bus

import (
	"context"
	"strings"
	"sync"
)

// Published 一条已发布的消息
type Published struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// MemoryClient 进程内客户端，不连接 broker
//
// 发布的消息被记录；Inject 模拟 broker 下发，只投递匹配已订阅主题的消息。
type MemoryClient struct {
	index   int
	broker  string
	handler Handler

	mu        sync.Mutex
	connected bool
	subs      []string
	published []Published
}

// NewMemoryClient creates an in-process client
func NewMemoryClient(index int, broker string, handler Handler) *MemoryClient {
	return &MemoryClient{index: index, broker: broker, handler: handler}
}

func (c *MemoryClient) Index() int { return c.index }

func (c *MemoryClient) Broker() string { return c.broker }

// Connect 立即连接并回调 Connected
func (c *MemoryClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.handler != nil {
		c.handler.Connected(c.index, c.broker)
	}
	return nil
}

func (c *MemoryClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MemoryClient) Publish(topic string, payload []byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.published = append(c.published, Published{Topic: topic, Payload: append([]byte(nil), payload...), Retain: retain})
	return nil
}

func (c *MemoryClient) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return nil
}

func (c *MemoryClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == topic {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (c *MemoryClient) Close(reason string) {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was && c.handler != nil {
		c.handler.Disconnected(c.index, false)
	}
}

// Subscriptions 当前订阅
func (c *MemoryClient) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

// Messages 已发布的消息
func (c *MemoryClient) Messages() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Reset 清空已发布记录
func (c *MemoryClient) Reset() {
	c.mu.Lock()
	c.published = nil
	c.mu.Unlock()
}

// Inject 模拟收到消息，返回是否匹配订阅
func (c *MemoryClient) Inject(topic string, payload []byte) bool {
	c.mu.Lock()
	matched := false
	for _, s := range c.subs {
		if Match(s, topic) {
			matched = true
			break
		}
	}
	c.mu.Unlock()
	if matched && c.handler != nil {
		c.handler.Message(c.index, topic, payload)
	}
	return matched
}

// Match MQTT 主题过滤器匹配，支持 + 和结尾的 #
func Match(filter, topic string) bool {
	fl, tl := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) || (f != "+" && f != tl[i]) {
			return false
		}
	}
	return len(fl) == len(tl)
}
