package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MaxClients 消息总线客户端数量上限
const MaxClients = 2

// 总线错误
var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timeout")
)

// Handler 接收总线消息和连接事件
type Handler interface {
	Message(client int, topic string, payload []byte)
	Connected(client int, broker string)
	Disconnected(client int, failed bool)
}

// Client 单个消息总线连接
type Client interface {
	Index() int
	Broker() string
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Connected() bool
	Close(reason string)
}

// Pool 按序号管理的客户端
type Pool struct {
	mu      sync.RWMutex
	clients [MaxClients]Client
}

// NewPool creates an empty pool
func NewPool() *Pool {
	return &Pool{}
}

// Set 设置第 i 个客户端，nil 表示未配置
func (p *Pool) Set(i int, c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[i] = c
}

// Get 第 i 个客户端
func (p *Pool) Get(i int) Client {
	if i < 0 || i >= MaxClients {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[i]
}

// Count 已配置的客户端数量
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, c := range p.clients {
		if c != nil {
			n++
		}
	}
	return n
}

// Mask 已配置客户端的位掩码
func (p *Pool) Mask() uint8 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var m uint8
	for i, c := range p.clients {
		if c != nil {
			m |= 1 << i
		}
	}
	return m
}

// Connect 连接所有已配置的客户端
func (p *Pool) Connect(ctx context.Context) error {
	for i := 0; i < MaxClients; i++ {
		c := p.Get(i)
		if c == nil {
			continue
		}
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connect client %d: %w", i, err)
		}
	}
	return nil
}

// Publish 在 mask 选中的客户端上发布，遇到第一个错误即停止
func (p *Pool) Publish(mask uint8, topic string, payload []byte, retain bool) error {
	for i := 0; i < MaxClients; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		c := p.Get(i)
		if c == nil {
			continue
		}
		if err := c.Publish(topic, payload, retain); err != nil {
			return fmt.Errorf("publish on client %d: %w", i, err)
		}
	}
	return nil
}

// Close 关闭所有客户端
func (p *Pool) Close(reason string) {
	for i := 0; i < MaxClients; i++ {
		if c := p.Get(i); c != nil {
			c.Close(reason)
		}
	}
}
