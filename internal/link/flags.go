package link

import (
	"context"
	"sync"
)

// Flag 连接状态位
type Flag uint32

const (
	// Offline 站点无线未连接
	Offline Flag = 1 << iota
	// Associated 已关联 AP 或 mesh 父节点
	Associated
	// GotIP 已获得地址
	GotIP
	// APActive 本地 AP 已开启
	APActive
)

const (
	busShift     = 8
	busDownShift = 16
)

// Bus 第 n 个消息总线客户端已连接
func Bus(n int) Flag { return Flag(1) << (busShift + n) }

// BusDown 第 n 个消息总线客户端已断开
func BusDown(n int) Flag { return Flag(1) << (busDownShift + n) }

// Flags 可等待的状态位集合
type Flags struct {
	mu      sync.Mutex
	bits    Flag
	changed chan struct{}
}

// NewFlags creates a flag set with the initial bits
func NewFlags(initial Flag) *Flags {
	return &Flags{bits: initial, changed: make(chan struct{})}
}

// Get 当前状态位
func (f *Flags) Get() Flag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits
}

// Has 是否包含全部指定位
func (f *Flags) Has(mask Flag) bool {
	return f.Get()&mask == mask
}

// Set 置位
func (f *Flags) Set(mask Flag) {
	f.update(func(b Flag) Flag { return b | mask })
}

// Clear 清位
func (f *Flags) Clear(mask Flag) {
	f.update(func(b Flag) Flag { return b &^ mask })
}

func (f *Flags) update(fn func(Flag) Flag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := fn(f.bits)
	if next == f.bits {
		return
	}
	f.bits = next
	close(f.changed)
	f.changed = make(chan struct{})
}

// Wait 等待 mask 中的位 (all 为 true 时全部，否则任一) 置位，ctx 结束时返回 false
func (f *Flags) Wait(ctx context.Context, mask Flag, all bool) bool {
	for {
		f.mu.Lock()
		bits, ch := f.bits, f.changed
		f.mu.Unlock()
		if (all && bits&mask == mask) || (!all && bits&mask != 0) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}
