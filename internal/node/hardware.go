package node

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Watchdog 任务看门狗
type Watchdog interface {
	// Start 以 timeout 开始监视，expired 在超时后调用
	Start(timeout time.Duration, expired func())
	Feed()
	Stop()
}

// LED 状态指示灯
//
// colour 为 0 表示熄灭；单色灯亮时为 'W'，彩色灯取 R G B Y C M W 之一。
type LED interface {
	Set(colour byte)
}

// HostWatchdog 用定时器实现的看门狗
type HostWatchdog struct {
	mu    sync.Mutex
	timer *time.Timer
	d     time.Duration
	fed   time.Time
}

// Start implements Watchdog
func (w *HostWatchdog) Start(timeout time.Duration, expired func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.d = timeout
	w.timer = time.AfterFunc(timeout, func() {
		log.Error().Dur("timeout", timeout).Msg("watchdog expired")
		expired()
	})
}

// Feed implements Watchdog
func (w *HostWatchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fed = time.Now()
	if w.timer != nil {
		w.timer.Reset(w.d)
	}
}

// Stop implements Watchdog
func (w *HostWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// LastFed 最近一次喂狗时间
func (w *HostWatchdog) LastFed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fed
}

// LogLED 把指示灯变化写入调试日志
type LogLED struct {
	mu   sync.Mutex
	last byte
}

// Set implements LED
func (l *LogLED) Set(colour byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if colour == l.last {
		return
	}
	l.last = colour
	if colour == 0 {
		log.Debug().Msg("LED off")
		return
	}
	log.Debug().Str("colour", string(colour)).Msg("LED on")
}

// blinker 指示灯闪烁节奏，每 100ms 调用一次 step
//
// on/off 为亮灭的 tick 数，都为 0 时按链路状态闪烁 (断开 3，正常 6)。
// 彩色灯亮时依次取 colours 中的颜色，colours 变化时从头开始。
type blinker struct {
	lit   bool
	count int
	seq   string
	last  string
}

func (b *blinker) step(on, off int, colours string, down, coloured bool) (byte, bool) {
	if b.count > 0 {
		b.count--
		return 0, false
	}
	if on == 0 && off == 0 {
		if down {
			on, off = 3, 3
		} else {
			on, off = 6, 6
		}
	}
	b.lit = !b.lit
	b.count = off
	if b.lit {
		b.count = on
	}
	if b.count == 0 {
		b.lit = !b.lit
		b.count = off
		if b.lit {
			b.count = on
		}
	}
	if b.count == 0 {
		return 0, false
	}
	if !b.lit {
		return 0, true
	}
	if !coloured {
		return 'W', true
	}
	if colours == "" {
		colours = "W"
	}
	if colours != b.last {
		b.seq, b.last = colours, colours
	}
	if b.seq == "" {
		b.seq = colours
	}
	c := b.seq[0]
	b.seq = b.seq[1:]
	return c, true
}
