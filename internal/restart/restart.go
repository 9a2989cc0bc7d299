package restart

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LeafAdvance mesh 子节点提前重启的时间，让根节点最后重启
const LeafAdvance = 2 * time.Second

// Scheduler 单个待执行的重启
//
// 更早或同时的请求覆盖已有请求，更晚的请求被忽略，负延迟取消。
type Scheduler struct {
	mu     sync.Mutex
	now    func() time.Time
	due    time.Time
	reason string

	// Leaf 返回 true 时为 mesh 子节点
	Leaf func() bool
	// OnAccept 请求被接受时回调
	OnAccept func(reason string, delay time.Duration)
}

// New creates an idle scheduler
func New() *Scheduler {
	return &Scheduler{now: time.Now}
}

// NewWithClock 使用指定时钟，测试用
func NewWithClock(now func() time.Time) *Scheduler {
	return &Scheduler{now: now}
}

// Restart 请求在 delay 之后重启，delay 为负时取消待执行的重启
func (s *Scheduler) Restart(reason string, delay time.Duration) {
	if s.Leaf != nil && s.Leaf() && delay >= LeafAdvance {
		delay -= LeafAdvance
	}

	s.mu.Lock()
	if delay < 0 {
		if !s.due.IsZero() {
			log.Info().Str("reason", reason).Str("was", s.reason).Msg("restart cancelled")
		}
		s.due = time.Time{}
		s.reason = ""
		s.mu.Unlock()
		return
	}
	due := s.now().Add(delay)
	if !s.due.IsZero() {
		if due.After(s.due) || (due.Equal(s.due) && reason == s.reason) {
			s.mu.Unlock()
			return
		}
	}
	s.due = due
	s.reason = reason
	onAccept := s.OnAccept
	s.mu.Unlock()

	log.Info().Str("reason", reason).Dur("delay", delay).Msg("重启已安排")
	if onAccept != nil {
		onAccept(reason, delay)
	}
}

// Pending 返回待执行的重启
func (s *Scheduler) Pending() (reason string, due time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.due, !s.due.IsZero()
}

// Due 重启时间已过
func (s *Scheduler) Due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.due.IsZero() && s.now().After(s.due)
}

// Postpone 推迟待执行的重启 (升级进行中)
func (s *Scheduler) Postpone(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.due.IsZero() {
		s.due = s.due.Add(d)
	}
}
