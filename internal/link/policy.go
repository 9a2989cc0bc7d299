package link

import (
	"sync"
	"time"
)

// 链路丢失重启原因
const (
	ReasonOffline   = "Offline too long"
	ReasonMeshSucks = "Mesh sucks"
)

// PolicyInput 链路丢失策略的输入，时间单位为秒，0 表示不启用
type PolicyInput struct {
	LinkDown  int
	WiFiReset int
	MeshReset int
	Nodes     int
}

// Policy 链路长时间丢失时请求重启，每次断开只请求一次
type Policy struct {
	mu    sync.Mutex
	fired bool
}

// Check 返回需要的重启原因
func (p *Policy) Check(m *Machine, in PolicyInput) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if in.LinkDown == 0 {
		p.fired = false
		return "", false
	}
	if p.fired {
		return "", false
	}
	reason := ""
	switch {
	case m.Meshing() && m.IsRoot():
		if (in.WiFiReset > 0 && in.LinkDown > in.WiFiReset && in.Nodes <= 1) || (in.MeshReset > 0 && in.LinkDown > in.MeshReset) {
			reason = ReasonMeshSucks
		}
	case m.Meshing():
		if in.WiFiReset > 0 && in.LinkDown > in.WiFiReset {
			reason = ReasonMeshSucks
		}
	default:
		if in.WiFiReset > 0 && in.LinkDown > in.WiFiReset {
			reason = ReasonOffline
		}
	}
	if reason == "" {
		return "", false
	}
	p.fired = true
	return reason, true
}

// APInput AP 回退判断的输入
type APInput struct {
	// Button apgpio 已配置且处于有效电平
	Button    bool
	APTime    time.Duration
	APWait    time.Duration
	LinkDown  time.Duration
	SSIDEmpty bool
}

// APGate 本地配置 AP 的开关判断
type APGate struct {
	mu     sync.Mutex
	stopAt time.Time

	Start func()
	Stop  func()
}

// ArmStop 在 at 之后关闭 AP (获得地址后调用)
func (g *APGate) ArmStop(at time.Time) {
	g.mu.Lock()
	g.stopAt = at
	g.mu.Unlock()
}

// StopAt 计划关闭的时间
func (g *APGate) StopAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopAt
}

// Open 开启 AP 并取消计划关闭
func (g *APGate) Open() {
	g.mu.Lock()
	g.stopAt = time.Time{}
	g.mu.Unlock()
	if g.Start != nil {
		g.Start()
	}
}

// Close 关闭 AP
func (g *APGate) Close() {
	g.mu.Lock()
	g.stopAt = time.Time{}
	g.mu.Unlock()
	if g.Stop != nil {
		g.Stop()
	}
}

// Tick 每秒调用一次
func (g *APGate) Tick(now time.Time, in APInput) {
	if in.Button {
		g.Open()
		if in.APTime > 0 {
			g.ArmStop(now.Add(in.APTime))
		}
	}
	if in.APWait > 0 && in.LinkDown > in.APWait {
		g.Open()
	}
	if in.SSIDEmpty {
		g.Open()
	}
	if at := g.StopAt(); !at.IsZero() && at.Before(now) {
		g.Close()
	}
}
