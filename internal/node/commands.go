package node

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/router"
)

// 内部命令的错误
var (
	ErrBadID      = errors.New("Bad ID")
	ErrBadAppName = errors.New("Bad appname")
)

// commandRestartDelay 命令触发重启的延迟
const commandRestartDelay = 3 * time.Second

func (n *Node) registerCommands() {
	n.router.HandleCommand("status", n.cmdStatus)
	n.router.HandleCommand("watchdog", n.cmdWatchdog)
	n.router.HandleCommand("restart", n.cmdRestart)
	n.router.HandleCommand("factory", n.cmdFactory)
	n.router.HandleCommand("apconfig", n.cmdAPConfig)
	n.router.HandleCommand("apstop", n.cmdAPStop)
}

// cmdStatus 立即发送完整状态
func (n *Node) cmdStatus(json.RawMessage) error {
	n.forceStatus()
	return nil
}

// cmdWatchdog 停止喂狗，用于测试看门狗
func (n *Node) cmdWatchdog(json.RawMessage) error {
	if n.builtin.WatchdogTime.Uint(0) == 0 {
		return router.ErrNotHandled
	}
	n.mu.Lock()
	n.wdtTest = true
	n.mu.Unlock()
	log.Warn().Msg("watchdog test, feeding stopped")
	return nil
}

func (n *Node) cmdRestart(json.RawMessage) error {
	n.Restart("Restart command", commandRestartDelay)
	return nil
}

// cmdFactory 恢复出厂设置，负载为节点 ID 加应用名
func (n *Node) cmdFactory(payload json.RawMessage) error {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return ErrBadID
	}
	rest, ok := strings.CutPrefix(s, n.id.String())
	if !ok {
		return ErrBadID
	}
	if rest != n.builtin.AppName.Text(0) {
		return ErrBadAppName
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.registry.FactoryReset(ctx); err != nil {
		return err
	}
	log.Warn().Msg("factory reset")
	n.Restart("Factory reset", commandRestartDelay)
	return nil
}

func (n *Node) cmdAPConfig(json.RawMessage) error {
	if n.gate == nil {
		return router.ErrNotHandled
	}
	n.gate.Open()
	return nil
}

func (n *Node) cmdAPStop(json.RawMessage) error {
	if n.gate == nil {
		return router.ErrNotHandled
	}
	n.gate.Close()
	return nil
}
