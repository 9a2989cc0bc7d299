package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/link"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

const (
	// tickInterval 主循环周期
	tickInterval = 100 * time.Millisecond
	// statusInterval 完整状态报告的最长间隔
	statusInterval = time.Hour
	// apStopDelay 获得地址后关闭 AP 的延迟
	apStopDelay = 10 * time.Second
	// allClients 发往所有总线
	allClients = 0xFF
)

// Run 运行主循环直到 ctx 结束或执行重启
//
// 执行重启时返回 *RestartError，调用方据此重新创建节点。
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.mu.Lock()
	n.ctx = ctx
	n.mu.Unlock()

	log.Info().
		Str("id", n.id.String()).
		Str("app", n.builtin.AppName.Text(0)).
		Str("version", n.cfg.Node.Version).
		Bool("mesh", n.machine.Meshing()).
		Msg("node starting")

	if n.relay != nil {
		if starter, ok := n.relay.Driver().(interface{ Start(context.Context) error }); ok {
			go func() {
				if err := starter.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("mesh driver stopped")
				}
			}()
		}
		go func() {
			if err := n.relay.Run(ctx, n); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("mesh relay stopped")
			}
		}()
	}

	if n.builtin.WiFiSSID.Text(0) != "" && (n.relay == nil || n.relay.IsRoot()) {
		if err := n.radio.Connect(ctx, n.stationConfig()); err != nil {
			log.Warn().Err(err).Msg("wifi connect failed")
		}
	}

	if addr := n.cfg.API.Addr; addr != "" {
		go func() {
			if err := n.api.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msg("API server stopped")
			}
		}()
	}

	if wdt := n.builtin.WatchdogTime.Uint(0); wdt > 0 {
		n.watchdog.Start(time.Duration(wdt)*time.Second, func() {
			n.Restart("Watchdog", 0)
		})
	}

	defer n.stop()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	last := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n.fast()
		up := n.uptime()
		if sec := int64(up / time.Second); sec != last {
			last = sec
			if reason, ok := n.slow(ctx); ok {
				return &RestartError{Reason: reason}
			}
		}
	}
}

// stop 释放运行时资源
func (n *Node) stop() {
	n.watchdog.Stop()
	n.pool.Close("Stopped")
	if n.ap != nil {
		n.ap.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.api.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("API shutdown")
	}
	if n.relay != nil {
		if err := n.relay.Driver().Close(); err != nil {
			log.Warn().Err(err).Msg("mesh close")
		}
	}
	if n.nc != nil {
		n.nc.Close()
	}
	if err := n.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
}

// stationConfig 由 wifi 设置组成站点参数
func (n *Node) stationConfig() link.StationConfig {
	b := n.builtin
	return link.StationConfig{
		SSID:     b.WiFiSSID.Text(0),
		Password: b.WiFiPass.Text(0),
		BSSID:    b.WiFiBSSID.Bytes(0),
		Channel:  int(b.WiFiChan.Uint(0)),
		StaticIP: b.WiFiIP.Text(0),
		Gateway:  b.WiFiGW.Text(0),
	}
}

// fast 100ms 任务: 喂狗、指示灯、设置发布
func (n *Node) fast() {
	n.mu.Lock()
	wdtTest := n.wdtTest
	dump := n.dumpRequested
	n.dumpRequested = false
	on, off, colours := n.blinkOn, n.blinkOff, n.blinkColours
	n.mu.Unlock()

	if !wdtTest || n.builtin.WatchdogTime.Uint(0) == 0 {
		n.watchdog.Feed()
	}

	if n.builtin.Blink.IsSet(0) {
		down := !n.machine.Flags().Has(link.GotIP)
		coloured := n.builtin.Blink.IsSet(1)
		if c, changed := n.blink.step(on, off, colours, down, coloured); changed {
			n.led.Set(c)
		}
	}

	if dump {
		n.dumpSettings()
	}
}

// dumpMax 单条设置消息的最大长度
func (n *Node) dumpMax() int {
	if n.machine.Meshing() {
		return meshproto.MaxPacket - 50 - meshproto.Pad
	}
	return mqttMax - 50
}

// requestDump 在下一个 tick 发布设置
func (n *Node) requestDump() {
	n.mu.Lock()
	n.dumpRequested = true
	n.mu.Unlock()
}

// dumpSettings 分块发布非默认设置
func (n *Node) dumpSettings() {
	chunks, failures := n.registry.Dump(n.dumpMax())
	prefix := n.builtin.PrefixSetting.Text(0)
	for _, chunk := range chunks {
		if err := n.router.Publish(1, n.router.Topic(prefix, ""), chunk, false); err != nil {
			log.Debug().Err(err).Msg("setting dump")
		}
	}
	for _, f := range failures {
		e := n.router.Envelope()
		e["description"] = "Setting did not fit"
		e["setting"] = f.Setting
		e["reason"] = f.Reason
		if err := n.router.Error("RevK", e); err != nil {
			log.Debug().Err(err).Msg("setting dump error")
		}
	}
}

// forceStatus 下一个 1s tick 发送完整状态
func (n *Node) forceStatus() {
	n.mu.Lock()
	n.upNext = 0
	n.mu.Unlock()
}

// slow 1s 任务，返回 true 表示应执行重启
func (n *Node) slow(ctx context.Context) (string, bool) {
	now := n.now()
	up := n.uptime()
	n.ota.AutoTick(up)

	log.Debug().
		Dur("up", up.Truncate(time.Second)).
		Int("link_down", n.machine.LinkDown()).
		Int("mesh_nodes", n.meshNodes()).
		Msg("tick")

	if report, ok := n.statusReport(now, up, false); ok {
		if err := n.router.Send(n.builtin.PrefixState.Text(0), true, "", report, allClients); err != nil {
			log.Debug().Err(err).Msg("status report")
		}
	}

	if reason, ok := n.policy.Check(n.machine, link.PolicyInput{
		LinkDown:  n.machine.LinkDown(),
		WiFiReset: int(n.builtin.WiFiReset.Uint(0)),
		MeshReset: n.meshReset(),
		Nodes:     n.meshNodes(),
	}); ok {
		n.Restart(reason, 0)
	}

	n.apTick(now)

	if due := n.registry.CommitDue(); !due.IsZero() && !now.Before(due) {
		if err := n.registry.Commit(ctx); err != nil {
			log.Error().Err(err).Msg("settings commit failed")
		}
	}

	if !n.restart.Due() {
		return "", false
	}
	reason, _, _ := n.restart.Pending()
	n.shutdown(ctx, reason)
	return reason, true
}

func (n *Node) meshNodes() int {
	if n.relay == nil {
		return 0
	}
	return n.relay.Driver().NodeCount()
}

func (n *Node) meshReset() int {
	if n.builtin.MeshReset == nil {
		return 0
	}
	return int(n.builtin.MeshReset.Uint(0))
}

// statusReport 生成状态报告；peek 为 true 时总是生成且不改变状态
func (n *Node) statusReport(now time.Time, up time.Duration, peek bool) (map[string]any, bool) {
	info := n.radio.Info()
	bssid := strings.ToUpper(strings.ReplaceAll(info.BSSID, ":", ""))
	heap := n.opts.FreeMem()

	n.mu.Lock()
	defer n.mu.Unlock()

	wifiChanged := info.Channel != n.lastChan || bssid != n.lastBSSID
	heapDropped := heap/10000 < n.lastHeap/10000
	_, _, pending := n.restart.Pending()
	first := n.upNext == 0
	if !peek && !first && !wifiChanged && !heapDropped && up <= n.upNext && !pending {
		return nil, false
	}

	if !peek && pending && n.ota.Running() && n.restart.Due() {
		n.restart.Postpone(time.Second)
	}

	report := n.router.Envelope()
	report["id"] = n.id.String()
	reason, due, pending := n.restart.Pending()
	advance := time.Duration(0)
	if n.machine.IsLeaf() {
		advance = 2 * time.Second
	}
	if pending && !due.After(now.Add(advance)) {
		report["up"] = false
	} else {
		report["up"] = int64(up / time.Second)
	}
	if pending {
		left := due.Sub(now)
		if left < 0 {
			left = 0
		}
		report["restart"] = int64(left / time.Second)
		report["reason"] = reason
	}
	if first || peek {
		report["app"] = n.builtin.AppName.Text(0)
		report["version"] = n.cfg.Node.Version
		if n.cfg.Node.BuildSuffix != "" {
			report["build-suffix"] = n.cfg.Node.BuildSuffix
		}
		report["build"] = fmt.Sprintf("%s %s", n.cfg.Node.BuildDate, n.cfg.Node.BuildTime)
	}
	if first || peek || heapDropped {
		report["mem"] = heap
	}
	if first || peek || wifiChanged {
		if info.SSID != "" {
			report["ssid"] = info.SSID
		}
		if bssid != "" {
			report["bssid"] = bssid
			report["rssi"] = info.RSSI
			report["chan"] = info.Channel
		}
		if info.IPv4 != "" {
			report["ipv4"] = info.IPv4
		}
	}

	if !peek {
		n.lastChan = info.Channel
		n.lastBSSID = bssid
		n.lastHeap = heap
		n.upNext = up + statusInterval
	}
	return report, true
}

// apTick 本地 AP 的开关
func (n *Node) apTick(now time.Time) {
	if n.gate == nil {
		return
	}
	b := n.builtin
	gotIP := n.machine.Flags().Has(link.GotIP)
	n.mu.Lock()
	edge := gotIP && !n.hadIP
	n.hadIP = gotIP
	n.mu.Unlock()
	if edge && n.ap.Running() {
		n.gate.ArmStop(now.Add(apStopDelay))
	}

	button := false
	if b.APGPIO.IsSet(0) && n.opts.Button != nil {
		button = n.opts.Button() != strings.Contains(b.APGPIO.Legend(0), "-")
	}
	n.gate.Tick(now, link.APInput{
		Button:    button,
		APTime:    time.Duration(b.APTime.Uint(0)) * time.Second,
		APWait:    time.Duration(b.APWait.Uint(0)) * time.Second,
		LinkDown:  time.Duration(n.machine.LinkDown()) * time.Second,
		SSIDEmpty: b.WiFiSSID.Text(0) == "",
	})
}

// shutdown 执行重启前的收尾
func (n *Node) shutdown(ctx context.Context, reason string) {
	log.Warn().Str("reason", reason).Msg("restarting")
	payload, _ := json.Marshal(reason)
	n.notify("shutdown", payload)
	n.pool.Close(reason)
	if err := n.radio.Disconnect(); err != nil {
		log.Debug().Err(err).Msg("radio disconnect")
	}
	if err := n.registry.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("settings commit failed")
	}
	n.watchdog.Stop()
}
