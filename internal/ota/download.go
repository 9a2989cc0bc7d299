package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// ErrRelayTimeout 子节点在重试次数内没有确认
var ErrRelayTimeout = errors.New("OTA relay timeout")

// allClients 升级进度发往所有总线
const allClients = 0xFF

// progressInterval 进度报告的最短间隔，跨越 10% 或完成时不受限
const progressInterval = 5 * time.Second

// progress 进度报告节流
type progress struct {
	percent int
	next    time.Time
}

// step 返回新的百分比以及是否需要报告
func (p *progress) step(now time.Time, loaded, size int) (int, bool) {
	percent := loaded * 100 / size
	if percent == p.percent {
		return percent, false
	}
	if percent == 100 || now.After(p.next) || percent/10 != p.percent/10 {
		p.percent = percent
		p.next = now.Add(progressInterval)
		return percent, true
	}
	return percent, false
}

func (o *Orchestrator) open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return o.client().Do(req)
}

// failed 报告下载请求失败
func (o *Orchestrator) failed(url string, size int64, status int, err error) {
	j := o.report(map[string]any{"url": url})
	if size >= 0 {
		j["size"] = size
	}
	if status != 0 {
		j["status"] = status
	}
	if err != nil {
		j["description"] = err.Error()
	}
	o.cfg.Reporter.Error("upgrade", j)
}

// download 下载镜像写入本节点的分区
func (o *Orchestrator) download(ctx context.Context, url string) {
	o.setState(Downloading)
	resp, err := o.open(ctx, url)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("OTA download failed")
		o.failed(url, -1, 0, err)
		return
	}
	defer resp.Body.Close()
	size := resp.ContentLength
	if size <= 0 || resp.StatusCode/100 != 2 {
		o.failed(url, size, resp.StatusCode, nil)
		return
	}

	part := o.cfg.Partition
	j := o.report(map[string]any{"partition": part.Label(), "size": size})
	o.cfg.Reporter.Info("upgrade", j)

	if err := part.Begin(int(size)); err != nil {
		log.Error().Err(err).Str("partition", part.Label()).Msg("OTA begin failed")
		o.cfg.Restart.Restart("OTA Download fail", 3*time.Second)
		return
	}
	p := progress{next: o.cfg.Now().Add(progressInterval)}
	buf := make([]byte, 1024)
	var loaded int64
	for loaded < size {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err = part.WriteAt(buf[:n], loaded); err != nil {
				log.Error().Err(err).Int64("offset", loaded).Msg("OTA write failed")
				break
			}
			if loaded == 0 {
				o.cfg.Restart.Restart("OTA Download started", 10*time.Second)
			} else if loaded < size/2 && loaded+int64(n) >= size/2 {
				o.cfg.Restart.Restart("OTA Download progress", 10*time.Second)
			}
			loaded += int64(n)
			if percent, ok := p.step(o.cfg.Now(), int(loaded), int(size)); ok {
				log.Info().Int("percent", percent).Msg("OTA progress")
				o.cfg.Reporter.InfoClients("upgrade", o.report(map[string]any{
					"size":     size,
					"loaded":   loaded,
					"progress": percent,
				}), allClients)
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				err = rerr
			}
			break
		}
	}
	if err == nil {
		err = part.End()
	}
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("OTA download failed")
		o.cfg.Restart.Restart("OTA Download fail", 3*time.Second)
		return
	}
	o.setState(Verified)
	o.cfg.Reporter.InfoClients("upgrade", o.report(map[string]any{
		"size":     size,
		"complete": part.Label(),
	}), allClients)
	if err := part.SetBoot(); err != nil {
		log.Error().Err(err).Msg("set boot partition failed")
		o.cfg.Restart.Restart("OTA Download fail", 3*time.Second)
		return
	}
	o.cfg.Restart.Restart("OTA Download complete", 3*time.Second)
	o.setState(RestartScheduled)
}

// relay 下载镜像并经 mesh 逐块发给目标节点，每块等待确认
func (o *Orchestrator) relay(ctx context.Context, url string) {
	o.setState(Downloading)
	resp, err := o.open(ctx, url)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("OTA relay download failed")
		o.failed(url, -1, 0, err)
		return
	}
	defer resp.Body.Close()
	size := resp.ContentLength
	if size <= 0 || resp.StatusCode/100 != 2 {
		o.failed(url, size, resp.StatusCode, nil)
		return
	}

	o.mu.Lock()
	peer := o.peer
	o.mu.Unlock()

	start, err := meshproto.StartFrame(int(size))
	if err != nil {
		o.failed(url, size, resp.StatusCode, err)
		return
	}
	block := make([]byte, meshproto.MaxPacket)
	n := copy(block, start)
	if err := o.sendBlock(ctx, peer, block[:n]); err != nil {
		o.abandon(url, size, err)
		return
	}
	seq := uint8(1)
	block[0] = meshproto.Header(meshproto.OpData, seq)

	select {
	case <-ctx.Done():
		return
	case <-time.After(o.cfg.EraseDelay):
	}

	for {
		n, rerr := resp.Body.Read(block[1:])
		if n > 0 {
			if err := o.sendBlock(ctx, peer, block[:1+n]); err != nil {
				o.abandon(url, size, err)
				return
			}
			seq = meshproto.NextSeq(seq)
			block[0] = meshproto.Header(meshproto.OpData, seq)
		}
		if rerr != nil {
			if rerr != io.EOF {
				log.Error().Err(rerr).Str("url", url).Msg("OTA relay read failed")
			}
			break
		}
	}
	end := []byte{meshproto.Header(meshproto.OpEnd, seq)}
	if err := o.sendBlock(ctx, peer, end); err != nil {
		o.abandon(url, size, err)
		return
	}
	log.Info().
		Str("target", peer.String()).
		Int64("size", size).
		Msg("OTA relay complete")
}

// abandon 放弃转发并报告，取消时不报告
func (o *Orchestrator) abandon(url string, size int64, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	o.failed(url, size, 0, err)
}

// sendBlock 发送一帧并等待对应确认，超时重发
func (o *Orchestrator) sendBlock(ctx context.Context, peer meshproto.MAC, frame []byte) error {
	want := meshproto.AckFor(frame)
	o.mu.Lock()
	o.ackWant = want
	o.mu.Unlock()
	select {
	case <-o.acked:
	default:
	}
	for try := 0; try < o.cfg.Tries; try++ {
		if err := o.cfg.Mesh.Send(ctx, peer, false, meshproto.ProtoBin, frame); err != nil {
			log.Debug().Err(err).Str("target", peer.String()).Msg("OTA block send failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.acked:
			return nil
		case <-time.After(o.cfg.AckTimeout):
		}
	}
	log.Error().
		Str("target", peer.String()).
		Str("frame", fmt.Sprintf("%02X", frame[0])).
		Msg("OTA send timeout")
	o.mu.Lock()
	o.ackWant = 0
	o.mu.Unlock()
	return ErrRelayTimeout
}

// ack 根节点收到子节点的确认
func (o *Orchestrator) ack(from meshproto.MAC, b byte) {
	if !o.isRoot() {
		return
	}
	o.mu.Lock()
	ok := o.ackWant != 0 && o.ackWant == b && from == o.peer
	if ok {
		o.ackWant = 0
	}
	o.mu.Unlock()
	if ok {
		select {
		case o.acked <- struct{}{}:
		default:
		}
	}
}
