package ota

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// receiver 经 mesh 接收镜像的状态
type receiver struct {
	ack    byte
	size   int
	loaded int
	prog   progress
}

// HandleBin 处理 mesh 升级帧
//
// START 开始写分区，DATA 只接受下一个序号，END 校验长度后设置启动分区并重启。
// 每帧都回复最近接受的序号；ACK 帧交给发送端。
func (o *Orchestrator) HandleBin(from meshproto.MAC, frame []byte) {
	op, seq, err := meshproto.Split(frame)
	if err != nil {
		return
	}
	switch op {
	case meshproto.OpAck:
		o.ack(from, frame[0])
		return
	case meshproto.OpStart:
		o.rxStart(from, frame)
	case meshproto.OpData:
		o.rxData(frame, seq)
	case meshproto.OpEnd:
		o.rxEnd(frame)
	default:
		log.Debug().Str("op", op.String()).Msg("unexpected OTA frame")
		return
	}
	o.mu.Lock()
	ack := o.rx.ack
	o.mu.Unlock()
	if ack != 0 && o.cfg.Mesh != nil {
		if err := o.cfg.Mesh.Send(context.Background(), from, false, meshproto.ProtoBin, []byte{ack}); err != nil {
			log.Debug().Err(err).Str("to", from.String()).Msg("OTA ack failed")
		}
	}
}

func (o *Orchestrator) rxStart(from meshproto.MAC, frame []byte) {
	size, ok := meshproto.StartSize(frame)
	if !ok {
		return
	}
	now := o.cfg.Now()
	o.mu.Lock()
	o.rx.ack = meshproto.AckFor(frame)
	begin := o.rx.size == 0
	if begin {
		o.rx.size = size
		o.state = Flashing
		o.session = uuid.NewString()
	}
	o.rx.loaded = 0
	o.rx.prog = progress{next: now.Add(progressInterval)}
	o.mu.Unlock()

	if !begin {
		return
	}
	log.Info().
		Str("from", from.String()).
		Int("size", size).
		Msg("start flash")
	o.cfg.Reporter.InfoClients("upgrade", o.report(map[string]any{"size": size}), allClients)
	if err := o.cfg.Partition.Begin(size); err != nil {
		log.Error().Err(err).Msg("failed to start flash")
		o.mu.Lock()
		o.rx.size = 0
		o.state = Idle
		o.mu.Unlock()
	}
}

func (o *Orchestrator) rxData(frame []byte, seq uint8) {
	o.mu.Lock()
	if o.rx.size == 0 || seq != meshproto.NextSeq(o.rx.ack&0x0F) {
		o.mu.Unlock()
		return
	}
	o.rx.ack = meshproto.AckFor(frame)
	offset := o.rx.loaded
	o.mu.Unlock()

	data := frame[1:]
	if _, err := o.cfg.Partition.WriteAt(data, int64(offset)); err != nil {
		log.Error().Err(err).Int("offset", offset).Msg("flash failed")
		o.mu.Lock()
		o.rx.size = 0
		o.state = Idle
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	o.rx.loaded += len(data)
	loaded, size := o.rx.loaded, o.rx.size
	percent, report := o.rx.prog.step(o.cfg.Now(), loaded, size)
	o.mu.Unlock()
	if report {
		log.Info().Int("percent", percent).Msg("flash progress")
		o.cfg.Reporter.InfoClients("upgrade", o.report(map[string]any{
			"size":     size,
			"loaded":   loaded,
			"progress": percent,
		}), allClients)
	}
}

func (o *Orchestrator) rxEnd(frame []byte) {
	o.mu.Lock()
	size, loaded := o.rx.size, o.rx.loaded
	if size == 0 {
		o.mu.Unlock()
		return
	}
	o.rx.size = 0
	o.rx.ack = meshproto.AckFor(frame)
	o.mu.Unlock()

	part := o.cfg.Partition
	if loaded != size {
		log.Error().Int("loaded", loaded).Int("size", size).Msg("flash missing data")
		o.setState(Idle)
		return
	}
	if err := part.End(); err != nil {
		log.Error().Err(err).Msg("flash end failed")
		o.setState(Idle)
		return
	}
	o.setState(Verified)
	o.cfg.Reporter.InfoClients("upgrade", o.report(map[string]any{
		"size":     size,
		"complete": part.Label(),
	}), allClients)
	if err := part.SetBoot(); err != nil {
		log.Error().Err(err).Msg("set boot partition failed")
		return
	}
	o.cfg.Restart.Restart("OTA", 3*time.Second)
	o.setState(RestartScheduled)
}
