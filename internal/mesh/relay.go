package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/pkg/crypto"
	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// MaxSendFailures 连续内存不足失败次数上限，超过后重启
const MaxSendFailures = 100

// Restarter 请求重启
type Restarter interface {
	Restart(reason string, delay time.Duration)
}

// Handler 处理收到的 mesh 报文
type Handler interface {
	// Bin 升级子协议帧 (不加密)
	Bin(from meshproto.MAC, data []byte)
	// MQTT 转发的总线消息
	MQTT(from meshproto.MAC, msg meshproto.RelayMessage)
	// JSON 节点间 JSON 消息
	JSON(from meshproto.MAC, data []byte)
}

// Relay 加密的 mesh 收发
//
// 同一时刻只有一个发送在进行。BIN 报文不加密，MQTT 和 JSON 报文用 meshkey 加密。
type Relay struct {
	drv       Driver
	cipher    *crypto.MeshCipher
	rootKnown func() bool
	restarter Restarter

	sendMu sync.Mutex
	fails  int
}

// NewRelay creates a relay; rootKnown reports whether the root address has been learned
func NewRelay(drv Driver, key []byte, rootKnown func() bool, restarter Restarter) (*Relay, error) {
	c, err := crypto.NewMeshCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mesh key: %w", err)
	}
	return &Relay{drv: drv, cipher: c, rootKnown: rootKnown, restarter: restarter}, nil
}

// Driver 底层驱动
func (r *Relay) Driver() Driver { return r.drv }

// Self 本节点地址
func (r *Relay) Self() meshproto.MAC { return r.drv.Self() }

// IsRoot 本节点为根
func (r *Relay) IsRoot() bool { return r.drv.IsRoot() }

// Active mesh 已启动
func (r *Relay) Active() bool { return r.drv.Active() }

// Send 发送一条报文，MQTT/JSON 报文加密
func (r *Relay) Send(ctx context.Context, to meshproto.MAC, toRoot bool, proto meshproto.Proto, data []byte) error {
	if !r.drv.Active() {
		return ErrDisconnected
	}
	if toRoot && !r.drv.IsRoot() && r.rootKnown != nil && !r.rootKnown() {
		return ErrDisconnected
	}
	if proto != meshproto.ProtoBin {
		sealed, err := r.cipher.Seal(data)
		if err != nil {
			return err
		}
		data = sealed
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	err := r.drv.Send(ctx, to, toRoot, proto, data)
	switch {
	case err == nil:
		r.fails = 0
	case errors.Is(err, ErrNoMemory):
		r.fails++
		log.Warn().Err(err).Int("fails", r.fails).Msg("mesh send failed")
		if r.fails > MaxSendFailures && r.restarter != nil {
			r.restarter.Restart(ErrNoMemory.Error(), time.Second)
		}
	default:
		log.Debug().Err(err).Str("to", to.String()).Bool("root", toRoot).Msg("mesh send failed")
	}
	return err
}

// SendMQTT 发送转发的总线消息
func (r *Relay) SendMQTT(ctx context.Context, to meshproto.MAC, toRoot bool, msg meshproto.RelayMessage) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return r.Send(ctx, to, toRoot, meshproto.ProtoMQTT, data)
}

// Run 接收循环，直到 ctx 结束
func (r *Relay) Run(ctx context.Context, h Handler) error {
	frames := r.drv.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			r.dispatch(f, h)
		}
	}
}

func (r *Relay) dispatch(f Frame, h Handler) {
	if f.Proto == meshproto.ProtoBin {
		h.Bin(f.From, f.Data)
		return
	}
	plain, err := r.cipher.Open(f.Data)
	if err != nil {
		log.Warn().
			Err(err).
			Str("from", f.From.String()).
			Str("proto", f.Proto.String()).
			Msg("mesh frame rejected")
		return
	}
	switch f.Proto {
	case meshproto.ProtoMQTT:
		var msg meshproto.RelayMessage
		if err := msg.UnmarshalBinary(plain); err != nil {
			log.Warn().Err(err).Str("from", f.From.String()).Msg("bad relay message")
			return
		}
		h.MQTT(f.From, msg)
	case meshproto.ProtoJSON:
		h.JSON(f.From, plain)
	default:
		log.Warn().Str("proto", f.Proto.String()).Msg("unknown mesh proto")
	}
}
