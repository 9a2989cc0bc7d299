package mesh

import (
	"context"
	"errors"

	"github.com/meshnode/device-runtime/pkg/meshproto"
)

// mesh 发送错误
var (
	ErrDisconnected = errors.New("disconnected")
	ErrNoMemory     = errors.New("ESP_ERR_MESH_NO_MEMORY")
	ErrTooBig       = errors.New("mesh frame too big")
)

// Frame 收到的 mesh 报文
type Frame struct {
	From  meshproto.MAC
	Proto meshproto.Proto
	Data  []byte
}

// Driver mesh 网络驱动
type Driver interface {
	Self() meshproto.MAC
	// Send 发送到 to；toRoot 为 true 时发往根节点，忽略 to
	Send(ctx context.Context, to meshproto.MAC, toRoot bool, proto meshproto.Proto, data []byte) error
	Frames() <-chan Frame
	IsRoot() bool
	Active() bool
	NodeCount() int
	Close() error
}
