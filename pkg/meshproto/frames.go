package meshproto

import (
	"bytes"
	"errors"
	"fmt"
)

// Opcode 升级中继子协议操作码 (首字节高 4 位)
type Opcode byte

// 升级中继操作码
const (
	OpStart Opcode = 0x5
	OpData  Opcode = 0xD
	OpEnd   Opcode = 0xE
	OpAck   Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpStart:
		return "start"
	case OpData:
		return "data"
	case OpEnd:
		return "end"
	case OpAck:
		return "ack"
	}
	return fmt.Sprintf("op(%X)", byte(o))
}

// MaxImageSize START 帧中 24 位长度的上限
const MaxImageSize = 1<<24 - 1

// 帧错误
var (
	ErrEmptyFrame = errors.New("empty frame")
	ErrNoTopic    = errors.New("relay frame missing topic terminator")
)

// Header 组合操作码和 4 位序号
func Header(op Opcode, seq uint8) byte {
	return byte(op)<<4 | seq&0x0F
}

// Split 拆分帧首字节
func Split(frame []byte) (Opcode, uint8, error) {
	if len(frame) == 0 {
		return 0, 0, ErrEmptyFrame
	}
	return Opcode(frame[0] >> 4), frame[0] & 0x0F, nil
}

// StartFrame 构造 START 帧，序号固定为 0
func StartFrame(size int) ([]byte, error) {
	if size <= 0 || size > MaxImageSize {
		return nil, fmt.Errorf("image size %d out of range", size)
	}
	return []byte{Header(OpStart, 0), byte(size >> 16), byte(size >> 8), byte(size)}, nil
}

// StartSize 解析 START 帧中的镜像长度
func StartSize(frame []byte) (int, bool) {
	if len(frame) != 4 || Opcode(frame[0]>>4) != OpStart {
		return 0, false
	}
	return int(frame[1])<<16 | int(frame[2])<<8 | int(frame[3]), true
}

// AckFor 对某帧的确认字节
func AckFor(frame []byte) byte {
	if len(frame) == 0 {
		return 0
	}
	return Header(OpAck, frame[0]&0x0F)
}

// NextSeq 下一个序号
func NextSeq(seq uint8) uint8 {
	return (seq + 1) & 0x0F
}

// RelayMessage 经 mesh 转发的总线消息
//
// 发往根节点时 Tag 为总线掩码，第 7 位表示 retain；发往叶子节点时 Tag 为总线编号。
type RelayMessage struct {
	Tag     byte
	Topic   string
	Payload []byte
}

// RootTag 构造发往根节点的 Tag
func RootTag(clients uint8, retain bool) byte {
	t := clients & 0x7F
	if retain {
		t |= 0x80
	}
	return t
}

// Clients 总线掩码
func (m RelayMessage) Clients() uint8 {
	return m.Tag & 0x7F
}

// Retain 是否保留消息
func (m RelayMessage) Retain() bool {
	return m.Tag&0x80 != 0
}

// MarshalBinary 编码为 tag + topic + 0 + payload
func (m RelayMessage) MarshalBinary() ([]byte, error) {
	if bytes.IndexByte([]byte(m.Topic), 0) >= 0 {
		return nil, fmt.Errorf("topic contains NUL")
	}
	out := make([]byte, 0, 2+len(m.Topic)+len(m.Payload))
	out = append(out, m.Tag)
	out = append(out, m.Topic...)
	out = append(out, 0)
	out = append(out, m.Payload...)
	return out, nil
}

// UnmarshalBinary 解码转发消息
func (m *RelayMessage) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}
	end := bytes.IndexByte(data[1:], 0)
	if end < 0 {
		return ErrNoTopic
	}
	m.Tag = data[0]
	m.Topic = string(data[1 : 1+end])
	m.Payload = append([]byte(nil), data[2+end:]...)
	return nil
}
