package meshproto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// MAC 6 字节硬件地址，同时也是节点 ID
type MAC [6]byte

// Broadcast 广播地址
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// String returns the 12 character upper case hex form
func (m MAC) String() string {
	return strings.ToUpper(hex.EncodeToString(m[:]))
}

// IsBroadcast 是否广播地址
func (m MAC) IsBroadcast() bool {
	return m == Broadcast
}

// BinID returns the address as a 48 bit integer
func (m MAC) BinID() uint64 {
	var v uint64
	for _, b := range m {
		v = v<<8 | uint64(b)
	}
	return v
}

// MarshalJSON implements json.Marshaler
func (m MAC) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (m *MAC) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseMAC(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMAC 解析 12 位十六进制地址 (可带 : 分隔)
func ParseMAC(s string) (MAC, error) {
	var m MAC
	s = strings.ReplaceAll(s, ":", "")
	if len(s) != 12 {
		return m, fmt.Errorf("invalid MAC length %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return m, fmt.Errorf("invalid MAC %q: %w", s, err)
	}
	copy(m[:], b)
	return m, nil
}

// Proto 节点间报文类型
type Proto uint8

const (
	// ProtoBin 升级数据 (不加密)
	ProtoBin Proto = iota
	// ProtoMQTT 转发的总线消息
	ProtoMQTT
	// ProtoJSON 节点内部 JSON 消息
	ProtoJSON
)

func (p Proto) String() string {
	switch p {
	case ProtoBin:
		return "bin"
	case ProtoMQTT:
		return "mqtt"
	case ProtoJSON:
		return "json"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// MaxPacket 单个 mesh 报文最大长度
const MaxPacket = 1472

// Pad 加密需要的额外空间
const Pad = 32
