package settings

import (
	"strings"
)

func (s *Setting) read(index int) (slot, bool) {
	t := s.target()
	if index < 0 || index >= len(t.slots) {
		return slot{}, false
	}
	r := t.reg
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := t.slots[index]
	return v, true
}

// Text 字符串值
func (s *Setting) Text(index int) string {
	v, _ := s.read(index)
	return string(v.data)
}

// Bytes 二进制值的副本
func (s *Setting) Bytes(index int) []byte {
	v, _ := s.read(index)
	return append([]byte(nil), v.data...)
}

// Bool 布尔值
func (s *Setting) Bool(index int) bool {
	v, _ := s.read(index)
	return v.on
}

// Raw 数值的原始位 (包含 set 位和位域)
func (s *Setting) Raw(index int) uint64 {
	v, _ := s.read(index)
	return v.num
}

// Uint 去掉 set 位和位域后的数值
func (s *Setting) Uint(index int) uint64 {
	t := s.target()
	v, _ := s.read(index)
	bits := t.Width * 8
	if t.Flags&Set != 0 {
		bits--
	}
	bits -= len(t.legend())
	if bits >= 64 {
		return v.num
	}
	if bits <= 0 {
		return 0
	}
	return v.num & (uint64(1)<<uint(bits) - 1)
}

// Int 有符号值，按宽度做符号扩展
func (s *Setting) Int(index int) int64 {
	t := s.target()
	v, _ := s.read(index)
	shift := uint(64 - t.Width*8)
	return int64(v.num<<shift) >> shift
}

// IsSet Set 标志设置的最高位
func (s *Setting) IsSet(index int) bool {
	t := s.target()
	if t.Flags&Set == 0 {
		return false
	}
	v, _ := s.read(index)
	return v.num>>uint(t.Width*8-1)&1 == 1
}

// Legend 已置位的位域字符
func (s *Setting) Legend(index int) string {
	t := s.target()
	legend := t.legend()
	if legend == "" {
		return ""
	}
	v, _ := s.read(index)
	bits := t.Width * 8
	if t.Flags&Set != 0 {
		bits--
	}
	var sb strings.Builder
	for i := 0; i < len(legend); i++ {
		bits--
		if v.num>>uint(bits)&1 == 1 {
			sb.WriteByte(legend[i])
		}
	}
	return sb.String()
}

// Explicit 是否被显式设置过 (而不是使用默认值)
func (s *Setting) Explicit() bool {
	t := s.target()
	t.reg.mu.RLock()
	defer t.reg.mu.RUnlock()
	return t.set
}
