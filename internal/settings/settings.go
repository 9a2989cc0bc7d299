package settings

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// 设置错误，文本会作为错误事件的 description 发布
var (
	ErrBadIndex         = errors.New("Bad index")
	ErrNameTooLong      = errors.New("Setting name too long")
	ErrWrongSize        = errors.New("Wrong size")
	ErrExtraData        = errors.New("Extra data on end")
	ErrSillyNumber      = errors.New("Silly number")
	ErrBadNumber        = errors.New("Bad number")
	ErrNumberTooBig     = errors.New("Number too big")
	ErrUnableToStore    = errors.New("Unable to store")
	ErrNotObject        = errors.New("Not an object")
	ErrUnknownSetting   = errors.New("Unknown setting")
	ErrUnexpectedObject = errors.New("Unexpected object")
	ErrNotArray         = errors.New("Not an array")
	ErrUnexpectedArray  = errors.New("Unexpected array")
	ErrBadDataType      = errors.New("Bad data type")
	ErrBadEncoding      = errors.New("Bad encoding")
	ErrDuplicate        = errors.New("duplicate setting")
	ErrBadDefinition    = errors.New("bad setting definition")
)

// MaxKeyLen NVS 键名最大长度
const MaxKeyLen = 15

// Kind 设置的存储形态
type Kind uint8

const (
	// Unsigned 无符号整数，Width 为 1/2/4/8
	Unsigned Kind = iota
	// Signed 有符号整数
	Signed
	// Bool 布尔，数组时每个槽位一位
	Bool
	// Bitfield 前缀字母位 + 数值，默认值以 "legend default" 形式给出
	Bitfield
	// FixedBinary 定长二进制
	FixedBinary
	// Binary 变长二进制
	Binary
	// String 字符串
	String
)

func (k Kind) String() string {
	switch k {
	case Unsigned:
		return "unsigned"
	case Signed:
		return "signed"
	case Bool:
		return "bool"
	case Bitfield:
		return "bitfield"
	case FixedBinary:
		return "fixed-binary"
	case Binary:
		return "binary"
	case String:
		return "string"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// numeric 是否按整数解析
func (k Kind) numeric() bool {
	return k == Unsigned || k == Signed || k == Bitfield
}

// binary 是否二进制
func (k Kind) binary() bool {
	return k == FixedBinary || k == Binary
}

// variable 变长类型 (没有逐槽位默认值)
func (k Kind) variable() bool {
	return k == String || k == Binary
}

// Flag 设置行为标志
type Flag uint8

const (
	// Live 修改立即生效，否则安排重启
	Live Flag = 1 << iota
	// Secret 不出现在设置导出中 (作为父设置时除外)
	Secret
	// Hex 十六进制文本形式
	Hex
	// Set 最高位表示已设置
	Set
	// Fix 默认值也写入 flash
	Fix
)

// Definition 设置定义
type Definition struct {
	Name    string
	Array   int
	Kind    Kind
	Width   int
	Flags   Flag
	Default string
	// Alias 父设置镜像的子设置全名，父设置本身不保存值
	Alias string
}

// slot 单个数组槽位的值
type slot struct {
	num  uint64
	on   bool
	data []byte
}

// Setting 已注册的设置
type Setting struct {
	Definition

	reg    *Registry
	parent bool
	child  bool
	alias  *Setting
	set    bool
	slots  []slot
}

// key 槽位对应的 NVS 键名
func (s *Setting) key(index int) string {
	if s.Array > 0 {
		return fmt.Sprintf("%s%d", s.Name, index+1)
	}
	return s.Name
}

// target 读写时实际使用的设置 (别名父设置指向子设置)
func (s *Setting) target() *Setting {
	if s.Alias != "" && s.alias != nil {
		return s.alias
	}
	return s
}

// isDup 别名父设置
func (s *Setting) isDup() bool {
	return s.Alias != ""
}

// IsParent 是否父设置
func (s *Setting) IsParent() bool { return s.parent }

// IsChild 是否子设置
func (s *Setting) IsChild() bool { return s.child }

// Len 槽位数
func (s *Setting) Len() int {
	if s.Array > 0 {
		return s.Array
	}
	return 1
}

// legend 位域说明字符
func (s *Setting) legend() string {
	if s.Kind != Bitfield {
		return ""
	}
	if i := strings.IndexByte(s.Default, ' '); i >= 0 {
		return s.Default[:i]
	}
	return s.Default
}

// defaultText 槽位的默认文本，空串表示没有默认值
func (s *Setting) defaultText(index int) string {
	d := s.Default
	if s.Kind == Bitfield {
		if i := strings.IndexByte(d, ' '); i >= 0 {
			d = d[i+1:]
		} else {
			d = ""
		}
	}
	d = strings.TrimPrefix(d, `"`)
	if index > 0 && d != "" {
		if s.Kind.variable() {
			return ""
		}
		for i := index; i > 0 && d != ""; i-- {
			if j := strings.IndexByte(d, ' '); j >= 0 {
				d = d[j+1:]
			} else {
				d = ""
			}
		}
	}
	return d
}

// hasDefault 导出时是否认为有非平凡默认值
func (s *Setting) hasDefault() bool {
	d := s.Default
	if s.Kind == Bitfield {
		if i := strings.IndexByte(d, ' '); i >= 0 {
			d = d[i+1:]
		} else {
			d = ""
		}
	}
	if d == "" {
		return false
	}
	if s.Kind == Bool && !strings.ContainsRune("YytT1", rune(d[0])) {
		return false
	}
	if !s.Kind.variable() && d == "0" {
		return false
	}
	return true
}

// isEmpty 槽位是否为空值
func (s *Setting) isEmpty(index int) bool {
	v := s.slots[index]
	switch s.Kind {
	case Bool:
		return !v.on
	case String, Binary:
		return len(v.data) == 0
	case FixedBinary:
		for _, b := range v.data {
			if b != 0 {
				return false
			}
		}
		return true
	}
	return v.num == 0
}

// encode 槽位的持久化编码
func (s *Setting) encode(v slot) []byte {
	switch s.Kind {
	case Bool:
		if v.on {
			return []byte{1}
		}
		return []byte{0}
	case String, Binary, FixedBinary:
		return append([]byte{}, v.data...)
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v.num)
	return out[:s.Width]
}

// decode 从持久化编码恢复槽位，长度不符时返回 false
func (s *Setting) decode(data []byte) (slot, bool) {
	switch s.Kind {
	case Bool:
		if len(data) != 1 {
			return slot{}, false
		}
		return slot{on: data[0] != 0}, true
	case String, Binary:
		return slot{data: append([]byte{}, data...)}, true
	case FixedBinary:
		if len(data) != s.Width {
			return slot{}, false
		}
		return slot{data: append([]byte{}, data...)}, true
	}
	if len(data) != s.Width {
		return slot{}, false
	}
	buf := make([]byte, 8)
	copy(buf, data)
	return slot{num: binary.LittleEndian.Uint64(buf)}, true
}

func (s *Setting) zero() slot {
	if s.Kind == FixedBinary {
		return slot{data: make([]byte, s.Width)}
	}
	return slot{}
}
