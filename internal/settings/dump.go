package settings

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DumpFailure 无法放入单条消息的设置
type DumpFailure struct {
	Setting string `json:"setting"`
	Reason  string `json:"reason"`
}

// dumper 把设置成员拼接成不超过 max 字节的 JSON 对象
type dumper struct {
	max    int
	cur    []byte
	chunks [][]byte
}

func (d *dumper) size(frag []byte) int {
	n := len(frag) + 2
	if len(d.cur) > 0 {
		n += len(d.cur) + 1
	}
	return n
}

func (d *dumper) flush() {
	if len(d.cur) == 0 {
		return
	}
	out := make([]byte, 0, len(d.cur)+2)
	out = append(out, '{')
	out = append(out, d.cur...)
	out = append(out, '}')
	d.chunks = append(d.chunks, out)
	d.cur = nil
}

// add 追加成员，当前对象放不下时先发送当前对象再重试
func (d *dumper) add(frag []byte) bool {
	if frag == nil {
		return true
	}
	if d.size(frag) > d.max {
		if len(d.cur) == 0 {
			return false
		}
		d.flush()
		if d.size(frag) > d.max {
			return false
		}
	}
	if len(d.cur) > 0 {
		d.cur = append(d.cur, ',')
	}
	d.cur = append(d.cur, frag...)
	return true
}

// Dump 导出非默认设置，每块是一个不超过 max 字节的 JSON 对象
func (r *Registry) Dump(max int) ([][]byte, []DumpFailure) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := &dumper{max: max}
	var fails []DumpFailure
	for _, s := range r.list {
		if (s.Flags&Secret != 0 && !s.parent) || s.child {
			continue
		}
		if d.add(r.renderSetting(s)) {
			continue
		}
		if s.Array == 0 {
			fails = append(fails, DumpFailure{Setting: s.Name, Reason: tooBig(len(r.renderSetting(s)), max)})
			continue
		}
		for n := 0; n < r.usedSlots(s); n++ {
			tag := fmt.Sprintf("%s%d", s.Name, n+1)
			var frag []byte
			if s.parent {
				if n == 0 && s.hasDefault() || !s.target().isEmpty(n) {
					frag = member(tag, r.renderSub(s, n))
				}
			} else {
				frag = member(tag, renderValue(s, n))
			}
			if !d.add(frag) {
				fails = append(fails, DumpFailure{Setting: tag, Reason: tooBig(len(frag), max)})
			}
		}
	}
	d.flush()
	return d.chunks, fails
}

func tooBig(n, max int) string {
	return fmt.Sprintf("message too big (%d > %d)", n+2, max)
}

// usedSlots 去掉末尾空槽位后的槽位数
func (r *Registry) usedSlots(s *Setting) int {
	if s.Array == 0 {
		return 0
	}
	n := s.Array
	if s.Kind != Bool {
		t := s.target()
		for n > 0 && t.isEmpty(n-1) {
			n--
		}
	}
	return n
}

// renderSetting 设置的完整成员文本，不需要导出时返回 nil
func (r *Registry) renderSetting(s *Setting) []byte {
	t := s.target()
	n := r.usedSlots(s)
	switch {
	case s.parent && s.Array > 0:
		if n == 0 && !s.hasDefault() {
			return nil
		}
		parts := make([][]byte, n)
		for i := 0; i < n; i++ {
			parts[i] = r.renderSub(s, i)
		}
		return member(s.Name, joinArray(parts))
	case s.parent:
		if !s.hasDefault() && t.isEmpty(0) {
			return nil
		}
		return member(s.Name, r.renderSub(s, 0))
	case s.Array > 0:
		if n == 0 && !s.hasDefault() {
			return nil
		}
		parts := make([][]byte, n)
		for i := 0; i < n; i++ {
			parts[i] = renderValue(s, i)
		}
		return member(s.Name, joinArray(parts))
	}
	if !s.hasDefault() && t.isEmpty(0) {
		return nil
	}
	return member(s.Name, renderValue(s, 0))
}

// renderSub 父设置槽位对应的子设置对象
func (r *Registry) renderSub(parent *Setting, index int) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, q := range r.list {
		if !q.child || len(q.Name) <= len(parent.Name) || !strings.HasPrefix(q.Name, parent.Name) {
			continue
		}
		if !(index == 0 && q.hasDefault()) && q.isEmpty(index) {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(member(q.Name[len(parent.Name):], renderValue(q, index)))
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func member(name string, value []byte) []byte {
	k, _ := json.Marshal(name)
	out := make([]byte, 0, len(k)+1+len(value))
	out = append(out, k...)
	out = append(out, ':')
	return append(out, value...)
}

func joinArray(parts [][]byte) []byte {
	return append(append([]byte{'['}, bytes.Join(parts, []byte{','})...), ']')
}

// renderValue 单个槽位的 JSON 值
func renderValue(s *Setting, index int) []byte {
	s = s.target()
	v := s.slots[index]
	switch s.Kind {
	case Bool:
		return []byte(strconv.FormatBool(v.on))
	case String:
		out, _ := json.Marshal(string(v.data))
		return out
	case Binary, FixedBinary:
		var text string
		if s.Flags&Hex != 0 {
			text = strings.ToUpper(fmt.Sprintf("%x", v.data))
		} else {
			text = base64.StdEncoding.EncodeToString(v.data)
		}
		out, _ := json.Marshal(text)
		return out
	}
	text := s.formatNumber(v.num)
	if isLiteral(text) && s.Flags&Hex == 0 {
		return []byte(text)
	}
	out, _ := json.Marshal(text)
	return out
}

// formatNumber 数值的文本形式，与 parseNumber 互逆
func (s *Setting) formatNumber(v uint64) string {
	bits := s.Width * 8
	if s.Flags&Set != 0 {
		bits--
		if v>>uint(bits)&1 == 0 {
			return ""
		}
	}
	var sb strings.Builder
	for _, c := range []byte(s.legend()) {
		bits--
		if v>>uint(bits)&1 == 1 {
			sb.WriteByte(c)
		}
	}
	neg := false
	if s.Kind == Signed {
		bits--
		neg = v>>uint(bits)&1 == 1
	}
	if neg {
		// 取反包括符号位，最小值的绝对值需要 bits+1 位
		sb.WriteByte('-')
		v = -v
		if bits+1 < 64 {
			v &= uint64(1)<<uint(bits+1) - 1
		}
	} else if bits < 64 {
		v &= uint64(1)<<uint(bits) - 1
	}
	if s.Flags&Hex != 0 {
		fmt.Fprintf(&sb, "%X", v)
	} else if bits > 0 {
		sb.WriteString(strconv.FormatUint(v, 10))
	}
	return sb.String()
}

// isLiteral 文本是否可直接作为 JSON 数字
func isLiteral(text string) bool {
	t := strings.TrimPrefix(text, "-")
	if t == "" {
		return false
	}
	if t[0] == '0' {
		return len(t) == 1
	}
	for _, c := range []byte(t) {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
