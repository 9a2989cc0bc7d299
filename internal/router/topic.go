package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrBadJSON 负载以 JSON 开头但无法解析
var ErrBadJSON = errors.New("Bad JSON")

// Topic 拆分后的主题
type Topic struct {
	Prefix string
	// App 主题中带有应用名段
	App    bool
	Target *string
	Suffix *string
}

// ParseTopic 拆分 prefix[/app]/target/suffix
//
// appPrefix 为 true 时，prefix 之后恰好等于 app 的段被跳过。
func ParseTopic(topic, app string, appPrefix bool) Topic {
	var t Topic
	rest, more := cut(topic)
	t.Prefix = rest.head
	if appPrefix && more {
		if seg, _ := cut(rest.tail); seg.head == app {
			t.App = true
			rest = seg
			more = seg.more
		}
	}
	if !more {
		return t
	}
	seg, _ := cut(rest.tail)
	target := seg.head
	t.Target = &target
	if seg.more {
		suffix := seg.tail
		t.Suffix = &suffix
	}
	return t
}

type segment struct {
	head string
	tail string
	more bool
}

func cut(s string) (segment, bool) {
	head, tail, found := strings.Cut(s, "/")
	return segment{head: head, tail: tail, more: found}, found
}

// Coerce 把非 JSON 负载转换为 JSON
//
// 以 " { [ 开头的负载按 JSON 校验；其它负载在 key 非空时变成 {key: 文本}，
// 否则 true/false 和十进制数按字面量，其余按字符串。空负载返回 nil。
func Coerce(payload []byte, key *string) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if looksJSON(payload) {
		if !json.Valid(payload) {
			return json.RawMessage(payload), ErrBadJSON
		}
		return json.RawMessage(payload), nil
	}
	if key != nil {
		var buf bytes.Buffer
		buf.WriteByte('{')
		k, _ := json.Marshal(*key)
		buf.Write(k)
		buf.WriteByte(':')
		v, _ := json.Marshal(string(payload))
		buf.Write(v)
		buf.WriteByte('}')
		return json.RawMessage(buf.Bytes()), nil
	}
	if isLiteral(payload) {
		return json.RawMessage(payload), nil
	}
	s, _ := json.Marshal(string(payload))
	return json.RawMessage(s), nil
}

// isLiteral true、false 或 -?digits(.digits)?
func isLiteral(p []byte) bool {
	if string(p) == "true" || string(p) == "false" {
		return true
	}
	q := 0
	if q+1 < len(p) && p[q] == '-' && isDigit(p[q+1]) {
		q++
	}
	start := q
	for q < len(p) && isDigit(p[q]) {
		q++
	}
	if q == start {
		return false
	}
	if q+1 < len(p) && p[q] == '.' && isDigit(p[q+1]) {
		q++
		for q < len(p) && isDigit(p[q]) {
			q++
		}
	}
	return q == len(p) && json.Valid(p)
}

// looksJSON 负载以 JSON 字符串、对象或数组开头
func looksJSON(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	switch p[0] {
	case '"', '{', '[':
		return true
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
