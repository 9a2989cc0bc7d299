package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog/log"
)

type nodeKind uint8

const (
	kindObject nodeKind = iota
	kindArray
	kindString
	kindNumber
	kindBool
	kindNull
)

// jsonNode 保留键顺序的 JSON 树
type jsonNode struct {
	kind  nodeKind
	text  string
	keys  []string
	items []*jsonNode
}

func parseTree(data []byte) (*jsonNode, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	n, err := readNode(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return n, nil
}

func readNode(dec *json.Decoder) (*jsonNode, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			n := &jsonNode{kind: kindObject}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", kt)
				}
				v, err := readNode(dec)
				if err != nil {
					return nil, err
				}
				n.keys = append(n.keys, key)
				n.items = append(n.items, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		case '[':
			n := &jsonNode{kind: kindArray}
			for dec.More() {
				v, err := readNode(dec)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return &jsonNode{kind: kindString, text: t}, nil
	case json.Number:
		return &jsonNode{kind: kindNumber, text: t.String()}, nil
	case bool:
		return &jsonNode{kind: kindBool, text: strconv.FormatBool(t)}, nil
	case nil:
		return &jsonNode{kind: kindNull}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// errs 记录第一个错误，后续处理继续
type errs struct{ first error }

func (e *errs) note(err error) {
	if err != nil && e.first == nil {
		e.first = err
	}
}

// ApplyObject 应用一个设置 JSON 对象
//
// 键为设置全名或 数组设置名+序号(从 1 开始)。对象值按子设置处理，数组值按槽位处理，
// null 恢复默认值。出错的键跳过，返回第一个错误。
func (r *Registry) ApplyObject(data []byte) error {
	root, err := parseTree(data)
	if err != nil || root.kind != kindObject {
		return ErrNotObject
	}
	var e errs
	for i, tag := range root.keys {
		val := root.items[i]
		s, index, ok := r.match(tag)
		if !ok {
			log.Info().Str("setting", tag).Msg("Unknown setting")
			e.note(ErrUnknownSetting)
			continue
		}
		switch val.kind {
		case kindObject:
			if !s.parent {
				e.note(ErrUnexpectedObject)
				continue
			}
			r.storeSub(s, index, val, &e)
		case kindArray:
			if s.Array == 0 {
				e.note(ErrNotArray)
				continue
			}
			for _, item := range val.items {
				if index >= s.Array {
					break
				}
				switch item.kind {
				case kindObject:
					r.storeSub(s, index, item, &e)
				case kindArray:
					e.note(ErrUnexpectedArray)
				default:
					e.note(r.store1(s, index, item))
				}
				index++
			}
			for ; index < s.Array; index++ {
				r.zap(s, index, &e)
				if s.parent {
					for _, q := range r.children(s) {
						r.zap(q, index, &e)
					}
				}
			}
		default:
			e.note(r.store1(s, index, val))
		}
	}
	return e.first
}

// SetText 以文本形式设置一个值，tag 同 ApplyObject 的键
func (r *Registry) SetText(tag, text string) error {
	s, index, ok := r.match(tag)
	if !ok {
		return ErrUnknownSetting
	}
	return r.store1(s, index, &jsonNode{kind: kindString, text: text})
}

// match 解析设置键名
func (r *Registry) match(tag string) (*Setting, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byName[tag]; ok {
		return s, 0, true
	}
	for p := len(tag) - 1; p > 0 && tag[p] >= '0' && tag[p] <= '9'; p-- {
		s, ok := r.byName[tag[:p]]
		if !ok || s.Array == 0 {
			continue
		}
		n, err := strconv.Atoi(tag[p:])
		if err != nil || n < 1 || n > s.Array {
			continue
		}
		return s, n - 1, true
	}
	return nil, 0, false
}

// children 父设置的子设置
func (r *Registry) children(parent *Setting) []*Setting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Setting
	for _, q := range r.list {
		if q.child && len(q.Name) > len(parent.Name) && q.Name[:len(parent.Name)] == parent.Name {
			out = append(out, q)
		}
	}
	return out
}

// storeSub 按对象设置父设置的子设置，未出现的子设置恢复默认值
func (r *Registry) storeSub(parent *Setting, index int, obj *jsonNode, e *errs) {
	used := make(map[*Setting]bool)
	for i, tag := range obj.keys {
		q := r.Lookup(parent.Name + tag)
		if q == nil || !q.child {
			log.Info().Str("setting", parent.Name+tag).Msg("Unknown setting")
			e.note(ErrUnknownSetting)
			continue
		}
		used[q] = true
		e.note(r.store1(q, index, obj.items[i]))
	}
	for _, q := range r.children(parent) {
		if !used[q] {
			r.zap(q, index, e)
		}
	}
}

// store1 设置一个 JSON 标量
func (r *Registry) store1(s *Setting, index int, val *jsonNode) error {
	s = s.target()
	switch val.kind {
	case kindNumber, kindString, kindBool:
		value := []byte(val.text)
		if val.kind == kindString && s.Kind.binary() {
			b, err := decodeBinary(s, val.text)
			if err != nil {
				return err
			}
			value = b
		}
		if value == nil {
			value = []byte{}
		}
		return r.apply(s, index, value, false, 0)
	case kindNull:
		return r.apply(s, index, nil, true, 0)
	}
	return ErrBadDataType
}

// zap 恢复默认值，别名父设置跳过
func (r *Registry) zap(s *Setting, index int, e *errs) {
	if s.isDup() {
		return
	}
	e.note(r.apply(s, index, nil, true, 0))
}
