package settings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/storage"
)

// CommitDelay 设置写入后延迟提交 flash 的时间
const CommitDelay = 60 * time.Second

// ChangeRestartDelay 非 Live 设置修改后的重启延迟
const ChangeRestartDelay = 5 * time.Second

const storeTimeout = 5 * time.Second

// Restarter 设置修改后需要重启时调用
type Restarter interface {
	Restart(reason string, delay time.Duration)
}

// Registry 设置注册表
//
// 每个设置在内存中有一份镜像，持久化值在 store 中。注册阶段结束后设置列表不再变化。
type Registry struct {
	store     storage.Store
	restarter Restarter
	now       func() time.Time

	mu       sync.RWMutex
	list     []*Setting
	byName   map[string]*Setting
	commitAt time.Time
}

// NewRegistry creates a registry backed by store
func NewRegistry(store storage.Store, restarter Restarter) *Registry {
	return &Registry{
		store:     store,
		restarter: restarter,
		now:       time.Now,
		byName:    make(map[string]*Setting),
	}
}

// SetRestarter 设置重启调度器 (注册表先于调度器创建时使用)
func (r *Registry) SetRestarter(restarter Restarter) {
	r.mu.Lock()
	r.restarter = restarter
	r.mu.Unlock()
}

// Lookup 按全名查找设置
func (r *Registry) Lookup(name string) *Setting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Settings 按注册顺序返回所有设置
func (r *Registry) Settings() []*Setting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Setting(nil), r.list...)
}

// Register 注册设置并从存储加载每个槽位，缺失的槽位使用默认值
func (r *Registry) Register(def Definition) (*Setting, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.byName[def.Name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, def.Name)
	}
	s := &Setting{Definition: def, reg: r}
	s.slots = make([]slot, s.Len())
	for i := range s.slots {
		s.slots[i] = s.zero()
	}

	var parent *Setting
	for _, q := range r.list {
		if q.Flags&Secret == 0 || q.Array != def.Array || len(q.Name) >= len(def.Name) || !strings.HasPrefix(def.Name, q.Name) {
			continue
		}
		if parent == nil || len(q.Name) > len(parent.Name) {
			parent = q
		}
	}
	if parent != nil {
		s.child = true
		parent.parent = true
		if parent.Alias == def.Name {
			parent.alias = s
		}
	}
	for _, q := range r.list {
		if q.Alias == def.Name && q.alias == nil {
			q.alias = s
		}
	}
	r.list = append(r.list, s)
	r.byName[def.Name] = s
	r.mu.Unlock()

	if s.isDup() {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for i := range s.slots {
		data, err := r.store.Get(ctx, s.key(i))
		if err == nil {
			if v, ok := s.decode(data); ok {
				r.mu.Lock()
				s.slots[i] = v
				r.mu.Unlock()
				continue
			}
			log.Warn().Str("setting", s.key(i)).Int("len", len(data)).Msg("stored value has wrong size, using default")
		}
		if err := r.apply(s, i, nil, true, Live|(s.Flags&Fix)); err != nil {
			log.Error().Err(err).Str("setting", s.key(i)).Msg("default value rejected")
		}
	}
	return s, nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: empty name", ErrBadDefinition)
	}
	if def.Array < 0 || def.Array > 255 {
		return fmt.Errorf("%w: %s array %d", ErrBadDefinition, def.Name, def.Array)
	}
	switch def.Kind {
	case Unsigned, Signed, Bitfield:
		switch def.Width {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("%w: %s width %d", ErrBadDefinition, def.Name, def.Width)
		}
	case FixedBinary:
		if def.Width <= 0 {
			return fmt.Errorf("%w: %s width %d", ErrBadDefinition, def.Name, def.Width)
		}
	case Bool:
		if def.Array > 64 {
			return fmt.Errorf("%w: %s too many bits", ErrBadDefinition, def.Name)
		}
	case String, Binary:
	default:
		return fmt.Errorf("%w: %s kind %d", ErrBadDefinition, def.Name, def.Kind)
	}
	if def.Kind == Bitfield {
		s := &Setting{Definition: def}
		legend := s.legend()
		if legend == "" {
			return fmt.Errorf("%w: %s bitfield without legend", ErrBadDefinition, def.Name)
		}
		room := def.Width * 8
		if def.Flags&Set != 0 {
			room--
		}
		if len(legend) > room {
			return fmt.Errorf("%w: %s legend too long", ErrBadDefinition, def.Name)
		}
	}
	return nil
}

// Apply 设置一个槽位的值，value 为 nil 时恢复出厂默认值
func (r *Registry) Apply(name string, index int, value []byte) error {
	s := r.Lookup(name)
	if s == nil {
		return ErrUnknownSetting
	}
	return r.apply(s.target(), index, value, value == nil, 0)
}

// apply 解析、比较、持久化并按需更新镜像
func (r *Registry) apply(s *Setting, index int, value []byte, factory bool, extra Flag) error {
	flags := s.Flags | extra
	if index < 0 || index >= s.Len() || (s.Array == 0 && index != 0) {
		return ErrBadIndex
	}
	key := s.key(index)
	if len(key) > MaxKeyLen {
		return ErrNameTooLong
	}

	erase := false
	if factory {
		value = nil
		if d := s.defaultText(index); d != "" {
			if s.Kind.binary() {
				value, _ = decodeBinary(s, d)
			} else {
				value = []byte(d)
			}
		}
		erase = true
	}

	v, err := s.parse(flags, value)
	if err != nil {
		return err
	}
	if !factory {
		r.mu.Lock()
		s.set = true
		r.mu.Unlock()
	}
	enc := s.encode(v)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	changed := true
	if old, err := r.store.Get(ctx, key); err == nil && bytes.Equal(old, enc) {
		changed = false
	}
	if changed {
		if erase && flags&Fix == 0 {
			if err := r.store.Erase(ctx, key); errors.Is(err, storage.ErrNotFound) {
				changed = false
			}
		} else if err := r.store.Set(ctx, key, enc); err != nil {
			log.Warn().Err(err).Str("setting", key).Msg("store failed, erasing and retrying")
			if r.store.Erase(ctx, key) != nil || r.store.Set(ctx, key, enc) != nil {
				return ErrUnableToStore
			}
		}
	}

	r.mu.Lock()
	if changed {
		r.commitAt = r.now().Add(CommitDelay)
		log.Debug().Str("setting", key).Bool("erase", erase && flags&Fix == 0).Msg("设置已更新")
	}
	restarter := r.restarter
	if flags&Live != 0 {
		s.slots[index] = v
	}
	r.mu.Unlock()

	if flags&Live == 0 && changed && restarter != nil {
		restarter.Restart("Settings changed", ChangeRestartDelay)
	}
	return nil
}

// parse 把文本值解析为槽位
func (s *Setting) parse(flags Flag, value []byte) (slot, error) {
	switch s.Kind {
	case String, Binary:
		return slot{data: append([]byte{}, value...)}, nil
	case FixedBinary:
		if len(value) == 0 {
			return s.zero(), nil
		}
		if len(value) != s.Width {
			return slot{}, ErrWrongSize
		}
		return slot{data: append([]byte{}, value...)}, nil
	case Bool:
		return slot{on: len(value) > 0 && strings.IndexByte("YytT1", value[0]) >= 0}, nil
	}
	n, err := s.parseNumber(flags, value)
	if err != nil {
		return slot{}, err
	}
	return slot{num: n}, nil
}

// parseNumber 解析数值文本，包括 set 位和位域前缀
func (s *Setting) parseNumber(flags Flag, value []byte) (uint64, error) {
	bits := s.Width * 8
	signed := s.Kind == Signed
	var bitfield uint64
	if flags&Set != 0 {
		bits--
		if len(value) > 0 && value[0] != ' ' && value[0] != '"' {
			bitfield |= 1 << uint(bits)
		}
	}
	if legend := s.legend(); legend != "" {
		for len(value) > 0 {
			pos := strings.IndexByte(legend, value[0])
			if pos < 0 {
				break
			}
			m := uint64(1) << uint(bits-1-pos)
			if bitfield&m != 0 {
				break
			}
			bitfield |= m
			value = value[1:]
		}
		bits -= len(legend)
	}
	if len(value) > 0 && bits <= 0 {
		return 0, ErrExtraData
	}

	base := uint64(10)
	if flags&Hex != 0 {
		base = 16
	}
	if len(value) > 2 && value[0] == '0' && value[1] == 'x' {
		base = 16
		value = value[2:]
	}
	neg := false
	if signed && len(value) > 0 && value[0] == '-' {
		neg = true
		value = value[1:]
	}
	var v uint64
	for len(value) > 0 {
		d, ok := digit(value[0], base)
		if !ok {
			break
		}
		if v > (math.MaxUint64-d)/base {
			return 0, ErrSillyNumber
		}
		v = v*base + d
		value = value[1:]
	}
	if len(value) > 0 && value[0] != ' ' && value[0] != '"' {
		return 0, ErrBadNumber
	}
	if signed {
		bits--
	}
	dec := uint64(0)
	if v != 0 && neg {
		dec = 1
	}
	if bits < 0 || (bits < 64 && (v-dec)>>uint(bits) != 0) {
		return 0, ErrNumberTooBig
	}
	if neg {
		v = -v
	}
	if signed {
		bits++
	}
	if bits < 64 {
		v &= (uint64(1) << uint(bits)) - 1
	}
	return v | bitfield, nil
}

func digit(c byte, base uint64) (uint64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0'), true
	case base == 16 && c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10, true
	case base == 16 && c >= 'A' && c <= 'F':
		return uint64(c-'A') + 10, true
	}
	return 0, false
}

// decodeBinary 二进制设置的文本形式 (Hex 标志为十六进制，否则 base64)
func decodeBinary(s *Setting, text string) ([]byte, error) {
	if s.Flags&Hex != 0 {
		b, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
		}
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		if b, err2 := base64.RawStdEncoding.DecodeString(text); err2 == nil {
			return b, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	return b, nil
}

// CommitDue 返回待提交的时间点，没有待提交修改时为零值
func (r *Registry) CommitDue() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commitAt
}

// Commit 提交存储中的修改
func (r *Registry) Commit(ctx context.Context) error {
	r.mu.Lock()
	r.commitAt = time.Time{}
	r.mu.Unlock()
	if err := r.store.Commit(ctx); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// FactoryReset 清除全部持久化设置
func (r *Registry) FactoryReset(ctx context.Context) error {
	if err := r.store.EraseAll(ctx); err != nil {
		return fmt.Errorf("erase settings: %w", err)
	}
	return r.Commit(ctx)
}
