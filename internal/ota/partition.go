package ota

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// 分区错误
var (
	ErrNotBegun  = errors.New("partition write not begun")
	ErrSizeShort = errors.New("image incomplete")
	ErrTooLarge  = errors.New("image larger than partition")
)

// Partition 下一个可写的固件分区
type Partition interface {
	// Label 分区名
	Label() string
	// Begin 准备写入 size 字节
	Begin(size int) error
	WriteAt(p []byte, off int64) (int, error)
	// End 结束写入并校验
	End() error
	// SetBoot 下次从该分区启动
	SetBoot() error
}

// FilePartition 以目录中的文件模拟 ota_0/ota_1 两个分区
//
// 当前运行的分区记录在 boot 文件中，写入总是针对另一个分区。
type FilePartition struct {
	dir   string
	space int64

	mu      sync.Mutex
	label   string
	file    *os.File
	size    int64
	written int64
}

// NewFilePartition creates the partition pair under dir; space limits the image size (0 = unlimited)
func NewFilePartition(dir string, space int64) (*FilePartition, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	p := &FilePartition{dir: dir, space: space}
	p.label = nextLabel(p.Running())
	return p, nil
}

// Running 当前启动分区
func (p *FilePartition) Running() string {
	data, err := os.ReadFile(filepath.Join(p.dir, "boot"))
	if err != nil {
		return "factory"
	}
	return strings.TrimSpace(string(data))
}

func nextLabel(running string) string {
	if running == "ota_0" {
		return "ota_1"
	}
	return "ota_0"
}

func (p *FilePartition) Label() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.label
}

// Path 镜像文件路径
func (p *FilePartition) Path() string {
	return filepath.Join(p.dir, p.Label()+".bin")
}

func (p *FilePartition) Begin(size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.space > 0 && int64(size) > p.space {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, size, p.space)
	}
	if p.file != nil {
		p.file.Close()
	}
	f, err := os.Create(filepath.Join(p.dir, p.label+".part"))
	if err != nil {
		return fmt.Errorf("open partition %s: %w", p.label, err)
	}
	p.file = f
	p.size = int64(size)
	p.written = 0
	return nil
}

func (p *FilePartition) WriteAt(b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return 0, ErrNotBegun
	}
	if off+int64(len(b)) > p.size {
		return 0, fmt.Errorf("%w: write at %d+%d", ErrTooLarge, off, len(b))
	}
	n, err := p.file.WriteAt(b, off)
	if end := off + int64(n); end > p.written {
		p.written = end
	}
	return n, err
}

func (p *FilePartition) End() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return ErrNotBegun
	}
	f := p.file
	p.file = nil
	if err := f.Close(); err != nil {
		return fmt.Errorf("close partition %s: %w", p.label, err)
	}
	if p.written != p.size {
		return fmt.Errorf("%w: %d/%d", ErrSizeShort, p.written, p.size)
	}
	return os.Rename(filepath.Join(p.dir, p.label+".part"), filepath.Join(p.dir, p.label+".bin"))
}

func (p *FilePartition) SetBoot() error {
	p.mu.Lock()
	label := p.label
	p.mu.Unlock()
	if _, err := os.Stat(filepath.Join(p.dir, label+".bin")); err != nil {
		return fmt.Errorf("set boot %s: %w", label, err)
	}
	return os.WriteFile(filepath.Join(p.dir, "boot"), []byte(label+"\n"), 0o644)
}
