package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

// BlockSize AES 分组长度
const BlockSize = aes.BlockSize

// Overhead 加密后最多增加的字节数 (填充 + IV)
const Overhead = 2 * BlockSize

// 中继报文错误
var (
	ErrKeySize    = errors.New("mesh key must be 16 bytes")
	ErrFrameSize  = errors.New("bad mesh frame length")
	ErrDuplicate  = errors.New("duplicate mesh frame")
	ErrBadPadding = errors.New("bad mesh frame padding")
)

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}

// MeshCipher 节点间报文加解密
//
// 明文按 16 字节对齐填充，最后一个字节记录填充长度；每条报文使用随机 IV，
// IV 附在密文之后。接收方只记住最后一个接受的 IV，用于丢弃完全相同的重放。
// 这不是认证加密，篡改过的密文可能解出错误的明文。
type MeshCipher struct {
	block  cipher.Block
	random func(n int) ([]byte, error)

	mu     sync.Mutex
	lastIV [BlockSize]byte
}

// NewMeshCipher 创建加解密器，key 为 16 字节 meshkey
func NewMeshCipher(key []byte) (*MeshCipher, error) {
	if len(key) != 16 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &MeshCipher{block: block, random: GenerateRandomBytes}, nil
}

// Seal 加密一条报文，返回 密文 + IV
func (c *MeshCipher) Seal(plain []byte) ([]byte, error) {
	pad := 15 - (len(plain) & 15)
	size := len(plain) + pad + 1
	out := make([]byte, size+BlockSize)
	copy(out, plain)
	out[size-1] = byte(pad)

	iv, err := c.random(BlockSize)
	if err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	copy(out[size:], iv)
	cipher.NewCBCEncrypter(c.block, out[size:]).CryptBlocks(out[:size], out[:size])
	return out, nil
}

// Open 解密一条报文
//
// 长度检查先于重放检查，重放检查先于解密；通过重放检查的 IV 立即成为新的 lastIV。
func (c *MeshCipher) Open(frame []byte) ([]byte, error) {
	if len(frame) < 2*BlockSize || len(frame)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, len(frame))
	}
	size := len(frame) - BlockSize
	iv := frame[size:]

	c.mu.Lock()
	if bytes.Equal(c.lastIV[:], iv) {
		c.mu.Unlock()
		return nil, ErrDuplicate
	}
	copy(c.lastIV[:], iv)
	c.mu.Unlock()

	plain := make([]byte, size)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, frame[:size])

	pad := int(plain[size-1])
	if pad > 15 {
		return nil, fmt.Errorf("%w: %d", ErrBadPadding, pad)
	}
	return plain[:size-1-pad], nil
}
