package crypto

import (
	"bytes"
	"errors"
	"testing"
)

var testKey = []byte("0123456789ABCDEF")

func newPair(t *testing.T) (*MeshCipher, *MeshCipher) {
	t.Helper()
	tx, err := NewMeshCipher(testKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	rx, err := NewMeshCipher(testKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return tx, rx
}

func TestSealOpenRoundTrip(t *testing.T) {
	tx, rx := newPair(t)
	for n := 0; n <= 4*BlockSize+3; n++ {
		plain := bytes.Repeat([]byte{byte(n)}, n)
		frame, err := tx.Seal(plain)
		if err != nil {
			t.Fatalf("seal %d: %v", n, err)
		}
		if len(frame)%BlockSize != 0 || len(frame) < 2*BlockSize {
			t.Fatalf("len %d: frame size %d not aligned", n, len(frame))
		}
		if len(frame) > n+Overhead {
			t.Fatalf("len %d: frame size %d exceeds overhead", n, len(frame))
		}
		got, err := rx.Open(frame)
		if err != nil {
			t.Fatalf("open %d: %v", n, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("len %d: got %x want %x", n, got, plain)
		}
	}
}

func TestOpenRejectsReplay(t *testing.T) {
	tx, rx := newPair(t)
	frame, err := tx.Seal([]byte(`{"hello":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rx.Open(frame); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := rx.Open(frame); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("replay: got %v want ErrDuplicate", err)
	}

	// 只记住最后一个 IV，中间插入其他报文后旧报文会再次被接受
	other, _ := tx.Seal([]byte("other"))
	if _, err := rx.Open(other); err != nil {
		t.Fatalf("other: %v", err)
	}
	if _, err := rx.Open(frame); err != nil {
		t.Fatalf("older frame after another: %v", err)
	}
}

func TestOpenRejectsBadLength(t *testing.T) {
	_, rx := newPair(t)
	for _, n := range []int{0, 15, 16, 31, 33, 47} {
		if _, err := rx.Open(make([]byte, n)); !errors.Is(err, ErrFrameSize) {
			t.Errorf("len %d: got %v want ErrFrameSize", n, err)
		}
	}
}

func TestOpenBitFlip(t *testing.T) {
	tx, _ := newPair(t)
	plain := []byte("the quick brown fox jumps over the lazy dog")
	frame, err := tx.Seal(plain)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(frame); i++ {
		for bit := 0; bit < 8; bit++ {
			_, rx := newPair(t)
			bad := append([]byte(nil), frame...)
			bad[i] ^= 1 << bit
			got, err := rx.Open(bad)
			if err == nil && bytes.Equal(got, plain) {
				t.Fatalf("flip byte %d bit %d produced original plaintext", i, bit)
			}
		}
	}
}

func TestNewMeshCipherKeySize(t *testing.T) {
	if _, err := NewMeshCipher([]byte("short")); !errors.Is(err, ErrKeySize) {
		t.Fatalf("got %v want ErrKeySize", err)
	}
}

func TestSealUsesFreshIV(t *testing.T) {
	tx, rx := newPair(t)
	fixed := bytes.Repeat([]byte{0xA5}, BlockSize)
	tx.random = func(n int) ([]byte, error) { return fixed[:n], nil }

	a, err := tx.Seal([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a[len(a)-BlockSize:], fixed) {
		t.Fatalf("iv not appended: % X", a[len(a)-BlockSize:])
	}
	b, _ := tx.Seal([]byte("hello"))
	if !bytes.Equal(a, b) {
		t.Fatal("same iv and plaintext gave different frames")
	}
	if _, err := rx.Open(a); err != nil {
		t.Fatal(err)
	}
	if _, err := rx.Open(b); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("repeated iv: %v", err)
	}

	tx.random = func(int) ([]byte, error) { return nil, errors.New("no entropy") }
	if _, err := tx.Seal([]byte("hello")); err == nil {
		t.Fatal("seal without iv succeeded")
	}

	iv1, _ := GenerateRandomBytes(BlockSize)
	iv2, _ := GenerateRandomBytes(BlockSize)
	if len(iv1) != BlockSize || bytes.Equal(iv1, iv2) {
		t.Fatalf("random bytes % X % X", iv1, iv2)
	}
}
