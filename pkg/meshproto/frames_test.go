package meshproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseMAC(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ABCDEF123456", "ABCDEF123456", false},
		{"abcdef123456", "ABCDEF123456", false},
		{"AB:CD:EF:12:34:56", "ABCDEF123456", false},
		{"ABCDEF12345", "", true},
		{"ABCDEF12345G", "", true},
	}
	for _, tt := range tests {
		m, err := ParseMAC(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMAC(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMAC(%q): %v", tt.in, err)
			continue
		}
		if m.String() != tt.want {
			t.Errorf("ParseMAC(%q) = %s, want %s", tt.in, m, tt.want)
		}
	}
}

func TestBinID(t *testing.T) {
	m := MAC{0, 0, 0, 0, 0x12, 0x34}
	if m.BinID() != 0x1234 {
		t.Fatalf("BinID = %X", m.BinID())
	}
}

func TestStartFrame(t *testing.T) {
	f, err := StartFrame(0x123456)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f, []byte{0x50, 0x12, 0x34, 0x56}) {
		t.Fatalf("frame %X", f)
	}
	size, ok := StartSize(f)
	if !ok || size != 0x123456 {
		t.Fatalf("StartSize = %d %v", size, ok)
	}
	if AckFor(f) != 0xA0 {
		t.Fatalf("ack %X", AckFor(f))
	}
	if _, err := StartFrame(MaxImageSize + 1); err == nil {
		t.Fatal("expected error for oversize image")
	}
}

func TestSplitAndSeq(t *testing.T) {
	op, seq, err := Split([]byte{Header(OpData, 0x1F)})
	if err != nil || op != OpData || seq != 0xF {
		t.Fatalf("Split = %v %d %v", op, seq, err)
	}
	if NextSeq(0xF) != 0 {
		t.Fatal("sequence should wrap")
	}
	if _, _, err := Split(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("got %v", err)
	}
}

func TestRelayMessage(t *testing.T) {
	in := RelayMessage{Tag: RootTag(0x3, true), Topic: "state/node", Payload: []byte(`{"up":1}`)}
	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var out RelayMessage
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if out.Topic != in.Topic || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("got %+v", out)
	}
	if out.Clients() != 3 || !out.Retain() {
		t.Fatalf("tag %X", out.Tag)
	}
	if err := out.UnmarshalBinary([]byte{1, 'a', 'b'}); !errors.Is(err, ErrNoTopic) {
		t.Fatalf("got %v", err)
	}
}
