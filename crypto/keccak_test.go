package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/eth2030/tokenrelay/core/types"
)

func TestKeccak256EmptyString(t *testing.T) {
	got := hex.EncodeToString(Keccak256([]byte{}))
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got != want {
		t.Errorf("Keccak256(empty) = %s, want %s", got, want)
	}
}

func TestKeccak256MultipleInputs(t *testing.T) {
	combined := Keccak256([]byte("helloworld"))
	separate := Keccak256([]byte("hello"), []byte("world"))
	if hex.EncodeToString(combined) != hex.EncodeToString(separate) {
		t.Errorf("Keccak256 multi-input mismatch: %x != %x", combined, separate)
	}
}

func TestKeccak256Hash(t *testing.T) {
	h := Keccak256Hash([]byte("hello"))
	want := types.HexToHash("1c8aff950685c2ed4bc3174f3472287b56d9517b9c948127319a09a7a36deac8")
	if h != want {
		t.Errorf("Keccak256Hash(hello) = %v, want %v", h, want)
	}
}

func TestLeadingZeroBits(t *testing.T) {
	tests := []struct {
		name string
		hash types.Hash
		want int
	}{
		{"top bit set", types.Hash{0x80}, 0},
		{"one zero bit", types.Hash{0x40}, 1},
		{"first byte zero", types.Hash{0x00, 0xff}, 8},
		{"twelve bits", types.Hash{0x00, 0x0f}, 12},
		{"last bit only", types.BytesToHash([]byte{0x01}), 255},
		{"all zero", types.Hash{}, 256},
	}
	for _, tt := range tests {
		if got := LeadingZeroBits(tt.hash); got != tt.want {
			t.Errorf("%s: LeadingZeroBits = %d, want %d", tt.name, got, tt.want)
		}
	}
}
