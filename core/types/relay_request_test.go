package types

import (
	"bytes"
	"math/big"
	"testing"
)

func testRequest() *RelayRequest {
	return &RelayRequest{
		From:     HexToAddress("0x01"),
		To:       HexToAddress("0x02"),
		Value:    big.NewInt(5),
		Nonce:    7,
		GasLimit: 100_000,
		GasPrice: big.NewInt(3),
		Data:     []byte{0xca, 0xfe},
	}
}

func TestMaxExecutionCost(t *testing.T) {
	r := testRequest()
	if got := r.MaxExecutionCost(); got.Cmp(big.NewInt(300_000)) != 0 {
		t.Fatalf("MaxExecutionCost: got %v, want 300000", got)
	}
	r.GasPrice = nil
	if got := r.MaxExecutionCost(); got.Sign() != 0 {
		t.Fatalf("nil gas price: got %v, want 0", got)
	}
}

func TestPowPreimage_Layout(t *testing.T) {
	r := testRequest()
	var powNonce Hash
	powNonce[31] = 0x09
	pre := r.PowPreimage(powNonce)
	if len(pre) != 96 {
		t.Fatalf("preimage length: got %d, want 96", len(pre))
	}
	if pre[31] != 0x01 {
		t.Fatalf("from word: got %x", pre[:32])
	}
	if pre[63] != 7 {
		t.Fatalf("nonce word: got %x", pre[32:64])
	}
	if pre[95] != 0x09 {
		t.Fatalf("pow nonce word: got %x", pre[64:])
	}
}

func TestPowPreimage_IgnoresUnboundFields(t *testing.T) {
	a := testRequest()
	b := testRequest()
	b.To = HexToAddress("0xff")
	b.GasLimit = 1
	b.Data = nil
	var n Hash
	if !bytes.Equal(a.PowPreimage(n), b.PowPreimage(n)) {
		t.Fatal("preimage should only bind from and nonce")
	}
	b.Nonce++
	if bytes.Equal(a.PowPreimage(n), b.PowPreimage(n)) {
		t.Fatal("preimage should change with the relay nonce")
	}
}

func TestEncode_ExcludesAdmissionData(t *testing.T) {
	a := testRequest()
	b := testRequest()
	b.AdmissionData = []byte("proof")
	if !bytes.Equal(a.Encode(), b.Encode()) {
		t.Fatal("admission data must not affect the encoding")
	}
	b.Data = []byte{0xca}
	if bytes.Equal(a.Encode(), b.Encode()) {
		t.Fatal("payload change must affect the encoding")
	}
}

func TestChargeRefund(t *testing.T) {
	pre := Charge{TokenAmount: big.NewInt(100)}
	refund, ok := pre.Refund(Charge{TokenAmount: big.NewInt(40)})
	if !ok || refund.Int64() != 60 {
		t.Fatalf("refund: got %v ok=%v, want 60 true", refund, ok)
	}
	refund, ok = pre.Refund(Charge{TokenAmount: big.NewInt(101)})
	if ok || refund.Int64() != -1 {
		t.Fatalf("overcharge: got %v ok=%v, want -1 false", refund, ok)
	}
}
