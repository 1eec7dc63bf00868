package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSigningHash_DistinguishesFields(t *testing.T) {
	base := Tx{
		Kind:        TxAllocate,
		Round:       7,
		Sender:      common.HexToAddress("0x01"),
		Allocations: []uint64{10, 20},
		Nonce:       common.HexToHash("0xaa"),
	}

	variants := []Tx{base, base, base, base, base}
	variants[1].Kind = TxCheckpoint
	variants[2].Round = 8
	variants[3].Allocations = []uint64{10, 20, 0}
	variants[4].Nonce = common.HexToHash("0xbb")

	seen := make(map[common.Hash]int)
	for i := range variants {
		h := variants[i].SigningHash()
		if prev, dup := seen[h]; dup {
			t.Fatalf("variants %d and %d share a signing hash", prev, i)
		}
		seen[h] = i
	}

	// Deterministic across calls.
	if base.SigningHash() != variants[0].SigningHash() {
		t.Fatalf("signing hash not deterministic")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tx := &Tx{
		Kind:        TxAllocate,
		Round:       1,
		Sender:      crypto.PubkeyToAddress(key.PublicKey),
		Allocations: []uint64{5},
		Nonce:       common.HexToHash("0x01"),
	}
	if err := tx.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub, err := crypto.SigToPub(tx.SigningHash().Bytes(), tx.Sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != tx.Sender {
		t.Fatalf("recovered %s, want %s", got.Hex(), tx.Sender.Hex())
	}
}

func TestSign_NilKey(t *testing.T) {
	tx := &Tx{Kind: TxAllocate, Round: 1}
	if err := tx.Sign(nil); err == nil {
		t.Fatalf("Sign accepted a nil key")
	}
}

func TestID_CoversSignature(t *testing.T) {
	tx := Tx{Kind: TxAllocate, Round: 3, Nonce: common.HexToHash("0x01")}
	a, b := tx, tx
	a.Sig = []byte{1}
	b.Sig = []byte{2}
	if a.ID() == b.ID() {
		t.Fatalf("differently signed attempts share an id")
	}
}

func TestRoundAccount(t *testing.T) {
	dir := common.HexToAddress("0xd1")

	if RoundAccount(dir, 5) != RoundAccount(dir, 5) {
		t.Fatalf("round account not deterministic")
	}
	if RoundAccount(dir, 5) == RoundAccount(dir, 6) {
		t.Fatalf("adjacent rounds share an account")
	}
	if RoundAccount(dir, 5) == RoundAccount(common.HexToAddress("0xd2"), 5) {
		t.Fatalf("directories share a round account")
	}
	if RoundAccount(dir, 5) == (common.Address{}) {
		t.Fatalf("round account is the zero address")
	}
}
