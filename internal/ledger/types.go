package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type TxKind string

const (
	TxAllocate   TxKind = "allocate"
	TxCheckpoint TxKind = "checkpoint"
)

// Tx is a round-protocol transaction. Allocations is only meaningful for
// TxAllocate; a checkpoint settles the sender's participation in Round.
type Tx struct {
	Kind        TxKind         `json:"kind"`
	Round       uint64         `json:"round"`
	Sender      common.Address `json:"sender"`
	Allocations []uint64       `json:"allocations,omitempty"`
	Nonce       common.Hash    `json:"nonce"`
	Sig         hexutil.Bytes  `json:"sig,omitempty"`
}

// SigningHash is the digest covered by Sig. The encoding is length-prefixed
// so that no two distinct transactions share a preimage.
func (tx *Tx) SigningHash() common.Hash {
	var buf bytes.Buffer
	buf.WriteString(string(tx.Kind))
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.BigEndian, tx.Round)
	buf.Write(tx.Sender.Bytes())
	_ = binary.Write(&buf, binary.BigEndian, uint64(len(tx.Allocations)))
	for _, a := range tx.Allocations {
		_ = binary.Write(&buf, binary.BigEndian, a)
	}
	buf.Write(tx.Nonce.Bytes())
	return crypto.Keccak256Hash(buf.Bytes())
}

func (tx *Tx) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("signing key required")
	}
	sig, err := crypto.Sign(tx.SigningHash().Bytes(), key)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	tx.Sig = sig
	return nil
}

// ID is the transaction identifier the ledger reports back on submission.
// It covers the signature, so two signed attempts with different nonces
// never collide.
func (tx *Tx) ID() common.Hash {
	h := tx.SigningHash()
	return crypto.Keccak256Hash(append(h.Bytes(), tx.Sig...))
}

// TxStatus is one entry of a batch status lookup. A nil *TxStatus in a batch
// response means the ledger does not (yet) know the identifier.
type TxStatus struct {
	ID      common.Hash `json:"id"`
	Settled bool        `json:"settled"`
	Ok      bool        `json:"ok"`
	Err     string      `json:"err,omitempty"`
}

// RoundAccount derives the state-object address for one round of the
// directory's protocol instance.
func RoundAccount(directory common.Address, round uint64) common.Address {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], round)
	h := crypto.Keccak256(directory.Bytes(), []byte("round"), be[:])
	return common.BytesToAddress(h[12:])
}
