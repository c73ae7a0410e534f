package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/echolog/echolog/internal/storage"
)

// Genesis is the digest of an empty log.
const Genesis = "genesis"

func CalculateString(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// EntryHash hashes a single entry. The sequence is part of the input so two
// entries carrying the same payload at different positions never collide.
func EntryHash(seq uint64, payload string) string {
	buf := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint64(buf, seq)
	buf = append(buf, payload...)
	hash := sha256.Sum256(buf)
	return hex.EncodeToString(hash[:])
}

// Chain folds entries into a running digest. Two logs have the same digest
// only if they contain the same entries in the same order.
type Chain struct {
	previousHash string
}

func NewChain() *Chain {
	return &Chain{
		previousHash: Genesis,
	}
}

func (c *Chain) Add(seq uint64, payload string) string {
	c.previousHash = CalculateString(c.previousHash + EntryHash(seq, payload))
	return c.previousHash
}

func (c *Chain) Current() string {
	return c.previousHash
}

// Digest computes the chain digest of entries from scratch.
func Digest(entries []storage.Entry) string {
	chain := NewChain()
	for _, e := range entries {
		chain.Add(e.Sequence, e.Payload)
	}
	return chain.Current()
}
