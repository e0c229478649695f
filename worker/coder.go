package worker

import (
	"bytes"

	"github.com/klauspost/reedsolomon"
)

// Coder erasure-codes a batch payload into one shard per committee member,
// so that any quorum of members can rebuild the batch for a lagging node.
type Coder struct {
	enc    reedsolomon.Encoder
	data   int
	parity int
}

func NewCoder(dataShards, parityShards int) (*Coder, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Coder{enc: enc, data: dataShards, parity: parityShards}, nil
}

func (c *Coder) DataShards() int {
	return c.data
}

func (c *Coder) TotalShards() int {
	return c.data + c.parity
}

// Encode splits the payload and computes the parity shards.
func (c *Coder) Encode(payload []byte) ([][]byte, error) {
	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Reconstruct rebuilds the payload from any c.data present shards; missing
// shards are nil entries.
func (c *Coder) Reconstruct(shards [][]byte, payloadLen int) ([]byte, error) {
	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := c.enc.Join(&buf, shards, payloadLen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
