package types

// Transaction payloads are opaque byte strings.

// Batch is an ordered set of transactions sealed by a worker. Its digest
// never changes once computed, so peers address it by digest only.
type Batch struct {
	Sender    string
	WorkerID  uint8
	Txs       [][]byte
	Timestamp int64
}

// BatchRef describes a batch cited by a header payload.
type BatchRef struct {
	WorkerID uint8
	Size     int
}

// BatchMeta is handed from the worker to the primary once a batch is
// acknowledged by a quorum of stake.
type BatchMeta struct {
	Digest   string
	WorkerID uint8
	Size     int
}

// BatchAck acknowledges the durable reception of a batch (or of a shard in
// coded dissemination mode).
type BatchAck struct {
	Sender   string
	WorkerID uint8
	Digest   string
}

// BatchRequest asks a peer worker for the content of missing batches.
type BatchRequest struct {
	Requester string
	WorkerID  uint8
	Digests   []string
}

// BatchReply answers a BatchRequest for a single digest.
type BatchReply struct {
	Sender   string
	WorkerID uint8
	Digest   string
	Found    bool
	Batch    *Batch
}

// Shard carries one erasure-coded fragment of a batch.
type Shard struct {
	Sender     string
	WorkerID   uint8
	Digest     string
	Index      int
	PayloadLen int
	Data       []byte
}

// ShardRequest asks every peer for its fragment of a batch.
type ShardRequest struct {
	Requester string
	WorkerID  uint8
	Digest    string
}

// ShardReply answers a ShardRequest.
type ShardReply struct {
	Sender     string
	Digest     string
	Index      int
	PayloadLen int
	Found      bool
	Data       []byte
}

// Header is one author's proposal for a round: a quorum of parent
// certificate digests from the previous round plus the batch digests the
// author vouches for. The signature covers the header digest and is not
// part of it.
type Header struct {
	Author    string
	Round     uint64
	Timestamp int64
	Parents   map[string]string // author -> certificate digest at Round-1
	Payload   map[string]BatchRef
	Signature []byte
}

// Vote endorses a header. It is sent only to the header's author.
type Vote struct {
	Voter        string
	Author       string
	Round        uint64
	HeaderDigest string
	Signature    []byte // over the header digest
}

// VoteProof is the (voter, signature) pair embedded in a certificate.
type VoteProof struct {
	Voter     string
	Signature []byte
}

// Certificate is a header plus a quorum of stake worth of vote signatures.
// Its digest is the header digest.
type Certificate struct {
	Header Header
	Votes  []VoteProof
}

// CertRequest asks a peer for certificates by digest, used to fill causal
// gaps when catching up.
type CertRequest struct {
	Requester string
	Digests   []string
}

// CertReply answers a CertRequest.
type CertReply struct {
	Sender string
	Certs  []Certificate
}

// Elect carries a partial threshold signature over a leader round, used by
// the threshold coin.
type Elect struct {
	Sender     string
	Round      uint64
	PartialSig []byte
}
