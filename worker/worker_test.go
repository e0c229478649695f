package worker

import (
	"bytes"
	"crypto/ed25519"
	"strconv"
	"testing"
	"time"

	"Beluga/config"
	"Beluga/conn"
	"Beluga/sign"
	"Beluga/store"
	"Beluga/types"

	"github.com/hashicorp/go-hclog"
)

func testCommittee(portBase, n int) (*config.Committee, []ed25519.PrivateKey) {
	members := make(map[string]config.Member, n)
	privKeys := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		priv, pub := sign.GenED25519Keys()
		privKeys[i] = priv
		members["node"+strconv.Itoa(i)] = config.Member{
			Addr:      "127.0.0.1",
			Port:      portBase + 10*i,
			PublicKey: pub,
			Stake:     1,
		}
	}
	return config.NewCommittee(members), privKeys
}

// newTestWorker runs node0 with a live transport; the other committee
// members are configured but not listening, so sends to them fail fast.
func newTestWorker(t *testing.T, portBase, n int, params config.Parameters) *Worker {
	committee, privKeys := testCommittee(portBase, n)
	conf := config.New("node0", committee, params, privKeys[0], nil, nil,
		int(hclog.Error), "", config.CoinHash, false)
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "worker-test",
		Output: hclog.DefaultOutput,
		Level:  hclog.Error,
	})
	trans, err := conn.NewTCPTransport(committee.Address("node0"), 2*time.Second,
		params.MaxPool, params.ChannelCapacity, types.ReflectedTypesMap, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = trans.Close() })
	w, err := NewWorker("node0", 0, conf, store.NewMemStore(), trans, logger)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func waitMeta(t *testing.T, ch <-chan types.BatchMeta) types.BatchMeta {
	select {
	case meta := <-ch:
		return meta
	case <-time.After(2 * time.Second):
		t.Fatalf("no batch was handed to the primary")
		return types.BatchMeta{}
	}
}

func TestCoderRoundTrip(t *testing.T) {
	coder, err := NewCoder(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	shards, err := coder.Encode(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != coder.TotalShards() {
		t.Fatalf("expected %d shards, got %d", coder.TotalShards(), len(shards))
	}

	// any data-shard count of fragments rebuilds the payload
	shards[1] = nil
	restored, err := coder.Reconstruct(shards, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, payload) {
		t.Fatalf("the reconstructed payload differs from the original")
	}
}

func TestCoderTooFewShards(t *testing.T) {
	coder, err := NewCoder(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	shards, err := coder.Encode([]byte("a short payload"))
	if err != nil {
		t.Fatal(err)
	}
	shards[0] = nil
	shards[2] = nil
	if _, err := coder.Reconstruct(shards, 15); err == nil {
		t.Fatalf("reconstruction succeeded below the data-shard count")
	}
}

func TestSealBySize(t *testing.T) {
	params := config.DefaultParameters()
	params.BatchSize = 10
	params.MaxBatchDelay = time.Hour
	w := newTestWorker(t, 9100, 1, params)
	w.Spawn()

	for i := 0; i < 3; i++ {
		w.Submit([]byte("tx-" + strconv.Itoa(i)))
	}
	meta := waitMeta(t, w.DigestChan())
	if meta.Size < params.BatchSize {
		t.Fatalf("a batch sealed below the size threshold: %d", meta.Size)
	}
	if !w.HasBatch(meta.Digest) {
		t.Fatalf("a sealed batch is not locally available")
	}
}

func TestSealByTimer(t *testing.T) {
	params := config.DefaultParameters()
	params.BatchSize = 1 << 20
	params.MaxBatchDelay = 50 * time.Millisecond
	w := newTestWorker(t, 9120, 1, params)
	w.Spawn()

	w.Submit([]byte("a lonely transaction"))
	meta := waitMeta(t, w.DigestChan())
	if meta.Size != len("a lonely transaction") {
		t.Fatalf("unexpected batch size %d", meta.Size)
	}
}

func TestAckQuorumHandOver(t *testing.T) {
	params := config.DefaultParameters()
	params.SyncRetryDelay = time.Hour
	w := newTestWorker(t, 9140, 4, params)

	w.seal([][]byte{[]byte("some transaction")})
	w.lock.Lock()
	var digest string
	for d := range w.ownBatches {
		digest = d
	}
	w.lock.Unlock()

	// the own ack alone is 1 of 4, far below the quorum of 3
	select {
	case <-w.DigestChan():
		t.Fatalf("a batch was handed over below quorum")
	default:
	}

	w.HandleBatchAck(&types.BatchAck{Sender: "node1", Digest: digest})
	select {
	case <-w.DigestChan():
		t.Fatalf("a batch was handed over one ack short of quorum")
	default:
	}

	w.HandleBatchAck(&types.BatchAck{Sender: "node2", Digest: digest})
	meta := waitMeta(t, w.DigestChan())
	if meta.Digest != digest {
		t.Fatalf("handed over the wrong batch")
	}

	// redelivered and late acks must not hand the batch over twice
	w.HandleBatchAck(&types.BatchAck{Sender: "node2", Digest: digest})
	w.HandleBatchAck(&types.BatchAck{Sender: "node3", Digest: digest})
	select {
	case <-w.DigestChan():
		t.Fatalf("a batch was handed over twice")
	default:
	}
}

func TestHandleBatchStoresAndNotifies(t *testing.T) {
	params := config.DefaultParameters()
	w := newTestWorker(t, 9160, 4, params)

	batch := types.Batch{Sender: "node1", Txs: [][]byte{[]byte("foreign tx")}}
	digest, err := batch.Digest()
	if err != nil {
		t.Fatal(err)
	}
	w.HandleBatch(&batch)
	if !w.HasBatch(digest) {
		t.Fatalf("a received batch is not locally available")
	}
	select {
	case got := <-w.AvailabilityChan():
		if got != digest {
			t.Fatalf("availability reported for the wrong digest")
		}
	case <-time.After(time.Second):
		t.Fatalf("availability was never reported")
	}

	// a redelivery is not fresh and must not notify again
	w.HandleBatch(&batch)
	select {
	case <-w.AvailabilityChan():
		t.Fatalf("a redelivered batch notified availability twice")
	default:
	}
}

func TestSyncAndBatchReply(t *testing.T) {
	params := config.DefaultParameters()
	w := newTestWorker(t, 9180, 4, params)

	batch := types.Batch{Sender: "node1", Txs: [][]byte{[]byte("missing tx")}}
	digest, err := batch.Digest()
	if err != nil {
		t.Fatal(err)
	}
	w.Sync([]string{digest}, "node1")
	w.lock.Lock()
	from, fetching := w.fetching[digest]
	w.lock.Unlock()
	if !fetching || from != "node1" {
		t.Fatalf("the missing batch is not being fetched")
	}

	// a reply whose content does not hash to the digest is dropped
	bogus := types.Batch{Sender: "node1", Txs: [][]byte{[]byte("other tx")}}
	w.HandleBatchReply(&types.BatchReply{Sender: "node1", Digest: digest, Found: true, Batch: &bogus})
	if w.HasBatch(digest) {
		t.Fatalf("a forged batch reply was stored")
	}

	w.HandleBatchReply(&types.BatchReply{Sender: "node1", Digest: digest, Found: true, Batch: &batch})
	if !w.HasBatch(digest) {
		t.Fatalf("the fetched batch is not locally available")
	}
	w.lock.Lock()
	_, fetching = w.fetching[digest]
	w.lock.Unlock()
	if fetching {
		t.Fatalf("the fetch was not cleared after the batch arrived")
	}
}

func TestCodedDisseminationStoresOwnShard(t *testing.T) {
	params := config.DefaultParameters()
	params.CodedDissemination = true
	w := newTestWorker(t, 9200, 4, params)

	w.seal([][]byte{[]byte("a transaction to be coded")})
	w.lock.Lock()
	var digest string
	for d := range w.ownBatches {
		digest = d
	}
	w.lock.Unlock()
	if !w.store.Has(store.ShardKey(digest, w.committee.Index("node0"))) {
		t.Fatalf("the own shard was not stored")
	}
	if !w.HasBatch(digest) {
		t.Fatalf("a sealed batch is not locally available")
	}
}

func TestShardReplyReconstruction(t *testing.T) {
	params := config.DefaultParameters()
	params.CodedDissemination = true
	w := newTestWorker(t, 9220, 4, params)

	batch := types.Batch{Sender: "node1", Txs: [][]byte{[]byte("a batch to reconstruct")}}
	digest, err := batch.Digest()
	if err != nil {
		t.Fatal(err)
	}
	payload, err := types.Encode(&batch)
	if err != nil {
		t.Fatal(err)
	}
	shards, err := w.coder.Encode(payload)
	if err != nil {
		t.Fatal(err)
	}

	w.Sync([]string{digest}, "node1")
	for i := 0; i < w.coder.DataShards(); i++ {
		w.HandleShardReply(&types.ShardReply{
			Sender:     "node" + strconv.Itoa(i+1),
			Digest:     digest,
			Index:      i,
			PayloadLen: len(payload),
			Found:      true,
			Data:       shards[i],
		})
	}
	if !w.store.Has(store.BatchKey(digest)) {
		t.Fatalf("the batch was not reconstructed from its shards")
	}
}
