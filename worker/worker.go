package worker

import (
	"crypto/ed25519"
	"sync"
	"time"

	"Beluga/config"
	"Beluga/conn"
	"Beluga/store"
	"Beluga/types"

	"github.com/hashicorp/go-hclog"
)

// Worker batches transactions, disseminates sealed batches to the peer
// workers and hands the digest to the primary once a quorum of stake has
// acknowledged reception. It also answers lookups for batches (or shards)
// that a peer is missing.
type Worker struct {
	name string
	id   uint8
	lock sync.Mutex

	committee *config.Committee
	params    config.Parameters
	store     *store.Store
	trans     *conn.NetworkTransport
	logger    hclog.Logger

	privateKey ed25519.PrivateKey

	txCh     chan []byte
	digestCh chan types.BatchMeta // quorum-available batches, to the primary
	availCh  chan string          // digests that just became available locally

	ownBatches map[string]*types.Batch // sealed but not yet quorum-acked
	acks       map[string]map[string]bool
	ackStake   map[string]uint64
	handed     map[string]bool
	attempts   map[string]int

	fetching map[string]string // digest -> peer to ask, sync in flight
	shards   map[string]*shardSet

	coder *Coder

	quorum uint64
}

type shardSet struct {
	payloadLen int
	data       map[int][]byte
}

// NewWorker creates a worker; Spawn starts its loops.
func NewWorker(name string, id uint8, conf *config.Config, st *store.Store,
	trans *conn.NetworkTransport, logger hclog.Logger) (*Worker, error) {
	w := &Worker{
		name:       name,
		id:         id,
		committee:  conf.Committee,
		params:     conf.Params,
		store:      st,
		trans:      trans,
		logger:     logger,
		privateKey: conf.PrivateKey,
		txCh:       make(chan []byte, conf.Params.ChannelCapacity),
		digestCh:   make(chan types.BatchMeta, conf.Params.ChannelCapacity),
		availCh:    make(chan string, conf.Params.ChannelCapacity),
		ownBatches: make(map[string]*types.Batch),
		acks:       make(map[string]map[string]bool),
		ackStake:   make(map[string]uint64),
		handed:     make(map[string]bool),
		attempts:   make(map[string]int),
		fetching:   make(map[string]string),
		shards:     make(map[string]*shardSet),
		quorum:     conf.Committee.Quorum(),
	}
	if conf.Params.CodedDissemination {
		dataShards := conf.Committee.QuorumCount()
		parityShards := conf.Committee.Size() - dataShards
		coder, err := NewCoder(dataShards, parityShards)
		if err != nil {
			return nil, err
		}
		w.coder = coder
	}
	return w, nil
}

// Spawn starts the batch maker and the retry loop and returns.
func (w *Worker) Spawn() {
	go w.batchMakerLoop()
	go w.retryLoop()
}

// Submit enqueues one transaction. There is no synchronous result; the
// transaction surfaces later inside a certified batch.
func (w *Worker) Submit(tx []byte) {
	w.txCh <- tx
}

// DigestChan delivers (digest, worker id, size) for every batch of this
// worker that reached quorum availability.
func (w *Worker) DigestChan() <-chan types.BatchMeta {
	return w.digestCh
}

// AvailabilityChan delivers digests that just became locally available,
// so the primary can re-check headers parked on missing batches.
func (w *Worker) AvailabilityChan() <-chan string {
	return w.availCh
}

// HasBatch reports whether the batch content (or this node's shard of it,
// in coded mode) is locally durable.
func (w *Worker) HasBatch(digest string) bool {
	if w.store.Has(store.BatchKey(digest)) {
		return true
	}
	if w.coder != nil {
		return w.store.Has(store.ShardKey(digest, w.committee.Index(w.name)))
	}
	return false
}

// Sync requests the missing digests from peers. The author of the header
// citing them is asked first; retries fan out via the retry loop.
func (w *Worker) Sync(digests []string, from string) {
	w.lock.Lock()
	missing := make([]string, 0, len(digests))
	for _, digest := range digests {
		if w.HasBatch(digest) {
			continue
		}
		if _, ok := w.fetching[digest]; !ok {
			w.fetching[digest] = from
			missing = append(missing, digest)
		}
	}
	w.lock.Unlock()
	if len(missing) == 0 {
		return
	}
	w.requestBatches(missing, from)
}

// seal turns the accumulated transactions into a batch and starts its
// dissemination.
func (w *Worker) seal(txs [][]byte) {
	batch := &types.Batch{
		Sender:    w.name,
		WorkerID:  w.id,
		Txs:       txs,
		Timestamp: time.Now().UnixNano(),
	}
	digest, err := batch.Digest()
	if err != nil {
		// a batch this node just built must serialize
		panic(err)
	}
	encoded, err := types.Encode(batch)
	if err != nil {
		panic(err)
	}
	if err := w.store.Put(store.BatchKey(digest), encoded); err != nil {
		panic(err)
	}

	w.lock.Lock()
	w.ownBatches[digest] = batch
	w.acks[digest] = map[string]bool{w.name: true}
	w.ackStake[digest] = w.committee.Stake(w.name)
	w.lock.Unlock()

	w.logger.Debug("sealed a batch", "digest", digest, "size", batch.Size())
	w.disseminate(digest, batch)
	w.maybeHandOver(digest)
}

func (w *Worker) batchMakerLoop() {
	var txs [][]byte
	size := 0
	timer := time.NewTimer(w.params.MaxBatchDelay)
	for {
		select {
		case tx := <-w.txCh:
			txs = append(txs, tx)
			size += len(tx)
			if size >= w.params.BatchSize {
				w.seal(txs)
				txs, size = nil, 0
				timer.Reset(w.params.MaxBatchDelay)
			}
		case <-timer.C:
			if len(txs) > 0 {
				w.seal(txs)
				txs, size = nil, 0
			}
			timer.Reset(w.params.MaxBatchDelay)
		}
	}
}

// retryLoop re-disseminates own batches that have not reached quorum and
// re-requests batches a parked header is still waiting for.
func (w *Worker) retryLoop() {
	ticker := time.NewTicker(w.params.SyncRetryDelay)
	for range ticker.C {
		w.lock.Lock()
		stalled := make(map[string]*types.Batch)
		for digest, batch := range w.ownBatches {
			if !w.handed[digest] {
				stalled[digest] = batch
				w.attempts[digest]++
				if w.attempts[digest] == 3 {
					w.logger.Error("batch dissemination is stalled below quorum",
						"digest", digest, "acked-stake", w.ackStake[digest])
				}
			}
		}
		fetches := make(map[string]string)
		for digest, from := range w.fetching {
			fetches[digest] = from
		}
		w.lock.Unlock()

		for digest, batch := range stalled {
			w.disseminate(digest, batch)
		}
		for digest, from := range fetches {
			w.requestBatches([]string{digest}, from)
		}
	}
}

// maybeHandOver emits the digest to the primary once quorum stake acked.
func (w *Worker) maybeHandOver(digest string) {
	w.lock.Lock()
	batch, mine := w.ownBatches[digest]
	if !mine || w.handed[digest] || w.ackStake[digest] < w.quorum {
		w.lock.Unlock()
		return
	}
	w.handed[digest] = true
	meta := types.BatchMeta{Digest: digest, WorkerID: w.id, Size: batch.Size()}
	w.lock.Unlock()

	w.digestCh <- meta
}

// notifyAvailable reports a digest that just became durable locally.
func (w *Worker) notifyAvailable(digest string) {
	w.lock.Lock()
	delete(w.fetching, digest)
	delete(w.shards, digest)
	w.lock.Unlock()
	w.availCh <- digest
}
