package primary

import (
	"crypto/ed25519"
	"sync"
	"time"

	"Beluga/config"
	"Beluga/conn"
	"Beluga/sign"
	"Beluga/store"
	"Beluga/types"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"
)

// BatchProvider is the worker-side contract the primary needs: availability
// checks for header payloads and sync of missing batches.
type BatchProvider interface {
	HasBatch(digest string) bool
	Sync(digests []string, from string)
}

// ElectSink receives partial threshold signatures for the election coin.
type ElectSink interface {
	Feed(round uint64, sender string, partial []byte)
}

// Primary runs the DAG certification state machine: it proposes one header
// per round over a quorum of parent certificates, votes on the other
// authors' headers, aggregates a quorum of stake of votes into its own
// certificate and advances rounds. Headers, votes and certificates from
// many peers arrive arbitrarily interleaved; anything whose prerequisites
// are missing is parked and retried, while rounds further ahead of the
// local round than the GC depth are dropped outright.
type Primary struct {
	name string
	lock sync.RWMutex

	committee *config.Committee
	params    config.Parameters
	store     *store.Store
	trans     *conn.NetworkTransport
	logger    hclog.Logger
	batches   BatchProvider
	electSink ElectSink

	// Used for ED25519 signature
	privateKey ed25519.PrivateKey

	// Used for threshold signature (election coin only)
	tsPrivateKey *share.PriShare

	quorum uint64
	round  uint64 // round of the next header this primary proposes

	certs        map[uint64]map[string]*types.Certificate // round -> author -> cert
	certStake    map[uint64]uint64
	certByDigest map[string]*types.Certificate

	acceptedHeaders map[uint64]map[string]string // round -> author -> first valid header digest
	ownHeaders      map[uint64]*types.Header
	ownCerts        map[uint64]bool
	proposed        map[uint64]bool

	votes     map[uint64]map[string]*types.Vote // votes for this node's own header
	voteStake map[uint64]uint64

	// parked traffic waiting for parents or batches, one slot per
	// (round, author) so a Byzantine peer cannot grow them without bound
	pendingCerts   map[uint64]map[string]*types.Certificate
	pendingHeaders map[uint64]map[string]*types.Header

	pendingDigests []types.BatchMeta // quorum-available batches awaiting a header

	electSent map[uint64]bool
	gcRound   uint64

	certOut    chan<- *types.Certificate
	feedbackCh <-chan uint64
	digestCh   <-chan types.BatchMeta
	availCh    <-chan string

	wakeCh chan struct{}
}

// Spawn creates the primary, seeds the genesis certificates and starts its
// loops. All further interaction runs through the channels and the message
// handlers.
func Spawn(conf *config.Config, st *store.Store, trans *conn.NetworkTransport,
	batches BatchProvider, electSink ElectSink,
	digestCh <-chan types.BatchMeta, availCh <-chan string,
	certOut chan<- *types.Certificate, feedbackCh <-chan uint64,
	logger hclog.Logger) *Primary {
	p := &Primary{
		name:            conf.Name,
		committee:       conf.Committee,
		params:          conf.Params,
		store:           st,
		trans:           trans,
		logger:          logger,
		batches:         batches,
		electSink:       electSink,
		privateKey:      conf.PrivateKey,
		tsPrivateKey:    conf.TsPrivateKey,
		quorum:          conf.Committee.Quorum(),
		round:           1,
		certs:           make(map[uint64]map[string]*types.Certificate),
		certStake:       make(map[uint64]uint64),
		certByDigest:    make(map[string]*types.Certificate),
		acceptedHeaders: make(map[uint64]map[string]string),
		ownHeaders:      make(map[uint64]*types.Header),
		ownCerts:        make(map[uint64]bool),
		proposed:        make(map[uint64]bool),
		votes:           make(map[uint64]map[string]*types.Vote),
		voteStake:       make(map[uint64]uint64),
		pendingCerts:    make(map[uint64]map[string]*types.Certificate),
		pendingHeaders:  make(map[uint64]map[string]*types.Header),
		electSent:       make(map[uint64]bool),
		certOut:         certOut,
		feedbackCh:      feedbackCh,
		digestCh:        digestCh,
		availCh:         availCh,
		wakeCh:          make(chan struct{}, 1),
	}
	p.certs[0] = make(map[string]*types.Certificate)
	for _, cert := range types.GenesisCertificates(conf.Committee.Names()) {
		digest, err := cert.Digest()
		if err != nil {
			panic(err)
		}
		p.certs[0][cert.Author()] = cert
		p.certStake[0] += conf.Committee.Stake(cert.Author())
		p.certByDigest[digest] = cert
	}

	go p.proposerLoop()
	go p.digestLoop()
	go p.availabilityLoop()
	go p.feedbackLoop()
	return p
}

// Round returns the round of the next header this primary proposes.
func (p *Primary) Round() uint64 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.round
}

func (p *Primary) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Primary) proposerLoop() {
	timer := time.NewTimer(p.params.HeaderTimeout)
	for {
		select {
		case <-p.wakeCh:
		case <-timer.C:
			// quorum votes did not arrive in time: re-broadcast the
			// identical header, never re-sign new content for the round
			p.retransmit()
			timer.Reset(p.params.HeaderTimeout)
		}
		p.tryPropose()
	}
}

func (p *Primary) digestLoop() {
	for meta := range p.digestCh {
		p.lock.Lock()
		p.pendingDigests = append(p.pendingDigests, meta)
		p.lock.Unlock()
	}
}

func (p *Primary) availabilityLoop() {
	for range p.availCh {
		p.processPendingHeaders()
	}
}

func (p *Primary) feedbackLoop() {
	for watermark := range p.feedbackCh {
		p.garbageCollect(watermark)
	}
}

// tryPropose builds and broadcasts this author's header for the current
// round once a quorum of stake of parent certificates is in and the round
// delay has passed.
func (p *Primary) tryPropose() {
	p.lock.RLock()
	round := p.round
	ready := !p.proposed[round] &&
		p.certStake[round-1] >= p.quorum &&
		(round == 1 || p.ownCerts[round-1])
	p.lock.RUnlock()
	if !ready {
		return
	}
	if p.params.RoundDelay > 0 {
		time.Sleep(p.params.RoundDelay)
	}

	p.lock.Lock()
	if p.proposed[round] || p.round != round {
		p.lock.Unlock()
		return
	}
	parents := make(map[string]string, len(p.certs[round-1]))
	for author, cert := range p.certs[round-1] {
		digest, err := cert.Digest()
		if err != nil {
			panic(err)
		}
		parents[author] = digest
	}
	payload := make(map[string]types.BatchRef, len(p.pendingDigests))
	for _, meta := range p.pendingDigests {
		payload[meta.Digest] = types.BatchRef{WorkerID: meta.WorkerID, Size: meta.Size}
	}
	p.pendingDigests = nil

	header := &types.Header{
		Author:    p.name,
		Round:     round,
		Timestamp: time.Now().UnixNano(),
		Parents:   parents,
		Payload:   payload,
	}
	digest, err := header.Digest()
	if err != nil {
		panic(err)
	}
	header.Signature = sign.SignEd25519(p.privateKey, []byte(digest))

	encoded, err := types.Encode(header)
	if err != nil {
		panic(err)
	}
	if err := p.store.Put(store.HeaderKey(digest), encoded); err != nil {
		panic(err)
	}

	p.proposed[round] = true
	p.ownHeaders[round] = header
	if _, ok := p.acceptedHeaders[round]; !ok {
		p.acceptedHeaders[round] = make(map[string]string)
	}
	p.acceptedHeaders[round][p.name] = digest

	// this author's own vote
	vote := &types.Vote{
		Voter:        p.name,
		Author:       p.name,
		Round:        round,
		HeaderDigest: digest,
		Signature:    sign.SignEd25519(p.privateKey, []byte(digest)),
	}
	p.votes[round] = map[string]*types.Vote{p.name: vote}
	p.voteStake[round] = p.committee.Stake(p.name)
	p.lock.Unlock()

	p.logger.Info("proposing a header", "node", p.name, "round", round,
		"parents", len(parents), "batches", len(payload))
	if err := p.broadcast(types.HeaderTag, *header); err != nil {
		p.logger.Error("fail to broadcast the header", "round", round, "error", err)
	}
	p.maybeCertify(round)
}

// retransmit re-broadcasts the current round's header while its
// certificate is still outstanding.
func (p *Primary) retransmit() {
	p.lock.RLock()
	round := p.round
	header := p.ownHeaders[round]
	certified := p.ownCerts[round]
	p.lock.RUnlock()
	if header == nil || certified {
		return
	}
	p.logger.Debug("retransmitting the header", "node", p.name, "round", round)
	if err := p.broadcast(types.HeaderTag, *header); err != nil {
		p.logger.Error("fail to retransmit the header", "round", round, "error", err)
	}
}

// tryAdvance moves to the next round while this author's certificate and a
// quorum of stake of round certificates are both in. Callers hold the lock.
func (p *Primary) tryAdvance() {
	advanced := false
	for p.ownCerts[p.round] && p.certStake[p.round] >= p.quorum {
		p.round++
		advanced = true
	}
	if advanced {
		p.wake()
	}
}

// garbageCollect prunes DAG state strictly older than the watermark; the
// watermark round itself is retained.
func (p *Primary) garbageCollect(watermark uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if watermark <= p.gcRound {
		return
	}
	p.gcRound = watermark
	for round := range p.certs {
		if round >= watermark {
			continue
		}
		for _, cert := range p.certs[round] {
			digest, err := cert.Digest()
			if err != nil {
				continue
			}
			delete(p.certByDigest, digest)
			_ = p.store.Delete(store.CertKey(digest))
		}
		delete(p.certs, round)
		delete(p.certStake, round)
	}
	ownIndex := p.committee.Index(p.name)
	for round, headers := range p.acceptedHeaders {
		if round >= watermark {
			continue
		}
		for _, digest := range headers {
			// the batches a pruned header cites are no longer needed
			if raw, err := p.store.Get(store.HeaderKey(digest)); err == nil {
				var header types.Header
				if err := types.Decode(raw, &header); err == nil {
					for batchDigest := range header.Payload {
						_ = p.store.Delete(store.BatchKey(batchDigest))
						_ = p.store.Delete(store.ShardKey(batchDigest, ownIndex))
					}
				}
			}
			_ = p.store.Delete(store.HeaderKey(digest))
		}
		if own := p.ownHeaders[round]; own != nil {
			if digest, err := own.Digest(); err == nil {
				for voter := range p.votes[round] {
					_ = p.store.Delete(store.VoteKey(digest, voter))
				}
			}
		}
		delete(p.acceptedHeaders, round)
		delete(p.ownHeaders, round)
		delete(p.ownCerts, round)
		delete(p.proposed, round)
		delete(p.votes, round)
		delete(p.voteStake, round)
		delete(p.electSent, round)
	}
	for round := range p.pendingCerts {
		if round < watermark {
			delete(p.pendingCerts, round)
		}
	}
	for round := range p.pendingHeaders {
		if round < watermark {
			delete(p.pendingHeaders, round)
		}
	}
	p.logger.Debug("garbage collected the DAG", "node", p.name, "watermark", watermark)
}
