package consensus

import (
	"sort"

	"Beluga/config"
	"Beluga/types"

	"github.com/hashicorp/go-hclog"
)

// Consensus consumes the certificate stream, buffers certificates until
// they are causally complete, commits leaders and emits a deterministic
// total order of certificates. It never mutates a certificate and its
// output positions are final.
type Consensus struct {
	committee *config.Committee
	gcDepth   uint64
	coin      Coin
	logger    hclog.Logger

	certIn    <-chan *types.Certificate
	feedback  chan<- uint64
	committed chan<- *types.Certificate

	dag      map[uint64]map[string]*types.Certificate // round -> author -> cert
	byDigest map[string]*types.Certificate
	pending  map[string]*types.Certificate // causally incomplete, held back
	emitted  map[string]bool

	quorum          uint64
	lastLeaderRound uint64
	maxRound        uint64
	gcRound         uint64
}

// Spawn starts the ordering engine over the given channels and returns.
func Spawn(committee *config.Committee, gcDepth uint64, coin Coin,
	certIn <-chan *types.Certificate, feedback chan<- uint64,
	committed chan<- *types.Certificate, logger hclog.Logger) *Consensus {
	c := &Consensus{
		committee: committee,
		gcDepth:   gcDepth,
		coin:      coin,
		logger:    logger,
		certIn:    certIn,
		feedback:  feedback,
		committed: committed,
		dag:       make(map[uint64]map[string]*types.Certificate),
		byDigest:  make(map[string]*types.Certificate),
		pending:   make(map[string]*types.Certificate),
		emitted:   make(map[string]bool),
		quorum:    committee.Quorum(),
	}
	c.dag[0] = make(map[string]*types.Certificate)
	for _, cert := range types.GenesisCertificates(committee.Names()) {
		digest, err := cert.Digest()
		if err != nil {
			panic(err)
		}
		c.dag[0][cert.Author()] = cert
		c.byDigest[digest] = cert
		// genesis is the implicit initial commit, never emitted
		c.emitted[digest] = true
	}
	go c.run()
	return c
}

func (c *Consensus) run() {
	for {
		select {
		case cert, ok := <-c.certIn:
			if !ok {
				return
			}
			c.process(cert)
		case <-c.coin.Notify():
			c.tryCommit()
		}
	}
}

// process admits a certificate once all of its cited parents are admitted,
// then drains the held-back buffer and re-checks the commit rule.
func (c *Consensus) process(cert *types.Certificate) {
	digest, err := cert.Digest()
	if err != nil {
		c.logger.Error("fail to hash the certificate", "author", cert.Author(), "error", err)
		return
	}
	if cert.Round() < c.gcRound {
		return
	}
	if _, ok := c.byDigest[digest]; ok {
		return
	}
	if !c.causallyComplete(cert) {
		c.pending[digest] = cert
		return
	}
	c.admit(cert, digest)

	// certificates parked earlier may have become complete
	for {
		admittedAny := false
		for pendingDigest, pendingCert := range c.pending {
			if c.causallyComplete(pendingCert) {
				delete(c.pending, pendingDigest)
				c.admit(pendingCert, pendingDigest)
				admittedAny = true
			}
		}
		if !admittedAny {
			break
		}
	}
	c.tryCommit()
}

// causallyComplete reports whether every cited parent is already admitted.
// Parents below the garbage-collection floor count as satisfied.
func (c *Consensus) causallyComplete(cert *types.Certificate) bool {
	if cert.Round() == 0 {
		return true
	}
	if cert.Round()-1 < c.gcRound {
		return true
	}
	for _, parentDigest := range cert.Header.Parents {
		if _, ok := c.byDigest[parentDigest]; !ok {
			return false
		}
	}
	return true
}

func (c *Consensus) admit(cert *types.Certificate, digest string) {
	round := cert.Round()
	if _, ok := c.dag[round]; !ok {
		c.dag[round] = make(map[string]*types.Certificate)
	}
	if _, ok := c.dag[round][cert.Author()]; ok {
		return
	}
	c.dag[round][cert.Author()] = cert
	c.byDigest[digest] = cert
	if round > c.maxRound {
		c.maxRound = round
	}
}

// tryCommit applies the commit rule to every pending leader round, lowest
// first: the leader of round r commits once a quorum of stake of round-r+1
// certificates cite it as a parent.
func (c *Consensus) tryCommit() {
	for {
		committed := false
		for leaderRound := c.lastLeaderRound + 2; leaderRound+1 <= c.maxRound; leaderRound += 2 {
			leader, ok := c.leaderCert(leaderRound)
			if !ok {
				// the coin for this round is not derivable yet; later
				// rounds must wait for it to keep the order identical
				return
			}
			if leader == nil || c.supportStake(leader, leaderRound) < c.quorum {
				continue
			}
			c.commitLeader(leader, leaderRound)
			committed = true
			break
		}
		if !committed {
			return
		}
	}
}

// leaderCert resolves the leader certificate of a leader round; the
// certificate is nil when this node has not admitted it.
func (c *Consensus) leaderCert(leaderRound uint64) (*types.Certificate, bool) {
	name, ok := c.coin.Leader(leaderRound, c.roundCerts(leaderRound))
	if !ok {
		return nil, false
	}
	return c.dag[leaderRound][name], true
}

func (c *Consensus) roundCerts(round uint64) []*types.Certificate {
	certs := make([]*types.Certificate, 0, len(c.dag[round]))
	for _, cert := range c.dag[round] {
		certs = append(certs, cert)
	}
	return certs
}

// supportStake sums the stake of the next-round certificates citing the
// leader as a parent.
func (c *Consensus) supportStake(leader *types.Certificate, leaderRound uint64) uint64 {
	leaderDigest, err := leader.Digest()
	if err != nil {
		return 0
	}
	support := uint64(0)
	for author, cert := range c.dag[leaderRound+1] {
		for _, parentDigest := range cert.Header.Parents {
			if parentDigest == leaderDigest {
				support += c.committee.Stake(author)
				break
			}
		}
	}
	return support
}

// commitLeader commits the leader and, before it, every earlier
// uncommitted leader found in its causal history, each exactly once.
func (c *Consensus) commitLeader(leader *types.Certificate, leaderRound uint64) {
	sequence := []*types.Certificate{leader}
	cursor := leader
	for earlier := int64(leaderRound) - 2; earlier > int64(c.lastLeaderRound); earlier -= 2 {
		name, ok := c.coin.Leader(uint64(earlier), c.roundCerts(uint64(earlier)))
		if !ok {
			// cannot happen once the coin for a later round resolved;
			// re-derive conservatively rather than skip silently
			break
		}
		candidate := c.dag[uint64(earlier)][name]
		if candidate == nil {
			continue
		}
		digest, err := candidate.Digest()
		if err != nil || c.emitted[digest] {
			continue
		}
		if c.inCausalHistory(digest, cursor) {
			sequence = append([]*types.Certificate{candidate}, sequence...)
			cursor = candidate
		}
	}

	for _, cert := range sequence {
		c.orderHistory(cert)
	}
	c.lastLeaderRound = leaderRound
	c.logger.Info("committed the leader round", "round", leaderRound,
		"leader", leader.Author())

	if leaderRound > c.gcDepth {
		watermark := leaderRound - c.gcDepth
		c.garbageCollect(watermark)
		c.feedback <- watermark
	}
}

// inCausalHistory walks the parent links backward from the given
// certificate looking for the target digest.
func (c *Consensus) inCausalHistory(targetDigest string, from *types.Certificate) bool {
	target, ok := c.byDigest[targetDigest]
	if !ok {
		return false
	}
	frontier := []*types.Certificate{from}
	visited := map[string]bool{}
	for len(frontier) > 0 {
		next := make([]*types.Certificate, 0)
		for _, cert := range frontier {
			for _, parentDigest := range cert.Header.Parents {
				if parentDigest == targetDigest {
					return true
				}
				parent, ok := c.byDigest[parentDigest]
				if !ok || visited[parentDigest] || parent.Round() <= target.Round() {
					continue
				}
				visited[parentDigest] = true
				next = append(next, parent)
			}
		}
		frontier = next
	}
	return false
}

// orderHistory emits every certificate reachable from the leader that has
// not been emitted yet, in a deterministic total order: ascending by round,
// same-round ties broken by digest, the leader last among its round.
func (c *Consensus) orderHistory(leader *types.Certificate) {
	leaderDigest, err := leader.Digest()
	if err != nil {
		panic(err)
	}
	collected := make(map[uint64][]string) // round -> digests
	frontier := []*types.Certificate{leader}
	seen := map[string]bool{leaderDigest: true}
	if !c.emitted[leaderDigest] {
		collected[leader.Round()] = append(collected[leader.Round()], leaderDigest)
	}
	for len(frontier) > 0 {
		next := make([]*types.Certificate, 0)
		for _, cert := range frontier {
			for _, parentDigest := range cert.Header.Parents {
				parent, ok := c.byDigest[parentDigest]
				if !ok || seen[parentDigest] || c.emitted[parentDigest] {
					continue
				}
				seen[parentDigest] = true
				collected[parent.Round()] = append(collected[parent.Round()], parentDigest)
				next = append(next, parent)
			}
		}
		frontier = next
	}

	rounds := make([]uint64, 0, len(collected))
	for round := range collected {
		rounds = append(rounds, round)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	for _, round := range rounds {
		digests := collected[round]
		sort.Strings(digests)
		if round == leader.Round() {
			// the leader closes its own round
			kept := make([]string, 0, len(digests))
			for _, digest := range digests {
				if digest != leaderDigest {
					kept = append(kept, digest)
				}
			}
			digests = append(kept, leaderDigest)
		}
		for _, digest := range digests {
			cert := c.byDigest[digest]
			c.emitted[digest] = true
			c.committed <- cert
			c.logger.Debug("emitted a certificate", "round", cert.Round(),
				"author", cert.Author())
		}
	}
}

// garbageCollect drops DAG state strictly below the watermark; the
// watermark round itself is retained.
func (c *Consensus) garbageCollect(watermark uint64) {
	if watermark <= c.gcRound {
		return
	}
	c.gcRound = watermark
	for round := range c.dag {
		if round >= watermark {
			continue
		}
		for _, cert := range c.dag[round] {
			digest, err := cert.Digest()
			if err != nil {
				continue
			}
			delete(c.byDigest, digest)
			delete(c.emitted, digest)
		}
		delete(c.dag, round)
	}
	for digest, cert := range c.pending {
		if cert.Round() < watermark {
			delete(c.pending, digest)
		}
	}
}
