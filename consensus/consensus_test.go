package consensus

import (
	"math/rand"
	"strconv"
	"testing"

	"Beluga/config"
	"Beluga/types"

	"github.com/hashicorp/go-hclog"
)

func testCommittee(stakes []uint64) *config.Committee {
	members := make(map[string]config.Member, len(stakes))
	for i, stake := range stakes {
		members["node"+strconv.Itoa(i)] = config.Member{Addr: "127.0.0.1", Port: 8000 + 10*i, Stake: stake}
	}
	return config.NewCommittee(members)
}

// newEngine builds the ordering engine without its run loop so tests can
// drive process() synchronously.
func newEngine(committee *config.Committee, gcDepth uint64, coin Coin,
	committed chan *types.Certificate, feedback chan uint64) *Consensus {
	c := &Consensus{
		committee: committee,
		gcDepth:   gcDepth,
		coin:      coin,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "consensus-test",
			Output: hclog.DefaultOutput,
			Level:  hclog.Error,
		}),
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
		c.emitted[digest] = true
	}
	return c
}

func certDigest(cert *types.Certificate) string {
	digest, err := cert.Digest()
	if err != nil {
		panic(err)
	}
	return digest
}

func digestsByAuthor(certs map[string]*types.Certificate) map[string]string {
	out := make(map[string]string, len(certs))
	for author, cert := range certs {
		out[author] = certDigest(cert)
	}
	return out
}

func genesisDigests(committee *config.Committee) map[string]string {
	out := make(map[string]string)
	for _, cert := range types.GenesisCertificates(committee.Names()) {
		out[cert.Author()] = certDigest(cert)
	}
	return out
}

// fullRound builds one certificate per member, each citing every cert of the
// previous round.
func fullRound(committee *config.Committee, round uint64, parents map[string]string) map[string]*types.Certificate {
	certs := make(map[string]*types.Certificate, committee.Size())
	for _, name := range committee.Names() {
		certs[name] = &types.Certificate{Header: types.Header{
			Author:  name,
			Round:   round,
			Parents: parents,
		}}
	}
	return certs
}

func fullDAG(committee *config.Committee, rounds uint64) []map[string]*types.Certificate {
	dag := make([]map[string]*types.Certificate, 0, rounds)
	parents := genesisDigests(committee)
	for round := uint64(1); round <= rounds; round++ {
		certs := fullRound(committee, round, parents)
		dag = append(dag, certs)
		parents = digestsByAuthor(certs)
	}
	return dag
}

func drain(ch chan *types.Certificate) []*types.Certificate {
	out := make([]*types.Certificate, 0)
	for {
		select {
		case cert := <-ch:
			out = append(out, cert)
		default:
			return out
		}
	}
}

func TestHashCoinIsDeterministic(t *testing.T) {
	committee := testCommittee([]uint64{1, 1, 1, 1})
	first := NewHashCoin(committee)
	second := NewHashCoin(committee)
	for round := uint64(2); round <= 10; round += 2 {
		a, ok := first.Leader(round, nil)
		if !ok {
			t.Fatalf("the hash coin is never unavailable")
		}
		b, _ := second.Leader(round, nil)
		if a != b {
			t.Fatalf("two derivations of the round-%d leader differ: %s vs %s", round, a, b)
		}
		if !committee.Exists(a) {
			t.Fatalf("the leader %s is not a committee member", a)
		}
	}
}

func TestPickByStakeIsWeighted(t *testing.T) {
	committee := testCommittee([]uint64{1, 2, 3, 4})
	counts := make(map[string]uint64)
	for value := uint64(0); value < committee.TotalStake(); value++ {
		counts[pickByStake(committee, value)]++
	}
	for _, name := range committee.Names() {
		if counts[name] != committee.Stake(name) {
			t.Fatalf("%s wins %d of %d values, expected %d",
				name, counts[name], committee.TotalStake(), committee.Stake(name))
		}
	}
}

func TestCommitAtQuorumSupportBoundary(t *testing.T) {
	committee := testCommittee([]uint64{1, 1, 1, 1})
	coin := NewHashCoin(committee)
	committed := make(chan *types.Certificate, 100)
	c := newEngine(committee, 1000, coin, committed, make(chan uint64, 10))

	round1 := fullRound(committee, 1, genesisDigests(committee))
	round2 := fullRound(committee, 2, digestsByAuthor(round1))
	for _, cert := range round1 {
		c.process(cert)
	}
	for _, cert := range round2 {
		c.process(cert)
	}

	leaderName, _ := coin.Leader(2, nil)
	leaderDigest := certDigest(round2[leaderName])
	round3 := fullRound(committee, 3, digestsByAuthor(round2))

	names := committee.Names()
	c.process(round3[names[0]])
	c.process(round3[names[1]])
	if got := drain(committed); len(got) != 0 {
		t.Fatalf("committed with support below the quorum: %d certificates", len(got))
	}

	c.process(round3[names[2]])
	got := drain(committed)
	if len(got) != 5 {
		t.Fatalf("expected the leader plus its 4 ancestors, got %d certificates", len(got))
	}
	if certDigest(got[len(got)-1]) != leaderDigest {
		t.Fatalf("the leader does not close its commit")
	}
	for i := 0; i < 4; i++ {
		if got[i].Round() != 1 {
			t.Fatalf("an ancestor was emitted out of round order")
		}
		if i > 0 && certDigest(got[i-1]) >= certDigest(got[i]) {
			t.Fatalf("same-round certificates are not in digest order")
		}
	}
}

// partialSupportDAG builds rounds 1..5 where only 2 of the 4 round-3
// certificates cite the round-2 leader, one short of the quorum, so its
// commit is deferred until the round-4 leader recovers it.
func partialSupportDAG(committee *config.Committee, coin Coin) (certs []*types.Certificate, leader2, leader4 string) {
	round1 := fullRound(committee, 1, genesisDigests(committee))
	round2 := fullRound(committee, 2, digestsByAuthor(round1))
	leader2Name, _ := coin.Leader(2, nil)
	leader2 = certDigest(round2[leader2Name])

	full := digestsByAuthor(round2)
	thin := make(map[string]string, 3)
	for author, digest := range full {
		if author != leader2Name {
			thin[author] = digest
		}
	}
	round3 := make(map[string]*types.Certificate, 4)
	for i, name := range committee.Names() {
		parents := full
		if i >= 2 {
			parents = thin
		}
		round3[name] = &types.Certificate{Header: types.Header{
			Author: name, Round: 3, Parents: parents,
		}}
	}

	round4 := fullRound(committee, 4, digestsByAuthor(round3))
	round5 := fullRound(committee, 5, digestsByAuthor(round4))
	leader4Name, _ := coin.Leader(4, nil)
	leader4 = certDigest(round4[leader4Name])

	for _, round := range []map[string]*types.Certificate{round1, round2, round3, round4, round5} {
		for _, name := range committee.Names() {
			certs = append(certs, round[name])
		}
	}
	return certs, leader2, leader4
}

func TestSkippedLeaderIsRecovered(t *testing.T) {
	committee := testCommittee([]uint64{1, 1, 1, 1})
	coin := NewHashCoin(committee)
	committed := make(chan *types.Certificate, 100)
	c := newEngine(committee, 1000, coin, committed, make(chan uint64, 10))

	certs, leader2Digest, leader4Digest := partialSupportDAG(committee, coin)
	for _, cert := range certs {
		c.process(cert)
	}

	sequence := drain(committed)
	posLeader2, posLeader4 := -1, -1
	for i, cert := range sequence {
		switch certDigest(cert) {
		case leader2Digest:
			posLeader2 = i
		case leader4Digest:
			posLeader4 = i
		}
	}
	if posLeader2 == -1 {
		t.Fatalf("the skipped round-2 leader was never recovered")
	}
	if posLeader4 == -1 {
		t.Fatalf("the round-4 leader never committed")
	}
	if posLeader2 >= posLeader4 {
		t.Fatalf("the recovered leader was emitted after the later one")
	}
	if c.lastLeaderRound != 4 {
		t.Fatalf("expected the last committed leader round to be 4, got %d", c.lastLeaderRound)
	}
}

// TestEmissionRespectsCausality pins the causal-order and exactly-once
// guarantees across the skipped-leader recovery path: every emitted
// certificate appears once, after every one of its parents.
func TestEmissionRespectsCausality(t *testing.T) {
	committee := testCommittee([]uint64{1, 1, 1, 1})
	coin := NewHashCoin(committee)
	certs, _, _ := partialSupportDAG(committee, coin)

	for seed := int64(0); seed < 4; seed++ {
		shuffled := make([]*types.Certificate, len(certs))
		copy(shuffled, certs)
		r := rand.New(rand.NewSource(seed))
		r.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		committed := make(chan *types.Certificate, 100)
		c := newEngine(committee, 1000, coin, committed, make(chan uint64, 10))
		for _, cert := range shuffled {
			c.process(cert)
		}

		sequence := drain(committed)
		if len(sequence) == 0 {
			t.Fatalf("seed %d committed nothing", seed)
		}
		positions := make(map[string]int, len(sequence))
		for i, cert := range sequence {
			digest := certDigest(cert)
			if _, dup := positions[digest]; dup {
				t.Fatalf("seed %d emitted a certificate twice", seed)
			}
			positions[digest] = i
		}
		for i, cert := range sequence {
			if cert.Round() < 2 {
				continue // round-1 parents are the genesis certificates
			}
			for _, parentDigest := range cert.Header.Parents {
				parentPos, emitted := positions[parentDigest]
				if !emitted {
					t.Fatalf("seed %d emitted a certificate whose parent never surfaced", seed)
				}
				if parentPos >= i {
					t.Fatalf("seed %d emitted a parent after its child", seed)
				}
			}
		}
	}
}

func TestAgreementUnderShuffledDelivery(t *testing.T) {
	committee := testCommittee([]uint64{1, 1, 1, 1})
	dag := fullDAG(committee, 7)
	certs := make([]*types.Certificate, 0)
	for _, round := range dag {
		for _, name := range committee.Names() {
			certs = append(certs, round[name])
		}
	}

	var reference []string
	for seed := int64(0); seed < 4; seed++ {
		shuffled := make([]*types.Certificate, len(certs))
		copy(shuffled, certs)
		r := rand.New(rand.NewSource(seed))
		r.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		committed := make(chan *types.Certificate, 100)
		c := newEngine(committee, 1000, NewHashCoin(committee), committed, make(chan uint64, 10))
		for _, cert := range shuffled {
			c.process(cert)
		}

		sequence := make([]string, 0)
		for _, cert := range drain(committed) {
			sequence = append(sequence, certDigest(cert))
		}
		// leaders 2, 4 and 6 commit; their histories cover rounds 1 to 6
		if len(sequence) != 21 {
			t.Fatalf("seed %d committed %d certificates, expected 21", seed, len(sequence))
		}
		if reference == nil {
			reference = sequence
			continue
		}
		for i := range sequence {
			if sequence[i] != reference[i] {
				t.Fatalf("seed %d disagrees with the reference order at position %d", seed, i)
			}
		}
	}
}

func TestGarbageCollectionBoundary(t *testing.T) {
	committee := testCommittee([]uint64{1, 1, 1, 1})
	committed := make(chan *types.Certificate, 100)
	feedback := make(chan uint64, 10)
	c := newEngine(committee, 1, NewHashCoin(committee), committed, feedback)

	dag := fullDAG(committee, 7)
	for _, round := range dag {
		for _, cert := range round {
			c.process(cert)
		}
	}

	// leaders 2, 4 and 6 committed, so the watermark settled at 6 - 1 = 5
	if c.gcRound != 5 {
		t.Fatalf("expected the watermark 5, got %d", c.gcRound)
	}
	watermarks := make([]uint64, 0, 3)
	for len(feedback) > 0 {
		watermarks = append(watermarks, <-feedback)
	}
	if len(watermarks) != 3 || watermarks[2] != 5 {
		t.Fatalf("unexpected watermark feedback %v", watermarks)
	}

	if _, ok := c.dag[4]; ok {
		t.Fatalf("a round below the watermark survived")
	}
	if len(c.dag[5]) != committee.Size() {
		t.Fatalf("the watermark round itself was pruned")
	}
	for _, cert := range dag[3] {
		if _, ok := c.byDigest[certDigest(cert)]; ok {
			t.Fatalf("a pruned certificate is still indexed")
		}
	}

	// anything older than the watermark is dropped on arrival
	before := len(c.byDigest)
	stale := &types.Certificate{Header: types.Header{
		Author: "node0", Round: 3, Parents: map[string]string{"node1": "ff"},
	}}
	c.process(stale)
	if len(c.byDigest) != before || len(c.pending) != 0 {
		t.Fatalf("a certificate below the watermark was admitted")
	}
}
