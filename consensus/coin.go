package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"Beluga/config"
	"Beluga/sign"
	"Beluga/types"

	"go.dedis.ch/kyber/v3/share"
)

// Coin yields the leader of a leader round. Every honest node must derive
// the identical leader for a round; ok is false while the coin's randomness
// for the round is not yet available.
type Coin interface {
	Leader(round uint64, certs []*types.Certificate) (string, bool)
	Notify() <-chan struct{}
}

// pickByStake maps a pseudorandom value onto the committee, weighted by
// stake: a validator owning s of the total stake wins s/total of the values.
func pickByStake(committee *config.Committee, value uint64) string {
	target := value % committee.TotalStake()
	cumulative := uint64(0)
	names := committee.Names()
	for _, name := range names {
		cumulative += committee.Stake(name)
		if target < cumulative {
			return name
		}
	}
	return names[len(names)-1]
}

// HashCoin derives the leader from the round number alone. It is
// deterministic and identical on every node, but predictable in advance;
// deployments that need censorship resistance use the ThresholdCoin.
type HashCoin struct {
	committee *config.Committee
}

func NewHashCoin(committee *config.Committee) *HashCoin {
	return &HashCoin{committee: committee}
}

func (c *HashCoin) Leader(round uint64, _ []*types.Certificate) (string, bool) {
	var input [8]byte
	binary.BigEndian.PutUint64(input[:], round)
	digest := sha256.Sum256(input[:])
	return pickByStake(c.committee, binary.BigEndian.Uint64(digest[:8])), true
}

func (c *HashCoin) Notify() <-chan struct{} {
	return nil
}

// ThresholdCoin derives the leader from an assembled threshold signature
// over the round number. The value is unpredictable until a quorum of
// committee members reveal their partials, yet every node assembles the
// same signature and thus the same leader.
type ThresholdCoin struct {
	lock      sync.Mutex
	committee *config.Committee
	pubPoly   *share.PubPoly
	quorumNum int
	nodeNum   int
	partials  map[uint64]map[string][]byte
	values    map[uint64][]byte
	notifyCh  chan struct{}
}

func NewThresholdCoin(committee *config.Committee, pubPoly *share.PubPoly) *ThresholdCoin {
	return &ThresholdCoin{
		committee: committee,
		pubPoly:   pubPoly,
		quorumNum: committee.QuorumCount(),
		nodeNum:   committee.Size(),
		partials:  make(map[uint64]map[string][]byte),
		values:    make(map[uint64][]byte),
		notifyCh:  make(chan struct{}, 1),
	}
}

// Feed adds one member's partial signature for a round and assembles the
// coin value once enough partials are in.
func (tc *ThresholdCoin) Feed(round uint64, sender string, partial []byte) {
	if !tc.committee.Exists(sender) {
		return
	}
	tc.lock.Lock()
	defer tc.lock.Unlock()
	if _, ok := tc.values[round]; ok {
		return
	}
	if _, ok := tc.partials[round]; !ok {
		tc.partials[round] = make(map[string][]byte)
	}
	tc.partials[round][sender] = partial
	if len(tc.partials[round]) < tc.quorumNum {
		return
	}

	data, err := types.Encode(round)
	if err != nil {
		panic(err)
	}
	partialSigs := make([][]byte, 0, len(tc.partials[round]))
	for _, sig := range tc.partials[round] {
		partialSigs = append(partialSigs, sig)
	}
	value := sign.AssembleIntactTSPartial(partialSigs, tc.pubPoly, data, tc.quorumNum, tc.nodeNum)
	tc.values[round] = value
	delete(tc.partials, round)
	select {
	case tc.notifyCh <- struct{}{}:
	default:
	}
}

func (tc *ThresholdCoin) Leader(round uint64, _ []*types.Certificate) (string, bool) {
	tc.lock.Lock()
	value, ok := tc.values[round]
	tc.lock.Unlock()
	if !ok {
		return "", false
	}
	return pickByStake(tc.committee, uint64(binary.BigEndian.Uint32(value))), true
}

func (tc *ThresholdCoin) Notify() <-chan struct{} {
	return tc.notifyCh
}
