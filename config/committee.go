package config

import (
	"crypto/ed25519"
	"sort"
	"strconv"
)

// Member is one validator of the committee.
type Member struct {
	Addr      string
	Port      int
	PublicKey ed25519.PublicKey
	Stake     uint64
}

// Committee maps validator names to their identity and stake weight. It is
// immutable for an epoch.
type Committee struct {
	members map[string]Member
	names   []string
	total   uint64
}

// NewCommittee builds a committee from the member set.
func NewCommittee(members map[string]Member) *Committee {
	names := make([]string, 0, len(members))
	total := uint64(0)
	for name, m := range members {
		names = append(names, name)
		total += m.Stake
	}
	sort.Strings(names)
	return &Committee{members: members, names: names, total: total}
}

// Size returns the number of validators.
func (c *Committee) Size() int {
	return len(c.members)
}

// Names returns the validator names in a fixed (sorted) order.
func (c *Committee) Names() []string {
	return c.names
}

// Exists reports whether name is a committee member.
func (c *Committee) Exists(name string) bool {
	_, ok := c.members[name]
	return ok
}

// Stake returns the stake of the named validator (0 if unknown).
func (c *Committee) Stake(name string) uint64 {
	return c.members[name].Stake
}

// TotalStake returns the committee's combined stake.
func (c *Committee) TotalStake() uint64 {
	return c.total
}

// Quorum returns the smallest stake strictly greater than 2/3 of the total.
func (c *Committee) Quorum() uint64 {
	return 2*c.total/3 + 1
}

// QuorumCount returns the count-based quorum ceil(2n/3), used where shares
// are dealt per member rather than per unit of stake.
func (c *Committee) QuorumCount() int {
	n := len(c.members)
	return (2*n + 2) / 3
}

// PublicKey returns the named validator's public key.
func (c *Committee) PublicKey(name string) (ed25519.PublicKey, bool) {
	m, ok := c.members[name]
	return m.PublicKey, ok
}

// Address returns the "addr:port" endpoint of the named validator.
func (c *Committee) Address(name string) string {
	m := c.members[name]
	return m.Addr + ":" + strconv.Itoa(m.Port)
}

// AddrsWithPorts maps every endpoint to the validator's index in name
// order, used to warm the connection pool.
func (c *Committee) AddrsWithPorts() map[string]uint8 {
	out := make(map[string]uint8, len(c.names))
	for i, name := range c.names {
		out[c.Address(name)] = uint8(i)
	}
	return out
}

// Index returns the position of name in the sorted name order.
func (c *Committee) Index(name string) int {
	for i, n := range c.names {
		if n == name {
			return i
		}
	}
	return -1
}
