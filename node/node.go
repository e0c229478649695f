package node

import (
	"sync"
	"time"

	"Beluga/config"
	"Beluga/conn"
	"Beluga/consensus"
	"Beluga/primary"
	"Beluga/store"
	"Beluga/types"
	"Beluga/worker"

	"github.com/hashicorp/go-hclog"
)

// Node wires one validator together: a transport, a worker, a primary and
// a consensus engine connected by bounded channels. The committed stream is
// drained in-process; a real application would consume it instead.
type Node struct {
	name   string
	conf   *config.Config
	logger hclog.Logger

	trans *conn.NetworkTransport
	store *store.Store

	worker    *worker.Worker
	primary   *primary.Primary
	consensus *consensus.Consensus
	coin      consensus.Coin

	certCh      chan *types.Certificate
	feedbackCh  chan uint64
	committedCh chan *types.Certificate

	lock         sync.Mutex
	committedSeq []string
	evaluation   []int64
}

// NewNode creates the node and opens its store. Configuration errors are
// fatal before any task starts.
func NewNode(conf *config.Config) (*Node, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "beluga-" + conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	var st *store.Store
	var err error
	if conf.StorePath == "" {
		st = store.NewMemStore()
	} else {
		st, err = store.NewStore(conf.StorePath)
		if err != nil {
			return nil, err
		}
	}
	return &Node{
		name:   conf.Name,
		conf:   conf,
		logger: logger,
		store:  st,
	}, nil
}

// StartP2PListen binds this node's endpoint.
func (n *Node) StartP2PListen() error {
	trans, err := conn.NewTCPTransport(n.conf.Committee.Address(n.name), 2*time.Second,
		n.conf.Params.MaxPool, n.conf.Params.ChannelCapacity, types.ReflectedTypesMap, n.logger)
	if err != nil {
		return err
	}
	n.trans = trans
	return nil
}

// EstablishP2PConns warms one pooled connection to every committee member.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return conn.ErrTransportShutdown
	}
	for addrWithPort := range n.conf.Committee.AddrsWithPorts() {
		netConn, err := n.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = n.trans.ReturnConn(netConn); err != nil {
			return err
		}
	}
	return nil
}

// Spawn starts the worker, the primary, the consensus engine and the
// committed-stream drain, then returns.
func (n *Node) Spawn() error {
	capacity := n.conf.Params.ChannelCapacity
	n.certCh = make(chan *types.Certificate, capacity)
	n.feedbackCh = make(chan uint64, capacity)
	n.committedCh = make(chan *types.Certificate, capacity)

	w, err := worker.NewWorker(n.name, 0, n.conf, n.store, n.trans, n.logger)
	if err != nil {
		return err
	}
	n.worker = w
	n.worker.Spawn()

	var electSink primary.ElectSink
	switch n.conf.Coin {
	case config.CoinThreshold:
		coin := consensus.NewThresholdCoin(n.conf.Committee, n.conf.TsPublicKey)
		n.coin = coin
		electSink = coin
	default:
		n.coin = consensus.NewHashCoin(n.conf.Committee)
	}

	n.primary = primary.Spawn(n.conf, n.store, n.trans, n.worker, electSink,
		n.worker.DigestChan(), n.worker.AvailabilityChan(), n.certCh, n.feedbackCh, n.logger)
	n.consensus = consensus.Spawn(n.conf.Committee, n.conf.Params.GCDepth, n.coin,
		n.certCh, n.feedbackCh, n.committedCh, n.logger)

	go n.drainLoop()
	return nil
}

// Submit enqueues one transaction into this node's worker.
func (n *Node) Submit(tx []byte) {
	n.worker.Submit(tx)
}

// IsFaultyNode reports whether this node plays the faulty role in a run.
func (n *Node) IsFaultyNode() bool {
	return n.conf.IsFaulty
}

// CommittedSequence returns a copy of the digests emitted so far, in
// emission order.
func (n *Node) CommittedSequence() []string {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]string, len(n.committedSeq))
	copy(out, n.committedSeq)
	return out
}

// drainLoop is the reference consumer: it records the emission order and
// the commit latency, nothing more.
func (n *Node) drainLoop() {
	for cert := range n.committedCh {
		digest, err := cert.Digest()
		if err != nil {
			continue
		}
		n.lock.Lock()
		n.committedSeq = append(n.committedSeq, digest)
		if cert.Header.Timestamp > 0 {
			n.evaluation = append(n.evaluation, time.Now().UnixNano()-cert.Header.Timestamp)
		}
		n.lock.Unlock()
		n.logger.Debug("certificate committed", "node", n.name,
			"round", cert.Round(), "author", cert.Author())
	}
}

// Close shuts the transport and the store down.
func (n *Node) Close() error {
	if n.trans != nil {
		_ = n.trans.Close()
	}
	return n.store.Close()
}
