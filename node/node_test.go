package node

import (
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"Beluga/config"
	"Beluga/sign"
)

func testParams() config.Parameters {
	params := config.DefaultParameters()
	params.BatchSize = 2_000
	params.MaxBatchDelay = 20 * time.Millisecond
	params.HeaderTimeout = 500 * time.Millisecond
	params.GCDepth = 1_000
	params.ChannelCapacity = 10_000
	params.SyncRetryDelay = time.Second
	return params
}

func setupNodes(portBase int, params config.Parameters, coin string) []*Node {
	names := make([]string, 4)
	privKeys := make([]ed25519.PrivateKey, 4)
	pubKeys := make([]ed25519.PublicKey, 4)
	for i := 0; i < 4; i++ {
		names[i] = "node" + strconv.Itoa(i)
		privKeys[i], pubKeys[i] = sign.GenED25519Keys()
	}
	members := make(map[string]config.Member, 4)
	for i := 0; i < 4; i++ {
		members[names[i]] = config.Member{
			Addr:      "127.0.0.1",
			Port:      portBase + 10*i,
			PublicKey: pubKeys[i],
			Stake:     1,
		}
	}
	committee := config.NewCommittee(members)

	// create the threshold keys
	shares, pubPoly := sign.GenTSKeys(3, 4)

	// create configs and nodes
	nodes := make([]*Node, 4)
	for i := 0; i < 4; i++ {
		conf := config.New(names[i], committee, params, privKeys[i], pubPoly, shares[i],
			4, "", coin, false)
		n, err := NewNode(conf)
		if err != nil {
			panic(err)
		}
		if err := n.StartP2PListen(); err != nil {
			panic(err)
		}
		nodes[i] = n
	}
	for i := 0; i < 4; i++ {
		go nodes[i].EstablishP2PConns()
	}
	time.Sleep(time.Second)
	return nodes
}

func clean(nodes []*Node) {
	for _, n := range nodes {
		_ = n.Close()
	}
}

func generateTestTX(s int) []byte {
	tx := make([]byte, s)
	for i := range tx {
		tx[i] = byte(rand.Intn(200))
	}
	return tx
}

// compareCommitted checks that every node emitted the same certificates in
// the same order, up to the shortest sequence.
func compareCommitted(nodes []*Node, t *testing.T) {
	sequences := make([][]string, len(nodes))
	shortest := -1
	for i, n := range nodes {
		sequences[i] = n.CommittedSequence()
		if shortest == -1 || len(sequences[i]) < shortest {
			shortest = len(sequences[i])
		}
	}
	if shortest == 0 {
		t.Fatalf("a node committed nothing")
	}
	for i := 1; i < len(sequences); i++ {
		for j := 0; j < shortest; j++ {
			if sequences[i][j] != sequences[0][j] {
				t.Fatalf("node0 and node%d disagree at position %d", i, j)
			}
		}
	}
	fmt.Printf("all the nodes agree on %d committed certificates!\n", shortest)
}

func runNodes(nodes []*Node, t *testing.T) {
	for i, n := range nodes {
		fmt.Printf("node%d starts the Beluga!\n", i)
		if err := n.Spawn(); err != nil {
			t.Fatal(err)
		}
		go n.HandleMsgLoop()
	}
	for _, n := range nodes {
		for j := 0; j < 500; j++ {
			n.Submit(generateTestTX(64))
		}
	}
}

func TestWith4Nodes(t *testing.T) {
	nodes := setupNodes(8000, testParams(), config.CoinHash)
	runNodes(nodes, t)

	// let the nodes build and order the DAG
	time.Sleep(10 * time.Second)

	compareCommitted(nodes, t)
	clean(nodes)
}

func TestWith4NodesThresholdCoin(t *testing.T) {
	nodes := setupNodes(8200, testParams(), config.CoinThreshold)
	runNodes(nodes, t)

	time.Sleep(10 * time.Second)

	compareCommitted(nodes, t)
	clean(nodes)
}

func TestWith4NodesCodedBatches(t *testing.T) {
	params := testParams()
	params.CodedDissemination = true
	nodes := setupNodes(8400, params, config.CoinHash)
	runNodes(nodes, t)

	time.Sleep(10 * time.Second)

	compareCommitted(nodes, t)
	clean(nodes)
}
