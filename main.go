package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"Beluga/config"
	"Beluga/node"
	"Beluga/sign"
)

var conf *config.Config
var err error

func init() {
	rand.Seed(time.Now().UnixNano())
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	if conf.Protocol == "beluga" {
		startBeluga()
	} else if conf.Protocol == "keygen" {
		generateKeyFiles()
	} else {
		panic(errors.New("the protocol is unknown"))
	}
}

func startBeluga() {
	n, err := node.NewNode(conf)
	if err != nil {
		panic(err)
	}
	if err = n.StartP2PListen(); err != nil {
		panic(err)
	}
	// wait for each node to start
	time.Sleep(time.Second * 10)
	if err = n.EstablishP2PConns(); err != nil {
		panic(err)
	}
	if n.IsFaultyNode() {
		return
	}
	fmt.Println("node starts the Beluga!")
	if err = n.Spawn(); err != nil {
		panic(err)
	}
	go loadLoop(n)
	n.HandleMsgLoop()
}

// loadLoop feeds the worker with synthetic transactions.
func loadLoop(n *node.Node) {
	for {
		n.Submit(generateTX(250))
		time.Sleep(time.Millisecond)
	}
}

// generate a transaction with s bytes
func generateTX(s int) []byte {
	var trans []byte
	for i := 0; i < s; i++ {
		trans = append(trans, byte(rand.Intn(200)))
	}
	return trans
}

// generateKeyFiles prints fresh ED25519 key pairs and threshold key shares
// for the whole committee, one file per node.
func generateKeyFiles() {
	n := conf.KeygenNodes
	t := conf.KeygenThreshold
	if n == 0 {
		panic(errors.New("keygen_nodes must be set"))
	}
	if t == 0 {
		t = (2*n + 2) / 3
	}
	outDir := conf.KeygenOutDir
	if outDir == "" {
		outDir = "."
	}

	shares, pubPoly := sign.GenTSKeys(t, n)
	polyAsBytes, err := sign.MarshalPubPoly(pubPoly)
	if err != nil {
		panic(err)
	}
	for i := 0; i < n; i++ {
		priv, pub := sign.GenED25519Keys()
		shareAsBytes, err := sign.MarshalPriShare(shares[i])
		if err != nil {
			panic(err)
		}
		content := "name: node" + strconv.Itoa(i) + "\n" +
			"public_key: " + hex.EncodeToString(pub) + "\n" +
			"private_key: " + hex.EncodeToString(priv) + "\n" +
			"ts_share: " + hex.EncodeToString(shareAsBytes) + "\n" +
			"ts_pub_poly: " + hex.EncodeToString(polyAsBytes) + "\n"
		filename := filepath.Join(outDir, "node"+strconv.Itoa(i)+".keys.yaml")
		if err := os.WriteFile(filename, []byte(content), 0600); err != nil {
			panic(err)
		}
		fmt.Printf("wrote %s\n", filename)
	}
}
