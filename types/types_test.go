package types

import (
	"testing"
)

func TestHeaderDigestIgnoresSignature(t *testing.T) {
	header := Header{
		Author:    "node1",
		Round:     3,
		Timestamp: 12345,
		Parents:   map[string]string{"node0": "aa", "node2": "bb", "node3": "cc"},
		Payload:   map[string]BatchRef{"dd": {WorkerID: 0, Size: 100}},
	}
	unsigned, err := header.Digest()
	if err != nil {
		t.Fatal(err)
	}
	header.Signature = []byte("a signature over the digest")
	signed, err := header.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if unsigned != signed {
		t.Fatalf("the signature leaked into the header digest")
	}

	header.Round = 4
	changed, err := header.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if changed == unsigned {
		t.Fatalf("different header content produced the same digest")
	}
}

func TestBatchDigestAndSize(t *testing.T) {
	batch := Batch{
		Sender:   "node0",
		WorkerID: 0,
		Txs:      [][]byte{[]byte("tx-one"), []byte("tx-two")},
	}
	first, err := batch.Digest()
	if err != nil {
		t.Fatal(err)
	}
	second, err := batch.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("the batch digest is not stable")
	}
	if batch.Size() != 12 {
		t.Fatalf("expected size 12, got %d", batch.Size())
	}

	batch.Txs = append(batch.Txs, []byte("tx-three"))
	third, err := batch.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Fatalf("appending a transaction did not change the digest")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cert := Certificate{
		Header: Header{
			Author:  "node2",
			Round:   5,
			Parents: map[string]string{"node0": "aa", "node1": "bb", "node2": "cc"},
		},
		Votes: []VoteProof{
			{Voter: "node0", Signature: []byte{1, 2, 3}},
			{Voter: "node1", Signature: []byte{4, 5, 6}},
		},
	}
	encoded, err := Encode(cert)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Certificate
	if err := Decode(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	before, _ := cert.Digest()
	after, _ := decoded.Digest()
	if before != after {
		t.Fatalf("the digest changed across an encode/decode round trip")
	}
	if len(decoded.Votes) != 2 || decoded.Votes[1].Voter != "node1" {
		t.Fatalf("the votes did not survive the round trip")
	}
}

func TestGenesisCertificatesAreDeterministic(t *testing.T) {
	names := []string{"node0", "node1", "node2", "node3"}
	first := GenesisCertificates(names)
	second := GenesisCertificates(names)
	if len(first) != len(names) {
		t.Fatalf("expected %d genesis certificates, got %d", len(names), len(first))
	}
	for i := range first {
		if first[i].Round() != 0 {
			t.Fatalf("a genesis certificate is not in round 0")
		}
		d1, _ := first[i].Digest()
		d2, _ := second[i].Digest()
		if d1 != d2 {
			t.Fatalf("genesis certificates differ across derivations")
		}
	}
}
