package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

func genMsgHashSum(data []byte) ([]byte, error) {
	msgHash := sha256.New()
	_, err := msgHash.Write(data)
	if err != nil {
		return nil, err
	}
	return msgHash.Sum(nil), nil
}

// Encode encodes the data into bytes.
// Data can be of any type.
func Encode(data interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes bytes produced by Encode back into v.
func Decode(data []byte, v interface{}) error {
	return json.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func digestOf(data interface{}) (string, error) {
	encoded, err := Encode(data)
	if err != nil {
		return "", err
	}
	hash, err := genMsgHashSum(encoded)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// Digest returns the batch's content digest as a hex string.
func (b *Batch) Digest() (string, error) {
	return digestOf(b)
}

// Size returns the total transaction bytes carried by the batch.
func (b *Batch) Size() int {
	size := 0
	for _, tx := range b.Txs {
		size += len(tx)
	}
	return size
}

// Digest returns the header's content digest. The author signature is not
// part of the digested content.
func (h *Header) Digest() (string, error) {
	unsigned := *h
	unsigned.Signature = nil
	return digestOf(unsigned)
}

// Digest of a certificate is the digest of its header.
func (c *Certificate) Digest() (string, error) {
	return c.Header.Digest()
}

func (c *Certificate) Round() uint64 {
	return c.Header.Round
}

func (c *Certificate) Author() string {
	return c.Header.Author
}

// GenesisCertificates returns the implicit round-0 certificates, one per
// committee member. They carry no parents and no votes and are derived
// identically by every node.
func GenesisCertificates(names []string) []*Certificate {
	certs := make([]*Certificate, 0, len(names))
	for _, name := range names {
		certs = append(certs, &Certificate{
			Header: Header{
				Author: name,
				Round:  0,
			},
		})
	}
	return certs
}
