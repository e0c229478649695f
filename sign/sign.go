package sign

import (
	"crypto/ed25519"

	"github.com/seafooler/sign_tools"
	"go.dedis.ch/kyber/v3/share"
)

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	return sign_tools.GenED25519Keys()
}

// SignEd25519 signs the data with the private key.
func SignEd25519(priKey ed25519.PrivateKey, data []byte) []byte {
	return sign_tools.SignEd25519(priKey, data)
}

// VerifySignEd25519 verifies the signature over data with the public key.
func VerifySignEd25519(pubKey ed25519.PublicKey, data, sig []byte) (bool, error) {
	return sign_tools.VerifySignEd25519(pubKey, data, sig)
}

// GenTSKeys generates n threshold key shares with threshold t.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	return sign_tools.GenTSKeys(t, n)
}

// SignTSPartial creates a partial threshold signature over data.
func SignTSPartial(priShare *share.PriShare, data []byte) []byte {
	return sign_tools.SignTSPartial(priShare, data)
}

// AssembleIntactTSPartial assembles t partial signatures into an intact
// threshold signature over data.
func AssembleIntactTSPartial(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) []byte {
	return sign_tools.AssembleIntactTSPartial(partialSigs, pubPoly, data, t, n)
}
