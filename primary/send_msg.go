package primary

import (
	"Beluga/conn"
	"Beluga/sign"
	"Beluga/types"
)

// sendVote endorses a valid header to its author.
func (p *Primary) sendVote(header *types.Header, digest string) {
	vote := types.Vote{
		Voter:        p.name,
		Author:       header.Author,
		Round:        header.Round,
		HeaderDigest: digest,
		Signature:    sign.SignEd25519(p.privateKey, []byte(digest)),
	}
	if header.Author == p.name {
		p.HandleVote(&vote)
		return
	}
	if err := p.send(types.VoteTag, vote, header.Author); err != nil {
		p.logger.Error("fail to send the vote", "round", header.Round,
			"target", header.Author, "error", err)
	}
}

// sendCertRequest asks a peer for the certificates filling a causal gap.
func (p *Primary) sendCertRequest(digests []string, target string) {
	if target == p.name {
		return
	}
	request := types.CertRequest{Requester: p.name, Digests: digests}
	if err := p.send(types.CertRequestTag, request, target); err != nil {
		p.logger.Error("fail to request certificates", "target", target, "error", err)
	}
}

// send message to all nodes
func (p *Primary) broadcast(msgType uint8, msg interface{}) error {
	msgAsBytes, err := types.Encode(msg)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(p.privateKey, msgAsBytes)
	for addrWithPort := range p.committee.AddrsWithPorts() {
		netConn, err := p.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = conn.SendMsg(netConn, msgType, msg, sig); err != nil {
			return err
		}
		if err = p.trans.ReturnConn(netConn); err != nil {
			return err
		}
	}
	return nil
}

// only send message to one node
func (p *Primary) send(msgType uint8, msg interface{}, target string) error {
	msgAsBytes, err := types.Encode(msg)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(p.privateKey, msgAsBytes)
	netConn, err := p.trans.GetConn(p.committee.Address(target))
	if err != nil {
		return err
	}
	if err = conn.SendMsg(netConn, msgType, msg, sig); err != nil {
		return err
	}
	return p.trans.ReturnConn(netConn)
}
