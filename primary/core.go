package primary

import (
	"sort"

	"Beluga/sign"
	"Beluga/store"
	"Beluga/types"
)

// maybeCertify aggregates this node's votes for its round header into a
// certificate once they carry a quorum of stake.
func (p *Primary) maybeCertify(round uint64) {
	p.lock.Lock()
	own := p.ownHeaders[round]
	if own == nil || p.ownCerts[round] || p.voteStake[round] < p.quorum {
		p.lock.Unlock()
		return
	}
	voters := make([]string, 0, len(p.votes[round]))
	for voter := range p.votes[round] {
		voters = append(voters, voter)
	}
	sort.Strings(voters)
	proofs := make([]types.VoteProof, 0, len(voters))
	for _, voter := range voters {
		proofs = append(proofs, types.VoteProof{
			Voter:     voter,
			Signature: p.votes[round][voter].Signature,
		})
	}
	cert := &types.Certificate{Header: *own, Votes: proofs}
	p.ownCerts[round] = true
	p.lock.Unlock()

	digest, err := cert.Digest()
	if err != nil {
		panic(err)
	}
	p.logger.Info("certified the own header", "node", p.name, "round", round,
		"votes", len(proofs))
	if err := p.broadcast(types.CertificateTag, *cert); err != nil {
		p.logger.Error("fail to broadcast the certificate", "round", round, "error", err)
	}
	p.acceptCertificate(cert, digest)
}

// acceptCertificate admits a verified, causally complete certificate into
// the local DAG, persists it, forwards it to consensus and retries parked
// messages that were waiting for it.
func (p *Primary) acceptCertificate(cert *types.Certificate, digest string) {
	round := cert.Round()
	author := cert.Author()

	p.lock.Lock()
	if _, ok := p.certs[round]; !ok {
		p.certs[round] = make(map[string]*types.Certificate)
	}
	if _, ok := p.certs[round][author]; ok {
		p.lock.Unlock()
		return
	}
	p.certs[round][author] = cert
	p.certStake[round] += p.committee.Stake(author)
	p.certByDigest[digest] = cert
	if author == p.name {
		p.ownCerts[round] = true
	}
	if parked, ok := p.pendingCerts[round]; ok {
		delete(parked, author)
	}
	electRound := uint64(0)
	if p.electSink != nil && round >= 2 && round%2 == 0 &&
		p.certStake[round] >= p.quorum && !p.electSent[round] {
		p.electSent[round] = true
		electRound = round
	}
	p.tryAdvance()
	p.lock.Unlock()

	encoded, err := types.Encode(cert)
	if err != nil {
		// failing to serialize locally accepted data leaves the replica
		// untrustworthy
		panic(err)
	}
	if err := p.store.Put(store.CertKey(digest), encoded); err != nil {
		panic(err)
	}

	p.logger.Debug("certificate admitted into the DAG", "node", p.name,
		"round", round, "author", author)
	p.certOut <- cert

	if electRound > 0 {
		p.broadcastElect(electRound)
	}
	p.processPendingCerts()
	p.processPendingHeaders()
}

// processPendingCerts retries parked certificates whose parents may have
// arrived.
func (p *Primary) processPendingCerts() {
	p.lock.Lock()
	retry := make([]*types.Certificate, 0)
	for round, parked := range p.pendingCerts {
		for author, cert := range parked {
			complete := true
			for _, parentDigest := range cert.Header.Parents {
				if _, ok := p.certByDigest[parentDigest]; !ok && cert.Round()-1 >= p.gcRound {
					complete = false
					break
				}
			}
			if complete {
				retry = append(retry, cert)
				delete(parked, author)
			}
		}
		if len(parked) == 0 {
			delete(p.pendingCerts, round)
		}
	}
	p.lock.Unlock()
	for _, cert := range retry {
		p.HandleCertificate(cert)
	}
}

// processPendingHeaders retries parked headers whose parents or batches may
// have arrived.
func (p *Primary) processPendingHeaders() {
	p.lock.Lock()
	retry := make([]*types.Header, 0)
	for round, parked := range p.pendingHeaders {
		for _, header := range parked {
			retry = append(retry, header)
		}
		delete(p.pendingHeaders, round)
	}
	p.lock.Unlock()
	for _, header := range retry {
		p.HandleHeader(header)
	}
}

// broadcastElect shares this node's partial threshold signature for a
// leader round with the committee and with the local coin.
func (p *Primary) broadcastElect(round uint64) {
	data, err := types.Encode(round)
	if err != nil {
		panic(err)
	}
	partial := sign.SignTSPartial(p.tsPrivateKey, data)
	p.electSink.Feed(round, p.name, partial)
	elect := types.Elect{Sender: p.name, Round: round, PartialSig: partial}
	if err := p.broadcast(types.ElectTag, elect); err != nil {
		p.logger.Error("fail to broadcast the elect message", "round", round, "error", err)
	}
}
