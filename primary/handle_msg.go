package primary

import (
	"Beluga/sign"
	"Beluga/store"
	"Beluga/types"
)

// HandleHeader validates a peer's header and votes for the first valid
// header of each (author, round). Headers whose parents or batches are not
// yet local are parked and retried once the prerequisites arrive.
func (p *Primary) HandleHeader(header *types.Header) {
	digest, err := header.Digest()
	if err != nil {
		p.logger.Error("fail to hash the header", "author", header.Author, "error", err)
		return
	}
	if !p.committee.Exists(header.Author) {
		p.logger.Error("header author is not in the committee", "author", header.Author)
		return
	}
	pk, _ := p.committee.PublicKey(header.Author)
	if ok, err := sign.VerifySignEd25519(pk, []byte(digest), header.Signature); !ok || err != nil {
		p.logger.Error("fail to verify the header's signature", "author", header.Author,
			"round", header.Round, "error", err)
		return
	}
	if header.Round == 0 {
		p.logger.Error("header for the genesis round", "author", header.Author)
		return
	}

	// the parent citations must carry a quorum of stake on their own
	parentStake := uint64(0)
	for author := range header.Parents {
		if !p.committee.Exists(author) {
			p.logger.Error("header cites a parent from outside the committee",
				"author", header.Author, "round", header.Round, "parent", author)
			return
		}
		parentStake += p.committee.Stake(author)
	}
	if parentStake < p.quorum {
		p.logger.Error("header cites fewer than quorum stake of parents",
			"author", header.Author, "round", header.Round, "stake", parentStake)
		return
	}

	p.lock.Lock()
	if header.Round < p.gcRound {
		p.lock.Unlock()
		return
	}
	if header.Round > p.round+p.params.GCDepth {
		p.lock.Unlock()
		p.logger.Error("header round is beyond the tolerance window", "author", header.Author,
			"round", header.Round, "local-round", p.round)
		return
	}
	if accepted, ok := p.acceptedHeaders[header.Round][header.Author]; ok {
		p.lock.Unlock()
		if accepted == digest {
			// redelivery: vote again for the same content so a header
			// retransmit can still gather its quorum
			p.sendVote(header, digest)
		} else {
			p.logger.Error("equivocating header rejected", "author", header.Author,
				"round", header.Round)
		}
		return
	}

	// every cited parent must be certified locally before we vote
	missingCerts := make([]string, 0)
	for author, parentDigest := range header.Parents {
		parent, ok := p.certByDigest[parentDigest]
		if !ok {
			if header.Round-1 < p.gcRound {
				continue // pruned, already committed
			}
			missingCerts = append(missingCerts, parentDigest)
			continue
		}
		if parent.Round() != header.Round-1 || parent.Author() != author {
			p.lock.Unlock()
			p.logger.Error("header cites an invalid parent", "author", header.Author,
				"round", header.Round, "parent", author)
			return
		}
	}
	if len(missingCerts) > 0 {
		p.parkHeader(header)
		p.lock.Unlock()
		p.sendCertRequest(missingCerts, header.Author)
		return
	}

	// every cited batch must be available before we vote
	missingBatches := make([]string, 0)
	for batchDigest := range header.Payload {
		if !p.batches.HasBatch(batchDigest) {
			missingBatches = append(missingBatches, batchDigest)
		}
	}
	if len(missingBatches) > 0 {
		p.parkHeader(header)
		p.lock.Unlock()
		p.batches.Sync(missingBatches, header.Author)
		return
	}

	if _, ok := p.acceptedHeaders[header.Round]; !ok {
		p.acceptedHeaders[header.Round] = make(map[string]string)
	}
	p.acceptedHeaders[header.Round][header.Author] = digest
	if parked, ok := p.pendingHeaders[header.Round]; ok {
		delete(parked, header.Author)
	}
	p.lock.Unlock()

	encoded, err := types.Encode(header)
	if err != nil {
		p.logger.Error("fail to encode the header", "author", header.Author, "error", err)
		return
	}
	if err := p.store.Put(store.HeaderKey(digest), encoded); err != nil {
		panic(err)
	}
	p.sendVote(header, digest)
}

// HandleVote aggregates votes for this node's own header of the round and
// forms the certificate at quorum stake. Duplicate votes have no effect.
func (p *Primary) HandleVote(vote *types.Vote) {
	if !p.committee.Exists(vote.Voter) {
		p.logger.Error("voter is not in the committee", "voter", vote.Voter)
		return
	}
	pk, _ := p.committee.PublicKey(vote.Voter)
	if ok, err := sign.VerifySignEd25519(pk, []byte(vote.HeaderDigest), vote.Signature); !ok || err != nil {
		p.logger.Error("fail to verify the vote's signature", "voter", vote.Voter,
			"round", vote.Round, "error", err)
		return
	}

	p.lock.Lock()
	own := p.ownHeaders[vote.Round]
	if own == nil {
		p.lock.Unlock()
		return
	}
	ownDigest, err := own.Digest()
	if err != nil || ownDigest != vote.HeaderDigest {
		p.lock.Unlock()
		p.logger.Error("vote for a header this node never proposed", "voter", vote.Voter,
			"round", vote.Round)
		return
	}
	if _, ok := p.votes[vote.Round][vote.Voter]; ok {
		p.lock.Unlock()
		return
	}
	if _, ok := p.votes[vote.Round]; !ok {
		p.votes[vote.Round] = make(map[string]*types.Vote)
	}
	p.votes[vote.Round][vote.Voter] = vote
	p.voteStake[vote.Round] += p.committee.Stake(vote.Voter)
	p.lock.Unlock()

	encoded, err := types.Encode(vote)
	if err == nil {
		if err := p.store.Put(store.VoteKey(vote.HeaderDigest, vote.Voter), encoded); err != nil {
			panic(err)
		}
	}
	p.maybeCertify(vote.Round)
}

// HandleCertificate verifies a certificate and admits it into the local
// DAG. Certificates whose parents are unknown are parked and the parents
// requested from the sender.
func (p *Primary) HandleCertificate(cert *types.Certificate) {
	digest, err := cert.Digest()
	if err != nil {
		p.logger.Error("fail to hash the certificate", "author", cert.Author(), "error", err)
		return
	}
	if !p.verifyCertificate(cert, digest) {
		return
	}

	p.lock.Lock()
	if cert.Round() < p.gcRound {
		p.lock.Unlock()
		return
	}
	if cert.Round() > p.round+p.params.GCDepth {
		p.lock.Unlock()
		p.logger.Error("certificate round is beyond the tolerance window", "author", cert.Author(),
			"round", cert.Round(), "local-round", p.round)
		return
	}
	if existing, ok := p.certs[cert.Round()][cert.Author()]; ok {
		existingDigest, _ := existing.Digest()
		p.lock.Unlock()
		if existingDigest != digest {
			p.logger.Error("conflicting certificate for the same author and round",
				"author", cert.Author(), "round", cert.Round())
		}
		return
	}
	missing := make([]string, 0)
	if cert.Round() > 0 && cert.Round()-1 >= p.gcRound {
		for _, parentDigest := range cert.Header.Parents {
			if _, ok := p.certByDigest[parentDigest]; !ok {
				missing = append(missing, parentDigest)
			}
		}
	}
	if len(missing) > 0 {
		if _, ok := p.pendingCerts[cert.Round()]; !ok {
			p.pendingCerts[cert.Round()] = make(map[string]*types.Certificate)
		}
		p.pendingCerts[cert.Round()][cert.Author()] = cert
		p.lock.Unlock()
		p.sendCertRequest(missing, cert.Author())
		return
	}
	p.lock.Unlock()

	p.acceptCertificate(cert, digest)
}

// parkHeader holds a header back until its parents or batches arrive; one
// slot per (round, author). Callers hold the lock.
func (p *Primary) parkHeader(header *types.Header) {
	if _, ok := p.pendingHeaders[header.Round]; !ok {
		p.pendingHeaders[header.Round] = make(map[string]*types.Header)
	}
	p.pendingHeaders[header.Round][header.Author] = header
}

// HandleCertRequest serves locally certified certificates to a peer that
// found a causal gap.
func (p *Primary) HandleCertRequest(request *types.CertRequest) {
	p.lock.RLock()
	certs := make([]types.Certificate, 0, len(request.Digests))
	for _, digest := range request.Digests {
		if cert, ok := p.certByDigest[digest]; ok && cert.Round() > 0 {
			certs = append(certs, *cert)
		}
	}
	p.lock.RUnlock()
	if len(certs) == 0 {
		return
	}
	reply := types.CertReply{Sender: p.name, Certs: certs}
	if err := p.send(types.CertReplyTag, reply, request.Requester); err != nil {
		p.logger.Error("fail to reply the certificate request",
			"target", request.Requester, "error", err)
	}
}

// HandleCertReply routes fetched certificates through the normal admission
// path.
func (p *Primary) HandleCertReply(reply *types.CertReply) {
	for i := range reply.Certs {
		cert := reply.Certs[i]
		p.HandleCertificate(&cert)
	}
}

// verifyCertificate checks the certificate's structure and cryptography:
// committee membership, the author signature, a quorum of stake of parent
// citations and a quorum of stake of valid vote signatures.
func (p *Primary) verifyCertificate(cert *types.Certificate, digest string) bool {
	if cert.Round() == 0 {
		p.logger.Error("certificate for the genesis round", "author", cert.Author())
		return false
	}
	if !p.committee.Exists(cert.Author()) {
		p.logger.Error("certificate author is not in the committee", "author", cert.Author())
		return false
	}
	pk, _ := p.committee.PublicKey(cert.Author())
	if ok, err := sign.VerifySignEd25519(pk, []byte(digest), cert.Header.Signature); !ok || err != nil {
		p.logger.Error("fail to verify the certified header's signature",
			"author", cert.Author(), "round", cert.Round(), "error", err)
		return false
	}

	parentStake := uint64(0)
	for author := range cert.Header.Parents {
		if !p.committee.Exists(author) {
			p.logger.Error("certificate cites a parent from outside the committee",
				"author", cert.Author(), "round", cert.Round())
			return false
		}
		parentStake += p.committee.Stake(author)
	}
	if parentStake < p.quorum {
		p.logger.Error("certificate cites fewer than quorum stake of parents",
			"author", cert.Author(), "round", cert.Round(), "stake", parentStake)
		return false
	}

	voteStake := uint64(0)
	seen := make(map[string]bool, len(cert.Votes))
	for _, proof := range cert.Votes {
		if seen[proof.Voter] || !p.committee.Exists(proof.Voter) {
			p.logger.Error("certificate carries an invalid voter",
				"author", cert.Author(), "round", cert.Round(), "voter", proof.Voter)
			return false
		}
		seen[proof.Voter] = true
		voterPK, _ := p.committee.PublicKey(proof.Voter)
		if ok, err := sign.VerifySignEd25519(voterPK, []byte(digest), proof.Signature); !ok || err != nil {
			p.logger.Error("fail to verify a certificate vote", "author", cert.Author(),
				"round", cert.Round(), "voter", proof.Voter, "error", err)
			return false
		}
		voteStake += p.committee.Stake(proof.Voter)
	}
	if voteStake < p.quorum {
		p.logger.Error("certificate carries fewer than quorum stake of votes",
			"author", cert.Author(), "round", cert.Round(), "stake", voteStake)
		return false
	}
	return true
}
