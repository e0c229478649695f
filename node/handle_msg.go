package node

import (
	"Beluga/consensus"
	"Beluga/sign"
	"Beluga/types"
)

// HandleMsgLoop dispatches incoming messages to the worker, the primary or
// the election coin after verifying the sender's envelope signature.
// Byzantine or malformed input is dropped here, never fatal.
func (n *Node) HandleMsgLoop() {
	msgCh := n.trans.MsgChan()
	for msgWithSig := range msgCh {
		switch msgAsserted := msgWithSig.Msg.(type) {
		case types.Batch:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the batch's signature", "sender", msgAsserted.Sender)
				continue
			}
			go n.worker.HandleBatch(&msgAsserted)
		case types.BatchAck:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the ack's signature", "sender", msgAsserted.Sender)
				continue
			}
			go n.worker.HandleBatchAck(&msgAsserted)
		case types.BatchRequest:
			if !n.verifySigED25519(msgAsserted.Requester, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the batch request's signature", "sender", msgAsserted.Requester)
				continue
			}
			go n.worker.HandleBatchRequest(&msgAsserted)
		case types.BatchReply:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the batch reply's signature", "sender", msgAsserted.Sender)
				continue
			}
			go n.worker.HandleBatchReply(&msgAsserted)
		case types.Shard:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the shard's signature", "sender", msgAsserted.Sender)
				continue
			}
			go n.worker.HandleShard(&msgAsserted)
		case types.ShardRequest:
			if !n.verifySigED25519(msgAsserted.Requester, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the shard request's signature", "sender", msgAsserted.Requester)
				continue
			}
			go n.worker.HandleShardRequest(&msgAsserted)
		case types.ShardReply:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the shard reply's signature", "sender", msgAsserted.Sender)
				continue
			}
			go n.worker.HandleShardReply(&msgAsserted)
		case types.Header:
			if !n.verifySigED25519(msgAsserted.Author, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the header's signature", "round", msgAsserted.Round,
					"sender", msgAsserted.Author)
				continue
			}
			go n.primary.HandleHeader(&msgAsserted)
		case types.Vote:
			if !n.verifySigED25519(msgAsserted.Voter, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the vote's signature", "round", msgAsserted.Round,
					"sender", msgAsserted.Voter)
				continue
			}
			go n.primary.HandleVote(&msgAsserted)
		case types.Certificate:
			if !n.verifySigED25519(msgAsserted.Header.Author, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the certificate's signature",
					"round", msgAsserted.Header.Round, "sender", msgAsserted.Header.Author)
				continue
			}
			go n.primary.HandleCertificate(&msgAsserted)
		case types.CertRequest:
			if !n.verifySigED25519(msgAsserted.Requester, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the certificate request's signature",
					"sender", msgAsserted.Requester)
				continue
			}
			go n.primary.HandleCertRequest(&msgAsserted)
		case types.CertReply:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the certificate reply's signature",
					"sender", msgAsserted.Sender)
				continue
			}
			go n.primary.HandleCertReply(&msgAsserted)
		case types.Elect:
			if !n.verifySigED25519(msgAsserted.Sender, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the elect's signature", "round", msgAsserted.Round,
					"sender", msgAsserted.Sender)
				continue
			}
			n.handleElectMsg(&msgAsserted)
		}
	}
}

func (n *Node) handleElectMsg(elect *types.Elect) {
	coin, ok := n.coin.(*consensus.ThresholdCoin)
	if !ok {
		// the hash coin takes no election input
		return
	}
	coin.Feed(elect.Round, elect.Sender, elect.PartialSig)
}

func (n *Node) verifySigED25519(peer string, data interface{}, sig []byte) bool {
	pubKey, ok := n.conf.Committee.PublicKey(peer)
	if !ok {
		n.logger.Error("node is unknown", "node", peer)
		return false
	}
	dataAsBytes, err := types.Encode(data)
	if err != nil {
		n.logger.Error("fail to encode the data", "error", err)
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, dataAsBytes, sig)
	if err != nil {
		n.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}
