package worker

import (
	"Beluga/conn"
	"Beluga/sign"
	"Beluga/store"
	"Beluga/types"
)

// disseminate pushes a sealed batch to the committee, either whole or as
// erasure-coded shards.
func (w *Worker) disseminate(digest string, batch *types.Batch) {
	if w.coder == nil {
		if err := w.broadcast(types.BatchTag, *batch); err != nil {
			w.logger.Error("fail to broadcast the batch", "digest", digest, "error", err)
		}
		return
	}

	payload, err := types.Encode(batch)
	if err != nil {
		panic(err)
	}
	shards, err := w.coder.Encode(payload)
	if err != nil {
		panic(err)
	}
	for i, name := range w.committee.Names() {
		shard := types.Shard{
			Sender:     w.name,
			WorkerID:   w.id,
			Digest:     digest,
			Index:      i,
			PayloadLen: len(payload),
			Data:       shards[i],
		}
		if name == w.name {
			w.storeShard(&shard)
			continue
		}
		if err := w.send(types.ShardTag, shard, name); err != nil {
			w.logger.Error("fail to send the shard", "digest", digest, "target", name, "error", err)
		}
	}
}

// requestBatches asks for missing batch content: the whole batch from the
// header's author in plain mode, one shard from everyone in coded mode.
func (w *Worker) requestBatches(digests []string, from string) {
	if w.coder == nil {
		request := types.BatchRequest{Requester: w.name, WorkerID: w.id, Digests: digests}
		if err := w.send(types.BatchRequestTag, request, from); err != nil {
			w.logger.Error("fail to request batches", "target", from, "error", err)
		}
		return
	}
	for _, digest := range digests {
		request := types.ShardRequest{Requester: w.name, WorkerID: w.id, Digest: digest}
		if err := w.broadcast(types.ShardRequestTag, request); err != nil {
			w.logger.Error("fail to request shards", "digest", digest, "error", err)
		}
	}
}

func (w *Worker) storeShard(shard *types.Shard) {
	encoded, err := types.Encode(shard)
	if err != nil {
		panic(err)
	}
	if err := w.store.Put(store.ShardKey(shard.Digest, shard.Index), encoded); err != nil {
		panic(err)
	}
}

// send message to all nodes
func (w *Worker) broadcast(msgType uint8, msg interface{}) error {
	msgAsBytes, err := types.Encode(msg)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(w.privateKey, msgAsBytes)
	for addrWithPort := range w.committee.AddrsWithPorts() {
		netConn, err := w.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = conn.SendMsg(netConn, msgType, msg, sig); err != nil {
			return err
		}
		if err = w.trans.ReturnConn(netConn); err != nil {
			return err
		}
	}
	return nil
}

// only send message to one node
func (w *Worker) send(msgType uint8, msg interface{}, target string) error {
	msgAsBytes, err := types.Encode(msg)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(w.privateKey, msgAsBytes)
	netConn, err := w.trans.GetConn(w.committee.Address(target))
	if err != nil {
		return err
	}
	if err = conn.SendMsg(netConn, msgType, msg, sig); err != nil {
		return err
	}
	return w.trans.ReturnConn(netConn)
}
