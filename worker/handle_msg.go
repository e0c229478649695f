package worker

import (
	"Beluga/store"
	"Beluga/types"
)

// HandleBatch stores a peer's batch and acknowledges it to the sender.
func (w *Worker) HandleBatch(batch *types.Batch) {
	digest, err := batch.Digest()
	if err != nil {
		w.logger.Error("fail to hash the received batch", "sender", batch.Sender, "error", err)
		return
	}
	fresh := !w.store.Has(store.BatchKey(digest))
	if fresh {
		encoded, err := types.Encode(batch)
		if err != nil {
			w.logger.Error("fail to encode the received batch", "digest", digest, "error", err)
			return
		}
		if err := w.store.Put(store.BatchKey(digest), encoded); err != nil {
			panic(err)
		}
	}
	ack := types.BatchAck{Sender: w.name, WorkerID: w.id, Digest: digest}
	if batch.Sender == w.name {
		w.HandleBatchAck(&ack)
	} else if err := w.send(types.BatchAckTag, ack, batch.Sender); err != nil {
		w.logger.Error("fail to ack the batch", "digest", digest, "target", batch.Sender, "error", err)
	}
	if fresh {
		w.notifyAvailable(digest)
	}
}

// HandleBatchAck counts a peer's acknowledgement toward the quorum of one
// of this worker's own batches. Duplicate acks have no effect.
func (w *Worker) HandleBatchAck(ack *types.BatchAck) {
	w.lock.Lock()
	if _, mine := w.ownBatches[ack.Digest]; !mine {
		w.lock.Unlock()
		return
	}
	if w.acks[ack.Digest][ack.Sender] {
		w.lock.Unlock()
		return
	}
	w.acks[ack.Digest][ack.Sender] = true
	w.ackStake[ack.Digest] += w.committee.Stake(ack.Sender)
	w.lock.Unlock()

	w.maybeHandOver(ack.Digest)
}

// HandleBatchRequest serves stored batches to a catching-up peer.
func (w *Worker) HandleBatchRequest(request *types.BatchRequest) {
	for _, digest := range request.Digests {
		reply := types.BatchReply{Sender: w.name, WorkerID: w.id, Digest: digest}
		raw, err := w.store.Get(store.BatchKey(digest))
		if err == nil {
			var batch types.Batch
			if err := types.Decode(raw, &batch); err != nil {
				w.logger.Error("stored batch is corrupted", "digest", digest, "error", err)
				panic(err)
			}
			reply.Found = true
			reply.Batch = &batch
		}
		if err := w.send(types.BatchReplyTag, reply, request.Requester); err != nil {
			w.logger.Error("fail to reply the batch request", "target", request.Requester, "error", err)
		}
	}
}

// HandleBatchReply stores a fetched batch after checking its digest.
func (w *Worker) HandleBatchReply(reply *types.BatchReply) {
	if !reply.Found || reply.Batch == nil {
		return
	}
	digest, err := reply.Batch.Digest()
	if err != nil || digest != reply.Digest {
		w.logger.Error("batch reply content does not match its digest", "sender", reply.Sender)
		return
	}
	if w.store.Has(store.BatchKey(digest)) {
		return
	}
	encoded, err := types.Encode(reply.Batch)
	if err != nil {
		w.logger.Error("fail to encode the fetched batch", "digest", digest, "error", err)
		return
	}
	if err := w.store.Put(store.BatchKey(digest), encoded); err != nil {
		panic(err)
	}
	w.notifyAvailable(digest)
}

// HandleShard stores this node's erasure-coded fragment of a peer's batch
// and acknowledges it.
func (w *Worker) HandleShard(shard *types.Shard) {
	if w.coder == nil {
		return
	}
	if shard.Index != w.committee.Index(w.name) {
		w.logger.Error("received a shard addressed to another node",
			"sender", shard.Sender, "index", shard.Index)
		return
	}
	fresh := !w.store.Has(store.ShardKey(shard.Digest, shard.Index))
	if fresh {
		w.storeShard(shard)
	}
	ack := types.BatchAck{Sender: w.name, WorkerID: w.id, Digest: shard.Digest}
	if shard.Sender == w.name {
		w.HandleBatchAck(&ack)
	} else if err := w.send(types.BatchAckTag, ack, shard.Sender); err != nil {
		w.logger.Error("fail to ack the shard", "digest", shard.Digest, "target", shard.Sender, "error", err)
	}
	if fresh {
		w.notifyAvailable(shard.Digest)
	}
}

// HandleShardRequest serves this node's stored fragment of a batch.
func (w *Worker) HandleShardRequest(request *types.ShardRequest) {
	if w.coder == nil {
		return
	}
	index := w.committee.Index(w.name)
	reply := types.ShardReply{Sender: w.name, Digest: request.Digest, Index: index}
	if raw, err := w.store.Get(store.ShardKey(request.Digest, index)); err == nil {
		var shard types.Shard
		if err := types.Decode(raw, &shard); err != nil {
			panic(err)
		}
		reply.Found = true
		reply.Data = shard.Data
		reply.PayloadLen = shard.PayloadLen
	}
	if err := w.send(types.ShardReplyTag, reply, request.Requester); err != nil {
		w.logger.Error("fail to reply the shard request", "target", request.Requester, "error", err)
	}
}

// HandleShardReply collects fragments until the batch is reconstructable.
func (w *Worker) HandleShardReply(reply *types.ShardReply) {
	if w.coder == nil || !reply.Found {
		return
	}
	w.lock.Lock()
	if _, ok := w.fetching[reply.Digest]; !ok {
		w.lock.Unlock()
		return
	}
	set, ok := w.shards[reply.Digest]
	if !ok {
		set = &shardSet{data: make(map[int][]byte)}
		w.shards[reply.Digest] = set
	}
	set.payloadLen = reply.PayloadLen
	set.data[reply.Index] = reply.Data
	enough := len(set.data) >= w.coder.DataShards()
	var collected map[int][]byte
	var payloadLen int
	if enough {
		collected = set.data
		payloadLen = set.payloadLen
	}
	w.lock.Unlock()
	if !enough {
		return
	}

	shards := make([][]byte, w.coder.TotalShards())
	for index, data := range collected {
		if index < len(shards) {
			shards[index] = data
		}
	}
	payload, err := w.coder.Reconstruct(shards, payloadLen)
	if err != nil {
		w.logger.Error("fail to reconstruct the batch", "digest", reply.Digest, "error", err)
		return
	}
	var batch types.Batch
	if err := types.Decode(payload, &batch); err != nil {
		w.logger.Error("reconstructed batch does not decode", "digest", reply.Digest, "error", err)
		return
	}
	digest, err := batch.Digest()
	if err != nil || digest != reply.Digest {
		w.logger.Error("reconstructed batch does not match its digest", "digest", reply.Digest)
		return
	}
	encoded, err := types.Encode(&batch)
	if err != nil {
		return
	}
	if err := w.store.Put(store.BatchKey(digest), encoded); err != nil {
		panic(err)
	}
	w.notifyAvailable(digest)
}
