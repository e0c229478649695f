package types

import "reflect"

const (
	BatchTag uint8 = iota
	BatchAckTag
	BatchRequestTag
	BatchReplyTag
	ShardTag
	ShardRequestTag
	ShardReplyTag
	HeaderTag
	VoteTag
	CertificateTag
	CertRequestTag
	CertReplyTag
	ElectTag
)

var batch Batch
var batchAck BatchAck
var batchRequest BatchRequest
var batchReply BatchReply
var shard Shard
var shardRequest ShardRequest
var shardReply ShardReply
var header Header
var vote Vote
var certificate Certificate
var certRequest CertRequest
var certReply CertReply
var elect Elect

var ReflectedTypesMap = map[uint8]reflect.Type{
	BatchTag:        reflect.TypeOf(batch),
	BatchAckTag:     reflect.TypeOf(batchAck),
	BatchRequestTag: reflect.TypeOf(batchRequest),
	BatchReplyTag:   reflect.TypeOf(batchReply),
	ShardTag:        reflect.TypeOf(shard),
	ShardRequestTag: reflect.TypeOf(shardRequest),
	ShardReplyTag:   reflect.TypeOf(shardReply),
	HeaderTag:       reflect.TypeOf(header),
	VoteTag:         reflect.TypeOf(vote),
	CertificateTag:  reflect.TypeOf(certificate),
	CertRequestTag:  reflect.TypeOf(certRequest),
	CertReplyTag:    reflect.TypeOf(certReply),
	ElectTag:        reflect.TypeOf(elect),
}
