package gocbnet

import "github.com/couchbaselabs/gocbnet/memd"

// kvOpKind identifies the logical operation a request carries. Every request
// built by the client has exactly one kind and the kind decides how it is
// encoded, whether it is safe to resend and how it is reported.
type kvOpKind uint8

const (
	kvOpUnknown kvOpKind = iota
	kvOpBootstrap
	kvOpNoop
	kvOpGet
	kvOpGetReplica
	kvOpGetAndLock
	kvOpGetAndTouch
	kvOpUnlock
	kvOpTouch
	kvOpUpsert
	kvOpInsert
	kvOpReplace
	kvOpDelete
	kvOpAppend
	kvOpPrepend
	kvOpIncrement
	kvOpDecrement
	kvOpObserve
	kvOpObserveSeqNo
	kvOpGetClusterConfig
	kvOpGetCollectionID
	kvOpRangeScanCreate
	kvOpRangeScanContinue
	kvOpRangeScanCancel
	kvOpStats

	numKvOpKinds
)

type kvOpDesc struct {
	name    string
	command memd.CmdCode

	// idempotent ops may be resent after being written to a socket.
	idempotent bool
	mutation   bool

	// noNmvbRetry ops carry state tied to one vbucket owner and cannot follow a
	// rebalance.
	noNmvbRetry bool
}

var kvOpTable = [numKvOpKinds]kvOpDesc{
	kvOpUnknown:           {name: "unknown"},
	kvOpBootstrap:         {name: "bootstrap", idempotent: true},
	kvOpNoop:              {name: "noop", command: memd.CmdNoop, idempotent: true},
	kvOpGet:               {name: "get", command: memd.CmdGet, idempotent: true},
	kvOpGetReplica:        {name: "get_replica", command: memd.CmdGetReplica, idempotent: true},
	kvOpGetAndLock:        {name: "get_and_lock", command: memd.CmdGetLocked},
	kvOpGetAndTouch:       {name: "get_and_touch", command: memd.CmdGAT},
	kvOpUnlock:            {name: "unlock", command: memd.CmdUnlockKey},
	kvOpTouch:             {name: "touch", command: memd.CmdTouch},
	kvOpUpsert:            {name: "upsert", command: memd.CmdSet, mutation: true},
	kvOpInsert:            {name: "insert", command: memd.CmdAdd, mutation: true},
	kvOpReplace:           {name: "replace", command: memd.CmdReplace, mutation: true},
	kvOpDelete:            {name: "delete", command: memd.CmdDelete, mutation: true},
	kvOpAppend:            {name: "append", command: memd.CmdAppend, mutation: true},
	kvOpPrepend:           {name: "prepend", command: memd.CmdPrepend, mutation: true},
	kvOpIncrement:         {name: "increment", command: memd.CmdIncrement, mutation: true},
	kvOpDecrement:         {name: "decrement", command: memd.CmdDecrement, mutation: true},
	kvOpObserve:           {name: "observe", command: memd.CmdObserve, idempotent: true},
	kvOpObserveSeqNo:      {name: "observe_seqno", command: memd.CmdObserveSeqNo, idempotent: true},
	kvOpGetClusterConfig:  {name: "get_cluster_config", command: memd.CmdGetClusterConfig, idempotent: true},
	kvOpGetCollectionID:   {name: "get_collection_id", command: memd.CmdCollectionsGetID, idempotent: true},
	kvOpRangeScanCreate:   {name: "range_scan_create", command: memd.CmdRangeScanCreate, idempotent: true},
	kvOpRangeScanContinue: {name: "range_scan_continue", command: memd.CmdRangeScanContinue, noNmvbRetry: true},
	kvOpRangeScanCancel:   {name: "range_scan_cancel", command: memd.CmdRangeScanCancel, idempotent: true, noNmvbRetry: true},
	kvOpStats:             {name: "stats", command: memd.CmdStat, idempotent: true},
}

func (k kvOpKind) String() string {
	if k >= numKvOpKinds {
		return kvOpTable[kvOpUnknown].name
	}
	return kvOpTable[k].name
}

func (k kvOpKind) desc() kvOpDesc {
	if k >= numKvOpKinds {
		return kvOpTable[kvOpUnknown]
	}
	return kvOpTable[k]
}

// newKvRequest builds a request whose command comes from the op table.
func newKvRequest(kind kvOpKind, cb memdCallback) *memdQRequest {
	return &memdQRequest{
		Packet: memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: kind.desc().command,
		},
		opKind:   kind,
		Callback: cb,
	}
}
