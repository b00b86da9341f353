package gocbnet

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

func (crud *crudComponent) Observe(opts ObserveOptions, cb ObserveCallback) (PendingOp, error) {
	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kvOpObserve.String(), opts.TraceContext)

	handler := func(resp *memdQResponse, _ *memdQRequest, err error) {
		tel.Finish()
		if err != nil {
			cb(nil, err)
			return
		}

		if len(resp.Value) < 4 {
			cb(nil, ErrProtocol)
			return
		}
		keyLen := int(binary.BigEndian.Uint16(resp.Value[2:]))

		if len(resp.Value) != 2+2+keyLen+1+8 {
			cb(nil, ErrProtocol)
			return
		}

		cb(&ObserveResult{
			KeyState: KeyState(resp.Value[2+2+keyLen]),
			Cas:      Cas(binary.BigEndian.Uint64(resp.Value[2+2+keyLen+1:])),
		}, nil)
	}

	vbID, err := crud.mux.KeyToVbucket(opts.Key)
	if err != nil {
		tel.Finish()
		return nil, err
	}

	// The key travels in the value, so the collection prefix has to be added here.
	key := opts.Key
	if crud.mux.SupportsFeature(memd.FeatureCollections) {
		key = append(memd.AppendULEB128_32(nil, opts.CollectionID), opts.Key...)
	}

	valueBuf := make([]byte, 2+2+len(key))
	binary.BigEndian.PutUint16(valueBuf[0:], vbID)
	binary.BigEndian.PutUint16(valueBuf[2:], uint16(len(key)))
	copy(valueBuf[4:], key)

	req := newKvRequest(kvOpObserve, handler)
	req.Value = valueBuf
	req.Vbucket = vbID
	req.ReplicaIdx = opts.ReplicaIdx
	req.RootTraceContext = tel.RootContext()

	return crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
}

func (crud *crudComponent) ObserveVb(opts ObserveVbOptions, cb ObserveVbCallback) (PendingOp, error) {
	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kvOpObserveSeqNo.String(), opts.TraceContext)

	handler := func(resp *memdQResponse, _ *memdQRequest, err error) {
		tel.Finish()
		if err != nil {
			cb(nil, err)
			return
		}

		res, err := parseObserveVbValue(resp.Value)
		if err != nil {
			cb(nil, err)
			return
		}

		cb(res, nil)
	}

	valueBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(valueBuf[0:], uint64(opts.VbUUID))

	req := newKvRequest(kvOpObserveSeqNo, handler)
	req.Value = valueBuf
	req.Vbucket = opts.VbID
	req.ReplicaIdx = opts.ReplicaIdx
	req.RootTraceContext = tel.RootContext()

	return crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
}

func parseObserveVbValue(value []byte) (*ObserveVbResult, error) {
	if len(value) < 1 {
		return nil, ErrProtocol
	}

	switch value[0] {
	case 0:
		if len(value) < 27 {
			return nil, ErrProtocol
		}

		return &ObserveVbResult{
			VbID:         binary.BigEndian.Uint16(value[1:]),
			VbUUID:       VbUUID(binary.BigEndian.Uint64(value[3:])),
			PersistSeqNo: SeqNo(binary.BigEndian.Uint64(value[11:])),
			CurrentSeqNo: SeqNo(binary.BigEndian.Uint64(value[19:])),
		}, nil
	case 1:
		// Hard failover
		if len(value) < 43 {
			return nil, ErrProtocol
		}

		return &ObserveVbResult{
			DidFailover:  true,
			VbID:         binary.BigEndian.Uint16(value[1:]),
			VbUUID:       VbUUID(binary.BigEndian.Uint64(value[3:])),
			PersistSeqNo: SeqNo(binary.BigEndian.Uint64(value[11:])),
			CurrentSeqNo: SeqNo(binary.BigEndian.Uint64(value[19:])),
			OldVbUUID:    VbUUID(binary.BigEndian.Uint64(value[27:])),
			LastSeqNo:    SeqNo(binary.BigEndian.Uint64(value[35:])),
		}, nil
	}

	return nil, ErrProtocol
}

// applyDurability attaches a durability level to req when every node can
// enforce it, and reports whether the mutation has to be observed instead.
func (crud *crudComponent) applyDurability(req *memdQRequest, opts DurabilityOptions) (bool, error) {
	if !opts.isSet() {
		return false, nil
	}

	if opts.hasLegacy() {
		return true, nil
	}

	if crud.mux.BucketCapabilityStatus(BucketCapabilityDurableWrites) == BucketCapabilityStatusUnsupported {
		return false, ErrFeatureNotAvailable
	}

	if !crud.mux.SupportsFeature(memd.FeatureSyncReplication) {
		return true, nil
	}

	req.DurabilityLevelFrame = &memd.DurabilityLevelFrame{
		DurabilityLevel: memd.DurabilityLevel(opts.DurabilityLevel),
	}
	if opts.DurabilityLevelTimeout > 0 {
		req.DurabilityTimeoutFrame = &memd.DurabilityTimeoutFrame{
			DurabilityTimeout: opts.DurabilityLevelTimeout,
		}
	}

	return false, nil
}

func (crud *crudComponent) observeMutation(chain *chainedPendingOp, kind kvOpKind, req *memdQRequest,
	res *mutationResponse, opts mutationOptions, cb func(error)) {
	numReplicas := crud.mux.NumReplicas()

	var obs durabilityObservation
	if opts.Durability.DurabilityLevel > 0 {
		obs = durabilityTargetsForLevel(opts.Durability.DurabilityLevel, numReplicas)
	} else {
		var err error
		obs, err = durabilityTargetsForLegacy(opts.Durability.ReplicateTo, opts.Durability.PersistTo, numReplicas)
		if err != nil {
			cb(err)
			return
		}
	}

	obs.Key = opts.Key
	obs.CollectionID = opts.CollectionID
	obs.VbID = req.Vbucket
	obs.Cas = res.Cas
	obs.Token = res.MutationToken
	obs.IsDelete = kind == kvOpDelete
	obs.NumReplicas = numReplicas
	obs.Deadline = opts.Deadline
	obs.RetryStrategy = opts.RetryStrategy
	obs.TraceContext = req.RootTraceContext

	op := crud.dura.Observe(obs, cb)
	chain.set(op)
}

// chainedPendingOp lets a caller cancel whichever step of a multi step
// operation is currently running.
type chainedPendingOp struct {
	lock      sync.Mutex
	current   PendingOp
	cancelled bool
}

func (op *chainedPendingOp) set(next PendingOp) {
	op.swap(next, true)
}

// setFirst installs the first step unless a later step has already replaced it.
func (op *chainedPendingOp) setFirst(first PendingOp) {
	op.swap(first, false)
}

func (op *chainedPendingOp) swap(next PendingOp, overwrite bool) {
	op.lock.Lock()
	if op.cancelled {
		op.lock.Unlock()
		if next != nil {
			next.Cancel()
		}
		return
	}
	if overwrite || op.current == nil {
		op.current = next
	}
	op.lock.Unlock()
}

func (op *chainedPendingOp) Cancel() {
	op.lock.Lock()
	op.cancelled = true
	current := op.current
	op.lock.Unlock()

	if current != nil {
		current.Cancel()
	}
}

const defaultDurabilityTimeout = 10 * time.Second
