package gocbnet

import (
	"encoding/binary"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

type crudComponent struct {
	mux                  *kvMux
	tracer               *tracerComponent
	defaultRetryStrategy RetryStrategy
	bucketName           string
	disableDecompression bool
	dura                 *durabilityObserver
}

func newCRUDComponent(mux *kvMux, tracer *tracerComponent, defaultRetryStrategy RetryStrategy,
	bucketName string, disableDecompression bool) *crudComponent {
	return &crudComponent{
		mux:                  mux,
		tracer:               tracer,
		defaultRetryStrategy: defaultRetryStrategy,
		bucketName:           bucketName,
		disableDecompression: disableDecompression,
	}
}

// dispatch arms the deadline timer of req and hands it to the router.
func (crud *crudComponent) dispatch(req *memdQRequest, deadline time.Time, strategy RetryStrategy) (PendingOp, error) {
	if strategy == nil {
		strategy = crud.defaultRetryStrategy
	}
	req.RetryStrategy = strategy

	if !deadline.IsZero() {
		req.Deadline = deadline
		start := time.Now()
		req.Timer = time.AfterFunc(deadline.Sub(start), func() {
			req.internalCancel(newKvTimeoutError(req, time.Since(start)))
		})
	}

	op, err := crud.mux.DispatchDirect(req)
	if err != nil {
		if req.Timer != nil {
			req.Timer.Stop()
		}
		return nil, err
	}

	return op, nil
}

// newKvTimeoutError classifies a request deadline. Only a mutation which may
// have reached the server is ambiguous.
func newKvTimeoutError(req *memdQRequest, observed time.Duration) error {
	inner := ErrUnambiguousTimeout
	if req.written.Load() && !kvOpTable[req.opKind].idempotent {
		inner = ErrAmbiguousTimeout
	}

	return newKvTimeoutErrorWithInner(req, observed, inner)
}

func newKvTimeoutErrorWithInner(req *memdQRequest, observed time.Duration, inner error) error {
	to, from, connID := req.lastDispatch()
	return &TimeoutError{
		InnerError:         inner,
		OperationID:        req.opKind.String(),
		Opaque:             req.Identifier(),
		TimeObserved:       observed,
		RetryReasons:       req.RetryReasons(),
		RetryAttempts:      req.RetryAttempts(),
		LastDispatchedTo:   to,
		LastDispatchedFrom: from,
		LastConnectionID:   connID,
	}
}

func (crud *crudComponent) mutationToken(resp *memdQResponse, req *memdQRequest) MutationToken {
	if len(resp.Extras) < 16 {
		return MutationToken{}
	}

	return MutationToken{
		BucketName: crud.bucketName,
		VbID:       req.Vbucket,
		VbUUID:     VbUUID(binary.BigEndian.Uint64(resp.Extras[0:])),
		SeqNo:      SeqNo(binary.BigEndian.Uint64(resp.Extras[8:])),
	}
}

type getResponse struct {
	Value    []byte
	Flags    uint32
	Datatype uint8
	Cas      Cas
}

// getLike covers every read which answers with the flags in the extras.
func (crud *crudComponent) getLike(kind kvOpKind, key []byte, collectionID uint32, extras []byte, replicaIdx int,
	deadline time.Time, strategy RetryStrategy, traceContext RequestSpanContext, cb func(*getResponse, error)) (PendingOp, error) {
	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kind.String(), traceContext)

	handler := func(resp *memdQResponse, _ *memdQRequest, err error) {
		if err != nil {
			tel.Finish()
			cb(nil, err)
			return
		}

		if len(resp.Extras) != 4 {
			tel.Finish()
			cb(nil, ErrProtocol)
			return
		}

		tel.Finish()
		cb(&getResponse{
			Value:    resp.Value,
			Flags:    binary.BigEndian.Uint32(resp.Extras[0:]),
			Datatype: resp.Datatype,
			Cas:      Cas(resp.Cas),
		}, nil)
	}

	req := newKvRequest(kind, handler)
	req.Key = key
	req.Extras = extras
	req.CollectionID = collectionID
	req.ReplicaIdx = replicaIdx
	req.RootTraceContext = tel.RootContext()

	return crud.dispatch(req, deadline, strategy)
}

func (crud *crudComponent) Get(opts GetOptions, cb GetCallback) (PendingOp, error) {
	return crud.getLike(kvOpGet, opts.Key, opts.CollectionID, nil, 0, opts.Deadline, opts.RetryStrategy,
		opts.TraceContext, func(res *getResponse, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			r := GetResult(*res)
			cb(&r, nil)
		})
}

func (crud *crudComponent) GetReplica(opts GetReplicaOptions, cb GetReplicaCallback) (PendingOp, error) {
	if opts.ReplicaIdx <= 0 {
		return nil, ErrInvalidReplica
	}

	return crud.getLike(kvOpGetReplica, opts.Key, opts.CollectionID, nil, opts.ReplicaIdx, opts.Deadline,
		opts.RetryStrategy, opts.TraceContext, func(res *getResponse, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			r := GetReplicaResult(*res)
			cb(&r, nil)
		})
}

func (crud *crudComponent) GetAndTouch(opts GetAndTouchOptions, cb GetAndTouchCallback) (PendingOp, error) {
	extraBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(extraBuf[0:], opts.Expiry)

	return crud.getLike(kvOpGetAndTouch, opts.Key, opts.CollectionID, extraBuf, 0, opts.Deadline,
		opts.RetryStrategy, opts.TraceContext, func(res *getResponse, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			r := GetAndTouchResult(*res)
			cb(&r, nil)
		})
}

func (crud *crudComponent) GetAndLock(opts GetAndLockOptions, cb GetAndLockCallback) (PendingOp, error) {
	extraBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(extraBuf[0:], opts.LockTime)

	return crud.getLike(kvOpGetAndLock, opts.Key, opts.CollectionID, extraBuf, 0, opts.Deadline,
		opts.RetryStrategy, opts.TraceContext, func(res *getResponse, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			r := GetAndLockResult(*res)
			cb(&r, nil)
		})
}

func (crud *crudComponent) Unlock(opts UnlockOptions, cb UnlockCallback) (PendingOp, error) {
	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kvOpUnlock.String(), opts.TraceContext)

	handler := func(resp *memdQResponse, req *memdQRequest, err error) {
		tel.Finish()
		if err != nil {
			cb(nil, err)
			return
		}

		cb(&UnlockResult{
			Cas:           Cas(resp.Cas),
			MutationToken: crud.mutationToken(resp, req),
		}, nil)
	}

	req := newKvRequest(kvOpUnlock, handler)
	req.Key = opts.Key
	req.Cas = uint64(opts.Cas)
	req.CollectionID = opts.CollectionID
	req.RetryAnyway = opts.Cas != 0
	req.RootTraceContext = tel.RootContext()

	return crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
}

func (crud *crudComponent) Touch(opts TouchOptions, cb TouchCallback) (PendingOp, error) {
	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kvOpTouch.String(), opts.TraceContext)

	handler := func(resp *memdQResponse, req *memdQRequest, err error) {
		tel.Finish()
		if err != nil {
			cb(nil, err)
			return
		}

		cb(&TouchResult{
			Cas:           Cas(resp.Cas),
			MutationToken: crud.mutationToken(resp, req),
		}, nil)
	}

	extraBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(extraBuf[0:], opts.Expiry)

	req := newKvRequest(kvOpTouch, handler)
	req.Key = opts.Key
	req.Extras = extraBuf
	req.CollectionID = opts.CollectionID
	req.RootTraceContext = tel.RootContext()

	return crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
}

// mutationResponse is what every mutation reports before durability is applied.
type mutationResponse struct {
	Value         []byte
	Cas           Cas
	MutationToken MutationToken
}

type mutationOptions struct {
	Key            []byte
	Value          []byte
	Extras         []byte
	Datatype       uint8
	Cas            Cas
	PreserveExpiry bool
	CollectionID   uint32
	Durability     DurabilityOptions
	RetryStrategy  RetryStrategy
	Deadline       time.Time
	TraceContext   RequestSpanContext
}

// mutate sends a mutation and, when the durability requirements cannot ride
// in the request itself, observes it until they are met.
func (crud *crudComponent) mutate(kind kvOpKind, opts mutationOptions, cb func(*mutationResponse, error)) (PendingOp, error) {
	if opts.Durability.DurabilityLevel > 0 && opts.Durability.hasLegacy() {
		return nil, wrapError(ErrInvalidArgument, "durability level cannot be combined with replicate or persist to")
	}

	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kind.String(), opts.TraceContext)

	req := newKvRequest(kind, nil)
	req.Key = opts.Key
	req.Value = opts.Value
	req.Extras = opts.Extras
	req.Datatype = opts.Datatype
	req.Cas = uint64(opts.Cas)
	req.CollectionID = opts.CollectionID
	req.RetryAnyway = opts.Cas != 0
	req.RootTraceContext = tel.RootContext()

	if opts.PreserveExpiry {
		if !crud.mux.SupportsFeature(memd.FeaturePreserveExpiry) {
			tel.Finish()
			return nil, wrapError(ErrFeatureNotAvailable, "preserve expiry is not supported by the cluster")
		}
		req.PreserveExpiryFrame = &memd.PreserveExpiryFrame{}
	}

	observe, err := crud.applyDurability(req, opts.Durability)
	if err != nil {
		tel.Finish()
		return nil, err
	}

	chain := &chainedPendingOp{}
	req.Callback = func(resp *memdQResponse, req *memdQRequest, err error) {
		if err != nil {
			tel.Finish()
			cb(nil, err)
			return
		}

		res := &mutationResponse{
			Value:         resp.Value,
			Cas:           Cas(resp.Cas),
			MutationToken: crud.mutationToken(resp, req),
		}
		if !observe {
			tel.Finish()
			cb(res, nil)
			return
		}

		crud.observeMutation(chain, kind, req, res, opts, func(err error) {
			tel.Finish()
			if err != nil {
				cb(nil, err)
				return
			}
			cb(res, nil)
		})
	}

	op, err := crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
	if err != nil {
		tel.Finish()
		return nil, err
	}
	chain.setFirst(op)

	return chain, nil
}

func (crud *crudComponent) store(kind kvOpKind, opts mutationOptions, flags, expiry uint32, cb StoreCallback) (PendingOp, error) {
	extraBuf := make([]byte, 8)
	binary.BigEndian.PutUint32(extraBuf[0:], flags)
	binary.BigEndian.PutUint32(extraBuf[4:], expiry)
	opts.Extras = extraBuf

	return crud.mutate(kind, opts, func(res *mutationResponse, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&StoreResult{Cas: res.Cas, MutationToken: res.MutationToken}, nil)
	})
}

func (crud *crudComponent) Upsert(opts UpsertOptions, cb StoreCallback) (PendingOp, error) {
	return crud.store(kvOpUpsert, mutationOptions{
		Key:            opts.Key,
		Value:          opts.Value,
		Datatype:       opts.Datatype,
		PreserveExpiry: opts.PreserveExpiry,
		CollectionID:   opts.CollectionID,
		Durability:     opts.Durability,
		RetryStrategy:  opts.RetryStrategy,
		Deadline:       opts.Deadline,
		TraceContext:   opts.TraceContext,
	}, opts.Flags, opts.Expiry, cb)
}

func (crud *crudComponent) Insert(opts InsertOptions, cb StoreCallback) (PendingOp, error) {
	return crud.store(kvOpInsert, mutationOptions{
		Key:           opts.Key,
		Value:         opts.Value,
		Datatype:      opts.Datatype,
		CollectionID:  opts.CollectionID,
		Durability:    opts.Durability,
		RetryStrategy: opts.RetryStrategy,
		Deadline:      opts.Deadline,
		TraceContext:  opts.TraceContext,
	}, opts.Flags, opts.Expiry, cb)
}

func (crud *crudComponent) Replace(opts ReplaceOptions, cb StoreCallback) (PendingOp, error) {
	return crud.store(kvOpReplace, mutationOptions{
		Key:            opts.Key,
		Value:          opts.Value,
		Datatype:       opts.Datatype,
		Cas:            opts.Cas,
		PreserveExpiry: opts.PreserveExpiry,
		CollectionID:   opts.CollectionID,
		Durability:     opts.Durability,
		RetryStrategy:  opts.RetryStrategy,
		Deadline:       opts.Deadline,
		TraceContext:   opts.TraceContext,
	}, opts.Flags, opts.Expiry, cb)
}

func (crud *crudComponent) Delete(opts DeleteOptions, cb DeleteCallback) (PendingOp, error) {
	return crud.mutate(kvOpDelete, mutationOptions{
		Key:           opts.Key,
		Cas:           opts.Cas,
		CollectionID:  opts.CollectionID,
		Durability:    opts.Durability,
		RetryStrategy: opts.RetryStrategy,
		Deadline:      opts.Deadline,
		TraceContext:  opts.TraceContext,
	}, func(res *mutationResponse, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&DeleteResult{Cas: res.Cas, MutationToken: res.MutationToken}, nil)
	})
}

func (crud *crudComponent) adjoin(kind kvOpKind, opts AdjoinOptions, cb AdjoinCallback) (PendingOp, error) {
	return crud.mutate(kind, mutationOptions{
		Key:           opts.Key,
		Value:         opts.Value,
		Cas:           opts.Cas,
		CollectionID:  opts.CollectionID,
		Durability:    opts.Durability,
		RetryStrategy: opts.RetryStrategy,
		Deadline:      opts.Deadline,
		TraceContext:  opts.TraceContext,
	}, func(res *mutationResponse, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&AdjoinResult{Cas: res.Cas, MutationToken: res.MutationToken}, nil)
	})
}

func (crud *crudComponent) Append(opts AdjoinOptions, cb AdjoinCallback) (PendingOp, error) {
	return crud.adjoin(kvOpAppend, opts, cb)
}

func (crud *crudComponent) Prepend(opts AdjoinOptions, cb AdjoinCallback) (PendingOp, error) {
	return crud.adjoin(kvOpPrepend, opts, cb)
}

func (crud *crudComponent) counter(kind kvOpKind, opts CounterOptions, cb CounterCallback) (PendingOp, error) {
	// An initial value of all ones asks the server not to create the document,
	// which it expects to be spelled as the special expiry.
	expiry := opts.Expiry
	if opts.Initial == uint64(0xFFFFFFFFFFFFFFFF) {
		expiry = 0xFFFFFFFF
	}

	extraBuf := make([]byte, 20)
	binary.BigEndian.PutUint64(extraBuf[0:], opts.Delta)
	binary.BigEndian.PutUint64(extraBuf[8:], opts.Initial)
	binary.BigEndian.PutUint32(extraBuf[16:], expiry)

	return crud.mutate(kind, mutationOptions{
		Key:           opts.Key,
		Extras:        extraBuf,
		Cas:           opts.Cas,
		CollectionID:  opts.CollectionID,
		Durability:    opts.Durability,
		RetryStrategy: opts.RetryStrategy,
		Deadline:      opts.Deadline,
		TraceContext:  opts.TraceContext,
	}, func(res *mutationResponse, err error) {
		if err != nil {
			cb(nil, err)
			return
		}

		if len(res.Value) != 8 {
			cb(nil, ErrProtocol)
			return
		}

		cb(&CounterResult{
			Value:         binary.BigEndian.Uint64(res.Value),
			Cas:           res.Cas,
			MutationToken: res.MutationToken,
		}, nil)
	})
}

func (crud *crudComponent) Increment(opts CounterOptions, cb CounterCallback) (PendingOp, error) {
	return crud.counter(kvOpIncrement, opts, cb)
}

func (crud *crudComponent) Decrement(opts CounterOptions, cb CounterCallback) (PendingOp, error) {
	return crud.counter(kvOpDecrement, opts, cb)
}

func (crud *crudComponent) GetCollectionID(opts GetCollectionIDOptions, cb GetCollectionIDCallback) (PendingOp, error) {
	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kvOpGetCollectionID.String(), opts.TraceContext)

	handler := func(resp *memdQResponse, _ *memdQRequest, err error) {
		tel.Finish()
		if err != nil {
			cb(nil, err)
			return
		}

		if len(resp.Extras) != 12 {
			cb(nil, ErrProtocol)
			return
		}

		cb(&GetCollectionIDResult{
			ManifestID:   binary.BigEndian.Uint64(resp.Extras[0:]),
			CollectionID: binary.BigEndian.Uint32(resp.Extras[8:]),
		}, nil)
	}

	req := newKvRequest(kvOpGetCollectionID, handler)
	req.Value = []byte(opts.ScopeName + "." + opts.CollectionName)
	req.RootTraceContext = tel.RootContext()

	return crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
}
