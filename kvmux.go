package gocbnet

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

type dispatcher interface {
	DispatchDirect(req *memdQRequest) (PendingOp, error)
	RequeueDirect(req *memdQRequest, isRetry bool)
	DispatchDirectToAddress(req *memdQRequest, pipeline *memdPipeline) (PendingOp, error)
	PipelineSnapshot() (*pipelineSnapshot, error)
}

// configRefresher fetches a config out of band. Refresh blocks until the fetch
// has finished, concurrent callers share a single fetch.
type configRefresher interface {
	Refresh()
}

type kvMux struct {
	muxPtr atomic.Pointer[kvMuxState]

	queueSize     int
	pipelineProps kvPipelineProps
	cfgMgr        *configManagementComponent
	errMapMgr     *errMapComponent

	tracer *tracerComponent
	dialer *memdClientDialerComponent

	refresher              configRefresher
	postCompleteErrHandler postCompleteErrorHandler

	// muxStateWriteLock serialises the writers of muxPtr so that a config update
	// never races a close. Readers only load the pointer.
	muxStateWriteLock sync.Mutex

	shutdownSig   chan struct{}
	clientCloseWg sync.WaitGroup

	hasSeenConfigCh   chan struct{}
	hasSeenConfigOnce sync.Once
}

type kvPipelineProps struct {
	MinConnsPerNode int
	MaxConnsPerNode int
	IdleConnTimeout time.Duration
	ScaleInterval   time.Duration
	NoopInterval    time.Duration
	NoopTimeout     time.Duration
	Reconnect       BackoffCalculator
}

type kvMuxProps struct {
	QueueSize     int
	PipelineProps kvPipelineProps
}

func newKVMux(props kvMuxProps, cfgMgr *configManagementComponent, errMapMgr *errMapComponent, tracer *tracerComponent,
	dialer *memdClientDialerComponent) *kvMux {
	mux := &kvMux{
		queueSize:       props.QueueSize,
		pipelineProps:   props.PipelineProps,
		cfgMgr:          cfgMgr,
		errMapMgr:       errMapMgr,
		tracer:          tracer,
		dialer:          dialer,
		shutdownSig:     make(chan struct{}),
		hasSeenConfigCh: make(chan struct{}),
	}

	mux.muxPtr.Store(newKVMuxState(&routeConfig{revID: -1, revEpoch: -1}, nil, newDeadPipeline(props.QueueSize)))
	cfgMgr.AddConfigWatcher(mux)

	return mux
}

func (mux *kvMux) getState() *kvMuxState {
	return mux.muxPtr.Load()
}

func (mux *kvMux) clear() *kvMuxState {
	mux.muxStateWriteLock.Lock()
	val := mux.muxPtr.Swap(nil)
	mux.muxStateWriteLock.Unlock()
	return val
}

// SetConfigRefresher registers the component used to fetch a config when a
// request is rejected as not my vbucket.
func (mux *kvMux) SetConfigRefresher(refresher configRefresher) {
	mux.refresher = refresher
}

func (mux *kvMux) SetPostCompleteErrorHandler(handler postCompleteErrorHandler) {
	mux.postCompleteErrHandler = handler
}

func (mux *kvMux) OnNewRouteConfig(cfg *routeConfig) {
	mux.muxStateWriteLock.Lock()
	defer mux.muxStateWriteLock.Unlock()

	oldMuxState := mux.getState()
	if oldMuxState == nil {
		// Shut down while the config was in flight.
		return
	}

	// Watchers are notified outside of the config manager lock, so an older
	// config can arrive after a newer one.
	if oldMuxState.RevID() > -1 && !cfg.IsNewerThan(oldMuxState.RouteConfig()) {
		logDebugf("Ignoring stale routing config %d:%d", cfg.revEpoch, cfg.revID)
		return
	}

	newMuxState := mux.newKVMuxState(cfg)
	if !mux.muxPtr.CompareAndSwap(oldMuxState, newMuxState) {
		logWarnf("Someone preempted the config update, skipping update")
		return
	}

	if newMuxState.RevID() > -1 {
		mux.hasSeenConfigOnce.Do(func() {
			close(mux.hasSeenConfigCh)
		})
	}

	mux.pipelineTakeover(oldMuxState, newMuxState)
	mux.requeueRequests(oldMuxState)
}

func (mux *kvMux) ConfigRev() (int64, error) {
	clientMux := mux.getState()
	if clientMux == nil {
		return 0, ErrShutdown
	}
	return clientMux.RevID(), nil
}

func (mux *kvMux) ConfigUUID() string {
	clientMux := mux.getState()
	if clientMux == nil {
		return ""
	}
	return clientMux.UUID()
}

func (mux *kvMux) KeyToVbucket(key []byte) (uint16, error) {
	clientMux := mux.getState()
	if clientMux == nil {
		return 0, ErrShutdown
	}
	if clientMux.VBMap() == nil {
		return 0, ErrNoPipelineSnapshot
	}

	return clientMux.VBMap().VbucketByKey(key), nil
}

func (mux *kvMux) NumReplicas() int {
	clientMux := mux.getState()
	if clientMux == nil || clientMux.VBMap() == nil {
		return 0
	}

	return clientMux.VBMap().NumReplicas()
}

func (mux *kvMux) NumVbuckets() int {
	clientMux := mux.getState()
	if clientMux == nil || clientMux.VBMap() == nil {
		return 0
	}

	return clientMux.VBMap().NumVbuckets()
}

func (mux *kvMux) NumPipelines() int {
	clientMux := mux.getState()
	if clientMux == nil {
		return 0
	}

	return clientMux.NumPipelines()
}

func (mux *kvMux) BucketCapabilityStatus(cap BucketCapability) BucketCapabilityStatus {
	clientMux := mux.getState()
	if clientMux == nil {
		return BucketCapabilityStatusUnknown
	}

	return clientMux.BucketCapabilityStatus(cap)
}

// SupportsFeature reports whether every connected node negotiated feature.
func (mux *kvMux) SupportsFeature(feature memd.HelloFeature) bool {
	clientMux := mux.getState()
	if clientMux == nil || len(clientMux.pipelines) == 0 {
		return false
	}

	for _, pipeline := range clientMux.pipelines {
		if !pipeline.SupportsFeature(feature) {
			return false
		}
	}

	return true
}

func (mux *kvMux) RouteRequest(req *memdQRequest) (*memdPipeline, error) {
	clientMux := mux.getState()
	if clientMux == nil {
		return nil, ErrShutdown
	}

	// We haven't seen a valid config yet so put this in the dead pipeline so
	// it'll get requeued once we do get a config.
	if clientMux.RevID() == -1 {
		return clientMux.deadPipe, nil
	}

	var srvIdx int
	repIdx := req.ReplicaIdx

	// Route to specific server
	if repIdx < 0 {
		srvIdx = -repIdx - 1
	} else {
		switch clientMux.BucketType() {
		case bktTypeCouchbase:
			if req.Key != nil {
				req.Vbucket = clientMux.VBMap().VbucketByKey(req.Key)
			}

			var err error
			srvIdx, err = clientMux.VBMap().NodeByVbucket(req.Vbucket, uint32(repIdx))
			if err != nil {
				return nil, err
			}
		case bktTypeNone:
			return nil, wrapError(ErrFeatureNotAvailable, "no bucket is selected")
		default:
			return nil, ErrCliInternalError
		}
	}

	return clientMux.GetPipeline(srvIdx), nil
}

func (mux *kvMux) DispatchDirect(req *memdQRequest) (PendingOp, error) {
	mux.tracer.StartCmdTrace(req)
	req.dispatchTime = time.Now()

	for {
		pipeline, err := mux.RouteRequest(req)
		if err != nil {
			return nil, err
		}

		err = pipeline.SendRequest(req)
		if errors.Is(err, errPipelineClosed) {
			continue
		} else if err != nil {
			if errors.Is(err, errPipelineFull) {
				err = ErrOverload
			}

			shortCircuit, routeErr := mux.handleOpRoutingResp(nil, req, err)
			if shortCircuit {
				return req, nil
			}

			return nil, routeErr
		}

		break
	}

	return req, nil
}

func (mux *kvMux) RequeueDirect(req *memdQRequest, isRetry bool) {
	mux.tracer.StartCmdTrace(req)

	handleError := func(err error) {
		// We only want to log an error on retries if the error isn't cancelled.
		if !isRetry || !errors.Is(err, ErrRequestCanceled) {
			logErrorf("Reschedule failed, failing request (%s)", err)
		}

		req.tryCallback(nil, err)
	}

	logDebugf("Request being requeued, Opaque=%d, Opcode=0x%x", req.Opaque, req.Command)

	for {
		pipeline, err := mux.RouteRequest(req)
		if err != nil {
			handleError(err)
			return
		}

		err = pipeline.RequeueRequest(req)
		if errors.Is(err, errPipelineClosed) {
			continue
		} else if err != nil {
			handleError(err)
			return
		}

		break
	}
}

// DispatchDirectToAddress sends a request to one particular pipeline, the
// request is never rerouted.
func (mux *kvMux) DispatchDirectToAddress(req *memdQRequest, pipeline *memdPipeline) (PendingOp, error) {
	mux.tracer.StartCmdTrace(req)
	req.dispatchTime = time.Now()

	// We set the ReplicaIdx to a negative number to ensure it is not redispatched
	// and we check that it was 0 to begin with to ensure it wasn't miss-used.
	if req.ReplicaIdx != 0 {
		return nil, ErrInvalidReplica
	}
	req.ReplicaIdx = -999999999

	err := pipeline.SendRequest(req)
	if err != nil {
		if errors.Is(err, errPipelineFull) {
			err = ErrOverload
		}

		return nil, err
	}

	return req, nil
}

func (mux *kvMux) Close() error {
	mux.cfgMgr.RemoveConfigWatcher(mux)
	clientMux := mux.clear()

	if clientMux == nil {
		return ErrShutdown
	}

	close(mux.shutdownSig)

	var muxErr error
	// Shut down the client multiplexer which will close all its queues
	// effectively causing all the clients to shut down.
	for _, pipeline := range clientMux.pipelines {
		err := pipeline.Close()
		if err != nil {
			logErrorf("failed to shut down pipeline: %s", err)
			muxErr = ErrCliInternalError
		}
	}

	if clientMux.deadPipe != nil {
		err := clientMux.deadPipe.Close()
		if err != nil {
			logErrorf("failed to shut down deadpipe: %s", err)
			muxErr = ErrCliInternalError
		}
	}

	// Drain all the pipelines and error their requests, then
	//  drain the dead queue and error those requests.
	cb := func(req *memdQRequest) {
		req.tryCallback(nil, ErrShutdown)
	}

	mux.drainPipelines(clientMux, cb)

	mux.clientCloseWg.Wait()

	return muxErr
}

// WaitForConfig blocks until the first real config has been applied.
func (mux *kvMux) WaitForConfig(ctx context.Context) error {
	select {
	case <-mux.hasSeenConfigCh:
		return nil
	case <-mux.shutdownSig:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mux *kvMux) PipelineSnapshot() (*pipelineSnapshot, error) {
	clientMux := mux.getState()
	if clientMux == nil {
		return nil, ErrShutdown
	}

	return &pipelineSnapshot{
		state: clientMux,
	}, nil
}

func (mux *kvMux) handleOpRoutingResp(resp *memdQResponse, req *memdQRequest, originalErr error) (bool, error) {
	// If there is no error, we should return immediately
	if originalErr == nil {
		return false, nil
	}

	// Handshake and keepalive requests inspect the raw status themselves.
	if req.opKind == kvOpBootstrap || req.opKind == kvOpNoop {
		return false, originalErr
	}

	// If this operation has been cancelled, we just fail immediately.
	if errors.Is(originalErr, ErrRequestCanceled) || errors.Is(originalErr, ErrTimeout) {
		return false, originalErr
	}

	// More and complete end a range scan continue, they are not failures.
	if isRangeScanProgress(originalErr) {
		return false, originalErr
	}

	err := translateMemdError(originalErr, req)

	if err == originalErr {
		if errors.Is(err, io.EOF) && !mux.closed() {
			// The connection has gone away.
			if req.opKind == kvOpGetClusterConfig {
				return false, err
			}

			written := req.written.Load()
			if !written {
				if retried, err := mux.waitAndRetryOperation(req, SocketNotAvailableRetryReason); retried || err != nil {
					return retried, err
				}
			} else if req.Idempotent() {
				if retried, err := mux.waitAndRetryOperation(req, SocketCloseInFlightRetryReason); retried || err != nil {
					return retried, err
				}
			} else {
				// The mutation may or may not have been applied.
				return false, newConnectionDroppedError(req)
			}
		} else if errors.Is(err, ErrMemdClientClosed) && !mux.closed() {
			if req.opKind == kvOpGetClusterConfig {
				return false, err
			}

			// The request can't have been dispatched yet.
			if retried, err := mux.waitAndRetryOperation(req, SocketNotAvailableRetryReason); retried || err != nil {
				return retried, err
			}
		} else if errors.Is(err, io.ErrShortWrite) {
			// This is a special case where the write has failed on the underlying connection and not all the bytes
			// were written to the network.
			if retried, err := mux.waitAndRetryOperation(req, MemdWriteFailure); retried || err != nil {
				return retried, err
			}
		} else if errors.Is(err, ErrOverload) {
			if retried, err := mux.waitAndRetryOperation(req, PipelineOverloadedRetryReason); retried || err != nil {
				return retried, err
			}
		} else if resp != nil && resp.Magic == memd.CmdMagicRes {
			// We don't know anything about this error so send it to the error map
			shouldRetry := mux.errMapMgr.ShouldRetry(resp.Status)
			if shouldRetry {
				if retried, err := mux.waitAndRetryOperation(req, KVErrMapRetryReason); retried || err != nil {
					return retried, err
				}
			}
		}
	} else {
		// Document not found is an answer rather than a failure and is never retried.
		if errors.Is(err, ErrNotMyVBucket) {
			if retried, err := mux.handleNotMyVbucket(resp, req); retried || err != nil {
				return retried, err
			}
		} else if errors.Is(err, ErrDocumentLocked) {
			if retried, err := mux.waitAndRetryOperation(req, KVLockedRetryReason); retried || err != nil {
				return retried, err
			}
		} else if errors.Is(err, ErrTemporaryFailure) {
			if retried, err := mux.waitAndRetryOperation(req, KVTemporaryFailureRetryReason); retried || err != nil {
				return retried, err
			}
		} else if errors.Is(err, ErrDurableWriteInProgress) {
			if retried, err := mux.waitAndRetryOperation(req, KVSyncWriteInProgressRetryReason); retried || err != nil {
				return retried, err
			}
		} else if errors.Is(err, ErrDurableWriteReCommitInProgress) {
			if retried, err := mux.waitAndRetryOperation(req, KVSyncWriteRecommitInProgressRetryReason); retried || err != nil {
				return retried, err
			}
		}
		// If an error isn't in this list then we know what this error is but we don't support retries for it.
	}

	err = mux.errMapMgr.EnhanceKvError(err, resp, req)

	if mux.postCompleteErrHandler == nil {
		return false, err
	}

	return mux.postCompleteErrHandler(resp, req, err)
}

// newConnectionDroppedError describes a mutation whose connection closed after
// it was written, so its outcome is unknown.
func newConnectionDroppedError(req *memdQRequest) error {
	dispatchedTo, dispatchedFrom, connectionID := req.lastDispatch()
	return &TimeoutError{
		InnerError:         wrapError(ErrAmbiguousTimeout, "connection closed with request in flight"),
		OperationID:        req.opKind.String(),
		Opaque:             req.Identifier(),
		TimeObserved:       time.Since(req.dispatchTime),
		RetryReasons:       req.RetryReasons(),
		RetryAttempts:      req.RetryAttempts(),
		LastDispatchedTo:   dispatchedTo,
		LastDispatchedFrom: dispatchedFrom,
		LastConnectionID:   connectionID,
	}
}

func (mux *kvMux) closed() bool {
	return mux.getState() == nil
}

// waitAndRetryOperation schedules req to be sent again. When the retry is
// refused because it would pass the deadline the timeout error to complete
// req with is returned instead. Every reason passed here means the server did
// not apply the request, so that timeout is unambiguous.
func (mux *kvMux) waitAndRetryOperation(req *memdQRequest, reason RetryReason) (bool, error) {
	shouldRetry, retryTime, pastDeadline := retryOrchRetryOrDeadline(req, reason)
	if !shouldRetry {
		if pastDeadline {
			return false, newKvTimeoutErrorWithInner(req, time.Since(req.dispatchTime), ErrUnambiguousTimeout)
		}
		return false, nil
	}

	mux.prepareRetry(req)
	mux.tracer.RecordRetry(MemdService.String(), reason)

	timer := time.AfterFunc(time.Until(retryTime), func() {
		mux.RequeueDirect(req, true)
	})
	req.setCancelRetry(timer.Stop)

	return true, nil
}

func (mux *kvMux) prepareRetry(req *memdQRequest) {
	req.processingLock.Lock()
	cancelReqTraceLocked(req, "", "")
	req.processingLock.Unlock()

	req.prepareForResend()
}

// handleNotMyVbucket applies any config carried by the response. The first
// rejection of a request refreshes the config once and resends straight away,
// later rejections back off through the retry orchestrator.
func (mux *kvMux) handleNotMyVbucket(resp *memdQResponse, req *memdQRequest) (bool, error) {
	if resp != nil && len(resp.Value) > 0 {
		// Grab just the hostname from the source address
		sourceHost, err := hostFromHostPort(resp.sourceAddr)
		if err != nil {
			logErrorf("NMV response source address was invalid, skipping config update")
		} else {
			// Try to parse the value as a bucket configuration
			bk, err := parseConfig(resp.Value, sourceHost)
			if err == nil {
				// We need to push this upstream which will then update us with a new config.
				mux.cfgMgr.OnNewConfig(bk)
			}
		}
	}

	if req.opKind.desc().noNmvbRetry {
		// The scan is tied to the vbucket owner that created it.
		return false, nil
	}

	if req.nmvbRefreshed.CompareAndSwap(false, true) {
		req.incrementRetryAttempts()
		req.addRetryReason(KVNotMyVBucketRetryReason)
		mux.prepareRetry(req)

		go func() {
			if mux.refresher != nil {
				mux.refresher.Refresh()
			}
			mux.RequeueDirect(req, true)
		}()
		return true, nil
	}

	// Redirect it!  This may actually come back to this server, but I won't tell
	//   if you don't ;)
	return mux.waitAndRetryOperation(req, KVNotMyVBucketRetryReason)
}

func (mux *kvMux) drainPipelines(clientMux *kvMuxState, cb func(req *memdQRequest)) {
	for _, pipeline := range clientMux.pipelines {
		logDebugf("Draining queue %+v", pipeline)
		pipeline.Drain(cb)
	}
	if clientMux.deadPipe != nil {
		clientMux.deadPipe.Drain(cb)
	}
}

func (mux *kvMux) newKVMuxState(cfg *routeConfig) *kvMuxState {
	kvServerList := cfg.KVAddresses()

	var buffer bytes.Buffer
	buffer.WriteString(fmt.Sprintln("KV muxer applying endpoints:"))
	buffer.WriteString(fmt.Sprintf("Bucket: %s\n", cfg.name))
	for _, ep := range kvServerList {
		buffer.WriteString(fmt.Sprintf("  - %s\n", ep))
	}

	logDebugf(buffer.String())

	props := mux.pipelineProps
	pipelines := make([]*memdPipeline, len(kvServerList))
	for i, address := range kvServerList {
		address := address
		getCurClientFn := func(cancelSig <-chan struct{}) (*memdClient, error) {
			return mux.dialer.SlowDialMemdClient(cancelSig, address, mux.handleOpRoutingResp)
		}

		pipelines[i] = newPipeline(&newMemdPipelineOptions{
			address:       address,
			minClients:    props.MinConnsPerNode,
			maxClients:    props.MaxConnsPerNode,
			maxItems:      mux.queueSize,
			getClientFn:   getCurClientFn,
			idleTimeout:   props.IdleConnTimeout,
			scaleInterval: props.ScaleInterval,
			noopInterval:  props.NoopInterval,
			noopTimeout:   props.NoopTimeout,
			reconnect:     props.Reconnect,
		})
	}

	return newKVMuxState(cfg, pipelines, newDeadPipeline(mux.queueSize))
}

func (mux *kvMux) requeueRequests(oldMuxState *kvMuxState) {
	// Gather all the requests from all the old pipelines and then
	//  sort and redispatch them (which will use the new pipelines)
	var requestList []*memdQRequest
	mux.drainPipelines(oldMuxState, func(req *memdQRequest) {
		requestList = append(requestList, req)
	})

	sort.SliceStable(requestList, func(i, j int) bool {
		return requestList[i].dispatchTime.Before(requestList[j].dispatchTime)
	})

	for _, req := range requestList {
		req.processingLock.Lock()
		stopCmdTraceLocked(req)
		req.processingLock.Unlock()

		mux.RequeueDirect(req, false)
	}
}

func (mux *kvMux) stealPipeline(address string, oldPipelines *list.List) *memdPipeline {
	for e := oldPipelines.Front(); e != nil; e = e.Next() {
		pipeline, ok := e.Value.(*memdPipeline)
		if !ok {
			logErrorf("Failed to cast old pipeline")
			continue
		}

		if pipeline.Address() == address {
			oldPipelines.Remove(e)
			return pipeline
		}
	}

	return nil
}

func (mux *kvMux) pipelineTakeover(oldMux, newMux *kvMuxState) {
	oldPipelines := list.New()

	// Gather all our old pipelines up for takeover and what not
	if oldMux != nil {
		for _, pipeline := range oldMux.pipelines {
			oldPipelines.PushBack(pipeline)
		}
	}

	// Initialize new pipelines (possibly with a takeover)
	for _, pipeline := range newMux.pipelines {
		oldPipeline := mux.stealPipeline(pipeline.Address(), oldPipelines)
		if oldPipeline != nil {
			pipeline.Takeover(oldPipeline)
		}

		pipeline.StartClients()
	}

	// Shut down any pipelines that were not taken over. Closing waits for the
	// connections to finish, which must not happen under the state lock.
	for e := oldPipelines.Front(); e != nil; e = e.Next() {
		pipeline, ok := e.Value.(*memdPipeline)
		if !ok {
			logErrorf("Failed to cast old pipeline")
			continue
		}

		pipeline.queue.Close()
		mux.clientCloseWg.Add(1)
		go func(pipeline *memdPipeline) {
			defer mux.clientCloseWg.Done()
			if err := pipeline.Close(); err != nil {
				logErrorf("Failed to properly close abandoned pipeline (%s)", err)
			}
		}(pipeline)
	}

	if oldMux != nil && oldMux.deadPipe != nil {
		err := oldMux.deadPipe.Close()
		if err != nil {
			logErrorf("Failed to properly close abandoned dead pipe (%s)", err)
		}
	}
}

// pipelineSnapshot gives a consistent view of the pipelines of one routing state.
type pipelineSnapshot struct {
	state *kvMuxState
}

func (pi pipelineSnapshot) RevID() int64 {
	return pi.state.RevID()
}

func (pi pipelineSnapshot) NumPipelines() int {
	return pi.state.NumPipelines()
}

func (pi pipelineSnapshot) Iterate(offset int, cb func(*memdPipeline) bool) {
	l := pi.state.NumPipelines()
	if l == 0 {
		return
	}
	offset = offset % l
	for i := 0; i < l; i++ {
		pipeline := pi.state.GetPipeline((i + offset) % l)
		if cb(pipeline) {
			return
		}
	}
}

func (pi pipelineSnapshot) PipelineAt(index int) *memdPipeline {
	return pi.state.GetPipeline(index)
}
