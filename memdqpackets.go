package gocbnet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

// The data for a response from a server. This includes the
// packets data along with some useful meta-data related to
// the response.
type memdQResponse struct {
	*memd.Packet

	sourceAddr   string
	sourceConnID string
}

type memdCallback func(*memdQResponse, *memdQRequest, error)

// The data for a request that can be queued with a memdOpQueue,
// and can potentially be rerouted to multiple servers due to
// configuration changes.
type memdQRequest struct {
	memd.Packet

	// Static routing properties
	opKind     kvOpKind
	ReplicaIdx int
	Callback   memdCallback

	// Persistent requests receive every success response for their opaque,
	// the first non-success response completes them.
	Persistent bool

	// RetryAnyway marks a non-idempotent request as safe to resend, for
	// example because the caller supplied a cas.
	RetryAnyway   bool
	RetryStrategy RetryStrategy
	Deadline      time.Time

	// This tracks when the request was dispatched so that we can
	// properly prioritize older requests to try and meet timeout
	// requirements.
	dispatchTime time.Time

	// This stores a pointer to the server that currently own
	// this request. This allows us to remove it from that list
	// whenever the request is cancelled.
	queuedWith atomic.Pointer[memdOpQueue]

	// This stores a pointer to the opList that currently is holding
	// this request. This allows us to remove it form that list
	// whenever the request is cancelled
	waitingIn atomic.Pointer[memdClient]

	// This keeps track of whether the request has been 'completed'
	// which is synonymous with the callback having been invoked.
	// This is an integer to allow us to atomically control it.
	isCompleted uint32

	// written is set once the request bytes reached a socket, after which a
	// connection drop makes the outcome of a mutation unknown.
	written atomic.Bool

	// nmvbRefreshed is set once the request has triggered its single
	// immediate not-my-vbucket refresh.
	nmvbRefreshed atomic.Bool

	// This is used to lock access to the request when processing
	// a timeout, a response or spans
	processingLock sync.Mutex

	// This stores the number of times that the item has been
	// retried, and is used for various non-linear retry
	// algorithms.
	retryCount uint32

	CollectionName string
	ScopeName      string

	RootTraceContext RequestSpanContext
	cmdTraceSpan     *spanWrapper
	netTraceSpan     *spanWrapper

	// This holds the deadline timer for the request, it is stopped when the
	// request completes.
	Timer *time.Timer

	retryLock          sync.Mutex
	retryReasons       []RetryReason
	cancelRetryTimerFn func() bool
	lastDispatchedTo   string
	lastDispatchedFrom string
	lastConnectionID   string
}

func (req *memdQRequest) retryStrategy() RetryStrategy {
	return req.RetryStrategy
}

func (req *memdQRequest) retryDeadline() time.Time {
	return req.Deadline
}

// RetryAttempts returns the number of times that this request has been retried.
func (req *memdQRequest) RetryAttempts() uint32 {
	return atomic.LoadUint32(&req.retryCount)
}

// Identifier returns the unique identifier for this request.
func (req *memdQRequest) Identifier() string {
	return fmt.Sprintf("0x%x", atomic.LoadUint32(&req.Opaque))
}

// Idempotent returns whether or not this request is idempotent.
func (req *memdQRequest) Idempotent() bool {
	return kvOpTable[req.opKind].idempotent || req.RetryAnyway
}

// RetryReasons returns the set of reasons why this request has been retried.
func (req *memdQRequest) RetryReasons() []RetryReason {
	req.retryLock.Lock()
	defer req.retryLock.Unlock()
	return req.retryReasons
}

func (req *memdQRequest) incrementRetryAttempts() {
	atomic.AddUint32(&req.retryCount, 1)
}

func (req *memdQRequest) addRetryReason(retryReason RetryReason) {
	req.retryLock.Lock()
	found := false
	for i := 0; i < len(req.retryReasons); i++ {
		if req.retryReasons[i] == retryReason {
			found = true
			break
		}
	}

	// if idx is out of the range of the slice then it wasn't found.
	if !found {
		req.retryReasons = append(req.retryReasons, retryReason)
	}
	req.retryLock.Unlock()
}

func (req *memdQRequest) setCancelRetry(cancelFunc func() bool) {
	req.retryLock.Lock()
	req.cancelRetryTimerFn = cancelFunc
	req.retryLock.Unlock()
}

func (req *memdQRequest) cancelRetry() bool {
	req.retryLock.Lock()
	cancelFn := req.cancelRetryTimerFn
	req.cancelRetryTimerFn = nil
	req.retryLock.Unlock()

	if cancelFn == nil {
		return false
	}
	return cancelFn()
}

func (req *memdQRequest) setLastDispatch(to, from, connectionID string) {
	req.retryLock.Lock()
	req.lastDispatchedTo = to
	req.lastDispatchedFrom = from
	req.lastConnectionID = connectionID
	req.retryLock.Unlock()
}

func (req *memdQRequest) lastDispatch() (string, string, string) {
	req.retryLock.Lock()
	defer req.retryLock.Unlock()
	return req.lastDispatchedTo, req.lastDispatchedFrom, req.lastConnectionID
}

func (req *memdQRequest) isCancelled() bool {
	return atomic.LoadUint32(&req.isCompleted) != 0
}

// tryCallback completes the request at most once. Whichever of the response,
// the timeout or a cancellation gets here first wins, all later attempts
// return false.
func (req *memdQRequest) tryCallback(resp *memdQResponse, err error) bool {
	if !atomic.CompareAndSwapUint32(&req.isCompleted, 0, 1) {
		return false
	}

	if req.Timer != nil {
		req.Timer.Stop()
	}

	req.Callback(resp, req, err)
	return true
}

// prepareForResend resets the per-attempt state of a request before it is
// dispatched again.
func (req *memdQRequest) prepareForResend() {
	req.written.Store(false)
	req.waitingIn.Store(nil)
}

func (req *memdQRequest) internalCancel(err error) bool {
	req.processingLock.Lock()

	if atomic.LoadUint32(&req.isCompleted) != 0 {
		// Someone is already completing this request, so we can't cancel it.
		req.processingLock.Unlock()
		return false
	}

	queuedWith := req.queuedWith.Load()
	if queuedWith != nil {
		queuedWith.Remove(req)
	}

	waitingIn := req.waitingIn.Load()
	if waitingIn != nil {
		waitingIn.CancelRequest(req, err)
	}

	req.cancelRetry()

	cancelReqTraceLocked(req, "", "")
	req.processingLock.Unlock()

	req.tryCallback(nil, err)

	return true
}

// Cancel cancels the request, removing it from whichever queue or connection
// currently holds it and completing it with ErrRequestCanceled.
func (req *memdQRequest) Cancel() {
	req.internalCancel(ErrRequestCanceled)
}

// PendingOp represents an outstanding operation within the client.
// This can be used to cancel an operation before it completes.
// This can also be used to Get information about the operation once
// it has completed (cancelled or successful).
type PendingOp interface {
	Cancel()
}

type multiPendingOp struct {
	ops          []PendingOp
	completedOps uint32
	isIdempotent bool
}

func (mp *multiPendingOp) Cancel() {
	for _, op := range mp.ops {
		op.Cancel()
	}
}

func (mp *multiPendingOp) CompletedOps() uint32 {
	return atomic.LoadUint32(&mp.completedOps)
}

func (mp *multiPendingOp) IncrementCompletedOps() uint32 {
	return atomic.AddUint32(&mp.completedOps, 1)
}

func (mp *multiPendingOp) Add(op PendingOp) {
	mp.ops = append(mp.ops, op)
}
