package gocbnet

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"
)

// RetryRequest is a request that can possibly be retried.
type RetryRequest interface {
	RetryAttempts() uint32
	Identifier() string
	Idempotent() bool
	RetryReasons() []RetryReason

	retryStrategy() RetryStrategy
	incrementRetryAttempts()
	addRetryReason(reason RetryReason)
	setCancelRetry(cancelFunc func() bool)
}

// retryDeadliner is implemented by requests with an absolute deadline which a
// retry must never be scheduled beyond.
type retryDeadliner interface {
	retryDeadline() time.Time
}

// RetryReasonClass groups retry reasons by the kind of failure they describe.
type RetryReasonClass uint8

const (
	// RetryReasonClassTransport covers connection level failures.
	RetryReasonClassTransport RetryReasonClass = iota

	// RetryReasonClassServerBusy covers the server shedding load.
	RetryReasonClassServerBusy

	// RetryReasonClassServerTransient covers transient document level conditions.
	RetryReasonClassServerTransient

	// RetryReasonClassTopology covers routing against a stale cluster map.
	RetryReasonClassTopology

	// RetryReasonClassPermanent covers failures which no retry can fix.
	RetryReasonClassPermanent
)

// RetryReason represents the reason for an operation possibly being retried.
type RetryReason interface {
	AllowsNonIdempotentRetry() bool
	AlwaysRetry() bool
	Description() string
	Class() RetryReasonClass
}

type retryReason struct {
	allowsNonIdempotentRetry bool
	alwaysRetry              bool
	class                    RetryReasonClass
	description              string
}

func (rr retryReason) AllowsNonIdempotentRetry() bool {
	return rr.allowsNonIdempotentRetry
}

func (rr retryReason) AlwaysRetry() bool {
	return rr.alwaysRetry
}

func (rr retryReason) Description() string {
	return rr.description
}

func (rr retryReason) Class() RetryReasonClass {
	return rr.class
}

func (rr retryReason) String() string {
	return rr.description
}

func (rr retryReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(rr.description)
}

var (
	// UnknownRetryReason indicates that the operation failed for an unknown reason.
	UnknownRetryReason = retryReason{allowsNonIdempotentRetry: false, alwaysRetry: false, class: RetryReasonClassPermanent, description: "UNKNOWN"}

	// SocketNotAvailableRetryReason indicates that the operation failed because the underlying socket was not available.
	SocketNotAvailableRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassTransport, description: "SOCKET_NOT_AVAILABLE"}

	// ServiceNotAvailableRetryReason indicates that the operation failed because the requested service was not available.
	ServiceNotAvailableRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassTopology, description: "SERVICE_NOT_AVAILABLE"}

	// NodeNotAvailableRetryReason indicates that the operation failed because the requested node was not available.
	NodeNotAvailableRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassTopology, description: "NODE_NOT_AVAILABLE"}

	// KVNotMyVBucketRetryReason indicates that the operation failed because it was sent to the wrong node for the vbucket.
	KVNotMyVBucketRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: true, class: RetryReasonClassTopology, description: "KV_NOT_MY_VBUCKET"}

	// KVErrMapRetryReason indicates that the operation failed for an unsupported reason but the KV error map indicated
	// that the operation can be retried.
	KVErrMapRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerTransient, description: "KV_ERROR_MAP_RETRY_INDICATED"}

	// KVLockedRetryReason indicates that the operation failed because the document was locked.
	KVLockedRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerTransient, description: "KV_LOCKED"}

	// KVTemporaryFailureRetryReason indicates that the operation failed because of a temporary failure.
	KVTemporaryFailureRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerBusy, description: "KV_TEMPORARY_FAILURE"}

	// KVSyncWriteInProgressRetryReason indicates that the operation failed because a sync write is in progress.
	KVSyncWriteInProgressRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerTransient, description: "KV_SYNC_WRITE_IN_PROGRESS"}

	// KVSyncWriteRecommitInProgressRetryReason indicates that the operation failed because a sync write recommit is in progress.
	KVSyncWriteRecommitInProgressRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerTransient, description: "KV_SYNC_WRITE_RE_COMMIT_IN_PROGRESS"}

	// ServiceResponseCodeIndicatedRetryReason indicates that the operation failed and the service responded stating that
	// the request should be retried.
	ServiceResponseCodeIndicatedRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerTransient, description: "SERVICE_RESPONSE_CODE_INDICATED"}

	// SocketCloseInFlightRetryReason indicates that the operation failed because the socket was closed whilst the operation
	// was in flight.
	SocketCloseInFlightRetryReason = retryReason{allowsNonIdempotentRetry: false, alwaysRetry: false, class: RetryReasonClassTransport, description: "SOCKET_CLOSED_WHILE_IN_FLIGHT"}

	// PipelineOverloadedRetryReason indicates that the operation failed because the pipeline queue was full.
	PipelineOverloadedRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: true, class: RetryReasonClassServerBusy, description: "PIPELINE_OVERLOADED"}

	// QueryPreparedStatementFailureRetryReason indicates that the operation failed due to a prepared statement failure.
	QueryPreparedStatementFailureRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerTransient, description: "QUERY_PREPARED_STATEMENT_FAILURE"}

	// QueryIndexNotFoundRetryReason indicates that the operation failed to to a missing query index
	QueryIndexNotFoundRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerTransient, description: "QUERY_INDEX_NOT_FOUND"}

	// QueryErrorRetryable indicates that the operation is retryable as indicated by the query engine.
	QueryErrorRetryable = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassServerTransient, description: "QUERY_ERROR_RETRYABLE"}

	// NotReadyRetryReason indicates that the WaitUntilReady operation is not ready.
	NotReadyRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: true, class: RetryReasonClassTopology, description: "NOT_READY"}

	// NoPipelineSnapshotRetryReason indicates that there was no pipeline snapshot available.
	NoPipelineSnapshotRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: true, class: RetryReasonClassTopology, description: "NO_PIPELINE_SNAPSHOT"}

	// BucketNotReadyReason indicates that the user has priviledges to access the bucket but the bucket doesn't exist
	// or is in warm up.
	BucketNotReadyReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: true, class: RetryReasonClassServerBusy, description: "BUCKET_NOT_READY"}

	// ConnectionErrorRetryReason indicates that there were errors reported by underlying connections
	ConnectionErrorRetryReason = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassTransport, description: "CONNECTION_ERROR"}

	// MemdWriteFailure indicates that the operation failed because the write failed on the connection.
	MemdWriteFailure = retryReason{allowsNonIdempotentRetry: true, alwaysRetry: false, class: RetryReasonClassTransport, description: "MEMD_WRITE_FAILURE"}
)

// MaybeRetryRequest will possibly retry a request according to the strategy belonging to the request.
// It will use the reason to determine whether or not the failure reason is one that can be retried.
func (agent *Agent) MaybeRetryRequest(req RetryRequest, reason RetryReason) (bool, time.Time) {
	return retryOrchMaybeRetry(req, reason)
}

// RetryAction is used by a RetryStrategy to calculate the duration to wait before retrying an operation.
// Returning a value of 0 indicates to retry immediately.
type RetryAction interface {
	Duration() time.Duration
}

// NoRetryRetryAction represents an action that indicates to not retry.
type NoRetryRetryAction struct {
}

// Duration is the length of time to wait before retrying an operation.
func (ra *NoRetryRetryAction) Duration() time.Duration {
	return 0
}

// WithDurationRetryAction represents an action that indicates to retry with a given duration.
type WithDurationRetryAction struct {
	WithDuration time.Duration
}

// Duration is the length of time to wait before retrying an operation.
func (ra *WithDurationRetryAction) Duration() time.Duration {
	return ra.WithDuration
}

// RetryStrategy is to determine if an operation should be retried, and if so how long to wait before retrying.
type RetryStrategy interface {
	RetryAfter(req RetryRequest, reason RetryReason) RetryAction
}

func newFailFastRetryStrategy() *failFastRetryStrategy {
	return &failFastRetryStrategy{}
}

type failFastRetryStrategy struct {
}

func (rs *failFastRetryStrategy) RetryAfter(req RetryRequest, reason RetryReason) RetryAction {
	return &NoRetryRetryAction{}
}

// BackoffCalculator defines how backoff durations will be calculated by the retry API.
type BackoffCalculator func(retryAttempts uint32) time.Duration

// BestEffortRetryStrategy represents a strategy that will keep retrying until it succeeds (or the caller times out
// the request).
type BestEffortRetryStrategy struct {
	backoffCalculator BackoffCalculator
}

// defaultBackoffCalculator backs off from 1ms to 500ms, doubling each attempt, with full jitter.
var defaultBackoffCalculator = ExponentialBackoffWithJitter(time.Millisecond, 500*time.Millisecond, 2)

// NewBestEffortRetryStrategy returns a new BestEffortRetryStrategy which will use the supplied calculator function
// to calculate retry durations. If calculator is nil then a jittered exponential backoff from 1ms to 500ms is used.
func NewBestEffortRetryStrategy(calculator BackoffCalculator) *BestEffortRetryStrategy {
	if calculator == nil {
		calculator = defaultBackoffCalculator
	}

	return &BestEffortRetryStrategy{backoffCalculator: calculator}
}

// RetryAfter calculates and returns a RetryAction describing how long to wait before retrying an operation.
func (rs *BestEffortRetryStrategy) RetryAfter(req RetryRequest, reason RetryReason) RetryAction {
	if req.Idempotent() || reason.AllowsNonIdempotentRetry() {
		return &WithDurationRetryAction{WithDuration: rs.backoffCalculator(req.RetryAttempts())}
	}

	return &NoRetryRetryAction{}
}

// ExponentialBackoff calculates a backoff time duration from the retry attempts on a given request.
func ExponentialBackoff(min, max time.Duration, backoffFactor float64) BackoffCalculator {
	var minBackoff float64 = 1000000   // 1 Millisecond
	var maxBackoff float64 = 500000000 // 500 Milliseconds
	var factor float64 = 2

	if min > 0 {
		minBackoff = float64(min)
	}
	if max > 0 {
		maxBackoff = float64(max)
	}
	if backoffFactor > 0 {
		factor = backoffFactor
	}

	return func(retryAttempts uint32) time.Duration {
		backoff := minBackoff * (math.Pow(factor, float64(retryAttempts)))

		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if backoff < minBackoff {
			backoff = minBackoff
		}

		return time.Duration(backoff)
	}
}

// ExponentialBackoffWithJitter behaves like ExponentialBackoff but picks a uniformly random
// duration between the minimum and the calculated backoff ("full jitter").
func ExponentialBackoffWithJitter(min, max time.Duration, backoffFactor float64) BackoffCalculator {
	calc := ExponentialBackoff(min, max, backoffFactor)
	floor := calc(0)

	return func(retryAttempts uint32) time.Duration {
		ceil := calc(retryAttempts)
		if ceil <= floor {
			return floor
		}
		return floor + time.Duration(rand.Int63n(int64(ceil-floor)+1))
	}
}

// ControlledBackoff calculates a backoff time duration from the retry attempts on a given request.
func ControlledBackoff(retryAttempts uint32) time.Duration {
	switch retryAttempts {
	case 0:
		return 1 * time.Millisecond
	case 1:
		return 10 * time.Millisecond
	case 2:
		return 50 * time.Millisecond
	case 3:
		return 100 * time.Millisecond
	case 4:
		return 500 * time.Millisecond
	default:
		return 1000 * time.Millisecond
	}
}

func retryOrchMaybeRetry(req RetryRequest, reason RetryReason) (bool, time.Time) {
	shouldRetry, retryTime, _ := retryOrchRetryOrDeadline(req, reason)
	return shouldRetry, retryTime
}

// retryOrchRetryOrDeadline is retryOrchMaybeRetry, additionally reporting when the
// retry was refused only because it would land after the request deadline. The
// reason is still recorded in that case so the timeout the caller builds names it.
func retryOrchRetryOrDeadline(req RetryRequest, reason RetryReason) (bool, time.Time, bool) {
	if reason.Class() == RetryReasonClassPermanent {
		logDebugf("Will not retry request %s. Reason %s is permanent", req.Identifier(), reason.Description())
		return false, time.Time{}, false
	}

	var duration time.Duration
	if reason.AlwaysRetry() {
		duration = defaultBackoffCalculator(req.RetryAttempts())
	} else {
		retryStrategy := req.retryStrategy()
		if retryStrategy == nil {
			return false, time.Time{}, false
		}

		action := retryStrategy.RetryAfter(req, reason)
		if action == nil {
			logDebugf("Won't retry request %s. Retry action was nil", req.Identifier())
			return false, time.Time{}, false
		}
		if _, ok := action.(*NoRetryRetryAction); ok {
			logDebugf("Won't retry request %s. Strategy refused reason %s", req.Identifier(), reason.Description())
			return false, time.Time{}, false
		}

		duration = action.Duration()
	}

	retryTime := time.Now().Add(duration)
	if deadliner, ok := req.(retryDeadliner); ok {
		deadline := deadliner.retryDeadline()
		if !deadline.IsZero() && retryTime.After(deadline) {
			logDebugf("Won't retry request %s. Next attempt would pass the deadline", req.Identifier())
			req.addRetryReason(reason)
			return false, time.Time{}, true
		}
	}

	logDebugf("Will retry request %s. Backoff=%s, Reason=%s", req.Identifier(), duration, reason.Description())

	req.incrementRetryAttempts()
	req.addRetryReason(reason)

	return true, retryTime, false
}
