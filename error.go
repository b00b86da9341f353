package gocbnet

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

type wrappedError struct {
	Message    string
	InnerError error
}

func (e wrappedError) Is(err error) bool {
	return errors.Is(e.InnerError, err)
}

func (e wrappedError) Unwrap() error {
	return e.InnerError
}

func (e wrappedError) Error() string {
	return e.Message + ": " + e.InnerError.Error()
}

func wrapError(err error, message string) error {
	return wrappedError{
		Message:    message,
		InnerError: err,
	}
}

// MultiError represents an error that encompasses multiple errors.
type MultiError struct {
	Errors []error
}

func (e *MultiError) add(err error) {
	if multiErr, ok := err.(*MultiError); ok {
		e.Errors = append(e.Errors, multiErr.Errors...)
	} else {
		e.Errors = append(e.Errors, err)
	}
}

func (e *MultiError) get() error {
	if len(e.Errors) == 0 {
		return nil
	} else if len(e.Errors) == 1 {
		return e.Errors[0]
	} else {
		return e
	}
}

func (e *MultiError) Error() string {
	var errs []string
	for _, err := range e.Errors {
		errs = append(errs, err.Error())
	}
	return "[" + strings.Join(errs, ", ") + "]"
}

// Is reports whether any of the contained errors match the target.
func (e *MultiError) Is(err error) bool {
	for _, inner := range e.Errors {
		if errors.Is(inner, err) {
			return true
		}
	}
	return false
}

// TimeoutError wraps timeout errors that occur within the SDK.
type TimeoutError struct {
	InnerError         error
	OperationID        string
	Opaque             string
	TimeObserved       time.Duration
	RetryReasons       []RetryReason
	RetryAttempts      uint32
	LastDispatchedTo   string
	LastDispatchedFrom string
	LastConnectionID   string
}

type timeoutJSONError struct {
	InnerError         string   `json:"-"`
	OperationID        string   `json:"s,omitempty"`
	Opaque             string   `json:"i,omitempty"`
	TimeObserved       uint64   `json:"t,omitempty"`
	RetryReasons       []string `json:"rr,omitempty"`
	RetryAttempts      uint32   `json:"ra,omitempty"`
	LastDispatchedTo   string   `json:"r,omitempty"`
	LastDispatchedFrom string   `json:"l,omitempty"`
	LastConnectionID   string   `json:"c,omitempty"`
}

// MarshalJSON implements the Marshaler interface.
func (err *TimeoutError) MarshalJSON() ([]byte, error) {
	var retryReasons []string
	if len(err.RetryReasons) > 0 {
		retryReasons = make([]string, len(err.RetryReasons))
		for i, reason := range err.RetryReasons {
			retryReasons[i] = reason.Description()
		}
	}

	toMarshal := timeoutJSONError{
		InnerError:         err.InnerError.Error(),
		OperationID:        err.OperationID,
		Opaque:             err.Opaque,
		TimeObserved:       uint64(err.TimeObserved / time.Microsecond),
		RetryReasons:       retryReasons,
		RetryAttempts:      err.RetryAttempts,
		LastDispatchedTo:   err.LastDispatchedTo,
		LastDispatchedFrom: err.LastDispatchedFrom,
		LastConnectionID:   err.LastConnectionID,
	}

	return json.Marshal(toMarshal)
}

func (err *TimeoutError) Error() string {
	if err == nil {
		return "<nil>"
	}
	data, mErr := json.Marshal(err)
	if mErr != nil {
		return err.InnerError.Error()
	}
	return err.InnerError.Error() + " | " + string(data)
}

// Unwrap returns the underlying reason for the error
func (err *TimeoutError) Unwrap() error {
	return err.InnerError
}

// KeyValueError wraps key-value errors that occur within the SDK.
type KeyValueError struct {
	InnerError         error            `json:"-"`
	StatusCode         memd.StatusCode  `json:"status_code,omitempty"`
	DocumentKey        string           `json:"document_key,omitempty"`
	BucketName         string           `json:"bucket,omitempty"`
	ScopeName          string           `json:"scope,omitempty"`
	CollectionName     string           `json:"collection,omitempty"`
	CollectionID       uint32           `json:"collection_id,omitempty"`
	ErrorName          string           `json:"error_name,omitempty"`
	ErrorDescription   string           `json:"error_description,omitempty"`
	Opaque             uint32           `json:"opaque,omitempty"`
	Context            string           `json:"context,omitempty"`
	Ref                string           `json:"ref,omitempty"`
	RetryReasons       []RetryReason    `json:"retry_reasons,omitempty"`
	RetryAttempts      uint32           `json:"retry_attempts,omitempty"`
	LastDispatchedTo   string           `json:"last_dispatched_to,omitempty"`
	LastDispatchedFrom string           `json:"last_dispatched_from,omitempty"`
	LastConnectionID   string           `json:"last_connection_id,omitempty"`
	ServerDuration     time.Duration    `json:"server_duration,omitempty"`
	ErrorAttributes    []kvErrorMapAttr `json:"error_attributes,omitempty"`
}

func (e *KeyValueError) Error() string {
	errBytes, serErr := json.Marshal(struct {
		InnerError string `json:"msg,omitempty"`
		*KeyValueError
	}{
		InnerError:    e.InnerError.Error(),
		KeyValueError: e,
	})
	if serErr != nil {
		logErrorf("failed to serialize error to json: %s", serErr.Error())
	}

	return e.InnerError.Error() + " | " + string(errBytes)
}

// Unwrap returns the underlying reason for the error
func (e *KeyValueError) Unwrap() error {
	return e.InnerError
}

// HTTPError wraps errors from the HTTP based services, such as the cluster manager or query.
type HTTPError struct {
	InnerError    error  `json:"-"`
	UniqueID      string `json:"unique_id,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	RetryReasons  []RetryReason
	RetryAttempts uint32 `json:"retry_attempts,omitempty"`
}

func (e HTTPError) Error() string {
	return e.InnerError.Error() + " | endpoint=" + e.Endpoint + " unique_id=" + e.UniqueID
}

// Unwrap returns the underlying reason for the error
func (e HTTPError) Unwrap() error {
	return e.InnerError
}

// N1QLErrorDesc represents specific n1ql error data.
type N1QLErrorDesc struct {
	Code    uint32
	Message string
	Retry   bool
	Reason  map[string]interface{}
}

// N1QLError represents an error returned from a n1ql query.
type N1QLError struct {
	InnerError       error
	Statement        string
	ClientContextID  string
	Errors           []N1QLErrorDesc
	Endpoint         string
	RetryReasons     []RetryReason
	RetryAttempts    uint32
	ErrorText        string
	HTTPResponseCode int
}

func (e N1QLError) Error() string {
	errBytes, serErr := json.Marshal(struct {
		InnerError      string          `json:"msg,omitempty"`
		Statement       string          `json:"statement,omitempty"`
		ClientContextID string          `json:"client_context_id,omitempty"`
		Errors          []N1QLErrorDesc `json:"errors,omitempty"`
		Endpoint        string          `json:"endpoint,omitempty"`
		RetryAttempts   uint32          `json:"retry_attempts,omitempty"`
		ErrorText       string          `json:"error_text,omitempty"`
		HTTPStatus      int             `json:"http_status,omitempty"`
	}{
		InnerError:      e.InnerError.Error(),
		Statement:       e.Statement,
		ClientContextID: e.ClientContextID,
		Errors:          e.Errors,
		Endpoint:        e.Endpoint,
		RetryAttempts:   e.RetryAttempts,
		ErrorText:       e.ErrorText,
		HTTPStatus:      e.HTTPResponseCode,
	})
	if serErr != nil {
		logErrorf("failed to serialize error to json: %s", serErr.Error())
	}

	return e.InnerError.Error() + " | " + string(errBytes)
}

// Unwrap returns the underlying reason for the error
func (e N1QLError) Unwrap() error {
	return e.InnerError
}

var (
	errConnectionIDInvalid = errors.New("connection id was not issued by this client")

	// errPipelineClosed is returned by a pipeline that has been closed.
	errPipelineClosed = errors.New("pipeline has been closed")

	// errPipelineFull is returned by a pipeline whose wait queue is at capacity.
	errPipelineFull = errors.New("pipeline is too full")

	// errQueueClosed is returned when pushing to a closed queue.
	errQueueClosed = errors.New("queue has been closed")

	// errRequestAlreadyQueued is returned when a request is pushed twice.
	errRequestAlreadyQueued = errors.New("request was already queued somewhere else")

	// errStaleResponse marks a response whose opaque generation no longer matches.
	errStaleResponse = errors.New("response opaque generation is stale")

	errMemdClientBusy = errors.New("client has no free request slots")

	// errBootstrapRaceLost is used to cancel the losing side of the bootstrap race.
	errBootstrapRaceLost = errors.New("another bootstrap source won")
)

// Shared Error Definitions RFC#58@15
var (
	// ErrTimeout occurs when an operation does not receive a response in a timely manner.
	ErrTimeout = errors.New("operation has timed out")

	// ErrRequestCanceled occurs when an operation has been canceled.
	ErrRequestCanceled = errors.New("request canceled")

	// ErrInvalidArgument occurs when an invalid argument is provided to a function.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrServiceNotAvailable occurs when the requested service is not available.
	ErrServiceNotAvailable = errors.New("service not available")

	// ErrInternalServerFailure occurs when the server encounters an internal server error.
	ErrInternalServerFailure = errors.New("internal server failure")

	// ErrAuthenticationFailure occurs when authentication has failed.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrTemporaryFailure occurs when an operation has failed for a reason that is temporary.
	ErrTemporaryFailure = errors.New("temporary failure")

	// ErrParsingFailure occurs when a query has failed to be parsed by the server.
	ErrParsingFailure = errors.New("parsing failure")

	// ErrCasMismatch occurs when an operation has been performed with a cas value that does not the value on the server.
	ErrCasMismatch = errors.New("cas mismatch")

	// ErrBucketNotFound occurs when the requested bucket could not be found.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrCollectionNotFound occurs when the requested collection could not be found.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrScopeNotFound occurs when the requested scope could not be found.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrUnsupportedOperation occurs when an operation that is unsupported or unknown is performed against the server.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrRateLimitedFailure occurs when a request is rate limited by the server.
	ErrRateLimitedFailure = errors.New("rate limited failure")
)

// Key Value Error Definitions RFC#58@15
var (
	// ErrDocumentNotFound occurs when the requested document could not be found.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentUnretrievable occurs when GetAnyReplica cannot find the document on any replica.
	ErrDocumentUnretrievable = errors.New("document unretrievable")

	// ErrDocumentLocked occurs when the mutation is being performed on a document which is locked.
	ErrDocumentLocked = errors.New("document locked")

	// ErrDocumentNotLocked occurs when unlock is called on a document which is not locked.
	ErrDocumentNotLocked = errors.New("document not locked")

	// ErrValueTooLarge occurs when a document has gone over the maximum size allowed by the server.
	ErrValueTooLarge = errors.New("value too large")

	// ErrDocumentExists occurs when an attempt is made to insert a document but a document with that key already exists.
	ErrDocumentExists = errors.New("document exists")

	// ErrValueNotJSON occurs when a sub-document operation is performed on a
	// document which is not JSON.
	ErrValueNotJSON = errors.New("value not json")

	// ErrDurabilityLevelNotAvailable occurs when an invalid durability level was requested.
	ErrDurabilityLevelNotAvailable = errors.New("durability level not available")

	// ErrDurabilityImpossible occurs when a request is performed with impossible
	// durability level requirements.
	ErrDurabilityImpossible = errors.New("durability impossible")

	// ErrDurabilityAmbiguous occurs when an SyncWrite does not complete in the specified
	// time and the result is ambiguous.
	ErrDurabilityAmbiguous = errors.New("durability ambiguous")

	// ErrDurableWriteInProgress occurs when an attempt is made to write to a key which has
	// a SyncWrite pending.
	ErrDurableWriteInProgress = errors.New("durable write in progress")

	// ErrDurableWriteReCommitInProgress occurs when an SyncWrite is being recommitted.
	ErrDurableWriteReCommitInProgress = errors.New("durable write recommit in progress")

	// ErrRangeScanCancelled occurs when a range scan is cancelled by the server.
	ErrRangeScanCancelled = errors.New("range scan cancelled")

	// ErrRangeScanVbUUIDNotEqual occurs when the vbuuid given in snapshot requirements
	// does not match the vbucket.
	ErrRangeScanVbUUIDNotEqual = errors.New("range scan vb-uuid mismatch")
)

// Query Error Definitions RFC#58@15
var (
	// ErrPlanningFailure occurs when the query service was unable to create a query plan.
	ErrPlanningFailure = errors.New("planning failure")

	// ErrIndexFailure occurs when there was an issue with the index specified.
	ErrIndexFailure = errors.New("index failure")

	// ErrPreparedStatementFailure occurs when there was an issue with the prepared statement.
	ErrPreparedStatementFailure = errors.New("prepared statement failure")

	// ErrDMLFailure occurs when a data modification statement failed on the query service.
	ErrDMLFailure = errors.New("dml failure")
)

// SDK specific error definitions
var (
	// ErrNotMyVBucket occurs when an operation is sent to a node which does not own the
	// vbucket the key belongs to.
	ErrNotMyVBucket = errors.New("not my vbucket")

	// ErrInvalidVBucket occurs when an explicit, but invalid vbucket index is specified.
	ErrInvalidVBucket = errors.New("invalid vbucket")

	// ErrInvalidReplica occurs when an explicit, but invalid replica index is specified.
	ErrInvalidReplica = errors.New("invalid replica")

	// ErrInvalidServer occurs when an explicit, but invalid server is specified.
	ErrInvalidServer = errors.New("invalid server")

	// ErrInvalidCredentials is returned when an invalid set of credentials is provided for a service.
	ErrInvalidCredentials = errors.New("an invalid set of credentials was provided")

	// ErrNoSupportedMechanisms occurs when the server does not support any of the
	// authentication methods that the client finds suitable.
	ErrNoSupportedMechanisms = errors.New("no supported authentication mechanisms")

	// ErrBadHosts occurs when the list of hosts specified cannot be contacted.
	ErrBadHosts = errors.New("failed to connect to any of the specified hosts")

	// ErrProtocol occurs when the server responds with unexpected or unparseable data.
	ErrProtocol = wrapError(memd.ErrProtocol, "failed to parse server response")

	// ErrNoReplicas occurs when no replicas respond in time
	ErrNoReplicas = errors.New("no replicas responded in time")

	// ErrCliInternalError indicates an internal error occurred within the client.
	ErrCliInternalError = errors.New("client internal error")

	// ErrShutdown occurs when operations are performed on a previously closed Agent.
	ErrShutdown = errors.New("cannot perform operations on a shut down agent")

	// ErrOverload occurs when too many operations are dispatched and all queues are full.
	ErrOverload = errors.New("queue overflowed")

	// ErrSocketClosed occurs when a socket closes while an operation is in flight.
	ErrSocketClosed = io.EOF

	// ErrMemdClientClosed occurs when an operation is dispatched on a client which is closed.
	ErrMemdClientClosed = errors.New("memdclient closed")

	// ErrNoPipelineSnapshot occurs when no routing configuration is available yet.
	ErrNoPipelineSnapshot = errors.New("no pipeline snapshot available")

	// ErrConfigNotFound occurs when a configuration cannot be fetched from any source.
	ErrConfigNotFound = errors.New("config not found")

	// ErrFeatureNotAvailable occurs when an operation is performed on a bucket which does not support it.
	ErrFeatureNotAvailable = errors.New("feature is not available")
)

// Timeout classification
var (
	// ErrAmbiguousTimeout indicates that a timeout occurred and the operation may or may
	// not have been applied on the server.
	ErrAmbiguousTimeout = wrapError(ErrTimeout, "ambiguous timeout")

	// ErrUnambiguousTimeout indicates that a timeout occurred before the operation could
	// have had any effect on the server.
	ErrUnambiguousTimeout = wrapError(ErrTimeout, "unambiguous timeout")
)

// IsPermanentError reports whether err can never succeed on retry.
func IsPermanentError(err error) bool {
	switch {
	case errors.Is(err, ErrDocumentNotFound),
		errors.Is(err, ErrDocumentExists),
		errors.Is(err, ErrCasMismatch),
		errors.Is(err, ErrValueTooLarge),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrAuthenticationFailure),
		errors.Is(err, ErrDurabilityLevelNotAvailable),
		errors.Is(err, ErrDurabilityImpossible),
		errors.Is(err, ErrUnsupportedOperation),
		errors.Is(err, ErrCollectionNotFound),
		errors.Is(err, ErrScopeNotFound),
		errors.Is(err, ErrBucketNotFound),
		errors.Is(err, ErrShutdown):
		return true
	}
	return false
}

// isAmbiguousError reports whether the effect of a failed mutation on the server is unknown.
func isAmbiguousError(err error) bool {
	return errors.Is(err, ErrAmbiguousTimeout) ||
		errors.Is(err, ErrDurabilityAmbiguous)
}
