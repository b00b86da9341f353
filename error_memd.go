package gocbnet

import (
	"errors"

	"github.com/couchbaselabs/gocbnet/memd"
)

var statusCodeErrorMap = make(map[memd.StatusCode]error)

func makeKvStatusError(code memd.StatusCode) error {
	err := errors.New(code.KVText())
	if statusCodeErrorMap[code] != nil {
		panic("error handling setup failure: duplicate status " + code.KVText())
	}
	statusCodeErrorMap[code] = err
	return err
}

// getKvStatusCodeError returns the registered error for a status. Codes the
// client does not know are surfaced as internal server failures which still
// carry the raw text for the code.
func getKvStatusCodeError(code memd.StatusCode) error {
	if err := statusCodeErrorMap[code]; err != nil {
		return err
	}
	return wrapError(ErrInternalServerFailure, code.KVText())
}

var (
	// ErrMemdKeyNotFound occurs when an operation is performed on a key that does not exist.
	ErrMemdKeyNotFound = makeKvStatusError(memd.StatusKeyNotFound)

	// ErrMemdKeyExists occurs when an operation is performed on a key that could not be found.
	ErrMemdKeyExists = makeKvStatusError(memd.StatusKeyExists)

	// ErrMemdTooBig occurs when an operation attempts to store more data in a single document
	// than the server is capable of storing (by default, this is a 20MB limit).
	ErrMemdTooBig = makeKvStatusError(memd.StatusTooBig)

	// ErrMemdInvalidArgs occurs when the server receives invalid arguments for an operation.
	ErrMemdInvalidArgs = makeKvStatusError(memd.StatusInvalidArgs)

	// ErrMemdNotStored occurs when the server fails to store a key.
	ErrMemdNotStored = makeKvStatusError(memd.StatusNotStored)

	// ErrMemdBadDelta occurs when an invalid delta value is specified to a counter operation.
	ErrMemdBadDelta = makeKvStatusError(memd.StatusBadDelta)

	// ErrMemdNotMyVBucket occurs when an operation is dispatched to a server which is
	// non-authoritative for a specific vbucket.
	ErrMemdNotMyVBucket = makeKvStatusError(memd.StatusNotMyVBucket)

	// ErrMemdNoBucket occurs when no bucket was selected on a connection.
	ErrMemdNoBucket = makeKvStatusError(memd.StatusNoBucket)

	// ErrMemdLocked occurs when a document is already locked.
	ErrMemdLocked = makeKvStatusError(memd.StatusLocked)

	// ErrMemdNotLocked occurs when unlock is called on a document which is not locked.
	ErrMemdNotLocked = makeKvStatusError(memd.StatusNotLocked)

	// ErrMemdAuthStale occurs when authentication credentials have become invalidated.
	ErrMemdAuthStale = makeKvStatusError(memd.StatusAuthStale)

	// ErrMemdAuthError occurs when the authentication information provided was not valid.
	ErrMemdAuthError = makeKvStatusError(memd.StatusAuthError)

	// ErrMemdAuthContinue occurs in multi-step authentication when more authentication
	// work needs to be performed in order to complete the authentication process.
	ErrMemdAuthContinue = makeKvStatusError(memd.StatusAuthContinue)

	// ErrMemdRangeError occurs when the range specified to the server is not valid.
	ErrMemdRangeError = makeKvStatusError(memd.StatusRangeError)

	// ErrMemdAccessError occurs when an access error occurs.
	ErrMemdAccessError = makeKvStatusError(memd.StatusAccessError)

	// ErrMemdNotInitialized is sent by servers which are still initializing, and are not
	// yet ready to accept operations on behalf of a particular bucket.
	ErrMemdNotInitialized = makeKvStatusError(memd.StatusNotInitialized)

	// ErrMemdRateLimitedNetworkIngress occurs when the server rate limits inbound traffic.
	ErrMemdRateLimitedNetworkIngress = makeKvStatusError(memd.StatusRateLimitedNetworkIngress)

	// ErrMemdUnknownCommand occurs when an unknown operation is sent to a server.
	ErrMemdUnknownCommand = makeKvStatusError(memd.StatusUnknownCommand)

	// ErrMemdOutOfMemory occurs when the server cannot service a request due to memory
	// limitations.
	ErrMemdOutOfMemory = makeKvStatusError(memd.StatusOutOfMemory)

	// ErrMemdNotSupported occurs when an operation is understood by the server, but that
	// operation is not supported on this server (occurs for a variety of reasons).
	ErrMemdNotSupported = makeKvStatusError(memd.StatusNotSupported)

	// ErrMemdInternalError occurs when internal errors prevent the server from processing
	// your request.
	ErrMemdInternalError = makeKvStatusError(memd.StatusInternalError)

	// ErrMemdBusy occurs when the server is too busy to process your request right away.
	// Attempting the operation at a later time will likely succeed.
	ErrMemdBusy = makeKvStatusError(memd.StatusBusy)

	// ErrMemdTmpFail occurs when a temporary failure is preventing the server from
	// processing your request.
	ErrMemdTmpFail = makeKvStatusError(memd.StatusTmpFail)

	// ErrMemdCollectionNotFound occurs when a Collection cannot be found.
	ErrMemdCollectionNotFound = makeKvStatusError(memd.StatusCollectionUnknown)

	// ErrMemdScopeNotFound occurs when a Scope cannot be found.
	ErrMemdScopeNotFound = makeKvStatusError(memd.StatusScopeUnknown)

	// ErrMemdDurabilityInvalidLevel occurs when an invalid durability level was requested.
	ErrMemdDurabilityInvalidLevel = makeKvStatusError(memd.StatusDurabilityInvalidLevel)

	// ErrMemdDurabilityImpossible occurs when a request is performed with impossible
	// durability level requirements.
	ErrMemdDurabilityImpossible = makeKvStatusError(memd.StatusDurabilityImpossible)

	// ErrMemdSyncWriteInProgess occurs when an attempt is made to write to a key that has
	// a SyncWrite pending.
	ErrMemdSyncWriteInProgess = makeKvStatusError(memd.StatusSyncWriteInProgress)

	// ErrMemdSyncWriteAmbiguous occurs when an SyncWrite does not complete in the specified
	// time and the result is ambiguous.
	ErrMemdSyncWriteAmbiguous = makeKvStatusError(memd.StatusSyncWriteAmbiguous)

	// ErrMemdSyncWriteReCommitInProgress occurs when an SyncWrite is being recommitted.
	ErrMemdSyncWriteReCommitInProgress = makeKvStatusError(memd.StatusSyncWriteReCommitInProgress)

	// ErrMemdRangeScanCancelled occurs during a range scan to indicate that the range scan was cancelled.
	ErrMemdRangeScanCancelled = makeKvStatusError(memd.StatusRangeScanCancelled)

	// ErrMemdRangeScanMore occurs during a range scan to indicate that the range scan has more results.
	ErrMemdRangeScanMore = makeKvStatusError(memd.StatusRangeScanMore)

	// ErrMemdRangeScanComplete occurs during a range scan to indicate that the range scan is complete.
	ErrMemdRangeScanComplete = makeKvStatusError(memd.StatusRangeScanComplete)

	// ErrMemdRangeScanVbUUIDNotEqual occurs during a range scan to indicate that the vbuuid given
	// does not match the vbuuid of the vbucket.
	ErrMemdRangeScanVbUUIDNotEqual = makeKvStatusError(memd.StatusRangeScanVbUUIDNotEqual)
)

// translateMemdError converts a status error into the public error a caller
// should test against. Errors without a public equivalent are returned as is.
func translateMemdError(err error, req *memdQRequest) error {
	switch err {
	case ErrMemdInvalidArgs:
		return ErrInvalidArgument
	case ErrMemdInternalError:
		return ErrInternalServerFailure
	case ErrMemdAccessError:
		return ErrAuthenticationFailure
	case ErrMemdAuthError:
		return ErrAuthenticationFailure
	case ErrMemdTmpFail:
		return ErrTemporaryFailure
	case ErrMemdBusy:
		return ErrTemporaryFailure
	case ErrMemdOutOfMemory:
		return ErrTemporaryFailure
	case ErrMemdKeyExists:
		if req != nil && req.Cas != 0 && req.Command != memd.CmdAdd {
			return ErrCasMismatch
		}
		if req != nil && req.Command == memd.CmdReplace {
			return ErrCasMismatch
		}
		return ErrDocumentExists
	case ErrMemdCollectionNotFound:
		return ErrCollectionNotFound
	case ErrMemdScopeNotFound:
		return ErrScopeNotFound
	case ErrMemdUnknownCommand:
		return ErrUnsupportedOperation
	case ErrMemdNotSupported:
		return ErrUnsupportedOperation
	case ErrMemdNoBucket:
		return ErrBucketNotFound
	case ErrMemdNotMyVBucket:
		return ErrNotMyVBucket
	case ErrMemdRateLimitedNetworkIngress:
		return ErrRateLimitedFailure

	case ErrMemdKeyNotFound:
		return ErrDocumentNotFound
	case ErrMemdLocked:
		// The server answers an unlock with a bad cas as LOCKED rather than a cas mismatch.
		if req != nil && req.Command == memd.CmdUnlockKey {
			return ErrCasMismatch
		}
		return ErrDocumentLocked
	case ErrMemdNotLocked:
		return ErrDocumentNotLocked
	case ErrMemdTooBig:
		return ErrValueTooLarge
	case ErrMemdDurabilityInvalidLevel:
		return ErrDurabilityLevelNotAvailable
	case ErrMemdDurabilityImpossible:
		return ErrDurabilityImpossible
	case ErrMemdSyncWriteAmbiguous:
		return ErrDurabilityAmbiguous
	case ErrMemdSyncWriteInProgess:
		return ErrDurableWriteInProgress
	case ErrMemdSyncWriteReCommitInProgress:
		return ErrDurableWriteReCommitInProgress
	case ErrMemdRangeScanCancelled:
		return ErrRangeScanCancelled
	case ErrMemdRangeScanVbUUIDNotEqual:
		return ErrRangeScanVbUUIDNotEqual
	}

	return err
}
