package memd

import "fmt"

// CmdMagic represents the magic number that begins the header
// of every packet and informs the rest of the header format.
type CmdMagic uint8

const (
	// CmdMagicReq indicates that the packet is a request.
	CmdMagicReq = CmdMagic(0x80)

	// CmdMagicRes indicates that the packet is a response.
	CmdMagicRes = CmdMagic(0x81)

	// CmdMagicServerReq indicates that the packet is a request initiated by the server.
	CmdMagicServerReq = CmdMagic(0x82)

	// These are private rather than public as the library will automatically
	// switch to and from these magics based on the use of frames within a packet.
	cmdMagicReqExt = CmdMagic(0x08)
	cmdMagicResExt = CmdMagic(0x18)
)

func (magic CmdMagic) String() string {
	switch magic {
	case CmdMagicReq:
		return "CmdMagicReq"
	case CmdMagicRes:
		return "CmdMagicRes"
	case CmdMagicServerReq:
		return "CmdMagicServerReq"
	case cmdMagicReqExt:
		return "CmdMagicReqExt"
	case cmdMagicResExt:
		return "CmdMagicResExt"
	}
	return fmt.Sprintf("CmdMagic(0x%02x)", uint8(magic))
}

// frameType specifies which kind of frame extra a particular block belongs to.
// This is a private type since we automatically encode this internally based on
// whether the specific frame block is attached to the packet.
type frameType uint8

const (
	frameTypeReqBarrier           = frameType(0)
	frameTypeReqSyncDurability    = frameType(1)
	frameTypeReqStreamID          = frameType(2)
	frameTypeReqOpenTracing       = frameType(3)
	frameTypeReqUserImpersonation = frameType(4)
	frameTypeReqPreserveExpiry    = frameType(5)
	frameTypeResSrvDuration       = frameType(0)
)

// CmdCode represents the specific command the packet is performing.
type CmdCode uint8

// These constants provide predefined values for all the operations
// which are supported by this library.
const (
	CmdGet               = CmdCode(0x00)
	CmdSet               = CmdCode(0x01)
	CmdAdd               = CmdCode(0x02)
	CmdReplace           = CmdCode(0x03)
	CmdDelete            = CmdCode(0x04)
	CmdIncrement         = CmdCode(0x05)
	CmdDecrement         = CmdCode(0x06)
	CmdNoop              = CmdCode(0x0a)
	CmdAppend            = CmdCode(0x0e)
	CmdPrepend           = CmdCode(0x0f)
	CmdStat              = CmdCode(0x10)
	CmdTouch             = CmdCode(0x1c)
	CmdGAT               = CmdCode(0x1d)
	CmdHello             = CmdCode(0x1f)
	CmdSASLListMechs     = CmdCode(0x20)
	CmdSASLAuth          = CmdCode(0x21)
	CmdSASLStep          = CmdCode(0x22)
	CmdGetReplica        = CmdCode(0x83)
	CmdSelectBucket      = CmdCode(0x89)
	CmdObserveSeqNo      = CmdCode(0x91)
	CmdObserve           = CmdCode(0x92)
	CmdGetLocked         = CmdCode(0x94)
	CmdUnlockKey         = CmdCode(0x95)
	CmdGetClusterConfig  = CmdCode(0xb5)
	CmdCollectionsGetID  = CmdCode(0xbb)
	CmdRangeScanCreate   = CmdCode(0xda)
	CmdRangeScanContinue = CmdCode(0xdb)
	CmdRangeScanCancel   = CmdCode(0xdc)
	CmdGetErrorMap       = CmdCode(0xfe)
)

// CmdClustermapChangeNotification is the server-initiated command sent on duplex
// connections when the cluster topology changes. It shares its opcode with CmdSet
// but is only ever seen with CmdMagicServerReq.
const CmdClustermapChangeNotification = CmdCode(0x01)

var cmdNames = map[CmdCode]string{
	CmdGet:               "CMD_GET",
	CmdSet:               "CMD_SET",
	CmdAdd:               "CMD_ADD",
	CmdReplace:           "CMD_REPLACE",
	CmdDelete:            "CMD_DELETE",
	CmdIncrement:         "CMD_INCREMENT",
	CmdDecrement:         "CMD_DECREMENT",
	CmdNoop:              "CMD_NOOP",
	CmdAppend:            "CMD_APPEND",
	CmdPrepend:           "CMD_PREPEND",
	CmdStat:              "CMD_STAT",
	CmdTouch:             "CMD_TOUCH",
	CmdGAT:               "CMD_GAT",
	CmdHello:             "CMD_HELLO",
	CmdSASLListMechs:     "CMD_SASLLISTMECHS",
	CmdSASLAuth:          "CMD_SASLAUTH",
	CmdSASLStep:          "CMD_SASLSTEP",
	CmdGetReplica:        "CMD_GETREPLICA",
	CmdSelectBucket:      "CMD_SELECTBUCKET",
	CmdObserveSeqNo:      "CMD_OBSERVESEQNO",
	CmdObserve:           "CMD_OBSERVE",
	CmdGetLocked:         "CMD_GETLOCKED",
	CmdUnlockKey:         "CMD_UNLOCKKEY",
	CmdGetClusterConfig:  "CMD_GETCLUSTERCONFIG",
	CmdCollectionsGetID:  "CMD_COLLECTIONSGETID",
	CmdRangeScanCreate:   "CMD_RANGESCANCREATE",
	CmdRangeScanContinue: "CMD_RANGESCANCONTINUE",
	CmdRangeScanCancel:   "CMD_RANGESCANCANCEL",
	CmdGetErrorMap:       "CMD_GETERRORMAP",
}

// Name returns the string representation of the CmdCode.
func (command CmdCode) Name() string {
	if name, ok := cmdNames[command]; ok {
		return name
	}
	return "CMD_x" + fmt.Sprintf("%02x", uint8(command))
}

// IsMutation reports whether the command changes document state on the server.
func (command CmdCode) IsMutation() bool {
	switch command {
	case CmdSet, CmdAdd, CmdReplace, CmdDelete, CmdIncrement, CmdDecrement,
		CmdAppend, CmdPrepend, CmdTouch, CmdGAT, CmdGetLocked, CmdUnlockKey:
		return true
	}
	return false
}

// HelloFeature represents a feature code included in a memcached
// HELLO operation.
type HelloFeature uint16

const (
	// FeatureDatatype indicates support for Datatype fields.
	FeatureDatatype = HelloFeature(0x01)

	// FeatureTLS indicates support for TLS
	FeatureTLS = HelloFeature(0x02)

	// FeatureTCPNoDelay indicates support for TCP no-delay.
	FeatureTCPNoDelay = HelloFeature(0x03)

	// FeatureSeqNo indicates support for mutation tokens.
	FeatureSeqNo = HelloFeature(0x04)

	// FeatureTCPDelay indicates support for TCP delay.
	FeatureTCPDelay = HelloFeature(0x05)

	// FeatureXattr indicates support for document xattrs.
	FeatureXattr = HelloFeature(0x06)

	// FeatureXerror indicates support for extended errors.
	FeatureXerror = HelloFeature(0x07)

	// FeatureSelectBucket indicates support for the SelectBucket operation.
	FeatureSelectBucket = HelloFeature(0x08)

	// Feature 0x09 is reserved and cannot be used.

	// FeatureSnappy indicates support for snappy compressed documents.
	FeatureSnappy = HelloFeature(0x0a)

	// FeatureJSON indicates support for JSON datatype data.
	FeatureJSON = HelloFeature(0x0b)

	// FeatureDuplex indicates support for duplex communications.
	FeatureDuplex = HelloFeature(0x0c)

	// FeatureClusterMapNotif indicates support for cluster-map update notifications.
	FeatureClusterMapNotif = HelloFeature(0x0d)

	// FeatureUnorderedExec indicates support for unordered execution of operations.
	FeatureUnorderedExec = HelloFeature(0x0e)

	// FeatureDurations indicates support for server durations.
	FeatureDurations = HelloFeature(0xf)

	// FeatureAltRequests indicates support for requests with flexible frame extras.
	FeatureAltRequests = HelloFeature(0x10)

	// FeatureSyncReplication indicates support for requests synchronous durability requirements.
	FeatureSyncReplication = HelloFeature(0x11)

	// FeatureCollections indicates support for collections.
	FeatureCollections = HelloFeature(0x12)

	// FeatureOpenTracing indicates support for OpenTracing.
	FeatureOpenTracing = HelloFeature(0x13)

	// FeaturePreserveExpiry indicates support for preserve TTL.
	FeaturePreserveExpiry = HelloFeature(0x14)

	// FeatureVAttr indicates support for virtual attributes.
	FeatureVAttr = HelloFeature(0x15)

	// FeatureCreateAsDeleted indicates support for the create as deleted feature.
	FeatureCreateAsDeleted = HelloFeature(0x17)
)

// StatusCode represents a memcached response status.
type StatusCode uint16

const (
	// StatusSuccess indicates the operation completed successfully.
	StatusSuccess = StatusCode(0x00)

	// StatusKeyNotFound occurs when an operation is performed on a key that does not exist.
	StatusKeyNotFound = StatusCode(0x01)

	// StatusKeyExists occurs when an operation is performed on a key that already exists,
	// or when the supplied CAS does not match.
	StatusKeyExists = StatusCode(0x02)

	// StatusTooBig occurs when an operation attempts to store more data in a single document
	// than the server is capable of storing (by default, this is a 20MB limit).
	StatusTooBig = StatusCode(0x03)

	// StatusInvalidArgs occurs when the server receives invalid arguments for an operation.
	StatusInvalidArgs = StatusCode(0x04)

	// StatusNotStored occurs when the server fails to store a key.
	StatusNotStored = StatusCode(0x05)

	// StatusBadDelta occurs when an invalid delta value is specified to a counter operation.
	StatusBadDelta = StatusCode(0x06)

	// StatusNotMyVBucket occurs when an operation is dispatched to a server which is
	// non-authoritative for a specific vbucket.
	StatusNotMyVBucket = StatusCode(0x07)

	// StatusNoBucket occurs when no bucket was selected on a connection.
	StatusNoBucket = StatusCode(0x08)

	// StatusLocked occurs when an operation fails due to the document being locked.
	StatusLocked = StatusCode(0x09)

	// StatusNotLocked occurs when an unlock is performed on a document which is not locked.
	StatusNotLocked = StatusCode(0x0e)

	// StatusAuthStale occurs when authentication credentials have become invalidated.
	StatusAuthStale = StatusCode(0x1f)

	// StatusAuthError occurs when the authentication information provided was not valid.
	StatusAuthError = StatusCode(0x20)

	// StatusAuthContinue occurs in multi-step authentication when more authentication
	// work needs to be performed in order to complete the authentication process.
	StatusAuthContinue = StatusCode(0x21)

	// StatusRangeError occurs when the range specified to the server is not valid.
	StatusRangeError = StatusCode(0x22)

	// StatusAccessError occurs when an access error occurs.
	StatusAccessError = StatusCode(0x24)

	// StatusNotInitialized is sent by servers which are still initializing, and are not
	// yet ready to accept operations on behalf of a particular bucket.
	StatusNotInitialized = StatusCode(0x25)

	// StatusRateLimitedNetworkIngress occurs when the server rate limits due to network ingress.
	StatusRateLimitedNetworkIngress = StatusCode(0x30)

	// StatusUnknownCommand occurs when an unknown operation is sent to a server.
	StatusUnknownCommand = StatusCode(0x81)

	// StatusOutOfMemory occurs when the server cannot service a request due to memory
	// limitations.
	StatusOutOfMemory = StatusCode(0x82)

	// StatusNotSupported occurs when an operation is understood by the server, but that
	// operation is not supported on this server (occurs for a variety of reasons).
	StatusNotSupported = StatusCode(0x83)

	// StatusInternalError occurs when internal errors prevent the server from processing
	// your request.
	StatusInternalError = StatusCode(0x84)

	// StatusBusy occurs when the server is too busy to process your request right away.
	// Attempting the operation at a later time will likely succeed.
	StatusBusy = StatusCode(0x85)

	// StatusTmpFail occurs when a temporary failure is preventing the server from
	// processing your request.
	StatusTmpFail = StatusCode(0x86)

	// StatusCollectionUnknown occurs when a Collection cannot be found.
	StatusCollectionUnknown = StatusCode(0x88)

	// StatusScopeUnknown occurs when a Scope cannot be found.
	StatusScopeUnknown = StatusCode(0x8c)

	// StatusDurabilityInvalidLevel occurs when an invalid durability level was requested.
	StatusDurabilityInvalidLevel = StatusCode(0xa0)

	// StatusDurabilityImpossible occurs when a request is performed with impossible
	// durability level requirements.
	StatusDurabilityImpossible = StatusCode(0xa1)

	// StatusSyncWriteInProgress occurs when an attempt is made to write to a key that has
	// a SyncWrite pending.
	StatusSyncWriteInProgress = StatusCode(0xa2)

	// StatusSyncWriteAmbiguous occurs when an SyncWrite does not complete in the specified
	// time and the result is ambiguous.
	StatusSyncWriteAmbiguous = StatusCode(0xa3)

	// StatusSyncWriteReCommitInProgress occurs when an SyncWrite is being recommitted.
	StatusSyncWriteReCommitInProgress = StatusCode(0xa4)

	// StatusRangeScanCancelled occurs during a range scan to indicate that the range scan was cancelled.
	StatusRangeScanCancelled = StatusCode(0xa5)

	// StatusRangeScanMore occurs during a range scan to indicate that a range scan has more results.
	StatusRangeScanMore = StatusCode(0xa6)

	// StatusRangeScanComplete occurs during a range scan to indicate that a range scan has completed.
	StatusRangeScanComplete = StatusCode(0xa7)

	// StatusRangeScanVbUUIDNotEqual occurs during a range scan to indicate that a vb-uuid mismatch has occurred.
	StatusRangeScanVbUUIDNotEqual = StatusCode(0xa8)
)

var statusTexts = map[StatusCode]string{
	StatusSuccess:                     "success",
	StatusKeyNotFound:                 "key not found",
	StatusKeyExists:                   "key already exists, if a cas was provided the key exists with a different cas",
	StatusTooBig:                      "document value was too large",
	StatusInvalidArgs:                 "invalid arguments",
	StatusNotStored:                   "document could not be stored",
	StatusBadDelta:                    "invalid delta was passed",
	StatusNotMyVBucket:                "operation sent to incorrect server",
	StatusNoBucket:                    "not connected to a bucket",
	StatusLocked:                      "document is locked",
	StatusNotLocked:                   "document is not locked",
	StatusAuthStale:                   "authentication context is stale, try re-authenticating",
	StatusAuthError:                   "authentication error",
	StatusAuthContinue:                "more authentication steps needed",
	StatusRangeError:                  "requested value is outside range",
	StatusAccessError:                 "no access",
	StatusNotInitialized:              "cluster is being initialized, requests are blocked",
	StatusRateLimitedNetworkIngress:   "rate limited: network ingress",
	StatusUnknownCommand:              "unknown command was received",
	StatusOutOfMemory:                 "server is out of memory",
	StatusNotSupported:                "server does not support this command",
	StatusInternalError:               "internal server error",
	StatusBusy:                        "server is busy, try again later",
	StatusTmpFail:                     "temporary failure occurred, try again later",
	StatusCollectionUnknown:           "the requested collection cannot be found",
	StatusScopeUnknown:                "the requested scope cannot be found",
	StatusDurabilityInvalidLevel:      "invalid request, invalid durability level specified",
	StatusDurabilityImpossible:        "the requested durability requirements are impossible",
	StatusSyncWriteInProgress:         "key already has syncwrite pending",
	StatusSyncWriteAmbiguous:          "the syncwrite request did not complete in time",
	StatusSyncWriteReCommitInProgress: "the syncwrite is being re-committed",
	StatusRangeScanCancelled:          "the range scan was cancelled",
	StatusRangeScanMore:               "the range scan has more results",
	StatusRangeScanComplete:           "the range scan has completed",
	StatusRangeScanVbUUIDNotEqual:     "the vbuuid did not match the range scan snapshot requirement",
}

// KVText returns the textual representation of this StatusCode.
func (code StatusCode) KVText() string {
	if text, ok := statusTexts[code]; ok {
		return text
	}
	return fmt.Sprintf("unknown kv status code (%d)", code)
}

// KeyState represents the various storage states of a key on the server.
type KeyState uint8

const (
	// KeyStateNotPersisted indicates the key is in memory, but not yet written to disk.
	KeyStateNotPersisted = KeyState(0x00)

	// KeyStatePersisted indicates that the key has been written to disk.
	KeyStatePersisted = KeyState(0x01)

	// KeyStateNotFound indicates that the key is not found in memory or on disk.
	KeyStateNotFound = KeyState(0x80)

	// KeyStateDeleted indicates that the key has been written to disk as deleted.
	KeyStateDeleted = KeyState(0x81)
)

// DatatypeFlag specifies data flags for the value of a document.
type DatatypeFlag uint8

const (
	// DatatypeFlagJSON indicates the server believes the value payload to be JSON.
	DatatypeFlagJSON = DatatypeFlag(0x01)

	// DatatypeFlagCompressed indicates the value payload is compressed.
	DatatypeFlagCompressed = DatatypeFlag(0x02)

	// DatatypeFlagXattrs indicates the inclusion of xattr data in the value payload.
	DatatypeFlagXattrs = DatatypeFlag(0x04)
)

// DurabilityLevel specifies the level to use for enhanced durability requirements.
type DurabilityLevel uint8

const (
	// DurabilityLevelMajority specifies that a change must be replicated to (held in memory)
	// a majority of the nodes for the bucket.
	DurabilityLevelMajority = DurabilityLevel(0x01)

	// DurabilityLevelMajorityAndPersistOnMaster specifies that a change must be replicated to (held in memory)
	// a majority of the nodes for the bucket and additionally persisted to disk on the active node.
	DurabilityLevelMajorityAndPersistOnMaster = DurabilityLevel(0x02)

	// DurabilityLevelPersistToMajority specifies that a change must be persisted to (written to disk)
	// a majority for the bucket.
	DurabilityLevelPersistToMajority = DurabilityLevel(0x03)
)
