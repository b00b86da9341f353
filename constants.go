package gocbnet

import "github.com/couchbaselabs/gocbnet/memd"

const (
	gocbnetVersionStr = "v1.0.0"
)

// Version returns a string representation of the current client version.
func Version() string {
	return gocbnetVersionStr
}

// ServiceType specifies a particular service which a node hosts.
type ServiceType int

const (
	// MemdService represents a memcached service.
	MemdService = ServiceType(1)

	// MgmtService represents a management service (typically ns_server).
	MgmtService = ServiceType(2)

	// N1qlService represents a N1QL service (typically for query).
	N1qlService = ServiceType(4)
)

func (s ServiceType) String() string {
	switch s {
	case MemdService:
		return "kv"
	case MgmtService:
		return "mgmt"
	case N1qlService:
		return "query"
	}
	return "unknown"
}

// DurabilityLevel specifies the level of synchronous replication to use.
type DurabilityLevel uint8

const (
	// DurabilityLevelNone specifies that no durability is required.
	DurabilityLevelNone = DurabilityLevel(0x00)

	// DurabilityLevelMajority specifies that a mutation must be replicated (held in memory) to a majority of nodes.
	DurabilityLevelMajority = DurabilityLevel(memd.DurabilityLevelMajority)

	// DurabilityLevelMajorityAndPersistOnMaster specifies that a mutation must be replicated (held in memory) to a
	// majority of nodes and also persisted (written to disk) on the active node.
	DurabilityLevelMajorityAndPersistOnMaster = DurabilityLevel(memd.DurabilityLevelMajorityAndPersistOnMaster)

	// DurabilityLevelPersistToMajority specifies that a mutation must be persisted (written to disk) to a majority
	// of nodes.
	DurabilityLevelPersistToMajority = DurabilityLevel(memd.DurabilityLevelPersistToMajority)
)

func (l DurabilityLevel) String() string {
	switch l {
	case DurabilityLevelNone:
		return "none"
	case DurabilityLevelMajority:
		return "majority"
	case DurabilityLevelMajorityAndPersistOnMaster:
		return "majorityAndPersistActive"
	case DurabilityLevelPersistToMajority:
		return "persistToMajority"
	}
	return "unknown"
}

// KeyState represents the various storage states of a key on the server.
type KeyState uint8

const (
	// KeyStateNotPersisted indicates the key is in memory, but not yet written to disk.
	KeyStateNotPersisted = KeyState(memd.KeyStateNotPersisted)

	// KeyStatePersisted indicates that the key has been written to disk.
	KeyStatePersisted = KeyState(memd.KeyStatePersisted)

	// KeyStateNotFound indicates that the key is not found in memory or on disk.
	KeyStateNotFound = KeyState(memd.KeyStateNotFound)

	// KeyStateDeleted indicates that the key has been written to disk as deleted.
	KeyStateDeleted = KeyState(memd.KeyStateDeleted)
)

// EndpointState is the current connection state of an endpoint.
type EndpointState uint32

const (
	// EndpointStateDisconnected indicates that the endpoint is disconnected.
	EndpointStateDisconnected = EndpointState(1)

	// EndpointStateConnecting indicates that the endpoint is connecting.
	EndpointStateConnecting = EndpointState(2)

	// EndpointStateConnected indicates that the endpoint is connected.
	EndpointStateConnected = EndpointState(3)

	// EndpointStateDisconnecting indicates that the endpoint is disconnecting.
	EndpointStateDisconnecting = EndpointState(4)
)

func (es EndpointState) String() string {
	switch es {
	case EndpointStateDisconnected:
		return "disconnected"
	case EndpointStateConnecting:
		return "connecting"
	case EndpointStateConnected:
		return "connected"
	case EndpointStateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}
