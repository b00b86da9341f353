package gocbnet

import (
	"time"
)

// GetOptions encapsulates the parameters for a GetEx operation.
type GetOptions struct {
	Key          []byte
	CollectionID uint32

	RetryStrategy RetryStrategy
	Deadline      time.Time

	// Internal: This should never be used and is not supported.
	User string

	TraceContext RequestSpanContext
}

// GetReplicaOptions encapsulates the parameters for a GetReplica operation.
// ReplicaIdx must be 1 or greater.
type GetReplicaOptions struct {
	Key          []byte
	CollectionID uint32
	ReplicaIdx   int

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// GetAndTouchOptions encapsulates the parameters for a GetAndTouchEx operation.
type GetAndTouchOptions struct {
	Key          []byte
	Expiry       uint32
	CollectionID uint32

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// GetAndLockOptions encapsulates the parameters for a GetAndLockEx operation.
type GetAndLockOptions struct {
	Key          []byte
	LockTime     uint32
	CollectionID uint32

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// UnlockOptions encapsulates the parameters for a UnlockEx operation.
type UnlockOptions struct {
	Key          []byte
	Cas          Cas
	CollectionID uint32

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// TouchOptions encapsulates the parameters for a TouchEx operation.
type TouchOptions struct {
	Key          []byte
	Expiry       uint32
	CollectionID uint32

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// DurabilityOptions describes the durability a mutation must reach before it
// is reported as successful. Level and the legacy ReplicateTo/PersistTo pair
// are mutually exclusive.
type DurabilityOptions struct {
	DurabilityLevel        DurabilityLevel
	DurabilityLevelTimeout time.Duration

	ReplicateTo uint
	PersistTo   uint
}

func (o DurabilityOptions) hasLegacy() bool {
	return o.ReplicateTo > 0 || o.PersistTo > 0
}

func (o DurabilityOptions) isSet() bool {
	return o.DurabilityLevel > 0 || o.hasLegacy()
}

// UpsertOptions encapsulates the parameters for an UpsertEx operation.
type UpsertOptions struct {
	Key            []byte
	Value          []byte
	Flags          uint32
	Datatype       uint8
	Expiry         uint32
	PreserveExpiry bool
	CollectionID   uint32
	Durability     DurabilityOptions

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// InsertOptions encapsulates the parameters for an InsertEx operation.
type InsertOptions struct {
	Key          []byte
	Value        []byte
	Flags        uint32
	Datatype     uint8
	Expiry       uint32
	CollectionID uint32
	Durability   DurabilityOptions

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// ReplaceOptions encapsulates the parameters for a ReplaceEx operation.
type ReplaceOptions struct {
	Key            []byte
	Value          []byte
	Flags          uint32
	Datatype       uint8
	Cas            Cas
	Expiry         uint32
	PreserveExpiry bool
	CollectionID   uint32
	Durability     DurabilityOptions

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// DeleteOptions encapsulates the parameters for a DeleteEx operation.
type DeleteOptions struct {
	Key          []byte
	Cas          Cas
	CollectionID uint32
	Durability   DurabilityOptions

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// AdjoinOptions encapsulates the parameters for a AppendEx or PrependEx operation.
type AdjoinOptions struct {
	Key          []byte
	Value        []byte
	Cas          Cas
	CollectionID uint32
	Durability   DurabilityOptions

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// CounterOptions encapsulates the parameters for a IncrementEx or DecrementEx operation.
// An Initial of 0xFFFFFFFFFFFFFFFF makes the operation fail when the document
// does not exist.
type CounterOptions struct {
	Key          []byte
	Delta        uint64
	Initial      uint64
	Expiry       uint32
	Cas          Cas
	CollectionID uint32
	Durability   DurabilityOptions

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// ObserveOptions encapsulates the parameters for a ObserveEx operation.
type ObserveOptions struct {
	Key          []byte
	ReplicaIdx   int
	CollectionID uint32

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// ObserveVbOptions encapsulates the parameters for a ObserveVbEx operation.
type ObserveVbOptions struct {
	VbID       uint16
	VbUUID     VbUUID
	ReplicaIdx int

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// GetCollectionIDOptions encapsulates the parameters for a GetCollectionID operation.
type GetCollectionIDOptions struct {
	ScopeName      string
	CollectionName string

	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}
