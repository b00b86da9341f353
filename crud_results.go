package gocbnet

// Cas represents a unique revision of a document. This can be used
// to perform optimistic locking.
type Cas uint64

// VbUUID represents a unique identifier for a particular vbucket history.
type VbUUID uint64

// SeqNo is a sequence number for a particular vbucket.
type SeqNo uint64

// MutationToken represents a particular mutation within the cluster.
type MutationToken struct {
	BucketName string
	VbID       uint16
	VbUUID     VbUUID
	SeqNo      SeqNo
}

// GetResult encapsulates the result of a GetEx operation.
type GetResult struct {
	Value    []byte
	Flags    uint32
	Datatype uint8
	Cas      Cas
}

// GetReplicaResult encapsulates the result of a GetReplica operation.
type GetReplicaResult struct {
	Value    []byte
	Flags    uint32
	Datatype uint8
	Cas      Cas
}

// GetAndTouchResult encapsulates the result of a GetAndTouchEx operation.
type GetAndTouchResult struct {
	Value    []byte
	Flags    uint32
	Datatype uint8
	Cas      Cas
}

// GetAndLockResult encapsulates the result of a GetAndLockEx operation.
type GetAndLockResult struct {
	Value    []byte
	Flags    uint32
	Datatype uint8
	Cas      Cas
}

// UnlockResult encapsulates the result of a UnlockEx operation.
type UnlockResult struct {
	Cas           Cas
	MutationToken MutationToken
}

// TouchResult encapsulates the result of a TouchEx operation.
type TouchResult struct {
	Cas           Cas
	MutationToken MutationToken
}

// StoreResult encapsulates the result of a Upsert, Insert or Replace operation.
type StoreResult struct {
	Cas           Cas
	MutationToken MutationToken
}

// DeleteResult encapsulates the result of a DeleteEx operation.
type DeleteResult struct {
	Cas           Cas
	MutationToken MutationToken
}

// AdjoinResult encapsulates the result of a AppendEx or PrependEx operation.
type AdjoinResult struct {
	Cas           Cas
	MutationToken MutationToken
}

// CounterResult encapsulates the result of a IncrementEx or DecrementEx operation.
type CounterResult struct {
	Value         uint64
	Cas           Cas
	MutationToken MutationToken
}

// ObserveResult encapsulates the result of a ObserveEx operation.
type ObserveResult struct {
	KeyState KeyState
	Cas      Cas
}

// ObserveVbResult encapsulates the result of a ObserveVbEx operation.
type ObserveVbResult struct {
	DidFailover  bool
	VbID         uint16
	VbUUID       VbUUID
	PersistSeqNo SeqNo
	CurrentSeqNo SeqNo
	OldVbUUID    VbUUID
	LastSeqNo    SeqNo
}

// GetCollectionIDResult encapsulates the result of a GetCollectionID operation.
type GetCollectionIDResult struct {
	ManifestID   uint64
	CollectionID uint32
}

// GetCallback is invoked upon completion of a GetEx operation.
type GetCallback = func(*GetResult, error)

// GetReplicaCallback is invoked upon completion of a GetReplica operation.
type GetReplicaCallback = func(*GetReplicaResult, error)

// GetAndTouchCallback is invoked upon completion of a GetAndTouchEx operation.
type GetAndTouchCallback = func(*GetAndTouchResult, error)

// GetAndLockCallback is invoked upon completion of a GetAndLockEx operation.
type GetAndLockCallback = func(*GetAndLockResult, error)

// UnlockCallback is invoked upon completion of a UnlockEx operation.
type UnlockCallback = func(*UnlockResult, error)

// TouchCallback is invoked upon completion of a TouchEx operation.
type TouchCallback = func(*TouchResult, error)

// StoreCallback is invoked upon completion of a Upsert, Insert or Replace operation.
type StoreCallback = func(*StoreResult, error)

// DeleteCallback is invoked upon completion of a DeleteEx operation.
type DeleteCallback = func(*DeleteResult, error)

// AdjoinCallback is invoked upon completion of a AppendEx or PrependEx operation.
type AdjoinCallback = func(*AdjoinResult, error)

// CounterCallback is invoked upon completion of a IncrementEx or DecrementEx operation.
type CounterCallback = func(*CounterResult, error)

// ObserveCallback is invoked upon completion of a ObserveEx operation.
type ObserveCallback = func(*ObserveResult, error)

// ObserveVbCallback is invoked upon completion of a ObserveVbEx operation.
type ObserveVbCallback = func(*ObserveVbResult, error)

// GetCollectionIDCallback is invoked upon completion of a GetCollectionID operation.
type GetCollectionIDCallback = func(*GetCollectionIDResult, error)
