package gocbnet

import "context"

// Get retrieves a document.
func (agent *Agent) Get(opts GetOptions, cb GetCallback) (PendingOp, error) {
	return agent.crud.Get(opts, cb)
}

// GetReplica retrieves a document from a replica server.
func (agent *Agent) GetReplica(opts GetReplicaOptions, cb GetReplicaCallback) (PendingOp, error) {
	return agent.crud.GetReplica(opts, cb)
}

// GetAndTouch retrieves a document and updates its expiry.
func (agent *Agent) GetAndTouch(opts GetAndTouchOptions, cb GetAndTouchCallback) (PendingOp, error) {
	return agent.crud.GetAndTouch(opts, cb)
}

// GetAndLock retrieves a document and locks it.
func (agent *Agent) GetAndLock(opts GetAndLockOptions, cb GetAndLockCallback) (PendingOp, error) {
	return agent.crud.GetAndLock(opts, cb)
}

// Unlock unlocks a locked document.
func (agent *Agent) Unlock(opts UnlockOptions, cb UnlockCallback) (PendingOp, error) {
	return agent.crud.Unlock(opts, cb)
}

// Touch updates the expiry for a document.
func (agent *Agent) Touch(opts TouchOptions, cb TouchCallback) (PendingOp, error) {
	return agent.crud.Touch(opts, cb)
}

// Upsert stores a document, creating it if it does not exist.
func (agent *Agent) Upsert(opts UpsertOptions, cb StoreCallback) (PendingOp, error) {
	return agent.crud.Upsert(opts, cb)
}

// Insert stores a document as long as it does not already exist.
func (agent *Agent) Insert(opts InsertOptions, cb StoreCallback) (PendingOp, error) {
	return agent.crud.Insert(opts, cb)
}

// Replace replaces the value of an existing document.
func (agent *Agent) Replace(opts ReplaceOptions, cb StoreCallback) (PendingOp, error) {
	return agent.crud.Replace(opts, cb)
}

// Delete removes a document.
func (agent *Agent) Delete(opts DeleteOptions, cb DeleteCallback) (PendingOp, error) {
	return agent.crud.Delete(opts, cb)
}

// Append appends some bytes to a document.
func (agent *Agent) Append(opts AdjoinOptions, cb AdjoinCallback) (PendingOp, error) {
	return agent.crud.Append(opts, cb)
}

// Prepend prepends some bytes to a document.
func (agent *Agent) Prepend(opts AdjoinOptions, cb AdjoinCallback) (PendingOp, error) {
	return agent.crud.Prepend(opts, cb)
}

// Increment increments the unsigned integer value in a document.
func (agent *Agent) Increment(opts CounterOptions, cb CounterCallback) (PendingOp, error) {
	return agent.crud.Increment(opts, cb)
}

// Decrement decrements the unsigned integer value in a document.
func (agent *Agent) Decrement(opts CounterOptions, cb CounterCallback) (PendingOp, error) {
	return agent.crud.Decrement(opts, cb)
}

// Observe retrieves the current CAS and persistence state for a document.
func (agent *Agent) Observe(opts ObserveOptions, cb ObserveCallback) (PendingOp, error) {
	return agent.crud.Observe(opts, cb)
}

// ObserveVb retrieves the persistence state sequence numbers for a particular VBucket
// and includes additional details not included by the basic version.
func (agent *Agent) ObserveVb(opts ObserveVbOptions, cb ObserveVbCallback) (PendingOp, error) {
	return agent.crud.ObserveVb(opts, cb)
}

// GetCollectionID fetches the collection id and manifest id that the collection belongs to, given a scope name
// and collection name.
func (agent *Agent) GetCollectionID(opts GetCollectionIDOptions, cb GetCollectionIDCallback) (PendingOp, error) {
	return agent.crud.GetCollectionID(opts, cb)
}

// RangeScanCreate creates a new range scan against a vbucket.
func (agent *Agent) RangeScanCreate(vbID uint16, opts RangeScanCreateOptions, cb RangeScanCreateCallback) (PendingOp, error) {
	return agent.crud.RangeScanCreate(vbID, opts, cb)
}

// RangeScanContinue continues an existing range scan.
func (agent *Agent) RangeScanContinue(scanUUID []byte, vbID uint16, opts RangeScanContinueOptions,
	dataCb RangeScanContinueDataCallback, actionCb RangeScanContinueActionCallback) (PendingOp, error) {
	return agent.crud.RangeScanContinue(scanUUID, vbID, opts, dataCb, actionCb)
}

// RangeScanCancel cancels an existing range scan.
func (agent *Agent) RangeScanCancel(scanUUID []byte, vbID uint16, opts RangeScanCancelOptions, cb RangeScanCancelCallback) (PendingOp, error) {
	return agent.crud.RangeScanCancel(scanUUID, vbID, opts, cb)
}

// RangeScan scans the keys of a collection across vbuckets. The result must
// be closed if it is not drained.
func (agent *Agent) RangeScan(ctx context.Context, opts RangeScanOptions) (*RangeScanResult, error) {
	return agent.rangeScan.RangeScan(ctx, opts)
}

// N1QLQuery executes a N1QL query.
func (agent *Agent) N1QLQuery(opts N1QLQueryOptions, cb N1QLQueryCallback) (PendingOp, error) {
	return agent.n1ql.N1QLQuery(opts, cb)
}

// Diagnostics returns diagnostics information about the client.
func (agent *Agent) Diagnostics(opts DiagnosticsOptions) (*DiagnosticInfo, error) {
	return agent.diag.Diagnostics(opts)
}
