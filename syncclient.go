package gocbnet

import "context"

// The blocking variants below dispatch the matching callback operation and
// wait on a Future for its single outcome. A ctx ending first cancels the
// operation and returns its cancellation error.

// GetSync is the blocking form of Get.
func (agent *Agent) GetSync(ctx context.Context, opts GetOptions) (*GetResult, error) {
	f := newFuture[*GetResult]()
	op, err := agent.Get(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// GetReplicaSync is the blocking form of GetReplica.
func (agent *Agent) GetReplicaSync(ctx context.Context, opts GetReplicaOptions) (*GetReplicaResult, error) {
	f := newFuture[*GetReplicaResult]()
	op, err := agent.GetReplica(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// GetAndTouchSync is the blocking form of GetAndTouch.
func (agent *Agent) GetAndTouchSync(ctx context.Context, opts GetAndTouchOptions) (*GetAndTouchResult, error) {
	f := newFuture[*GetAndTouchResult]()
	op, err := agent.GetAndTouch(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// GetAndLockSync is the blocking form of GetAndLock.
func (agent *Agent) GetAndLockSync(ctx context.Context, opts GetAndLockOptions) (*GetAndLockResult, error) {
	f := newFuture[*GetAndLockResult]()
	op, err := agent.GetAndLock(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// UnlockSync is the blocking form of Unlock.
func (agent *Agent) UnlockSync(ctx context.Context, opts UnlockOptions) (*UnlockResult, error) {
	f := newFuture[*UnlockResult]()
	op, err := agent.Unlock(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// TouchSync is the blocking form of Touch.
func (agent *Agent) TouchSync(ctx context.Context, opts TouchOptions) (*TouchResult, error) {
	f := newFuture[*TouchResult]()
	op, err := agent.Touch(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// UpsertSync is the blocking form of Upsert.
func (agent *Agent) UpsertSync(ctx context.Context, opts UpsertOptions) (*StoreResult, error) {
	f := newFuture[*StoreResult]()
	op, err := agent.Upsert(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// InsertSync is the blocking form of Insert.
func (agent *Agent) InsertSync(ctx context.Context, opts InsertOptions) (*StoreResult, error) {
	f := newFuture[*StoreResult]()
	op, err := agent.Insert(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// ReplaceSync is the blocking form of Replace.
func (agent *Agent) ReplaceSync(ctx context.Context, opts ReplaceOptions) (*StoreResult, error) {
	f := newFuture[*StoreResult]()
	op, err := agent.Replace(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// DeleteSync is the blocking form of Delete.
func (agent *Agent) DeleteSync(ctx context.Context, opts DeleteOptions) (*DeleteResult, error) {
	f := newFuture[*DeleteResult]()
	op, err := agent.Delete(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// AppendSync is the blocking form of Append.
func (agent *Agent) AppendSync(ctx context.Context, opts AdjoinOptions) (*AdjoinResult, error) {
	f := newFuture[*AdjoinResult]()
	op, err := agent.Append(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// PrependSync is the blocking form of Prepend.
func (agent *Agent) PrependSync(ctx context.Context, opts AdjoinOptions) (*AdjoinResult, error) {
	f := newFuture[*AdjoinResult]()
	op, err := agent.Prepend(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// IncrementSync is the blocking form of Increment.
func (agent *Agent) IncrementSync(ctx context.Context, opts CounterOptions) (*CounterResult, error) {
	f := newFuture[*CounterResult]()
	op, err := agent.Increment(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// DecrementSync is the blocking form of Decrement.
func (agent *Agent) DecrementSync(ctx context.Context, opts CounterOptions) (*CounterResult, error) {
	f := newFuture[*CounterResult]()
	op, err := agent.Decrement(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// GetCollectionIDSync is the blocking form of GetCollectionID.
func (agent *Agent) GetCollectionIDSync(ctx context.Context, opts GetCollectionIDOptions) (*GetCollectionIDResult, error) {
	f := newFuture[*GetCollectionIDResult]()
	op, err := agent.GetCollectionID(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

// N1QLQuerySync is the blocking form of N1QLQuery.
func (agent *Agent) N1QLQuerySync(ctx context.Context, opts N1QLQueryOptions) (*N1QLRowReader, error) {
	f := newFuture[*N1QLRowReader]()
	op, err := agent.N1QLQuery(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}
