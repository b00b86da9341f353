package gocbnet

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// RangeScanOptions describes a scan over many vbuckets at once.
type RangeScanOptions struct {
	CollectionID uint32
	KeysOnly     bool

	// One of Range or Sampling may be set, a scan of every key is performed
	// when neither is.
	Range    *RangeScanCreateRangeScanConfig
	Sampling *RangeScanCreateRandomSamplingConfig

	// SnapshotRequirements are applied to the vbuckets they are keyed by.
	SnapshotRequirements map[uint16]RangeScanCreateSnapshotRequirements

	// VbIDs limits the scan to the given vbuckets, every vbucket is scanned when empty.
	VbIDs []uint16

	// Sort merges the vbucket streams so that keys are returned in order.
	Sort bool

	ItemLimit uint32
	ByteLimit uint32

	MaxConcurrency int

	RetryStrategy RetryStrategy
	Deadline      time.Time
	TraceContext  RequestSpanContext
}

type rangeScanStreamState uint32

const (
	// No scan is open on the server but the vbucket may still hold items.
	rangeScanStreamIdle rangeScanStreamState = iota
	rangeScanStreamOpen
	rangeScanStreamComplete
	rangeScanStreamCancelled
)

// rangeScanStream is the continuation state of the scan of a single vbucket.
type rangeScanStream struct {
	vbID     uint16
	scanUUID []byte
	state    atomic.Uint32
	slot     atomic.Bool

	// Only touched by the goroutine driving the result.
	buffer  []RangeScanItem
	lastKey []byte
}

func (s *rangeScanStream) getState() rangeScanStreamState {
	return rangeScanStreamState(s.state.Load())
}

func (s *rangeScanStream) isOpen() bool {
	return s.getState() == rangeScanStreamOpen
}

func (s *rangeScanStream) isDone() bool {
	state := s.getState()
	return state == rangeScanStreamComplete || state == rangeScanStreamCancelled
}

type rangeScanOrchestrator struct {
	crud                  *crudComponent
	mux                   *kvMux
	defaultMaxConcurrency int
}

func newRangeScanOrchestrator(crud *crudComponent, mux *kvMux, defaultMaxConcurrency int) *rangeScanOrchestrator {
	if defaultMaxConcurrency <= 0 {
		defaultMaxConcurrency = 1
	}

	return &rangeScanOrchestrator{
		crud:                  crud,
		mux:                   mux,
		defaultMaxConcurrency: defaultMaxConcurrency,
	}
}

// RangeScan starts a scan over the requested vbuckets. At most MaxConcurrency
// vbucket scans are open on the server at any time, the rest are opened as
// earlier ones finish.
func (rso *rangeScanOrchestrator) RangeScan(ctx context.Context, opts RangeScanOptions) (*RangeScanResult, error) {
	if opts.Range != nil && opts.Sampling != nil {
		return nil, wrapError(ErrInvalidArgument, "only one of range and sampling can be set")
	}
	if opts.Range == nil && opts.Sampling == nil {
		opts.Range = &RangeScanCreateRangeScanConfig{
			Start: []byte{0x00},
			End:   []byte{0xff},
		}
	}

	vbIDs := opts.VbIDs
	if len(vbIDs) == 0 {
		numVbuckets := rso.mux.NumVbuckets()
		if numVbuckets == 0 {
			return nil, ErrNoPipelineSnapshot
		}
		vbIDs = make([]uint16, numVbuckets)
		for i := range vbIDs {
			vbIDs[i] = uint16(i)
		}
	}

	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = rso.defaultMaxConcurrency
	}

	res := &RangeScanResult{
		orch:           rso,
		opts:           opts,
		maxConcurrency: maxConcurrency,
		streams:        xsync.NewMapOf[uint16, *rangeScanStream](),
		slots:          semaphore.NewWeighted(int64(maxConcurrency)),
	}
	for _, vbID := range vbIDs {
		res.order = append(res.order, &rangeScanStream{vbID: vbID})
	}

	if !opts.Sort {
		// Open the first streams straight away so that errors such as an
		// unsupported bucket are returned from here.
		if err := res.topUp(ctx); err != nil {
			res.Close()
			return nil, err
		}
	}

	return res, nil
}

// RangeScanResult iterates the items of a range scan. It is not safe for
// concurrent use, apart from Close.
type RangeScanResult struct {
	orch           *rangeScanOrchestrator
	opts           RangeScanOptions
	maxConcurrency int

	// streams holds the streams which have a scan open on the server.
	streams *xsync.MapOf[uint16, *rangeScanStream]
	order   []*rangeScanStream
	slots   *semaphore.Weighted

	closed    atomic.Bool
	closeOnce sync.Once

	// Unsorted mode.
	pending    []RangeScanItem
	nextUnused int

	// Sorted mode.
	merge       rangeScanHeap
	mergePrimed bool

	returned uint64
}

func (r *RangeScanResult) releaseSlot(stream *rangeScanStream) {
	if stream.slot.CompareAndSwap(true, false) {
		r.slots.Release(1)
	}
}

// topUp opens streams which have not been scanned yet until every slot is in
// use or no vbuckets are left.
func (r *RangeScanResult) topUp(ctx context.Context) error {
	for {
		var batch []*rangeScanStream
		for r.nextUnused < len(r.order) && r.slots.TryAcquire(1) {
			stream := r.order[r.nextUnused]
			r.nextUnused++
			stream.slot.Store(true)
			batch = append(batch, stream)
		}
		if len(batch) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, stream := range batch {
			stream := stream

			g.Go(func() error {
				return r.openStream(gctx, stream)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// Empty vbuckets gave their slot straight back, go round again.
	}
}

func (r *RangeScanResult) createOptions(stream *rangeScanStream) RangeScanCreateOptions {
	createOpts := RangeScanCreateOptions{
		RetryStrategy: r.opts.RetryStrategy,
		Deadline:      r.opts.Deadline,
		CollectionID:  r.opts.CollectionID,
		KeysOnly:      r.opts.KeysOnly,
		Range:         r.opts.Range,
		Sampling:      r.opts.Sampling,
		TraceContext:  r.opts.TraceContext,
	}
	if snapshot, ok := r.opts.SnapshotRequirements[stream.vbID]; ok {
		createOpts.Snapshot = &snapshot
	}

	// A parked stream picks up after the last key the server sent it.
	if stream.lastKey != nil && r.opts.Range != nil {
		createOpts.Range = &RangeScanCreateRangeScanConfig{
			ExclusiveStart: stream.lastKey,
			End:            r.opts.Range.End,
			ExclusiveEnd:   r.opts.Range.ExclusiveEnd,
		}
	}

	return createOpts
}

// openStream creates the scan for stream, which must already hold a slot.
func (r *RangeScanResult) openStream(ctx context.Context, stream *rangeScanStream) error {
	f := newFuture[*RangeScanCreateResult]()
	op, err := r.orch.crud.RangeScanCreate(stream.vbID, r.createOptions(stream), futureCallback(f))
	res, err := awaitOp(ctx, f, op, err)
	if err != nil {
		r.releaseSlot(stream)
		if errors.Is(err, ErrDocumentNotFound) {
			// Nothing (left) in this vbucket matches.
			stream.state.Store(uint32(rangeScanStreamComplete))
			return nil
		}
		return err
	}

	stream.scanUUID = res.ScanUUID
	stream.state.Store(uint32(rangeScanStreamOpen))
	r.streams.Store(stream.vbID, stream)

	// Close may have run while the create was in flight.
	if r.closed.Load() {
		r.cancelStream(ctx, stream, rangeScanStreamCancelled)
	}
	return nil
}

// cancelStream cancels the scan open for stream on the server and moves the
// stream to state. It reports false when the stream was no longer open.
func (r *RangeScanResult) cancelStream(ctx context.Context, stream *rangeScanStream, state rangeScanStreamState) bool {
	if !stream.state.CompareAndSwap(uint32(rangeScanStreamOpen), uint32(state)) {
		return false
	}
	r.streams.Delete(stream.vbID)

	f := newFuture[*RangeScanCancelResult]()
	op, err := r.orch.crud.RangeScanCancel(stream.scanUUID, stream.vbID, RangeScanCancelOptions{
		RetryStrategy: r.opts.RetryStrategy,
		Deadline:      r.opts.Deadline,
		TraceContext:  r.opts.TraceContext,
	}, futureCallback(f))
	if _, err := awaitOp(ctx, f, op, err); err != nil {
		logDebugf("Failed to cancel range scan on vbucket %d: %v", stream.vbID, err)
	}

	r.releaseSlot(stream)
	return true
}

// continueStream fetches the next batch of stream into its buffer.
func (r *RangeScanResult) continueStream(ctx context.Context, stream *rangeScanStream) error {
	if !stream.isOpen() {
		return nil
	}

	var lock sync.Mutex
	var items []RangeScanItem

	f := newFuture[*RangeScanContinueResult]()
	op, err := r.orch.crud.RangeScanContinue(stream.scanUUID, stream.vbID, RangeScanContinueOptions{
		RetryStrategy: r.opts.RetryStrategy,
		Deadline:      r.opts.Deadline,
		MaxCount:      r.opts.ItemLimit,
		MaxBytes:      r.opts.ByteLimit,
		TraceContext:  r.opts.TraceContext,
	}, func(batch []RangeScanItem) {
		lock.Lock()
		items = append(items, batch...)
		lock.Unlock()
	}, futureCallback(f))
	res, err := awaitOp(ctx, f, op, err)
	if err != nil {
		return err
	}

	lock.Lock()
	stream.buffer = append(stream.buffer, items...)
	lock.Unlock()

	if len(items) > 0 {
		stream.lastKey = items[len(items)-1].Key
	}

	if res.Complete {
		// The server closes the scan itself once it is exhausted.
		if stream.state.CompareAndSwap(uint32(rangeScanStreamOpen), uint32(rangeScanStreamComplete)) {
			r.streams.Delete(stream.vbID)
			r.releaseSlot(stream)
		}
	}

	return nil
}

// fill fetches a batch for every open stream with an empty buffer.
func (r *RangeScanResult) fill(ctx context.Context, streams []*rangeScanStream) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, stream := range streams {
		if !stream.isOpen() || len(stream.buffer) > 0 {
			continue
		}

		stream := stream

		g.Go(func() error {
			return r.continueStream(gctx, stream)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Next returns the next item of the scan, or nil once every stream has been
// drained or the result has been closed.
func (r *RangeScanResult) Next(ctx context.Context) (*RangeScanItem, error) {
	if r.closed.Load() {
		return nil, nil
	}

	if r.opts.Sampling != nil && r.returned >= r.opts.Sampling.Samples {
		r.Close()
		return nil, nil
	}

	var item *RangeScanItem
	var err error
	if r.opts.Sort {
		item, err = r.nextSorted(ctx)
	} else {
		item, err = r.nextUnsorted(ctx)
	}
	if err != nil {
		if r.closed.Load() {
			return nil, nil
		}
		return nil, err
	}

	if item != nil {
		r.returned++
	}
	return item, nil
}

func (r *RangeScanResult) nextUnsorted(ctx context.Context) (*RangeScanItem, error) {
	for len(r.pending) == 0 {
		if err := r.topUp(ctx); err != nil {
			return nil, err
		}

		open := r.openStreams()
		if len(open) == 0 {
			return nil, nil
		}

		if err := r.fill(ctx, open); err != nil {
			return nil, err
		}

		// Items are handed out in the order their streams were opened.
		for _, stream := range open {
			r.pending = append(r.pending, stream.buffer...)
			stream.buffer = nil
		}
	}

	item := r.pending[0]
	r.pending = r.pending[1:]
	return &item, nil
}

func (r *RangeScanResult) nextSorted(ctx context.Context) (*RangeScanItem, error) {
	if !r.mergePrimed {
		if err := r.primeMerge(ctx); err != nil {
			return nil, err
		}
	}

	if r.merge.Len() == 0 {
		return nil, nil
	}

	stream := heap.Pop(&r.merge).(*rangeScanStream)
	item := stream.buffer[0]
	stream.buffer = stream.buffer[1:]

	// A stream can only rejoin the merge once its next key is known.
	if len(stream.buffer) == 0 {
		if err := r.fetchHead(ctx, stream, true); err != nil {
			return nil, err
		}
	}
	if len(stream.buffer) > 0 {
		heap.Push(&r.merge, stream)
	}

	return &item, nil
}

// primeMerge fetches the first batch of every stream, MaxConcurrency streams
// at a time. Streams from earlier rounds are parked to free their slots.
func (r *RangeScanResult) primeMerge(ctx context.Context) error {
	for start := 0; start < len(r.order); start += r.maxConcurrency {
		for _, stream := range r.order[:start] {
			r.cancelStream(ctx, stream, rangeScanStreamIdle)
		}

		chunk := r.order[start:min(start+r.maxConcurrency, len(r.order))]
		g, gctx := errgroup.WithContext(ctx)
		for _, stream := range chunk {
			stream := stream

			g.Go(func() error {
				return r.fetchHead(gctx, stream, false)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	for _, stream := range r.order {
		if len(stream.buffer) > 0 {
			r.merge = append(r.merge, stream)
		}
	}
	heap.Init(&r.merge)
	r.mergePrimed = true
	return nil
}

// fetchHead reads from stream until it has buffered items or is exhausted,
// opening or resuming its scan when needed. With evict set, another open
// stream is parked when every slot is in use.
func (r *RangeScanResult) fetchHead(ctx context.Context, stream *rangeScanStream, evict bool) error {
	for len(stream.buffer) == 0 || (r.opts.Sampling != nil && stream.isOpen()) {
		if r.closed.Load() {
			return nil
		}

		switch stream.getState() {
		case rangeScanStreamComplete, rangeScanStreamCancelled:
			return nil
		case rangeScanStreamIdle:
			if err := r.acquireSlot(ctx, stream, evict); err != nil {
				return err
			}
			if err := r.openStream(ctx, stream); err != nil {
				return err
			}
		case rangeScanStreamOpen:
			// Sampled streams cannot be resumed so they are always read to
			// the end before their slot is given up.
			if err := r.continueStream(ctx, stream); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *RangeScanResult) acquireSlot(ctx context.Context, stream *rangeScanStream, evict bool) error {
	for evict && !r.slots.TryAcquire(1) {
		victim := r.parkable(stream)
		if victim == nil {
			evict = false
			break
		}
		r.cancelStream(ctx, victim, rangeScanStreamIdle)
	}
	if !evict {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	stream.slot.Store(true)
	return nil
}

// parkable returns an open stream other than except whose scan can be
// recreated later.
func (r *RangeScanResult) parkable(except *rangeScanStream) *rangeScanStream {
	if r.opts.Range == nil {
		return nil
	}
	for _, stream := range r.order {
		if stream != except && stream.isOpen() {
			return stream
		}
	}
	return nil
}

func (r *RangeScanResult) openStreams() []*rangeScanStream {
	var open []*rangeScanStream
	for _, stream := range r.order[:r.nextUnused] {
		if stream.isOpen() {
			open = append(open, stream)
		}
	}
	return open
}

// OpenScans returns the number of vbucket scans currently open on the server.
func (r *RangeScanResult) OpenScans() int {
	return r.streams.Size()
}

// Close cancels every scan which is still open on the server. No further
// continues are sent once Close has been called.
func (r *RangeScanResult) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		var wg sync.WaitGroup
		r.streams.Range(func(_ uint16, stream *rangeScanStream) bool {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.cancelStream(context.Background(), stream, rangeScanStreamCancelled)
			}()
			return true
		})
		wg.Wait()
	})
}

// rangeScanHeap orders streams by the key at the head of their buffer.
type rangeScanHeap []*rangeScanStream

func (h rangeScanHeap) Len() int { return len(h) }
func (h rangeScanHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].buffer[0].Key, h[j].buffer[0].Key) < 0
}
func (h rangeScanHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *rangeScanHeap) Push(x interface{}) {
	*h = append(*h, x.(*rangeScanStream))
}

func (h *rangeScanHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
