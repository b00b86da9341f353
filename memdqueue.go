package gocbnet

import (
	"container/list"
	"fmt"
	"sync"
)

type drainedReqCallback func(*memdQRequest)

// memdOpQueue holds requests waiting for an endpoint with free capacity.
type memdOpQueue struct {
	lock   sync.Mutex
	items  *list.List
	isOpen bool
}

func newMemdOpQueue() *memdOpQueue {
	return &memdOpQueue{
		items:  list.New(),
		isOpen: true,
	}
}

func (q *memdOpQueue) debugString() string {
	q.lock.Lock()
	defer q.lock.Unlock()

	return fmt.Sprintf("open: %t, queued: %d", q.isOpen, q.items.Len())
}

// Push appends a request. maxItems below zero means unbounded.
func (q *memdOpQueue) Push(req *memdQRequest, maxItems int) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if !q.isOpen {
		return errQueueClosed
	}

	if maxItems >= 0 && q.items.Len() >= maxItems {
		return errPipelineFull
	}

	if !req.queuedWith.CompareAndSwap(nil, q) {
		return errRequestAlreadyQueued
	}

	if req.isCancelled() {
		req.queuedWith.CompareAndSwap(q, nil)
		return ErrRequestCanceled
	}

	q.items.PushBack(req)
	logSchedf("Pushed request to queue, %d now queued", q.items.Len())

	return nil
}

// Remove takes a request out of the queue if it is still queued here.
func (q *memdOpQueue) Remove(req *memdQRequest) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if !req.queuedWith.CompareAndSwap(q, nil) {
		return false
	}

	for e := q.items.Front(); e != nil; e = e.Next() {
		if e.Value.(*memdQRequest) == req {
			q.items.Remove(e)
			break
		}
	}

	return true
}

// TryPop returns the oldest queued request, or nil if there is none.
func (q *memdOpQueue) TryPop() *memdQRequest {
	q.lock.Lock()
	defer q.lock.Unlock()

	for {
		e := q.items.Front()
		if e == nil {
			return nil
		}
		q.items.Remove(e)

		req := e.Value.(*memdQRequest)
		if req.queuedWith.CompareAndSwap(q, nil) {
			return req
		}
	}
}

func (q *memdOpQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.items.Len()
}

// Close stops the queue from accepting new requests.
func (q *memdOpQueue) Close() {
	q.lock.Lock()
	q.isOpen = false
	q.lock.Unlock()
}

// Drain closes the queue and hands every queued request to cb.
func (q *memdOpQueue) Drain(cb drainedReqCallback) {
	q.lock.Lock()
	q.isOpen = false

	var reqs []*memdQRequest
	for e := q.items.Front(); e != nil; e = e.Next() {
		req := e.Value.(*memdQRequest)
		if req.queuedWith.CompareAndSwap(q, nil) {
			reqs = append(reqs, req)
		}
	}
	q.items.Init()
	q.lock.Unlock()

	for _, req := range reqs {
		cb(req)
	}
}
