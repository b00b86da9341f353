package gocbnet

import (
	"sync"
	"sync/atomic"
)

type testCounter struct {
	count uint64
}

func (tc *testCounter) IncrementBy(val uint64) {
	atomic.AddUint64(&tc.count, val)
}

type testValueRecorder struct {
	values []uint64
	lock   sync.Mutex
}

func (tvr *testValueRecorder) RecordValue(val uint64) {
	tvr.lock.Lock()
	tvr.values = append(tvr.values, val)
	tvr.lock.Unlock()
}

func (tvr *testValueRecorder) Values() []uint64 {
	tvr.lock.Lock()
	defer tvr.lock.Unlock()
	return append([]uint64(nil), tvr.values...)
}

type testMeter struct {
	lock      sync.Mutex
	counters  map[string]*testCounter
	recorders map[string]*testValueRecorder
}

func newTestMeter() *testMeter {
	return &testMeter{
		counters:  make(map[string]*testCounter),
		recorders: make(map[string]*testValueRecorder),
	}
}

func (tm *testMeter) Counter(name string, tags map[string]string) (Counter, error) {
	key := name + ":" + tags["couchbase.retry.reason"]
	tm.lock.Lock()
	counter := tm.counters[key]
	if counter == nil {
		counter = &testCounter{}
		tm.counters[key] = counter
	}
	tm.lock.Unlock()
	return counter, nil
}

func (tm *testMeter) ValueRecorder(name string, tags map[string]string) (ValueRecorder, error) {
	key := makeMetricsKey(tags["couchbase.service"], tags["db.operation.name"])
	tm.lock.Lock()
	recorder := tm.recorders[key]
	if recorder == nil {
		recorder = &testValueRecorder{}
		tm.recorders[key] = recorder
	}
	tm.lock.Unlock()
	return recorder, nil
}

func (tm *testMeter) Recorder(key string) *testValueRecorder {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	return tm.recorders[key]
}

func (tm *testMeter) Count(key string) uint64 {
	tm.lock.Lock()
	counter := tm.counters[key]
	tm.lock.Unlock()
	if counter == nil {
		return 0
	}
	return atomic.LoadUint64(&counter.count)
}

func makeMetricsKey(service, op string) string {
	key := service
	if op != "" {
		key = key + ":" + op
	}

	return key
}
