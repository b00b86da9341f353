package gocbnet

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type orphanKind string

const (
	orphanKindCancelled orphanKind = "cancelled"
	orphanKindStale     orphanKind = "stale"
	orphanKindUnknown   orphanKind = "unknown"
)

type orphanLogEntry struct {
	connectionID        string
	operationID         string
	remoteSocket        string
	localSocket         string
	serverDuration      time.Duration
	totalServerDuration time.Duration
	totalDuration       time.Duration
	operationName       string
	kind                orphanKind
}

// rank orders entries by the time spent on them, falling back to the server
// duration for responses we know nothing else about.
func (e *orphanLogEntry) rank() time.Duration {
	if e.totalDuration > 0 {
		return e.totalDuration
	}
	return e.totalServerDuration
}

type orphanLogItem struct {
	ConnectionID          string `json:"last_local_id"`
	OperationID           string `json:"operation_id"`
	RemoteSocket          string `json:"last_remote_socket,omitempty"`
	LocalSocket           string `json:"last_local_socket,omitempty"`
	ServerDurationUs      uint64 `json:"last_server_duration_us,omitempty"`
	TotalServerDurationUs uint64 `json:"total_server_duration_us,omitempty"`
	TotalDurationUs       uint64 `json:"total_duration_us,omitempty"`
	OperationName         string `json:"operation_name"`
	Kind                  string `json:"orphan_kind"`
}

type orphanLogJSONEntry struct {
	Count int             `json:"total_count"`
	Top   []orphanLogItem `json:"top_requests"`
}

// orphanHeap is a min-heap on rank so the cheapest entry is evicted first.
type orphanHeap []*orphanLogEntry

func (h orphanHeap) Len() int           { return len(h) }
func (h orphanHeap) Less(i, j int) bool { return h[i].rank() < h[j].rank() }
func (h orphanHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *orphanHeap) Push(x interface{}) {
	*h = append(*h, x.(*orphanLogEntry))
}

func (h *orphanHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// orphanReporterComponent samples responses that arrived for requests the
// client no longer tracks and logs the slowest of them once per interval.
type orphanReporterComponent struct {
	lock       sync.Mutex
	top        orphanHeap
	seen       int
	interval   time.Duration
	sampleSize int
	stopSig    chan struct{}
	stopOnce   sync.Once

	tombstonesEvictedCount atomic.Uint32
}

func newOrphanReporterComponent(interval time.Duration, sampleSize int) *orphanReporterComponent {
	return &orphanReporterComponent{
		top:        make(orphanHeap, 0, sampleSize),
		interval:   interval,
		sampleSize: sampleSize,
		stopSig:    make(chan struct{}),
	}
}

func (orc *orphanReporterComponent) Start() {
	ticker := time.NewTicker(orc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-orc.stopSig:
			return
		case <-ticker.C:
		}

		jsonBytes := orc.createOutput()
		if len(jsonBytes) > 0 {
			logWarnf("Orphaned responses observed:\n %s", jsonBytes)
		}

		evictedCount := orc.tombstonesEvictedCount.Swap(0)
		if evictedCount > 0 {
			logWarnf("%d request tombstones have expired or were dropped. Some orphaned responses may be reported as unknown.", evictedCount)
		}
	}
}

func (orc *orphanReporterComponent) Stop() {
	orc.stopOnce.Do(func() {
		close(orc.stopSig)
	})
}

func (orc *orphanReporterComponent) createOutput() []byte {
	orc.lock.Lock()
	if len(orc.top) == 0 {
		orc.lock.Unlock()
		return nil
	}
	entries := make([]*orphanLogEntry, len(orc.top))
	copy(entries, orc.top)
	count := orc.seen
	orc.top = orc.top[:0]
	orc.seen = 0
	orc.lock.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].rank() > entries[j].rank()
	})

	output := orphanLogJSONEntry{
		Count: count,
		Top:   make([]orphanLogItem, len(entries)),
	}
	for i, entry := range entries {
		output.Top[i] = orphanLogItem{
			ConnectionID:          entry.connectionID,
			OperationID:           entry.operationID,
			RemoteSocket:          entry.remoteSocket,
			LocalSocket:           entry.localSocket,
			ServerDurationUs:      uint64(entry.serverDuration.Microseconds()),
			TotalServerDurationUs: uint64(entry.totalServerDuration.Microseconds()),
			TotalDurationUs:       uint64(entry.totalDuration.Microseconds()),
			OperationName:         entry.operationName,
			Kind:                  string(entry.kind),
		}
	}

	jsonBytes, err := json.Marshal(map[string]orphanLogJSONEntry{
		"kv": output,
	})
	if err != nil {
		logDebugf("Failed to generate orphan logging JSON: %s", err)
		return nil
	}

	return jsonBytes
}

func (orc *orphanReporterComponent) record(entry *orphanLogEntry) {
	orc.lock.Lock()
	defer orc.lock.Unlock()

	orc.seen++
	if orc.sampleSize <= 0 {
		return
	}

	if len(orc.top) < orc.sampleSize {
		heap.Push(&orc.top, entry)
		return
	}

	if entry.rank() > orc.top[0].rank() {
		orc.top[0] = entry
		heap.Fix(&orc.top, 0)
	}
}

// RecordOrphanResponse records a response that matched no live request. The
// tombstone is nil unless the request was cancelled by the client.
func (orc *orphanReporterComponent) RecordOrphanResponse(tombstone *memdOpTombstone, kind orphanKind, resp *memdQResponse,
	connID, localAddr, remoteAddr string) {
	entry := &orphanLogEntry{
		connectionID:  connID,
		operationID:   fmt.Sprintf("0x%x", resp.Opaque),
		remoteSocket:  remoteAddr,
		localSocket:   localAddr,
		operationName: resp.Command.Name(),
		kind:          kind,
	}

	if tombstone != nil {
		entry.totalDuration = time.Since(tombstone.dispatchTime)
		entry.totalServerDuration = tombstone.totalServerDuration
	}

	if resp.ServerDurationFrame != nil {
		entry.serverDuration = resp.ServerDurationFrame.ServerDuration
		entry.totalServerDuration += resp.ServerDurationFrame.ServerDuration
	}

	orc.record(entry)
}

func (orc *orphanReporterComponent) RecordTombstoneEviction() {
	orc.tombstonesEvictedCount.Add(1)
}
