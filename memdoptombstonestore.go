package gocbnet

import (
	"strconv"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/couchbaselabs/gocbnet/memd"
)

// memdOpTombstone is used to report additional information once an orphaned response is
// received, after we've cancelled the request.
type memdOpTombstone struct {
	totalServerDuration time.Duration
	dispatchTime        time.Time
	lastAttemptTime     time.Time
	isDurable           bool
	command             memd.CmdCode

	claimed atomic.Bool
}

// memdOpTombstoneStore remembers cancelled operations, keyed by connection and
// opaque since opaques are only unique per connection, for a
// limited time, so that a late response can be reported as an orphan of a
// known operation. Entries expire after ttl; expiries are reported through
// onEvict since any response arriving afterwards will be logged as unknown.
type memdOpTombstoneStore struct {
	tombstones *gocache.Cache
	capacity   int
	onEvict    func()
}

func newMemdOpTombstoneStore(ttl time.Duration, capacity int, onEvict func()) *memdOpTombstoneStore {
	s := &memdOpTombstoneStore{
		tombstones: gocache.New(ttl, ttl),
		capacity:   capacity,
		onEvict:    onEvict,
	}
	s.tombstones.OnEvicted(func(_ string, v interface{}) {
		meta, ok := v.(*memdOpTombstone)
		if !ok || meta.claimed.Load() {
			return
		}
		if s.onEvict != nil {
			s.onEvict()
		}
	})
	return s
}

func tombstoneKey(connID string, opaque uint32) string {
	return connID + "#" + strconv.FormatUint(uint64(opaque), 16)
}

// Add stores a tombstone. It returns false when the store is full and the
// tombstone was dropped.
func (s *memdOpTombstoneStore) Add(connID string, opaque uint32, metadata *memdOpTombstone) bool {
	if s.capacity > 0 && s.tombstones.ItemCount() >= s.capacity {
		if s.onEvict != nil {
			s.onEvict()
		}
		return false
	}

	s.tombstones.SetDefault(tombstoneKey(connID, opaque), metadata)
	return true
}

func (s *memdOpTombstoneStore) FindAndRemove(connID string, opaque uint32) *memdOpTombstone {
	key := tombstoneKey(connID, opaque)
	v, ok := s.tombstones.Get(key)
	if !ok {
		return nil
	}

	meta := v.(*memdOpTombstone)
	if !meta.claimed.CompareAndSwap(false, true) {
		return nil
	}
	s.tombstones.Delete(key)
	return meta
}

func (s *memdOpTombstoneStore) Len() int {
	return s.tombstones.ItemCount()
}
