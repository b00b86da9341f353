package gocbnet

import (
	"sync"
)

const (
	memdOpMapSlotBits = 24
	memdOpMapSlotMask = 1<<memdOpMapSlotBits - 1
	memdOpMapMaxSlots = 1 << memdOpMapSlotBits
)

type memdOpLookup int

const (
	memdOpLookupFound memdOpLookup = iota
	memdOpLookupStale
	memdOpLookupUnknown
)

type memdOpSlot struct {
	gen uint8
	req *memdQRequest
}

// memdOpMap is an arena of in-flight requests keyed by opaque. The opaque
// carries the slot index in its low 24 bits and the slot generation in its
// top 8 bits, so a response for a request whose slot has since been reused
// resolves as stale rather than to the wrong request.
type memdOpMap struct {
	lock  sync.Mutex
	slots []memdOpSlot
	free  []uint32
	count int
}

func newMemdOpMap() *memdOpMap {
	return &memdOpMap{}
}

func makeOpaque(gen uint8, slot uint32) uint32 {
	return uint32(gen)<<memdOpMapSlotBits | slot&memdOpMapSlotMask
}

func splitOpaque(opaque uint32) (uint8, uint32) {
	return uint8(opaque >> memdOpMapSlotBits), opaque & memdOpMapSlotMask
}

// Add assigns a fresh opaque to the request and stores it. It returns false
// when every slot is occupied.
func (m *memdOpMap) Add(req *memdQRequest) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	var slotIdx uint32
	if n := len(m.free); n > 0 {
		slotIdx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		if len(m.slots) >= memdOpMapMaxSlots {
			return false
		}
		slotIdx = uint32(len(m.slots))
		m.slots = append(m.slots, memdOpSlot{})
	}

	slot := &m.slots[slotIdx]
	slot.gen++
	slot.req = req
	req.Opaque = makeOpaque(slot.gen, slotIdx)
	m.count++

	return true
}

func (m *memdOpMap) releaseLocked(slotIdx uint32) {
	m.slots[slotIdx].req = nil
	m.free = append(m.free, slotIdx)
	m.count--
}

// Remove removes the request if it is still held under its current opaque.
func (m *memdOpMap) Remove(req *memdQRequest) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	gen, slotIdx := splitOpaque(req.Opaque)
	if int(slotIdx) >= len(m.slots) {
		return false
	}

	slot := &m.slots[slotIdx]
	if slot.req != req || slot.gen != gen {
		return false
	}

	m.releaseLocked(slotIdx)
	return true
}

// FindAndRemove resolves an inbound opaque. Stale means the slot exists but
// has moved on to a later generation or is empty.
func (m *memdOpMap) FindAndRemove(opaque uint32) (*memdQRequest, memdOpLookup) {
	m.lock.Lock()
	defer m.lock.Unlock()

	gen, slotIdx := splitOpaque(opaque)
	if int(slotIdx) >= len(m.slots) {
		return nil, memdOpLookupUnknown
	}

	slot := &m.slots[slotIdx]
	if slot.req == nil || slot.gen != gen {
		return nil, memdOpLookupStale
	}

	req := slot.req
	m.releaseLocked(slotIdx)
	return req, memdOpLookupFound
}

// Find returns the live request for an opaque without removing it.
func (m *memdOpMap) Find(opaque uint32) *memdQRequest {
	m.lock.Lock()
	defer m.lock.Unlock()

	gen, slotIdx := splitOpaque(opaque)
	if int(slotIdx) >= len(m.slots) {
		return nil
	}

	slot := m.slots[slotIdx]
	if slot.gen != gen {
		return nil
	}
	return slot.req
}

// Len returns the number of requests currently held.
func (m *memdOpMap) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.count
}

// Drain removes every request and calls cb for each, outside of the lock.
func (m *memdOpMap) Drain(cb func(*memdQRequest)) {
	m.lock.Lock()
	var reqs []*memdQRequest
	for i := range m.slots {
		if m.slots[i].req != nil {
			reqs = append(reqs, m.slots[i].req)
			m.releaseLocked(uint32(i))
		}
	}
	m.lock.Unlock()

	for _, req := range reqs {
		cb(req)
	}
}
