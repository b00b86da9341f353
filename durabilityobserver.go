package gocbnet

import (
	"sync"
	"time"
)

// durabilityObservation describes a mutation that is being watched until it
// has reached ReplicateTo replicas and PersistTo nodes.
type durabilityObservation struct {
	ReplicateTo   int
	PersistTo     int
	PersistActive bool

	Key           []byte
	CollectionID  uint32
	VbID          uint16
	Cas           Cas
	Token         MutationToken
	IsDelete      bool
	NumReplicas   int
	Deadline      time.Time
	RetryStrategy RetryStrategy
	TraceContext  RequestSpanContext
}

func (obs durabilityObservation) hasToken() bool {
	return obs.Token.VbUUID != 0 || obs.Token.SeqNo != 0
}

// durabilityTargetsForLevel converts a durability level into observe targets
// for a bucket with numReplicas replicas.
func durabilityTargetsForLevel(level DurabilityLevel, numReplicas int) durabilityObservation {
	numNodes := numReplicas + 1
	majority := numNodes/2 + 1

	obs := durabilityObservation{
		ReplicateTo: majority - 1,
	}
	switch level {
	case DurabilityLevelMajorityAndPersistOnMaster:
		obs.PersistActive = true
	case DurabilityLevelPersistToMajority:
		obs.PersistTo = majority
	}

	return obs
}

func durabilityTargetsForLegacy(replicateTo, persistTo uint, numReplicas int) (durabilityObservation, error) {
	if int(replicateTo) > numReplicas {
		return durabilityObservation{}, wrapError(ErrDurabilityImpossible, "not enough replicas to replicate to")
	}
	if int(persistTo) > numReplicas+1 {
		return durabilityObservation{}, wrapError(ErrDurabilityImpossible, "not enough nodes to persist to")
	}

	return durabilityObservation{
		ReplicateTo: int(replicateTo),
		PersistTo:   int(persistTo),
	}, nil
}

// nodeObservation is what a single node reported during one poll round.
// Index 0 is always the active.
type nodeObservation struct {
	replicated bool
	persisted  bool
	superseded bool
	err        error
}

func seqNoObservation(token MutationToken, isActive bool, res *ObserveVbResult) nodeObservation {
	if res.DidFailover {
		if res.OldVbUUID != token.VbUUID || res.LastSeqNo < token.SeqNo {
			return nodeObservation{superseded: isActive}
		}
		return nodeObservation{replicated: true, persisted: true}
	}

	if res.VbUUID != token.VbUUID {
		return nodeObservation{superseded: isActive}
	}

	return nodeObservation{
		replicated: res.CurrentSeqNo >= token.SeqNo,
		persisted:  res.PersistSeqNo >= token.SeqNo,
	}
}

func casObservation(obs durabilityObservation, isActive bool, res *ObserveResult) nodeObservation {
	found := res.KeyState == KeyStateNotPersisted || res.KeyState == KeyStatePersisted

	if obs.IsDelete {
		if found {
			// The document was recreated after we removed it.
			return nodeObservation{superseded: isActive && res.Cas != obs.Cas}
		}
		return nodeObservation{
			replicated: true,
			persisted:  res.KeyState == KeyStateDeleted,
		}
	}

	if !found || res.Cas != obs.Cas {
		return nodeObservation{superseded: isActive}
	}

	return nodeObservation{
		replicated: true,
		persisted:  res.KeyState == KeyStatePersisted,
	}
}

// evaluateDurability reports whether a round of results satisfies obs. A
// superseded mutation can never be satisfied.
func evaluateDurability(obs durabilityObservation, results []nodeObservation) (bool, error) {
	numReplicated := 0
	numPersisted := 0
	for idx, res := range results {
		if res.superseded {
			return true, wrapError(ErrDurabilityAmbiguous, "mutation was superseded before reaching its durability requirements")
		}
		if res.err != nil {
			continue
		}

		if idx > 0 && res.replicated {
			numReplicated++
		}
		if res.persisted {
			numPersisted++
		}
	}

	if numReplicated < obs.ReplicateTo || numPersisted < obs.PersistTo {
		return false, nil
	}
	if obs.PersistActive && (len(results) == 0 || !results[0].persisted) {
		return false, nil
	}

	return true, nil
}

type durabilityObserver struct {
	crud            *crudComponent
	pollInterval    time.Duration
	maxPollInterval time.Duration
}

func newDurabilityObserver(crud *crudComponent, pollInterval, maxPollInterval time.Duration) *durabilityObserver {
	if maxPollInterval < pollInterval {
		maxPollInterval = pollInterval
	}

	return &durabilityObserver{
		crud:            crud,
		pollInterval:    pollInterval,
		maxPollInterval: maxPollInterval,
	}
}

// Observe polls the active and every replica of the mutation in obs until its
// targets are met, the mutation is superseded or the deadline passes. cb is
// invoked exactly once.
func (do *durabilityObserver) Observe(obs durabilityObservation, cb func(error)) PendingOp {
	if obs.Deadline.IsZero() {
		obs.Deadline = time.Now().Add(defaultDurabilityTimeout)
	}

	poll := &durabilityPoll{
		observer: do,
		obs:      obs,
		cb:       cb,
		interval: do.pollInterval,
		start:    time.Now(),
	}

	poll.lock.Lock()
	poll.deadlineTimer = time.AfterFunc(time.Until(obs.Deadline), func() {
		poll.finish(&TimeoutError{
			InnerError:   ErrAmbiguousTimeout,
			OperationID:  "observe",
			TimeObserved: time.Since(poll.start),
		})
	})
	poll.pollTimer = time.AfterFunc(0, poll.round)
	poll.lock.Unlock()

	return poll
}

type durabilityPoll struct {
	observer *durabilityObserver
	obs      durabilityObservation
	cb       func(error)
	start    time.Time

	lock          sync.Mutex
	completed     bool
	interval      time.Duration
	pollTimer     *time.Timer
	deadlineTimer *time.Timer
	inflight      []PendingOp
}

type durabilityRound struct {
	lock      sync.Mutex
	results   []nodeObservation
	remaining int
}

func (p *durabilityPoll) Cancel() {
	p.finish(ErrRequestCanceled)
}

func (p *durabilityPoll) finish(err error) {
	p.lock.Lock()
	if p.completed {
		p.lock.Unlock()
		return
	}
	p.completed = true
	if p.pollTimer != nil {
		p.pollTimer.Stop()
	}
	if p.deadlineTimer != nil {
		p.deadlineTimer.Stop()
	}
	inflight := p.inflight
	p.inflight = nil
	p.lock.Unlock()

	for _, op := range inflight {
		op.Cancel()
	}

	p.cb(err)
}

func (p *durabilityPoll) round() {
	p.lock.Lock()
	if p.completed {
		p.lock.Unlock()
		return
	}
	p.inflight = p.inflight[:0]
	p.lock.Unlock()

	numNodes := p.obs.NumReplicas + 1
	rnd := &durabilityRound{
		results:   make([]nodeObservation, numNodes),
		remaining: numNodes,
	}

	for idx := 0; idx < numNodes; idx++ {
		idx := idx
		op, err := p.observeNode(idx, func(res nodeObservation) {
			p.collect(rnd, idx, res)
		})
		if err != nil {
			logDebugf("Durability poll of replica %d failed to dispatch: %v", idx, err)
			p.collect(rnd, idx, nodeObservation{err: err})
			continue
		}

		p.lock.Lock()
		if p.completed {
			p.lock.Unlock()
			op.Cancel()
			return
		}
		p.inflight = append(p.inflight, op)
		p.lock.Unlock()
	}
}

func (p *durabilityPoll) observeNode(replicaIdx int, cb func(nodeObservation)) (PendingOp, error) {
	crud := p.observer.crud
	isActive := replicaIdx == 0

	if p.obs.hasToken() {
		return crud.ObserveVb(ObserveVbOptions{
			VbID:          p.obs.Token.VbID,
			VbUUID:        p.obs.Token.VbUUID,
			ReplicaIdx:    replicaIdx,
			RetryStrategy: newFailFastRetryStrategy(),
			Deadline:      p.obs.Deadline,
			TraceContext:  p.obs.TraceContext,
		}, func(res *ObserveVbResult, err error) {
			if err != nil {
				cb(nodeObservation{err: err})
				return
			}
			cb(seqNoObservation(p.obs.Token, isActive, res))
		})
	}

	return crud.Observe(ObserveOptions{
		Key:           p.obs.Key,
		ReplicaIdx:    replicaIdx,
		CollectionID:  p.obs.CollectionID,
		RetryStrategy: newFailFastRetryStrategy(),
		Deadline:      p.obs.Deadline,
		TraceContext:  p.obs.TraceContext,
	}, func(res *ObserveResult, err error) {
		if err != nil {
			cb(nodeObservation{err: err})
			return
		}
		cb(casObservation(p.obs, isActive, res))
	})
}

func (p *durabilityPoll) collect(rnd *durabilityRound, idx int, res nodeObservation) {
	rnd.lock.Lock()
	rnd.results[idx] = res
	rnd.remaining--
	last := rnd.remaining == 0
	rnd.lock.Unlock()

	if !last {
		return
	}

	done, err := evaluateDurability(p.obs, rnd.results)
	if done {
		p.finish(err)
		return
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if p.completed {
		return
	}

	interval := p.interval
	p.interval = time.Duration(float64(p.interval) * 1.5)
	if p.interval > p.observer.maxPollInterval {
		p.interval = p.observer.maxPollInterval
	}

	logSchedf("Durability requirements not yet met for %s, polling again in %s",
		redactUserData(string(p.obs.Key)), interval)
	p.pollTimer = time.AfterFunc(interval, p.round)
}
