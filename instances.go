package gocbnet

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// MaxInstancesWarnThreshold is the number of live agents above which every
// new agent logs a warning. Each agent owns its own connections, so a large
// count usually means agents are being created per request and never closed.
var MaxInstancesWarnThreshold = 1

// InstanceWarningHook is called with the live instance count whenever a new
// instance takes the count above MaxInstancesWarnThreshold.
type InstanceWarningHook func(numInstances int)

type instanceRegistry struct {
	instances *xsync.MapOf[string, *Agent]
	count     atomic.Int64

	hooksLock sync.Mutex
	hooks     []InstanceWarningHook
}

var globalInstances = newInstanceRegistry()

func newInstanceRegistry() *instanceRegistry {
	return &instanceRegistry{
		instances: xsync.NewMapOf[string, *Agent](),
	}
}

// AddInstanceWarningHook registers hook to be fired when too many instances are live.
func AddInstanceWarningHook(hook InstanceWarningHook) {
	globalInstances.addHook(hook)
}

// NumInstances returns the number of agents which have been created and not yet closed.
func NumInstances() int {
	return globalInstances.Len()
}

// LiveInstances returns the client ids of every agent which has been created and
// not yet closed, sorted.
func LiveInstances() []string {
	return globalInstances.ClientIDs()
}

func (r *instanceRegistry) addHook(hook InstanceWarningHook) {
	r.hooksLock.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksLock.Unlock()
}

// Register tracks agent and returns the id needed to deregister it.
func (r *instanceRegistry) Register(agent *Agent) string {
	id := uuid.NewString()
	r.instances.Store(id, agent)
	numInstances := int(r.count.Add(1))

	if numInstances > MaxInstancesWarnThreshold {
		logWarnf("Detected %d live agent instances, more than the recommended %d. Agents should be reused and closed when no longer needed",
			numInstances, MaxInstancesWarnThreshold)

		r.hooksLock.Lock()
		hooks := make([]InstanceWarningHook, len(r.hooks))
		copy(hooks, r.hooks)
		r.hooksLock.Unlock()

		for _, hook := range hooks {
			hook(numInstances)
		}
	}

	return id
}

// Deregister stops tracking the instance registered under id. Unknown ids are ignored.
func (r *instanceRegistry) Deregister(id string) {
	if _, loaded := r.instances.LoadAndDelete(id); loaded {
		r.count.Add(-1)
	}
}

func (r *instanceRegistry) Len() int {
	return int(r.count.Load())
}

func (r *instanceRegistry) ClientIDs() []string {
	var ids []string
	r.instances.Range(func(_ string, agent *Agent) bool {
		ids = append(ids, agent.ClientID())
		return true
	})
	sort.Strings(ids)
	return ids
}
