package gocbnet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

type memdGetClientFn func(cancelSig <-chan struct{}) (*memdClient, error)

type newMemdPipelineOptions struct {
	address       string
	minClients    int
	maxClients    int
	maxItems      int
	getClientFn   memdGetClientFn
	idleTimeout   time.Duration
	scaleInterval time.Duration
	noopInterval  time.Duration
	noopTimeout   time.Duration
	reconnect     BackoffCalculator

	onPipelineConnected    func()
	onPipelineDisconnected func()
}

// memdPipeline is the set of connections to a single KV node. Requests go to the
// connected client with the fewest outstanding requests, or wait in the queue
// until a client frees a slot.
type memdPipeline struct {
	address     string
	getClientFn memdGetClientFn
	maxItems    int
	queue       *memdOpQueue
	minClients  int
	maxClients  int

	idleTimeout   time.Duration
	scaleInterval time.Duration
	noopInterval  time.Duration
	noopTimeout   time.Duration
	reconnect     BackoffCalculator

	clients          []*memdPipelineClient
	clientsLock      sync.Mutex
	clientsConnected atomic.Uint32
	nextClient       atomic.Uint32
	busyTicks        int

	scalerStop chan struct{}
	scalerOnce sync.Once

	onPipelineConnected    func()
	onPipelineDisconnected func()
}

func newPipeline(opts *newMemdPipelineOptions) *memdPipeline {
	minClients := opts.minClients
	if minClients < 1 && opts.maxClients > 0 {
		minClients = 1
	}
	maxClients := opts.maxClients
	if maxClients < minClients {
		maxClients = minClients
	}

	reconnect := opts.reconnect
	if reconnect == nil {
		reconnect = ExponentialBackoff(100*time.Millisecond, 10*time.Second, 2)
	}

	return &memdPipeline{
		address:       opts.address,
		getClientFn:   opts.getClientFn,
		minClients:    minClients,
		maxClients:    maxClients,
		maxItems:      opts.maxItems,
		queue:         newMemdOpQueue(),
		idleTimeout:   opts.idleTimeout,
		scaleInterval: opts.scaleInterval,
		noopInterval:  opts.noopInterval,
		noopTimeout:   opts.noopTimeout,
		reconnect:     reconnect,
		scalerStop:    make(chan struct{}),

		onPipelineConnected:    opts.onPipelineConnected,
		onPipelineDisconnected: opts.onPipelineDisconnected,
	}
}

// newDeadPipeline returns a pipeline without any clients. Requests routed before
// the first config, or to a node which is not in the config, park here.
func newDeadPipeline(maxItems int) *memdPipeline {
	return newPipeline(&newMemdPipelineOptions{
		maxItems: maxItems,
	})
}

func (pipeline *memdPipeline) debugString() string {
	var outStr string

	if pipeline.address != "" {
		outStr += fmt.Sprintf("Address: %s\n", pipeline.address)
		outStr += fmt.Sprintf("Clients: %d (min %d, max %d)\n", len(pipeline.Clients()), pipeline.minClients, pipeline.maxClients)
		outStr += fmt.Sprintf("Max Items: %d\n", pipeline.maxItems)
	} else {
		outStr += "Dead-Server Queue\n"
	}

	outStr += "Op Queue:\n"
	outStr += reindentLog("  ", pipeline.queue.debugString())

	return outStr
}

func (pipeline *memdPipeline) Clients() []*memdPipelineClient {
	pipeline.clientsLock.Lock()
	defer pipeline.clientsLock.Unlock()
	return append([]*memdPipelineClient(nil), pipeline.clients...)
}

func (pipeline *memdPipeline) SupportsFeature(feature memd.HelloFeature) bool {
	clients := pipeline.Clients()
	if len(clients) == 0 {
		return false
	}
	// If any of the connections do not support this feature then we consider it as unsupported.
	for _, cli := range clients {
		if !cli.SupportsFeature(feature) {
			return false
		}
	}

	return true
}

func (pipeline *memdPipeline) Address() string {
	return pipeline.address
}

func (pipeline *memdPipeline) StartClients() {
	if pipeline.getClientFn == nil {
		return
	}

	pipeline.clientsLock.Lock()
	for len(pipeline.clients) < pipeline.minClients {
		pipeline.startClientLocked()
	}
	pipeline.clientsLock.Unlock()

	if pipeline.scaleInterval > 0 && pipeline.maxClients > pipeline.minClients {
		go pipeline.runScaler()
	}
}

func (pipeline *memdPipeline) startClientLocked() {
	client := newMemdPipelineClient(pipeline, &newMemdPipelineClientOptions{
		reconnect:    pipeline.reconnect,
		noopInterval: pipeline.noopInterval,
		noopTimeout:  pipeline.noopTimeout,
	})
	pipeline.clients = append(pipeline.clients, client)

	go client.Run()
}

func (pipeline *memdPipeline) runScaler() {
	ticker := time.NewTicker(pipeline.scaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pipeline.scaleTick()
		case <-pipeline.scalerStop:
			return
		}
	}
}

// scaleTick grows the pipeline while the queue stays backed up for consecutive
// ticks, and retires one idle client at a time down to minClients.
func (pipeline *memdPipeline) scaleTick() {
	queued := pipeline.queue.Len()

	pipeline.clientsLock.Lock()
	if queued > 0 {
		pipeline.busyTicks++
	} else {
		pipeline.busyTicks = 0
	}

	if pipeline.busyTicks >= 2 && len(pipeline.clients) < pipeline.maxClients {
		logDebugf("Pipeline %s scaling up to %d clients, %d requests queued", pipeline.address, len(pipeline.clients)+1, queued)
		pipeline.startClientLocked()
		pipeline.busyTicks = 0
		pipeline.clientsLock.Unlock()
		return
	}

	var retired *memdPipelineClient
	if queued == 0 && len(pipeline.clients) > pipeline.minClients && pipeline.idleTimeout > 0 {
		for i, cli := range pipeline.clients {
			if cli.IsIdle(pipeline.idleTimeout) {
				retired = cli
				pipeline.clients = append(pipeline.clients[:i:i], pipeline.clients[i+1:]...)
				break
			}
		}
	}
	pipeline.clientsLock.Unlock()

	if retired != nil {
		logDebugf("Pipeline %s retiring idle client %p", pipeline.address, retired)
		retired.Close()
	}
}

func (pipeline *memdPipeline) onClientConnected() {
	clientsConnected := pipeline.clientsConnected.Add(1)
	if clientsConnected == 1 && pipeline.onPipelineConnected != nil {
		pipeline.onPipelineConnected()
	}
}

func (pipeline *memdPipeline) onClientDisconnected() {
	clientsConnected := pipeline.clientsConnected.Add(^uint32(0))
	if clientsConnected == 0 && pipeline.onPipelineDisconnected != nil {
		pipeline.onPipelineDisconnected()
	}
}

// pickClient returns the connected client with the fewest outstanding requests
// which still has capacity. Ties go to whichever comes first from a rotating
// start position.
func (pipeline *memdPipeline) pickClient() *memdClient {
	pipeline.clientsLock.Lock()
	clients := pipeline.clients
	pipeline.clientsLock.Unlock()

	numClients := len(clients)
	if numClients == 0 {
		return nil
	}

	start := int(pipeline.nextClient.Add(1)) % numClients
	var best *memdClient
	bestOutstanding := 0
	for i := 0; i < numClients; i++ {
		client := clients[(start+i)%numClients].connectedClient()
		if client == nil || !client.HasCapacity() {
			continue
		}

		outstanding := client.Outstanding()
		if best == nil || outstanding < bestOutstanding {
			best = client
			bestOutstanding = outstanding
		}
	}

	return best
}

func (pipeline *memdPipeline) wakeClients() {
	pipeline.clientsLock.Lock()
	clients := pipeline.clients
	pipeline.clientsLock.Unlock()

	for _, cli := range clients {
		cli.Wake()
	}
}

func (pipeline *memdPipeline) sendRequest(req *memdQRequest, maxItems int) error {
	// Queued requests are older, so only bypass the queue when it is empty.
	if pipeline.queue.Len() == 0 {
		if client := pipeline.pickClient(); client != nil {
			err := client.SendRequest(req)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrRequestCanceled) || errors.Is(err, errRequestAlreadyQueued) {
				return err
			}
			logSchedf("Direct dispatch to %s failed, queueing request (%v)", pipeline.address, err)
		}
	}

	err := pipeline.queue.Push(req, maxItems)
	if errors.Is(err, errQueueClosed) {
		return errPipelineClosed
	} else if err != nil {
		return err
	}

	pipeline.wakeClients()
	return nil
}

// RequeueRequest queues a request without applying the queue bound, it is used for
// requests which were already accepted once.
func (pipeline *memdPipeline) RequeueRequest(req *memdQRequest) error {
	return pipeline.sendRequest(req, -1)
}

func (pipeline *memdPipeline) SendRequest(req *memdQRequest) error {
	return pipeline.sendRequest(req, pipeline.maxItems)
}

func (pipeline *memdPipeline) stopScaler() {
	pipeline.scalerOnce.Do(func() {
		close(pipeline.scalerStop)
	})
}

// Takeover performs a takeover of another pipeline.  Note that this does not
// take over the requests queued in the old pipeline, and those must
// be drained and processed separately.
func (pipeline *memdPipeline) Takeover(oldPipeline *memdPipeline) {
	if oldPipeline.address != pipeline.address {
		logErrorf("Attempted pipeline takeover for differing address")

		// Resolve everything as an internal error rather than losing requests.
		err := oldPipeline.Close()
		if err != nil {
			logDebugf("Failed to shutdown old pipeline (%s)", err)
		}

		oldPipeline.Drain(func(req *memdQRequest) {
			req.tryCallback(nil, ErrCliInternalError)
		})

		return
	}

	oldPipeline.stopScaler()

	// Migrate all the clients to the new pipeline
	oldPipeline.clientsLock.Lock()
	clients := oldPipeline.clients
	oldPipeline.clients = nil
	oldPipeline.clientsLock.Unlock()

	pipeline.clientsLock.Lock()
	pipeline.clients = clients
	pipeline.clientsConnected.Store(oldPipeline.clientsConnected.Load())
	for _, client := range pipeline.clients {
		client.ReassignTo(pipeline)
	}
	pipeline.clientsLock.Unlock()

	// Closing the old queue blocks writers routing with an out of date config.
	oldPipeline.queue.Close()
}

func (pipeline *memdPipeline) Close() error {
	pipeline.stopScaler()

	pipeline.clientsLock.Lock()
	clients := pipeline.clients
	pipeline.clients = nil
	pipeline.clientsLock.Unlock()

	for _, pipecli := range clients {
		pipecli.Close()
	}

	// Kill the queue, forcing everyone to stop
	pipeline.queue.Close()

	return nil
}

func (pipeline *memdPipeline) Drain(cb func(*memdQRequest)) {
	pipeline.queue.Drain(cb)
}
