package gocbnet

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

type newMemdPipelineClientOptions struct {
	reconnect    BackoffCalculator
	noopInterval time.Duration
	noopTimeout  time.Duration
}

// memdPipelineClient owns a single connection slot of a pipeline. It keeps the
// slot connected, reconnecting with backoff, and pulls queued requests onto the
// connection whenever it has free capacity.
type memdPipelineClient struct {
	parent    *memdPipeline
	address   string
	client    *memdClient
	lock      sync.Mutex
	closeSig  chan struct{}
	closeOnce sync.Once
	doneSig   chan struct{}
	wakeCh    chan struct{}
	state     atomic.Uint32

	noopInFlight atomic.Bool
	opts         newMemdPipelineClientOptions
}

func newMemdPipelineClient(parent *memdPipeline, opts *newMemdPipelineClientOptions) *memdPipelineClient {
	pipecli := &memdPipelineClient{
		parent:   parent,
		address:  parent.address,
		closeSig: make(chan struct{}),
		doneSig:  make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
		opts:     *opts,
	}
	pipecli.state.Store(uint32(EndpointStateDisconnected))

	return pipecli
}

func (pipecli *memdPipelineClient) State() EndpointState {
	return EndpointState(pipecli.state.Load())
}

func (pipecli *memdPipelineClient) setState(state EndpointState) {
	pipecli.state.Store(uint32(state))
}

func (pipecli *memdPipelineClient) Address() string {
	return pipecli.address
}

// connectedClient returns the live connection, or nil while (re)connecting.
func (pipecli *memdPipelineClient) connectedClient() *memdClient {
	pipecli.lock.Lock()
	defer pipecli.lock.Unlock()
	return pipecli.client
}

func (pipecli *memdPipelineClient) ConnID() string {
	client := pipecli.connectedClient()
	if client == nil {
		return ""
	}
	return client.ConnID()
}

func (pipecli *memdPipelineClient) LocalAddress() string {
	client := pipecli.connectedClient()
	if client == nil {
		return ""
	}
	return client.LocalAddress()
}

func (pipecli *memdPipelineClient) LastActivity() time.Time {
	client := pipecli.connectedClient()
	if client == nil {
		return time.Time{}
	}
	return time.Now().Add(-client.IdleFor())
}

func (pipecli *memdPipelineClient) SupportsFeature(feature memd.HelloFeature) bool {
	client := pipecli.connectedClient()
	if client == nil {
		return false
	}
	return client.SupportsFeature(feature)
}

// IsIdle reports whether the slot is connected, has nothing in flight and has
// not seen traffic for at least d.
func (pipecli *memdPipelineClient) IsIdle(d time.Duration) bool {
	client := pipecli.connectedClient()
	if client == nil {
		return false
	}
	return client.Outstanding() == 0 && client.IdleFor() >= d
}

// Wake prompts the client to check the queue.
func (pipecli *memdPipelineClient) Wake() {
	select {
	case pipecli.wakeCh <- struct{}{}:
	default:
	}
}

func (pipecli *memdPipelineClient) ReassignTo(parent *memdPipeline) {
	pipecli.lock.Lock()
	pipecli.parent = parent
	pipecli.lock.Unlock()

	pipecli.Wake()
}

func (pipecli *memdPipelineClient) currentParent() *memdPipeline {
	pipecli.lock.Lock()
	defer pipecli.lock.Unlock()
	return pipecli.parent
}

func (pipecli *memdPipelineClient) isClosed() bool {
	select {
	case <-pipecli.closeSig:
		return true
	default:
		return false
	}
}

// Run keeps the slot connected until Close is called.
func (pipecli *memdPipelineClient) Run() {
	defer close(pipecli.doneSig)

	var attempts uint32
	for {
		if pipecli.isClosed() {
			pipecli.setState(EndpointStateDisconnected)
			return
		}

		pipecli.setState(EndpointStateConnecting)

		parent := pipecli.currentParent()
		logDebugf("Pipeline client `%s/%p` connecting", pipecli.address, pipecli)
		client, err := parent.getClientFn(pipecli.closeSig)
		if err != nil {
			if pipecli.isClosed() {
				pipecli.setState(EndpointStateDisconnected)
				return
			}

			waitTime := pipecli.opts.reconnect(attempts)
			attempts++
			logDebugf("Pipeline client `%s/%p` failed to connect (%v), retrying in %s", pipecli.address, pipecli, err, waitTime)

			pipecli.setState(EndpointStateDisconnected)
			timer := AcquireTimer(waitTime)
			select {
			case <-timer.C:
				ReleaseTimer(timer, true)
			case <-pipecli.closeSig:
				ReleaseTimer(timer, false)
				return
			}
			continue
		}
		attempts = 0

		pipecli.lock.Lock()
		pipecli.client = client
		pipecli.lock.Unlock()

		pipecli.setState(EndpointStateConnected)
		logDebugf("Pipeline client `%s/%p` connected as %s", pipecli.address, pipecli, client.ConnID())
		pipecli.currentParent().onClientConnected()

		pipecli.ioLoop(client)

		pipecli.setState(EndpointStateDisconnecting)
		pipecli.currentParent().onClientDisconnected()

		pipecli.lock.Lock()
		pipecli.client = nil
		pipecli.lock.Unlock()

		pipecli.setState(EndpointStateDisconnected)
	}
}

// pump writes queued requests to the client while it has capacity. It returns
// false once the client can no longer be written to.
func (pipecli *memdPipelineClient) pump(client *memdClient) bool {
	for client.HasCapacity() {
		parent := pipecli.currentParent()
		req := parent.queue.TryPop()
		if req == nil {
			return true
		}

		err := client.SendRequest(req)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, ErrRequestCanceled):
			// Already completed by whoever cancelled it.
		case errors.Is(err, errRequestAlreadyQueued):
			logWarnf("Popped request %s which is already dispatched elsewhere", req.Identifier())
		case errors.Is(err, errMemdClientBusy):
			if requeueErr := parent.RequeueRequest(req); requeueErr != nil {
				req.tryCallback(nil, requeueErr)
			}
			return true
		default:
			logDebugf("Pipeline client `%s/%p` failed to write request (%v)", pipecli.address, pipecli, err)
			req.prepareForResend()
			if requeueErr := parent.RequeueRequest(req); requeueErr != nil {
				req.tryCallback(nil, requeueErr)
			}
			return false
		}
	}

	return true
}

func (pipecli *memdPipelineClient) ioLoop(client *memdClient) {
	var noopC <-chan time.Time
	if pipecli.opts.noopInterval > 0 {
		ticker := time.NewTicker(pipecli.opts.noopInterval)
		defer ticker.Stop()
		noopC = ticker.C
	}

	for {
		if !pipecli.pump(client) {
			pipecli.setState(EndpointStateDisconnecting)
			if err := client.Close(); err != nil {
				logDebugf("Failed to close client after write failure (%v)", err)
			}
			<-client.CloseNotify()
			return
		}

		select {
		case <-client.SlotFreed():
		case <-pipecli.wakeCh:
		case <-noopC:
			pipecli.maybeSendNoop(client)
		case <-client.CloseNotify():
			pipecli.setState(EndpointStateDisconnecting)
			logDebugf("Pipeline client `%s/%p` lost its connection", pipecli.address, pipecli)
			return
		case <-pipecli.closeSig:
			pipecli.setState(EndpointStateDisconnecting)
			if err := client.Close(); err != nil {
				logDebugf("Failed to close client (%v)", err)
			}
			<-client.CloseNotify()
			return
		}
	}
}

// maybeSendNoop pings a connection which has been silent for a full keepalive
// interval. A failed keepalive closes the connection and the slot reconnects.
func (pipecli *memdPipelineClient) maybeSendNoop(client *memdClient) {
	if client.IdleFor() < pipecli.opts.noopInterval {
		return
	}
	if !pipecli.noopInFlight.CompareAndSwap(false, true) {
		return
	}

	timeout := pipecli.opts.noopTimeout
	if timeout <= 0 {
		timeout = pipecli.opts.noopInterval
	}

	go func() {
		defer pipecli.noopInFlight.Store(false)

		err := client.sendNoop(timeout)
		if err != nil {
			logWarnf("Keepalive to %s failed, closing connection %s (%v)", client.Address(), client.ConnID(), err)
			if closeErr := client.Close(); closeErr != nil {
				logDebugf("Failed to close client (%v)", closeErr)
			}
		}
	}()
}

// Close stops the slot and waits for its connection to shut down.
func (pipecli *memdPipelineClient) Close() {
	pipecli.closeOnce.Do(func() {
		close(pipecli.closeSig)
	})
	<-pipecli.doneSig
}
