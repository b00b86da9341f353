package gocbnet

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

func acceptAllWrites(pkt *memd.Packet) (int, error) {
	return 24 + len(pkt.Key) + len(pkt.Value) + len(pkt.Extras), nil
}

func fixedReconnect(d time.Duration) BackoffCalculator {
	return func(uint32) time.Duration {
		return d
	}
}

func (suite *UnitTestSuite) scriptedClientFn(maxOutstanding int, writeFn func(*memd.Packet) (int, error),
	dials *atomic.Int32) memdGetClientFn {
	return func(<-chan struct{}) (*memdClient, error) {
		if dials != nil {
			dials.Add(1)
		}
		return suite.newScriptedMemdClient(maxOutstanding, newScriptedMemdConn(writeFn), nil), nil
	}
}

func blockingClientFn(cancelSig <-chan struct{}) (*memdClient, error) {
	<-cancelSig
	return nil, errors.New("connect cancelled")
}

func (suite *UnitTestSuite) TestPipelinePickClient() {
	pipeline := newPipeline(&newMemdPipelineOptions{
		address:    "10.0.0.1:11210",
		minClients: 3,
		maxClients: 3,
	})

	var memdClients []*memdClient
	for i := 0; i < 3; i++ {
		pipecli := newMemdPipelineClient(pipeline, &newMemdPipelineClientOptions{})
		client := suite.newScriptedMemdClient(2, newScriptedMemdConn(acceptAllWrites), nil)
		pipecli.client = client
		pipeline.clients = append(pipeline.clients, pipecli)
		memdClients = append(memdClients, client)
	}

	// The first client is busy, the other two tie.
	suite.Require().NoError(memdClients[0].SendRequest(newScriptedSetRequest("a")))

	picked := make(map[*memdClient]int)
	for i := 0; i < 6; i++ {
		picked[pipeline.pickClient()]++
	}
	suite.Assert().Zero(picked[memdClients[0]])
	suite.Assert().Positive(picked[memdClients[1]])
	suite.Assert().Positive(picked[memdClients[2]])

	// A full client is never picked even when it is the only one connected.
	suite.Require().NoError(memdClients[0].SendRequest(newScriptedSetRequest("b")))
	pipeline.clients[1].client = nil
	pipeline.clients[2].client = nil
	suite.Assert().Nil(pipeline.pickClient())

	pipeline.clients[2].client = memdClients[2]
	for i := 0; i < 3; i++ {
		suite.Assert().Same(memdClients[2], pipeline.pickClient())
	}
}

func (suite *UnitTestSuite) TestPipelineScaleTickGrows() {
	pipeline := newPipeline(&newMemdPipelineOptions{
		address:     "10.0.0.1:11210",
		minClients:  1,
		maxClients:  3,
		getClientFn: blockingClientFn,
		reconnect:   fixedReconnect(time.Millisecond),
	})
	pipeline.StartClients()
	defer func() {
		suite.Assert().NoError(pipeline.Close())
	}()
	suite.Require().Len(pipeline.Clients(), 1)

	suite.Require().NoError(pipeline.queue.Push(newScriptedSetRequest("queued"), -1))

	pipeline.scaleTick()
	suite.Assert().Len(pipeline.Clients(), 1, "a single busy tick should not grow the pipeline")

	pipeline.scaleTick()
	suite.Assert().Len(pipeline.Clients(), 2)

	pipeline.scaleTick()
	pipeline.scaleTick()
	suite.Assert().Len(pipeline.Clients(), 3)

	pipeline.scaleTick()
	pipeline.scaleTick()
	suite.Assert().Len(pipeline.Clients(), 3, "the pipeline must not grow past maxClients")
}

func (suite *UnitTestSuite) TestPipelineScaleTickRetiresIdleClients() {
	pipeline := newPipeline(&newMemdPipelineOptions{
		address:     "10.0.0.1:11210",
		minClients:  1,
		maxClients:  3,
		idleTimeout: 20 * time.Millisecond,
		getClientFn: suite.scriptedClientFn(0, acceptAllWrites, nil),
		reconnect:   fixedReconnect(time.Millisecond),
	})
	defer func() {
		suite.Assert().NoError(pipeline.Close())
	}()

	pipeline.clientsLock.Lock()
	for i := 0; i < 3; i++ {
		pipeline.startClientLocked()
	}
	pipeline.clientsLock.Unlock()

	all := pipeline.Clients()
	suite.Require().Eventually(func() bool {
		for _, cli := range all {
			if cli.State() != EndpointStateConnected {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	suite.Require().Eventually(func() bool {
		pipeline.scaleTick()
		return len(pipeline.Clients()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	pipeline.scaleTick()
	pipeline.scaleTick()
	remaining := pipeline.Clients()
	suite.Require().Len(remaining, 1, "the pipeline must not shrink below minClients")

	for _, cli := range all {
		if cli == remaining[0] {
			suite.Assert().Equal(EndpointStateConnected, cli.State())
			continue
		}
		suite.Assert().Equal(EndpointStateDisconnected, cli.State())
	}
}

func (suite *UnitTestSuite) TestPipelineScaleTickKeepsBusyClients() {
	pipeline := newPipeline(&newMemdPipelineOptions{
		address:     "10.0.0.1:11210",
		minClients:  1,
		maxClients:  2,
		idleTimeout: time.Millisecond,
		getClientFn: suite.scriptedClientFn(0, acceptAllWrites, nil),
		reconnect:   fixedReconnect(time.Millisecond),
	})
	defer func() {
		suite.Assert().NoError(pipeline.Close())
	}()

	pipeline.clientsLock.Lock()
	pipeline.startClientLocked()
	pipeline.startClientLocked()
	pipeline.clientsLock.Unlock()

	all := pipeline.Clients()
	suite.Require().Eventually(func() bool {
		return all[0].connectedClient() != nil && all[1].connectedClient() != nil
	}, 5*time.Second, 5*time.Millisecond)

	for _, cli := range all {
		suite.Require().NoError(cli.connectedClient().SendRequest(newScriptedSetRequest("inflight")))
	}

	time.Sleep(10 * time.Millisecond)
	pipeline.scaleTick()
	suite.Assert().Len(pipeline.Clients(), 2)
}

func (suite *UnitTestSuite) TestPipelineClientKeepaliveFailureReconnects() {
	var dials, noops atomic.Int32
	writeFn := func(pkt *memd.Packet) (int, error) {
		if pkt.Command == memd.CmdNoop {
			noops.Add(1)
		}
		return acceptAllWrites(pkt)
	}

	pipeline := newPipeline(&newMemdPipelineOptions{
		address:      "10.0.0.1:11210",
		minClients:   1,
		maxClients:   1,
		noopInterval: 20 * time.Millisecond,
		noopTimeout:  20 * time.Millisecond,
		getClientFn:  suite.scriptedClientFn(0, writeFn, &dials),
		reconnect:    fixedReconnect(time.Millisecond),
	})
	pipeline.StartClients()
	defer func() {
		suite.Assert().NoError(pipeline.Close())
	}()

	// The connection never answers, so every keepalive times out.
	suite.Require().Eventually(func() bool {
		return dials.Load() >= 2 && noops.Load() >= 1
	}, 5*time.Second, 5*time.Millisecond)
}

func (suite *UnitTestSuite) TestPipelineClientKeepaliveSkipsActiveConnections() {
	var noops atomic.Int32
	conn := newScriptedMemdConn(func(pkt *memd.Packet) (int, error) {
		if pkt.Command == memd.CmdNoop {
			noops.Add(1)
		}
		return acceptAllWrites(pkt)
	})
	client := suite.newScriptedMemdClient(0, conn, nil)

	pipeline := newPipeline(&newMemdPipelineOptions{address: "10.0.0.1:11210"})
	pipecli := newMemdPipelineClient(pipeline, &newMemdPipelineClientOptions{
		noopInterval: time.Hour,
	})

	pipecli.maybeSendNoop(client)
	suite.Assert().Zero(noops.Load())
	suite.Assert().False(pipecli.noopInFlight.Load())
}

func (suite *UnitTestSuite) TestPipelineClientStateMachine() {
	var dials atomic.Int32
	conns := make(chan *scriptedMemdConn, 4)

	var backoffLock sync.Mutex
	var backoffAttempts []uint32

	var watched atomic.Pointer[memdPipelineClient]
	connected := make(chan struct{}, 4)
	disconnectStates := make(chan EndpointState, 4)

	pipeline := newPipeline(&newMemdPipelineOptions{
		address:    "10.0.0.1:11210",
		minClients: 1,
		maxClients: 1,
		getClientFn: func(<-chan struct{}) (*memdClient, error) {
			if dials.Add(1) <= 2 {
				return nil, errors.New("connection refused")
			}
			conn := newScriptedMemdConn(acceptAllWrites)
			conns <- conn
			return suite.newScriptedMemdClient(0, conn, nil), nil
		},
		reconnect: func(attempts uint32) time.Duration {
			backoffLock.Lock()
			backoffAttempts = append(backoffAttempts, attempts)
			backoffLock.Unlock()
			return 5 * time.Millisecond
		},
		onPipelineConnected: func() {
			connected <- struct{}{}
		},
		onPipelineDisconnected: func() {
			if cli := watched.Load(); cli != nil {
				disconnectStates <- cli.State()
			}
		},
	})
	pipeline.StartClients()
	pipecli := pipeline.Clients()[0]
	watched.Store(pipecli)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		suite.T().Fatalf("pipeline client never connected")
	}
	suite.Assert().Equal(EndpointStateConnected, pipecli.State())
	suite.Assert().Equal(int32(3), dials.Load())

	backoffLock.Lock()
	suite.Assert().Equal([]uint32{0, 1}, backoffAttempts)
	backoffLock.Unlock()

	// Drop the connection from underneath the client.
	conn := <-conns
	suite.Require().NoError(conn.Close())

	select {
	case state := <-disconnectStates:
		suite.Assert().Equal(EndpointStateDisconnecting, state)
	case <-time.After(5 * time.Second):
		suite.T().Fatalf("lost connection was never reported")
	}

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		suite.T().Fatalf("pipeline client never reconnected")
	}
	suite.Assert().Equal(int32(4), dials.Load())

	backoffLock.Lock()
	suite.Assert().Len(backoffAttempts, 2, "a successful connect resets the backoff")
	backoffLock.Unlock()

	suite.Require().NoError(pipeline.Close())
	suite.Assert().Equal(EndpointStateDisconnected, pipecli.State())

	select {
	case state := <-disconnectStates:
		suite.Assert().Equal(EndpointStateDisconnecting, state)
	default:
		suite.T().Fatalf("close was not reported as a disconnect")
	}
}
