package gocbnet

import (
	"io"
	"sync"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

// scriptedMemdConn never answers, each write reports whatever writeFn returns.
type scriptedMemdConn struct {
	writeFn func(pkt *memd.Packet) (int, error)

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedMemdConn(writeFn func(pkt *memd.Packet) (int, error)) *scriptedMemdConn {
	return &scriptedMemdConn{
		writeFn: writeFn,
		closed:  make(chan struct{}),
	}
}

func (c *scriptedMemdConn) LocalAddr() string  { return "127.0.0.1:50000" }
func (c *scriptedMemdConn) RemoteAddr() string { return "10.0.0.1:11210" }

func (c *scriptedMemdConn) WritePacketN(pkt *memd.Packet) (int, error) {
	return c.writeFn(pkt)
}

func (c *scriptedMemdConn) ReadPacket() (*memd.Packet, int, error) {
	<-c.closed
	return nil, 0, io.EOF
}

func (c *scriptedMemdConn) EnableFeature(memd.HelloFeature) {}

func (c *scriptedMemdConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (suite *UnitTestSuite) newScriptedMemdClient(maxOutstanding int, conn memdConn,
	tombstones *memdOpTombstoneStore) *memdClient {
	client := newMemdClient(memdClientProps{ClientID: "test", MaxOutstanding: maxOutstanding}, conn,
		func(_ *memdQResponse, _ *memdQRequest, err error) (bool, error) {
			return false, err
		}, nil, nil, tombstones)
	suite.T().Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func newScriptedSetRequest(key string) *memdQRequest {
	return &memdQRequest{
		Packet: memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdSet,
			Key:     []byte(key),
			Value:   []byte("v"),
			Extras:  make([]byte, 8),
		},
		opKind:        kvOpUpsert,
		Callback:      func(*memdQResponse, *memdQRequest, error) {},
		RetryStrategy: newFailFastRetryStrategy(),
		dispatchTime:  time.Now(),
	}
}

func (suite *UnitTestSuite) TestMemdClientMarksRequestSentBeforeWrite() {
	req := newScriptedSetRequest("early")

	var writtenDuringWrite bool
	conn := newScriptedMemdConn(func(pkt *memd.Packet) (int, error) {
		writtenDuringWrite = req.written.Load()
		return 24 + len(pkt.Key) + len(pkt.Value) + len(pkt.Extras), nil
	})
	client := suite.newScriptedMemdClient(0, conn, nil)

	suite.Require().NoError(client.SendRequest(req))
	suite.Assert().True(writtenDuringWrite)
	suite.Assert().True(req.written.Load())
	suite.Assert().Equal(1, client.Outstanding())
}

func (suite *UnitTestSuite) TestMemdClientWriteFailureBeforeAnyBytes() {
	tombstones := newMemdOpTombstoneStore(time.Minute, 10, nil)
	conn := newScriptedMemdConn(func(*memd.Packet) (int, error) {
		return 0, io.ErrClosedPipe
	})
	client := suite.newScriptedMemdClient(0, conn, tombstones)

	req := newScriptedSetRequest("unsent")
	err := client.SendRequest(req)
	suite.Require().ErrorIs(err, io.ErrClosedPipe)

	suite.Assert().False(req.written.Load())
	suite.Assert().Zero(client.Outstanding())
	suite.Assert().Zero(tombstones.Len())
}

func (suite *UnitTestSuite) TestMemdClientPartialWriteCountsAsSent() {
	tombstones := newMemdOpTombstoneStore(time.Minute, 10, nil)
	conn := newScriptedMemdConn(func(*memd.Packet) (int, error) {
		return 10, io.ErrShortWrite
	})
	client := suite.newScriptedMemdClient(0, conn, tombstones)

	req := newScriptedSetRequest("partial")
	err := client.SendRequest(req)
	suite.Require().ErrorIs(err, io.ErrShortWrite)

	suite.Assert().True(req.written.Load())
	suite.Assert().Zero(client.Outstanding())
	suite.Assert().Equal(1, tombstones.Len())
	suite.Assert().NotNil(tombstones.FindAndRemove(client.ConnID(), req.Opaque))
}

func (suite *UnitTestSuite) TestMemdClientHasCapacity() {
	conn := newScriptedMemdConn(func(pkt *memd.Packet) (int, error) {
		return 24 + len(pkt.Key) + len(pkt.Value) + len(pkt.Extras), nil
	})
	client := suite.newScriptedMemdClient(2, conn, nil)

	first := newScriptedSetRequest("a")
	second := newScriptedSetRequest("b")
	suite.Require().NoError(client.SendRequest(first))
	suite.Assert().True(client.HasCapacity())
	suite.Require().NoError(client.SendRequest(second))
	suite.Assert().False(client.HasCapacity())

	third := newScriptedSetRequest("c")
	suite.Assert().ErrorIs(client.SendRequest(third), errMemdClientBusy)
	suite.Assert().Nil(third.waitingIn.Load())

	// Handshake traffic bypasses the cap.
	hello := newScriptedSetRequest("hello")
	hello.opKind = kvOpBootstrap
	suite.Require().NoError(client.SendRequest(hello))
	suite.Assert().Equal(3, client.Outstanding())
	suite.Require().True(client.CancelRequest(hello, ErrRequestCanceled))

	select {
	case <-client.SlotFreed():
	default:
	}

	suite.Require().True(client.CancelRequest(first, ErrRequestCanceled))
	select {
	case <-client.SlotFreed():
	case <-time.After(time.Second):
		suite.T().Fatalf("no slot freed signal after cancelling a request")
	}
	suite.Assert().True(client.HasCapacity())
	suite.Assert().NoError(client.SendRequest(third))
}
