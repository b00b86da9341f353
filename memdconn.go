package gocbnet

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

type memdConn interface {
	LocalAddr() string
	RemoteAddr() string
	WritePacketN(*memd.Packet) (int, error)
	ReadPacket() (*memd.Packet, int, error)
	EnableFeature(memd.HelloFeature)
	Close() error
}

type memdStreamConn struct {
	conn       net.Conn
	memdConn   *memd.Conn
	writeLock  sync.Mutex
	localAddr  string
	remoteAddr string
}

// bufferedStream reads through a buffer but writes straight to the socket, writes are
// already framed into a single buffer by the codec.
type bufferedStream struct {
	*bufio.Reader
	io.Writer
}

func dialMemdConn(ctx context.Context, address string, tlsConfig *tls.Config, deadline time.Time) (memdConn, error) {
	d := net.Dialer{
		Deadline: deadline,
	}

	baseConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := baseConn.(*net.TCPConn); ok {
		err = tcpConn.SetNoDelay(true)
		if err != nil {
			logWarnf("Failed to disable Nagle for %s: %v", address, err)
		}
	}

	if tlsConfig == nil {
		return newMemdStreamConn(baseConn), nil
	}

	tlsConn := tls.Client(baseConn, tlsConfig)
	handshakeCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	err = tlsConn.HandshakeContext(handshakeCtx)
	if err != nil {
		_ = baseConn.Close()
		return nil, err
	}

	return newMemdStreamConn(tlsConn), nil
}

func newMemdStreamConn(conn net.Conn) *memdStreamConn {
	stream := bufferedStream{
		Reader: bufio.NewReader(conn),
		Writer: conn,
	}

	return &memdStreamConn{
		conn:       conn,
		memdConn:   memd.NewConn(stream),
		localAddr:  conn.LocalAddr().String(),
		remoteAddr: conn.RemoteAddr().String(),
	}
}

func (s *memdStreamConn) LocalAddr() string {
	return s.localAddr
}

func (s *memdStreamConn) RemoteAddr() string {
	return s.remoteAddr
}

func (s *memdStreamConn) WritePacketN(pkt *memd.Packet) (int, error) {
	s.writeLock.Lock()
	n, err := s.memdConn.WritePacketN(pkt)
	s.writeLock.Unlock()
	return n, err
}

func (s *memdStreamConn) ReadPacket() (*memd.Packet, int, error) {
	return s.memdConn.ReadPacket()
}

func (s *memdStreamConn) EnableFeature(feature memd.HelloFeature) {
	s.memdConn.EnableFeature(feature)
}

func (s *memdStreamConn) Close() error {
	return s.conn.Close()
}
