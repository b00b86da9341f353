package gocbnet

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/couchbaselabs/gocbnet/memd"
)

func isCompressibleOp(command memd.CmdCode) bool {
	switch command {
	case memd.CmdSet, memd.CmdAdd, memd.CmdReplace, memd.CmdAppend, memd.CmdPrepend:
		return true
	}
	return false
}

type postCompleteErrorHandler func(resp *memdQResponse, req *memdQRequest, err error) (bool, error)

// clusterMapChangeHandler receives server pushed cluster map notifications. The
// config may be empty, in which case only the revision is known.
type clusterMapChangeHandler func(bucket string, revEpoch, revID int64, config []byte, sourceHost string)

type memdClient struct {
	lastActivity atomic.Int64
	closeNotify  chan bool
	slotFreed    chan struct{}
	connID       string
	closed       bool
	conn         memdConn
	opList       *memdOpMap
	features     []memd.HelloFeature
	lock         sync.Mutex

	postErrHandler   postCompleteErrorHandler
	clusterMapNotify clusterMapChangeHandler
	tracer           *tracerComponent
	orphanReporter   *orphanReporterComponent
	tombstones       *memdOpTombstoneStore

	maxOutstanding       int
	compressionMinSize   int
	compressionMinRatio  float64
	disableDecompression bool
}

type memdClientProps struct {
	ClientID string

	MaxOutstanding       int
	CompressionMinSize   int
	CompressionMinRatio  float64
	DisableDecompression bool

	ClusterMapNotify clusterMapChangeHandler
}

func newMemdClient(props memdClientProps, conn memdConn, postErrHandler postCompleteErrorHandler,
	tracer *tracerComponent, orphanReporter *orphanReporterComponent, tombstones *memdOpTombstoneStore) *memdClient {
	client := &memdClient{
		conn:           conn,
		closeNotify:    make(chan bool),
		slotFreed:      make(chan struct{}, 1),
		connID:         props.ClientID + "/" + uuid.NewString(),
		opList:         newMemdOpMap(),
		postErrHandler: postErrHandler,
		tracer:         tracer,
		orphanReporter: orphanReporter,
		tombstones:     tombstones,

		clusterMapNotify: props.ClusterMapNotify,

		maxOutstanding:       props.MaxOutstanding,
		compressionMinRatio:  props.CompressionMinRatio,
		compressionMinSize:   props.CompressionMinSize,
		disableDecompression: props.DisableDecompression,
	}
	client.lastActivity.Store(time.Now().UnixNano())

	client.run()
	return client
}

func (client *memdClient) SupportsFeature(feature memd.HelloFeature) bool {
	return checkSupportsFeature(client.features, feature)
}

func (client *memdClient) Address() string {
	return client.conn.RemoteAddr()
}

func (client *memdClient) LocalAddress() string {
	return client.conn.LocalAddr()
}

func (client *memdClient) ConnID() string {
	return client.connID
}

func (client *memdClient) CloseNotify() chan bool {
	return client.closeNotify
}

// SlotFreed signals whenever an in-flight request leaves the client.
func (client *memdClient) SlotFreed() <-chan struct{} {
	return client.slotFreed
}

// Outstanding returns the number of requests awaiting a response.
func (client *memdClient) Outstanding() int {
	return client.opList.Len()
}

// HasCapacity reports whether another request may be written.
func (client *memdClient) HasCapacity() bool {
	return client.maxOutstanding <= 0 || client.opList.Len() < client.maxOutstanding
}

// IdleFor returns how long it has been since anything was read from or written to the socket.
func (client *memdClient) IdleFor() time.Duration {
	return time.Since(time.Unix(0, client.lastActivity.Load()))
}

func (client *memdClient) notifySlotFreed() {
	select {
	case client.slotFreed <- struct{}{}:
	default:
	}
}

func (client *memdClient) takeRequestOwnership(req *memdQRequest) error {
	client.lock.Lock()
	defer client.lock.Unlock()

	if client.closed {
		logDebugf("Attempted to put dispatched op in drained opmap")
		return ErrMemdClientClosed
	}

	// Handshake requests are pipelined ahead of any traffic and never count against capacity.
	if req.opKind != kvOpBootstrap && !client.HasCapacity() {
		return errMemdClientBusy
	}

	if !req.waitingIn.CompareAndSwap(nil, client) {
		logDebugf("Attempted to put dispatched op in new opmap")
		return errRequestAlreadyQueued
	}

	if req.isCancelled() {
		req.waitingIn.CompareAndSwap(client, nil)
		return ErrRequestCanceled
	}

	if !client.opList.Add(req) {
		req.waitingIn.CompareAndSwap(client, nil)
		return errMemdClientBusy
	}

	req.setLastDispatch(client.Address(), client.LocalAddress(), client.connID)
	return nil
}

// CancelRequest removes a request from the client. A request which already
// reached the socket leaves a tombstone so a late response can be reported.
func (client *memdClient) CancelRequest(req *memdQRequest, err error) bool {
	client.lock.Lock()
	if client.closed {
		client.lock.Unlock()
		logDebugf("Attempted to remove op from drained opmap")
		return false
	}

	removed := client.opList.Remove(req)
	client.lock.Unlock()

	if !removed {
		return false
	}

	req.waitingIn.CompareAndSwap(client, nil)

	if req.written.Load() && client.tombstones != nil {
		client.tombstones.Add(client.connID, req.Opaque, &memdOpTombstone{
			dispatchTime:    req.dispatchTime,
			lastAttemptTime: time.Now(),
			isDurable:       req.DurabilityLevelFrame != nil,
			command:         req.Command,
		})
	}

	client.notifySlotFreed()
	return true
}

func (client *memdClient) SendRequest(req *memdQRequest) error {
	err := client.takeRequestOwnership(req)
	if err != nil {
		return err
	}

	packet := &req.Packet
	if client.SupportsFeature(memd.FeatureSnappy) {
		isCompressed := (packet.Datatype & uint8(memd.DatatypeFlagCompressed)) != 0
		packetSize := len(packet.Value)
		if !isCompressed && packetSize > client.compressionMinSize && isCompressibleOp(packet.Command) {
			compressedValue := snappy.Encode(nil, packet.Value)
			if float64(len(compressedValue))/float64(packetSize) <= client.compressionMinRatio {
				newPacket := *packet
				newPacket.Value = compressedValue
				newPacket.Datatype = newPacket.Datatype | uint8(memd.DatatypeFlagCompressed)
				packet = &newPacket
			}
		}
	}

	logSchedf("Writing request. %s to %s OP=0x%x. Opaque=%d", client.LocalAddress(), client.Address(), req.Command, req.Opaque)

	if client.tracer != nil {
		client.tracer.StartNetTrace(req)
	}

	// The response can race the return from the write, so the request counts as
	// sent from the moment any byte could have left.
	req.written.Store(true)
	n, err := client.conn.WritePacketN(packet)
	if err != nil {
		if n == 0 {
			req.written.Store(false)
		}
		logDebugf("memdClient write failure: %v", err)
		client.CancelRequest(req, err)
		return err
	}

	client.lastActivity.Store(time.Now().UnixNano())

	return nil
}

func (client *memdClient) resolveRequest(resp *memdQResponse) {
	logSchedf("Handling response data. OP=0x%x. Opaque=%d. Status:%d", resp.Command, resp.Opaque, resp.Status)

	if resp.Magic == memd.CmdMagicServerReq {
		client.handleServerRequest(resp)
		return
	}

	// Persistent requests stay in the map until they see a non-success status.
	req := client.opList.Find(resp.Opaque)
	lookup := memdOpLookupFound
	if req == nil || !req.Persistent || resp.Status != memd.StatusSuccess {
		req, lookup = client.opList.FindAndRemove(resp.Opaque)
		if req != nil {
			req.waitingIn.CompareAndSwap(client, nil)
			client.notifySlotFreed()
		}
	}

	if req == nil {
		var tombstone *memdOpTombstone
		if client.tombstones != nil {
			tombstone = client.tombstones.FindAndRemove(client.connID, resp.Opaque)
		}

		kind := orphanKindUnknown
		if tombstone != nil {
			kind = orphanKindCancelled
		} else if lookup == memdOpLookupStale {
			kind = orphanKindStale
		}

		logDebugf("Received %s response with no corresponding request. OP=0x%x. Opaque=0x%x", kind, resp.Command, resp.Opaque)
		if client.orphanReporter != nil {
			client.orphanReporter.RecordOrphanResponse(tombstone, kind, resp, client.connID, client.LocalAddress(), client.Address())
		}
		return
	}

	isFinal := !req.Persistent || resp.Status != memd.StatusSuccess

	req.processingLock.Lock()

	if isFinal {
		stopNetTraceLocked(req, resp, client.LocalAddress(), client.Address())
	}

	isCompressed := (resp.Datatype & uint8(memd.DatatypeFlagCompressed)) != 0
	if isCompressed && !client.disableDecompression {
		newValue, err := snappy.Decode(nil, resp.Value)
		if err != nil {
			req.processingLock.Unlock()
			logDebugf("Failed to decompress value from the server for key `%s`.", redactUserDataIfEnabled(string(req.Key)))
			req.tryCallback(nil, wrapError(ErrProtocol, "invalid snappy payload"))
			return
		}

		resp.Value = newValue
		resp.Datatype = resp.Datatype & ^uint8(memd.DatatypeFlagCompressed)
	}

	var err error
	if resp.Status != memd.StatusSuccess {
		err = getKvStatusCodeError(resp.Status)
	}

	if isFinal {
		stopCmdTraceLocked(req)
	}

	req.processingLock.Unlock()

	if !isFinal {
		if !req.isCancelled() {
			req.Callback(resp, req, nil)
		}
		return
	}

	if err != nil {
		shortCircuited, routeErr := client.postErrHandler(resp, req, err)
		if shortCircuited {
			logSchedf("Routing callback intercepted response")
			return
		}
		err = routeErr
	}

	logSchedf("Dispatching response callback. OP=0x%x. Opaque=%d", resp.Command, resp.Opaque)
	req.tryCallback(resp, err)
}

func (client *memdClient) handleServerRequest(resp *memdQResponse) {
	if resp.Command != memd.CmdClustermapChangeNotification {
		logDebugf("Ignoring unsupported server request OP=0x%x", resp.Command)
		return
	}

	if client.clusterMapNotify == nil {
		return
	}

	var revEpoch, revID int64
	switch len(resp.Extras) {
	case 16:
		revEpoch = int64(binary.BigEndian.Uint64(resp.Extras[0:]))
		revID = int64(binary.BigEndian.Uint64(resp.Extras[8:]))
	case 4:
		revID = int64(binary.BigEndian.Uint32(resp.Extras[0:]))
	}

	logDebugf("Received cluster map change notification for %s, rev %d:%d", redactMetaData(string(resp.Key)), revEpoch, revID)
	client.clusterMapNotify(string(resp.Key), revEpoch, revID, resp.Value, client.Address())
}

func (client *memdClient) run() {
	go func() {
		for {
			pkt, _, err := client.conn.ReadPacket()
			if err != nil {
				client.lock.Lock()
				closed := client.closed
				client.lock.Unlock()
				if !closed {
					logErrorf("memdClient read failure on conn `%s`: %v", client.connID, err)
				}
				break
			}

			client.lastActivity.Store(time.Now().UnixNano())

			resp := &memdQResponse{
				Packet:       pkt,
				sourceAddr:   client.Address(),
				sourceConnID: client.connID,
			}

			logSchedf("Resolving response OP=0x%x. Opaque=%d", resp.Command, resp.Opaque)
			client.resolveRequest(resp)
		}

		client.lock.Lock()
		if client.closed {
			client.lock.Unlock()
		} else {
			client.closed = true
			client.lock.Unlock()

			err := client.conn.Close()
			if err != nil {
				logErrorf("Failed to shut down client connection (%s)", err)
			}
		}

		client.opList.Drain(func(req *memdQRequest) {
			if !req.waitingIn.CompareAndSwap(client, nil) {
				logWarnf("Encountered an unowned request in a client opMap")
			}

			shortCircuited, routeErr := client.postErrHandler(nil, req, io.EOF)
			if shortCircuited {
				return
			}

			req.tryCallback(nil, routeErr)
		})

		close(client.closeNotify)
	}()
}

func (client *memdClient) Close() error {
	client.lock.Lock()
	client.closed = true
	client.lock.Unlock()

	return client.conn.Close()
}

// sendNoop writes a NOOP and waits for the reply, the keepalive uses it to
// prove that the socket is still usable.
func (client *memdClient) sendNoop(timeout time.Duration) error {
	errCh := make(chan error, 1)
	req := &memdQRequest{
		Packet: memd.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdNoop,
		},
		opKind: kvOpNoop,
		Callback: func(resp *memdQResponse, req *memdQRequest, err error) {
			errCh <- err
		},
		RetryStrategy: newFailFastRetryStrategy(),
	}

	logDebugf("Sending NOOP request for %p/%s", client, client.Address())
	err := client.SendRequest(req)
	if err != nil {
		return err
	}

	timer := AcquireTimer(timeout)
	select {
	case <-timer.C:
		ReleaseTimer(timer, true)
		req.internalCancel(ErrUnambiguousTimeout)
		return <-errCh
	case err := <-errCh:
		ReleaseTimer(timer, false)
		return err
	}
}
