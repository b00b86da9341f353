package gocbnet

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/couchbaselabs/gocbnet/memd"
)

type fakeDoc struct {
	value []byte
	flags uint32
	cas   uint64
}

// fakeKeyState overrides what OBSERVE reports for a key.
type fakeKeyState struct {
	state memd.KeyState
	cas   uint64
}

type fakeVbState struct {
	uuid      uint64
	persisted uint64
	current   uint64
}

type fakeScan struct {
	keys    [][]byte
	keyOnly bool
}

// fakeKVServer answers the subset of the memcached protocol used by the
// routing and range scan tests. Collections and frames are never negotiated.
type fakeKVServer struct {
	addr        string
	numVbuckets int

	lock     sync.Mutex
	docs     map[string]fakeDoc
	rejected map[string]memd.StatusCode
	scans    map[string]*fakeScan
	observed map[string]fakeKeyState
	vbStates map[uint16]fakeVbState
	conns    []net.Conn
	hold     bool
	casSeq   uint64
	config   []byte

	held      atomic.Int32
	gets      atomic.Int32
	sets      atomic.Int32
	continues atomic.Int32
	cancels   atomic.Int32
	creates   atomic.Int32
	observes  atomic.Int32

	// Arrival times of OBSERVE and OBSERVE_SEQNO requests, only written under lock.
	observeTimes []time.Time

	// Highest number of scans open at once, only written under lock.
	maxOpenScans atomic.Int32
}

func newFakeKVServer(addr string, numVbuckets int) *fakeKVServer {
	return &fakeKVServer{
		addr:        addr,
		numVbuckets: numVbuckets,
		docs:        make(map[string]fakeDoc),
		rejected:    make(map[string]memd.StatusCode),
		scans:       make(map[string]*fakeScan),
		observed:    make(map[string]fakeKeyState),
		vbStates:    make(map[uint16]fakeVbState),
	}
}

// DocCas returns the cas of the stored copy of key, or zero.
func (s *fakeKVServer) DocCas(key string) uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.docs[key].cas
}

// SetKeyState makes OBSERVE report state and cas for key. Without an override
// a stored document is reported as in memory and anything else as not found.
func (s *fakeKVServer) SetKeyState(key string, state memd.KeyState, cas uint64) {
	s.lock.Lock()
	s.observed[key] = fakeKeyState{state: state, cas: cas}
	s.lock.Unlock()
}

// SetVbState sets what OBSERVE_SEQNO reports for vbID.
func (s *fakeKVServer) SetVbState(vbID uint16, vbUUID, persisted, current uint64) {
	s.lock.Lock()
	s.vbStates[vbID] = fakeVbState{uuid: vbUUID, persisted: persisted, current: current}
	s.lock.Unlock()
}

// ObserveTimes returns when each observe request arrived.
func (s *fakeKVServer) ObserveTimes() []time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]time.Time(nil), s.observeTimes...)
}

func (s *fakeKVServer) Store(key string, value []byte) {
	s.lock.Lock()
	s.casSeq++
	s.docs[key] = fakeDoc{value: value, cas: s.casSeq}
	s.lock.Unlock()
}

// RejectKey makes every request for key fail with not my vbucket.
func (s *fakeKVServer) RejectKey(key string) {
	s.FailKey(key, memd.StatusNotMyVBucket)
}

// FailKey makes every request for key fail with status.
func (s *fakeKVServer) FailKey(key string, status memd.StatusCode) {
	s.lock.Lock()
	s.rejected[key] = status
	s.lock.Unlock()
}

// SetClusterConfig makes the server answer GET_CLUSTER_CONFIG with config.
func (s *fakeKVServer) SetClusterConfig(config []byte) {
	s.lock.Lock()
	s.config = config
	s.lock.Unlock()
}

// Hold stops the server answering document requests.
func (s *fakeKVServer) Hold() {
	s.lock.Lock()
	s.hold = true
	s.lock.Unlock()
}

func (s *fakeKVServer) OpenScans() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.scans)
}

// DropConnections closes the server side of every connection.
func (s *fakeKVServer) DropConnections() {
	s.lock.Lock()
	conns := s.conns
	s.conns = nil
	s.lock.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *fakeKVServer) accept(conn net.Conn) {
	s.lock.Lock()
	s.conns = append(s.conns, conn)
	s.lock.Unlock()

	go s.serve(conn)
}

func (s *fakeKVServer) serve(conn net.Conn) {
	mc := memd.NewConn(conn)
	for {
		pkt, _, err := mc.ReadPacket()
		if err != nil {
			_ = conn.Close()
			return
		}

		for _, resp := range s.handle(pkt) {
			if err := mc.WritePacket(resp); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func fakeResponse(req *memd.Packet, status memd.StatusCode) *memd.Packet {
	return &memd.Packet{
		Magic:   memd.CmdMagicRes,
		Command: req.Command,
		Opaque:  req.Opaque,
		Status:  status,
	}
}

func (s *fakeKVServer) handle(pkt *memd.Packet) []*memd.Packet {
	switch pkt.Command {
	case memd.CmdHello, memd.CmdSelectBucket, memd.CmdNoop:
		return []*memd.Packet{fakeResponse(pkt, memd.StatusSuccess)}
	case memd.CmdGetErrorMap:
		return []*memd.Packet{fakeResponse(pkt, memd.StatusUnknownCommand)}
	case memd.CmdGetClusterConfig:
		s.lock.Lock()
		config := s.config
		s.lock.Unlock()
		if config == nil {
			return []*memd.Packet{fakeResponse(pkt, memd.StatusUnknownCommand)}
		}
		resp := fakeResponse(pkt, memd.StatusSuccess)
		resp.Value = config
		return []*memd.Packet{resp}
	case memd.CmdGet, memd.CmdSet, memd.CmdDelete:
		return s.handleDocument(pkt)
	case memd.CmdObserve:
		return []*memd.Packet{s.handleObserve(pkt)}
	case memd.CmdObserveSeqNo:
		return []*memd.Packet{s.handleObserveSeqNo(pkt)}
	case memd.CmdRangeScanCreate:
		return []*memd.Packet{s.handleScanCreate(pkt)}
	case memd.CmdRangeScanContinue:
		return s.handleScanContinue(pkt)
	case memd.CmdRangeScanCancel:
		s.cancels.Add(1)
		s.lock.Lock()
		delete(s.scans, string(pkt.Extras[:16]))
		s.lock.Unlock()
		return []*memd.Packet{fakeResponse(pkt, memd.StatusSuccess)}
	}

	return []*memd.Packet{fakeResponse(pkt, memd.StatusUnknownCommand)}
}

func (s *fakeKVServer) handleDocument(pkt *memd.Packet) []*memd.Packet {
	key := string(pkt.Key)

	s.lock.Lock()
	defer s.lock.Unlock()

	switch pkt.Command {
	case memd.CmdGet:
		s.gets.Add(1)
	case memd.CmdSet:
		s.sets.Add(1)
	}

	if s.hold {
		s.held.Add(1)
		return nil
	}

	if status, ok := s.rejected[key]; ok {
		return []*memd.Packet{fakeResponse(pkt, status)}
	}

	switch pkt.Command {
	case memd.CmdGet:
		doc, ok := s.docs[key]
		if !ok {
			return []*memd.Packet{fakeResponse(pkt, memd.StatusKeyNotFound)}
		}
		resp := fakeResponse(pkt, memd.StatusSuccess)
		resp.Extras = binary.BigEndian.AppendUint32(nil, doc.flags)
		resp.Value = doc.value
		resp.Cas = doc.cas
		return []*memd.Packet{resp}
	case memd.CmdSet:
		s.casSeq++
		s.docs[key] = fakeDoc{
			value: append([]byte(nil), pkt.Value...),
			flags: binary.BigEndian.Uint32(pkt.Extras[0:]),
			cas:   s.casSeq,
		}
		resp := fakeResponse(pkt, memd.StatusSuccess)
		resp.Cas = s.casSeq
		return []*memd.Packet{resp}
	default:
		doc, ok := s.docs[key]
		if !ok {
			return []*memd.Packet{fakeResponse(pkt, memd.StatusKeyNotFound)}
		}
		delete(s.docs, key)
		resp := fakeResponse(pkt, memd.StatusSuccess)
		resp.Cas = doc.cas + 1
		return []*memd.Packet{resp}
	}
}

func (s *fakeKVServer) handleObserve(pkt *memd.Packet) *memd.Packet {
	if len(pkt.Value) < 4 {
		return fakeResponse(pkt, memd.StatusInvalidArgs)
	}
	keyLen := int(binary.BigEndian.Uint16(pkt.Value[2:]))
	if len(pkt.Value) < 4+keyLen {
		return fakeResponse(pkt, memd.StatusInvalidArgs)
	}
	key := pkt.Value[4 : 4+keyLen]

	s.lock.Lock()
	s.observes.Add(1)
	s.observeTimes = append(s.observeTimes, time.Now())
	state, ok := s.observed[string(key)]
	if !ok {
		state = fakeKeyState{state: memd.KeyStateNotFound}
		if doc, found := s.docs[string(key)]; found {
			state = fakeKeyState{state: memd.KeyStateNotPersisted, cas: doc.cas}
		}
	}
	s.lock.Unlock()

	value := append([]byte(nil), pkt.Value[:4+keyLen]...)
	value = append(value, byte(state.state))
	value = binary.BigEndian.AppendUint64(value, state.cas)

	resp := fakeResponse(pkt, memd.StatusSuccess)
	resp.Value = value
	return resp
}

func (s *fakeKVServer) handleObserveSeqNo(pkt *memd.Packet) *memd.Packet {
	if len(pkt.Value) != 8 {
		return fakeResponse(pkt, memd.StatusInvalidArgs)
	}

	s.lock.Lock()
	s.observes.Add(1)
	s.observeTimes = append(s.observeTimes, time.Now())
	state := s.vbStates[pkt.Vbucket]
	s.lock.Unlock()

	value := []byte{0}
	value = binary.BigEndian.AppendUint16(value, pkt.Vbucket)
	value = binary.BigEndian.AppendUint64(value, state.uuid)
	value = binary.BigEndian.AppendUint64(value, state.persisted)
	value = binary.BigEndian.AppendUint64(value, state.current)

	resp := fakeResponse(pkt, memd.StatusSuccess)
	resp.Value = value
	return resp
}

func (s *fakeKVServer) handleScanCreate(pkt *memd.Packet) *memd.Packet {
	var createReq rangeScanCreateRequest
	if err := json.Unmarshal(pkt.Value, &createReq); err != nil || createReq.Range == nil {
		return fakeResponse(pkt, memd.StatusInvalidArgs)
	}

	start, _ := base64.StdEncoding.DecodeString(createReq.Range.Start)
	end, _ := base64.StdEncoding.DecodeString(createReq.Range.End)
	exclStart, _ := base64.StdEncoding.DecodeString(createReq.Range.ExclusiveStart)
	exclEnd, _ := base64.StdEncoding.DecodeString(createReq.Range.ExclusiveEnd)
	inRange := func(k []byte) bool {
		switch {
		case len(start) > 0 && bytes.Compare(k, start) < 0:
			return false
		case len(exclStart) > 0 && bytes.Compare(k, exclStart) <= 0:
			return false
		case len(end) > 0 && bytes.Compare(k, end) > 0:
			return false
		case len(exclEnd) > 0 && bytes.Compare(k, exclEnd) >= 0:
			return false
		}
		return true
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var keys [][]byte
	for key := range s.docs {
		k := []byte(key)
		if uint16(cbCrc(k)%uint32(s.numVbuckets)) != pkt.Vbucket {
			continue
		}
		if !inRange(k) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return fakeResponse(pkt, memd.StatusKeyNotFound)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})

	scanUUID := uuid.New()
	s.scans[string(scanUUID[:])] = &fakeScan{keys: keys, keyOnly: createReq.KeyOnly}
	s.creates.Add(1)
	if open := int32(len(s.scans)); open > s.maxOpenScans.Load() {
		s.maxOpenScans.Store(open)
	}

	resp := fakeResponse(pkt, memd.StatusSuccess)
	resp.Value = scanUUID[:]
	return resp
}

func (s *fakeKVServer) handleScanContinue(pkt *memd.Packet) []*memd.Packet {
	s.continues.Add(1)

	scanID := string(pkt.Extras[:16])
	maxCount := int(binary.BigEndian.Uint32(pkt.Extras[16:]))

	s.lock.Lock()
	defer s.lock.Unlock()

	scan, ok := s.scans[scanID]
	if !ok {
		return []*memd.Packet{fakeResponse(pkt, memd.StatusKeyNotFound)}
	}

	batch := scan.keys
	if maxCount > 0 && len(batch) > maxCount {
		batch = batch[:maxCount]
	}
	scan.keys = scan.keys[len(batch):]

	var data []byte
	for _, key := range batch {
		if scan.keyOnly {
			data = memd.AppendULEB128_32(data, uint32(len(key)))
			data = append(data, key...)
			continue
		}

		doc := s.docs[string(key)]
		data = binary.BigEndian.AppendUint32(data, doc.flags)
		data = binary.BigEndian.AppendUint32(data, 0)
		data = binary.BigEndian.AppendUint64(data, doc.cas)
		data = binary.BigEndian.AppendUint64(data, doc.cas)
		data = append(data, 0)
		data = memd.AppendULEB128_32(data, uint32(len(key)))
		data = append(data, key...)
		data = memd.AppendULEB128_32(data, uint32(len(doc.value)))
		data = append(data, doc.value...)
	}

	var resps []*memd.Packet
	if len(data) > 0 {
		dataResp := fakeResponse(pkt, memd.StatusSuccess)
		dataResp.Extras = make([]byte, 4)
		if !scan.keyOnly {
			binary.BigEndian.PutUint32(dataResp.Extras, 1)
		}
		dataResp.Value = data
		resps = append(resps, dataResp)
	}

	status := memd.StatusRangeScanMore
	if len(scan.keys) == 0 {
		status = memd.StatusRangeScanComplete
		delete(s.scans, scanID)
	}

	return append(resps, fakeResponse(pkt, status))
}

type mockConfigRefresher struct {
	mock.Mock
}

func (r *mockConfigRefresher) Refresh() {
	r.Called()
}

// fakeKVCluster wires the real routing stack to in-process fake servers.
type fakeKVCluster struct {
	addrs   []string
	servers map[string]*fakeKVServer
	cfgMgr  *configManagementComponent
	mux     *kvMux
	crud    *crudComponent
	scans   *rangeScanOrchestrator
}

func newFakeKVCluster(t *testing.T, addrs []string, numVbuckets int, strategy RetryStrategy) *fakeKVCluster {
	return newFakeReplicatedKVCluster(t, addrs, numVbuckets, 0, strategy)
}

// newFakeReplicatedKVCluster is newFakeKVCluster with numReplicas replicas per
// vbucket, replica r of vbucket i lives on addrs[(i+r)%len(addrs)].
func newFakeReplicatedKVCluster(t *testing.T, addrs []string, numVbuckets, numReplicas int,
	strategy RetryStrategy) *fakeKVCluster {
	c := &fakeKVCluster{
		addrs:   addrs,
		servers: make(map[string]*fakeKVServer),
	}
	for _, addr := range addrs {
		c.servers[addr] = newFakeKVServer(addr, numVbuckets)
	}

	c.cfgMgr = newConfigManager(configManagerProperties{})
	errMapMgr := newErrMapManager("default")
	tracer := newTracerComponent(nil, "default", true, nil)

	dialer := newMemdClientDialerComponent(memdClientDialerProps{
		KVConnectTimeout: 5 * time.Second,
		ClientID:         "fake-client",
	}, bootstrapProps{
		Bucket:        "default",
		ErrMapManager: errMapMgr,
	}, nil, tracer, nil, nil)

	var connSeq atomic.Int32
	dialer.dialFn = func(ctx context.Context, address string, _ *tls.Config, _ time.Time) (memdConn, error) {
		srv, ok := c.servers[address]
		if !ok {
			return nil, errors.New("no fake server at " + address)
		}

		clientEnd, serverEnd := net.Pipe()
		srv.accept(serverEnd)

		conn := newMemdStreamConn(clientEnd)
		conn.localAddr = fmt.Sprintf("127.0.0.1:%d", 50000+connSeq.Add(1))
		conn.remoteAddr = address
		return conn, nil
	}

	c.mux = newKVMux(kvMuxProps{
		QueueSize: 2048,
		PipelineProps: kvPipelineProps{
			MinConnsPerNode: 1,
			MaxConnsPerNode: 1,
			Reconnect: func(uint32) time.Duration {
				return 10 * time.Millisecond
			},
		},
	}, c.cfgMgr, errMapMgr, tracer, dialer)

	c.crud = newCRUDComponent(c.mux, tracer, strategy, "default", false)
	c.crud.dura = newDurabilityObserver(c.crud, 10*time.Millisecond, 100*time.Millisecond)
	c.scans = newRangeScanOrchestrator(c.crud, c.mux, 4)

	c.cfgMgr.OnNewConfig(testBucketConfig(1, 1, addrs, numVbuckets, numReplicas))

	t.Cleanup(func() {
		_ = c.mux.Close()
		for _, srv := range c.servers {
			srv.DropConnections()
		}
	})

	return c
}

// NodeFor returns the server holding copy replicaIdx of vbID, zero being the active.
func (c *fakeKVCluster) NodeFor(vbID uint16, replicaIdx int) *fakeKVServer {
	return c.servers[c.addrs[(int(vbID)+replicaIdx)%len(c.addrs)]]
}

// Owner returns the server which holds the active copy of key.
func (c *fakeKVCluster) Owner(key []byte) *fakeKVServer {
	vbID := uint16(cbCrc(key) % uint32(c.mux.NumVbuckets()))
	return c.servers[c.addrs[int(vbID)%len(c.addrs)]]
}

func (c *fakeKVCluster) Get(ctx context.Context, opts GetOptions) (*GetResult, error) {
	f := newFuture[*GetResult]()
	op, err := c.crud.Get(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

func (c *fakeKVCluster) Upsert(ctx context.Context, opts UpsertOptions) (*StoreResult, error) {
	f := newFuture[*StoreResult]()
	op, err := c.crud.Upsert(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}

func (c *fakeKVCluster) Delete(ctx context.Context, opts DeleteOptions) (*DeleteResult, error) {
	f := newFuture[*DeleteResult]()
	op, err := c.crud.Delete(opts, futureCallback(f))
	return awaitOp(ctx, f, op, err)
}
