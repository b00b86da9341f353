package gocbnet

import (
	"sync"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

type testSpanContext struct {
	span *testSpan
}

type testSpan struct {
	Name          string
	Tags          map[string]interface{}
	Finished      bool
	ParentContext RequestSpanContext

	lock sync.Mutex
}

func (ts *testSpan) End() {
	ts.lock.Lock()
	ts.Finished = true
	ts.lock.Unlock()
}

func (ts *testSpan) Context() RequestSpanContext {
	return testSpanContext{span: ts}
}

func (ts *testSpan) SetAttribute(key string, value interface{}) {
	ts.lock.Lock()
	ts.Tags[key] = value
	ts.lock.Unlock()
}

func (ts *testSpan) AddEvent(string, time.Time) {
}

type testTracer struct {
	lock  sync.Mutex
	Spans []*testSpan
}

func newTestTracer() *testTracer {
	return &testTracer{}
}

func (tt *testTracer) RequestSpan(parentContext RequestSpanContext, operationName string) RequestSpan {
	span := &testSpan{
		Name:          operationName,
		Tags:          make(map[string]interface{}),
		ParentContext: parentContext,
	}

	tt.lock.Lock()
	tt.Spans = append(tt.Spans, span)
	tt.lock.Unlock()

	return span
}

func (tt *testTracer) Named(name string) []*testSpan {
	tt.lock.Lock()
	defer tt.lock.Unlock()

	var spans []*testSpan
	for _, span := range tt.Spans {
		if span.Name == name {
			spans = append(spans, span)
		}
	}
	return spans
}

func (suite *UnitTestSuite) TestSpanWrapperAttributes() {
	tracer := newTestTracer()
	tw := newTracerWrapper(tracer)

	span := tw.StartSpan(nil, "op")
	span.SetSystemName()
	span.SetPeerAddress("10.0.0.1", "11210")
	span.SetHostAddress("127.0.0.1", "not-a-port")
	span.SetNumRetries(3)
	span.End()

	suite.Require().Len(tracer.Spans, 1)
	s := tracer.Spans[0]
	suite.Assert().True(s.Finished)
	suite.Assert().Equal("couchbase", s.Tags["db.system.name"])
	suite.Assert().Equal("10.0.0.1", s.Tags["network.peer.address"])
	suite.Assert().Equal(11210, s.Tags["network.peer.port"])
	suite.Assert().Equal("127.0.0.1", s.Tags["network.local.address"])
	suite.Assert().NotContains(s.Tags, "network.local.port")
	suite.Assert().Equal(uint32(3), s.Tags["couchbase.retries"])
}

func (suite *UnitTestSuite) TestTracerWrapperNilTracer() {
	tw := newTracerWrapper(nil)
	span := tw.StartSpan(nil, "op")
	span.SetBucketName("default")
	span.End()

	suite.Assert().Equal(defaultNoopSpanContext, span.Context())
}

func (suite *UnitTestSuite) TestOpTraceDecorated() {
	tracer := newTestTracer()
	tc := newTracerComponent(tracer, "travel", false, nil)
	tc.OnNewRouteConfig(&routeConfig{revID: 1, clusterUUID: "uuid-1", clusterName: "prod"})

	parent := testSpanContext{}
	op := tc.CreateOpTrace("get", parent)
	suite.Require().Len(tracer.Spans, 1)

	opSpan := tracer.Spans[0]
	suite.Assert().Equal(parent, opSpan.ParentContext)
	suite.Assert().Equal(testSpanContext{span: opSpan}, op.RootContext())
	suite.Assert().Equal("travel", opSpan.Tags["db.namespace"])
	suite.Assert().Equal("prod", opSpan.Tags["couchbase.cluster.name"])
	suite.Assert().Equal("uuid-1", opSpan.Tags["couchbase.cluster.uuid"])

	op.Finish()
	suite.Assert().True(opSpan.Finished)
	suite.Assert().Equal(ClusterLabels{ClusterUUID: "uuid-1", ClusterName: "prod"}, tc.ClusterLabels())
}

func (suite *UnitTestSuite) TestOpTraceNoRootSpans() {
	tracer := newTestTracer()
	tc := newTracerComponent(tracer, "travel", true, nil)

	parent := testSpanContext{}
	op := tc.CreateOpTrace("get", parent)
	op.Finish()

	suite.Assert().Empty(tracer.Spans)
	suite.Assert().Equal(parent, op.RootContext())
}

func (suite *UnitTestSuite) TestCmdAndNetTrace() {
	tracer := newTestTracer()
	tc := newTracerComponent(tracer, "", true, nil)

	root := tracer.RequestSpan(nil, "upsert")
	req := &memdQRequest{
		Packet: memd.Packet{
			Command: memd.CmdGet,
		},
		RootTraceContext: root.Context(),
	}

	tc.StartCmdTrace(req)
	tc.StartNetTrace(req)

	cmdSpans := tracer.Named(memd.CmdGet.Name())
	netSpans := tracer.Named(spanNameDispatchToServer)
	suite.Require().Len(cmdSpans, 1)
	suite.Require().Len(netSpans, 1)
	suite.Assert().Equal(root.Context(), cmdSpans[0].ParentContext)
	suite.Assert().Equal(cmdSpans[0].Context(), netSpans[0].ParentContext)

	resp := &memdQResponse{
		Packet:       &memd.Packet{Opaque: 17},
		sourceConnID: "conn-1",
	}

	req.processingLock.Lock()
	stopNetTraceLocked(req, resp, "127.0.0.1:50000", "10.0.0.1:11210")
	stopCmdTraceLocked(req)
	req.processingLock.Unlock()

	netSpan := netSpans[0]
	suite.Assert().True(netSpan.Finished)
	suite.Assert().Equal("17", netSpan.Tags["couchbase.operation_id"])
	suite.Assert().Equal("conn-1", netSpan.Tags["couchbase.local_id"])
	suite.Assert().Equal(50000, netSpan.Tags["network.local.port"])
	suite.Assert().Equal("10.0.0.1", netSpan.Tags["network.peer.address"])
	suite.Assert().Equal("tcp", netSpan.Tags["network.transport"])

	suite.Assert().True(cmdSpans[0].Finished)
	suite.Assert().Equal(uint32(0), cmdSpans[0].Tags["couchbase.retries"])
}

func (suite *UnitTestSuite) TestCmdTraceSkippedWithoutRoot() {
	tracer := newTestTracer()
	tc := newTracerComponent(tracer, "", true, nil)

	req := &memdQRequest{Packet: memd.Packet{Command: memd.CmdGet}}
	tc.StartCmdTrace(req)
	tc.StartNetTrace(req)

	suite.Assert().Empty(tracer.Spans)
}
