package gocbnet

import (
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// RequestTracer describes the tracing abstraction used by the engine.
type RequestTracer interface {
	RequestSpan(parentContext RequestSpanContext, operationName string) RequestSpan
}

// RequestSpan is the interface for spans that are created by a RequestTracer.
type RequestSpan interface {
	End()
	Context() RequestSpanContext
	AddEvent(name string, timestamp time.Time)
	SetAttribute(key string, value interface{})
}

// RequestSpanContext is the interface for external span contexts that can be passed in into the option blocks.
type RequestSpanContext interface {
}

type noopSpan struct{}
type noopSpanContext struct{}

var (
	defaultNoopSpanContext = noopSpanContext{}
	defaultNoopSpan        = noopSpan{}
)

type noopTracer struct {
}

func (tracer noopTracer) RequestSpan(parentContext RequestSpanContext, operationName string) RequestSpan {
	return defaultNoopSpan
}

func (span noopSpan) End() {
}

func (span noopSpan) Context() RequestSpanContext {
	return defaultNoopSpanContext
}

func (span noopSpan) SetAttribute(key string, value interface{}) {
}

func (span noopSpan) AddEvent(key string, timestamp time.Time) {
}

const spanNameDispatchToServer = "dispatch_to_server"

type opTracer struct {
	parentContext RequestSpanContext
	opSpan        *spanWrapper
}

func (tracer *opTracer) Finish() {
	if tracer.opSpan != nil {
		tracer.opSpan.End()
	}
}

func (tracer *opTracer) RootContext() RequestSpanContext {
	if tracer.opSpan != nil {
		return tracer.opSpan.Context()
	}

	return tracer.parentContext
}

// ClusterLabels encapsulates the cluster UUID and cluster name as published by the server.
type ClusterLabels struct {
	ClusterUUID string
	ClusterName string
}

type tracerComponent struct {
	tracer           *tracerWrapper
	bucket           string
	noRootTraceSpans bool
	meter            *meterWrapper
	clusterLabels    atomic.Pointer[ClusterLabels]
}

func newTracerComponent(tracer RequestTracer, bucket string, noRootTraceSpans bool, meter Meter) *tracerComponent {
	tc := &tracerComponent{
		tracer:           newTracerWrapper(tracer),
		bucket:           bucket,
		noRootTraceSpans: noRootTraceSpans,
		meter:            newMeterWrapper(meter),
	}
	tc.meter.getClusterLabelsFn = tc.ClusterLabels

	return tc
}

func (tc *tracerComponent) CreateOpTrace(operationName string, parentContext RequestSpanContext) *opTracer {
	if tc.noRootTraceSpans {
		return &opTracer{
			parentContext: parentContext,
			opSpan:        nil,
		}
	}

	opSpan := tc.tracer.StartSpan(parentContext, operationName)
	tc.decorate(opSpan)
	if tc.bucket != "" {
		opSpan.SetBucketName(tc.bucket)
	}

	return &opTracer{
		parentContext: parentContext,
		opSpan:        opSpan,
	}
}

func (tc *tracerComponent) decorate(span *spanWrapper) {
	span.SetSystemName()
	labels := tc.ClusterLabels()
	if labels.ClusterName != "" {
		span.SetClusterName(labels.ClusterName)
	}
	if labels.ClusterUUID != "" {
		span.SetClusterUUID(labels.ClusterUUID)
	}
}

func (tc *tracerComponent) StartHTTPDispatchSpan(parent RequestSpanContext, name string) *spanWrapper {
	return tc.tracer.StartSpan(parent, name)
}

func (tc *tracerComponent) StopHTTPDispatchSpan(span *spanWrapper, req *http.Request, id string, retries uint32) {
	tc.decorate(span)
	span.SetNetworkTransportTCP()
	if id != "" {
		span.SetOperationID(id)
	}
	remoteName, remotePort, err := net.SplitHostPort(req.Host)
	if err != nil {
		logDebugf("Failed to split host port: %s", err)
	}

	span.SetPeerAddress(remoteName, remotePort)
	span.SetNumRetries(retries)
	span.End()
}

func (tc *tracerComponent) StartCmdTrace(req *memdQRequest) {
	req.processingLock.Lock()
	defer req.processingLock.Unlock()

	if req.cmdTraceSpan != nil {
		logWarnf("Attempted to start tracing on traced request OP=0x%x, Opaque=%d", req.Command, req.Opaque)
		return
	}

	if req.RootTraceContext == nil {
		return
	}

	req.cmdTraceSpan = tc.tracer.StartSpan(req.RootTraceContext, req.Packet.Command.Name())
	tc.decorate(req.cmdTraceSpan)
}

func (tc *tracerComponent) StartNetTrace(req *memdQRequest) {
	req.processingLock.Lock()
	defer req.processingLock.Unlock()

	if req.cmdTraceSpan == nil {
		return
	}

	if req.netTraceSpan != nil {
		logWarnf("Attempted to start net tracing on traced request")
		return
	}

	req.netTraceSpan = tc.tracer.StartSpan(req.cmdTraceSpan.Context(), spanNameDispatchToServer)
	tc.decorate(req.netTraceSpan)
}

func (tc *tracerComponent) ResponseValueRecord(service, operation string, start time.Time) {
	duration := uint64(time.Since(start).Microseconds())
	if duration == 0 {
		duration = 1
	}

	tc.meter.RecordOperation(service, operation, duration)
}

func (tc *tracerComponent) RecordRetry(service string, reason RetryReason) {
	tc.meter.RecordRetry(service, reason)
}

func (tc *tracerComponent) OnNewRouteConfig(cfg *routeConfig) {
	tc.clusterLabels.Store(&ClusterLabels{
		ClusterUUID: cfg.clusterUUID,
		ClusterName: cfg.clusterName,
	})
}

func (tc *tracerComponent) ClusterLabels() ClusterLabels {
	labels := tc.clusterLabels.Load()
	if labels == nil {
		return ClusterLabels{}
	}
	return *labels
}

func stopCmdTraceLocked(req *memdQRequest) {
	if req.RootTraceContext == nil {
		return
	}

	if req.cmdTraceSpan == nil {
		logWarnf("Attempted to stop tracing on untraced request")
		return
	}

	req.cmdTraceSpan.SetNumRetries(req.RetryAttempts())

	req.cmdTraceSpan.End()
	req.cmdTraceSpan = nil
}

func cancelReqTraceLocked(req *memdQRequest, local, remote string) {
	if req.cmdTraceSpan != nil {
		if req.netTraceSpan != nil {
			stopNetTraceLocked(req, nil, local, remote)
		}

		stopCmdTraceLocked(req)
	}
}

func stopNetTraceLocked(req *memdQRequest, resp *memdQResponse, localAddress, remoteAddress string) {
	if req.cmdTraceSpan == nil {
		return
	}

	if req.netTraceSpan == nil {
		logWarnf("Attempted to stop net tracing on an untraced request")
		return
	}

	req.netTraceSpan.SetNetworkTransportTCP()
	if resp != nil {
		req.netTraceSpan.SetOperationID(strconv.Itoa(int(resp.Opaque)))
		req.netTraceSpan.SetLocalID(resp.sourceConnID)
	}

	if localName, localPort, err := net.SplitHostPort(localAddress); err == nil {
		req.netTraceSpan.SetHostAddress(localName, localPort)
	}
	if remoteName, remotePort, err := net.SplitHostPort(remoteAddress); err == nil {
		req.netTraceSpan.SetPeerAddress(remoteName, remotePort)
	}

	if resp != nil && resp.Packet.ServerDurationFrame != nil {
		req.netTraceSpan.SetServerDuration(resp.Packet.ServerDurationFrame.ServerDuration)
	}

	req.netTraceSpan.End()
	req.netTraceSpan = nil
}

type opTelemetryHandler struct {
	tracer            *opTracer
	service           string
	operation         string
	start             time.Time
	metricsCompleteFn func(string, string, time.Time)
}

func (tc *tracerComponent) StartTelemetryHandler(service, operation string, traceContext RequestSpanContext) *opTelemetryHandler {
	return &opTelemetryHandler{
		tracer:            tc.CreateOpTrace(operation, traceContext),
		service:           service,
		operation:         operation,
		start:             time.Now(),
		metricsCompleteFn: tc.ResponseValueRecord,
	}
}

func (oth *opTelemetryHandler) RootContext() RequestSpanContext {
	return oth.tracer.RootContext()
}

func (oth *opTelemetryHandler) StartTime() time.Time {
	return oth.start
}

func (oth *opTelemetryHandler) Finish() {
	oth.tracer.Finish()
	oth.metricsCompleteFn(oth.service, oth.operation, oth.start)
}
