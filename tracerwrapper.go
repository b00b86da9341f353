package gocbnet

import (
	"strconv"
	"time"
)

type tracerWrapper struct {
	tracer RequestTracer
}

func newTracerWrapper(tracer RequestTracer) *tracerWrapper {
	if tracer == nil {
		tracer = noopTracer{}
	}

	return &tracerWrapper{
		tracer: tracer,
	}
}

func (tw *tracerWrapper) StartSpan(context RequestSpanContext, name string) *spanWrapper {
	return &spanWrapper{
		span: tw.tracer.RequestSpan(context, name),
	}
}

// spanWrapper applies the attribute naming used across all engine spans.
type spanWrapper struct {
	span RequestSpan
}

func (sw *spanWrapper) End() {
	sw.span.End()
}

func (sw *spanWrapper) Context() RequestSpanContext {
	return sw.span.Context()
}

func (sw *spanWrapper) SetSystemName() {
	sw.span.SetAttribute("db.system.name", "couchbase")
}

func (sw *spanWrapper) SetBucketName(name string) {
	sw.span.SetAttribute("db.namespace", name)
}

func (sw *spanWrapper) SetClusterName(name string) {
	sw.span.SetAttribute("couchbase.cluster.name", name)
}

func (sw *spanWrapper) SetClusterUUID(uuid string) {
	sw.span.SetAttribute("couchbase.cluster.uuid", uuid)
}

func (sw *spanWrapper) SetNetworkTransportTCP() {
	sw.span.SetAttribute("network.transport", "tcp")
}

func (sw *spanWrapper) SetOperationID(id string) {
	sw.span.SetAttribute("couchbase.operation_id", id)
}

func (sw *spanWrapper) SetLocalID(id string) {
	sw.span.SetAttribute("couchbase.local_id", id)
}

func (sw *spanWrapper) SetHostAddress(endpoint, port string) {
	sw.span.SetAttribute("network.local.address", endpoint)
	if portInt, err := strconv.Atoi(port); err == nil {
		sw.span.SetAttribute("network.local.port", portInt)
	}
}

func (sw *spanWrapper) SetPeerAddress(endpoint, port string) {
	sw.span.SetAttribute("network.peer.address", endpoint)
	// Ports are reported as integers.
	if portInt, err := strconv.Atoi(port); err == nil {
		sw.span.SetAttribute("network.peer.port", portInt)
	}
}

func (sw *spanWrapper) SetServerDuration(dur time.Duration) {
	sw.span.SetAttribute("couchbase.server_duration", dur)
}

func (sw *spanWrapper) SetNumRetries(retries uint32) {
	sw.span.SetAttribute("couchbase.retries", retries)
}
