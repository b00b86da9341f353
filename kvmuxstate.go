package gocbnet

import (
	"fmt"
)

// BucketCapability represents a bucket level feature the client may need to check for.
type BucketCapability uint32

const (
	// BucketCapabilityDurableWrites indicates the bucket supports synchronous replication.
	BucketCapabilityDurableWrites = BucketCapability(0x01)

	// BucketCapabilityRangeScan indicates the bucket supports range scans.
	BucketCapabilityRangeScan = BucketCapability(0x02)

	// BucketCapabilityCollections indicates the bucket supports collections.
	BucketCapabilityCollections = BucketCapability(0x03)
)

// BucketCapabilityStatus defines the support status of a bucket capability.
type BucketCapabilityStatus uint32

const (
	// BucketCapabilityStatusUnknown indicates that the capability status is not known, usually
	// because no config has been seen yet.
	BucketCapabilityStatusUnknown = BucketCapabilityStatus(0x00)

	// BucketCapabilityStatusSupported indicates the capability is supported.
	BucketCapabilityStatusSupported = BucketCapabilityStatus(0x01)

	// BucketCapabilityStatusUnsupported indicates the capability is not supported.
	BucketCapabilityStatusUnsupported = BucketCapabilityStatus(0x02)
)

var bucketCapabilityNames = map[BucketCapability]string{
	BucketCapabilityDurableWrites: "durableWrite",
	BucketCapabilityRangeScan:     "rangeScan",
	BucketCapabilityCollections:   "collections",
}

// kvMuxState is one generation of routing: a config and the pipelines built
// for it. It is never modified once published.
type kvMuxState struct {
	pipelines []*memdPipeline
	deadPipe  *memdPipeline

	routeCfg routeConfig

	bucketCapabilities map[BucketCapability]BucketCapabilityStatus
}

func newKVMuxState(cfg *routeConfig, pipelines []*memdPipeline, deadpipe *memdPipeline) *kvMuxState {
	mux := &kvMuxState{
		pipelines: pipelines,
		deadPipe:  deadpipe,

		routeCfg: *cfg,

		bucketCapabilities: make(map[BucketCapability]BucketCapabilityStatus, len(bucketCapabilityNames)),
	}

	for capability, name := range bucketCapabilityNames {
		switch {
		case cfg.revID < 0:
			// A placeholder config, support is still unknown.
			mux.bucketCapabilities[capability] = BucketCapabilityStatusUnknown
		case cfg.ContainsBucketCapability(name):
			mux.bucketCapabilities[capability] = BucketCapabilityStatusSupported
		default:
			mux.bucketCapabilities[capability] = BucketCapabilityStatusUnsupported
		}
	}

	return mux
}

func (mux *kvMuxState) RouteConfig() *routeConfig {
	return &mux.routeCfg
}

func (mux *kvMuxState) RevID() int64 {
	return mux.routeCfg.revID
}

func (mux *kvMuxState) VBMap() *vbucketMap {
	return mux.routeCfg.vbMap
}

func (mux *kvMuxState) UUID() string {
	return mux.routeCfg.uuid
}

func (mux *kvMuxState) BucketType() bucketType {
	return mux.routeCfg.bktType
}

func (mux *kvMuxState) KVEps() []string {
	return mux.routeCfg.KVAddresses()
}

func (mux *kvMuxState) NumPipelines() int {
	return len(mux.pipelines)
}

func (mux *kvMuxState) GetPipeline(index int) *memdPipeline {
	if index < 0 || index >= len(mux.pipelines) {
		return mux.deadPipe
	}
	return mux.pipelines[index]
}

func (mux *kvMuxState) BucketCapabilityStatus(cap BucketCapability) BucketCapabilityStatus {
	st, ok := mux.bucketCapabilities[cap]
	if !ok {
		return BucketCapabilityStatusUnsupported
	}

	return st
}

func (mux *kvMuxState) debugString() string {
	var outStr string

	for i, n := range mux.pipelines {
		outStr += fmt.Sprintf("Pipeline %d:\n", i)
		outStr += reindentLog("  ", n.debugString()) + "\n"
	}

	outStr += "Dead Pipeline:\n"
	if mux.deadPipe != nil {
		outStr += reindentLog("  ", mux.deadPipe.debugString()) + "\n"
	} else {
		outStr += "  Disabled\n"
	}

	return outStr
}
