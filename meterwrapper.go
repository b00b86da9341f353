package gocbnet

import (
	"sync"
)

type meterWrapper struct {
	meter              Meter
	getClusterLabelsFn func() ClusterLabels
	attributesCache    sync.Map
}

func newMeterWrapper(meter Meter) *meterWrapper {
	if meter == nil {
		meter = discardMeter{}
	}

	return &meterWrapper{meter: meter}
}

func (mw *meterWrapper) recordValue(name string, attributes map[string]string, value uint64) {
	recorder, err := mw.meter.ValueRecorder(name, attributes)
	if err != nil {
		logDebugf("Failed to get value recorder: %v", err)
		return
	}
	recorder.RecordValue(value)
}

// RecordRetry counts one retry of a request to service.
func (mw *meterWrapper) RecordRetry(service string, reason RetryReason) {
	counter, err := mw.meter.Counter(meterNameRetries, map[string]string{
		"db.system.name":         "couchbase",
		"couchbase.service":      service,
		"couchbase.retry.reason": reason.Description(),
	})
	if err != nil {
		logDebugf("Failed to get counter: %v", err)
		return
	}
	counter.IncrementBy(1)
}

func (mw *meterWrapper) RecordOperation(service, operation string, durationMicroseconds uint64) {
	key := service + "." + operation
	attribs, ok := mw.attributesCache.Load(key)
	if !ok {
		tags := map[string]string{
			"db.system.name":    "couchbase",
			"couchbase.service": service,
		}
		if operation != "" {
			tags["db.operation.name"] = operation
		}

		if mw.getClusterLabelsFn != nil {
			clusterLabels := mw.getClusterLabelsFn()
			if clusterLabels.ClusterUUID != "" {
				tags["couchbase.cluster.uuid"] = clusterLabels.ClusterUUID
			}
			if clusterLabels.ClusterName != "" {
				tags["couchbase.cluster.name"] = clusterLabels.ClusterName
			}
		}

		// Labels are only cached once the cluster has identified itself.
		if _, hasUUID := tags["couchbase.cluster.uuid"]; hasUUID {
			mw.attributesCache.Store(key, tags)
		}
		attribs = tags
	}

	mw.recordValue(meterNameOperationDuration, attribs.(map[string]string), durationMicroseconds)
}
