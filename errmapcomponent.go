package gocbnet

import (
	"encoding/json"
	"sync/atomic"

	"github.com/couchbaselabs/gocbnet/memd"
)

type errMapComponent struct {
	kvErrorMap atomic.Pointer[kvErrorMap]
	bucketName string
}

func newErrMapManager(bucketName string) *errMapComponent {
	return &errMapComponent{
		bucketName: bucketName,
	}
}

func (errMgr *errMapComponent) getKvErrMapData(code memd.StatusCode) *kvErrorMapError {
	errMap := errMgr.kvErrorMap.Load()
	if errMap != nil {
		if errData, ok := errMap.Errors[uint16(code)]; ok {
			return &errData
		}
	}
	return nil
}

func (errMgr *errMapComponent) StoreErrorMap(mapBytes []byte) {
	errMap, err := parseKvErrorMap(mapBytes)
	if err != nil {
		logDebugf("Failed to parse kv error map (%s)", err)
		return
	}

	logDebugf("Fetched error map: %+v", errMap)

	// Only ever move forward to a better error map revision.
	for {
		origMap := errMgr.kvErrorMap.Load()
		if origMap != nil && errMap.Revision < origMap.Revision {
			break
		}

		if errMgr.kvErrorMap.CompareAndSwap(origMap, errMap) {
			break
		}
	}
}

func (errMgr *errMapComponent) ShouldRetry(status memd.StatusCode) bool {
	kvErrData := errMgr.getKvErrMapData(status)
	if kvErrData != nil {
		return kvErrData.hasAttribute(kvErrorMapAttrAutoRetry) ||
			kvErrData.hasAttribute(kvErrorMapAttrRetryNow) ||
			kvErrData.hasAttribute(kvErrorMapAttrRetryLater)
	}

	return false
}

func (errMgr *errMapComponent) EnhanceKvError(err error, resp *memdQResponse, req *memdQRequest) error {
	enhErr := &KeyValueError{
		InnerError: err,
	}

	if req != nil {
		enhErr.BucketName = errMgr.bucketName
		enhErr.ScopeName = req.ScopeName
		enhErr.CollectionName = req.CollectionName
		enhErr.CollectionID = req.CollectionID
		enhErr.DocumentKey = string(req.Key)

		enhErr.RetryReasons = req.RetryReasons()
		enhErr.RetryAttempts = req.RetryAttempts()

		dispatchedTo, dispatchedFrom, connectionID := req.lastDispatch()
		enhErr.LastDispatchedTo = dispatchedTo
		enhErr.LastDispatchedFrom = dispatchedFrom
		enhErr.LastConnectionID = connectionID
	}

	if resp != nil {
		enhErr.StatusCode = resp.Status
		enhErr.Opaque = resp.Opaque
		if resp.ServerDurationFrame != nil {
			enhErr.ServerDuration = resp.ServerDurationFrame.ServerDuration
		}

		errMapData := errMgr.getKvErrMapData(enhErr.StatusCode)
		if errMapData != nil {
			enhErr.ErrorName = errMapData.Name
			enhErr.ErrorDescription = errMapData.Description
			enhErr.ErrorAttributes = errMapData.Attributes
		}

		if memd.DatatypeFlag(resp.Datatype)&memd.DatatypeFlagJSON != 0 {
			var enhancedData struct {
				Error struct {
					Context string `json:"context"`
					Ref     string `json:"ref"`
				} `json:"error"`
			}
			if parseErr := json.Unmarshal(resp.Value, &enhancedData); parseErr == nil {
				enhErr.Context = enhancedData.Error.Context
				enhErr.Ref = enhancedData.Error.Ref
			}
		}
	}

	return enhErr
}
