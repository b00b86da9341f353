package gocbnet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/couchbaselabs/gocbnet/memd"
)

type rangeScanCreateRequest struct {
	Collection string                   `json:"collection,omitempty"`
	KeyOnly    bool                     `json:"key_only,omitempty"`
	Range      *rangeScanCreateRange    `json:"range,omitempty"`
	Sampling   *rangeScanCreateSample   `json:"sampling,omitempty"`
	Snapshot   *rangeScanCreateSnapshot `json:"snapshot_requirements,omitempty"`
}

type rangeScanCreateRange struct {
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
	ExclusiveStart string `json:"excl_start,omitempty"`
	ExclusiveEnd   string `json:"excl_end,omitempty"`
}

type rangeScanCreateSample struct {
	Seed    uint64 `json:"seed,omitempty"`
	Samples uint64 `json:"samples"`
}

type rangeScanCreateSnapshot struct {
	VbUUID      string `json:"vb_uuid"`
	SeqNo       uint64 `json:"seqno"`
	SeqNoExists bool   `json:"seqno_exists,omitempty"`
	Timeout     uint64 `json:"timeout_ms,omitempty"`
}

const rangeScanUUIDLen = 16

func isRangeScanProgress(err error) bool {
	return errors.Is(err, ErrMemdRangeScanMore) || errors.Is(err, ErrMemdRangeScanComplete)
}

func (crud *crudComponent) checkRangeScanSupported() error {
	if crud.mux.BucketCapabilityStatus(BucketCapabilityRangeScan) == BucketCapabilityStatusUnsupported {
		return wrapError(ErrFeatureNotAvailable, "range scan is not supported by the bucket")
	}
	return nil
}

func (crud *crudComponent) RangeScanCreate(vbID uint16, opts RangeScanCreateOptions, cb RangeScanCreateCallback) (PendingOp, error) {
	if err := crud.checkRangeScanSupported(); err != nil {
		return nil, err
	}

	createReq, err := opts.toRequest()
	if err != nil {
		return nil, err
	}

	value, err := json.Marshal(createReq)
	if err != nil {
		return nil, err
	}

	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kvOpRangeScanCreate.String(), opts.TraceContext)

	handler := func(resp *memdQResponse, _ *memdQRequest, err error) {
		tel.Finish()
		if err != nil {
			cb(nil, err)
			return
		}

		if len(resp.Value) != rangeScanUUIDLen {
			cb(nil, wrapError(ErrProtocol, fmt.Sprintf("scan uuid must be %d bytes, was %d", rangeScanUUIDLen, len(resp.Value))))
			return
		}

		cb(&RangeScanCreateResult{
			ScanUUID: resp.Value,
			KeysOnly: opts.KeysOnly,
		}, nil)
	}

	req := newKvRequest(kvOpRangeScanCreate, handler)
	req.Datatype = uint8(memd.DatatypeFlagJSON)
	req.Value = value
	req.Vbucket = vbID
	req.RootTraceContext = tel.RootContext()

	op, err := crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
	if err != nil {
		tel.Finish()
		return nil, err
	}

	return op, nil
}

// RangeScanContinue asks for the next batch of a scan. dataCb may be called
// several times before actionCb reports whether the scan has more items.
func (crud *crudComponent) RangeScanContinue(scanUUID []byte, vbID uint16, opts RangeScanContinueOptions,
	dataCb RangeScanContinueDataCallback, actionCb RangeScanContinueActionCallback) (PendingOp, error) {
	if err := crud.checkRangeScanSupported(); err != nil {
		return nil, err
	}

	if len(scanUUID) != rangeScanUUIDLen {
		return nil, wrapError(ErrInvalidArgument, fmt.Sprintf("scanUUID must be %d bytes, was %d", rangeScanUUIDLen, len(scanUUID)))
	}

	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kvOpRangeScanContinue.String(), opts.TraceContext)

	var dataLock sync.Mutex
	handler := func(resp *memdQResponse, req *memdQRequest, err error) {
		if err != nil && !isRangeScanProgress(err) {
			tel.Finish()
			actionCb(nil, err)
			return
		}

		// A final response has already completed the request, anything else
		// has to be cancelled to leave the op map.
		fail := func(failErr error) {
			if err == nil {
				req.internalCancel(failErr)
				return
			}
			tel.Finish()
			actionCb(nil, failErr)
		}

		if len(resp.Value) > 0 {
			if len(resp.Extras) != 4 {
				fail(wrapError(ErrProtocol, "range scan continue response is missing its extras"))
				return
			}
			keysOnly := binary.BigEndian.Uint32(resp.Extras[0:]) == 0

			items, parseErr := parseRangeScanData(resp.Value, vbID, keysOnly, crud.disableDecompression)
			if parseErr != nil {
				fail(parseErr)
				return
			}

			dataLock.Lock()
			dataCb(items)
			dataLock.Unlock()
		}

		// Success responses only carry data, the final status is still to come.
		if err == nil {
			return
		}

		tel.Finish()
		actionCb(&RangeScanContinueResult{
			More:     errors.Is(err, ErrMemdRangeScanMore),
			Complete: errors.Is(err, ErrMemdRangeScanComplete),
		}, nil)
	}

	var deadlineMs uint32
	if !opts.Deadline.IsZero() {
		deadlineMs = uint32(time.Until(opts.Deadline).Milliseconds())
	}

	extraBuf := make([]byte, 28)
	copy(extraBuf[:16], scanUUID)
	binary.BigEndian.PutUint32(extraBuf[16:], opts.MaxCount)
	binary.BigEndian.PutUint32(extraBuf[20:], deadlineMs)
	binary.BigEndian.PutUint32(extraBuf[24:], opts.MaxBytes)

	req := newKvRequest(kvOpRangeScanContinue, handler)
	req.Extras = extraBuf
	req.Vbucket = vbID
	req.Persistent = true
	req.RootTraceContext = tel.RootContext()

	op, err := crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
	if err != nil {
		tel.Finish()
		return nil, err
	}

	return op, nil
}

func (crud *crudComponent) RangeScanCancel(scanUUID []byte, vbID uint16, opts RangeScanCancelOptions, cb RangeScanCancelCallback) (PendingOp, error) {
	if err := crud.checkRangeScanSupported(); err != nil {
		return nil, err
	}

	if len(scanUUID) != rangeScanUUIDLen {
		return nil, wrapError(ErrInvalidArgument, fmt.Sprintf("scanUUID must be %d bytes, was %d", rangeScanUUIDLen, len(scanUUID)))
	}

	tel := crud.tracer.StartTelemetryHandler(MemdService.String(), kvOpRangeScanCancel.String(), opts.TraceContext)

	handler := func(_ *memdQResponse, _ *memdQRequest, err error) {
		tel.Finish()
		if err != nil {
			cb(nil, err)
			return
		}

		cb(&RangeScanCancelResult{}, nil)
	}

	extraBuf := make([]byte, 16)
	copy(extraBuf[:16], scanUUID)

	req := newKvRequest(kvOpRangeScanCancel, handler)
	req.Extras = extraBuf
	req.Vbucket = vbID
	req.RootTraceContext = tel.RootContext()

	op, err := crud.dispatch(req, opts.Deadline, opts.RetryStrategy)
	if err != nil {
		tel.Finish()
		return nil, err
	}

	return op, nil
}

func parseRangeScanData(data []byte, vbID uint16, keysOnly bool, disableDecompression bool) ([]RangeScanItem, error) {
	if keysOnly {
		return parseRangeScanKeys(data, vbID)
	}

	return parseRangeScanDocs(data, vbID, disableDecompression)
}

func parseRangeScanLebEncoded(data []byte) ([]byte, int, error) {
	dataLen, n, err := memd.DecodeULEB128_32(data)
	if err != nil {
		return nil, 0, wrapError(ErrProtocol, "range scan length prefix was truncated")
	}

	end := n + int(dataLen)
	if end > len(data) {
		return nil, 0, wrapError(ErrProtocol, "range scan item was truncated")
	}

	return data[n:end], end, nil
}

func parseRangeScanKeys(data []byte, vbID uint16) ([]RangeScanItem, error) {
	var keys []RangeScanItem
	for i := 0; i < len(data); {
		key, n, err := parseRangeScanLebEncoded(data[i:])
		if err != nil {
			return nil, err
		}

		keys = append(keys, RangeScanItem{
			VbID: vbID,
			Key:  key,
		})
		i += n
	}

	return keys, nil
}

const rangeScanItemHeaderLen = 25

func parseRangeScanItem(data []byte, vbID uint16, disableDecompression bool) (RangeScanItem, int, error) {
	if len(data) < rangeScanItemHeaderLen {
		return RangeScanItem{}, 0, wrapError(ErrProtocol, "range scan document header was truncated")
	}

	flags := binary.BigEndian.Uint32(data[0:])
	expiry := binary.BigEndian.Uint32(data[4:])
	seqno := binary.BigEndian.Uint64(data[8:])
	cas := binary.BigEndian.Uint64(data[16:])
	datatype := data[24]

	key, n, err := parseRangeScanLebEncoded(data[rangeScanItemHeaderLen:])
	if err != nil {
		return RangeScanItem{}, 0, err
	}
	value, n2, err := parseRangeScanLebEncoded(data[rangeScanItemHeaderLen+n:])
	if err != nil {
		return RangeScanItem{}, 0, err
	}

	isCompressed := (datatype & uint8(memd.DatatypeFlagCompressed)) != 0
	if isCompressed && !disableDecompression {
		newValue, err := snappy.Decode(nil, value)
		if err != nil {
			return RangeScanItem{}, 0, wrapError(ErrProtocol, "invalid snappy payload in range scan document")
		}

		value = newValue
		datatype = datatype & ^uint8(memd.DatatypeFlagCompressed)
	}

	return RangeScanItem{
		VbID:     vbID,
		Value:    value,
		Key:      key,
		Flags:    flags,
		Cas:      Cas(cas),
		Expiry:   expiry,
		SeqNo:    SeqNo(seqno),
		Datatype: datatype,
	}, rangeScanItemHeaderLen + n + n2, nil
}

func parseRangeScanDocs(data []byte, vbID uint16, disableDecompression bool) ([]RangeScanItem, error) {
	var items []RangeScanItem
	for i := 0; i < len(data); {
		item, n, err := parseRangeScanItem(data[i:], vbID, disableDecompression)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		i += n
	}

	return items, nil
}
