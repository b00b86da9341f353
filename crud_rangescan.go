package gocbnet

import (
	"encoding/base64"
	"strconv"
	"time"
)

// RangeScanCreateOptions encapsulates the parameters for a RangeScanCreate operation.
type RangeScanCreateOptions struct {
	RetryStrategy RetryStrategy

	// Deadline will also be sent as a part of the payload if Snapshot is not nil.
	Deadline time.Time

	CollectionID uint32
	KeysOnly     bool
	Range        *RangeScanCreateRangeScanConfig
	Sampling     *RangeScanCreateRandomSamplingConfig
	Snapshot     *RangeScanCreateSnapshotRequirements

	TraceContext RequestSpanContext
}

func (opts RangeScanCreateOptions) toRequest() (*rangeScanCreateRequest, error) {
	if opts.Range != nil && opts.Sampling != nil {
		return nil, wrapError(ErrInvalidArgument, "only one of range and sampling can be set")
	}
	if opts.Range == nil && opts.Sampling == nil {
		return nil, wrapError(ErrInvalidArgument, "one of range and sampling must set")
	}

	var collection string
	if opts.CollectionID != 0 {
		collection = strconv.FormatUint(uint64(opts.CollectionID), 16)
	}
	createReq := &rangeScanCreateRequest{
		Collection: collection,
		KeyOnly:    opts.KeysOnly,
	}

	if opts.Range != nil {
		rng, err := opts.Range.toRequest()
		if err != nil {
			return nil, err
		}
		createReq.Range = rng
	}

	if opts.Sampling != nil {
		if opts.Sampling.Samples == 0 {
			return nil, wrapError(ErrInvalidArgument, "samples within sampling must be set")
		}

		createReq.Sampling = &rangeScanCreateSample{
			Seed:    opts.Sampling.Seed,
			Samples: opts.Sampling.Samples,
		}
	}

	if opts.Snapshot != nil {
		if opts.Snapshot.VbUUID == 0 {
			return nil, wrapError(ErrInvalidArgument, "vbuuid within snapshot must be set")
		}
		if opts.Snapshot.SeqNo == 0 {
			return nil, wrapError(ErrInvalidArgument, "seqno within snapshot must be set")
		}

		createReq.Snapshot = &rangeScanCreateSnapshot{
			VbUUID:      strconv.FormatUint(uint64(opts.Snapshot.VbUUID), 10),
			SeqNo:       uint64(opts.Snapshot.SeqNo),
			SeqNoExists: opts.Snapshot.SeqNoExists,
		}
		if !opts.Deadline.IsZero() {
			createReq.Snapshot.Timeout = uint64(time.Until(opts.Deadline).Milliseconds())
		}
	}

	return createReq, nil
}

// RangeScanCreateRangeScanConfig is the configuration available for performing a range scan.
type RangeScanCreateRangeScanConfig struct {
	Start          []byte
	End            []byte
	ExclusiveStart []byte
	ExclusiveEnd   []byte
}

func (cfg *RangeScanCreateRangeScanConfig) toRequest() (*rangeScanCreateRange, error) {
	hasStart, hasEnd := len(cfg.Start) > 0, len(cfg.End) > 0
	hasExclStart, hasExclEnd := len(cfg.ExclusiveStart) > 0, len(cfg.ExclusiveEnd) > 0

	if hasStart && hasExclStart {
		return nil, wrapError(ErrInvalidArgument, "only one of start and exclusive start within range can be set")
	}
	if hasEnd && hasExclEnd {
		return nil, wrapError(ErrInvalidArgument, "only one of end and exclusive end within range can be set")
	}
	if !hasStart && !hasExclStart {
		return nil, wrapError(ErrInvalidArgument, "one of start and exclusive start within range must be set")
	}
	if !hasEnd && !hasExclEnd {
		return nil, wrapError(ErrInvalidArgument, "one of end and exclusive end within range must be set")
	}

	rng := &rangeScanCreateRange{}
	if hasStart {
		rng.Start = base64.StdEncoding.EncodeToString(cfg.Start)
	}
	if hasEnd {
		rng.End = base64.StdEncoding.EncodeToString(cfg.End)
	}
	if hasExclStart {
		rng.ExclusiveStart = base64.StdEncoding.EncodeToString(cfg.ExclusiveStart)
	}
	if hasExclEnd {
		rng.ExclusiveEnd = base64.StdEncoding.EncodeToString(cfg.ExclusiveEnd)
	}

	return rng, nil
}

// RangeScanCreateRandomSamplingConfig is the configuration available for performing a random sampling.
type RangeScanCreateRandomSamplingConfig struct {
	Seed    uint64
	Samples uint64
}

// RangeScanCreateSnapshotRequirements is the set of requirements that the vbucket snapshot must meet in-order for
// the request to be successful.
type RangeScanCreateSnapshotRequirements struct {
	VbUUID      VbUUID
	SeqNo       SeqNo
	SeqNoExists bool
}

// RangeScanCreateResult encapsulates the result of a RangeScanCreate operation.
type RangeScanCreateResult struct {
	ScanUUID []byte
	KeysOnly bool
}

// RangeScanContinueOptions encapsulates the parameters for a RangeScanContinue operation.
type RangeScanContinueOptions struct {
	RetryStrategy RetryStrategy

	// Deadline will also be sent as a part of the payload if not zero.
	Deadline time.Time

	MaxCount uint32
	MaxBytes uint32

	TraceContext RequestSpanContext
}

// RangeScanItem encapsulates an item returned during a range scan.
type RangeScanItem struct {
	VbID     uint16
	Value    []byte
	Key      []byte
	Flags    uint32
	Cas      Cas
	Expiry   uint32
	SeqNo    SeqNo
	Datatype uint8
}

// RangeScanContinueResult encapsulates the result of a RangeScanContinue operation.
type RangeScanContinueResult struct {
	More     bool
	Complete bool
}

// RangeScanCancelOptions encapsulates the parameters for a RangeScanCancel operation.
type RangeScanCancelOptions struct {
	RetryStrategy RetryStrategy
	Deadline      time.Time

	TraceContext RequestSpanContext
}

// RangeScanCancelResult encapsulates the result of a RangeScanCancel operation.
type RangeScanCancelResult struct{}

// RangeScanCreateCallback is invoked upon completion of a RangeScanCreate operation.
type RangeScanCreateCallback = func(*RangeScanCreateResult, error)

// RangeScanContinueDataCallback receives every batch of items of a RangeScanContinue operation.
type RangeScanContinueDataCallback = func([]RangeScanItem)

// RangeScanContinueActionCallback is invoked once a RangeScanContinue operation has finished.
type RangeScanContinueActionCallback = func(*RangeScanContinueResult, error)

// RangeScanCancelCallback is invoked upon completion of a RangeScanCancel operation.
type RangeScanCancelCallback = func(*RangeScanCancelResult, error)
