package gocbnet

const (
	meterNameOperationDuration = "db.client.operation.duration"
	meterNameRetries           = "db.client.retries"
)

// Meter creates the instruments which operation latencies and retries are
// recorded into. It may return the same instrument for repeated calls with the
// same name and tags, and must be safe for concurrent use.
type Meter interface {
	Counter(name string, tags map[string]string) (Counter, error)
	ValueRecorder(name string, tags map[string]string) (ValueRecorder, error)
}

// Counter accumulates a monotonic count.
type Counter interface {
	IncrementBy(num uint64)
}

// ValueRecorder records individual samples, durations are in microseconds.
type ValueRecorder interface {
	RecordValue(val uint64)
}

// discardMeter is used when no Meter is configured.
type discardMeter struct{}

type discardInstrument struct{}

func (discardInstrument) IncrementBy(uint64) {}

func (discardInstrument) RecordValue(uint64) {}

func (discardMeter) Counter(string, map[string]string) (Counter, error) {
	return discardInstrument{}, nil
}

func (discardMeter) ValueRecorder(string, map[string]string) (ValueRecorder, error) {
	return discardInstrument{}, nil
}
