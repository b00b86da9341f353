package gocbnet

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

type kvErrorMapAttr string

const (
	kvErrorMapAttrAutoRetry  = kvErrorMapAttr("auto-retry")
	kvErrorMapAttrRetryNow   = kvErrorMapAttr("retry-now")
	kvErrorMapAttrRetryLater = kvErrorMapAttr("retry-later")
	kvErrorMapAttrTemp       = kvErrorMapAttr("temp")
	kvErrorMapAttrConnState  = kvErrorMapAttr("conn-state")
)

type kvErrorMapRetry struct {
	Strategy    string
	Interval    int
	After       int
	Ceil        int
	MaxDuration int
}

// CalculateRetryDelay returns how long to wait before the given retry attempt,
// where attempt zero is the first retry.
func (retry kvErrorMapRetry) CalculateRetryDelay(retryCount uint32) time.Duration {
	duraMs := float64(0)
	if retryCount == 0 {
		duraMs = float64(retry.After)
	} else {
		switch retry.Strategy {
		case "constant":
			duraMs = float64(retry.Interval)
		case "linear":
			duraMs = float64(retry.Interval) * float64(retryCount)
		case "exponential":
			duraMs = math.Pow(float64(retry.Interval), float64(retryCount))
		}
	}

	if retry.Ceil > 0 && duraMs > float64(retry.Ceil) {
		duraMs = float64(retry.Ceil)
	}

	return time.Duration(duraMs) * time.Millisecond
}

type kvErrorMapError struct {
	Name        string
	Description string
	Attributes  []kvErrorMapAttr
	Retry       kvErrorMapRetry
}

type kvErrorMap struct {
	Version  int
	Revision int
	Errors   map[uint16]kvErrorMapError
}

type cfgKvErrorMapError struct {
	Name  string   `json:"name"`
	Desc  string   `json:"desc"`
	Attrs []string `json:"attrs"`
	Retry struct {
		Strategy    string `json:"strategy"`
		Interval    int    `json:"interval"`
		After       int    `json:"after"`
		Ceil        int    `json:"ceil"`
		MaxDuration int    `json:"max-duration"`
	} `json:"retry"`
}

type cfgKvErrorMap struct {
	Version  int `json:"version"`
	Revision int `json:"revision"`
	Errors   map[string]cfgKvErrorMapError
}

func parseKvErrorMap(data []byte) (*kvErrorMap, error) {
	var cfg cfgKvErrorMap
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	var errMap kvErrorMap
	errMap.Version = cfg.Version
	errMap.Revision = cfg.Revision
	errMap.Errors = make(map[uint16]kvErrorMapError)
	for errCodeStr, errData := range cfg.Errors {
		errCode, err := strconv.ParseInt(errCodeStr, 16, 64)
		if err != nil {
			return nil, err
		}

		var errInfo kvErrorMapError
		errInfo.Name = errData.Name
		errInfo.Description = errData.Desc
		errInfo.Attributes = make([]kvErrorMapAttr, len(errData.Attrs))
		for i, attr := range errData.Attrs {
			errInfo.Attributes[i] = kvErrorMapAttr(attr)
		}
		errInfo.Retry = kvErrorMapRetry{
			Strategy:    errData.Retry.Strategy,
			Interval:    errData.Retry.Interval,
			After:       errData.Retry.After,
			Ceil:        errData.Retry.Ceil,
			MaxDuration: errData.Retry.MaxDuration,
		}
		errMap.Errors[uint16(errCode)] = errInfo
	}

	return &errMap, nil
}

func (errInfo kvErrorMapError) hasAttribute(attr kvErrorMapAttr) bool {
	for _, a := range errInfo.Attributes {
		if a == attr {
			return true
		}
	}
	return false
}
