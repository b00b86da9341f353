package gocbnet

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

type httpPollerProperties struct {
	confHTTPPollPeriod time.Duration
	confHTTPMaxWait    time.Duration
}

// httpConfigController polls the terse bucket config from the cluster manager.
// It is used when the KV nodes cannot serve configs.
type httpConfigController struct {
	httpCmpt   *httpComponent
	cfgMgr     *configManagementComponent
	bucketName string

	pollPeriod time.Duration
	maxWait    time.Duration

	lock      sync.Mutex
	seenNodes map[string]uint64
	iterNum   uint64
	err       error

	looperStopSig chan struct{}
	looperDoneSig chan struct{}
	stopOnce      sync.Once
}

func newHTTPConfigController(bucketName string, props httpPollerProperties, httpCmpt *httpComponent,
	cfgMgr *configManagementComponent) *httpConfigController {
	return &httpConfigController{
		httpCmpt:      httpCmpt,
		cfgMgr:        cfgMgr,
		bucketName:    bucketName,
		pollPeriod:    props.confHTTPPollPeriod,
		maxWait:       props.confHTTPMaxWait,
		seenNodes:     make(map[string]uint64),
		looperStopSig: make(chan struct{}),
		looperDoneSig: make(chan struct{}),
	}
}

func (hcc *httpConfigController) Error() error {
	hcc.lock.Lock()
	defer hcc.lock.Unlock()
	return hcc.err
}

func (hcc *httpConfigController) setError(err error) {
	hcc.lock.Lock()
	hcc.err = err
	hcc.lock.Unlock()
}

func (hcc *httpConfigController) Reset() {
	hcc.looperStopSig = make(chan struct{})
	hcc.looperDoneSig = make(chan struct{})
	hcc.stopOnce = sync.Once{}
	hcc.setError(nil)
}

func (hcc *httpConfigController) Stop() {
	hcc.stopOnce.Do(func() {
		close(hcc.looperStopSig)
	})
}

func (hcc *httpConfigController) Done() chan struct{} {
	return hcc.looperDoneSig
}

// GetEndpoint picks a management endpoint which has not been tried during
// iteration iterNum, or "" once all of them have been.
func (hcc *httpConfigController) GetEndpoint(iterNum uint64) string {
	hcc.lock.Lock()
	defer hcc.lock.Unlock()

	for _, srv := range hcc.httpCmpt.Endpoints(MgmtService) {
		if hcc.seenNodes[srv] >= iterNum {
			continue
		}
		hcc.seenNodes[srv] = iterNum
		return srv
	}

	return ""
}

func (hcc *httpConfigController) Refresh() {
	if err := hcc.pollOnce(); err != nil {
		logDebugf("HTTPPOLL: Out of band refresh failed. %v", err)
	}
}

func (hcc *httpConfigController) DoLoop() {
	defer close(hcc.looperDoneSig)

	logDebugf("HTTP Looper starting.")
	for {
		err := hcc.pollOnce()
		hcc.setError(err)

		timer := AcquireTimer(hcc.pollPeriod)
		select {
		case <-hcc.looperStopSig:
			ReleaseTimer(timer, false)
			logDebugf("HTTP Looper stopped.")
			return
		case <-timer.C:
			ReleaseTimer(timer, true)
		}
	}
}

func (hcc *httpConfigController) pollOnce() error {
	hcc.lock.Lock()
	hcc.iterNum++
	iterNum := hcc.iterNum
	hcc.lock.Unlock()

	var firstErr error
	for {
		endpoint := hcc.GetEndpoint(iterNum)
		if endpoint == "" {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), hcc.maxWait)
		bk, err := fetchHTTPConfig(ctx, hcc.httpCmpt, endpoint, hcc.bucketName)
		cancel()
		if err != nil {
			logDebugf("HTTPPOLL: Failed to retrieve config from %s. %v", endpoint, err)
			if firstErr == nil {
				firstErr = err
			}
			if errors.Is(err, ErrAuthenticationFailure) || errors.Is(err, ErrBucketNotFound) {
				return err
			}
			continue
		}

		logDebugf("HTTPPOLL: Received new config")
		hcc.cfgMgr.OnNewConfig(bk)
		return nil
	}

	if firstErr == nil {
		firstErr = ErrServiceNotAvailable
	}
	return firstErr
}

// fetchHTTPConfig reads the terse config of bucketName from one cluster manager.
func fetchHTTPConfig(ctx context.Context, httpCmpt *httpComponent, endpoint, bucketName string) (*cfgBucket, error) {
	deadline, _ := ctx.Deadline()
	resp, err := httpCmpt.DoInternalHTTPRequest(ctx, &httpRequest{
		Service:       MgmtService,
		Method:        http.MethodGet,
		Endpoint:      endpoint,
		Path:          "/pools/default/b/" + url.PathEscape(bucketName),
		Deadline:      deadline,
		IsIdempotent:  true,
		RetryStrategy: newFailFastRetryStrategy(),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logDebugf("Failed to close config response body. %v", closeErr)
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, HTTPError{InnerError: ErrAuthenticationFailure, Endpoint: endpoint}
	case http.StatusNotFound:
		return nil, HTTPError{InnerError: ErrBucketNotFound, Endpoint: endpoint}
	default:
		return nil, HTTPError{
			InnerError: wrapError(ErrServiceNotAvailable, "unexpected status "+strconv.Itoa(resp.StatusCode)),
			Endpoint:   endpoint,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigSize))
	if err != nil {
		return nil, err
	}

	epURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	return parseConfig(body, epURL.Hostname())
}

const maxConfigSize = 20 * 1024 * 1024
