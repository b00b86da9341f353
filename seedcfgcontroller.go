package gocbnet

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// seedConfigController fetches the first config. It asks the KV seeds and the
// cluster manager seeds at the same time and keeps whichever answers first.
type seedConfigController struct {
	kvSeeds    []string
	bucketName string

	dialer   *memdClientDialerComponent
	httpCmpt *httpComponent
	cfgMgr   *configManagementComponent

	// Overridable in tests.
	fetchKVFn   func(ctx context.Context) (*cfgBucket, error)
	fetchHTTPFn func(ctx context.Context) (*cfgBucket, error)
}

func newSeedConfigController(kvSeeds []string, bucketName string, dialer *memdClientDialerComponent,
	httpCmpt *httpComponent, cfgMgr *configManagementComponent) *seedConfigController {
	scc := &seedConfigController{
		kvSeeds:    kvSeeds,
		bucketName: bucketName,
		dialer:     dialer,
		httpCmpt:   httpCmpt,
		cfgMgr:     cfgMgr,
	}
	scc.fetchKVFn = scc.fetchKV
	scc.fetchHTTPFn = scc.fetchHTTP

	return scc
}

// Bootstrap applies the first config to arrive from either source. When both
// fail the KV error is returned.
func (scc *seedConfigController) Bootstrap(ctx context.Context) error {
	raceCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		winnerOnce sync.Once
		winner     *cfgBucket
		winnerSrc  string
		kvErr      error
		httpErr    error
	)

	race := func(src string, fetch func(context.Context) (*cfgBucket, error), errOut *error) func() error {
		return func() error {
			bk, err := fetch(raceCtx)
			if err != nil {
				if errors.Is(context.Cause(raceCtx), errBootstrapRaceLost) {
					logDebugf("Bootstrap source %s cancelled, another source won", src)
				} else {
					logDebugf("Bootstrap source %s failed. %v", src, err)
				}
				*errOut = err
				// Errors are collected rather than returned so that a failure
				// on one side never cancels the other.
				return nil
			}

			winnerOnce.Do(func() {
				winner = bk
				winnerSrc = src
				cancel(errBootstrapRaceLost)
			})
			return nil
		}
	}

	var g errgroup.Group
	g.Go(race("kv", scc.fetchKVFn, &kvErr))
	g.Go(race("http", scc.fetchHTTPFn, &httpErr))
	_ = g.Wait()

	if winner == nil {
		if kvErr != nil {
			return kvErr
		}
		if httpErr != nil {
			return httpErr
		}
		return ErrConfigNotFound
	}

	logDebugf("Bootstrapped from %s config", winnerSrc)
	scc.cfgMgr.OnNewConfig(winner)
	return nil
}

func (scc *seedConfigController) fetchKV(ctx context.Context) (*cfgBucket, error) {
	if len(scc.kvSeeds) == 0 {
		return nil, errNoCCCPHosts
	}

	var firstErr error
	for _, seed := range scc.kvSeeds {
		bk, err := scc.fetchKVFromSeed(ctx, seed)
		if err == nil {
			return bk, nil
		}

		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	return nil, firstErr
}

func (scc *seedConfigController) fetchKVFromSeed(ctx context.Context, seed string) (*cfgBucket, error) {
	client, err := scc.dialer.SlowDialMemdClient(ctx.Done(), seed, passthroughErrHandler)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logDebugf("Failed to close bootstrap client. %v", closeErr)
		}
	}()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(scc.dialer.kvConnectTimeout)
	}

	resCh, err := client.ExecGetClusterConfig(deadline)
	if err != nil {
		return nil, err
	}

	var res BytesAndError
	select {
	case res = <-resCh:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	if res.Err != nil {
		return nil, res.Err
	}

	hostName, err := hostFromHostPort(seed)
	if err != nil {
		return nil, err
	}

	return parseConfig(res.Bytes, hostName)
}

func (scc *seedConfigController) fetchHTTP(ctx context.Context) (*cfgBucket, error) {
	if scc.bucketName == "" {
		return nil, wrapError(ErrInvalidArgument, "http bootstrap requires a bucket")
	}

	var firstErr error
	for _, endpoint := range scc.httpCmpt.Endpoints(MgmtService) {
		bk, err := fetchHTTPConfig(ctx, scc.httpCmpt, endpoint, scc.bucketName)
		if err == nil {
			return bk, nil
		}

		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if firstErr == nil {
		firstErr = ErrServiceNotAvailable
	}
	return nil, firstErr
}

func passthroughErrHandler(_ *memdQResponse, _ *memdQRequest, err error) (bool, error) {
	return false, err
}
