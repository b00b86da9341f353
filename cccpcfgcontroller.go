package gocbnet

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cccpPollerProperties struct {
	confCccpPollPeriod time.Duration
	confCccpMaxWait    time.Duration
}

// cccpConfigController polls GET_CLUSTER_CONFIG over the KV connections,
// rotating the node it asks on every tick.
type cccpConfigController struct {
	muxer              dispatcher
	cfgMgr             *configManagementComponent
	confCccpPollPeriod time.Duration
	confCccpMaxWait    time.Duration

	refreshGroup singleflight.Group

	nodeIdxLock sync.Mutex
	nodeIdx     int

	errLock sync.Mutex
	err     error

	looperStopSig chan struct{}
	looperDoneSig chan struct{}
	stopOnce      sync.Once
}

func newCCCPConfigController(props cccpPollerProperties, muxer dispatcher, cfgMgr *configManagementComponent) *cccpConfigController {
	return &cccpConfigController{
		muxer:              muxer,
		cfgMgr:             cfgMgr,
		confCccpPollPeriod: props.confCccpPollPeriod,
		confCccpMaxWait:    props.confCccpMaxWait,
		nodeIdx:            -1,

		looperStopSig: make(chan struct{}),
		looperDoneSig: make(chan struct{}),
	}
}

func (ccc *cccpConfigController) Error() error {
	ccc.errLock.Lock()
	defer ccc.errLock.Unlock()
	return ccc.err
}

func (ccc *cccpConfigController) setError(err error) {
	ccc.errLock.Lock()
	ccc.err = err
	ccc.errLock.Unlock()
}

// Reset prepares the controller for another run of DoLoop.
func (ccc *cccpConfigController) Reset() {
	ccc.looperStopSig = make(chan struct{})
	ccc.looperDoneSig = make(chan struct{})
	ccc.stopOnce = sync.Once{}
	ccc.setError(nil)
}

func (ccc *cccpConfigController) Stop() {
	ccc.stopOnce.Do(func() {
		close(ccc.looperStopSig)
	})
}

func (ccc *cccpConfigController) Done() chan struct{} {
	return ccc.looperDoneSig
}

// Refresh fetches a config immediately. Concurrent callers wait on the same
// fetch rather than each asking the cluster.
func (ccc *cccpConfigController) Refresh() {
	_, err, shared := ccc.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, ccc.pollOnce()
	})
	if err != nil {
		logDebugf("CCCPPOLL: Out of band refresh failed (shared=%t). %v", shared, err)
	}
}

// DoLoop polls until stopped. It returns early with an error when the cluster
// cannot serve configs over KV at all, so the caller can fall back to HTTP.
func (ccc *cccpConfigController) DoLoop() error {
	defer close(ccc.looperDoneSig)

	logDebugf("CCCP Looper starting.")

	for {
		_, err, _ := ccc.refreshGroup.Do("refresh", func() (interface{}, error) {
			return nil, ccc.pollOnce()
		})
		if err != nil {
			ccc.setError(err)
			if isPollingFallbackError(err) {
				logDebugf("CCCPPOLL: Cluster config not supported over KV, returning error upstream. %v", err)
				return err
			}
		} else {
			ccc.setError(nil)
		}

		// Wait for either the agent to be shut down, or our tick time to expire
		timer := AcquireTimer(ccc.confCccpPollPeriod)
		select {
		case <-ccc.looperStopSig:
			ReleaseTimer(timer, false)
			logDebugf("CCCP Looper stopped.")
			return nil
		case <-timer.C:
			ReleaseTimer(timer, true)
		}
	}
}

func (ccc *cccpConfigController) nextNodeIdx(numNodes int) int {
	ccc.nodeIdxLock.Lock()
	defer ccc.nodeIdxLock.Unlock()

	if ccc.nodeIdx < 0 {
		ccc.nodeIdx = rand.Intn(numNodes) // #nosec G404
	}
	ccc.nodeIdx = (ccc.nodeIdx + 1) % numNodes

	return ccc.nodeIdx
}

// pollOnce asks each node in turn, starting from the next one in rotation,
// until one of them returns a config.
func (ccc *cccpConfigController) pollOnce() error {
	snapshot, err := ccc.muxer.PipelineSnapshot()
	if err != nil {
		// If we have an error it indicates the client is shut down.
		return err
	}

	numNodes := snapshot.NumPipelines()
	if numNodes == 0 {
		logDebugf("CCCPPOLL: No nodes available to poll")
		return errNoCCCPHosts
	}

	var foundConfig *cfgBucket
	var firstErr error
	unsupported := 0
	snapshot.Iterate(ccc.nextNodeIdx(numNodes), func(pipeline *memdPipeline) bool {
		cccpBytes, err := ccc.getClusterConfig(pipeline)
		if err != nil {
			logDebugf("CCCPPOLL: Failed to retrieve CCCP config. %v", err)
			if isPollingFallbackError(err) {
				unsupported++
			}
			if firstErr == nil {
				firstErr = err
			}
			return false
		}

		hostName, err := hostFromHostPort(pipeline.Address())
		if err != nil {
			logErrorf("CCCPPOLL: Failed to parse source address. %v", err)
			return false
		}

		bk, err := parseConfig(cccpBytes, hostName)
		if err != nil {
			logDebugf("CCCPPOLL: Failed to parse CCCP config. %v", err)
			if firstErr == nil {
				firstErr = err
			}
			return false
		}

		foundConfig = bk
		return true
	})

	if foundConfig == nil {
		logDebugf("CCCPPOLL: Failed to retrieve config from any node.")
		if unsupported == numNodes {
			return firstErr
		}
		if firstErr == nil {
			firstErr = ErrConfigNotFound
		}
		return wrapError(ErrConfigNotFound, firstErr.Error())
	}

	logDebugf("CCCPPOLL: Received new config")
	ccc.cfgMgr.OnNewConfig(foundConfig)
	return nil
}

func (ccc *cccpConfigController) getClusterConfig(pipeline *memdPipeline) ([]byte, error) {
	type cfgResult struct {
		value []byte
		err   error
	}

	signal := make(chan cfgResult, 1)
	req := newKvRequest(kvOpGetClusterConfig, func(resp *memdQResponse, _ *memdQRequest, err error) {
		var value []byte
		if resp != nil {
			value = resp.Value
		}
		signal <- cfgResult{value: value, err: err}
	})
	req.RetryStrategy = newFailFastRetryStrategy()
	req.Deadline = time.Now().Add(ccc.confCccpMaxWait)

	_, err := ccc.muxer.DispatchDirectToAddress(req, pipeline)
	if err != nil {
		return nil, err
	}

	timeoutTmr := AcquireTimer(ccc.confCccpMaxWait)
	select {
	case res := <-signal:
		ReleaseTimer(timeoutTmr, false)
		return res.value, res.err
	case <-timeoutTmr.C:
		ReleaseTimer(timeoutTmr, true)
		req.internalCancel(ErrUnambiguousTimeout)
		res := <-signal
		return res.value, res.err
	}
}

// OnClusterMapChange handles a config pushed by a node. A pushed config with
// the same revision as the current one still describes a topology change on
// that node, so it is allowed to override.
func (ccc *cccpConfigController) OnClusterMapChange(bucket string, revEpoch, revID int64, config []byte, sourceHost string) {
	if len(config) == 0 {
		current := ccc.cfgMgr.CurrentConfig()
		if current.revEpoch > revEpoch || (current.revEpoch == revEpoch && current.revID >= revID) {
			return
		}

		go ccc.Refresh()
		return
	}

	hostName, err := hostFromHostPort(sourceHost)
	if err != nil {
		logDebugf("Cluster map notification had an invalid source address %s", sourceHost)
		return
	}

	bk, err := parseConfig(config, hostName)
	if err != nil {
		logDebugf("Failed to parse pushed cluster map for %s. %v", redactMetaData(bucket), err)
		return
	}

	current := ccc.cfgMgr.CurrentConfig()
	if bk.RevEpoch == current.revEpoch && bk.Rev == current.revID {
		bk.forcesOverride = true
	}

	go ccc.cfgMgr.OnNewConfig(bk)
}

var errNoCCCPHosts = errors.New("no cccp hosts available")

// isPollingFallbackError reports whether err means the KV nodes cannot serve
// cluster configs, in which case polling moves to HTTP.
func isPollingFallbackError(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrUnsupportedOperation) ||
		errors.Is(err, errNoCCCPHosts) || errors.Is(err, ErrBucketNotFound)
}
