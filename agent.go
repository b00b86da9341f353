// Package gocbnet implements the network engine of a Couchbase client: routing
// keys to nodes, pooled binary protocol connections, retries, client side
// durability and range scans.
package gocbnet

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/couchbaselabs/gocbnet/memd"
)

const (
	defaultTombstoneTTL      = 30 * time.Second
	defaultTombstoneCapacity = 4096
)

// Agent represents the base client handling connections to a Couchbase Server.
type Agent struct {
	clientID   string
	bucketName string
	instanceID string
	tlsConfig  *tls.Config

	defaultRetryStrategy RetryStrategy

	cfgMgr         *configManagementComponent
	errMapMgr      *errMapComponent
	tracer         *tracerComponent
	orphanReporter *orphanReporterComponent
	tombstones     *memdOpTombstoneStore
	dialer         *memdClientDialerComponent

	kvMux            *kvMux
	httpCmpt         *httpComponent
	seed             *seedConfigController
	pollerController *pollerController

	crud      *crudComponent
	rangeScan *rangeScanOrchestrator
	n1ql      *n1qlQueryComponent
	diag      *diagnosticsComponent

	bootstrapErr    atomic.Pointer[error]
	bootstrapCancel context.CancelFunc
	bootstrapDone   chan struct{}

	closeOnce sync.Once
	isClosed  atomic.Bool
}

// CreateAgent creates an agent for performing normal operations. Connecting
// happens in the background, WaitUntilReady blocks until the agent can route.
func CreateAgent(config *AgentConfig) (*Agent, error) {
	logInfof("SDK Version: gocbnet/%s", gocbnetVersionStr)
	logInfof("Creating new agent: %+v", config.redacted())

	if config.SecurityConfig.Auth == nil {
		return nil, wrapError(ErrInvalidArgument, "an auth provider must be specified")
	}
	if len(config.SeedConfig.MemdAddrs) == 0 && len(config.SeedConfig.HTTPAddrs) == 0 {
		return nil, wrapError(ErrInvalidArgument, "at least one seed address must be specified")
	}

	tlsConfig := createTLSConfig(config.SecurityConfig)

	retryStrategy := config.DefaultRetryStrategy
	if retryStrategy == nil {
		retryStrategy = NewBestEffortRetryStrategy(nil)
	}

	kvConnectTimeout := 7000 * time.Millisecond
	if config.KVConfig.ConnectTimeout > 0 {
		kvConnectTimeout = config.KVConfig.ConnectTimeout
	}

	maxQueueSize := 2048
	if config.KVConfig.MaxQueueSize > 0 {
		maxQueueSize = config.KVConfig.MaxQueueSize
	}

	pipelineProps := kvPipelinePropsFromConfig(config.KVConfig)

	confCccpMaxWait := 3 * time.Second
	if config.ConfigPollerConfig.CccpMaxWait > 0 {
		confCccpMaxWait = config.ConfigPollerConfig.CccpMaxWait
	}

	confCccpPollPeriod := 2500 * time.Millisecond
	if config.ConfigPollerConfig.CccpPollPeriod > 0 {
		confCccpPollPeriod = config.ConfigPollerConfig.CccpPollPeriod
	}

	confHTTPMaxWait := 5 * time.Second
	if config.ConfigPollerConfig.HTTPMaxWait > 0 {
		confHTTPMaxWait = config.ConfigPollerConfig.HTTPMaxWait
	}

	confHTTPPollPeriod := 2500 * time.Millisecond
	if config.ConfigPollerConfig.HTTPPollPeriod > 0 {
		confHTTPPollPeriod = config.ConfigPollerConfig.HTTPPollPeriod
	}

	compressionMinSize := 32
	if config.CompressionConfig.MinSize > 0 {
		compressionMinSize = config.CompressionConfig.MinSize
	}
	compressionMinRatio := 0.83
	if config.CompressionConfig.MinRatio > 0 {
		compressionMinRatio = config.CompressionConfig.MinRatio
		if compressionMinRatio >= 1.0 {
			compressionMinRatio = 1.0
		}
	}

	orphanInterval := 10 * time.Second
	if config.OrphanReporterConfig.ReportInterval > 0 {
		orphanInterval = config.OrphanReporterConfig.ReportInterval
	}
	orphanSampleSize := 10
	if config.OrphanReporterConfig.SampleSize > 0 {
		orphanSampleSize = config.OrphanReporterConfig.SampleSize
	}

	duraPollInterval := 100 * time.Millisecond
	if config.DurabilityConfig.PollInterval > 0 {
		duraPollInterval = config.DurabilityConfig.PollInterval
	}
	duraMaxPollInterval := 1500 * time.Millisecond
	if config.DurabilityConfig.MaxPollInterval > 0 {
		duraMaxPollInterval = config.DurabilityConfig.MaxPollInterval
	}

	rangeScanConcurrency := 8
	if config.RangeScanConfig.MaxConcurrency > 0 {
		rangeScanConcurrency = config.RangeScanConfig.MaxConcurrency
	}

	authMechanisms := config.SecurityConfig.AuthMechanisms
	if len(authMechanisms) == 0 {
		authMechanisms = defaultAuthMechanisms(config.SecurityConfig.Auth, tlsConfig != nil)
	}

	agent := &Agent{
		clientID:             uuid.NewString(),
		bucketName:           config.BucketName,
		tlsConfig:            tlsConfig,
		defaultRetryStrategy: retryStrategy,
		errMapMgr:            newErrMapManager(config.BucketName),
		bootstrapDone:        make(chan struct{}),
	}

	agent.cfgMgr = newConfigManager(configManagerProperties{
		UseTLS:      tlsConfig != nil,
		NetworkType: config.IoConfig.NetworkType,
	})

	agent.tracer = newTracerComponent(config.TracerConfig.Tracer, config.BucketName,
		config.TracerConfig.NoRootTraceSpans, config.MeterConfig.Meter)
	agent.cfgMgr.AddConfigWatcher(agent.tracer)

	agent.orphanReporter = newOrphanReporterComponent(orphanInterval, orphanSampleSize)
	agent.tombstones = newMemdOpTombstoneStore(defaultTombstoneTTL, defaultTombstoneCapacity,
		agent.orphanReporter.RecordTombstoneEviction)

	agent.dialer = newMemdClientDialerComponent(
		memdClientDialerProps{
			KVConnectTimeout:     kvConnectTimeout,
			ClientID:             agent.clientID,
			MaxOutstanding:       maxOutstandingFromConfig(config.KVConfig),
			CompressionMinSize:   compressionMinSize,
			CompressionMinRatio:  compressionMinRatio,
			DisableDecompression: config.CompressionConfig.DisableDecompression,
		},
		bootstrapProps{
			Bucket:         config.BucketName,
			UserAgent:      config.UserAgent,
			AuthMechanisms: authMechanisms,
			AuthHandler:    buildAuthHandler(config.SecurityConfig.Auth),
			ErrMapManager:  agent.errMapMgr,
			HelloProps: helloProps{
				MutationTokensEnabled:  config.IoConfig.UseMutationTokens,
				CollectionsEnabled:     config.IoConfig.UseCollections,
				CompressionEnabled:     config.CompressionConfig.Enabled,
				DurationsEnabled:       config.IoConfig.UseDurations,
				ClusterMapNotifEnabled: config.IoConfig.UseClusterMapNotifications,
				UnorderedExecEnabled:   config.IoConfig.UseUnorderedExec,
				SyncReplicationEnabled: config.IoConfig.UseSyncReplication,
				PreserveExpiryEnabled:  config.IoConfig.UsePreserveExpiry,
			},
		},
		tlsConfig,
		agent.tracer,
		agent.orphanReporter,
		agent.tombstones,
	)

	agent.kvMux = newKVMux(
		kvMuxProps{
			QueueSize:     maxQueueSize,
			PipelineProps: pipelineProps,
		},
		agent.cfgMgr,
		agent.errMapMgr,
		agent.tracer,
		agent.dialer,
	)

	var httpEps []string
	for _, hostPort := range config.SeedConfig.HTTPAddrs {
		if tlsConfig != nil {
			httpEps = append(httpEps, "https://"+hostPort)
		} else {
			httpEps = append(httpEps, "http://"+hostPort)
		}
	}

	agent.httpCmpt = newHTTPComponent(
		httpComponentProps{
			UserAgent:           config.UserAgent,
			Auth:                config.SecurityConfig.Auth,
			TLSConfig:           tlsConfig,
			ConnectTimeout:      config.HTTPConfig.ConnectTimeout,
			MaxIdleConns:        config.HTTPConfig.MaxIdleConns,
			MaxIdleConnsPerHost: config.HTTPConfig.MaxIdleConnsPerHost,
			IdleTimeout:         config.HTTPConfig.IdleConnectionTimeout,
			SeedMgmtEndpoints:   httpEps,
		},
		agent.cfgMgr,
		agent.tracer,
	)

	cccp := newCCCPConfigController(
		cccpPollerProperties{
			confCccpPollPeriod: confCccpPollPeriod,
			confCccpMaxWait:    confCccpMaxWait,
		},
		agent.kvMux,
		agent.cfgMgr,
	)

	var httpPoller *httpConfigController
	if len(httpEps) > 0 {
		httpPoller = newHTTPConfigController(
			config.BucketName,
			httpPollerProperties{
				confHTTPPollPeriod: confHTTPPollPeriod,
				confHTTPMaxWait:    confHTTPMaxWait,
			},
			agent.httpCmpt,
			agent.cfgMgr,
		)
	}

	agent.pollerController = newPollerController(cccp, httpPoller)
	agent.kvMux.SetConfigRefresher(agent.pollerController)
	if config.IoConfig.UseClusterMapNotifications {
		agent.dialer.SetClusterMapChangeHandler(cccp.OnClusterMapChange)
	}

	agent.seed = newSeedConfigController(config.SeedConfig.MemdAddrs, config.BucketName, agent.dialer,
		agent.httpCmpt, agent.cfgMgr)

	agent.crud = newCRUDComponent(agent.kvMux, agent.tracer, retryStrategy, config.BucketName,
		config.CompressionConfig.DisableDecompression)
	agent.crud.dura = newDurabilityObserver(agent.crud, duraPollInterval, duraMaxPollInterval)
	agent.rangeScan = newRangeScanOrchestrator(agent.crud, agent.kvMux, rangeScanConcurrency)
	agent.n1ql = newN1QLQueryComponent(agent.httpCmpt, agent.cfgMgr, agent.tracer, retryStrategy)
	agent.diag = newDiagnosticsComponent(agent.kvMux, agent.cfgMgr, config.BucketName)

	if config.OrphanReporterConfig.Enabled {
		go agent.orphanReporter.Start()
	}

	agent.instanceID = globalInstances.Register(agent)

	bootstrapCtx, cancel := context.WithCancel(context.Background())
	agent.bootstrapCancel = cancel
	go agent.bootstrap(bootstrapCtx)

	return agent, nil
}

func createTLSConfig(config SecurityConfig) *tls.Config {
	if !config.UseTLS {
		return nil
	}

	return &tls.Config{
		RootCAs:            config.TLSRootCAs,
		InsecureSkipVerify: config.TLSSkipVerify, // nolint: gosec
		GetClientCertificate: func(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			cert, err := config.Auth.Certificate(AuthCertRequest{})
			if err != nil {
				return nil, err
			}

			if cert == nil {
				return &tls.Certificate{}, nil
			}

			return cert, nil
		},
	}
}

// bootstrap fetches the first config, retrying until it succeeds or the agent
// is closed, and then hands over to the config pollers.
func (agent *Agent) bootstrap(ctx context.Context) {
	defer close(agent.bootstrapDone)

	backoff := ExponentialBackoff(100*time.Millisecond, 5*time.Second, 2)
	for attempt := uint32(0); ; attempt++ {
		err := agent.seed.Bootstrap(ctx)
		if err == nil {
			agent.bootstrapErr.Store(nil)
			break
		}
		if ctx.Err() != nil {
			return
		}

		logWarnf("Bootstrap attempt %d failed: %v", attempt+1, err)
		agent.bootstrapErr.Store(&err)

		timer := AcquireTimer(backoff(attempt))
		select {
		case <-timer.C:
			ReleaseTimer(timer, true)
		case <-ctx.Done():
			ReleaseTimer(timer, false)
			return
		}
	}

	agent.pollerController.Run()
}

// WaitUntilReady blocks until the agent has applied a cluster config and can
// route requests, or ctx is done. The last bootstrap error is included when
// ctx ends first.
func (agent *Agent) WaitUntilReady(ctx context.Context) error {
	if agent.isClosed.Load() {
		return ErrShutdown
	}

	err := agent.kvMux.WaitForConfig(ctx)
	if err == nil {
		return nil
	}

	if lastErr := agent.bootstrapErr.Load(); lastErr != nil {
		return errors.Join(err, *lastErr)
	}
	return err
}

// Close shuts down the agent, disconnecting from all servers and failing
// any outstanding operations with ErrShutdown.
func (agent *Agent) Close() error {
	var routeCloseErr error
	agent.closeOnce.Do(func() {
		logInfof("Agent closing")
		agent.isClosed.Store(true)

		globalInstances.Deregister(agent.instanceID)

		agent.bootstrapCancel()
		agent.pollerController.Stop()
		<-agent.bootstrapDone

		routeCloseErr = agent.kvMux.Close()
		agent.httpCmpt.Close()
		agent.orphanReporter.Stop()

		logInfof("Agent close complete")
	})

	return routeCloseErr
}

// ClientID returns the unique id for this agent.
func (agent *Agent) ClientID() string {
	return agent.clientID
}

// BucketName returns the name of the bucket the agent is connected to.
func (agent *Agent) BucketName() string {
	return agent.bucketName
}

// IsSecure returns whether this client is connected via SSL.
func (agent *Agent) IsSecure() bool {
	return agent.tlsConfig != nil
}

// ConfigRevision returns the revision of the config currently used for routing.
func (agent *Agent) ConfigRevision() (int64, error) {
	return agent.kvMux.ConfigRev()
}

// BucketUUID returns the UUID of the bucket we are connected to.
func (agent *Agent) BucketUUID() string {
	return agent.kvMux.ConfigUUID()
}

// KeyToVbucket translates a particular key to its assigned vbucket.
func (agent *Agent) KeyToVbucket(key []byte) (uint16, error) {
	return agent.kvMux.KeyToVbucket(key)
}

// NumVbuckets returns the number of VBuckets configured on the
// connected cluster.
func (agent *Agent) NumVbuckets() int {
	return agent.kvMux.NumVbuckets()
}

// NumReplicas returns the number of replicas configured on the
// connected cluster.
func (agent *Agent) NumReplicas() int {
	return agent.kvMux.NumReplicas()
}

// NumPipelines returns the number of KV nodes the agent routes to.
func (agent *Agent) NumPipelines() int {
	return agent.kvMux.NumPipelines()
}

// HasSyncReplication reports whether every KV node negotiated synchronous replication.
func (agent *Agent) HasSyncReplication() bool {
	return agent.kvMux.SupportsFeature(memd.FeatureSyncReplication)
}

// BucketCapabilityStatus returns the support status of a bucket capability.
func (agent *Agent) BucketCapabilityStatus(cap BucketCapability) BucketCapabilityStatus {
	return agent.kvMux.BucketCapabilityStatus(cap)
}

// N1qlEps returns the query endpoints from the current config.
func (agent *Agent) N1qlEps() []string {
	return agent.httpCmpt.Endpoints(N1qlService)
}

// MgmtEps returns the management endpoints from the current config.
func (agent *Agent) MgmtEps() []string {
	return agent.httpCmpt.Endpoints(MgmtService)
}

const (
	defaultMaxOutstandingPerConn = 64
	defaultNoopInterval          = 60 * time.Second
	defaultIdleConnTimeout       = 5 * time.Minute
)

// maxOutstandingFromConfig resolves the per-connection in-flight cap. A negative
// value removes the cap entirely.
func maxOutstandingFromConfig(cfg KVConfig) int {
	switch {
	case cfg.MaxOutstandingPerConn > 0:
		return cfg.MaxOutstandingPerConn
	case cfg.MaxOutstandingPerConn < 0:
		return 0
	}
	return defaultMaxOutstandingPerConn
}

// kvPipelinePropsFromConfig fills in pool sizing and keepalive defaults. Negative
// noop and idle durations disable keepalives and idle shrinking respectively.
func kvPipelinePropsFromConfig(cfg KVConfig) kvPipelineProps {
	props := kvPipelineProps{
		MinConnsPerNode: 1,
		IdleConnTimeout: defaultIdleConnTimeout,
		ScaleInterval:   time.Second,
		NoopInterval:    defaultNoopInterval,
		NoopTimeout:     2500 * time.Millisecond,
	}
	if cfg.PoolSize > 0 {
		props.MinConnsPerNode = cfg.PoolSize
	}
	props.MaxConnsPerNode = props.MinConnsPerNode * 4
	if cfg.MaxPoolSize > 0 {
		props.MaxConnsPerNode = cfg.MaxPoolSize
	}
	if props.MaxConnsPerNode < props.MinConnsPerNode {
		props.MaxConnsPerNode = props.MinConnsPerNode
	}

	if cfg.IdleConnTimeout > 0 {
		props.IdleConnTimeout = cfg.IdleConnTimeout
	} else if cfg.IdleConnTimeout < 0 {
		props.IdleConnTimeout = 0
	}
	if cfg.ScaleInterval > 0 {
		props.ScaleInterval = cfg.ScaleInterval
	}
	if cfg.NoopInterval > 0 {
		props.NoopInterval = cfg.NoopInterval
	} else if cfg.NoopInterval < 0 {
		props.NoopInterval = 0
	}
	if cfg.NoopTimeout > 0 {
		props.NoopTimeout = cfg.NoopTimeout
	}

	if cfg.ReconnectMinBackoff > 0 || cfg.ReconnectMaxBackoff > 0 {
		minBackoff := 100 * time.Millisecond
		if cfg.ReconnectMinBackoff > 0 {
			minBackoff = cfg.ReconnectMinBackoff
		}
		maxBackoff := 10 * time.Second
		if cfg.ReconnectMaxBackoff > 0 {
			maxBackoff = cfg.ReconnectMaxBackoff
		}
		props.Reconnect = ExponentialBackoff(minBackoff, maxBackoff, 2)
	}

	return props
}
