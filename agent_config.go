package gocbnet

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchbaselabs/gocbnet/connstr"
)

// AgentConfig specifies the configuration options for creation of an Agent.
type AgentConfig struct {
	BucketName string `yaml:"bucket"`
	UserAgent  string `yaml:"user_agent"`

	SeedConfig           SeedConfig           `yaml:"seed"`
	SecurityConfig       SecurityConfig       `yaml:"security"`
	IoConfig             IoConfig             `yaml:"io"`
	KVConfig             KVConfig             `yaml:"kv"`
	ConfigPollerConfig   ConfigPollerConfig   `yaml:"config_poller"`
	CompressionConfig    CompressionConfig    `yaml:"compression"`
	DurabilityConfig     DurabilityConfig     `yaml:"durability"`
	RangeScanConfig      RangeScanConfig      `yaml:"range_scan"`
	OrphanReporterConfig OrphanReporterConfig `yaml:"orphan_reporter"`
	HTTPConfig           HTTPConfig           `yaml:"http"`
	TracerConfig         TracerConfig         `yaml:"tracer"`
	MeterConfig          MeterConfig          `yaml:"-"`

	DefaultRetryStrategy RetryStrategy `yaml:"-"`
}

// SeedConfig specifies initial seed configuration options such as addresses.
type SeedConfig struct {
	MemdAddrs []string `yaml:"memd_addrs"`
	HTTPAddrs []string `yaml:"http_addrs"`
}

// SecurityConfig specifies options for controlling security related
// items such as TLS root certificates and verification skipping.
type SecurityConfig struct {
	UseTLS        bool           `yaml:"use_tls"`
	TLSRootCAs    *x509.CertPool `yaml:"-"`
	TLSSkipVerify bool           `yaml:"tls_skip_verify"`

	// Auth provides credentials, the agent never stores them itself.
	Auth           AuthProvider    `yaml:"-"`
	AuthMechanisms []AuthMechanism `yaml:"auth_mechanisms"`
}

// IoConfig specifies IO related configuration options such as HELLO flags.
type IoConfig struct {
	NetworkType                string `yaml:"network"`
	UseMutationTokens          bool   `yaml:"mutation_tokens"`
	UseDurations               bool   `yaml:"durations"`
	UseCollections             bool   `yaml:"collections"`
	UseClusterMapNotifications bool   `yaml:"cluster_map_notifications"`
	UseUnorderedExec           bool   `yaml:"unordered_exec"`
	UseSyncReplication         bool   `yaml:"sync_replication"`
	UsePreserveExpiry          bool   `yaml:"preserve_expiry"`
}

// KVConfig specifies kv related configuration options.
type KVConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	PoolSize              int           `yaml:"pool_size"`
	MaxPoolSize           int           `yaml:"max_pool_size"`
	MaxQueueSize          int           `yaml:"max_queue_size"`
	MaxOutstandingPerConn int           `yaml:"max_outstanding_per_conn"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	ScaleInterval         time.Duration `yaml:"scale_interval"`
	NoopInterval          time.Duration `yaml:"noop_interval"`
	NoopTimeout           time.Duration `yaml:"noop_timeout"`
	ReconnectMinBackoff   time.Duration `yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff   time.Duration `yaml:"reconnect_max_backoff"`
}

// ConfigPollerConfig specifies options for controlling the cluster configuration pollers.
type ConfigPollerConfig struct {
	CccpMaxWait    time.Duration `yaml:"cccp_max_wait"`
	CccpPollPeriod time.Duration `yaml:"cccp_poll_period"`
	HTTPMaxWait    time.Duration `yaml:"http_max_wait"`
	HTTPPollPeriod time.Duration `yaml:"http_poll_period"`
}

// CompressionConfig specifies options for controlling compression applied to documents using KV.
type CompressionConfig struct {
	Enabled              bool    `yaml:"enabled"`
	DisableDecompression bool    `yaml:"disable_decompression"`
	MinSize              int     `yaml:"min_size"`
	MinRatio             float64 `yaml:"min_ratio"`
}

// DurabilityConfig specifies how often client side durability polls replicas.
type DurabilityConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
}

// RangeScanConfig specifies defaults for range scans.
type RangeScanConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// OrphanReporterConfig specifies options for controlling the orphan
// reporter which records when the SDK receives responses for requests
// that are no longer in the system (usually due to being timed out).
type OrphanReporterConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReportInterval time.Duration `yaml:"report_interval"`
	SampleSize     int           `yaml:"sample_size"`
}

// HTTPConfig specifies http related configuration options.
type HTTPConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts.
	MaxIdleConns int `yaml:"max_idle_conns"`
	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections to keep per-host.
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	// IdleConnectionTimeout is the maximum amount of time an idle (keep-alive) connection will remain idle before closing
	// itself.
	IdleConnectionTimeout time.Duration `yaml:"idle_connection_timeout"`
}

// TracerConfig specifies tracer related configuration options.
type TracerConfig struct {
	Tracer           RequestTracer `yaml:"-"`
	NoRootTraceSpans bool          `yaml:"no_root_trace_spans"`
}

// MeterConfig specifies meter related configuration options.
type MeterConfig struct {
	Meter Meter
}

func (config *AgentConfig) redacted() interface{} {
	newConfig := *config
	if isLogRedactionLevelFull() {
		// The slices here are still pointing at config's underlying arrays
		// so we need to make them not do that.
		newConfig.SeedConfig.HTTPAddrs = append([]string(nil), newConfig.SeedConfig.HTTPAddrs...)
		for i, addr := range newConfig.SeedConfig.HTTPAddrs {
			newConfig.SeedConfig.HTTPAddrs[i] = redactSystemData(addr)
		}
		newConfig.SeedConfig.MemdAddrs = append([]string(nil), newConfig.SeedConfig.MemdAddrs...)
		for i, addr := range newConfig.SeedConfig.MemdAddrs {
			newConfig.SeedConfig.MemdAddrs[i] = redactSystemData(addr)
		}

		if newConfig.BucketName != "" {
			newConfig.BucketName = redactMetaData(newConfig.BucketName)
		}
	}

	return newConfig
}

// FromConnStr populates the AgentConfig with information from a
// Couchbase Connection String.
// Supported options are:
//
//	bootstrap_on (bool) - Specifies what protocol to bootstrap on (cccp, http).
//	ca_cert_path (string) - Specifies the path to a CA certificate.
//	network (string) - The network type to use.
//	kv_connect_timeout (duration) - Maximum period to attempt to connect to cluster in ms.
//	config_poll_interval (duration) - Period to wait between CCCP config polling in ms.
//	config_poll_timeout (duration) - Maximum period of time to wait for a CCCP request.
//	compression (bool) - Whether to enable network-wise compression of documents.
//	compression_min_size (int) - The minimal size of the document in bytes to consider compression.
//	compression_min_ratio (float64) - The minimal compress ratio (compressed / original) for the document to be sent compressed.
//	orphaned_response_logging (bool) - Whether to enable orphaned response logging.
//	orphaned_response_logging_interval (duration) - How often to print the orphan log records.
//	orphaned_response_logging_sample_size (int) - The maximum number of orphan log records to track.
//	kv_pool_size (int) - The number of connections to keep open to each kv node.
//	max_kv_pool_size (int) - The number of connections a kv node may scale up to.
//	max_queue_size (int) - The maximum number of requests that can be queued waiting for a connection.
//	max_outstanding_per_conn (int) - The maximum number of requests in flight on one connection.
//	idle_conn_timeout (duration) - How long a surplus connection may sit idle before it is closed.
//	noop_interval (duration) - How often idle connections are sent a keepalive.
//	durability_poll_interval (duration) - The initial interval between client side durability polls.
//	range_scan_max_concurrency (int) - How many vbuckets a range scan streams at once.
//	enable_mutation_tokens (bool) - Whether mutation tokens are requested from the server.
//	enable_server_durations (bool) - Whether server durations are requested from the server.
//	enable_cluster_config_notifications (bool) - Whether nodes may push config changes.
//	unordered_execution_enabled (bool) - Whether the server may execute requests out of order.
func (config *AgentConfig) FromConnStr(connStr string) error {
	baseSpec, err := connstr.Parse(connStr)
	if err != nil {
		return err
	}

	spec, err := connstr.Resolve(baseSpec)
	if err != nil {
		return err
	}

	fetchOption := func(name string) (string, bool) {
		optValue := spec.Options[name]
		if len(optValue) == 0 {
			return "", false
		}
		return optValue[len(optValue)-1], true
	}

	// Grab the resolved hostnames into a set of string arrays
	var httpHosts []string
	for _, specHost := range spec.HttpHosts {
		httpHosts = append(httpHosts, fmt.Sprintf("%s:%d", specHost.Host, specHost.Port))
	}

	var memdHosts []string
	for _, specHost := range spec.MemdHosts {
		memdHosts = append(memdHosts, fmt.Sprintf("%s:%d", specHost.Host, specHost.Port))
	}

	// Get bootstrap_on option to determine which, if any, of the bootstrap nodes should be cleared
	switch val, _ := fetchOption("bootstrap_on"); val {
	case "http":
		memdHosts = nil
		if len(httpHosts) == 0 {
			return errors.New("bootstrap_on=http but no HTTP hosts in connection string")
		}
	case "cccp":
		httpHosts = nil
		if len(memdHosts) == 0 {
			return errors.New("bootstrap_on=cccp but no CCCP/Memcached hosts in connection string")
		}
	case "both":
	case "":
		// Do nothing
		break
	default:
		return errors.New("bootstrap_on={http,cccp,both}")
	}
	config.SeedConfig.MemdAddrs = memdHosts
	config.SeedConfig.HTTPAddrs = httpHosts

	if spec.UseSsl {
		cacertpaths := spec.Options["ca_cert_path"]

		if len(cacertpaths) > 0 {
			roots := x509.NewCertPool()

			for _, path := range cacertpaths {
				cacert, err := os.ReadFile(path)
				if err != nil {
					return err
				}

				ok := roots.AppendCertsFromPEM(cacert)
				if !ok {
					return wrapError(ErrInvalidArgument, "failed to load certificate from "+path)
				}
			}

			config.SecurityConfig.TLSRootCAs = roots
		} else {
			config.SecurityConfig.TLSSkipVerify = true
		}

		config.SecurityConfig.UseTLS = true
	}

	if spec.Bucket != "" {
		config.BucketName = spec.Bucket
	}

	if valStr, ok := fetchOption("network"); ok {
		if valStr == "default" {
			valStr = ""
		}

		config.IoConfig.NetworkType = valStr
	}

	durationOpts := []struct {
		name string
		dest *time.Duration
	}{
		{"kv_connect_timeout", &config.KVConfig.ConnectTimeout},
		{"config_poll_timeout", &config.ConfigPollerConfig.CccpMaxWait},
		{"config_poll_interval", &config.ConfigPollerConfig.CccpPollPeriod},
		{"http_config_poll_interval", &config.ConfigPollerConfig.HTTPPollPeriod},
		{"orphaned_response_logging_interval", &config.OrphanReporterConfig.ReportInterval},
		{"idle_conn_timeout", &config.KVConfig.IdleConnTimeout},
		{"noop_interval", &config.KVConfig.NoopInterval},
		{"durability_poll_interval", &config.DurabilityConfig.PollInterval},
		{"http_idle_conn_timeout", &config.HTTPConfig.IdleConnectionTimeout},
	}
	for _, opt := range durationOpts {
		if valStr, ok := fetchOption(opt.name); ok {
			val, err := parseDurationOrInt(valStr)
			if err != nil {
				return fmt.Errorf("%s option must be a duration or a number: %w", opt.name, err)
			}
			*opt.dest = val
		}
	}

	intOpts := []struct {
		name string
		dest *int
	}{
		{"compression_min_size", &config.CompressionConfig.MinSize},
		{"orphaned_response_logging_sample_size", &config.OrphanReporterConfig.SampleSize},
		{"kv_pool_size", &config.KVConfig.PoolSize},
		{"max_kv_pool_size", &config.KVConfig.MaxPoolSize},
		{"max_queue_size", &config.KVConfig.MaxQueueSize},
		{"max_outstanding_per_conn", &config.KVConfig.MaxOutstandingPerConn},
		{"range_scan_max_concurrency", &config.RangeScanConfig.MaxConcurrency},
		{"max_idle_http_connections", &config.HTTPConfig.MaxIdleConns},
		{"max_perhost_idle_http_connections", &config.HTTPConfig.MaxIdleConnsPerHost},
	}
	for _, opt := range intOpts {
		if valStr, ok := fetchOption(opt.name); ok {
			val, err := strconv.ParseInt(valStr, 10, 64)
			if err != nil {
				return fmt.Errorf("%s option must be a number", opt.name)
			}
			*opt.dest = int(val)
		}
	}

	boolOpts := []struct {
		name string
		dest *bool
	}{
		{"compression", &config.CompressionConfig.Enabled},
		{"orphaned_response_logging", &config.OrphanReporterConfig.Enabled},
		{"enable_mutation_tokens", &config.IoConfig.UseMutationTokens},
		{"enable_server_durations", &config.IoConfig.UseDurations},
		{"enable_cluster_config_notifications", &config.IoConfig.UseClusterMapNotifications},
		{"unordered_execution_enabled", &config.IoConfig.UseUnorderedExec},
	}
	for _, opt := range boolOpts {
		if valStr, ok := fetchOption(opt.name); ok {
			val, err := strconv.ParseBool(valStr)
			if err != nil {
				return fmt.Errorf("%s option must be a boolean", opt.name)
			}
			*opt.dest = val
		}
	}

	if valStr, ok := fetchOption("compression_min_ratio"); ok {
		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			return fmt.Errorf("compression_min_ratio option must be a number")
		}
		config.CompressionConfig.MinRatio = val
	}

	return nil
}

// agentConfigFile is the shape of a YAML config file. Every AgentConfig
// setting may also appear in it and overrides the connection string.
type agentConfigFile struct {
	ConnStr  string `yaml:"connstr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadAgentConfigFile builds an AgentConfig from a YAML file. The connection
// string in the file is applied first, explicit settings are layered on top.
func LoadAgentConfigFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parseAgentConfigYAML(data)
}

func parseAgentConfigYAML(data []byte) (*AgentConfig, error) {
	var file agentConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, wrapError(ErrInvalidArgument, "invalid agent config file: "+err.Error())
	}

	config := &AgentConfig{}
	if file.ConnStr != "" {
		if err := config.FromConnStr(file.ConnStr); err != nil {
			return nil, err
		}
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, wrapError(ErrInvalidArgument, "invalid agent config file: "+err.Error())
	}

	if file.Username != "" || file.Password != "" {
		config.SecurityConfig.Auth = PasswordAuthProvider{
			Username: file.Username,
			Password: file.Password,
		}
	}

	return config, nil
}

func parseDurationOrInt(valStr string) (time.Duration, error) {
	dur, err := time.ParseDuration(valStr)
	if err != nil {
		val, err := strconv.ParseInt(valStr, 10, 64)
		if err != nil {
			return 0, err
		}

		dur = time.Duration(val) * time.Millisecond
	}

	return dur, nil
}
