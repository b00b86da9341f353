package gocbnet

import (
	"os"
	"path/filepath"
	"time"
)

func (suite *UnitTestSuite) TestAgentConfig_FromConnStr() {
	connStr := "couchbase://10.112.192.101,10.112.192.102?bootstrap_on=cccp&network=external&kv_connect_timeout=100us"

	config := &AgentConfig{}
	err := config.FromConnStr(connStr)
	suite.Require().NoError(err)

	suite.Assert().Equal(100*time.Microsecond, config.KVConfig.ConnectTimeout)
	suite.Assert().Equal("external", config.IoConfig.NetworkType)
	suite.Assert().Len(config.SeedConfig.MemdAddrs, 2)
	suite.Assert().Empty(config.SeedConfig.HTTPAddrs)
}

func (suite *UnitTestSuite) TestAgentConfig_Couchbase1() {
	config := &AgentConfig{}
	err := config.FromConnStr("couchbase://10.112.192.101/travel")
	suite.Require().NoError(err)

	suite.Assert().Equal([]string{"10.112.192.101:11210"}, config.SeedConfig.MemdAddrs)
	suite.Assert().Equal([]string{"10.112.192.101:8091"}, config.SeedConfig.HTTPAddrs)
	suite.Assert().Equal("travel", config.BucketName)
	suite.Assert().False(config.SecurityConfig.UseTLS)
}

func (suite *UnitTestSuite) TestAgentConfig_Couchbases() {
	config := &AgentConfig{}
	err := config.FromConnStr("couchbases://10.112.192.101")
	suite.Require().NoError(err)

	suite.Assert().True(config.SecurityConfig.UseTLS)
	suite.Assert().True(config.SecurityConfig.TLSSkipVerify)
	suite.Assert().Equal([]string{"10.112.192.101:11207"}, config.SeedConfig.MemdAddrs)
}

func (suite *UnitTestSuite) TestAgentConfig_NonDefaultHTTP() {
	config := &AgentConfig{}
	err := config.FromConnStr("http://10.112.192.101:9000")
	suite.Require().NoError(err)

	suite.Assert().Empty(config.SeedConfig.MemdAddrs)
	suite.Assert().Equal([]string{"10.112.192.101:9000"}, config.SeedConfig.HTTPAddrs)
}

func (suite *UnitTestSuite) TestAgentConfig_BootstrapOn() {
	tests := []struct {
		name         string
		connStr      string
		lenMemdAddrs int
		lenHTTPAddrs int
		expectErr    bool
	}{
		{"cccp", "couchbase://10.112.192.101?bootstrap_on=cccp", 1, 0, false},
		{"http", "couchbase://10.112.192.101?bootstrap_on=http", 0, 1, false},
		{"both", "couchbase://10.112.192.101?bootstrap_on=both", 1, 1, false},
		{"invalid", "couchbase://10.112.192.101?bootstrap_on=carrier-pigeon", 0, 0, true},
		{"no memd hosts", "http://10.112.192.101:9000?bootstrap_on=cccp", 0, 0, true},
	}

	for _, test := range tests {
		suite.Run(test.name, func() {
			config := &AgentConfig{}
			err := config.FromConnStr(test.connStr)
			if test.expectErr {
				suite.Assert().Error(err)
				return
			}

			suite.Require().NoError(err)
			suite.Assert().Len(config.SeedConfig.MemdAddrs, test.lenMemdAddrs)
			suite.Assert().Len(config.SeedConfig.HTTPAddrs, test.lenHTTPAddrs)
		})
	}
}

func (suite *UnitTestSuite) TestAgentConfig_Network() {
	config := &AgentConfig{}
	suite.Require().NoError(config.FromConnStr("couchbase://10.112.192.101?network=default"))
	suite.Assert().Empty(config.IoConfig.NetworkType)
}

func (suite *UnitTestSuite) TestAgentConfig_Durations() {
	connStr := "couchbase://10.112.192.101?config_poll_timeout=3s&config_poll_interval=2500" +
		"&idle_conn_timeout=1m&noop_interval=15s&durability_poll_interval=20ms" +
		"&orphaned_response_logging_interval=10s&http_idle_conn_timeout=30000"

	config := &AgentConfig{}
	suite.Require().NoError(config.FromConnStr(connStr))

	suite.Assert().Equal(3*time.Second, config.ConfigPollerConfig.CccpMaxWait)
	suite.Assert().Equal(2500*time.Millisecond, config.ConfigPollerConfig.CccpPollPeriod)
	suite.Assert().Equal(time.Minute, config.KVConfig.IdleConnTimeout)
	suite.Assert().Equal(15*time.Second, config.KVConfig.NoopInterval)
	suite.Assert().Equal(20*time.Millisecond, config.DurabilityConfig.PollInterval)
	suite.Assert().Equal(10*time.Second, config.OrphanReporterConfig.ReportInterval)
	suite.Assert().Equal(30*time.Second, config.HTTPConfig.IdleConnectionTimeout)

	err := (&AgentConfig{}).FromConnStr("couchbase://10.112.192.101?noop_interval=soon")
	suite.Assert().Error(err)
}

func (suite *UnitTestSuite) TestAgentConfig_Numbers() {
	connStr := "couchbase://10.112.192.101?kv_pool_size=2&max_kv_pool_size=6&max_queue_size=512" +
		"&max_outstanding_per_conn=64&range_scan_max_concurrency=8&compression_min_size=100" +
		"&compression_min_ratio=0.6&max_idle_http_connections=20&max_perhost_idle_http_connections=4" +
		"&orphaned_response_logging_sample_size=15"

	config := &AgentConfig{}
	suite.Require().NoError(config.FromConnStr(connStr))

	suite.Assert().Equal(2, config.KVConfig.PoolSize)
	suite.Assert().Equal(6, config.KVConfig.MaxPoolSize)
	suite.Assert().Equal(512, config.KVConfig.MaxQueueSize)
	suite.Assert().Equal(64, config.KVConfig.MaxOutstandingPerConn)
	suite.Assert().Equal(8, config.RangeScanConfig.MaxConcurrency)
	suite.Assert().Equal(100, config.CompressionConfig.MinSize)
	suite.Assert().Equal(0.6, config.CompressionConfig.MinRatio)
	suite.Assert().Equal(20, config.HTTPConfig.MaxIdleConns)
	suite.Assert().Equal(4, config.HTTPConfig.MaxIdleConnsPerHost)
	suite.Assert().Equal(15, config.OrphanReporterConfig.SampleSize)

	err := (&AgentConfig{}).FromConnStr("couchbase://10.112.192.101?kv_pool_size=lots")
	suite.Assert().Error(err)
}

func (suite *UnitTestSuite) TestAgentConfig_Bools() {
	connStr := "couchbase://10.112.192.101?compression=true&orphaned_response_logging=true" +
		"&enable_mutation_tokens=true&enable_server_durations=false" +
		"&enable_cluster_config_notifications=true&unordered_execution_enabled=true"

	config := &AgentConfig{IoConfig: IoConfig{UseDurations: true}}
	suite.Require().NoError(config.FromConnStr(connStr))

	suite.Assert().True(config.CompressionConfig.Enabled)
	suite.Assert().True(config.OrphanReporterConfig.Enabled)
	suite.Assert().True(config.IoConfig.UseMutationTokens)
	suite.Assert().False(config.IoConfig.UseDurations)
	suite.Assert().True(config.IoConfig.UseClusterMapNotifications)
	suite.Assert().True(config.IoConfig.UseUnorderedExec)

	err := (&AgentConfig{}).FromConnStr("couchbase://10.112.192.101?compression=maybe")
	suite.Assert().Error(err)
}

func (suite *UnitTestSuite) TestAgentConfig_YAMLOverridesConnStr() {
	data := []byte(`
connstr: couchbase://10.112.192.101/default?kv_pool_size=2&compression=true
username: reader
password: secret
bucket: travel
kv:
  pool_size: 4
  connect_timeout: 5s
range_scan:
  max_concurrency: 16
`)

	config, err := parseAgentConfigYAML(data)
	suite.Require().NoError(err)

	suite.Assert().Equal("travel", config.BucketName)
	suite.Assert().Equal(4, config.KVConfig.PoolSize)
	suite.Assert().Equal(5*time.Second, config.KVConfig.ConnectTimeout)
	suite.Assert().Equal(16, config.RangeScanConfig.MaxConcurrency)
	suite.Assert().True(config.CompressionConfig.Enabled)
	suite.Assert().Equal([]string{"10.112.192.101:11210"}, config.SeedConfig.MemdAddrs)
	suite.Assert().Equal(PasswordAuthProvider{Username: "reader", Password: "secret"}, config.SecurityConfig.Auth)
}

func (suite *UnitTestSuite) TestAgentConfig_YAMLInvalid() {
	_, err := parseAgentConfigYAML([]byte("kv: [not, a, map"))
	suite.Assert().ErrorIs(err, ErrInvalidArgument)

	_, err = parseAgentConfigYAML([]byte("connstr: couchbase://10.112.192.101?bootstrap_on=nowhere"))
	suite.Assert().Error(err)
}

func (suite *UnitTestSuite) TestAgentConfig_LoadFile() {
	path := filepath.Join(suite.T().TempDir(), "agent.yaml")
	suite.Require().NoError(os.WriteFile(path, []byte("connstr: couchbase://10.112.192.101\n"), 0o600))

	config, err := LoadAgentConfigFile(path)
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"10.112.192.101:11210"}, config.SeedConfig.MemdAddrs)
	suite.Assert().Nil(config.SecurityConfig.Auth)

	_, err = LoadAgentConfigFile(filepath.Join(suite.T().TempDir(), "missing.yaml"))
	suite.Assert().Error(err)
}
