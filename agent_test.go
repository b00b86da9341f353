package gocbnet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"
)

func (suite *UnitTestSuite) TestCreateAgentValidation() {
	_, err := CreateAgent(&AgentConfig{
		SeedConfig: SeedConfig{MemdAddrs: []string{"127.0.0.1:11210"}},
	})
	suite.Assert().ErrorIs(err, ErrInvalidArgument)

	_, err = CreateAgent(&AgentConfig{
		SecurityConfig: SecurityConfig{Auth: PasswordAuthProvider{Username: "a", Password: "b"}},
	})
	suite.Assert().ErrorIs(err, ErrInvalidArgument)
}

func (suite *UnitTestSuite) newHTTPSeededAgent(srvURL string) *Agent {
	agent, err := CreateAgent(&AgentConfig{
		BucketName: "default",
		SeedConfig: SeedConfig{
			HTTPAddrs: []string{strings.TrimPrefix(srvURL, "http://")},
		},
		SecurityConfig: SecurityConfig{
			Auth: PasswordAuthProvider{Username: "admin", Password: "password"},
		},
		KVConfig: KVConfig{ConnectTimeout: 200 * time.Millisecond},
	})
	suite.Require().NoError(err)
	return agent
}

func (suite *UnitTestSuite) TestAgentBootstrapNeverSucceeds() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	before := NumInstances()
	agent := suite.newHTTPSeededAgent(srv.URL)
	suite.Assert().Equal(before+1, NumInstances())
	suite.Assert().Equal("default", agent.BucketName())
	suite.Assert().False(agent.IsSecure())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	suite.Assert().ErrorIs(agent.WaitUntilReady(ctx), context.DeadlineExceeded)

	rev, err := agent.ConfigRevision()
	suite.Require().NoError(err)
	suite.Assert().Equal(int64(-1), rev)

	suite.Require().NoError(agent.Close())
	suite.Assert().Equal(before, NumInstances())
	suite.Assert().ErrorIs(agent.WaitUntilReady(context.Background()), ErrShutdown)

	// Closing twice is harmless.
	suite.Assert().NoError(agent.Close())
}

func (suite *UnitTestSuite) TestAgentBootstrapOverHTTP() {
	kvAddrs := []string{"127.0.0.1:1"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pools/default/b/default" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(testBucketConfigJSON(5, 1, kvAddrs, 64, 1))
	}))
	defer srv.Close()

	agent := suite.newHTTPSeededAgent(srv.URL)
	defer func() {
		suite.Assert().NoError(agent.Close())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	suite.Require().NoError(agent.WaitUntilReady(ctx))

	rev, err := agent.ConfigRevision()
	suite.Require().NoError(err)
	suite.Assert().Equal(int64(5), rev)
	suite.Assert().Equal(64, agent.NumVbuckets())
	suite.Assert().Equal(1, agent.NumReplicas())
	suite.Assert().Equal(1, agent.NumPipelines())

	vb, err := agent.KeyToVbucket([]byte("key"))
	suite.Require().NoError(err)
	suite.Assert().Less(vb, uint16(64))
}

func (suite *UnitTestSuite) TestCreateAgentPipelineDefaults() {
	agent, err := CreateAgent(&AgentConfig{
		SeedConfig:     SeedConfig{MemdAddrs: []string{"127.0.0.1:1"}},
		SecurityConfig: SecurityConfig{Auth: PasswordAuthProvider{Username: "a", Password: "b"}},
		KVConfig:       KVConfig{ConnectTimeout: 50 * time.Millisecond},
	})
	suite.Require().NoError(err)
	defer agent.Close()

	props := agent.kvMux.pipelineProps
	suite.Assert().Equal(1, props.MinConnsPerNode)
	suite.Assert().Greater(props.MaxConnsPerNode, props.MinConnsPerNode)
	suite.Assert().Equal(defaultNoopInterval, props.NoopInterval)
	suite.Assert().Equal(defaultIdleConnTimeout, props.IdleConnTimeout)
	suite.Assert().Equal(defaultMaxOutstandingPerConn, agent.dialer.clientProps.MaxOutstanding)
	suite.Assert().Contains(LiveInstances(), agent.ClientID())
}

func (suite *UnitTestSuite) TestKVPipelinePropsFromConfig() {
	props := kvPipelinePropsFromConfig(KVConfig{
		PoolSize:        3,
		MaxPoolSize:     2,
		NoopInterval:    -1,
		IdleConnTimeout: -1,
	})
	suite.Assert().Equal(3, props.MinConnsPerNode)
	suite.Assert().Equal(3, props.MaxConnsPerNode)
	suite.Assert().Zero(props.NoopInterval)
	suite.Assert().Zero(props.IdleConnTimeout)
	suite.Assert().Nil(props.Reconnect)

	props = kvPipelinePropsFromConfig(KVConfig{
		PoolSize:            2,
		NoopInterval:        5 * time.Second,
		ReconnectMaxBackoff: time.Second,
	})
	suite.Assert().Equal(8, props.MaxConnsPerNode)
	suite.Assert().Equal(5*time.Second, props.NoopInterval)
	suite.Require().NotNil(props.Reconnect)
	suite.Assert().Equal(time.Second, props.Reconnect(50))

	suite.Assert().Equal(64, maxOutstandingFromConfig(KVConfig{}))
	suite.Assert().Equal(10, maxOutstandingFromConfig(KVConfig{MaxOutstandingPerConn: 10}))
	suite.Assert().Zero(maxOutstandingFromConfig(KVConfig{MaxOutstandingPerConn: -1}))
}
