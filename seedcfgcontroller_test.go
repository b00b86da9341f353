package gocbnet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"
)

func (suite *UnitTestSuite) newTestSeedController(bucket string) (*seedConfigController, *configManagementComponent) {
	cfgMgr := newConfigManager(configManagerProperties{})
	return newSeedConfigController(nil, bucket, nil, nil, cfgMgr), cfgMgr
}

func (suite *UnitTestSuite) TestSeedBootstrapFirstSourceWins() {
	addrs := []string{"10.0.0.1:11210"}
	scc, cfgMgr := suite.newTestSeedController("default")

	loserCause := make(chan error, 1)
	scc.fetchKVFn = func(ctx context.Context) (*cfgBucket, error) {
		<-ctx.Done()
		loserCause <- context.Cause(ctx)
		return nil, ctx.Err()
	}
	scc.fetchHTTPFn = func(ctx context.Context) (*cfgBucket, error) {
		return testBucketConfig(7, 1, addrs, 16, 0), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	suite.Require().NoError(scc.Bootstrap(ctx))
	suite.Assert().Equal(int64(7), cfgMgr.CurrentConfig().revID)

	select {
	case cause := <-loserCause:
		suite.Assert().ErrorIs(cause, errBootstrapRaceLost)
	case <-time.After(5 * time.Second):
		suite.T().Fatal("losing source was not cancelled")
	}
}

func (suite *UnitTestSuite) TestSeedBootstrapOneSourceFails() {
	addrs := []string{"10.0.0.1:11210"}
	scc, cfgMgr := suite.newTestSeedController("default")

	scc.fetchKVFn = func(ctx context.Context) (*cfgBucket, error) {
		return testBucketConfig(3, 1, addrs, 16, 0), nil
	}
	scc.fetchHTTPFn = func(ctx context.Context) (*cfgBucket, error) {
		return nil, ErrAuthenticationFailure
	}

	suite.Require().NoError(scc.Bootstrap(context.Background()))
	suite.Assert().Equal(int64(3), cfgMgr.CurrentConfig().revID)
}

func (suite *UnitTestSuite) TestSeedBootstrapBothFail() {
	scc, cfgMgr := suite.newTestSeedController("default")

	kvErr := errors.New("kv seed unreachable")
	scc.fetchKVFn = func(ctx context.Context) (*cfgBucket, error) {
		return nil, kvErr
	}
	scc.fetchHTTPFn = func(ctx context.Context) (*cfgBucket, error) {
		return nil, ErrBucketNotFound
	}

	suite.Assert().ErrorIs(scc.Bootstrap(context.Background()), kvErr)
	suite.Assert().Equal(int64(-1), cfgMgr.CurrentConfig().revID)

	scc.fetchKVFn = func(ctx context.Context) (*cfgBucket, error) {
		return nil, nil
	}
	scc.fetchHTTPFn = scc.fetchKVFn
	suite.Assert().ErrorIs(scc.Bootstrap(context.Background()), ErrConfigNotFound)
}

func (suite *UnitTestSuite) TestSeedBootstrapOverHTTP() {
	addrs := []string{"10.0.0.1:11210"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pools/default/b/travel" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(testBucketConfigJSON(9, 1, addrs, 16, 0))
	}))
	defer srv.Close()

	tracer := newTracerComponent(nil, "travel", true, nil)
	httpCmpt := newHTTPComponent(httpComponentProps{
		Auth:              PasswordAuthProvider{Username: "admin", Password: "password"},
		SeedMgmtEndpoints: []string{srv.URL},
	}, newConfigManager(configManagerProperties{}), tracer)
	defer httpCmpt.Close()

	cfgMgr := newConfigManager(configManagerProperties{})
	scc := newSeedConfigController(nil, "travel", nil, httpCmpt, cfgMgr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// No kv seeds, so only the http side can produce a config.
	suite.Require().NoError(scc.Bootstrap(ctx))
	suite.Assert().Equal(int64(9), cfgMgr.CurrentConfig().revID)

	noBucket := newSeedConfigController(nil, "", nil, httpCmpt, newConfigManager(configManagerProperties{}))
	_, err := noBucket.fetchHTTP(ctx)
	suite.Assert().ErrorIs(err, ErrInvalidArgument)
}
