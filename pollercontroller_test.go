package gocbnet

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"
)

func (suite *UnitTestSuite) newTestHTTPConfigController(srvURL string, cfgMgr *configManagementComponent) *httpConfigController {
	tracer := newTracerComponent(nil, "default", true, nil)
	// The http component gets its own config manager so that it keeps using
	// the seed endpoint rather than the addresses in the fake configs.
	httpCmpt := newHTTPComponent(httpComponentProps{
		Auth:              PasswordAuthProvider{Username: "admin", Password: "password"},
		SeedMgmtEndpoints: []string{srvURL},
	}, newConfigManager(configManagerProperties{}), tracer)
	suite.T().Cleanup(httpCmpt.Close)

	return newHTTPConfigController("default", httpPollerProperties{
		confHTTPPollPeriod: 20 * time.Millisecond,
		confHTTPMaxWait:    2 * time.Second,
	}, httpCmpt, cfgMgr)
}

func (suite *UnitTestSuite) configRev(mux *kvMux) int64 {
	rev, err := mux.ConfigRev()
	suite.Require().NoError(err)
	return rev
}

func (suite *UnitTestSuite) TestCCCPPollerRefresh() {
	addrs := []string{"10.0.0.1:11210", "10.0.0.2:11210"}
	cluster := newFakeKVCluster(suite.T(), addrs, 16, newFailFastRetryStrategy())
	for _, srv := range cluster.servers {
		srv.SetClusterConfig(testBucketConfigJSON(3, 1, addrs, 16, 0))
	}

	ccc := newCCCPConfigController(cccpPollerProperties{
		confCccpPollPeriod: time.Hour,
		confCccpMaxWait:    2 * time.Second,
	}, cluster.mux, cluster.cfgMgr)

	ccc.Refresh()
	suite.Assert().Equal(int64(3), suite.configRev(cluster.mux))
	suite.Assert().NoError(ccc.Error())
}

func (suite *UnitTestSuite) TestCCCPPollerUnsupportedFallsBack() {
	addrs := []string{"10.0.0.1:11210"}
	cluster := newFakeKVCluster(suite.T(), addrs, 16, newFailFastRetryStrategy())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suite.Assert().Equal("/pools/default/b/default", r.URL.Path)
		_, _ = w.Write(testBucketConfigJSON(4, 1, addrs, 16, 0))
	}))
	defer srv.Close()

	ccc := newCCCPConfigController(cccpPollerProperties{
		confCccpPollPeriod: 20 * time.Millisecond,
		confCccpMaxWait:    2 * time.Second,
	}, cluster.mux, cluster.cfgMgr)
	hcc := suite.newTestHTTPConfigController(srv.URL, cluster.cfgMgr)

	poller := newPollerController(ccc, hcc)
	go poller.Run()

	suite.Require().Eventually(func() bool {
		rev, err := cluster.mux.ConfigRev()
		return err == nil && rev == 4
	}, 5*time.Second, 10*time.Millisecond)

	// The cccp loop must have given up before the http poller was used.
	select {
	case <-ccc.Done():
	default:
		suite.T().Fatal("cccp poller is still running")
	}
	suite.Assert().ErrorIs(ccc.Error(), ErrUnsupportedOperation)

	poller.Stop()
	select {
	case <-poller.Done():
	case <-time.After(5 * time.Second):
		suite.T().Fatal("poller controller did not stop")
	}
	suite.Assert().NoError(poller.PollerError())
}

func (suite *UnitTestSuite) TestCCCPPollerStop() {
	addrs := []string{"10.0.0.1:11210"}
	cluster := newFakeKVCluster(suite.T(), addrs, 16, newFailFastRetryStrategy())
	cluster.servers[addrs[0]].SetClusterConfig(testBucketConfigJSON(2, 1, addrs, 16, 0))

	ccc := newCCCPConfigController(cccpPollerProperties{
		confCccpPollPeriod: 20 * time.Millisecond,
		confCccpMaxWait:    2 * time.Second,
	}, cluster.mux, cluster.cfgMgr)

	poller := newPollerController(ccc, nil)
	go poller.Run()

	suite.Require().Eventually(func() bool {
		rev, err := cluster.mux.ConfigRev()
		return err == nil && rev == 2
	}, 5*time.Second, 10*time.Millisecond)

	poller.Stop()
	select {
	case <-poller.Done():
	case <-time.After(5 * time.Second):
		suite.T().Fatal("poller controller did not stop")
	}
}

func (suite *UnitTestSuite) TestClusterMapNotificationTriggersRefresh() {
	addrs := []string{"10.0.0.1:11210"}
	cluster := newFakeKVCluster(suite.T(), addrs, 16, newFailFastRetryStrategy())
	cluster.servers[addrs[0]].SetClusterConfig(testBucketConfigJSON(6, 1, addrs, 16, 0))

	ccc := newCCCPConfigController(cccpPollerProperties{
		confCccpPollPeriod: time.Hour,
		confCccpMaxWait:    2 * time.Second,
	}, cluster.mux, cluster.cfgMgr)

	// An older revision is ignored without a fetch.
	ccc.OnClusterMapChange("default", 1, 1, nil, addrs[0])
	time.Sleep(50 * time.Millisecond)
	suite.Assert().Equal(int64(1), suite.configRev(cluster.mux))

	ccc.OnClusterMapChange("default", 1, 6, nil, addrs[0])
	suite.Require().Eventually(func() bool {
		rev, err := cluster.mux.ConfigRev()
		return err == nil && rev == 6
	}, 5*time.Second, 10*time.Millisecond)
}

func (suite *UnitTestSuite) TestHTTPPollerErrors() {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	cfgMgr := newConfigManager(configManagerProperties{})
	hcc := suite.newTestHTTPConfigController(srv.URL, cfgMgr)

	suite.Assert().ErrorIs(hcc.pollOnce(), ErrBucketNotFound)

	status.Store(http.StatusUnauthorized)
	suite.Assert().ErrorIs(hcc.pollOnce(), ErrAuthenticationFailure)

	status.Store(http.StatusInternalServerError)
	err := hcc.pollOnce()
	suite.Assert().ErrorIs(err, ErrServiceNotAvailable)
	suite.Assert().Contains(err.Error(), "unexpected status 500")

	suite.Assert().Equal(int64(-1), cfgMgr.CurrentConfig().revID)
}
