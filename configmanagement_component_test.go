package gocbnet

import (
	"testing"
)

type testRouteWatcher struct {
	receivedConfig *routeConfig
	calls          int
}

func (trw *testRouteWatcher) OnNewRouteConfig(cfg *routeConfig) {
	trw.receivedConfig = cfg
	trw.calls++
}

func (suite *UnitTestSuite) TestConfigComponentRevEpoch() {
	type tCase struct {
		name         string
		prevRevID    int64
		prevRevEpoch int64
		newRevID     int64
		newRevEpoch  int64
		expectUpdate bool
	}

	testCases := []tCase{
		{name: "no_epoch_newer_rev", prevRevID: 1, prevRevEpoch: 0, newRevID: 2, newRevEpoch: 0, expectUpdate: true},
		{name: "no_epoch_same_rev", prevRevID: 1, prevRevEpoch: 0, newRevID: 1, newRevEpoch: 0, expectUpdate: false},
		{name: "no_epoch_older_rev", prevRevID: 2, prevRevEpoch: 0, newRevID: 1, newRevEpoch: 0, expectUpdate: false},
		{name: "same_epoch_newer_rev", prevRevID: 1, prevRevEpoch: 5, newRevID: 2, newRevEpoch: 5, expectUpdate: true},
		{name: "same_epoch_same_rev", prevRevID: 1, prevRevEpoch: 5, newRevID: 1, newRevEpoch: 5, expectUpdate: false},
		{name: "same_epoch_older_rev", prevRevID: 2, prevRevEpoch: 5, newRevID: 1, newRevEpoch: 5, expectUpdate: false},
		{name: "newer_epoch_newer_rev", prevRevID: 1, prevRevEpoch: 5, newRevID: 2, newRevEpoch: 6, expectUpdate: true},
		{name: "newer_epoch_same_rev", prevRevID: 1, prevRevEpoch: 5, newRevID: 1, newRevEpoch: 6, expectUpdate: true},
		{name: "newer_epoch_older_rev", prevRevID: 2, prevRevEpoch: 5, newRevID: 1, newRevEpoch: 6, expectUpdate: true},
		{name: "older_epoch_newer_rev", prevRevID: 1, prevRevEpoch: 5, newRevID: 2, newRevEpoch: 4, expectUpdate: false},
		{name: "older_epoch_same_rev", prevRevID: 1, prevRevEpoch: 5, newRevID: 1, newRevEpoch: 4, expectUpdate: false},
		{name: "older_epoch_older_rev", prevRevID: 2, prevRevEpoch: 5, newRevID: 1, newRevEpoch: 4, expectUpdate: false},
	}

	addrs := []string{"10.0.0.1:11210", "10.0.0.2:11210"}
	for _, tCase := range testCases {
		suite.T().Run(tCase.name, func(te *testing.T) {
			cmpt := newConfigManager(configManagerProperties{})
			if !cmpt.OnNewConfig(testBucketConfig(tCase.prevRevID, tCase.prevRevEpoch, addrs, 64, 1)) {
				te.Fatalf("Initial config was not applied")
			}

			watcher := &testRouteWatcher{}
			cmpt.AddConfigWatcher(watcher)

			applied := cmpt.OnNewConfig(testBucketConfig(tCase.newRevID, tCase.newRevEpoch, addrs, 64, 1))
			if applied != tCase.expectUpdate {
				te.Fatalf("Expected applied to be %t but was %t", tCase.expectUpdate, applied)
			}

			if tCase.expectUpdate {
				if watcher.receivedConfig == nil {
					te.Fatalf("Watcher didn't receive config")
				}
				if cmpt.CurrentConfig().revID != tCase.newRevID {
					te.Fatalf("Current config has rev %d", cmpt.CurrentConfig().revID)
				}
			} else {
				if watcher.receivedConfig != nil {
					te.Fatalf("Watcher did receive config")
				}
				if cmpt.CurrentConfig().revID != tCase.prevRevID {
					te.Fatalf("Current config has rev %d", cmpt.CurrentConfig().revID)
				}
			}
		})
	}
}

func (suite *UnitTestSuite) TestConfigComponentMonotonicUnderShuffle() {
	addrs := []string{"10.0.0.1:11210"}
	cmpt := newConfigManager(configManagerProperties{})

	watcher := &testRouteWatcher{}
	cmpt.AddConfigWatcher(watcher)

	var lastSeen int64 = -1
	for _, rev := range []int64{3, 1, 7, 7, 2, 9, 8, 9} {
		cmpt.OnNewConfig(testBucketConfig(rev, 0, addrs, 16, 0))

		current := cmpt.CurrentConfig().revID
		suite.Assert().GreaterOrEqual(current, lastSeen)
		lastSeen = current
	}

	suite.Assert().Equal(int64(9), lastSeen)
	suite.Assert().Equal(3, watcher.calls)
}

func (suite *UnitTestSuite) TestConfigComponentForcesOverride() {
	addrs := []string{"10.0.0.1:11210"}
	cmpt := newConfigManager(configManagerProperties{})
	suite.Require().True(cmpt.OnNewConfig(testBucketConfig(4, 1, addrs, 16, 0)))

	sameRev := testBucketConfig(4, 1, addrs, 16, 0)
	suite.Assert().False(cmpt.OnNewConfig(sameRev))

	sameRev.forcesOverride = true
	suite.Assert().True(cmpt.OnNewConfig(sameRev))
}

func (suite *UnitTestSuite) TestConfigComponentRejectsVbucketCountChange() {
	addrs := []string{"10.0.0.1:11210"}
	cmpt := newConfigManager(configManagerProperties{})
	suite.Require().True(cmpt.OnNewConfig(testBucketConfig(1, 0, addrs, 16, 0)))

	suite.Assert().False(cmpt.OnNewConfig(testBucketConfig(2, 0, addrs, 32, 0)))
	suite.Assert().Equal(16, cmpt.CurrentConfig().vbMap.NumVbuckets())
}

func (suite *UnitTestSuite) TestConfigComponentFirstConfig() {
	cmpt := newConfigManager(configManagerProperties{})
	suite.Assert().Equal(int64(-1), cmpt.CurrentConfig().revID)

	select {
	case <-cmpt.FirstConfig():
		suite.T().Fatalf("First config signalled before any config")
	default:
	}

	// Invalid configs never count as the first config.
	invalid := testBucketConfig(1, 0, []string{"10.0.0.1:11210"}, 16, 0)
	invalid.VBucketServerMap.VBucketMap = nil
	suite.Assert().False(cmpt.OnNewConfig(invalid))

	suite.Require().True(cmpt.OnNewConfig(testBucketConfig(1, 0, []string{"10.0.0.1:11210"}, 16, 0)))
	select {
	case <-cmpt.FirstConfig():
	default:
		suite.T().Fatalf("First config was not signalled")
	}
}

func (suite *UnitTestSuite) TestConfigComponentRemoveWatcher() {
	addrs := []string{"10.0.0.1:11210"}
	cmpt := newConfigManager(configManagerProperties{})

	watcher := &testRouteWatcher{}
	cmpt.AddConfigWatcher(watcher)
	suite.Require().True(cmpt.OnNewConfig(testBucketConfig(1, 0, addrs, 16, 0)))

	cmpt.RemoveConfigWatcher(watcher)
	suite.Require().True(cmpt.OnNewConfig(testBucketConfig(2, 0, addrs, 16, 0)))

	suite.Assert().Equal(1, watcher.calls)
	suite.Assert().Equal(int64(1), watcher.receivedConfig.revID)
}
