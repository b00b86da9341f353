package gocbnet

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/couchbaselabs/gocbnet/memd"
)

func (suite *UnitTestSuite) TestKvMux_BucketCapabilityStatusNoConfig() {
	tracer := newTracerComponent(nil, "", true, nil)
	mux := newKVMux(kvMuxProps{QueueSize: 16}, newConfigManager(configManagerProperties{}), newErrMapManager(""), tracer, nil)
	defer func() {
		_ = mux.Close()
	}()

	suite.Assert().Equal(BucketCapabilityStatusUnknown, mux.BucketCapabilityStatus(BucketCapabilityRangeScan))
	suite.Assert().Equal(BucketCapabilityStatusUnsupported, mux.BucketCapabilityStatus(9999))

	rev, err := mux.ConfigRev()
	suite.Require().NoError(err)
	suite.Assert().Equal(int64(-1), rev)
}

func (suite *UnitTestSuite) TestKvMux_ConfigApplied() {
	addrs := []string{"10.0.0.1:11210", "10.0.0.2:11210"}
	cluster := newFakeKVCluster(suite.T(), addrs, 64, newFailFastRetryStrategy())

	rev, err := cluster.mux.ConfigRev()
	suite.Require().NoError(err)
	suite.Assert().Equal(int64(1), rev)
	suite.Assert().Equal(2, cluster.mux.NumPipelines())
	suite.Assert().Equal(64, cluster.mux.NumVbuckets())
	suite.Assert().Equal(BucketCapabilityStatusSupported, cluster.mux.BucketCapabilityStatus(BucketCapabilityRangeScan))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	suite.Require().NoError(cluster.mux.WaitForConfig(ctx))
}

func (suite *UnitTestSuite) TestKvMux_StaleConfigIgnored() {
	addrs := []string{"10.0.0.1:11210", "10.0.0.2:11210"}
	cluster := newFakeKVCluster(suite.T(), addrs, 64, newFailFastRetryStrategy())

	suite.Require().True(cluster.cfgMgr.OnNewConfig(testBucketConfig(5, 1, addrs, 64, 0)))

	// Watchers are called outside the config lock, so a late arrival of an
	// older config must not roll the routing back.
	cluster.mux.OnNewRouteConfig(testBucketConfig(3, 1, addrs, 64, 0).BuildRouteConfig(false, ""))

	rev, err := cluster.mux.ConfigRev()
	suite.Require().NoError(err)
	suite.Assert().Equal(int64(5), rev)
}

func (suite *UnitTestSuite) TestKvMux_NotMyVbucketRefreshesOnce() {
	addrs := []string{"10.0.0.1:11210", "10.0.0.2:11210"}
	cluster := newFakeKVCluster(suite.T(), addrs, 64, NewBestEffortRetryStrategy(nil))

	key := []byte("moved-document")
	owner := cluster.Owner(key)
	var newOwner *fakeKVServer
	for _, addr := range addrs {
		if cluster.servers[addr] != owner {
			newOwner = cluster.servers[addr]
		}
	}

	owner.RejectKey(string(key))
	newOwner.Store(string(key), []byte(`{"moved":true}`))

	refresher := new(mockConfigRefresher)
	refresher.On("Refresh").Run(func(mock.Arguments) {
		// Swapping the server list hands every vbucket to the other node.
		cluster.cfgMgr.OnNewConfig(testBucketConfig(2, 1, []string{addrs[1], addrs[0]}, 64, 0))
	}).Return()
	cluster.mux.SetConfigRefresher(refresher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := cluster.Get(ctx, GetOptions{Key: key})
	suite.Require().NoError(err)
	suite.Assert().Equal([]byte(`{"moved":true}`), res.Value)

	refresher.AssertNumberOfCalls(suite.T(), "Refresh", 1)
	suite.Assert().Equal(int32(1), owner.gets.Load())
	suite.Assert().Equal(int32(1), newOwner.gets.Load())

	rev, err := cluster.mux.ConfigRev()
	suite.Require().NoError(err)
	suite.Assert().Equal(int64(2), rev)
}

func (suite *UnitTestSuite) TestKvMux_DisconnectCompletesPendingOps() {
	addr := "10.0.0.1:11210"
	cluster := newFakeKVCluster(suite.T(), []string{addr}, 64, newFailFastRetryStrategy())
	srv := cluster.servers[addr]
	srv.Hold()

	type outcome struct {
		isRead bool
		err    error
	}
	results := make(chan outcome, 6)

	for i := 0; i < 3; i++ {
		key := []byte(fmt.Sprintf("held-%d", i))

		_, err := cluster.crud.Get(GetOptions{Key: key}, func(_ *GetResult, err error) {
			results <- outcome{isRead: true, err: err}
		})
		suite.Require().NoError(err)

		_, err = cluster.crud.Upsert(UpsertOptions{Key: key, Value: []byte(`{}`)}, func(_ *StoreResult, err error) {
			results <- outcome{isRead: false, err: err}
		})
		suite.Require().NoError(err)
	}

	suite.Require().Eventually(func() bool {
		return srv.held.Load() == 6
	}, 5*time.Second, 5*time.Millisecond)

	srv.DropConnections()

	for i := 0; i < 6; i++ {
		select {
		case res := <-results:
			suite.Require().Error(res.err)
			if res.isRead {
				suite.Assert().ErrorIs(res.err, io.EOF)
				continue
			}

			var tErr *TimeoutError
			suite.Assert().ErrorAs(res.err, &tErr)
			suite.Assert().ErrorIs(res.err, ErrAmbiguousTimeout)
		case <-time.After(5 * time.Second):
			suite.T().Fatalf("only %d of 6 pending operations completed", i)
		}
	}
}

func (suite *UnitTestSuite) TestKvMux_CloseFailsQueuedRequests() {
	addr := "10.0.0.1:11210"
	cluster := newFakeKVCluster(suite.T(), []string{addr}, 64, newFailFastRetryStrategy())
	cluster.servers[addr].Hold()

	errCh := make(chan error, 1)
	_, err := cluster.crud.Get(GetOptions{Key: []byte("closing")}, func(_ *GetResult, err error) {
		errCh <- err
	})
	suite.Require().NoError(err)

	suite.Require().Eventually(func() bool {
		return cluster.servers[addr].held.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)

	suite.Require().NoError(cluster.mux.Close())

	select {
	case err := <-errCh:
		suite.Assert().Error(err)
	case <-time.After(5 * time.Second):
		suite.T().Fatal("request was not completed by close")
	}

	_, err = cluster.crud.Get(GetOptions{Key: []byte("after-close")}, func(*GetResult, error) {})
	suite.Assert().ErrorIs(err, ErrShutdown)
}

func (suite *UnitTestSuite) TestKvMux_RetryPastDeadlineTimesOut() {
	addr := "10.0.0.1:11210"
	cluster := newFakeKVCluster(suite.T(), []string{addr}, 64, newFailFastRetryStrategy())
	srv := cluster.servers[addr]

	key := []byte("always-busy")
	srv.FailKey(string(key), memd.StatusTmpFail)

	// The first retry is immediate, the second would land well past the deadline.
	strategy := NewBestEffortRetryStrategy(func(attempts uint32) time.Duration {
		if attempts == 0 {
			return 0
		}
		return time.Second
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := cluster.Upsert(ctx, UpsertOptions{
		Key:           key,
		Value:         []byte(`{}`),
		RetryStrategy: strategy,
		Deadline:      start.Add(800 * time.Millisecond),
	})
	suite.Require().Error(err)

	// Completed as soon as the retry was refused rather than at the deadline.
	suite.Assert().Less(time.Since(start), 700*time.Millisecond)
	suite.Assert().ErrorIs(err, ErrTimeout)
	suite.Assert().ErrorIs(err, ErrUnambiguousTimeout)
	suite.Assert().NotErrorIs(err, ErrTemporaryFailure)

	var timeoutErr *TimeoutError
	suite.Require().ErrorAs(err, &timeoutErr)
	suite.Assert().Equal([]RetryReason{KVTemporaryFailureRetryReason}, timeoutErr.RetryReasons)
	suite.Assert().Equal(uint32(1), timeoutErr.RetryAttempts)
	suite.Assert().Equal(int32(2), srv.sets.Load())
}
