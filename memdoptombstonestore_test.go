package gocbnet

import (
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

func (suite *UnitTestSuite) TestTombstoneStore() {
	var evictions atomic.Int32
	st := newMemdOpTombstoneStore(time.Minute, 2, func() {
		evictions.Add(1)
	})

	added := st.Add("conn-a", 1, &memdOpTombstone{
		totalServerDuration: 100 * time.Microsecond,
		dispatchTime:        time.Now(),
		lastAttemptTime:     time.Now(),
		command:             memd.CmdGet,
	})
	suite.Require().True(added)
	suite.Require().Equal(1, st.Len())

	added = st.Add("conn-a", 2, &memdOpTombstone{
		totalServerDuration: 200 * time.Microsecond,
		dispatchTime:        time.Now(),
		lastAttemptTime:     time.Now(),
		command:             memd.CmdSet,
	})
	suite.Require().True(added)
	suite.Require().Equal(2, st.Len())

	added = st.Add("conn-a", 3, &memdOpTombstone{
		totalServerDuration: 300 * time.Microsecond,
		command:             memd.CmdGet,
	})
	suite.Require().False(added)
	suite.Require().Equal(2, st.Len())
	suite.Require().Equal(int32(1), evictions.Load())

	suite.Require().Nil(st.FindAndRemove("conn-a", 3))

	tombstone := st.FindAndRemove("conn-a", 2)
	suite.Require().NotNil(tombstone)
	suite.Require().Equal(200*time.Microsecond, tombstone.totalServerDuration)
	suite.Require().Equal(memd.CmdSet, tombstone.command)
	suite.Require().Equal(1, st.Len())

	suite.Require().Nil(st.FindAndRemove("conn-a", 2))

	// Claimed tombstones are not reported as evictions.
	suite.Require().Equal(int32(1), evictions.Load())
}

func (suite *UnitTestSuite) TestTombstoneStoreExpiry() {
	var evictions atomic.Int32
	st := newMemdOpTombstoneStore(20*time.Millisecond, 10, func() {
		evictions.Add(1)
	})

	st.Add("conn-a", 7, &memdOpTombstone{command: memd.CmdGet})

	suite.Require().Eventually(func() bool {
		return evictions.Load() == 1
	}, time.Second, 10*time.Millisecond)
	suite.Assert().Nil(st.FindAndRemove("conn-a", 7))
}

func (suite *UnitTestSuite) TestTombstoneStoreKeyedByConnection() {
	st := newMemdOpTombstoneStore(time.Minute, 10, nil)

	suite.Require().True(st.Add("conn-a", 9, &memdOpTombstone{command: memd.CmdGet}))
	suite.Require().True(st.Add("conn-b", 9, &memdOpTombstone{command: memd.CmdSet}))
	suite.Require().Equal(2, st.Len())

	suite.Assert().Nil(st.FindAndRemove("conn-c", 9))

	tombstone := st.FindAndRemove("conn-b", 9)
	suite.Require().NotNil(tombstone)
	suite.Assert().Equal(memd.CmdSet, tombstone.command)

	tombstone = st.FindAndRemove("conn-a", 9)
	suite.Require().NotNil(tombstone)
	suite.Assert().Equal(memd.CmdGet, tombstone.command)
	suite.Assert().Zero(st.Len())
}
