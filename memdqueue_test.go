package gocbnet

func (suite *UnitTestSuite) TestOpQueuePushPop() {
	q := newMemdOpQueue()

	req1 := &memdQRequest{}
	req2 := &memdQRequest{}

	suite.Require().NoError(q.Push(req1, -1))
	suite.Require().NoError(q.Push(req2, -1))
	suite.Assert().ErrorIs(q.Push(req1, -1), errRequestAlreadyQueued)
	suite.Assert().Equal(2, q.Len())

	suite.Assert().Equal(req1, q.TryPop())
	suite.Assert().Nil(req1.queuedWith.Load())
	suite.Assert().Equal(req2, q.TryPop())
	suite.Assert().Nil(q.TryPop())
}

func (suite *UnitTestSuite) TestOpQueueBounded() {
	q := newMemdOpQueue()

	suite.Require().NoError(q.Push(&memdQRequest{}, 1))
	suite.Assert().ErrorIs(q.Push(&memdQRequest{}, 1), errPipelineFull)
}

func (suite *UnitTestSuite) TestOpQueueRemove() {
	q := newMemdOpQueue()

	req1 := &memdQRequest{}
	req2 := &memdQRequest{}
	suite.Require().NoError(q.Push(req1, -1))
	suite.Require().NoError(q.Push(req2, -1))

	suite.Assert().True(q.Remove(req1))
	suite.Assert().False(q.Remove(req1))
	suite.Assert().Equal(req2, q.TryPop())
	suite.Assert().Nil(q.TryPop())
}

func (suite *UnitTestSuite) TestOpQueueDrain() {
	q := newMemdOpQueue()

	reqs := []*memdQRequest{{}, {}, {}}
	for _, req := range reqs {
		suite.Require().NoError(q.Push(req, -1))
	}

	var drained []*memdQRequest
	q.Drain(func(req *memdQRequest) {
		drained = append(drained, req)
	})

	suite.Assert().Equal(reqs, drained)
	suite.Assert().ErrorIs(q.Push(&memdQRequest{}, -1), errQueueClosed)
}
