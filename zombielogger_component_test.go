package gocbnet

import (
	"encoding/json"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
)

func (suite *UnitTestSuite) TestOrphanReporterComponent() {
	durations := []struct {
		opaque uint32
		cmd    memd.CmdCode
		dura   time.Duration
	}{
		{23, memd.CmdReplace, 2100 * time.Microsecond},
		{24, memd.CmdReplace, 2200 * time.Microsecond},
		{25, memd.CmdReplace, 1100 * time.Microsecond},
		{27, memd.CmdGet, 2800 * time.Microsecond},
		{29, memd.CmdReplace, 5000 * time.Microsecond},
	}

	orc := newOrphanReporterComponent(time.Hour, 4)
	for _, d := range durations {
		orc.RecordOrphanResponse(nil, orphanKindStale, &memdQResponse{
			Packet: &memd.Packet{
				Command: d.cmd,
				Opaque:  d.opaque,
				ServerDurationFrame: &memd.ServerDurationFrame{
					ServerDuration: d.dura,
				},
			},
		}, "9a1e99041b33322b/54cf79f08d852738", "10.112.210.1:4512", "10.112.210.101:11210")
	}

	jsonOutput := orc.createOutput()
	suite.Require().NotEmpty(jsonOutput)

	var output map[string]orphanLogJSONEntry
	suite.Require().NoError(json.Unmarshal(jsonOutput, &output))
	suite.Require().Contains(output, "kv")

	kv := output["kv"]
	suite.Assert().Equal(5, kv.Count)
	suite.Require().Len(kv.Top, 4)

	expectedIDs := []string{"0x1d", "0x1b", "0x18", "0x17"}
	for i, item := range kv.Top {
		suite.Assert().Equal(expectedIDs[i], item.OperationID)
		suite.Assert().Equal("stale", item.Kind)
		suite.Assert().Equal("10.112.210.101:11210", item.RemoteSocket)
	}
	suite.Assert().Equal(memd.CmdGet.Name(), kv.Top[1].OperationName)
	suite.Assert().Equal(uint64(5000), kv.Top[0].ServerDurationUs)

	// Output resets after each report.
	suite.Assert().Nil(orc.createOutput())
}

func (suite *UnitTestSuite) TestOrphanReporterCancelledUsesTombstone() {
	orc := newOrphanReporterComponent(time.Hour, 2)
	orc.RecordOrphanResponse(&memdOpTombstone{
		dispatchTime:        time.Now().Add(-time.Second),
		totalServerDuration: time.Millisecond,
	}, orphanKindCancelled, &memdQResponse{
		Packet: &memd.Packet{Command: memd.CmdSet, Opaque: 1},
	}, "conn", "local:1", "remote:2")

	var output map[string]orphanLogJSONEntry
	suite.Require().NoError(json.Unmarshal(orc.createOutput(), &output))
	suite.Require().Len(output["kv"].Top, 1)
	item := output["kv"].Top[0]
	suite.Assert().Equal("cancelled", item.Kind)
	suite.Assert().GreaterOrEqual(item.TotalDurationUs, uint64(time.Second.Microseconds()))
	suite.Assert().Equal(uint64(1000), item.TotalServerDurationUs)
}
