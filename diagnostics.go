package gocbnet

import (
	"time"
)

// ClusterState is the overall state of the KV connections of a client.
type ClusterState uint32

const (
	// ClusterStateOnline indicates that all nodes are online and reachable.
	ClusterStateOnline = ClusterState(1)

	// ClusterStateDegraded indicates that all services will function, but possibly not optimally.
	ClusterStateDegraded = ClusterState(2)

	// ClusterStateOffline indicates that no nodes were reachable.
	ClusterStateOffline = ClusterState(3)
)

func (cs ClusterState) String() string {
	switch cs {
	case ClusterStateOnline:
		return "online"
	case ClusterStateDegraded:
		return "degraded"
	case ClusterStateOffline:
		return "offline"
	}
	return "unknown"
}

// DiagnosticsOptions are the options that are available for use with the Diagnostics operation.
type DiagnosticsOptions struct {
	// ForceWait makes Diagnostics block until a config is available rather
	// than returning an empty report.
	ForceWait bool
}

// MemdConnInfo represents information we know about a particular
// memcached connection reported in a diagnostics report.
type MemdConnInfo struct {
	LocalAddr    string
	RemoteAddr   string
	LastActivity time.Time
	Scope        string
	ID           string
	State        EndpointState
}

// DiagnosticInfo is returned by the Diagnostics method and includes
// information about the overall health of the clients connections.
type DiagnosticInfo struct {
	ConfigRev int64
	MemdConns []MemdConnInfo
	State     ClusterState
}

type diagnosticsComponent struct {
	kvMux  *kvMux
	cfgMgr *configManagementComponent
	bucket string
}

func newDiagnosticsComponent(kvMux *kvMux, cfgMgr *configManagementComponent, bucket string) *diagnosticsComponent {
	return &diagnosticsComponent{
		kvMux:  kvMux,
		cfgMgr: cfgMgr,
		bucket: bucket,
	}
}

// Diagnostics reports the state of every pipeline client. The snapshot is
// retaken if the config changes while it is being read.
func (dc *diagnosticsComponent) Diagnostics(opts DiagnosticsOptions) (*DiagnosticInfo, error) {
	if opts.ForceWait {
		<-dc.cfgMgr.FirstConfig()
	}

	for {
		iter, err := dc.kvMux.PipelineSnapshot()
		if err != nil {
			return nil, err
		}

		var conns []MemdConnInfo
		iter.Iterate(0, func(pipeline *memdPipeline) bool {
			for _, pipecli := range pipeline.Clients() {
				conn := MemdConnInfo{
					LocalAddr:    pipecli.LocalAddress(),
					RemoteAddr:   pipecli.Address(),
					LastActivity: pipecli.LastActivity(),
					ID:           pipecli.ConnID(),
					State:        pipecli.State(),
				}
				if dc.bucket != "" {
					conn.Scope = redactMetaData(dc.bucket)
				}
				conns = append(conns, conn)
			}
			return false
		})

		connected := 0
		for _, conn := range conns {
			if conn.State == EndpointStateConnected {
				connected++
			}
		}

		state := ClusterStateOffline
		if len(conns) > 0 && connected == len(conns) {
			state = ClusterStateOnline
		} else if connected > 0 {
			state = ClusterStateDegraded
		}

		endIter, err := dc.kvMux.PipelineSnapshot()
		if err != nil {
			return nil, err
		}
		if iter.RevID() == endIter.RevID() {
			return &DiagnosticInfo{
				ConfigRev: iter.RevID(),
				MemdConns: conns,
				State:     state,
			}, nil
		}
	}
}
