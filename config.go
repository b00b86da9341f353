package gocbnet

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// A Node is a computer in a cluster running the couchbase software.
type cfgNode struct {
	ClusterMembership string         `json:"clusterMembership"`
	Hostname          string         `json:"hostname"`
	Ports             map[string]int `json:"ports"`
	Status            string         `json:"status"`
	Version           string         `json:"version"`
	ThisNode          bool           `json:"thisNode,omitempty"`
}

type cfgNodeServices struct {
	Kv      uint16 `json:"kv"`
	Mgmt    uint16 `json:"mgmt"`
	N1ql    uint16 `json:"n1ql"`
	KvSsl   uint16 `json:"kvSSL"`
	MgmtSsl uint16 `json:"mgmtSSL"`
	N1qlSsl uint16 `json:"n1qlSSL"`
}

type cfgNodeAltAddress struct {
	Ports    *cfgNodeServices `json:"ports,omitempty"`
	Hostname string           `json:"hostname"`
}

type cfgNodeExt struct {
	Services     cfgNodeServices              `json:"services"`
	Hostname     string                       `json:"hostname"`
	ThisNode     bool                         `json:"thisNode"`
	AltAddresses map[string]cfgNodeAltAddress `json:"alternateAddresses"`
}

// VBucketServerMap is the a mapping of vbuckets to nodes.
type cfgVBucketServerMap struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

// Bucket is the primary entry point for most data operations.
type cfgBucket struct {
	Rev            int64 `json:"rev"`
	RevEpoch       int64 `json:"revEpoch"`
	SourceHostname string
	Capabilities   []string `json:"bucketCapabilities"`
	Name           string   `json:"name"`
	NodeLocator    string   `json:"nodeLocator"`
	UUID           string   `json:"uuid"`
	ClusterUUID    string   `json:"clusterUUID"`
	ClusterName    string   `json:"clusterName"`

	VBucketServerMap    cfgVBucketServerMap `json:"vBucketServerMap"`
	Nodes               []cfgNode           `json:"nodes"`
	NodesExt            []cfgNodeExt        `json:"nodesExt,omitempty"`
	ClusterCapabilities map[string][]string `json:"clusterCapabilities,omitempty"`

	// forcesOverride marks a config that a node signalled as a topology change,
	// it is applied even when its revision equals the current one.
	forcesOverride bool
}

func (cfg *cfgBucket) BuildRouteConfig(useSsl bool, networkType string) *routeConfig {
	var (
		kvServerList []routeEndpoint
		mgmtEpList   []routeEndpoint
		n1qlEpList   []routeEndpoint
		bktType      bucketType
	)

	switch cfg.NodeLocator {
	case "vbucket":
		bktType = bktTypeCouchbase
	case "":
		if cfg.UUID == "" {
			bktType = bktTypeNone
		} else {
			bktType = bktTypeInvalid
		}
	default:
		logDebugf("Unsupported nodeLocator %s", cfg.NodeLocator)
		bktType = bktTypeInvalid
	}

	if networkType == "" {
		networkType = "default"
	}

	if cfg.NodesExt != nil {
		lenNodes := len(cfg.Nodes)
		for i, node := range cfg.NodesExt {
			hostname := node.Hostname
			ports := node.Services

			if networkType != "default" {
				altAddr, ok := node.AltAddresses[networkType]
				if !ok {
					logDebugf("Invalid config network type %s", networkType)
					continue
				}
				hostname = altAddr.Hostname
				if altAddr.Ports != nil {
					ports = *altAddr.Ports
				}
			}

			hostname = getHostname(hostname, cfg.SourceHostname)

			endpoints := endpointsFromPorts(useSsl, ports, hostname)
			if endpoints.kvServer.Address != "" {
				if bktType > bktTypeInvalid && i >= lenNodes {
					logDebugf("KV node present in nodesext but not in nodes for %s", endpoints.kvServer.Address)
				} else {
					kvServerList = append(kvServerList, endpoints.kvServer)
				}
			}
			if endpoints.mgmtEp.Address != "" {
				mgmtEpList = append(mgmtEpList, endpoints.mgmtEp)
			}
			if endpoints.n1qlEp.Address != "" {
				n1qlEpList = append(n1qlEpList, endpoints.n1qlEp)
			}
		}
	} else {
		if useSsl {
			logErrorf("Received config without nodesExt while SSL is enabled.  Generating invalid config.")
			return &routeConfig{revID: -1}
		}

		if bktType == bktTypeCouchbase {
			for _, s := range cfg.VBucketServerMap.ServerList {
				kvServerList = append(kvServerList, routeEndpoint{
					Address: s,
				})
			}
		}

		for _, node := range cfg.Nodes {
			if node.Hostname != "" {
				mgmtEpList = append(mgmtEpList, routeEndpoint{
					Address: fmt.Sprintf("http://%s", node.Hostname),
				})
			}
		}
	}

	rc := &routeConfig{
		revID:               cfg.Rev,
		revEpoch:            cfg.RevEpoch,
		uuid:                cfg.UUID,
		name:                cfg.Name,
		clusterUUID:         cfg.ClusterUUID,
		clusterName:         cfg.ClusterName,
		kvServerList:        kvServerList,
		mgmtEpList:          mgmtEpList,
		n1qlEpList:          n1qlEpList,
		bktType:             bktType,
		clusterCapabilities: cfg.ClusterCapabilities,
		bucketCapabilities:  cfg.Capabilities,
		forcesOverride:      cfg.forcesOverride,
	}

	if bktType == bktTypeCouchbase {
		rc.vbMap = newVbucketMap(cfg.VBucketServerMap.VBucketMap, cfg.VBucketServerMap.NumReplicas)
	}

	return rc
}

type serverEps struct {
	kvServer routeEndpoint
	mgmtEp   routeEndpoint
	n1qlEp   routeEndpoint
}

func getHostname(hostname, sourceHostname string) string {
	// Hostname blank means to use the same one as was connected to
	if hostname == "" {
		// Note that the SourceHostname will already be IPv6 wrapped
		hostname = sourceHostname
	} else if strings.Contains(hostname, ":") && !strings.HasPrefix(hostname, "[") {
		hostname = "[" + hostname + "]"
	}

	return hostname
}

func endpointsFromPorts(useSsl bool, ports cfgNodeServices, hostname string) *serverEps {
	lists := &serverEps{}

	if useSsl {
		if ports.KvSsl > 0 {
			lists.kvServer = routeEndpoint{
				Address:   fmt.Sprintf("%s:%d", hostname, ports.KvSsl),
				Encrypted: true,
			}
		}
		if ports.MgmtSsl > 0 {
			lists.mgmtEp = routeEndpoint{
				Address:   fmt.Sprintf("https://%s:%d", hostname, ports.MgmtSsl),
				Encrypted: true,
			}
		}
		if ports.N1qlSsl > 0 {
			lists.n1qlEp = routeEndpoint{
				Address:   fmt.Sprintf("https://%s:%d", hostname, ports.N1qlSsl),
				Encrypted: true,
			}
		}
		return lists
	}

	if ports.Kv > 0 {
		lists.kvServer = routeEndpoint{
			Address: fmt.Sprintf("%s:%d", hostname, ports.Kv),
		}
	}
	if ports.Mgmt > 0 {
		lists.mgmtEp = routeEndpoint{
			Address: fmt.Sprintf("http://%s:%d", hostname, ports.Mgmt),
		}
	}
	if ports.N1ql > 0 {
		lists.n1qlEp = routeEndpoint{
			Address: fmt.Sprintf("http://%s:%d", hostname, ports.N1ql),
		}
	}
	return lists
}

func hostFromHostPort(hostport string) (string, error) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", err
	}

	// If this is an IPv6 address, we need to rewrap it in []
	if strings.Contains(host, ":") {
		return "[" + host + "]", nil
	}

	return host, nil
}

// parseConfig decodes a bucket config, substituting the host the config was
// fetched from for every $HOST placeholder.
func parseConfig(config []byte, srcHost string) (*cfgBucket, error) {
	configStr := strings.ReplaceAll(string(config), "$HOST", srcHost)

	bk := new(cfgBucket)
	err := json.Unmarshal([]byte(configStr), bk)
	if err != nil {
		return nil, wrapError(ErrProtocol, fmt.Sprintf("failed to parse config: %v", err))
	}

	bk.SourceHostname = srcHost
	return bk, nil
}
