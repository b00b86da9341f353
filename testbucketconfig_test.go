package gocbnet

import (
	"encoding/json"
	"fmt"
)

// testBucketConfig builds a couchbase bucket config over kvAddrs (host:port),
// spreading vbuckets round robin with each replica on the next node.
func testBucketConfig(rev, revEpoch int64, kvAddrs []string, numVbuckets, numReplicas int) *cfgBucket {
	cfg := &cfgBucket{
		Rev:          rev,
		RevEpoch:     revEpoch,
		Name:         "default",
		NodeLocator:  "vbucket",
		UUID:         "a6d35d7b10b9f5e7a6a2e4e7f0b8c0d1",
		Capabilities: []string{"couchapi", "collections", "durableWrite", "rangeScan"},
		VBucketServerMap: cfgVBucketServerMap{
			HashAlgorithm: "CRC",
			NumReplicas:   numReplicas,
			ServerList:    kvAddrs,
		},
	}

	for i := 0; i < numVbuckets; i++ {
		entry := make([]int, numReplicas+1)
		for r := range entry {
			if r < len(kvAddrs) {
				entry[r] = (i + r) % len(kvAddrs)
			} else {
				entry[r] = -1
			}
		}
		cfg.VBucketServerMap.VBucketMap = append(cfg.VBucketServerMap.VBucketMap, entry)
	}

	for _, addr := range kvAddrs {
		host, port := splitTestAddr(addr)
		cfg.Nodes = append(cfg.Nodes, cfgNode{Hostname: fmt.Sprintf("%s:8091", host)})
		cfg.NodesExt = append(cfg.NodesExt, cfgNodeExt{
			Hostname: host,
			Services: cfgNodeServices{
				Kv:      port,
				Mgmt:    8091,
				N1ql:    8093,
				KvSsl:   11207,
				MgmtSsl: 18091,
				N1qlSsl: 18093,
			},
		})
	}

	return cfg
}

func testBucketConfigJSON(rev, revEpoch int64, kvAddrs []string, numVbuckets, numReplicas int) []byte {
	data, err := json.Marshal(testBucketConfig(rev, revEpoch, kvAddrs, numVbuckets, numReplicas))
	if err != nil {
		panic(err)
	}
	return data
}

func splitTestAddr(addr string) (string, uint16) {
	var host string
	var port uint16
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			host = addr[:i]
			_, _ = fmt.Sscanf(addr[i+1:], "%d", &port)
			break
		}
	}
	return host, port
}
