package gocbnet

import (
	"fmt"
	"strings"
)

type bucketType int

const (
	bktTypeNone      bucketType = -1
	bktTypeInvalid   bucketType = 0
	bktTypeCouchbase bucketType = 1
)

type routeEndpoint struct {
	Address   string
	Encrypted bool
}

// routeConfig is an immutable view of a cluster config. A new config replaces
// the old one as a whole.
type routeConfig struct {
	revID       int64
	revEpoch    int64
	uuid        string
	name        string
	clusterUUID string
	clusterName string
	bktType     bucketType

	kvServerList []routeEndpoint
	mgmtEpList   []routeEndpoint
	n1qlEpList   []routeEndpoint
	vbMap        *vbucketMap

	bucketCapabilities  []string
	clusterCapabilities map[string][]string

	forcesOverride bool
}

func (config *routeConfig) DebugString() string {
	var outStr string

	outStr += fmt.Sprintf("Revision: %d:%d\n", config.revEpoch, config.revID)
	outStr += fmt.Sprintf("Bucket: %s (%s)\n", config.name, config.uuid)

	outStr += "KV Eps:\n"
	for _, ep := range config.kvServerList {
		outStr += fmt.Sprintf("  - %s\n", ep.Address)
	}

	outStr += "Mgmt Eps:\n"
	for _, ep := range config.mgmtEpList {
		outStr += fmt.Sprintf("  - %s\n", ep.Address)
	}

	outStr += "N1ql Eps:\n"
	for _, ep := range config.n1qlEpList {
		outStr += fmt.Sprintf("  - %s\n", ep.Address)
	}

	if config.vbMap != nil {
		outStr += fmt.Sprintf("VBuckets: %d, Replicas: %d\n", config.vbMap.NumVbuckets(), config.vbMap.NumReplicas())
	}

	return outStr
}

func (config *routeConfig) IsValid() bool {
	if len(config.kvServerList) == 0 || len(config.mgmtEpList) == 0 {
		return false
	}
	switch config.bktType {
	case bktTypeCouchbase:
		if config.vbMap == nil || !config.vbMap.IsValid() {
			return false
		}
		return config.vbMap.MaxServerIndex() < len(config.kvServerList)
	case bktTypeNone:
		return true
	default:
		return false
	}
}

// IsNewerThan compares (revEpoch, revID) lexicographically. An equal revision
// only counts as newer when the config forces an override.
func (config *routeConfig) IsNewerThan(oCfg *routeConfig) bool {
	if config.revEpoch < oCfg.revEpoch {
		logDebugf("Ignoring new config as has older revision epoch number")
		return false
	} else if config.revEpoch > oCfg.revEpoch {
		return true
	}

	if config.revID < oCfg.revID {
		logDebugf("Ignoring new config as has older revision number")
		return false
	} else if config.revID == oCfg.revID {
		if config.forcesOverride {
			return true
		}
		logDebugf("Ignoring configuration with identical revision number")
		return false
	}

	return true
}

func (config *routeConfig) ContainsBucketCapability(needleCap string) bool {
	for _, capability := range config.bucketCapabilities {
		if capability == needleCap {
			return true
		}
	}
	return false
}

func (config *routeConfig) ContainsClusterCapability(category, capability string) bool {
	for _, found := range config.clusterCapabilities[category] {
		if strings.EqualFold(found, capability) {
			return true
		}
	}
	return false
}

// KVAddresses returns the plain host:port addresses of the data nodes in
// server index order.
func (config *routeConfig) KVAddresses() []string {
	addrs := make([]string, len(config.kvServerList))
	for i, ep := range config.kvServerList {
		addrs[i] = ep.Address
	}
	return addrs
}
