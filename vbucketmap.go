package gocbnet

type vbucketMap struct {
	entries     [][]int
	numReplicas int
}

func newVbucketMap(entries [][]int, numReplicas int) *vbucketMap {
	vbMap := vbucketMap{
		entries:     entries,
		numReplicas: numReplicas,
	}
	return &vbMap
}

func (vbMap vbucketMap) IsValid() bool {
	return len(vbMap.entries) > 0 && len(vbMap.entries[0]) > 0
}

func (vbMap vbucketMap) NumVbuckets() int {
	return len(vbMap.entries)
}

func (vbMap vbucketMap) NumReplicas() int {
	return vbMap.numReplicas
}

// MaxServerIndex returns the largest server index referenced by the map, -1
// marks an unassigned copy.
func (vbMap vbucketMap) MaxServerIndex() int {
	max := -1
	for _, entry := range vbMap.entries {
		for _, srvIdx := range entry {
			if srvIdx > max {
				max = srvIdx
			}
		}
	}
	return max
}

func (vbMap vbucketMap) VbucketByKey(key []byte) uint16 {
	return uint16(cbCrc(key) % uint32(len(vbMap.entries)))
}

func (vbMap vbucketMap) NodeByVbucket(vbID uint16, replicaID uint32) (int, error) {
	if vbID >= uint16(len(vbMap.entries)) {
		return 0, ErrInvalidVBucket
	}

	if replicaID >= uint32(len(vbMap.entries[vbID])) {
		return 0, ErrInvalidReplica
	}

	return vbMap.entries[vbID][replicaID], nil
}

func (vbMap vbucketMap) NodeByKey(key []byte, replicaID uint32) (int, error) {
	return vbMap.NodeByVbucket(vbMap.VbucketByKey(key), replicaID)
}

// VbucketsOnServer returns the vbuckets whose copy at replicaID lives on the given server.
func (vbMap vbucketMap) VbucketsOnServer(index int, replicaID uint32) []uint16 {
	var vbs []uint16
	for vbID, entry := range vbMap.entries {
		if int(replicaID) < len(entry) && entry[replicaID] == index {
			vbs = append(vbs, uint16(vbID))
		}
	}
	return vbs
}
