package genericsmr

import (
	"fmt"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
)

// StaticCluster is a membership fixed at start up.
type StaticCluster struct {
	self string
	ids  *treeset.Set
}

func NewStaticCluster(self string, replicaIds []string) (*StaticCluster, error) {
	ids := treeset.NewWith(utils.StringComparator)
	for _, id := range replicaIds {
		if id == "" {
			return nil, fmt.Errorf("genericsmr: empty replica id in %v", replicaIds)
		}
		ids.Add(id)
	}
	if !ids.Contains(self) {
		return nil, fmt.Errorf("genericsmr: replica %q is not in %v", self, replicaIds)
	}
	return &StaticCluster{self: self, ids: ids}, nil
}

func (c *StaticCluster) CurrentReplicaId() string {
	return c.self
}

// ReplicaIds is sorted and includes the current replica.
func (c *StaticCluster) ReplicaIds() []string {
	ids := make([]string, 0, c.ids.Size())
	for _, v := range c.ids.Values() {
		ids = append(ids, v.(string))
	}
	return ids
}

func (c *StaticCluster) Contains(id string) bool {
	return c.ids.Contains(id)
}

func (c *StaticCluster) Size() int {
	return c.ids.Size()
}
