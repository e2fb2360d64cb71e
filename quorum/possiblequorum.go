package quorum

// PossibleQuorum tracks which replicas could still belong to the quorum that
// pre-accepted an instance being recovered.
type PossibleQuorum struct {
	members map[string]bool
}

func PossibleQuorumNew(ids []string) *PossibleQuorum {
	pq := &PossibleQuorum{members: make(map[string]bool, len(ids))}
	for _, id := range ids {
		pq.members[id] = true
	}
	return pq
}

func (pq *PossibleQuorum) Exclude(id string) {
	if _, known := pq.members[id]; known {
		pq.members[id] = false
	}
}

func (pq *PossibleQuorum) Contains(id string) bool {
	return pq.members[id]
}

func (pq *PossibleQuorum) Excluded() int {
	n := 0
	for _, in := range pq.members {
		if !in {
			n++
		}
	}
	return n
}
