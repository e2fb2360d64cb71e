package stablestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"epaxoskv/epaxosproto"
)

type StableStore interface {
	Write([]byte) (int, error)
	Sync() error
	Close() error
}

// CommitRecord is one line of the journal.
type CommitRecord struct {
	ReplicaId  string                 `json:"replica_id"`
	InstanceId int32                  `json:"instance_id"`
	Command    *epaxosproto.Command   `json:"command,omitempty"`
	Attributes epaxosproto.Attributes `json:"attributes"`
	At         int64                  `json:"at"`
}

// Journal appends every committed instance to a stable store as a JSON line
// and syncs it before returning.
type Journal struct {
	mu    sync.Mutex
	store StableStore
	now   func() time.Time
}

func NewJournal(store StableStore) *Journal {
	return &Journal{store: store, now: time.Now}
}

// OpenJournal creates or appends to stable-store-replica<id> under dir.
func OpenJournal(dir string, replicaId string) (*Journal, error) {
	path := filepath.Join(dir, fmt.Sprintf("stable-store-replica%s", replicaId))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return NewJournal(f), nil
}

func (j *Journal) RecordCommit(key epaxosproto.InstanceKey, cmd *epaxosproto.Command, attrs epaxosproto.Attributes) error {
	b, err := json.Marshal(CommitRecord{
		ReplicaId:  key.ReplicaId,
		InstanceId: key.InstanceId,
		Command:    cmd,
		Attributes: attrs,
		At:         j.now().UnixNano(),
	})
	if err != nil {
		return err
	}
	b = append(b, '\n')
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.store.Write(b); err != nil {
		return err
	}
	return j.store.Sync()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Close()
}
