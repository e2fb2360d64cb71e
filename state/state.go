package state

import (
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// Storage is the key/value engine commands are applied to.
type Storage interface {
	Get(key string) (string, bool)
	Put(key string, value string)
	Remove(key string)
	// Cas stores value only if the current value equals ifValue.
	Cas(key string, value string, ifValue string) bool
	Contains(key string) bool
}

// State keeps keys ordered so dumps and scans are deterministic.
type State struct {
	mutex *sync.Mutex
	Store *treemap.Map
}

func KeyComparator(a, b interface{}) int {
	return strings.Compare(a.(string), b.(string))
}

func InitState() *State {
	return &State{new(sync.Mutex), treemap.NewWith(KeyComparator)}
}

func (st *State) Get(key string) (string, bool) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	if val, present := st.Store.Get(key); present {
		return val.(string), true
	}
	return "", false
}

func (st *State) Put(key string, value string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.Store.Put(key, value)
}

func (st *State) Remove(key string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.Store.Remove(key)
}

func (st *State) Cas(key string, value string, ifValue string) bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	cur, present := st.Store.Get(key)
	if !present || cur.(string) != ifValue {
		return false
	}
	st.Store.Put(key, value)
	return true
}

func (st *State) Contains(key string) bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	_, present := st.Store.Get(key)
	return present
}

// Snapshot copies the store in key order.
func (st *State) Snapshot() map[string]string {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	out := make(map[string]string, st.Store.Size())
	it := st.Store.Iterator()
	for it.Next() {
		out[it.Key().(string)] = it.Value().(string)
	}
	return out
}

func (st *State) Keys() []string {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	keys := make([]string, 0, st.Store.Size())
	for _, k := range st.Store.Keys() {
		keys = append(keys, k.(string))
	}
	return keys
}
