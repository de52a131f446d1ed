// Package itemids implements the per-job set of already processed item ids.
// A set is loaded once per job worker; additions stay pending in memory until
// Flush persists them.
package itemids

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Set is safe for concurrent use by the tasks of one job worker.
type Set interface {
	Contains(id string) bool
	// Add records id and reports whether it was new.
	Add(id string) bool
	// Flush persists pending additions.
	Flush(ctx context.Context) error
}

const redisScheme = "redis://"

// Open loads the set at path: "redis://<key>" selects a redis set, anything
// else a newline-delimited file.
func Open(ctx context.Context, path string, client *redis.Client) (Set, error) {
	if key, ok := strings.CutPrefix(path, redisScheme); ok {
		if client == nil {
			return nil, errors.New("item id set " + path + " needs a redis connection")
		}
		return OpenRedis(ctx, client, key)
	}
	return OpenFile(path)
}

// memberSet is the in-memory part shared by the set implementations. The
// zero value is empty and ready for use.
type memberSet struct {
	mu      sync.Mutex
	members map[string]struct{}
	pending []string
}

// load records an id that is already persisted.
func (s *memberSet) load(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == nil {
		s.members = make(map[string]struct{})
	}
	s.members[id] = struct{}{}
}

func (s *memberSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[id]
	return ok
}

func (s *memberSet) Add(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[id]; ok {
		return false
	}
	if s.members == nil {
		s.members = make(map[string]struct{})
	}
	s.members[id] = struct{}{}
	s.pending = append(s.pending, id)
	return true
}

// takePending returns and clears the pending additions.
func (s *memberSet) takePending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// restorePending puts back additions whose flush failed.
func (s *memberSet) restorePending(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(ids, s.pending...)
}

// MemorySet keeps ids in memory only.
type MemorySet struct {
	memberSet
}

func NewMemorySet(ids ...string) *MemorySet {
	s := &MemorySet{}
	for _, id := range ids {
		s.load(id)
	}
	return s
}

func (s *MemorySet) Flush(context.Context) error {
	s.takePending()
	return nil
}
