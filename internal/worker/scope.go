package worker

import (
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
	"github.com/WiLGYSeF/stalk-sub000/internal/itemids"
	"github.com/WiLGYSeF/stalk-sub000/internal/plugin"
)

// Scope holds the resources shared by every task of one job worker. Nothing
// in a scope is shared across jobs.
type Scope struct {
	// Job is a snapshot taken when the job worker started.
	Job    *domain.Job
	Cache  plugin.Cache
	Client *http.Client
	// ItemIDs is nil when the job does not deduplicate.
	ItemIDs itemids.Set

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScope builds a scope with a fresh cache and an HTTP client with its own
// cookie jar.
func NewScope(job *domain.Job, ids itemids.Set, httpTimeout time.Duration) *Scope {
	jar, _ := cookiejar.New(nil) // only fails on a bad PublicSuffixList
	seed := uint64(time.Now().UnixNano())
	return &Scope{
		Job:     job.Clone(),
		Cache:   plugin.NewMemoryCache(),
		Client:  &http.Client{Jar: jar, Timeout: httpTimeout},
		ItemIDs: ids,
		rng:     rand.New(rand.NewPCG(seed, uint64(job.ID))),
	}
}

func (s *Scope) Config() domain.JobConfig { return s.Job.Config }

// Draw draws a delay from r using the scope's random source.
func (s *Scope) Draw(r *domain.DelayRange) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.Draw(s.rng)
}
