package plugin

import "sync"

// Registry holds extractor and downloader factories in registration order.
// The first plugin whose capability check accepts a URI wins.
type Registry struct {
	mu          sync.RWMutex
	extractors  []func() Extractor
	downloaders []func() Downloader
}

func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterExtractor adds an extractor factory. Safe to call concurrently.
func (r *Registry) RegisterExtractor(factory func() Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors = append(r.extractors, factory)
}

func (r *Registry) RegisterDownloader(factory func() Downloader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloaders = append(r.downloaders, factory)
}

// Extractor returns a fresh instance of the first extractor accepting uri.
func (r *Registry) Extractor(uri string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, factory := range r.extractors {
		if e := factory(); e.CanExtract(uri) {
			return e, true
		}
	}
	return nil, false
}

// Downloader returns a fresh instance of the first downloader accepting uri.
func (r *Registry) Downloader(uri string) (Downloader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, factory := range r.downloaders {
		if d := factory(); d.CanDownload(uri) {
			return d, true
		}
	}
	return nil, false
}
