package extension

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/musichub_downloader/internal/media"
)

// Info describes a registered extension.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities"`
}

type entry struct {
	ext     Extension
	enabled bool
}

// Registry keeps extensions in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds ext or replaces a previously registered extension with the same id.
func (r *Registry) Register(ext Extension, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.ext.ID() == ext.ID() {
			e.ext = ext
			e.enabled = enabled

			return
		}
	}

	r.entries = append(r.entries, &entry{ext: ext, enabled: enabled})
}

func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.ext.ID() == id {
			e.enabled = enabled

			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
}

// Get returns an enabled extension by id.
func (r *Registry) Get(id string) (Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.ext.ID() == id && e.enabled {
			return e.ext, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
}

// Enabled returns the enabled extensions in registration order.
func (r *Registry) Enabled() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Extension

	for _, e := range r.entries {
		if e.enabled {
			out = append(out, e.ext)
		}
	}

	return out
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			ID:           e.ext.ID(),
			Name:         e.ext.Name(),
			Enabled:      e.enabled,
			Capabilities: Capabilities(e.ext),
		})
	}

	return out
}

// DownloadExtension returns the first enabled extension able to download.
func (r *Registry) DownloadExtension() (DownloadClient, error) {
	for _, ext := range r.Enabled() {
		if dc, ok := ext.(DownloadClient); ok {
			return dc, nil
		}
	}

	return nil, ErrNoDownloadExtension
}

// Lookup resolves extension id and probes it for capability C.
func Lookup[C any](r *Registry, id string) (C, error) {
	ext, err := r.Get(id)
	if err != nil {
		var zero C

		return zero, err
	}

	return As[C](ext)
}

func (r *Registry) Search(ctx context.Context, id, query string) ([]media.Track, error) {
	s, err := Lookup[Searcher](r, id)
	if err != nil {
		return nil, err
	}

	return s.Search(ctx, query), nil
}

// Track resolves a single track. A nil track with a nil error means the
// extension could not resolve it.
func (r *Registry) Track(ctx context.Context, id, trackID string) (*media.Track, error) {
	p, err := Lookup[TrackProvider](r, id)
	if err != nil {
		return nil, err
	}

	return p.Track(ctx, trackID), nil
}

func (r *Registry) Radio(ctx context.Context, id, trackID string) ([]media.Track, error) {
	p, err := Lookup[RadioProvider](r, id)
	if err != nil {
		return nil, err
	}

	return p.Radio(ctx, trackID), nil
}

func (r *Registry) HomeFeed(ctx context.Context, id string) ([]media.Track, error) {
	p, err := Lookup[HomeFeedProvider](r, id)
	if err != nil {
		return nil, err
	}

	return p.HomeFeed(ctx), nil
}
