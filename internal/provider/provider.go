// Package provider defines the contract every remote imagery archive driver
// implements, plus the bulk download orchestrator shared by all of them.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Scene is one remote product returned by a search. Meta carries the
// provider-specific payload untouched; Path is appended after a successful
// transfer and is the only mutation a Scene ever receives.
type Scene struct {
	ID         string
	CloudCover float64
	Link       string
	Meta       map[string]any

	// Path is the resolved local file after download.
	Path string
}

// SearchOptions narrows a catalog query. Providers ignore fields they do not
// support.
type SearchOptions struct {
	StartDate  string
	EndDate    string
	BBox       []float64 // west, south, east, north
	CloudCover float64
	Tile       string
	SceneIDs   []string
	MaxResults int
}

// BulkResult partitions a batch into three disjoint lists. Every input scene
// lands in exactly one of them.
type BulkResult struct {
	Success   []Scene
	Scheduled []string // scene ids pending long-term-archive retrieval
	Failed    []string // scene ids that failed with a terminal error
}

// Provider is the driver contract for one remote imagery archive.
type Provider interface {
	// Search queries the provider catalog for one logical collection.
	Search(ctx context.Context, collection string, opts SearchOptions) ([]Scene, error)

	// Download fetches a single scene into outputDir and returns the local
	// path. It returns *DataOfflineError when the scene must first be staged
	// from cold storage.
	Download(ctx context.Context, sceneID string, outputDir string) (string, error)

	// DownloadAll fetches many scenes concurrently. Per-scene failures are
	// reported through the BulkResult, never as an error.
	DownloadAll(ctx context.Context, scenes []Scene, outputDir string) (BulkResult, error)

	// Collections lists the logical collections this provider serves.
	Collections() []string

	// Disconnect releases remote sessions. Providers without session state
	// implement it as a no-op.
	Disconnect(ctx context.Context) error
}

// Factory builds a provider from runtime configuration. Drivers register one
// under their provider name.
type Factory func() (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a provider factory available under name. Called from driver
// setup code; registering the same name twice panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("provider %q registered twice", name))
	}

	registry[name] = factory
}

// New builds the provider registered under name.
func New(name string) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown provider %q", name)}
	}

	return factory()
}

// Names lists the registered provider names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
