package hosting

import (
	"fmt"
	"sync"
)

// Config holds forge backend configuration.
type Config struct {
	// Token authenticates API calls for the backend.
	Token string
	// BaseURL points at a self-hosted instance; empty means the public
	// github.com / gitlab.com API.
	BaseURL string
}

// NewProviderFunc constructs a forge backend. Provider packages
// register their constructor from init() to avoid an import cycle.
type NewProviderFunc func(cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a backend constructor.
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider constructs the backend for the given type.
func NewProvider(providerType ProviderType, cfg Config) (Provider, error) {
	constructor, ok := providerConstructors[providerType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", providerType)
	}
	return constructor(cfg)
}

// TokenFunc returns the token configured for a provider type.
type TokenFunc func(providerType ProviderType) string

// Adapter routes per-repository forge calls to the right backend,
// constructing each backend lazily on first use. Safe for concurrent
// use; the supervisor and the watcher share one instance.
type Adapter struct {
	tokenFor TokenFunc
	baseURL  string

	mu    sync.Mutex
	cache map[ProviderType]Provider
}

// NewAdapter creates an adapter. tokenFor supplies per-forge tokens.
func NewAdapter(tokenFor TokenFunc, baseURL string) *Adapter {
	return &Adapter{
		tokenFor: tokenFor,
		baseURL:  baseURL,
		cache:    make(map[ProviderType]Provider),
	}
}

// For returns the backend serving the given repository or PR URL.
// Each backend is constructed at most once.
func (a *Adapter) For(repoURL string) (Provider, error) {
	pt := Detect(repoURL)
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.cache[pt]; ok {
		return p, nil
	}
	p, err := NewProvider(pt, Config{Token: a.tokenFor(pt), BaseURL: a.baseURL})
	if err != nil {
		return nil, err
	}
	a.cache[pt] = p
	return p, nil
}
