// Package factory resolves a URL to an Adapter through the four-tier
// chain spec.md's OVERVIEW names: native site adapters, a gallery-style
// engine, a universal engine, then a generic HTML scraper as the last
// resort. The first adapter (in registration order within each tier)
// whose CanHandle returns true wins.
package factory

import (
	apperr "forgedl/internal/apperrors"
	"forgedl/internal/downloader"
)

// Tier orders the resolution chain from most to least specific.
type Tier int

const (
	TierNative Tier = iota
	TierGallery
	TierUniversal
	TierGeneric
	numTiers
)

// Factory holds the registered adapters for each tier and resolves URLs
// against them in tier order.
type Factory struct {
	tiers [numTiers][]downloader.Adapter
}

// New creates an empty factory; adapters are added with Register.
func New() *Factory {
	return &Factory{}
}

// Register adds an adapter to the given tier, in the order adapters
// within that tier should be tried.
func (f *Factory) Register(tier Tier, a downloader.Adapter) {
	f.tiers[tier] = append(f.tiers[tier], a)
}

// Resolve returns the first adapter (scanning tiers native -> gallery ->
// universal -> generic) whose CanHandle(url) is true.
func (f *Factory) Resolve(url string) (downloader.Adapter, error) {
	for _, tier := range f.tiers {
		for _, a := range tier {
			if a.CanHandle(url) {
				return a, nil
			}
		}
	}
	return nil, apperr.NewWithMessage("factory.Resolve", apperr.ErrNoResolver, "no adapter can handle this URL")
}

// ByName returns a registered adapter by its Name(), used when a job's
// persisted "engine" field should pin resolution on restart rather than
// re-running CanHandle against a possibly-changed adapter set.
func (f *Factory) ByName(name string) (downloader.Adapter, bool) {
	for _, tier := range f.tiers {
		for _, a := range tier {
			if a.Name() == name {
				return a, true
			}
		}
	}
	return nil, false
}
