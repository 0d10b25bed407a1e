package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/makaronz/animatize/core"
)

// Factory builds an adapter from shared configuration.
type Factory func(cfg AdapterConfig) core.Adapter

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterFactory makes a provider constructible by name. Built-in
// adapters self-register in init; external adapters may add themselves
// the same way.
func RegisterFactory(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Build constructs the named adapter.
func Build(name string, cfg AdapterConfig) (core.Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrProviderNotFound, name)
	}
	return factory(cfg), nil
}

// Available lists the registered provider names in stable order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterFactory("sora", func(cfg AdapterConfig) core.Adapter { return NewSoraAdapter(cfg) })
	RegisterFactory("veo", func(cfg AdapterConfig) core.Adapter { return NewVeoAdapter(cfg) })
	RegisterFactory("runway", func(cfg AdapterConfig) core.Adapter { return NewRunwayAdapter(cfg) })
	RegisterFactory("kling", func(cfg AdapterConfig) core.Adapter { return NewKlingAdapter(cfg) })
	RegisterFactory("luma", func(cfg AdapterConfig) core.Adapter { return NewLumaAdapter(cfg) })
	RegisterFactory("pika", func(cfg AdapterConfig) core.Adapter { return NewPikaAdapter(cfg) })
}
