package core

import (
	"sort"

	"github.com/pkg/errors"
)

// Registry is the immutable set of pairs one framework declares.
type Registry struct {
	pairs []Pair
	index map[Pair]struct{}
}

type RegistryBuilder struct {
	pairs []Pair
	seen  map[Pair]struct{}
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{seen: make(map[Pair]struct{})}
}

// Register adds the pair, registering the same pair twice is a no-op.
func (b *RegistryBuilder) Register(carrier, payload string) *RegistryBuilder {
	p := NewPair(carrier, payload)
	if _, ok := b.seen[p]; ok {
		return b
	}
	b.seen[p] = struct{}{}
	b.pairs = append(b.pairs, p)
	return b
}

func (b *RegistryBuilder) Build() (*Registry, error) {
	for _, p := range b.pairs {
		if p.Carrier == "" || p.Payload == "" {
			return nil, errors.Errorf("invalid virtual field declaration %q: carrier and payload are required", p.String())
		}
		if p.CarrierPackage() == "" {
			return nil, errors.Errorf("invalid virtual field declaration %q: carrier must be a named type of an importable package", p.String())
		}
		if p.Carrier[0] == '*' {
			return nil, errors.Errorf("invalid virtual field declaration %q: carrier must be a struct type, not a pointer", p.String())
		}
	}
	return newRegistry(b.pairs), nil
}

// MustBuild is Build for package level declarations.
func (b *RegistryBuilder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

func newRegistry(pairs []Pair) *Registry {
	r := &Registry{
		pairs: make([]Pair, len(pairs)),
		index: make(map[Pair]struct{}, len(pairs)),
	}
	copy(r.pairs, pairs)
	sort.Slice(r.pairs, func(i, j int) bool {
		if r.pairs[i].Carrier != r.pairs[j].Carrier {
			return r.pairs[i].Carrier < r.pairs[j].Carrier
		}
		return r.pairs[i].Payload < r.pairs[j].Payload
	})
	for _, p := range r.pairs {
		r.index[p] = struct{}{}
	}
	return r
}

// Pairs returns a copy of the declared pairs, sorted.
func (r *Registry) Pairs() []Pair {
	if r == nil {
		return nil
	}
	result := make([]Pair, len(r.pairs))
	copy(result, r.pairs)
	return result
}

func (r *Registry) Contains(p Pair) bool {
	if r == nil {
		return false
	}
	_, ok := r.index[p]
	return ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.pairs)
}

// Merge returns a new registry holding the union of all given registries.
func Merge(registries ...*Registry) *Registry {
	b := NewRegistryBuilder()
	for _, r := range registries {
		for _, p := range r.Pairs() {
			b.Register(p.Carrier, p.Payload)
		}
	}
	return newRegistry(b.pairs)
}
