// Package kv implements storage.Storage over a byte provider.
//
// Keys:
//
//	entry:<ns>:<generation>:<hash>  - one stored response (hash over the request key)
//
// Every value is framed with the generation that wrote it. A value whose frame
// is corrupt, names another generation or fails to decode is deleted on read
// and reported as a miss.
//
// Generation names and per-generation request keys live in a genstore.Registry,
// since providers cannot enumerate keys. Pair a Redis provider with a Redis
// registry for stores that survive restarts.
package kv

import (
	"context"
	"errors"
	"fmt"

	c "github.com/unkn0wn-root/offcache/codec"
	gen "github.com/unkn0wn-root/offcache/genstore"
	"github.com/unkn0wn-root/offcache/internal/util"
	"github.com/unkn0wn-root/offcache/internal/wire"
	pr "github.com/unkn0wn-root/offcache/provider"
	"github.com/unkn0wn-root/offcache/storage"
)

// ErrRejected means the provider refused a write (eviction pressure).
var ErrRejected = errors.New("kv: provider rejected write")

type CostFunc func(key string, raw []byte) int64

// Options configure a Storage. Only Provider is required.
type Options struct {
	Provider  pr.Provider
	Registry  gen.Registry           // nil => genstore.NewLocal()
	Codec     c.Codec[storage.Entry] // nil => deterministic CBOR
	Namespace string                 // optional key prefix segment, e.g. "esfas"

	ComputeCost CostFunc // nil => len(raw)

	// OnSelfHeal is called after a bad entry was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "decode"}
	OnSelfHeal func(storageKey, reason string)
}

type Storage struct {
	provider pr.Provider
	registry gen.Registry
	codec    c.Codec[storage.Entry]
	prefix   string
	cost     CostFunc
	onHeal   func(string, string)
}

var _ storage.Storage = (*Storage)(nil)

func New(opts Options) (*Storage, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("kv: provider is required")
	}
	s := &Storage{
		provider: opts.Provider,
		registry: opts.Registry,
		codec:    opts.Codec,
		prefix:   util.JoinNonEmpty(":", "entry", opts.Namespace),
		cost:     opts.ComputeCost,
		onHeal:   opts.OnSelfHeal,
	}
	if s.registry == nil {
		s.registry = gen.NewLocal()
	}
	if s.codec == nil {
		cb, err := c.NewCBOR[storage.Entry](true)
		if err != nil {
			return nil, fmt.Errorf("kv: default codec: %w", err)
		}
		s.codec = cb
	}
	if s.cost == nil {
		s.cost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	if s.onHeal == nil {
		s.onHeal = func(string, string) {}
	}
	return s, nil
}

func (s *Storage) Open(ctx context.Context, name string) (storage.Store, error) {
	if name == "" {
		return nil, fmt.Errorf("kv: empty store name")
	}
	if _, err := s.registry.Add(ctx, name); err != nil {
		return nil, fmt.Errorf("kv: open %q: %w", name, err)
	}
	return &store{s: s, name: name}, nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.registry.Contains(ctx, name)
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.registry.List(ctx)
}

// Delete drops every entry of the store and then its registry record.
// Entry deletes are best-effort: a leftover value carries the deleted
// generation in its frame and self-heals if a store of the same name is
// ever read again.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	members, err := s.registry.Members(ctx, name)
	if err != nil {
		return false, fmt.Errorf("kv: delete %q: %w", name, err)
	}
	var delErrs []error
	for _, k := range members {
		if err := s.provider.Del(ctx, s.entryKey(name, k)); err != nil {
			delErrs = append(delErrs, err)
		}
	}
	existed, err := s.registry.Remove(ctx, name)
	if err != nil {
		return false, fmt.Errorf("kv: delete %q: %w", name, errors.Join(append(delErrs, err)...))
	}
	if len(delErrs) > 0 {
		return existed, fmt.Errorf("kv: delete %q entries: %w", name, errors.Join(delErrs...))
	}
	return existed, nil
}

// Close closes the registry and the provider.
func (s *Storage) Close(ctx context.Context) error {
	return errors.Join(s.registry.Close(ctx), s.provider.Close(ctx))
}

func (s *Storage) entryKey(name, requestKey string) string {
	return util.EntryKey(s.prefix, name, requestKey)
}

type store struct {
	s    *Storage
	name string
}

func (st *store) Name() string { return st.name }

func (st *store) Match(ctx context.Context, key string) (*storage.Entry, bool, error) {
	k := st.s.entryKey(st.name, key)
	raw, ok, err := st.s.provider.Get(ctx, k)
	if err != nil || !ok {
		return nil, false, err
	}
	g, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		st.heal(ctx, k, "corrupt")
		return nil, false, nil
	}
	if g != st.name {
		st.heal(ctx, k, "gen_mismatch")
		return nil, false, nil
	}
	e, err := st.s.codec.Decode(payload)
	if err != nil {
		st.heal(ctx, k, "decode")
		return nil, false, nil
	}
	return &e, true, nil
}

func (st *store) Put(ctx context.Context, key string, e *storage.Entry) error {
	payload, err := st.s.codec.Encode(*e)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}
	raw, err := wire.EncodeEntry(st.name, payload)
	if err != nil {
		return err
	}
	k := st.s.entryKey(st.name, key)
	ok, err := st.s.provider.Set(ctx, k, raw, st.s.cost(k, raw), 0)
	if err != nil {
		return fmt.Errorf("kv: put %q: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("kv: put %q: %w", key, ErrRejected)
	}
	return st.s.registry.Track(ctx, st.name, key)
}

func (st *store) Keys(ctx context.Context) ([]string, error) {
	return st.s.registry.Members(ctx, st.name)
}

func (st *store) heal(ctx context.Context, storageKey, reason string) {
	_ = st.s.provider.Del(ctx, storageKey)
	st.s.onHeal(storageKey, reason)
}
