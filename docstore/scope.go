package docstore

import (
	"bytes"
	"context"
	"fmt"
)

type scopeConfig struct {
	seeded bool
}

// ScopeOption customises Open.
type ScopeOption func(*scopeConfig)

// Seeded makes a scope on a missing document start from the query's
// key/value pairs instead of an empty document.
func Seeded() ScopeOption { return func(c *scopeConfig) { c.seeded = true } }

// Scope is an open read-modify-write unit over one document. Doc may be
// mutated freely until Close.
type Scope struct {
	Doc Document

	coll   *Collection
	query  Query
	ident  string
	before []byte
	found  bool
	closed bool
}

// Open reads the document matching q into a private snapshot. A missing
// document yields an empty snapshot, or one holding q's pairs with Seeded.
func (c *Collection) Open(ctx context.Context, q Query, opts ...ScopeOption) (*Scope, error) {
	var cfg scopeConfig
	for _, o := range opts {
		o(&cfg)
	}
	ident, err := canonical(q)
	if err != nil {
		return nil, err
	}
	body, _, found, err := c.load(ctx, c.store.DB, string(ident))
	if err != nil {
		return nil, err
	}
	if !found {
		base := Document{}
		if cfg.seeded {
			for k, v := range q {
				base[k] = v
			}
		}
		if body, err = normalize(base); err != nil {
			return nil, err
		}
	}
	doc, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("docstore: %s: %w", c.name, err)
	}
	before, err := canonical(doc)
	if err != nil {
		return nil, err
	}
	return &Scope{
		Doc:    doc,
		coll:   c,
		query:  q,
		ident:  string(ident),
		before: before,
		found:  found,
	}, nil
}

// Existed reports whether the document was in the store when the scope
// was opened.
func (s *Scope) Existed() bool { return s.found }

// Close writes the snapshot back when it differs from what Open read,
// restoring the identity pairs first, and signals sig. It reports whether a
// write happened. Closing twice is a no-op.
func (s *Scope) Close(ctx context.Context, sig Signaler) (bool, error) {
	if s.closed {
		return false, nil
	}
	s.closed = true

	after, err := normalize(s.Doc)
	if err != nil {
		return false, fmt.Errorf("docstore: %s: %w", s.coll.name, err)
	}
	if bytes.Equal(after, s.before) {
		return false, nil
	}

	for k, v := range s.query {
		s.Doc[k] = v
	}
	if after, err = normalize(s.Doc); err != nil {
		return false, fmt.Errorf("docstore: %s: %w", s.coll.name, err)
	}
	if bytes.Equal(after, s.before) {
		return false, nil
	}

	if err := s.coll.write(ctx, s.coll.store.DB, s.ident, after, fingerprint(after)); err != nil {
		return false, fmt.Errorf("docstore: %s: write: %w", s.coll.name, err)
	}
	s.coll.logDelta(ctx, s.ident, s.before, after, sig != nil)
	if sig != nil {
		sig.Updated()
	}
	return true, nil
}
