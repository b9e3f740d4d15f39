// Package docstore is the collector's keyed document store: named
// collections of JSON documents in SQLite, each identified by an equality
// query, mutated through read-modify-write scopes that only write, and only
// signal, when the document's content actually changed.
//
// The store assumes a single writer. Scopes take no locks; two processes
// editing the same identity concurrently will lose updates.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/hazyhaar/teamstatus/dbopen"
)

// Signaler receives "something changed" signals from scopes. The change
// notifier's pass implements it; nil is accepted everywhere.
type Signaler interface {
	Updated()
}

// Store wraps the database handle shared by all collections.
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New applies the schema to db and returns a Store.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ApplySchema(db); err != nil {
		return nil, fmt.Errorf("docstore: apply schema: %w", err)
	}
	return &Store{DB: db, logger: logger, now: time.Now}, nil
}

// Collection returns a handle on the named collection.
func (s *Store) Collection(name string) *Collection {
	return &Collection{store: s, name: name}
}

// Collections lists the names of all non-empty collections.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Collection is a named set of documents.
type Collection struct {
	store *Store
	name  string
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Find returns the document matching q. ok is false when none exists.
func (c *Collection) Find(ctx context.Context, q Query) (doc Document, ok bool, err error) {
	ident, err := canonical(q)
	if err != nil {
		return nil, false, err
	}
	body, _, found, err := c.load(ctx, c.store.DB, string(ident))
	if err != nil || !found {
		return nil, false, err
	}
	doc, err = decode(body)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// All returns every document of the collection in insertion order.
func (c *Collection) All(ctx context.Context) ([]Document, error) {
	rows, err := c.store.DB.QueryContext(ctx,
		`SELECT body FROM documents WHERE collection = ? ORDER BY id`, c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		d, err := decode([]byte(body))
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Count returns the number of documents in the collection.
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.store.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, c.name).Scan(&n)
	return n, err
}

// DeleteWhereNot deletes every document whose string field is absent or
// differs from value, and returns how many were removed.
func (c *Collection) DeleteWhereNot(ctx context.Context, field, value string) (int64, error) {
	path := `$."` + field + `"`
	res, err := c.store.DB.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ?
		AND (json_extract(body, ?) IS NULL OR json_extract(body, ?) != ?)`,
		c.name, path, path, value)
	if err != nil {
		return 0, fmt.Errorf("docstore: %s: delete where %s != %q: %w", c.name, field, value, err)
	}
	return res.RowsAffected()
}

// Put replaces the document identified by q with data plus the pairs of q,
// in one eager write. It signals when the document was inserted or its
// content fingerprint changed, and reports the same through changed.
func (c *Collection) Put(ctx context.Context, sig Signaler, q Query, data Document) (changed bool, err error) {
	ident, err := canonical(q)
	if err != nil {
		return false, err
	}
	doc := make(Document, len(data)+len(q))
	for k, v := range data {
		doc[k] = v
	}
	for k, v := range q {
		doc[k] = v
	}
	body, err := normalize(doc)
	if err != nil {
		return false, err
	}
	fp := fingerprint(body)

	var old []byte
	err = dbopen.RunTx(ctx, c.store.DB, func(tx *sql.Tx) error {
		prev, oldFP, found, err := c.load(ctx, tx, string(ident))
		if err != nil {
			return err
		}
		old = prev
		changed = !found || oldFP != fp
		if !changed {
			return nil
		}
		return c.write(ctx, tx, string(ident), body, fp)
	})
	if err != nil {
		return false, fmt.Errorf("docstore: %s: put: %w", c.name, err)
	}
	if changed {
		c.logDelta(ctx, string(ident), old, body, sig != nil)
	}
	if changed && sig != nil {
		sig.Updated()
	}
	return changed, nil
}

// Update opens a scope on q, hands its snapshot to fn, and closes the scope
// whether or not fn succeeds. Errors from fn and from the write-back are
// joined.
func (c *Collection) Update(ctx context.Context, sig Signaler, q Query, fn func(Document) error, opts ...ScopeOption) (err error) {
	sc, err := c.Open(ctx, q, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if _, cerr := sc.Close(ctx, sig); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(sc.Doc)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Collection) load(ctx context.Context, q queryer, ident string) (body []byte, fp string, found bool, err error) {
	var b string
	err = q.QueryRowContext(ctx,
		`SELECT body, fingerprint FROM documents WHERE collection = ? AND ident = ?`,
		c.name, ident).Scan(&b, &fp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("docstore: %s: load: %w", c.name, err)
	}
	return []byte(b), fp, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (c *Collection) write(ctx context.Context, e execer, ident string, body []byte, fp string) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO documents (collection, ident, body, fingerprint, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, ident) DO UPDATE SET
			body = excluded.body,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at`,
		c.name, ident, string(body), fp, c.store.now().UnixMilli())
	return err
}

// logDelta logs the merge patch from before to after. Writes that signal a
// notifier are logged at info, stamp-only writes at debug.
func (c *Collection) logDelta(ctx context.Context, ident string, before, after []byte, signaled bool) {
	level := slog.LevelDebug
	if signaled {
		level = slog.LevelInfo
	}
	if !c.store.logger.Enabled(ctx, level) {
		return
	}
	if len(before) == 0 {
		before = []byte("{}")
	}
	delta, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		c.store.logger.Log(ctx, level, "docstore: updated", "collection", c.name, "ident", ident)
		return
	}
	c.store.logger.Log(ctx, level, "docstore: updated",
		"collection", c.name, "ident", ident, "delta", string(delta))
}
