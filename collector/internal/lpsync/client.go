// Package lpsync fetches Launchpad API resources through the web cache,
// signed by the OAuth session, and mirrors their allow-listed fields into
// the document store.
package lpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hazyhaar/teamstatus/collector/internal/webcache"
	"github.com/hazyhaar/teamstatus/docstore"
)

// StatusNotFetched is returned instead of an HTTP status when a
// representation came from the store in replay mode.
const StatusNotFetched = 0

// maxPages bounds collection walks.
const maxPages = 50

// ErrTruncated is returned when a collection still has a
// next_collection_link after maxPages pages.
var ErrTruncated = errors.New("lpsync: collection truncated")

// Signer produces the auth headers for one request.
type Signer interface {
	Sign(url string) http.Header
}

// Client mirrors Launchpad entities.
type Client struct {
	store  *docstore.Store
	cache  *webcache.Cache
	signer Signer
	logger *slog.Logger
}

// New creates a Client. signer may be nil for anonymous access.
func New(st *docstore.Store, cache *webcache.Cache, signer Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: st, cache: cache, signer: signer, logger: logger}
}

// Get returns the representation of the entity at link, mirrored into the
// schema's collection under {self_link: link}.
//
// In replay mode a stored representation is returned with StatusNotFetched.
// An upstream status >= 400 yields an empty document and that status with a
// nil error; the caller decides whether that is fatal to its unit of work.
func (c *Client) Get(ctx context.Context, sig docstore.Signaler, schema Schema, link string) (docstore.Document, int, error) {
	coll := c.store.Collection(schema.Collection)
	q := docstore.Query{"self_link": link}

	if c.cache.Replay() {
		doc, ok, err := coll.Find(ctx, q)
		if err != nil {
			return nil, 0, err
		}
		if ok && doc.String("self_link") != "" {
			return doc, StatusNotFetched, nil
		}
	}

	raw, status, err := c.Fetch(ctx, sig, link)
	if err != nil || status >= 400 {
		return docstore.Document{}, status, err
	}

	rep := schema.Filter(raw, c.logger)
	rep["self_link"] = link
	err = coll.Update(ctx, sig, q, func(d docstore.Document) error {
		for k := range d {
			delete(d, k)
		}
		for k, v := range rep {
			d[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, status, err
	}
	return rep.Clone(), status, nil
}

// Fetch retrieves and decodes the JSON document at link. Upstream errors
// come back as a nil map and the status.
func (c *Client) Fetch(ctx context.Context, sig docstore.Signaler, link string) (map[string]any, int, error) {
	var opts webcache.Options
	if c.signer != nil {
		opts.Header = c.signer.Sign(link)
	}
	content, status, err := c.cache.Get(ctx, sig, link, opts)
	if err != nil {
		return nil, 0, err
	}
	if status >= 400 {
		c.logger.WarnContext(ctx, "lpsync: upstream error", "link", link, "status", status)
		return nil, status, nil
	}
	raw, err := decodeJSON(content)
	if err != nil {
		return nil, status, fmt.Errorf("lpsync: %s: %w", link, err)
	}
	return raw, status, nil
}

// Collection walks a Launchpad collection, following next_collection_link,
// and returns its entries. It stops at the first failing page and returns
// that page's status with the entries read so far. A walk cut off by the
// page bound returns ErrTruncated, so callers never treat a partial list as
// complete.
func (c *Client) Collection(ctx context.Context, sig docstore.Signaler, link string) ([]docstore.Document, int, error) {
	var entries []docstore.Document
	status := http.StatusOK
	for page := 0; link != "" && page < maxPages; page++ {
		raw, st, err := c.Fetch(ctx, sig, link)
		if err != nil {
			return entries, st, err
		}
		if st >= 400 {
			return entries, st, nil
		}
		status = st
		list, _ := raw["entries"].([]any)
		for _, e := range list {
			if m, ok := e.(map[string]any); ok {
				entries = append(entries, docstore.Document(m))
			}
		}
		link, _ = raw["next_collection_link"].(string)
	}
	if link != "" {
		return entries, status, fmt.Errorf("%w: %d pages, next %s", ErrTruncated, maxPages, link)
	}
	return entries, status, nil
}

// SearchTasksURL builds a searchTasks named-operation URL on a project.
// List-valued arguments are repeated.
func SearchTasksURL(projectURL string, args url.Values) string {
	q := url.Values{"ws.op": {"searchTasks"}}
	for k, vs := range args {
		q[k] = append([]string(nil), vs...)
	}
	return strings.TrimRight(projectURL, "/") + "?" + q.Encode()
}

func decodeJSON(content string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}
