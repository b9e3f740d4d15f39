// Package webcache mirrors raw HTTP resources in the document store and
// refetches them with conditional GET.
//
// One document per URL in the "web_cache" collection holds the last good
// body and its ETag. A 200 replaces both; a 304 leaves them alone; any
// other status is recorded beside the good body, for diagnosis only.
package webcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/teamstatus/docstore"
)

// Collection is the name of the cache collection.
const Collection = "web_cache"

// ErrConnection wraps transport failures. The scheduler restarts the whole
// pass when it sees one.
var ErrConnection = errors.New("webcache: connection failed")

// Config configures the cache.
type Config struct {
	Timeout  time.Duration // HTTP timeout. Default: 30s.
	MaxBytes int64         // Max response body size. Default: 10MB.
	// UserAgent sent with requests.
	UserAgent string
	// Replay serves any URL that already has content from the store,
	// without touching the network.
	Replay bool
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "teamstatus/1.0"
	}
}

// BasicAuth holds HTTP basic credentials.
type BasicAuth struct {
	User     string
	Password string
}

// Options are per-request additions.
type Options struct {
	Header    http.Header
	BasicAuth *BasicAuth
}

// Cache performs conditional GETs backed by the document store.
type Cache struct {
	client *http.Client
	coll   *docstore.Collection
	config Config
	logger *slog.Logger
}

// New creates a Cache over st.
func New(st *docstore.Store, cfg Config, logger *slog.Logger) *Cache {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client: &http.Client{Timeout: cfg.Timeout},
		coll:   st.Collection(Collection),
		config: cfg,
		logger: logger,
	}
}

// Replay reports whether the cache serves stored content without fetching.
func (c *Cache) Replay() bool { return c.config.Replay }

// Get returns the content of url and the status that produced it.
//
//   - 200: fresh content, now cached with its ETag.
//   - 304: the cached content, unchanged.
//   - other: the error body. The cached content is untouched.
//
// In replay mode, cached content comes back as 200 without a request.
// Changes to the cache document are signalled to sig.
func (c *Cache) Get(ctx context.Context, sig docstore.Signaler, url string, opts Options) (content string, status int, err error) {
	sc, err := c.coll.Open(ctx, docstore.Query{"url": url})
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if _, cerr := sc.Close(ctx, sig); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	doc := sc.Doc

	cached, hasContent := doc["content"].(string)
	if c.config.Replay && hasContent {
		return cached, http.StatusOK, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("webcache: new request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if etag := doc.String("etag"); etag != "" && hasContent {
		req.Header.Set("If-None-Match", etag)
	}
	if opts.BasicAuth != nil {
		req.SetBasicAuth(opts.BasicAuth.User, opts.BasicAuth.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, fmt.Errorf("%w: %s: %w", ErrConnection, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBytes))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s: read body: %w", ErrConnection, url, err)
	}

	doc["url"] = url
	switch resp.StatusCode {
	case http.StatusOK:
		doc["content"] = string(body)
		doc["status"] = http.StatusOK
		delete(doc, "error_content")
		if etag := resp.Header.Get("ETag"); etag != "" {
			doc["etag"] = etag
		} else {
			delete(doc, "etag")
		}
		return string(body), http.StatusOK, nil

	case http.StatusNotModified:
		c.logger.DebugContext(ctx, "webcache: not modified", "url", url)
		return cached, http.StatusNotModified, nil

	default:
		c.logger.WarnContext(ctx, "webcache: upstream error", "url", url, "status", resp.StatusCode)
		doc["error_content"] = string(body)
		doc["status"] = resp.StatusCode
		delete(doc, "etag")
		return string(body), resp.StatusCode, nil
	}
}
