// Package oauth1 runs Launchpad's three-legged OAuth1 handshake with the
// PLAINTEXT signature method and signs API requests with the result.
//
// Tokens live in the "oauth_tokens" collection under the consumer key, so a
// restarted collector resumes where the handshake stopped:
//
//	absent -> request token issued -> access token issued
//
// The middle step needs a human to approve the request token in a browser.
// Until that happens Login returns *AuthorizationRequiredError.
package oauth1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/teamstatus/docstore"
	"github.com/hazyhaar/teamstatus/idgen"
)

// Collection is where tokens are persisted.
const Collection = "oauth_tokens"

const (
	tokenRequest = "request"
	tokenAccess  = "access"
)

// Config configures a Session.
type Config struct {
	// ConsumerKey identifies the application; it is also the persistence key.
	ConsumerKey string
	// Realm is sent in signed Authorization headers.
	// Default: https://api.launchpad.net/.
	Realm string
	// WebRoot hosts the token endpoints. Default: https://launchpad.net/.
	WebRoot string
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.ConsumerKey == "" {
		c.ConsumerKey = "teamstatus"
	}
	if c.Realm == "" {
		c.Realm = "https://api.launchpad.net/"
	}
	if c.WebRoot == "" {
		c.WebRoot = "https://launchpad.net/"
	}
	if !strings.HasSuffix(c.WebRoot, "/") {
		c.WebRoot += "/"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Token is one persisted credential.
type Token struct {
	Name   string
	Token  string
	Secret string
}

// AuthorizationRequiredError means a person must approve the request token
// at URL before the collector can continue.
type AuthorizationRequiredError struct {
	URL string
}

func (e *AuthorizationRequiredError) Error() string {
	return "oauth1: request token not authorized yet, visit " + e.URL
}

// Session holds the handshake state.
type Session struct {
	coll   *docstore.Collection
	client *http.Client
	config Config
	logger *slog.Logger

	now   func() time.Time
	nonce idgen.Generator

	access *Token
}

// New creates a Session persisting tokens in st.
func New(st *docstore.Store, cfg Config, logger *slog.Logger) *Session {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		coll:   st.Collection(Collection),
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
		now:    time.Now,
		nonce:  idgen.URLToken(32),
	}
}

// Ready reports whether an access token is loaded.
func (s *Session) Ready() bool { return s.access != nil }

// AuthorizeURL is the page where a person approves requestToken.
func (s *Session) AuthorizeURL(requestToken string) string {
	return s.config.WebRoot + "+authorize-token?oauth_token=" + url.QueryEscape(requestToken)
}

// Login advances the handshake as far as it can go. It is a no-op once an
// access token exists.
func (s *Session) Login(ctx context.Context) error {
	if s.access != nil {
		return nil
	}
	access, ok, err := s.load(ctx, tokenAccess)
	if err != nil {
		return err
	}
	if ok {
		s.access = access
		return nil
	}

	request, ok, err := s.load(ctx, tokenRequest)
	if err != nil {
		return err
	}
	if !ok {
		request, err = s.fetchToken(ctx, "+request-token", tokenRequest, url.Values{}, "")
		if err != nil {
			return fmt.Errorf("oauth1: request token: %w", err)
		}
		if err := s.save(ctx, request); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "oauth1: request token issued")
	}

	access, err = s.fetchToken(ctx, "+access-token", tokenAccess, url.Values{
		"oauth_token": {request.Token},
	}, request.Secret)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusUnauthorized {
			return &AuthorizationRequiredError{URL: s.AuthorizeURL(request.Token)}
		}
		return fmt.Errorf("oauth1: access token: %w", err)
	}
	if err := s.save(ctx, access); err != nil {
		return err
	}
	s.access = access
	s.logger.InfoContext(ctx, "oauth1: access token issued")
	return nil
}

// Sign returns the headers for one signed request. Every call carries a new
// timestamp and nonce. Before Login completes the request is signed as an
// anonymous consumer.
func (s *Session) Sign(_ string) http.Header {
	var token, secret string
	if s.access != nil {
		token, secret = s.access.Token, s.access.Secret
	}
	params := [][2]string{
		{"realm", s.config.Realm},
		{"oauth_consumer_key", s.config.ConsumerKey},
		{"oauth_token", token},
		{"oauth_signature_method", "PLAINTEXT"},
		{"oauth_signature", "&" + secret},
		{"oauth_timestamp", strconv.FormatInt(s.now().Unix(), 10)},
		{"oauth_nonce", s.nonce()},
		{"oauth_version", "1.0"},
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p[0] + `="` + escape(p[1]) + `"`
	}
	h := http.Header{}
	h.Set("Authorization", "OAuth "+strings.Join(parts, ", "))
	return h
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, strings.TrimSpace(e.body))
}

// fetchToken POSTs a PLAINTEXT-signed form to a token endpoint. The
// signature is "&" followed by the current token secret, if any.
func (s *Session) fetchToken(ctx context.Context, endpoint, name string, form url.Values, secret string) (*Token, error) {
	form.Set("oauth_consumer_key", s.config.ConsumerKey)
	form.Set("oauth_signature_method", "PLAINTEXT")
	form.Set("oauth_signature", "&"+secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.config.WebRoot+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	t := &Token{
		Name:   name,
		Token:  vals.Get("oauth_token"),
		Secret: vals.Get("oauth_token_secret"),
	}
	if t.Token == "" {
		return nil, fmt.Errorf("token response without oauth_token")
	}
	return t, nil
}

func (s *Session) query(name string) docstore.Query {
	return docstore.Query{"app": s.config.ConsumerKey, "name": name}
}

func (s *Session) load(ctx context.Context, name string) (*Token, bool, error) {
	doc, ok, err := s.coll.Find(ctx, s.query(name))
	if err != nil || !ok {
		return nil, false, err
	}
	t := &Token{
		Name:   name,
		Token:  doc.String("oauth_token"),
		Secret: doc.String("oauth_token_secret"),
	}
	if t.Token == "" {
		return nil, false, nil
	}
	return t, true, nil
}

func (s *Session) save(ctx context.Context, t *Token) error {
	_, err := s.coll.Put(ctx, nil, s.query(t.Name), docstore.Document{
		"oauth_token":        t.Token,
		"oauth_token_secret": t.Secret,
	})
	if err != nil {
		return fmt.Errorf("oauth1: save %s token: %w", t.Name, err)
	}
	return nil
}

// escape percent-encodes s per RFC 5849 section 3.6.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
