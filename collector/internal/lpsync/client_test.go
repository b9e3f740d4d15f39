package lpsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/teamstatus/collector/internal/webcache"
	"github.com/hazyhaar/teamstatus/dbopen"
	"github.com/hazyhaar/teamstatus/docstore"
)

type staticSigner struct{ calls atomic.Int64 }

func (s *staticSigner) Sign(string) http.Header {
	s.calls.Add(1)
	return http.Header{"Authorization": {"OAuth test"}}
}

func setup(t *testing.T, h http.Handler, replay bool) (*Client, *docstore.Store, *httptest.Server) {
	t.Helper()
	st, err := docstore.New(dbopen.OpenMemory(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cache := webcache.New(st, webcache.Config{Replay: replay}, nil)
	return New(st, cache, &staticSigner{}, nil), st, srv
}

const bugJSON = `{
	"self_link": "ignored",
	"web_link": "https://bugs.launchpad.net/juju-core/+bug/1",
	"id": 1,
	"title": "crash on deploy",
	"tags": ["ci", "regression"],
	"private": false,
	"heat": "hot",
	"duplicate_of_link": null,
	"description": "not mirrored",
	"bug_tasks_collection_link": "https://api.launchpad.net/1.0/bugs/1/bug_tasks"
}`

func TestGet_MirrorsAllowListedFields(t *testing.T) {
	// WHAT: Only allow-listed, correctly typed fields are mirrored.
	// WHY: Upstream payloads carry large or unexpected fields we never render.
	var hits atomic.Int64
	client, st, srv := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "OAuth test" {
			t.Errorf("request not signed")
		}
		fmt.Fprint(w, bugJSON)
	}), false)
	ctx := context.Background()
	link := srv.URL + "/1.0/bugs/1"

	doc, status, err := client.Get(ctx, nil, Bug, link)
	if err != nil || status != 200 {
		t.Fatalf("status=%d err=%v", status, err)
	}
	if _, ok := doc["description"]; ok {
		t.Error("non-allow-listed field mirrored")
	}
	if _, ok := doc["heat"]; ok {
		t.Error("mistyped field mirrored")
	}
	if v, ok := doc["duplicate_of_link"]; !ok || v != nil {
		t.Error("null link should be kept as null")
	}
	if doc.String("self_link") != link {
		t.Errorf("self_link = %q, want request url", doc.String("self_link"))
	}

	stored, ok, _ := st.Collection("bugs").Find(ctx, docstore.Query{"self_link": link})
	if !ok {
		t.Fatal("bug not persisted")
	}
	if diff := cmp.Diff([]string{"ci", "regression"}, stored.Strings("tags")); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
	if id, _ := stored.Int("id"); id != 1 {
		t.Errorf("id = %d", id)
	}
}

func TestGet_ReplayUsesStoredRepresentation(t *testing.T) {
	var hits atomic.Int64
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, bugJSON)
	})
	client, st, srv := setup(t, h, false)
	ctx := context.Background()
	link := srv.URL + "/1.0/bugs/1"
	client.Get(ctx, nil, Bug, link)

	replay := New(st, webcache.New(st, webcache.Config{Replay: true}, nil), nil, nil)
	doc, status, err := replay.Get(ctx, nil, Bug, link)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusNotFetched {
		t.Fatalf("status = %d, want StatusNotFetched", status)
	}
	if doc.String("title") != "crash on deploy" {
		t.Fatalf("doc = %v", doc)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestGet_UpstreamErrorReturnsEmpty(t *testing.T) {
	client, st, srv := setup(t, http.NotFoundHandler(), false)
	ctx := context.Background()

	doc, status, err := client.Get(ctx, nil, Bug, srv.URL+"/1.0/bugs/404")
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusNotFound || len(doc) != 0 {
		t.Fatalf("status=%d doc=%v", status, doc)
	}
	if n, _ := st.Collection("bugs").Count(ctx); n != 0 {
		t.Fatalf("bugs = %d, want 0", n)
	}
}

func TestCollection_FollowsNextLink(t *testing.T) {
	var srvURL string
	client, _, srv := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("ws.start") {
		case "":
			fmt.Fprintf(w, `{"entries":[{"name":"a"},{"name":"b"}],"next_collection_link":"%s/c?ws.start=2"}`, srvURL)
		case "2":
			fmt.Fprint(w, `{"entries":[{"name":"c"}]}`)
		}
	}), false)
	srvURL = srv.URL

	entries, status, err := client.Collection(context.Background(), nil, srv.URL+"/c")
	if err != nil || status != 200 {
		t.Fatalf("status=%d err=%v", status, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.String("name"))
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}

func TestCollection_EndlessWalkIsTruncated(t *testing.T) {
	// WHAT: A collection still linking onward after the page bound fails with ErrTruncated.
	// WHY: Callers sweep what they did not see; a silently short list deletes live data.
	var srvURL string
	client, _, srv := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("ws.start")
		fmt.Fprintf(w, `{"entries":[{"name":"p%s"}],"next_collection_link":"%s/c?ws.start=%s1"}`, start, srvURL, start)
	}), false)
	srvURL = srv.URL

	entries, _, err := client.Collection(context.Background(), nil, srv.URL+"/c")
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	if len(entries) != maxPages {
		t.Fatalf("entries = %d, want %d", len(entries), maxPages)
	}
}

func TestSearchTasksURL(t *testing.T) {
	got := SearchTasksURL("https://api.launchpad.net/1.0/juju-core", url.Values{
		"status": {"New", "Triaged"},
	})
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("ws.op") != "searchTasks" {
		t.Errorf("ws.op = %q", u.Query().Get("ws.op"))
	}
	if diff := cmp.Diff([]string{"New", "Triaged"}, u.Query()["status"]); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}
}
