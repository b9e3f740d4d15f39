package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/teamstatus/collector/internal/lpsync"
	"github.com/hazyhaar/teamstatus/collector/internal/oauth1"
	"github.com/hazyhaar/teamstatus/collector/internal/reconcile"
	"github.com/hazyhaar/teamstatus/collector/internal/scheduler"
	"github.com/hazyhaar/teamstatus/dbopen"
	"github.com/hazyhaar/teamstatus/docstore"
)

// fakeLaunchpad serves one project with two active milestones and the bugs
// listed in bugs. Bug "500" always fails.
type fakeLaunchpad struct {
	mu   sync.Mutex
	bugs []string
	// retargeted adds a second search hit per bug id with another target.
	retargeted map[string]string
	// noTasks lists bugs served without a bug_tasks_collection_link.
	noTasks map[string]bool
	// search shape: one hit per page, pages that never end, or a dropped
	// connection on the second page.
	paged, endless, dropPage2 bool
	hits                      map[string]int
}

func (f *fakeLaunchpad) configure(fn func(*fakeLaunchpad)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeLaunchpad) requests(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeLaunchpad) setBugs(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bugs = ids
}

func (f *fakeLaunchpad) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	base := "http://" + r.Host + "/1.0/"
	path := strings.TrimPrefix(r.URL.Path, "/1.0/")
	f.mu.Lock()
	if f.hits == nil {
		f.hits = map[string]int{}
	}
	f.hits[path]++
	f.mu.Unlock()
	switch {
	case r.URL.Path == "/+request-token":
		fmt.Fprint(w, "oauth_token=rt&oauth_token_secret=rs")
	case r.URL.Path == "/+access-token":
		w.WriteHeader(http.StatusUnauthorized)
	case path == "juju-core" && r.URL.Query().Get("ws.op") == "searchTasks":
		f.serveSearch(w, r, base)
	case path == "juju-core":
		json.NewEncoder(w).Encode(map[string]any{
			"name":                              "juju-core",
			"active_milestones_collection_link": base + "juju-core/active_milestones",
		})
	case path == "juju-core/active_milestones":
		json.NewEncoder(w).Encode(map[string]any{"entries": []map[string]any{
			{"self_link": base + "juju-core/+milestone/1.21", "name": "1.21", "is_active": true},
			{"self_link": base + "juju-core/+milestone/1.20", "name": "1.20", "is_active": true},
		}})
	case path == "bugs/500":
		http.Error(w, "oops", http.StatusInternalServerError)
	case strings.HasPrefix(path, "bugs/") && strings.HasSuffix(path, "/bug_tasks"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "bugs/"), "/bug_tasks")
		json.NewEncoder(w).Encode(map[string]any{"entries": []map[string]any{{
			"self_link":               base + "juju-core/+bug/" + id,
			"bug_target_display_name": "juju-core",
			"status":                  "Triaged",
			"importance":              "High",
			"milestone_link":          base + "juju-core/+milestone/1.21",
			"target_link":             base + "juju-core",
		}}})
	case strings.HasPrefix(path, "bugs/"):
		id := strings.TrimPrefix(path, "bugs/")
		bug := map[string]any{
			"web_link":                  "https://bugs.launchpad.net/juju-core/+bug/" + id,
			"id":                        json.Number(id),
			"title":                     "bug " + id,
			"tags":                      []string{},
			"private":                   false,
			"bug_tasks_collection_link": base + "bugs/" + id + "/bug_tasks",
		}
		f.mu.Lock()
		if f.noTasks[id] {
			delete(bug, "bug_tasks_collection_link")
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(bug)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeLaunchpad) serveSearch(w http.ResponseWriter, r *http.Request, base string) {
	f.mu.Lock()
	ids := append([]string(nil), f.bugs...)
	var entries []map[string]any
	for _, id := range ids {
		entries = append(entries, map[string]any{
			"bug_link":                base + "bugs/" + id,
			"bug_target_display_name": "juju-core",
		})
	}
	for _, id := range ids {
		if target, ok := f.retargeted[id]; ok {
			entries = append(entries, map[string]any{
				"bug_link":                base + "bugs/" + id,
				"bug_target_display_name": target,
			})
		}
	}
	paged, endless, drop := f.paged, f.endless, f.dropPage2
	f.mu.Unlock()

	if !paged && !endless {
		json.NewEncoder(w).Encode(map[string]any{"entries": entries})
		return
	}
	start, _ := strconv.Atoi(r.URL.Query().Get("ws.start"))
	if drop && start == 1 {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}
	page := map[string]any{}
	if start < len(entries) {
		page["entries"] = entries[start : start+1]
	} else if len(entries) > 0 {
		page["entries"] = entries[len(entries)-1:]
	}
	if endless || drop || start+1 < len(entries) {
		q := r.URL.Query()
		q.Set("ws.start", strconv.Itoa(start+1))
		page["next_collection_link"] = base + "juju-core?" + q.Encode()
	}
	json.NewEncoder(w).Encode(page)
}

type harness struct {
	svc   *Service
	lp    *fakeLaunchpad
	pings *atomic.Int64
}

func newHarness(t *testing.T, authorized bool) *harness {
	t.Helper()
	lp := &fakeLaunchpad{}
	lpSrv := httptest.NewServer(lp)
	t.Cleanup(lpSrv.Close)

	pings := &atomic.Int64{}
	pingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pings.Add(1)
	}))
	t.Cleanup(pingSrv.Close)

	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc, err := New(Config{
		PingURL: pingSrv.URL + "/API/ping",
		Launchpad: LaunchpadConfig{
			Project: "juju-core",
			APIRoot: lpSrv.URL + "/1.0/",
			WebRoot: lpSrv.URL + "/",
		},
	}, nil, WithDB(dbopen.OpenMemory(t)), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	if err != nil {
		t.Fatal(err)
	}
	if authorized {
		_, err := svc.Store().Collection(oauth1.Collection).Put(context.Background(), nil,
			docstore.Query{"app": "teamstatus", "name": "access"},
			docstore.Document{"oauth_token": "at", "oauth_token_secret": "as"})
		if err != nil {
			t.Fatal(err)
		}
	}
	return &harness{svc: svc, lp: lp, pings: pings}
}

func (h *harness) bug(t *testing.T, id string) (docstore.Document, bool) {
	t.Helper()
	doc, ok, err := h.svc.Store().Collection(reconcile.Collection).Find(context.Background(),
		docstore.Query{"web_link": "https://bugs.launchpad.net/juju-core/+bug/" + id})
	if err != nil {
		t.Fatal(err)
	}
	return doc, ok
}

func TestCollectBugs_Pass(t *testing.T) {
	// WHAT: A bugs pass mirrors, aligns and pings once.
	// WHY: This is the collector's main loop body.
	h := newHarness(t, true)
	h.lp.setBugs("1", "2")
	ctx := context.Background()

	if err := h.svc.CollectBugs(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.pings.Load(); got != 1 {
		t.Fatalf("pings = %d, want 1", got)
	}

	b1, ok := h.bug(t, "1")
	if !ok {
		t.Fatal("bug 1 missing")
	}
	tasks, _ := b1["tasks"].([]any)
	if len(tasks) != 3 {
		t.Fatalf("tasks = %v", b1["tasks"])
	}
	slot := docstore.Document(tasks[1].(map[string]any))
	if slot.String("milestone") != "1.21" || slot.String("status") != "Triaged" {
		t.Errorf("slot 1 = %v", slot)
	}
	if b1.String("target") != "juju-core" {
		t.Errorf("target = %q", b1.String("target"))
	}

	meta, ok, _ := h.svc.Store().Collection(MetaCollection).Find(ctx, docstore.Query{"k": "details"})
	if !ok {
		t.Fatal("projects_meta details missing")
	}
	if diff := cmp.Diff([]string{"1.20", "1.21"}, meta.Strings("milestones")); diff != "" {
		t.Errorf("milestones (-want +got):\n%s", diff)
	}

	rec, ok, _ := h.svc.Store().Collection(PassesCollection).Find(ctx, docstore.Query{"kind": "bugs"})
	if !ok || !rec.Bool("ok") {
		t.Fatalf("pass record = %v", rec)
	}
	if !strings.HasPrefix(rec.String("pass_id"), "pass_") {
		t.Errorf("pass_id = %q", rec.String("pass_id"))
	}
}

func TestCollectBugs_UnchangedPassDoesNotPing(t *testing.T) {
	h := newHarness(t, true)
	h.lp.setBugs("1", "2")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.svc.CollectBugs(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.pings.Load(); got != 1 {
		t.Fatalf("pings = %d, want 1", got)
	}
}

func TestCollectBugs_SweepsAndSkips(t *testing.T) {
	// WHAT: Bugs gone from the search are swept; failing bugs are skipped.
	// WHY: One broken bug must not stop the dashboard from updating.
	h := newHarness(t, true)
	ctx := context.Background()

	h.lp.setBugs("1", "2")
	if err := h.svc.CollectBugs(ctx); err != nil {
		t.Fatal(err)
	}
	h.lp.setBugs("1", "500")
	if err := h.svc.CollectBugs(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok := h.bug(t, "2"); ok {
		t.Error("bug 2 not swept")
	}
	if _, ok := h.bug(t, "1"); !ok {
		t.Error("bug 1 swept")
	}
	if got := h.pings.Load(); got != 2 {
		t.Errorf("pings = %d, want 2", got)
	}
	rec, _, _ := h.svc.Store().Collection(PassesCollection).Find(ctx, docstore.Query{"kind": "bugs"})
	counts, _ := rec["counts"].(map[string]any)
	if fmt.Sprint(counts["skipped"]) != "1" || fmt.Sprint(counts["swept"]) != "1" {
		t.Errorf("counts = %v", counts)
	}
}

func TestCollectBugs_PagedSearch(t *testing.T) {
	// WHAT: A search spread over several pages is read to the end.
	h := newHarness(t, true)
	h.lp.configure(func(f *fakeLaunchpad) { f.paged = true })
	h.lp.setBugs("1", "2", "3")

	if err := h.svc.CollectBugs(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"1", "2", "3"} {
		if _, ok := h.bug(t, id); !ok {
			t.Errorf("bug %s missing", id)
		}
	}
}

func TestCollectBugs_IncompleteSearchKeepsBugs(t *testing.T) {
	// WHAT: A search cut short by a dropped connection or the page bound
	// fails the pass and leaves stored bugs in place.
	// WHY: The sweep deletes every bug not seen this pass; it may only run
	// once the whole search was read.
	cases := []struct {
		name  string
		shape func(*fakeLaunchpad)
		conn  bool
	}{
		{"dropped connection", func(f *fakeLaunchpad) { f.paged, f.dropPage2 = true, true }, true},
		{"page bound", func(f *fakeLaunchpad) { f.endless = true }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, true)
			ctx := context.Background()
			h.lp.setBugs("1", "2", "3")
			if err := h.svc.CollectBugs(ctx); err != nil {
				t.Fatal(err)
			}

			h.lp.configure(tc.shape)
			h.lp.setBugs("1")
			err := h.svc.CollectBugs(ctx)
			if err == nil {
				t.Fatal("incomplete search reported success")
			}
			if tc.conn && !scheduler.IsConnectionError(err) {
				t.Errorf("err = %v, want connection error", err)
			}
			if !tc.conn && !errors.Is(err, lpsync.ErrTruncated) {
				t.Errorf("err = %v, want ErrTruncated", err)
			}
			for _, id := range []string{"1", "2", "3"} {
				if _, ok := h.bug(t, id); !ok {
					t.Errorf("bug %s swept", id)
				}
			}
		})
	}
}

func TestCollectBugs_MissingTaskLinkSkips(t *testing.T) {
	// WHAT: A bug without a tasks link is skipped, not reconciled with empty slots.
	h := newHarness(t, true)
	h.lp.configure(func(f *fakeLaunchpad) { f.noTasks = map[string]bool{"2": true} })
	h.lp.setBugs("1", "2")
	ctx := context.Background()

	if err := h.svc.CollectBugs(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.bug(t, "2"); ok {
		t.Error("bug 2 reconciled without tasks")
	}
	rec, _, _ := h.svc.Store().Collection(PassesCollection).Find(ctx, docstore.Query{"kind": "bugs"})
	counts, _ := rec["counts"].(map[string]any)
	if fmt.Sprint(counts["skipped"]) != "1" || fmt.Sprint(counts["bugs"]) != "1" {
		t.Errorf("counts = %v", counts)
	}
}

func TestCollectBugs_LastHitTargetWins(t *testing.T) {
	// WHAT: A bug found by several search hits takes the last hit's target.
	h := newHarness(t, true)
	h.lp.configure(func(f *fakeLaunchpad) { f.retargeted = map[string]string{"1": "juju-core (Ubuntu)"} })
	h.lp.setBugs("1")

	if err := h.svc.CollectBugs(context.Background()); err != nil {
		t.Fatal(err)
	}
	b1, ok := h.bug(t, "1")
	if !ok {
		t.Fatal("bug 1 missing")
	}
	if b1.String("target") != "juju-core (Ubuntu)" {
		t.Errorf("target = %q", b1.String("target"))
	}
	if got := h.lp.requests("bugs/1"); got != 1 {
		t.Errorf("bug 1 fetched %d times", got)
	}
}

func TestCollectBugs_AuthorizationRequired(t *testing.T) {
	h := newHarness(t, false)

	err := h.svc.CollectBugs(context.Background())
	if !IsAuthorizationRequired(err) {
		t.Fatalf("err = %v, want AuthorizationRequiredError", err)
	}
	var ae *oauth1.AuthorizationRequiredError
	errors.As(err, &ae)
	if !strings.Contains(ae.URL, "+authorize-token?oauth_token=rt") {
		t.Errorf("URL = %q", ae.URL)
	}
	rec, ok, _ := h.svc.Store().Collection(PassesCollection).Find(context.Background(), docstore.Query{"kind": "bugs"})
	if !ok || rec.Bool("ok") || rec.String("error") == "" {
		t.Errorf("pass record = %v", rec)
	}
}

func TestCollectCards_NoBoard(t *testing.T) {
	h := newHarness(t, true)
	if err := h.svc.CollectCards(context.Background()); !errors.Is(err, ErrNoBoard) {
		t.Fatalf("err = %v", err)
	}
}

func TestApply_KeepsDBPath(t *testing.T) {
	h := newHarness(t, true)
	before := h.svc.Config().DBPath

	h.svc.Apply(Config{DBPath: "elsewhere.db", Replay: true})
	cfg := h.svc.Config()
	if cfg.DBPath != before || !cfg.Replay {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Launchpad.Project != "juju-core" {
		t.Errorf("defaults not applied: project = %q", cfg.Launchpad.Project)
	}
}
