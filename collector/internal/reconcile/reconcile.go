// Package reconcile aligns a bug's tasks with the project's active release
// milestones and maintains the "bugs_filtered" collection the dashboard
// reads, removing bugs that fell out of the upstream query.
//
// Each reconciled bug carries a task list with one slot per active milestone,
// in sorted order, followed by an overflow slot:
//
//	M = [1.20, 1.21]  ->  [{milestone: 1.20}, {milestone: 1.21}, {milestone: ""}]
//
// A task targeted to a milestone overwrites that milestone's placeholder.
// The first task that matches no milestone is appended after the overflow
// placeholder; any further unmatched task of the same bug is dropped.
//
// Every bug written during a pass is stamped with the pass time. Sweep then
// removes everything carrying another stamp, so it must run only after the
// last bug of the pass was reconciled.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/teamstatus/collector/internal/textclean"
	"github.com/hazyhaar/teamstatus/docstore"
)

// Collection holds the reconciled bugs, keyed by web_link.
const Collection = "bugs_filtered"

// ErrSwept is returned by Reconcile once the pass has been swept.
var ErrSwept = errors.New("reconcile: pass already swept")

var milestoneLink = regexp.MustCompile(`\+milestone/(.*)$`)

// Fields copied from the bug representation onto the reconciled record.
var bugFields = []string{"web_link", "tags", "title", "private", "id"}

// Fields copied from each task into its slot.
var taskFields = []string{"status", "importance", "assignee_link", "milestone_link", "target_link"}

// Engine reconciles the bugs of one pass.
type Engine struct {
	coll       *docstore.Collection
	project    string
	target     *regexp.Regexp
	milestones []string
	index      map[string]int
	passTime   string
	clean      *textclean.Cleaner
	logger     *slog.Logger
	swept      bool
}

// NewEngine starts a pass for project over the given milestone labels,
// stamped with passTime.
func NewEngine(st *docstore.Store, project string, milestones []string, passTime time.Time, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	m := append([]string(nil), milestones...)
	sort.Strings(m)
	index := make(map[string]int, len(m))
	for i, label := range m {
		index[label] = i
	}
	return &Engine{
		coll:       st.Collection(Collection),
		project:    project,
		target:     regexp.MustCompile(regexp.QuoteMeta(project) + `/(.*)$`),
		milestones: m,
		index:      index,
		passTime:   passTime.UTC().Format(time.RFC3339Nano),
		clean:      textclean.New(),
		logger:     logger,
	}
}

// Milestones returns the sorted milestone labels of the pass.
func (e *Engine) Milestones() []string { return append([]string(nil), e.milestones...) }

// PassTime returns the stamp written to update_time.
func (e *Engine) PassTime() string { return e.passTime }

// Label derives the milestone label of a task: the milestone link suffix,
// else the target link suffix below the project, else "". An unparsable
// milestone link is logged and yields "".
func (e *Engine) Label(task docstore.Document) string {
	if link := task.String("milestone_link"); link != "" {
		if m := milestoneLink.FindStringSubmatch(link); m != nil {
			return m[1]
		}
		e.logger.Warn("reconcile: unparsable milestone link", "milestone_link", link)
		return ""
	}
	if link := task.String("target_link"); link != "" {
		if m := e.target.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	return ""
}

// Resolve maps label onto a milestone of the pass. Labels not found verbatim
// match the milestone sharing their major.minor components; with several
// candidates the last in sorted order wins.
func (e *Engine) Resolve(label string) (string, bool) {
	if _, ok := e.index[label]; ok {
		return label, true
	}
	want := strings.Split(label, ".")
	if len(want) < 2 {
		return label, false
	}
	match := ""
	for _, m := range e.milestones {
		have := strings.Split(m, ".")
		if len(have) >= 2 && have[0] == want[0] && have[1] == want[1] {
			match = m
		}
	}
	if match == "" {
		return label, false
	}
	return match, true
}

// Slots places tasks into the milestone-ordered slot list. Tasks of other
// projects are ignored.
func (e *Engine) Slots(tasks []docstore.Document) []docstore.Document {
	slots := make([]docstore.Document, len(e.milestones)+1)
	for i, m := range e.milestones {
		slots[i] = docstore.Document{"milestone": m}
	}
	slots[len(e.milestones)] = docstore.Document{"milestone": ""}

	overflowed := false
	for _, task := range tasks {
		if !strings.HasPrefix(task.String("bug_target_display_name"), e.project) {
			continue
		}
		slot := make(docstore.Document, len(taskFields)+1)
		for _, f := range taskFields {
			slot[f] = task[f]
		}
		label, ok := e.Resolve(e.Label(task))
		slot["milestone"] = label

		switch {
		case ok:
			slots[e.index[label]] = slot
		case !overflowed:
			slots = append(slots, slot)
			overflowed = true
		default:
			e.logger.Debug("reconcile: dropped second unmatched task",
				"milestone", label, "self_link", task.String("self_link"))
		}
	}
	return slots
}

// Reconcile writes the reconciled record of bug, stamped with the pass time.
// target is the display name of the bug target from the search result.
// A record whose only change is the stamp is written without signalling.
func (e *Engine) Reconcile(ctx context.Context, sig docstore.Signaler, bug docstore.Document, target string, tasks []docstore.Document) error {
	if e.swept {
		return ErrSwept
	}
	webLink := bug.String("web_link")
	if webLink == "" {
		return fmt.Errorf("reconcile: bug %q has no web_link", bug.String("self_link"))
	}

	sc, err := e.coll.Open(ctx, docstore.Query{"web_link": webLink})
	if err != nil {
		return err
	}
	before := sc.Doc.Clone()
	delete(before, "update_time")

	d := sc.Doc
	for _, f := range bugFields {
		d[f] = bug[f]
	}
	d["title"] = e.clean.Plain(bug.String("title"))
	d["target"] = target
	d["tasks"] = e.Slots(tasks)

	after := d.Clone()
	delete(after, "update_time")
	if docstore.Equal(before, after) {
		sig = nil
	}
	d["update_time"] = e.passTime

	if _, err := sc.Close(ctx, sig); err != nil {
		return fmt.Errorf("reconcile: %s: %w", webLink, err)
	}
	return nil
}

// Sweep deletes every reconciled bug not stamped by this pass and signals
// sig when anything was removed. Reconcile fails after Sweep.
func (e *Engine) Sweep(ctx context.Context, sig docstore.Signaler) (int64, error) {
	e.swept = true
	n, err := e.coll.DeleteWhereNot(ctx, "update_time", e.passTime)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "reconcile: swept stale bugs", "count", n)
		if sig != nil {
			sig.Updated()
		}
	}
	return n, nil
}
