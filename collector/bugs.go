package collector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"github.com/hazyhaar/teamstatus/collector/internal/lpsync"
	"github.com/hazyhaar/teamstatus/collector/internal/reconcile"
	"github.com/hazyhaar/teamstatus/collector/internal/scheduler"
	"github.com/hazyhaar/teamstatus/docstore"
	"github.com/hazyhaar/teamstatus/kit"
	"github.com/hazyhaar/teamstatus/notify"
)

// MetaCollection holds the project list and the project details.
const MetaCollection = "projects_meta"

var milestoneName = regexp.MustCompile(`\+milestone/(.*)$`)

// CollectBugs mirrors the open bugs of the configured project into
// "bugs_filtered", aligned on the active milestones, and sweeps the bugs
// that left the search. A bug the API refuses is skipped; it is swept this
// pass and comes back once it can be read again.
func (s *Service) CollectBugs(ctx context.Context) error {
	c := s.snapshot()
	return s.pass(ctx, "bugs", c.notifier, func(ctx context.Context, p *notify.Pass, counts Counts) error {
		log := kit.Logger(ctx, s.logger)
		if !c.cfg.Replay {
			if err := c.session.Login(ctx); err != nil {
				return err
			}
		}

		projectURL := c.cfg.ProjectURL()
		project, status, err := c.lp.Get(ctx, p, lpsync.Project, projectURL)
		if err != nil {
			return err
		}
		if status >= 400 {
			return fmt.Errorf("collector: project %s: status %d", projectURL, status)
		}

		milestones, err := s.activeMilestones(ctx, c, p, project)
		if err != nil {
			return err
		}
		counts["milestones"] = int64(len(milestones))
		if err := s.writeMeta(ctx, p, projectURL, milestones); err != nil {
			return err
		}

		search := lpsync.SearchTasksURL(projectURL, url.Values{"status": c.cfg.Launchpad.Statuses})
		found, status, err := c.lp.Collection(ctx, p, search)
		if err != nil {
			return err
		}
		if status >= 400 {
			return fmt.Errorf("collector: search tasks: status %d", status)
		}

		engine := reconcile.NewEngine(s.store, c.cfg.Launchpad.Project, milestones, s.now(), log)
		// A bug matched by several tasks is visited once, with the last
		// hit's target.
		var links []string
		targets := make(map[string]string, len(found))
		for _, hit := range found {
			bugLink := hit.String("bug_link")
			if bugLink == "" {
				continue
			}
			if _, ok := targets[bugLink]; !ok {
				links = append(links, bugLink)
			}
			targets[bugLink] = hit.String("bug_target_display_name")
		}
		for _, bugLink := range links {
			err := s.collectBug(ctx, c, p, engine, bugLink, targets[bugLink])
			switch {
			case err == nil:
				counts["bugs"]++
			case scheduler.IsConnectionError(err) || ctx.Err() != nil:
				return err
			default:
				log.WarnContext(ctx, "collector: bug skipped", "bug", bugLink, "error", err)
				counts["skipped"]++
			}
		}

		swept, err := engine.Sweep(ctx, p)
		counts["swept"] = swept
		return err
	})
}

func (s *Service) collectBug(ctx context.Context, c *components, p *notify.Pass, engine *reconcile.Engine, bugLink, target string) error {
	bug, status, err := c.lp.Get(ctx, p, lpsync.Bug, bugLink)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("bug: status %d", status)
	}

	tasksLink := bug.String("bug_tasks_collection_link")
	if tasksLink == "" {
		return errors.New("bug has no bug_tasks_collection_link")
	}
	raw, status, err := c.lp.Collection(ctx, p, tasksLink)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("bug tasks: status %d", status)
	}

	taskColl := s.store.Collection(lpsync.BugTask.Collection)
	tasks := make([]docstore.Document, 0, len(raw))
	for _, r := range raw {
		t := lpsync.BugTask.Filter(r, s.logger)
		if link := t.String("self_link"); link != "" {
			if _, err := taskColl.Put(ctx, p, docstore.Query{"self_link": link}, t); err != nil {
				return err
			}
		}
		tasks = append(tasks, t)
	}
	return engine.Reconcile(ctx, p, bug, target, tasks)
}

// activeMilestones returns the sorted names of the project's active
// milestones.
func (s *Service) activeMilestones(ctx context.Context, c *components, p *notify.Pass, project docstore.Document) ([]string, error) {
	link := project.String("active_milestones_collection_link")
	if link == "" {
		return nil, nil
	}
	entries, status, err := c.lp.Collection(ctx, p, link)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("collector: milestones: status %d", status)
	}

	coll := s.store.Collection(lpsync.Milestone.Collection)
	var names []string
	for _, e := range entries {
		m := lpsync.Milestone.Filter(e, s.logger)
		self := m.String("self_link")
		match := milestoneName.FindStringSubmatch(self)
		if match == nil {
			continue
		}
		names = append(names, match[1])
		if _, err := coll.Put(ctx, p, docstore.Query{"self_link": self}, m); err != nil {
			return nil, err
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Service) writeMeta(ctx context.Context, p *notify.Pass, projectURL string, milestones []string) error {
	coll := s.store.Collection(MetaCollection)
	if milestones == nil {
		milestones = []string{}
	}
	err := coll.Update(ctx, p, docstore.Query{"k": "list"}, func(d docstore.Document) error {
		d["v"] = []string{projectURL}
		return nil
	}, docstore.Seeded())
	if err != nil {
		return err
	}
	return coll.Update(ctx, p, docstore.Query{"k": "details"}, func(d docstore.Document) error {
		d["url"] = projectURL
		d["milestones"] = milestones
		return nil
	}, docstore.Seeded())
}

// CollectPeople mirrors the rosters of the configured teams.
func (s *Service) CollectPeople(ctx context.Context) error {
	c := s.snapshot()
	if len(c.cfg.Launchpad.Teams) == 0 {
		return nil
	}
	return s.pass(ctx, "people", c.notifier, func(ctx context.Context, _ *notify.Pass, counts Counts) error {
		if !c.cfg.Replay {
			if err := c.session.Login(ctx); err != nil {
				return err
			}
		}
		res, err := c.people.Collect(ctx, c.cfg.Launchpad.Teams)
		counts["teams"] = int64(res.Teams)
		counts["people"] = int64(res.People)
		counts["skipped"] = int64(len(res.Skipped))
		return err
	})
}

// CollectCards mirrors the configured LeanKit board.
func (s *Service) CollectCards(ctx context.Context) error {
	c := s.snapshot()
	if c.cards == nil {
		return ErrNoBoard
	}
	return s.pass(ctx, "cards", c.notifier, func(ctx context.Context, p *notify.Pass, counts Counts) error {
		res, err := c.cards.Collect(ctx, p, s.now())
		counts["lanes"] = int64(res.Lanes)
		counts["cards"] = int64(res.Cards)
		counts["skipped"] = int64(res.Skipped)
		counts["swept"] = res.Swept
		return err
	})
}
