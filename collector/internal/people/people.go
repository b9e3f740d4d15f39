// Package people mirrors the members of the configured Launchpad teams.
//
// Every member lands in "lp_people" keyed by name, and each team gets an
// "lp_teams" document listing its member names. Rosters change rarely, so
// the writes are not signalled to the dashboard.
package people

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/teamstatus/collector/internal/lpsync"
	"github.com/hazyhaar/teamstatus/docstore"
)

// TeamsCollection holds one {name, members} document per team.
const TeamsCollection = "lp_teams"

// Collector fetches team rosters.
type Collector struct {
	lp      *lpsync.Client
	store   *docstore.Store
	apiRoot string
	logger  *slog.Logger
}

// Result counts what one run wrote.
type Result struct {
	Teams   int
	People  int
	Skipped []string
}

// New creates a Collector. apiRoot is the versioned API base, such as
// "https://api.launchpad.net/1.0/".
func New(st *docstore.Store, lp *lpsync.Client, apiRoot string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.HasSuffix(apiRoot, "/") {
		apiRoot += "/"
	}
	return &Collector{lp: lp, store: st, apiRoot: apiRoot, logger: logger}
}

// MembersURL returns the members collection of team.
func (c *Collector) MembersURL(team string) string {
	return c.apiRoot + "~" + team + "/members"
}

// Collect mirrors the members of every team. A team the API refuses is
// skipped and reported in Result.Skipped; transport errors abort the run.
func (c *Collector) Collect(ctx context.Context, teams []string) (Result, error) {
	var res Result
	peopleColl := c.store.Collection(lpsync.Person.Collection)
	teamColl := c.store.Collection(TeamsCollection)

	for _, team := range teams {
		members, status, err := c.lp.Collection(ctx, nil, c.MembersURL(team))
		if err != nil {
			return res, fmt.Errorf("people: %s: %w", team, err)
		}
		if status >= 400 {
			c.logger.WarnContext(ctx, "people: team skipped", "team", team, "status", status)
			res.Skipped = append(res.Skipped, team)
			continue
		}

		names := make([]string, 0, len(members))
		for _, m := range members {
			person := lpsync.Person.Filter(m, c.logger)
			name := person.String("name")
			if name == "" {
				continue
			}
			if _, err := peopleColl.Put(ctx, nil, docstore.Query{"name": name}, person); err != nil {
				return res, fmt.Errorf("people: put %s: %w", name, err)
			}
			names = append(names, name)
			res.People++
		}

		if _, err := teamColl.Put(ctx, nil, docstore.Query{"name": team}, docstore.Document{"members": names}); err != nil {
			return res, fmt.Errorf("people: put team %s: %w", team, err)
		}
		res.Teams++
		c.logger.InfoContext(ctx, "people: team collected", "team", team, "members", len(names))
	}
	return res, nil
}
