// Package leankit mirrors a LeanKit board and its cards into the "cards"
// collection.
//
// The board itself is one document keyed by its API URL with a lane title to
// lane ID map. Each card is keyed by its web URL and carries its lane, its
// assignees and, when the card has a task board, the task lanes and tasks.
// Every document written in a pass is stamped; Sweep drops the rest.
package leankit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/teamstatus/collector/internal/textclean"
	"github.com/hazyhaar/teamstatus/collector/internal/webcache"
	"github.com/hazyhaar/teamstatus/docstore"
)

// Collection holds the board and card documents.
const Collection = "cards"

// ErrBoard is returned when the board itself cannot be read.
var ErrBoard = errors.New("leankit: board unavailable")

// Config configures the board to mirror.
type Config struct {
	Board    string
	User     string
	Password string
	// Name labels the board in logs. Default: the board ID.
	Name string
	// BaseURL of the LeanKit account. Default: https://canonical.leankit.com/
	BaseURL string
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://canonical.leankit.com/"
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.Name == "" {
		c.Name = c.Board
	}
}

// Collector fetches the board.
type Collector struct {
	coll   *docstore.Collection
	cache  *webcache.Cache
	config Config
	clean  *textclean.Cleaner
	logger *slog.Logger
}

// Result counts what one pass did.
type Result struct {
	Lanes   int
	Cards   int
	Skipped int
	Swept   int64
}

// New creates a Collector.
func New(st *docstore.Store, cache *webcache.Cache, cfg Config, logger *slog.Logger) *Collector {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		coll:   st.Collection(Collection),
		cache:  cache,
		config: cfg,
		clean:  textclean.New(),
		logger: logger.With("board", cfg.Name),
	}
}

func (c *Collector) apiBase() string { return c.config.BaseURL + "kanban/api/" }

// BoardURL is the API URL of the board, also the board document's identity.
func (c *Collector) BoardURL() string { return c.apiBase() + "boards/" + c.config.Board }

// CardURL is the web URL of a card, the card document's identity.
func (c *Collector) CardURL(id int64) string {
	return c.config.BaseURL + "Boards/View/" + c.config.Board + "/" + strconv.FormatInt(id, 10)
}

func (c *Collector) taskBoardURL(id int64) string {
	return fmt.Sprintf("%sv1/board/%s/card/%d/taskboard", c.apiBase(), c.config.Board, id)
}

func (c *Collector) moveCardURL(id int64) string {
	return fmt.Sprintf("%sboard/%s/MoveCard/%d/lane/", c.apiBase(), c.config.Board, id)
}

func (c *Collector) moveTaskURL(cardID, taskID int64) string {
	return fmt.Sprintf("%sv1/board/%s/move/card/%d/tasks/%d/lane/", c.apiBase(), c.config.Board, cardID, taskID)
}

type reply struct {
	ReplyCode int          `json:"ReplyCode"`
	ReplyData []boardReply `json:"ReplyData"`
}

type boardReply struct {
	Title   string `json:"Title"`
	Lanes   []lane `json:"Lanes"`
	Backlog []lane `json:"Backlog"`
}

type lane struct {
	ID    int64  `json:"Id"`
	Title string `json:"Title"`
	Cards []card `json:"Cards"`
}

type card struct {
	ID            int64            `json:"Id"`
	Title         string           `json:"Title"`
	Description   string           `json:"Description"`
	LaneTitle     string           `json:"LaneTitle"`
	AssignedUsers []map[string]any `json:"AssignedUsers"`
}

func (c *Collector) get(ctx context.Context, sig docstore.Signaler, url string) (*reply, int, error) {
	content, status, err := c.cache.Get(ctx, sig, url, webcache.Options{
		BasicAuth: &webcache.BasicAuth{User: c.config.User, Password: c.config.Password},
	})
	if err != nil || status >= 400 {
		return nil, status, err
	}
	var r reply
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return nil, status, fmt.Errorf("leankit: decode %s: %w", url, err)
	}
	return &r, status, nil
}

// Collect mirrors the board and its cards, stamping every document with
// passTime, then sweeps cards that were not seen.
func (c *Collector) Collect(ctx context.Context, sig docstore.Signaler, passTime time.Time) (Result, error) {
	var res Result
	stamp := passTime.UTC().Format(time.RFC3339Nano)

	r, status, err := c.get(ctx, sig, c.BoardURL())
	if err != nil {
		return res, err
	}
	if r == nil || len(r.ReplyData) == 0 {
		return res, fmt.Errorf("%w: status %d", ErrBoard, status)
	}
	b := r.ReplyData[0]
	lanes := append(append([]lane(nil), b.Lanes...), b.Backlog...)

	laneIDs := make(map[string]any, len(lanes))
	for _, l := range lanes {
		laneIDs[l.Title] = l.ID
	}
	err = c.write(ctx, sig, docstore.Query{"Url": c.BoardURL()}, stamp, func(d docstore.Document) {
		d["Board"] = true
		d["BoardTitle"] = b.Title
		d["lanes"] = laneIDs
	})
	if err != nil {
		return res, err
	}
	res.Lanes = len(lanes)

	for _, l := range lanes {
		c.logger.DebugContext(ctx, "leankit: lane", "lane", l.Title, "cards", len(l.Cards))
		for _, cd := range l.Cards {
			if err := c.storeCard(ctx, sig, b.Title, l, cd, stamp); err != nil {
				if errors.Is(err, webcache.ErrConnection) || ctx.Err() != nil {
					return res, err
				}
				c.logger.WarnContext(ctx, "leankit: card skipped", "card", cd.ID, "error", err)
				res.Skipped++
				continue
			}
			res.Cards++
		}
	}

	res.Swept, err = c.sweep(ctx, sig, stamp)
	return res, err
}

func (c *Collector) storeCard(ctx context.Context, sig docstore.Signaler, boardTitle string, l lane, cd card, stamp string) error {
	tb, status, err := c.get(ctx, sig, c.taskBoardURL(cd.ID))
	if err != nil {
		return err
	}

	tasks := []any{}
	var taskLanes map[string]any
	if tb != nil && tb.ReplyCode == http.StatusOK && len(tb.ReplyData) > 0 {
		taskLanes = make(map[string]any)
		for _, tl := range tb.ReplyData[0].Lanes {
			taskLanes[tl.Title] = tl.ID
			for _, t := range tl.Cards {
				tasks = append(tasks, map[string]any{
					"LaneTitle": t.LaneTitle,
					"Title":     c.clean.Plain(t.Title),
					"moveUrl":   c.moveTaskURL(cd.ID, t.ID),
				})
			}
		}
	} else if status >= 400 {
		c.logger.DebugContext(ctx, "leankit: no task board", "card", cd.ID, "status", status)
	}

	assigned := make([]any, 0, len(cd.AssignedUsers))
	for _, u := range cd.AssignedUsers {
		assigned = append(assigned, u)
	}

	return c.write(ctx, sig, docstore.Query{"CardUrl": c.CardURL(cd.ID)}, stamp, func(d docstore.Document) {
		d["BoardTitle"] = boardTitle
		d["LaneTitle"] = l.Title
		d["Title"] = c.clean.Plain(cd.Title)
		d["Description"] = c.clean.Markdown(cd.Description)
		d["AssignedUsers"] = assigned
		d["moveUrl"] = c.moveCardURL(cd.ID)
		d["Tasks"] = tasks
		if taskLanes != nil {
			d["TaskLanes"] = taskLanes
		} else {
			delete(d, "TaskLanes")
		}
	})
}

// write applies fill to the document for q and stamps it. A change limited
// to the stamp is not signalled.
func (c *Collector) write(ctx context.Context, sig docstore.Signaler, q docstore.Query, stamp string, fill func(docstore.Document)) error {
	sc, err := c.coll.Open(ctx, q, docstore.Seeded())
	if err != nil {
		return err
	}
	before := sc.Doc.Clone()
	delete(before, "update_time")
	fill(sc.Doc)
	after := sc.Doc.Clone()
	delete(after, "update_time")
	if docstore.Equal(before, after) {
		sig = nil
	}
	sc.Doc["update_time"] = stamp
	_, err = sc.Close(ctx, sig)
	return err
}

func (c *Collector) sweep(ctx context.Context, sig docstore.Signaler, stamp string) (int64, error) {
	n, err := c.coll.DeleteWhereNot(ctx, "update_time", stamp)
	if err != nil {
		return 0, fmt.Errorf("leankit: sweep: %w", err)
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "leankit: swept stale cards", "count", n)
		if sig != nil {
			sig.Updated()
		}
	}
	return n, nil
}
