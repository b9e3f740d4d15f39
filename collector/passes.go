package collector

import (
	"context"
	"time"

	"github.com/hazyhaar/teamstatus/docstore"
	"github.com/hazyhaar/teamstatus/kit"
	"github.com/hazyhaar/teamstatus/notify"
)

// PassesCollection holds the last pass of each kind, keyed by kind.
const PassesCollection = "collector_passes"

// Counts collects the per-pass numbers recorded with the pass.
type Counts map[string]int64

type passFunc func(ctx context.Context, p *notify.Pass, counts Counts) error

// pass runs fn as one notified pass of kind and records its outcome.
func (s *Service) pass(ctx context.Context, kind string, notifier *notify.Broadcaster, fn passFunc) error {
	id := s.newID()
	ctx = kit.WithPassKind(kit.WithPassID(ctx, id), kind)
	log := kit.Logger(ctx, s.logger)

	start := s.now()
	counts := Counts{}
	var updates int64
	log.InfoContext(ctx, "collector: pass started")
	err := notifier.Run(ctx, func(p *notify.Pass) error {
		defer func() { updates = p.Updates() }()
		return fn(ctx, p, counts)
	})
	finish := s.now()

	rec := docstore.Document{
		"pass_id":     id,
		"started_at":  start.UTC().Format(time.RFC3339Nano),
		"finished_at": finish.UTC().Format(time.RFC3339Nano),
		"duration_ms": finish.Sub(start).Milliseconds(),
		"updates":     updates,
		"counts":      map[string]int64(counts),
		"ok":          err == nil,
	}
	if err != nil {
		rec["error"] = err.Error()
	}
	if _, perr := s.store.Collection(PassesCollection).Put(context.WithoutCancel(ctx), nil, docstore.Query{"kind": kind}, rec); perr != nil {
		log.WarnContext(ctx, "collector: record pass", "error", perr)
	}

	if err != nil {
		log.WarnContext(ctx, "collector: pass failed", "error", err, "updates", updates)
		return err
	}
	log.InfoContext(ctx, "collector: pass finished", "updates", updates, "counts", counts)
	return nil
}

// Passes returns the last recorded pass of every kind.
func (s *Service) Passes(ctx context.Context) ([]docstore.Document, error) {
	return s.store.Collection(PassesCollection).All(ctx)
}
