package lpsync

import (
	"encoding/json"
	"log/slog"

	"github.com/hazyhaar/teamstatus/docstore"
)

// FieldType is the JSON type a mirrored field must have.
type FieldType int

const (
	Text FieldType = iota
	Flag
	Number
	TextList
)

func (t FieldType) String() string {
	switch t {
	case Text:
		return "text"
	case Flag:
		return "flag"
	case Number:
		return "number"
	case TextList:
		return "text_list"
	default:
		return "unknown"
	}
}

// Schema is the allow-list of fields kept when a Launchpad representation
// is mirrored into Collection.
type Schema struct {
	Collection string
	Fields     map[string]FieldType
}

var (
	Project = Schema{Collection: "projects", Fields: map[string]FieldType{
		"self_link":                         Text,
		"web_link":                          Text,
		"name":                              Text,
		"display_name":                      Text,
		"title":                             Text,
		"active_milestones_collection_link": Text,
		"all_milestones_collection_link":    Text,
		"series_collection_link":            Text,
		"development_focus_link":            Text,
	}}

	Bug = Schema{Collection: "bugs", Fields: map[string]FieldType{
		"self_link":                 Text,
		"web_link":                  Text,
		"id":                        Number,
		"title":                     Text,
		"tags":                      TextList,
		"private":                   Flag,
		"information_type":          Text,
		"heat":                      Number,
		"bug_tasks_collection_link": Text,
		"date_last_updated":         Text,
		"owner_link":                Text,
		"duplicate_of_link":         Text,
	}}

	BugTask = Schema{Collection: "bug_tasks", Fields: map[string]FieldType{
		"self_link":               Text,
		"web_link":                Text,
		"bug_link":                Text,
		"title":                   Text,
		"status":                  Text,
		"importance":              Text,
		"assignee_link":           Text,
		"milestone_link":          Text,
		"target_link":             Text,
		"bug_target_display_name": Text,
		"bug_target_name":         Text,
		"is_complete":             Flag,
		"date_created":            Text,
	}}

	Milestone = Schema{Collection: "milestones", Fields: map[string]FieldType{
		"self_link":     Text,
		"web_link":      Text,
		"name":          Text,
		"title":         Text,
		"date_targeted": Text,
		"is_active":     Flag,
	}}

	Person = Schema{Collection: "lp_people", Fields: map[string]FieldType{
		"self_link":    Text,
		"web_link":     Text,
		"name":         Text,
		"display_name": Text,
		"karma":        Number,
		"is_team":      Flag,
		"time_zone":    Text,
	}}
)

// Filter returns the allow-listed fields of raw whose values have the
// declared type. JSON null is kept as an explicit absence (Launchpad uses it
// for unset links). Mistyped fields are dropped and logged.
func (s Schema) Filter(raw map[string]any, logger *slog.Logger) docstore.Document {
	out := make(docstore.Document, len(s.Fields))
	for name, want := range s.Fields {
		v, ok := raw[name]
		if !ok {
			continue
		}
		if v == nil {
			out[name] = nil
			continue
		}
		if cv, ok := coerce(v, want); ok {
			out[name] = cv
			continue
		}
		if logger != nil {
			logger.Warn("lpsync: dropped mistyped field",
				"collection", s.Collection, "field", name, "want", want.String())
		}
	}
	return out
}

func coerce(v any, want FieldType) (any, bool) {
	switch want {
	case Text:
		s, ok := v.(string)
		return s, ok
	case Flag:
		b, ok := v.(bool)
		return b, ok
	case Number:
		switch n := v.(type) {
		case json.Number:
			return n, true
		case float64:
			return n, true
		}
		return nil, false
	case TextList:
		list, ok := v.([]any)
		if !ok {
			return nil, false
		}
		out := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
