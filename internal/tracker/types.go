package tracker

import (
	"time"

	"github.com/tidwall/gjson"
)

// Custom field prefix used by the organization for team/prodteam/profit
// fields on issues.
const customFieldPrefix = "63515d47fe387b7ce7b9fc55--"

// Issue is the subset of an issue payload the sync engine stores.
type Issue struct {
	ID             string
	Key            string
	Summary        string
	Description    string
	Status         string
	StatusDisplay  string
	Author         string
	Assignee       string
	BusinessClient string
	Team           string
	Prodteam       string
	ProfitForecast string
	// Links is the raw links array, persisted verbatim for the SQL
	// hierarchy walk.
	Links     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusChange is the status portion of one changelog field diff.
type StatusChange struct {
	From        string
	To          string
	FromDisplay string
	ToDisplay   string
}

// ChangeEvent is one changelog event. Status is nil for events that do not
// touch the status field.
type ChangeEvent struct {
	At     time.Time
	Status *StatusChange
}

// Timestamp layouts the tracker emits.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

func parseTrackerTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseIssue extracts a typed Issue from one issue JSON object.
func parseIssue(v gjson.Result) Issue {
	iss := Issue{
		ID:             v.Get("id").String(),
		Key:            v.Get("key").String(),
		Summary:        v.Get("summary").String(),
		Description:    v.Get("description").String(),
		Status:         v.Get("status.key").String(),
		StatusDisplay:  v.Get("status.display").String(),
		Author:         v.Get("createdBy.display").String(),
		Assignee:       v.Get("assignee.display").String(),
		BusinessClient: displayList(v.Get("businessClient")),
		Team:           v.Get(customFieldPrefix + "team").String(),
		Prodteam:       v.Get(customFieldPrefix + "prodteam").String(),
		ProfitForecast: v.Get(customFieldPrefix + "profitForecast").String(),
	}
	if links := v.Get("links"); links.IsArray() {
		iss.Links = links.Raw
	}
	if t, ok := parseTrackerTime(v.Get("createdAt").String()); ok {
		iss.CreatedAt = t
	}
	if t, ok := parseTrackerTime(v.Get("updatedAt").String()); ok {
		iss.UpdatedAt = t
	}
	return iss
}

// displayList renders a user-list field as "name, name". Single-object
// fields degrade to their display value.
func displayList(v gjson.Result) string {
	if !v.Exists() {
		return ""
	}
	if !v.IsArray() {
		return v.Get("display").String()
	}
	out := ""
	v.ForEach(func(_, item gjson.Result) bool {
		name := item.Get("display").String()
		if name == "" {
			return true
		}
		if out != "" {
			out += ", "
		}
		out += name
		return true
	})
	return out
}

// parseChangelog extracts status-bearing events from a changelog page.
// Events without a usable timestamp or without any field diffs are skipped;
// skipped counts how many were dropped as malformed.
func parseChangelog(v gjson.Result) (events []ChangeEvent, skipped int) {
	v.ForEach(func(_, ev gjson.Result) bool {
		at, ok := parseTrackerTime(ev.Get("updatedAt").String())
		if !ok {
			skipped++
			return true
		}
		event := ChangeEvent{At: at}
		ev.Get("fields").ForEach(func(_, field gjson.Result) bool {
			if field.Get("field.id").String() != "status" {
				return true
			}
			event.Status = &StatusChange{
				From:        field.Get("from.key").String(),
				To:          field.Get("to.key").String(),
				FromDisplay: field.Get("from.display").String(),
				ToDisplay:   field.Get("to.display").String(),
			}
			return false
		})
		events = append(events, event)
		return true
	})
	return events, skipped
}
