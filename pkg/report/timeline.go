package report

import (
	"time"

	"github.com/google/btree"
)

// Event sources.
const (
	SourceECSService = "ecs-service"
	SourceCloudTrail = "cloudtrail"
	SourceRDS        = "rds"
)

// Event is an immutable timestamped record from one of the event sources.
type Event struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type,omitempty"`
	Message   string    `json:"message"`
}

// Timeline collects events from several sources, keeps one copy per
// event id and yields them newest first.
type Timeline struct {
	ordered *btree.BTreeG[Event]
	ids     map[string]bool
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		ordered: btree.NewG[Event](16, eventLess),
		ids:     make(map[string]bool),
	}
}

// newest first, ties broken by source and id for a stable order
func eventLess(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.ID < b.ID
}

// Add inserts events, skipping ids already present. It returns how many
// were new.
func (t *Timeline) Add(events ...Event) int {
	added := 0
	for _, e := range events {
		key := e.Source + "/" + e.ID
		if e.ID == "" || t.ids[key] {
			continue
		}
		t.ids[key] = true
		t.ordered.ReplaceOrInsert(e)
		added++
	}
	return added
}

// Len returns the number of distinct events.
func (t *Timeline) Len() int {
	return t.ordered.Len()
}

// Events returns events newest first, at most limit when limit > 0.
func (t *Timeline) Events(limit int) []Event {
	out := make([]Event, 0, t.ordered.Len())
	t.ordered.Ascend(func(e Event) bool {
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	return out
}
