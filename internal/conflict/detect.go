// Package conflict flags occurrences that overlap for the same collaborator.
package conflict

import (
	"sort"

	appLog "orgcal/internal/log"
	"orgcal/internal/model"
)

// unassigned is the partition key of events without a collaborator.
const unassigned = ""

var occurrenceMinutes = int(model.OccurrenceLen.Minutes())

// Set is the set of occurrence ids involved in at least one overlap.
type Set map[string]struct{}

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

// IDs returns the members in ascending order.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Pair is one overlapping couple; A sorts before B in time.
type Pair struct {
	A            string `json:"a"`
	B            string `json:"b"`
	Collaborator string `json:"collaborator,omitempty"`
	Date         string `json:"date"`
}

type slot struct {
	id    string
	date  string
	start int
}

// Detect returns the ids of occurrences whose one-hour blocks overlap
// another occurrence of the same collaborator on the same date.
// Unassigned occurrences only conflict with each other.
func Detect(events []model.VirtualEvent) Set {
	set := make(Set)
	scan(events, func(p Pair) {
		set[p.A] = struct{}{}
		set[p.B] = struct{}{}
	})
	return set
}

// Pairs lists every overlapping pair once, grouped by collaborator and
// ordered by date and start time within a group.
func Pairs(events []model.VirtualEvent) []Pair {
	var out []Pair
	scan(events, func(p Pair) {
		out = append(out, p)
	})
	return out
}

func scan(events []model.VirtualEvent, emit func(Pair)) {
	partitions := make(map[string][]slot)
	keys := make([]string, 0)

	for _, ev := range events {
		start, err := model.ParseClock(ev.Time)
		if err != nil {
			appLog.Debug("conflict: skipping occurrence with invalid time", "id", ev.ID, "time", ev.Time)
			continue
		}
		key := ev.AssignedCollaborator
		if _, ok := partitions[key]; !ok {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], slot{id: ev.ID, date: ev.VirtualDate, start: start})
	}
	sort.Strings(keys)

	for _, key := range keys {
		slots := partitions[key]
		if len(slots) < 2 {
			continue
		}
		sort.SliceStable(slots, func(i, j int) bool {
			if slots[i].date != slots[j].date {
				return slots[i].date < slots[j].date
			}
			return slots[i].start < slots[j].start
		})

		// Sorted by start, so a later slot overlaps slot i iff it starts
		// before slot i ends; the first one that doesn't ends the run.
		for i := range slots {
			end := slots[i].start + occurrenceMinutes
			for j := i + 1; j < len(slots); j++ {
				if slots[j].date != slots[i].date || slots[j].start >= end {
					break
				}
				emit(Pair{A: slots[i].id, B: slots[j].id, Collaborator: key, Date: slots[i].date})
			}
		}
	}
}
