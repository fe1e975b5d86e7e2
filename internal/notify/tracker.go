package notify

import (
	"sync"

	"orgcal/internal/model"
)

// Tracker remembers which reminders were already delivered per
// organization so a periodic check fires each one once.
type Tracker struct {
	mu        sync.Mutex
	delivered map[string]map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{delivered: make(map[string]map[string]struct{})}
}

// Filter returns the notifications of due that were never delivered for
// orgID and marks them delivered. Ids that are no longer due are
// forgotten, so an occurrence that is edited back into range notifies again.
func (t *Tracker) Filter(orgID string, due []model.Notification) []model.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.delivered[orgID]
	next := make(map[string]struct{}, len(due))
	fresh := make([]model.Notification, 0)

	for _, n := range due {
		next[n.ID] = struct{}{}
		if _, seen := prev[n.ID]; seen {
			continue
		}
		fresh = append(fresh, n)
	}

	t.delivered[orgID] = next
	return fresh
}

// Forget drops all state for orgID.
func (t *Tracker) Forget(orgID string) {
	t.mu.Lock()
	delete(t.delivered, orgID)
	t.mu.Unlock()
}
