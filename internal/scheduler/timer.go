package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// Timer runs callbacks after a delay. Callbacks run on their own goroutine.
type Timer interface {
	ScheduleAfter(delay time.Duration, description string, fn func()) (string, error)
	Cancel(id string) error
	Stop()
	ListActive() []models.TimerInfo
}

type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	description string
}

// SimpleTimer implements Timer with time.AfterFunc.
type SimpleTimer struct {
	timers  map[string]*timerEntry
	mu      sync.RWMutex
	nextID  int64
	stopped bool
}

var _ Timer = (*SimpleTimer)(nil)

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter runs fn once delay has elapsed. A non-positive delay fires
// as soon as possible.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, description string, fn func()) (string, error) {
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return "", fmt.Errorf("timer stopped")
	}
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	now := time.Now()

	entry := &timerEntry{
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		description: description,
	}
	// The entry is registered before AfterFunc so a zero delay cannot run
	// the cleanup ahead of the insert.
	t.timers[id] = entry
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("SimpleTimer: executing scheduled function", "id", id)
		fn()
	})

	slog.Debug("SimpleTimer.ScheduleAfter", "id", id, "delay", delay, "description", description)
	return id, nil
}

// Cancel stops a pending timer. Unknown ids are ignored.
func (t *SimpleTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.timers[id]; ok {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("SimpleTimer.Cancel succeeded", "id", id)
	}
	return nil
}

// Stop cancels all pending timers and rejects new ones.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Info("SimpleTimer stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
	t.stopped = true
}

// ListActive returns the pending timers ordered by expiry.
func (t *SimpleTimer) ListActive() []models.TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]models.TimerInfo, 0, len(t.timers))
	now := time.Now()
	for id, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, models.TimerInfo{
			ID:          id,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining.String(),
			Description: entry.description,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result
}
