package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/testutil"
)

func TestChannelQueuePreservesOrderPerChannel(t *testing.T) {
	q := newChannelQueue()
	var mu sync.Mutex
	seen := map[models.ChannelID][]int{}
	for i := 0; i < 50; i++ {
		for _, ch := range []models.ChannelID{"A", "B"} {
			i, ch := i, ch
			q.Post(ch, func() {
				mu.Lock()
				seen[ch] = append(seen[ch], i)
				mu.Unlock()
			})
		}
	}
	q.Close()

	for _, ch := range []models.ChannelID{"A", "B"} {
		if len(seen[ch]) != 50 {
			t.Fatalf("channel %s: expected 50 tasks, got %d", ch, len(seen[ch]))
		}
		for i, v := range seen[ch] {
			if v != i {
				t.Fatalf("channel %s: out of order at %d: %v", ch, i, seen[ch])
			}
		}
	}
}

func TestChannelQueueTearsDownIdleMailboxes(t *testing.T) {
	q := newChannelQueue()
	defer q.Close()
	release := make(chan struct{})
	q.Post("A", func() { <-release })
	if q.Active() != 1 {
		t.Fatalf("expected one active mailbox, got %d", q.Active())
	}
	close(release)
	testutil.Eventually(t, time.Second, func() bool { return q.Active() == 0 }, "mailbox torn down")

	done := make(chan struct{})
	if !q.Post("A", func() { close(done) }) {
		t.Fatal("post after teardown rejected")
	}
	<-done
}

func TestChannelQueueRejectsAfterClose(t *testing.T) {
	q := newChannelQueue()
	q.Close()
	if q.Post("A", func() {}) {
		t.Error("closed queue accepted a task")
	}
}
