package engine

import (
	"sync"

	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// channelQueue serializes work per channel. Each channel gets a mailbox with
// a single consumer goroutine, created on the first post and torn down as
// soon as the mailbox drains. Tasks for one channel run strictly in post
// order; tasks for different channels run concurrently.
type channelQueue struct {
	mu        sync.Mutex
	mailboxes map[models.ChannelID]*mailbox
	closed    bool
	wg        sync.WaitGroup
}

type mailbox struct {
	tasks []func()
}

func newChannelQueue() *channelQueue {
	return &channelQueue{mailboxes: make(map[models.ChannelID]*mailbox)}
}

// Post appends task to the channel's mailbox. It returns false once the
// queue is closed.
func (q *channelQueue) Post(channel models.ChannelID, task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	mb, ok := q.mailboxes[channel]
	if !ok {
		mb = &mailbox{tasks: make([]func(), 0, 4)}
		q.mailboxes[channel] = mb
	}
	mb.tasks = append(mb.tasks, task)
	if !ok {
		q.wg.Add(1)
		go q.drain(channel, mb)
	}
	return true
}

func (q *channelQueue) drain(channel models.ChannelID, mb *mailbox) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(mb.tasks) == 0 {
			delete(q.mailboxes, channel)
			q.mu.Unlock()
			return
		}
		task := mb.tasks[0]
		// Release the slot so the closure can be collected.
		mb.tasks[0] = nil
		mb.tasks = mb.tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Active returns the number of channels with a live consumer.
func (q *channelQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mailboxes)
}

// Close rejects new tasks and waits for queued ones to finish.
func (q *channelQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
