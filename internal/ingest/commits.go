package ingest

import (
	"context"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

type trackedMessage struct {
	msg  kafka.Message
	done bool
}

// commitTracker commits a partition only up to its lowest unfinished offset,
// so an event that failed is never skipped by a later commit.
type commitTracker struct {
	mu      sync.Mutex
	reader  Reader
	pending map[partitionKey][]*trackedMessage
}

func newCommitTracker(reader Reader) *commitTracker {
	return &commitTracker{
		reader:  reader,
		pending: make(map[partitionKey][]*trackedMessage),
	}
}

// track registers msg in fetch order. Must be called before msg is handed out.
func (t *commitTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partitionKey{msg.Topic, msg.Partition}
	t.pending[key] = append(t.pending[key], &trackedMessage{msg: msg})
}

// done marks msg finished and commits the longest finished prefix of its
// partition. It returns false when nothing was committed.
func (t *commitTracker) done(ctx context.Context, msg kafka.Message) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := partitionKey{msg.Topic, msg.Partition}
	queue := t.pending[key]
	for _, tm := range queue {
		if tm.msg.Offset == msg.Offset {
			tm.done = true
			break
		}
	}

	n := 0
	for n < len(queue) && queue[n].done {
		n++
	}
	if n == 0 {
		return false, nil
	}

	// Commits stay under the lock so a partition's offset never moves backwards
	if err := t.reader.CommitMessages(ctx, queue[n-1].msg); err != nil {
		return false, err
	}
	t.pending[key] = queue[n:]
	return true, nil
}
