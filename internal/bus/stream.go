package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
)

// ErrStreamClosed is returned by Next once a closed session is fully drained.
var ErrStreamClosed = errors.New("stream session closed")

// StreamOptions configures one stream session.
type StreamOptions struct {
	// Capacity bounds the unconsumed chunks a producer may run ahead of the
	// slowest subscriber.
	Capacity int
	// Policy picks what a full buffer does to producers.
	Policy domain.BackpressurePolicy
	// ReplayRetention keeps a completed session's log around for late
	// subscribers.
	ReplayRetention time.Duration
	// ReplayLimit caps how many chunks the replay log retains.
	ReplayLimit int
}

func (o *StreamOptions) withDefaults(def StreamOptions) StreamOptions {
	out := *o
	if out.Capacity <= 0 {
		out.Capacity = def.Capacity
	}
	if out.Capacity <= 0 {
		out.Capacity = 16
	}
	if out.Policy == "" {
		out.Policy = def.Policy
	}
	if out.Policy == "" {
		out.Policy = domain.BackpressureBlock
	}
	if out.ReplayRetention <= 0 {
		out.ReplayRetention = def.ReplayRetention
	}
	if out.ReplayRetention <= 0 {
		out.ReplayRetention = 5 * time.Minute
	}
	if out.ReplayLimit <= 0 {
		out.ReplayLimit = def.ReplayLimit
	}
	if out.ReplayLimit <= 0 {
		out.ReplayLimit = 100
	}
	return out
}

// StreamSession fans streamed task output out to subscribers. Chunks land in
// a sequence-ordered replay log capped at ReplayLimit entries, so a late
// subscriber can replay from the start even after live subscribers drained
// the stream. Backpressure is tracked separately as the gap between the
// producer and the floor, the highest sequence every live subscriber has
// consumed: under the block policy a producer at capacity suspends until the
// constraining subscriber consumes, under drop-oldest the oldest unconsumed
// chunk is dropped from live delivery and counted.
type StreamSession struct {
	ID     string
	TaskID string

	opts StreamOptions
	now  func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	chunks   []domain.StreamChunk
	base     uint64 // sequence of chunks[0]
	nextSeq  uint64
	floor    uint64 // every live subscriber has consumed up to here
	subs     map[uint64]*StreamSubscriber
	nextSub  uint64
	dropped  uint64
	closed   bool
	closedAt time.Time
}

func newStreamSession(taskID string, opts StreamOptions) *StreamSession {
	s := &StreamSession{
		ID:     uuid.New().String(),
		TaskID: taskID,
		opts:   opts,
		now:    time.Now,
		subs:   make(map[uint64]*StreamSubscriber),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push appends a chunk, applying the session's backpressure policy when the
// buffer is full. Under the block policy it suspends until space frees up or
// ctx is cancelled.
func (s *StreamSession) Push(ctx context.Context, data json.RawMessage, final bool) (uint64, error) {
	unblock := make(chan struct{})
	defer close(unblock)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-unblock:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Policy == domain.BackpressureBlock {
		for !s.closed && ctx.Err() == nil && s.nextSeq-s.floor >= uint64(s.opts.Capacity) {
			s.cond.Wait()
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.closed {
		return 0, ErrStreamClosed
	}

	if s.opts.Policy == domain.BackpressureDropOldest && s.nextSeq-s.floor >= uint64(s.opts.Capacity) {
		s.floor++
		s.dropped++
		telemetry.StreamChunksDropped.Inc()
		for _, sub := range s.subs {
			if sub.cursor < s.floor {
				sub.cursor = s.floor
			}
		}
	}

	seq := s.nextSeq
	s.chunks = append(s.chunks, domain.StreamChunk{
		Seq:       seq,
		TaskID:    s.TaskID,
		Data:      data,
		Final:     final,
		Timestamp: s.now(),
	})
	s.nextSeq++
	for s.opts.ReplayLimit > 0 && len(s.chunks) > s.opts.ReplayLimit {
		s.chunks = s.chunks[1:]
		s.base++
	}
	s.cond.Broadcast()
	return seq, nil
}

// Subscribe attaches a new subscriber reading from sequence from. Sequences
// aged out of the replay log are skipped; subscribing at 0 replays the log
// from its start, whether or not earlier subscribers already consumed it.
func (s *StreamSession) Subscribe(from uint64) *StreamSubscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := from
	if cursor < s.base {
		cursor = s.base
	}
	if cursor > s.nextSeq {
		cursor = s.nextSeq
	}
	sub := &StreamSubscriber{session: s, id: s.nextSub, cursor: cursor}
	s.nextSub++
	s.subs[sub.id] = sub
	return sub
}

// Close marks the session complete. The replay log stays readable until the
// replay retention window elapses.
func (s *StreamSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closedAt = s.now()
	telemetry.StreamSessionsActive.Dec()
	s.cond.Broadcast()
}

// Dropped returns how many chunks drop-oldest backpressure discarded.
func (s *StreamSession) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Closed reports whether the session has completed.
func (s *StreamSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StreamSession) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && now.After(s.closedAt.Add(s.opts.ReplayRetention))
}

// raiseFloorLocked advances the consumed floor to the slowest live cursor.
// The floor only moves forward, so a replaying subscriber behind it never
// reopens capacity the producer already spent.
func (s *StreamSession) raiseFloorLocked() {
	if len(s.subs) == 0 {
		return
	}
	min := s.nextSeq
	for _, sub := range s.subs {
		if sub.cursor < min {
			min = sub.cursor
		}
	}
	if min > s.floor {
		s.floor = min
	}
}

// StreamSubscriber is one consumer's cursor into a session.
type StreamSubscriber struct {
	session *StreamSession
	id      uint64
	cursor  uint64
}

// Next blocks until a chunk is available, the session closes and drains, or
// ctx is cancelled. Returns ErrStreamClosed after the final chunk.
func (sub *StreamSubscriber) Next(ctx context.Context) (domain.StreamChunk, error) {
	s := sub.session

	unblock := make(chan struct{})
	defer close(unblock)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-unblock:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if sub.cursor < s.base {
			sub.cursor = s.base // aged out of the replay log
		}
		if sub.cursor < s.nextSeq {
			chunk := s.chunks[sub.cursor-s.base]
			sub.cursor++
			s.raiseFloorLocked()
			s.cond.Broadcast()
			return chunk, nil
		}
		if s.closed {
			return domain.StreamChunk{}, ErrStreamClosed
		}
		if err := ctx.Err(); err != nil {
			return domain.StreamChunk{}, err
		}
		s.cond.Wait()
	}
}

// Detach removes the subscriber so it no longer constrains producer
// backpressure.
func (sub *StreamSubscriber) Detach() {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub.id)
	s.raiseFloorLocked()
	s.cond.Broadcast()
}

// streamTable indexes sessions by task ID and reaps expired ones lazily.
type streamTable struct {
	mu       sync.Mutex
	sessions map[string]*StreamSession
	now      func() time.Time
}

func newStreamTable() *streamTable {
	return &streamTable{
		sessions: make(map[string]*StreamSession),
		now:      time.Now,
	}
}

// OpenStream creates the session for a task's streamed output.
func (b *Bus) OpenStream(taskID string, opts StreamOptions) (*StreamSession, error) {
	t := b.streams
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.sessions[taskID]; ok && !existing.expired(t.now()) {
		return nil, fmt.Errorf("stream session for task %s already open", taskID)
	}
	s := newStreamSession(taskID, (&opts).withDefaults(b.cfg.StreamDefaults))
	t.sessions[taskID] = s
	telemetry.StreamSessionsActive.Inc()
	return s, nil
}

// Stream looks up the session for a task, including completed sessions still
// inside their replay retention window.
func (b *Bus) Stream(taskID string) (*StreamSession, bool) {
	t := b.streams
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[taskID]
	if !ok {
		return nil, false
	}
	if s.expired(t.now()) {
		delete(t.sessions, taskID)
		return nil, false
	}
	return s, true
}

// CloseStream completes a task's session.
func (b *Bus) CloseStream(taskID string) {
	if s, ok := b.Stream(taskID); ok {
		s.Close()
	}
}

// Close completes every open stream session and closes every inbox. Blocked
// producers and subscribers unblock; later Publish calls to a closed inbox
// fail with no subscriber.
func (b *Bus) Close() {
	t := b.streams
	t.mu.Lock()
	sessions := make([]*StreamSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	b.mu.Lock()
	inboxes := b.inboxes
	b.inboxes = make(map[string]*Inbox)
	b.mu.Unlock()
	for _, in := range inboxes {
		in.close()
	}
}
