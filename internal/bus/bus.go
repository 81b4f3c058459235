package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
)

// errNoSubscriber marks a point-to-point message whose recipient has no
// local inbox.
var errNoSubscriber = errors.New("no local subscriber")

// Mirror bridges bus traffic to another process, e.g. over a Redis pub/sub
// channel. Messages published locally are mirrored out; messages arriving
// from the mirror are fed back through Inject.
type Mirror interface {
	Publish(ctx context.Context, msg domain.Message) error
}

// Config tunes the bus.
type Config struct {
	// InboxCapacity bounds each subscriber's pending messages. When an
	// inbox overflows, the oldest pending message is discarded.
	InboxCapacity int
	// DedupWindow bounds how many delivered message IDs each inbox
	// remembers for at-least-once deduplication.
	DedupWindow int
	// StreamDefaults fills StreamOptions fields left unset by OpenStream
	// callers.
	StreamDefaults StreamOptions
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.InboxCapacity <= 0 {
		out.InboxCapacity = 64
	}
	if out.DedupWindow <= 0 {
		out.DedupWindow = 1024
	}
	return out
}

// Bus routes messages between agents: point-to-point to a named inbox,
// broadcast to every subscriber, and request/response correlated by message
// ID. Delivery is at-least-once; inboxes deduplicate on message ID.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	inboxes map[string]*Inbox
	pending map[string]chan domain.Message
	mirror  Mirror

	streams *streamTable
}

func New(cfg Config, logger *slog.Logger) *Bus {
	return &Bus{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		inboxes: make(map[string]*Inbox),
		pending: make(map[string]chan domain.Message),
		streams: newStreamTable(),
	}
}

// SetMirror attaches a cross-process mirror. Must be called before traffic.
func (b *Bus) SetMirror(m Mirror) { b.mirror = m }

// Subscribe opens (or returns) the inbox for agentID.
func (b *Bus) Subscribe(agentID string) *Inbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in, ok := b.inboxes[agentID]; ok {
		return in
	}
	in := newInbox(agentID, b.cfg.InboxCapacity, b.cfg.DedupWindow, b.logger)
	b.inboxes[agentID] = in
	return in
}

// Unsubscribe closes and removes agentID's inbox.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	in, ok := b.inboxes[agentID]
	if ok {
		delete(b.inboxes, agentID)
	}
	b.mu.Unlock()
	if ok {
		in.close()
	}
}

// Publish routes a message. Point-to-point messages need a subscribed
// recipient; broadcasts go to every subscriber except the sender. Expired
// messages are dropped without delivery. With a mirror attached, a recipient
// unknown locally is assumed to live in another process and the message is
// mirrored anyway.
func (b *Bus) Publish(ctx context.Context, msg domain.Message) error {
	b.stamp(&msg)
	err := b.deliver(msg)
	if err != nil && (b.mirror == nil || !errors.Is(err, errNoSubscriber)) {
		return err
	}
	if b.mirror != nil {
		if merr := b.mirror.Publish(ctx, msg); merr != nil {
			b.logger.Warn("mirror publish failed",
				slog.String("message_id", msg.ID),
				slog.Any("error", merr),
			)
		}
	}
	return nil
}

// Inject delivers a message that arrived from the mirror, without echoing it
// back out.
func (b *Bus) Inject(msg domain.Message) error {
	return b.deliver(msg)
}

func (b *Bus) stamp(msg *domain.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = b.now()
	}
	if msg.Type == "" {
		if msg.Recipient == domain.BroadcastRecipient {
			msg.Type = domain.MessageBroadcast
		} else {
			msg.Type = domain.MessageDirect
		}
	}
}

func (b *Bus) deliver(msg domain.Message) error {
	if msg.Expired(b.now()) {
		telemetry.BusMessagesExpired.Inc()
		b.logger.Debug("message expired before delivery",
			slog.String("message_id", msg.ID),
			slog.String("recipient", msg.Recipient),
		)
		return nil
	}
	telemetry.BusMessagesPublished.WithLabelValues(string(msg.Type)).Inc()

	// Responses complete a pending request/response exchange.
	if msg.CorrelationID != "" {
		b.mu.RLock()
		waiter, ok := b.pending[msg.CorrelationID]
		b.mu.RUnlock()
		if ok {
			select {
			case waiter <- msg:
			default: // request already satisfied
			}
			return nil
		}
	}

	if msg.Recipient == domain.BroadcastRecipient {
		b.mu.RLock()
		targets := make([]*Inbox, 0, len(b.inboxes))
		for id, in := range b.inboxes {
			if id != msg.Sender {
				targets = append(targets, in)
			}
		}
		b.mu.RUnlock()
		for _, in := range targets {
			in.put(msg)
		}
		return nil
	}

	b.mu.RLock()
	in, ok := b.inboxes[msg.Recipient]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("message %s: %w: %q", msg.ID, errNoSubscriber, msg.Recipient)
	}
	in.put(msg)
	return nil
}

// Request publishes msg as a request and waits for a correlated response.
// Returns *domain.ResponseTimeoutError when no response arrives in time.
func (b *Bus) Request(ctx context.Context, msg domain.Message, timeout time.Duration) (domain.Message, error) {
	b.stamp(&msg)
	msg.Type = domain.MessageRequest

	waiter := make(chan domain.Message, 1)
	b.mu.Lock()
	b.pending[msg.ID] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, msg); err != nil {
		return domain.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		telemetry.BusRequestTimeouts.Inc()
		return domain.Message{}, &domain.ResponseTimeoutError{RequestID: msg.ID, Timeout: timeout}
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

// Respond publishes a response correlated to req.
func (b *Bus) Respond(ctx context.Context, req domain.Message, payload json.RawMessage) error {
	return b.Publish(ctx, domain.Message{
		Type:          domain.MessageResponse,
		Sender:        req.Recipient,
		Recipient:     req.Sender,
		CorrelationID: req.ID,
		Payload:       payload,
	})
}

// Inbox is one subscriber's bounded mailbox.
type Inbox struct {
	agentID string
	logger  *slog.Logger

	mu     sync.Mutex
	queue  []domain.Message
	notify chan struct{}
	closed bool

	cap       int
	seen      map[string]bool
	seenOrder []string
	seenCap   int
}

func newInbox(agentID string, capacity, dedupWindow int, logger *slog.Logger) *Inbox {
	return &Inbox{
		agentID: agentID,
		logger:  logger,
		notify:  make(chan struct{}, 1),
		cap:     capacity,
		seen:    make(map[string]bool),
		seenCap: dedupWindow,
	}
}

func (in *Inbox) put(msg domain.Message) {
	in.mu.Lock()
	if in.closed || in.seen[msg.ID] {
		in.mu.Unlock()
		return
	}
	in.remember(msg.ID)
	if len(in.queue) >= in.cap {
		dropped := in.queue[0]
		in.queue = in.queue[1:]
		in.logger.Warn("inbox overflow, oldest message dropped",
			slog.String("agent_id", in.agentID),
			slog.String("message_id", dropped.ID),
		)
	}
	in.queue = append(in.queue, msg)
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *Inbox) remember(id string) {
	if in.seen[id] {
		return
	}
	in.seen[id] = true
	in.seenOrder = append(in.seenOrder, id)
	if len(in.seenOrder) > in.seenCap {
		delete(in.seen, in.seenOrder[0])
		in.seenOrder = in.seenOrder[1:]
	}
}

// Receive blocks until a message is available or ctx is cancelled.
func (in *Inbox) Receive(ctx context.Context) (domain.Message, error) {
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			msg := in.queue[0]
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return msg, nil
		}
		closed := in.closed
		in.mu.Unlock()
		if closed {
			return domain.Message{}, fmt.Errorf("inbox %s closed", in.agentID)
		}

		select {
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		case <-in.notify:
		}
	}
}

// TryReceive pops a pending message without blocking.
func (in *Inbox) TryReceive() (domain.Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return domain.Message{}, false
	}
	msg := in.queue[0]
	in.queue = in.queue[1:]
	return msg, true
}

// Pending returns the number of undelivered messages.
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

func (in *Inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	select {
	case in.notify <- struct{}{}:
	default:
	}
}
