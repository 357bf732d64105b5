package messages

import (
	"sync"
	"time"

	"github.com/cuemby/forge/pkg/log"
	"github.com/rs/zerolog"
)

// Subscriber is a channel that receives messages
type Subscriber chan *Message

// Messenger is the sink for core messages. Every message is logged and
// broadcast to all subscribers; subscribers with a full buffer are skipped
// rather than blocking the scheduler loop.
type Messenger struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewMessenger creates a new messenger
func NewMessenger() *Messenger {
	return &Messenger{
		subscribers: make(map[Subscriber]bool),
		logger:      log.WithComponent("messenger"),
	}
}

// Subscribe creates a new subscription and returns a channel
func (ms *Messenger) Subscribe() Subscriber {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	ms.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (ms *Messenger) Unsubscribe(sub Subscriber) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.subscribers, sub)
	close(sub)
}

// Message delivers a message to the log and to all subscribers
func (ms *Messenger) Message(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	ms.logMessage(msg)

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for sub := range ms.subscribers {
		select {
		case sub <- msg:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// TimedActivity opens a user-visible activity. A START message is emitted
// immediately; exactly one of Stop or Fail must be called to close it.
func (ms *Messenger) TimedActivity(brief string) *Activity {
	ms.Message(New(KindStart, brief))
	return &Activity{
		messenger: ms,
		brief:     brief,
		started:   time.Now(),
	}
}

func (ms *Messenger) logMessage(msg *Message) {
	var ev *zerolog.Event
	switch msg.Kind {
	case KindDebug:
		ev = ms.logger.Debug()
	case KindWarn:
		ev = ms.logger.Warn()
	case KindError, KindFail:
		ev = ms.logger.Error()
	case KindBug:
		ev = ms.logger.Error().Bool("bug", true)
	default:
		ev = ms.logger.Info()
	}

	ev = ev.Str("kind", string(msg.Kind))
	if msg.PluginID != 0 {
		ev = ev.Uint64("plugin_id", msg.PluginID)
	}
	if msg.Detail != "" {
		ev = ev.Str("detail", msg.Detail)
	}
	if msg.Elapsed != 0 {
		ev = ev.Dur("elapsed", msg.Elapsed)
	}
	ev.Msg(msg.Brief)
}

// Activity is a scoped guard around a long-running operation. Closing it
// records the elapsed time; an abandoned activity that is closed via Fail
// on an error path still produces a FAIL record.
type Activity struct {
	messenger *Messenger
	brief     string
	started   time.Time
	closed    bool
}

// Stop closes the activity with a SUCCESS message
func (a *Activity) Stop() {
	a.close(KindSuccess)
}

// Fail closes the activity with a FAIL message
func (a *Activity) Fail() {
	a.close(KindFail)
}

func (a *Activity) close(kind Kind) {
	if a.closed {
		return
	}
	a.closed = true
	a.messenger.Message(New(kind, a.brief).WithElapsed(time.Since(a.started)))
}
