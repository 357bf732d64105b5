package messages

import (
	"time"

	"github.com/google/uuid"
)

// Kind represents the type of a message
type Kind string

const (
	KindDebug   Kind = "debug"
	KindStatus  Kind = "status"
	KindWarn    Kind = "warn"
	KindError   Kind = "error"
	KindStart   Kind = "start"
	KindSuccess Kind = "success"
	KindFail    Kind = "fail"
	KindBug     Kind = "bug"
)

// Message is a typed observability record emitted by the core and routed
// to the frontend for display and logging.
//
// PluginID is zero for messages that do not originate from an element; a
// nonzero id can be resolved through the plugin registry on the receiving
// side.
type Message struct {
	ID        string
	PluginID  uint64
	Kind      Kind
	Brief     string
	Detail    string
	Elapsed   time.Duration
	Timestamp time.Time
}

// New creates a message of the given kind
func New(kind Kind, brief string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      kind,
		Brief:     brief,
		Timestamp: time.Now(),
	}
}

// WithDetail attaches a detail string
func (m *Message) WithDetail(detail string) *Message {
	m.Detail = detail
	return m
}

// WithPlugin attaches the originating plugin id
func (m *Message) WithPlugin(id uint64) *Message {
	m.PluginID = id
	return m
}

// WithElapsed attaches an elapsed duration
func (m *Message) WithElapsed(elapsed time.Duration) *Message {
	m.Elapsed = elapsed
	return m
}
