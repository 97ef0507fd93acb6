package session

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/protocol"
)

// Presenter displays a slide. It must accept any in-range index.
type Presenter interface {
	Show(index int)
}

// Narrator speaks slide content. Speak is fire-and-forget and StopSpeaking
// must be safe to call when nothing is playing.
type Narrator interface {
	Speak(text string)
	StopSpeaking()
	IsSpeaking() bool
}

// Broadcaster carries authority events to every connected participant.
type Broadcaster interface {
	BroadcastChange(ctx context.Context, change protocol.Change) error
	BroadcastFinish(ctx context.Context, finish protocol.Finish) error
}

// AuthorityLink is how a mirror reaches the authority. Errors are transport
// failures only; refusals come back as a reply Code.
type AuthorityLink interface {
	Advance(ctx context.Context, req protocol.AdvanceRequest) (protocol.AdvanceReply, error)
	Snapshot(ctx context.Context, req protocol.SnapshotRequest) (protocol.Snapshot, error)
	Finish(ctx context.Context, req protocol.FinishRequest) (protocol.FinishReply, error)
}

// Participant is the role-independent surface used by the HTTP API and CLI.
type Participant interface {
	ID() string
	RequestAdvance(ctx context.Context, dir protocol.Direction) (protocol.AdvanceReply, error)
	RequestFinish(ctx context.Context) error
	Status() Status
}

// Recorder receives timeline entries. Implementations must not block for long.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

const (
	EventSlideChanged      = "slide.changed"
	EventAdvanceClamped    = "advance.clamped"
	EventParticipantJoined = "participant.joined"
	EventSessionJoined     = "session.joined"
	EventSessionFinished   = "session.finished"
	EventStaleNotification = "notification.stale"
)

// Record is one timeline entry emitted by a participant.
type Record struct {
	SessionID   string
	Participant string
	Type        string
	Data        map[string]any
	At          time.Time
}

// State is the authority's transition state.
type State int

const (
	Idle State = iota
	Transitioning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Transitioning:
		return "transitioning"
	}
	return "unknown"
}

// Status is a point-in-time view of a participant's local state.
type Status struct {
	SessionID  string `json:"session_id"`
	NodeID     string `json:"node_id"`
	Role       string `json:"role"`
	Index      int    `json:"index"`
	Seq        uint64 `json:"seq"`
	SlideCount int    `json:"slide_count"`
	State      string `json:"state"`
	Finished   bool   `json:"finished"`
	Speaking   bool   `json:"speaking"`
}
