package protocol

import (
	"fmt"
	"time"
)

// Direction is an advance intent. Participants never send absolute indices.
type Direction string

const (
	Next     Direction = "next"
	Previous Direction = "previous"
)

// ParseDirection accepts the wire names plus the short forms used by the CLI.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "next", "n", "forward":
		return Next, nil
	case "previous", "prev", "p", "back":
		return Previous, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Delta is the index offset for the direction.
func (d Direction) Delta() int {
	switch d {
	case Next:
		return 1
	case Previous:
		return -1
	}
	return 0
}

// Code is a machine readable reply status carried across the bus.
type Code string

const (
	CodeOK          Code = ""
	CodeFinished    Code = "SESSION_FINISHED"
	CodeBadRequest  Code = "BAD_REQUEST"
	CodeUnavailable Code = "UNAVAILABLE"
)

// Change is broadcast by the authority after every effective transition.
type Change struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Old       int       `json:"old"`
	New       int       `json:"new"`
	Timestamp time.Time `json:"timestamp"`
}

// AdvanceRequest asks the authority to move the session one slide.
type AdvanceRequest struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	RequestID string    `json:"request_id,omitempty"`
	Direction Direction `json:"direction"`
}

// AdvanceReply reports the authority's index after handling a request.
// Changed is false for clamped (out of range) requests.
type AdvanceReply struct {
	Index   int    `json:"index"`
	Seq     uint64 `json:"seq"`
	Changed bool   `json:"changed"`
	Code    Code   `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SnapshotRequest is sent by a participant joining the session.
type SnapshotRequest struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	Role      string `json:"role,omitempty"`
}

// Snapshot is the full current state used for late join and resync.
type Snapshot struct {
	SessionID  string `json:"session_id"`
	Index      int    `json:"index"`
	Seq        uint64 `json:"seq"`
	SlideCount int    `json:"slide_count"`
	DeckDigest string `json:"deck_digest,omitempty"`
	Finished   bool   `json:"finished"`
	Code       Code   `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Finish is broadcast when the authority ends the lecture.
type Finish struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// FinishRequest asks the authority to end the lecture.
type FinishRequest struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
}

type FinishReply struct {
	Finished bool   `json:"finished"`
	Code     Code   `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AudioChunk carries synthesized narration PCM for one participant.
type AudioChunk struct {
	SessionID   string `json:"session_id"`
	Participant string `json:"participant"`
	Utterance   string `json:"utterance"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Sequence    int    `json:"sequence"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

// NarrationStatus is published when an utterance ends.
type NarrationStatus struct {
	SessionID   string    `json:"session_id"`
	Participant string    `json:"participant"`
	Utterance   string    `json:"utterance"`
	Completed   bool      `json:"completed"`
	Cancelled   bool      `json:"cancelled"`
	Timestamp   time.Time `json:"timestamp"`
}
