package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-lecture/internal/session"
)

// Recorder persists session timeline entries.
type Recorder struct {
	store *Store
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Record(ctx context.Context, rec session.Record) error {
	var payload []byte
	if len(rec.Data) > 0 {
		data, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", rec.Type, err)
		}
		payload = data
	}
	if err := r.store.AppendEvent(ctx, Event{
		SessionID:   rec.SessionID,
		Participant: rec.Participant,
		Type:        rec.Type,
		Payload:     payload,
		CreatedAt:   rec.At,
	}); err != nil {
		return err
	}

	switch rec.Type {
	case session.EventParticipantJoined:
		participant, _ := rec.Data["participant"].(string)
		role, _ := rec.Data["role"].(string)
		if participant == "" {
			return nil
		}
		return r.store.RecordJoin(ctx, Attendance{SessionID: rec.SessionID, Participant: participant, Role: role, JoinedAt: rec.At})
	case session.EventSessionFinished:
		return r.store.FinishSession(ctx, rec.SessionID, rec.At)
	}
	return nil
}
