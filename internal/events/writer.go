package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Writer appends entries to the audit log.
type Writer struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

type EventPayload map[string]any

// Entry is a single audit record for Log.
type Entry struct {
	Action      string
	EntityKind  string
	EntityID    string
	ActorID     string
	Description string
	Payload     EventPayload
}

// Append writes an event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	ts, data, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, data)
	return err
}

// Log writes an audit entry outside any transaction. Failures are logged and dropped.
func (w Writer) Log(ctx context.Context, e Entry) {
	payload := EventPayload{}
	for k, v := range e.Payload {
		payload[k] = v
	}
	if e.Description != "" {
		payload["description"] = e.Description
	}
	ts, data, err := w.encode(payload)
	if err == nil {
		_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
			ts, e.Action, e.EntityKind, nullable(e.EntityID), e.ActorID, data)
	}
	if err != nil {
		w.logger().WarnContext(ctx, "audit log write failed", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}

func (w Writer) encode(payload EventPayload) (string, string, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal event payload: %w", err)
	}
	return now().UTC().Format(time.RFC3339), string(data), nil
}

func (w Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
