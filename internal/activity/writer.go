package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"tracklane/internal/domain"
)

// Writer appends entries to the activity ledger. The ledger is best-effort
// observability, not a write-ahead log: Append completes synchronously so
// the entry exists before the triggering response returns, but a failed
// append is logged and never fails or rolls back the mutation it describes.
type Writer struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *log.Logger
}

type Detail map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Append writes one ledger row. Fire-and-forget from the caller's view.
func (w Writer) Append(ctx context.Context, entityType, entityID string, actor domain.Actor, action string, detail Detail) {
	if detail == nil {
		detail = Detail{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		w.logger().Printf("activity: marshal detail for %s %s/%s: %v", action, entityType, entityID, err)
		data = []byte("{}")
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err = w.DB.ExecContext(ctx, `INSERT INTO activity_log(entity_type,entity_id,actor_type,actor_id,action,detail_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		entityType, entityID, actor.Type, actor.ID, action, string(data), ts)
	if err != nil {
		w.logger().Printf("activity: append %s %s/%s: %v", action, entityType, entityID, err)
	}
}
