package store

import (
	"context"
	"fmt"
	"time"
)

const DefaultActivityLimit = 20

type Activity struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Activities struct{ s *Store }

// Record appends one entry to the owner's activity log.
func (r *Activities) Record(ctx context.Context, owner, action, entity, entityID string) (Activity, error) {
	db := r.s.db
	now := r.s.nowMs()
	a := Activity{ID: newID(), Action: action, Entity: entity, EntityID: entityID, CreatedAt: fromMs(now)}
	if _, err := db.ExecContext(ctx, db.Bind(`INSERT INTO activities (id, owner, action, entity, entity_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`), a.ID, owner, a.Action, a.Entity, a.EntityID, now); err != nil {
		return Activity{}, fmt.Errorf("store: record activity: %w", err)
	}
	return a, nil
}

func (r *Activities) Recent(ctx context.Context, owner string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	db := r.s.db
	rows, err := db.QueryContext(ctx, db.Bind(`SELECT id, action, entity, entity_id, created_at FROM activities
WHERE owner = ? ORDER BY created_at DESC, id LIMIT ?`), owner, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent activities: %w", err)
	}
	defer rows.Close()
	out := []Activity{}
	for rows.Next() {
		var (
			a       Activity
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Action, &a.Entity, &a.EntityID, &created); err != nil {
			return nil, fmt.Errorf("store: scan activity: %w", err)
		}
		a.CreatedAt = fromMs(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent activities: %w", err)
	}
	return out, nil
}
