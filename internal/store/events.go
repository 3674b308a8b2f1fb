package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event categories.
const (
	CategorySession = "session"
	CategoryCommand = "command"
	CategoryDrone   = "drone"
)

// Event is an event_log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Level     string         `json:"level"`
	Actor     string         `json:"actor,omitempty"`
	DroneID   string         `json:"droneId,omitempty"`
	Action    string         `json:"action,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// LogEvent appends an event to the event log. Failures are logged only.
func (s *Store) LogEvent(category, level, actor, droneID, action, message string, details map[string]any) {
	var detailsJSON sql.NullString
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			detailsJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO event_log (timestamp, category, level, actor, drone_id, action, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now().UTC(), category, level, nullString(actor), nullString(droneID), nullString(action), message, detailsJSON)
	if err != nil {
		s.log.Error().Err(err).Str("category", category).Str("action", action).Msg("failed to log event")
	}
}

// RecentEvents returns the newest events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, category, level, actor, drone_id, action, message, details
		FROM event_log
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DroneEvents returns the newest events for one drone.
func (s *Store) DroneEvents(droneID string, limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, category, level, actor, drone_id, action, message, details
		FROM event_log
		WHERE drone_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, droneID, limit)
	if err != nil {
		return nil, fmt.Errorf("get drone events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var actor, droneID, action, detailsJSON sql.NullString

		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Category, &e.Level, &actor, &droneID, &action, &e.Message, &detailsJSON); err != nil {
			continue
		}
		e.Actor = actor.String
		e.DroneID = droneID.String
		e.Action = action.String
		if detailsJSON.Valid {
			_ = json.Unmarshal([]byte(detailsJSON.String), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CleanupOldEvents removes events older than the given duration.
func (s *Store) CleanupOldEvents(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result, err := s.db.Exec(`DELETE FROM event_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.log.Info().Int64("deleted", rows).Msg("cleaned up old events")
	}
	return rows, nil
}
