package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/resource-slot/pkg/sandbox"
)

const defaultJournalTimeout = 5 * time.Second

// EventJournal persists lifecycle events to SQLite. It is plugged into
// the event bus as its persistence layer.
type EventJournal struct {
	store   *SQLiteStore
	timeout time.Duration
	retry   RetryConfig
}

var _ sandbox.EventPersistence = (*EventJournal)(nil)

// NewEventJournal creates a journal on top of store
func NewEventJournal(store *SQLiteStore) *EventJournal {
	return &EventJournal{store: store, timeout: defaultJournalTimeout, retry: DefaultRetryConfig()}
}

// WithRetry replaces the retry policy applied to journal writes
func (j *EventJournal) WithRetry(config RetryConfig) *EventJournal {
	j.retry = config
	return j
}

// SaveEvent writes one event. Re-saving an id is a no-op.
func (j *EventJournal) SaveEvent(event sandbox.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	err := withRetry(ctx, j.retry, "save event", func(ctx context.Context) error {
		_, err := j.store.Exec(ctx, `
			INSERT OR IGNORE INTO lifecycle_events
				(id, type, severity, source, sandbox_id, container_id, message, timestamp, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, string(event.Type), string(event.Severity), event.Source,
			event.SandboxID, event.ContainerID, event.Message, event.Timestamp.UnixNano(), metadata)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save event %s: %w", event.ID, err)
	}
	return nil
}

// LoadEvents returns up to limit of the most recent events accepted by
// filter, oldest first. A nil filter accepts everything; limit <= 0
// returns all matches.
func (j *EventJournal) LoadEvents(filter sandbox.EventFilter, limit int) ([]sandbox.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	rows, err := j.store.Query(ctx, `
		SELECT id, type, severity, source, sandbox_id, container_id, message, timestamp, metadata
		FROM lifecycle_events
		ORDER BY timestamp ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []sandbox.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter(event) {
			continue
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// CleanupOldEvents deletes events older than the retention window
func (j *EventJournal) CleanupOldEvents(olderThan time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	cutoff := time.Now().Add(-olderThan).UnixNano()
	var result sql.Result
	err := withRetry(ctx, j.retry, "cleanup events", func(ctx context.Context) error {
		var err error
		result, err = j.store.Exec(ctx, "DELETE FROM lifecycle_events WHERE timestamp < ?", cutoff)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to cleanup events: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil || removed == 0 {
		return nil
	}
	log.Info().Int64("removed", removed).Dur("retention", olderThan).Msg("Cleaned up old lifecycle events")

	// a busy database only delays reclaiming space until the next cleanup
	if err := j.store.Vacuum(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to vacuum event journal")
	}
	return nil
}

// Count returns the number of stored events
func (j *EventJournal) Count(ctx context.Context) (int, error) {
	var count int
	if err := j.store.QueryRow(ctx, "SELECT COUNT(*) FROM lifecycle_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func scanEvent(rows *sql.Rows) (sandbox.Event, error) {
	var (
		event       sandbox.Event
		eventType   string
		severity    string
		source      sql.NullString
		containerID sql.NullString
		message     sql.NullString
		timestamp   int64
		metadata    sql.NullString
	)

	if err := rows.Scan(&event.ID, &eventType, &severity, &source, &event.SandboxID,
		&containerID, &message, &timestamp, &metadata); err != nil {
		return sandbox.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Type = sandbox.EventType(eventType)
	event.Severity = sandbox.EventSeverity(severity)
	event.Source = source.String
	event.ContainerID = containerID.String
	event.Message = message.String
	event.Timestamp = time.Unix(0, timestamp)

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to decode event metadata")
		}
	}

	return event, nil
}
