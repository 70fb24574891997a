package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailmirror/internal/models"
)

func (db *DB) FindMessageByExternalID(ctx context.Context, userID int64, externalID string) (*models.EmailMessage, error) {
	query := `SELECT id, user_id, external_id, thread_id, from_addr, to_addr, subject, snippet, labels, internal_at, created_at, updated_at
              FROM messages WHERE user_id = ? AND external_id = ?`
	var (
		m         models.EmailMessage
		labelsRaw string
	)
	err := db.QueryRowContext(ctx, query, userID, externalID).Scan(
		&m.ID, &m.UserID, &m.ExternalID, &m.ThreadID, &m.From, &m.To,
		&m.Subject, &m.Snippet, &labelsRaw, &m.InternalAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	if err := json.Unmarshal([]byte(labelsRaw), &m.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	return &m, nil
}

func (db *DB) InsertMessage(ctx context.Context, m *models.EmailMessage) error {
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	now := time.Now()
	query := `INSERT INTO messages (user_id, external_id, thread_id, from_addr, to_addr, subject, snippet, labels, internal_at, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		m.UserID, m.ExternalID, m.ThreadID, m.From, m.To, m.Subject, m.Snippet,
		string(labels), m.InternalAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	m.ID, _ = result.LastInsertId()
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (db *DB) UpdateMessage(ctx context.Context, m *models.EmailMessage) error {
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	query := `UPDATE messages SET thread_id = ?, from_addr = ?, to_addr = ?, subject = ?, snippet = ?, labels = ?, internal_at = ?, updated_at = ?
              WHERE user_id = ? AND external_id = ?`
	if _, err := db.ExecContext(ctx, query,
		m.ThreadID, m.From, m.To, m.Subject, m.Snippet, string(labels), m.InternalAt,
		time.Now(), m.UserID, m.ExternalID); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

func (db *DB) DeleteMessageByExternalID(ctx context.Context, userID int64, externalID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ? AND external_id = ?`, userID, externalID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (db *DB) FindContactByExternalID(ctx context.Context, userID int64, externalID string) (*models.Contact, error) {
	query := `SELECT id, user_id, external_id, name, email, phone, company, created_at, updated_at
              FROM contacts WHERE user_id = ? AND external_id = ?`
	var c models.Contact
	err := db.QueryRowContext(ctx, query, userID, externalID).Scan(
		&c.ID, &c.UserID, &c.ExternalID, &c.Name, &c.Email, &c.Phone, &c.Company,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact: %w", err)
	}
	return &c, nil
}

func (db *DB) InsertContact(ctx context.Context, c *models.Contact) error {
	now := time.Now()
	query := `INSERT INTO contacts (user_id, external_id, name, email, phone, company, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, c.UserID, c.ExternalID, c.Name, c.Email, c.Phone, c.Company, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert contact: %w", err)
	}
	c.ID, _ = result.LastInsertId()
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

func (db *DB) UpdateContact(ctx context.Context, c *models.Contact) error {
	query := `UPDATE contacts SET name = ?, email = ?, phone = ?, company = ?, updated_at = ?
              WHERE user_id = ? AND external_id = ?`
	if _, err := db.ExecContext(ctx, query, c.Name, c.Email, c.Phone, c.Company, time.Now(), c.UserID, c.ExternalID); err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	return nil
}

func (db *DB) FindEventByExternalID(ctx context.Context, userID int64, externalID string) (*models.CalendarEvent, error) {
	query := `SELECT id, user_id, external_id, title, starts_at, ends_at, location, created_at, updated_at
              FROM events WHERE user_id = ? AND external_id = ?`
	var e models.CalendarEvent
	err := db.QueryRowContext(ctx, query, userID, externalID).Scan(
		&e.ID, &e.UserID, &e.ExternalID, &e.Title, &e.StartsAt, &e.EndsAt, &e.Location,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	return &e, nil
}

func (db *DB) InsertEvent(ctx context.Context, e *models.CalendarEvent) error {
	now := time.Now()
	query := `INSERT INTO events (user_id, external_id, title, starts_at, ends_at, location, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, e.UserID, e.ExternalID, e.Title, e.StartsAt, e.EndsAt, e.Location, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

func (db *DB) UpdateEvent(ctx context.Context, e *models.CalendarEvent) error {
	query := `UPDATE events SET title = ?, starts_at = ?, ends_at = ?, location = ?, updated_at = ?
              WHERE user_id = ? AND external_id = ?`
	if _, err := db.ExecContext(ctx, query, e.Title, e.StartsAt, e.EndsAt, e.Location, time.Now(), e.UserID, e.ExternalID); err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

func (db *DB) DeleteEventByExternalID(ctx context.Context, userID int64, externalID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM events WHERE user_id = ? AND external_id = ?`, userID, externalID); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// CountMirror returns the live totals shown on the status surface.
func (db *DB) CountMirror(ctx context.Context, userID int64) (models.SyncCounts, error) {
	var counts models.SyncCounts

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID).Scan(&counts.Emails); err != nil {
		return counts, fmt.Errorf("failed to count messages: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE user_id = ?`, userID).Scan(&counts.Contacts); err != nil {
		return counts, fmt.Errorf("failed to count contacts: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE user_id = ?`, userID).Scan(&counts.Events); err != nil {
		return counts, fmt.Errorf("failed to count events: %w", err)
	}

	labels := make(map[string]struct{})
	rows, err := db.QueryContext(ctx, `SELECT labels FROM messages WHERE user_id = ?`, userID)
	if err != nil {
		return counts, fmt.Errorf("failed to count labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return counts, fmt.Errorf("failed to scan labels: %w", err)
		}
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			continue
		}
		for _, name := range names {
			labels[name] = struct{}{}
		}
	}
	counts.Labels = len(labels)
	return counts, rows.Err()
}
