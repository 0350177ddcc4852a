// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
)

const grantColumns = `id, user_id, client_ref, json(scopes), state, granted_at, updated_at, ended_at, revoked_at, metadata`

const eventColumns = `id, grant_id, seq, type, timestamp, json(scopes), metadata`

func scanGrant(row rowScanner) (*storage.Grant, error) {
	var (
		g                                storage.Grant
		state                            string
		scopes                           []byte
		metadata                         string
		granted, updated, ended, revoked int64
	)
	err := row.Scan(&g.ID, &g.UserID, &g.ClientRef, &scopes, &state, &granted, &updated, &ended, &revoked, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: grant", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning grant: %w", err)
	}

	g.State = storage.GrantState(state)
	g.GrantedAt = fromNanos(granted)
	g.UpdatedAt = fromNanos(updated)
	g.EndedAt = fromNanos(ended)
	g.RevokedAt = fromNanos(revoked)
	if g.Scopes, err = decodeJSONB(scopes); err != nil {
		return nil, fmt.Errorf("decoding grant scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &g.Metadata); err != nil {
		return nil, fmt.Errorf("decoding grant metadata: %w", err)
	}
	return &g, nil
}

func scanEvent(row rowScanner) (*storage.Event, error) {
	var (
		e         storage.Event
		eventType string
		ts        int64
		scopes    []byte
		metadata  string
	)
	err := row.Scan(&e.ID, &e.GrantID, &e.Seq, &eventType, &ts, &scopes, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: event", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning event: %w", err)
	}

	e.Type = storage.EventType(eventType)
	e.Timestamp = fromNanos(ts)
	if e.Scopes, err = decodeJSONB(scopes); err != nil {
		return nil, fmt.Errorf("decoding event scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decoding event metadata: %w", err)
	}
	return &e, nil
}

func insertGrant(ctx context.Context, tx *sql.Tx, g *storage.Grant) error {
	scopes, err := encodeJSONB(g.Scopes)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(g.Metadata)
	if err != nil {
		return fmt.Errorf("encoding grant metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO grants (id, user_id, client_ref, scopes, state, granted_at, updated_at, ended_at, revoked_at, metadata)
		VALUES (?, ?, ?, jsonb(?), ?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.ClientRef, scopes, string(g.State),
		toNanos(g.GrantedAt), toNanos(g.UpdatedAt), toNanos(g.EndedAt), toNanos(g.RevokedAt), string(metadata),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: grant for user and client", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *storage.Event) error {
	scopes, err := encodeJSONB(e.Scopes)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding event metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO grant_events (id, grant_id, seq, type, timestamp, scopes, metadata)
		VALUES (?, ?, ?, ?, ?, jsonb(?), ?)`,
		e.ID, e.GrantID, e.Seq, string(e.Type), toNanos(e.Timestamp), scopes, string(metadata),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event seq %d of grant %s", storage.ErrConflict, e.Seq, e.GrantID)
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func createGrantTx(ctx context.Context, tx *sql.Tx, grant *storage.Grant, first *storage.Event) error {
	if first.Seq != 1 || first.GrantID != grant.ID {
		return fmt.Errorf("%w: first event must have seq 1 for grant %s", storage.ErrConflict, grant.ID)
	}
	if err := insertGrant(ctx, tx, grant); err != nil {
		return err
	}
	return insertEvent(ctx, tx, first)
}

// CreateGrant stores a new grant and its first event.
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant, first *storage.Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return createGrantTx(ctx, tx, grant, first)
	})
}

// SupersedeGrant ends oldID and creates next in one transaction.
func (s *Store) SupersedeGrant(
	ctx context.Context, oldID string, endedAt time.Time, next *storage.Grant, first *storage.Event,
) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE grants SET state = ?, ended_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(storage.GrantSuperseded), toNanos(endedAt), toNanos(endedAt), oldID, string(storage.GrantActive))
		if err != nil {
			return fmt.Errorf("superseding grant: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking superseded rows: %w", err)
		}
		if n == 0 {
			if _, err := scanGrant(tx.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, oldID)); err != nil {
				return err
			}
			return fmt.Errorf("%w: grant %s is no longer active", storage.ErrConflict, oldID)
		}
		return createGrantTx(ctx, tx, next, first)
	})
}

// AppendEvent stores event and the updated grant in one transaction.
func (s *Store) AppendEvent(ctx context.Context, grant *storage.Grant, event *storage.Event) error {
	scopes, err := encodeJSONB(grant.Scopes)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(grant.Metadata)
	if err != nil {
		return fmt.Errorf("encoding grant metadata: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var last int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM grant_events WHERE grant_id = ?`, grant.ID).Scan(&last)
		if err != nil {
			return fmt.Errorf("reading last event: %w", err)
		}
		if event.Seq != last+1 {
			return fmt.Errorf("%w: event seq %d does not follow %d", storage.ErrConflict, event.Seq, last)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE grants SET scopes = jsonb(?), state = ?, updated_at = ?, ended_at = ?, revoked_at = ?, metadata = ?
			WHERE id = ?`,
			scopes, string(grant.State), toNanos(grant.UpdatedAt), toNanos(grant.EndedAt), toNanos(grant.RevokedAt),
			string(metadata), grant.ID)
		if err != nil {
			return fmt.Errorf("updating grant: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("checking updated rows: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: grant", storage.ErrNotFound)
		}

		return insertEvent(ctx, tx, event)
	})
}

// GetGrant loads a grant.
func (s *Store) GetGrant(ctx context.Context, id string) (*storage.Grant, error) {
	return scanGrant(s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
}

// GetActiveGrant loads the active grant of a user for a client.
func (s *Store) GetActiveGrant(ctx context.Context, userID, clientRef string) (*storage.Grant, error) {
	return scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE user_id = ? AND client_ref = ? AND state = ?`,
		userID, clientRef, string(storage.GrantActive)))
}

func (s *Store) queryGrants(ctx context.Context, query string, args ...any) ([]*storage.Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grant rows: %w", err)
	}
	return out, nil
}

// ListGrantsByUser returns the user's grants, newest first.
func (s *Store) ListGrantsByUser(ctx context.Context, userID string) ([]*storage.Grant, error) {
	return s.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE user_id = ? ORDER BY granted_at DESC, id`, userID)
}

// ListActiveGrantsByClient returns a client's active grants.
func (s *Store) ListActiveGrantsByClient(ctx context.Context, clientRef string) ([]*storage.Grant, error) {
	return s.queryGrants(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE client_ref = ? AND state = ?`,
		clientRef, string(storage.GrantActive))
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*storage.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return out, nil
}

// LastEvent returns the latest event of a grant.
func (s *Store) LastEvent(ctx context.Context, grantID string) (*storage.Event, error) {
	return scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM grant_events WHERE grant_id = ? ORDER BY seq DESC LIMIT 1`, grantID))
}

// ListEvents returns a page of a grant's events in Seq order.
func (s *Store) ListEvents(ctx context.Context, grantID string, afterSeq int64, limit int) ([]*storage.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM grant_events WHERE grant_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		grantID, afterSeq, limit)
}

// ListEventsByUser returns events of the user's grants, newest first.
func (s *Store) ListEventsByUser(ctx context.Context, userID, clientRef string) ([]*storage.Event, error) {
	query := `SELECT e.id, e.grant_id, e.seq, e.type, e.timestamp, json(e.scopes), e.metadata
		FROM grant_events e JOIN grants g ON g.id = e.grant_id
		WHERE g.user_id = ?`
	args := []any{userID}
	if clientRef != "" {
		query += ` AND g.client_ref = ?`
		args = append(args, clientRef)
	}
	query += ` ORDER BY e.timestamp DESC, e.grant_id DESC, e.seq DESC`
	return s.queryEvents(ctx, query, args...)
}
