// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stacklok/grantkeeper/pkg/authserver/storage"
)

// Store implements storage.ClientStore and storage.LedgerStore on SQLite.
type Store struct {
	wrapper *DB
	db      *sql.DB
}

// NewStore creates a SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{wrapper: db, db: db.DB()}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.wrapper.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.wrapper.Health(ctx)
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.LedgerStore = (*Store)(nil)
)

const clientColumns = `id, client_id, client_id_issued_at, secret_hash, secret_issued_at, name, type,
	json(redirect_uris), json(cors_origins), json(scopes), official, owner_id, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c                                 storage.Client
		clientType                        string
		idIssued, secretIssued            int64
		created, updated                  int64
		redirectURIs, corsOrigins, scopes []byte
	)
	err := row.Scan(&c.ID, &c.ClientID, &idIssued, &c.SecretHash, &secretIssued, &c.Name, &clientType,
		&redirectURIs, &corsOrigins, &scopes, &c.Official, &c.OwnerID, &created, &updated, &c.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: client", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning client: %w", err)
	}

	c.Type = storage.ClientType(clientType)
	c.ClientIDIssuedAt = fromNanos(idIssued)
	c.SecretIssuedAt = fromNanos(secretIssued)
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	if c.RedirectURIs, err = decodeJSONB(redirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect uris: %w", err)
	}
	if c.CORSOrigins, err = decodeJSONB(corsOrigins); err != nil {
		return nil, fmt.Errorf("decoding cors origins: %w", err)
	}
	if c.Scopes, err = decodeJSONB(scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	return &c, nil
}

type clientLists struct {
	redirectURIs, corsOrigins, scopes string
}

func encodeClientLists(c *storage.Client) (clientLists, error) {
	var (
		out clientLists
		err error
	)
	if out.redirectURIs, err = encodeJSONB(c.RedirectURIs); err != nil {
		return out, fmt.Errorf("encoding redirect uris: %w", err)
	}
	if out.corsOrigins, err = encodeJSONB(c.CORSOrigins); err != nil {
		return out, fmt.Errorf("encoding cors origins: %w", err)
	}
	if out.scopes, err = encodeJSONB(c.Scopes); err != nil {
		return out, fmt.Errorf("encoding scopes: %w", err)
	}
	return out, nil
}

// CreateClient stores a new client and sets its Version to 1.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	lists, err := encodeClientLists(client)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (
			id, client_id, client_id_issued_at, secret_hash, secret_issued_at, name, type,
			redirect_uris, cors_origins, scopes, official, owner_id, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, jsonb(?), jsonb(?), jsonb(?), ?, ?, ?, ?, 1)`,
		client.ID, client.ClientID, toNanos(client.ClientIDIssuedAt), client.SecretHash,
		toNanos(client.SecretIssuedAt), client.Name, string(client.Type),
		lists.redirectURIs, lists.corsOrigins, lists.scopes, client.Official, client.OwnerID,
		toNanos(client.CreatedAt), toNanos(client.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: client", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting client: %w", err)
	}

	client.Version = 1
	return nil
}

// GetClient loads a client by internal ID.
func (s *Store) GetClient(ctx context.Context, id string) (*storage.Client, error) {
	return scanClient(s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id))
}

// GetClientByClientID loads a client by public client ID.
func (s *Store) GetClientByClientID(ctx context.Context, clientID string) (*storage.Client, error) {
	return scanClient(s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID))
}

func (s *Store) queryClients(ctx context.Context, query string, args ...any) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating client rows: %w", err)
	}
	return out, nil
}

// ListClientsByOwner returns the owner's clients, newest first.
func (s *Store) ListClientsByOwner(ctx context.Context, ownerID string) ([]*storage.Client, error) {
	return s.queryClients(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
}

// ListClientsByOrigin returns CLIENT type clients that allow origin.
func (s *Store) ListClientsByOrigin(ctx context.Context, origin string) ([]*storage.Client, error) {
	return s.queryClients(ctx, `SELECT `+clientColumns+` FROM clients
		WHERE type = ? AND EXISTS (SELECT 1 FROM json_each(cors_origins) WHERE value = ?)`,
		string(storage.ClientTypeClient), origin)
}

// UpdateClient replaces a client if its Version matches.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	lists, err := encodeClientLists(client)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET
			client_id = ?, client_id_issued_at = ?, secret_hash = ?, secret_issued_at = ?, name = ?, type = ?,
			redirect_uris = jsonb(?), cors_origins = jsonb(?), scopes = jsonb(?), official = ?, owner_id = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		client.ClientID, toNanos(client.ClientIDIssuedAt), client.SecretHash, toNanos(client.SecretIssuedAt),
		client.Name, string(client.Type), lists.redirectURIs, lists.corsOrigins, lists.scopes,
		client.Official, client.OwnerID, toNanos(client.UpdatedAt),
		client.ID, client.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: client_id %s", storage.ErrAlreadyExists, client.ClientID)
		}
		return fmt.Errorf("updating client: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		if _, err := s.GetClient(ctx, client.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: client %s changed concurrently", storage.ErrConflict, client.ID)
	}

	client.Version++
	return nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deleted rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: client", storage.ErrNotFound)
	}
	return nil
}
