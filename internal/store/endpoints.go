// internal/store/endpoints.go
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/FairForge/replimon/internal/session"
)

// UpsertEndpoint inserts or updates an endpoint by id.
func (p *Postgres) UpsertEndpoint(ctx context.Context, e *Endpoint) error {
	query := `INSERT INTO endpoints (id, name, model, serial, base_url, endpoint_type, auth_status, monitored)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			serial = EXCLUDED.serial,
			base_url = EXCLUDED.base_url,
			endpoint_type = EXCLUDED.endpoint_type,
			auth_status = EXCLUDED.auth_status,
			updated_at = NOW()`

	_, err := p.db.ExecContext(ctx, query,
		e.ID, e.Name, e.Model, e.Serial, e.BaseURL, e.Type, e.AuthStatus, e.Monitored)
	if err != nil {
		return fmt.Errorf("store: upsert endpoint %s: %w", e.ID, err)
	}
	return nil
}

// ListEndpoints returns all endpoints of the given type; pass "" for
// every type. Only monitored endpoints are returned when monitoredOnly
// is set.
func (p *Postgres) ListEndpoints(ctx context.Context, endpointType string, monitoredOnly bool) ([]Endpoint, error) {
	query := `SELECT id, name, COALESCE(model, ''), COALESCE(serial, ''), base_url,
			endpoint_type, auth_status, monitored, created_at, updated_at
		FROM endpoints
		WHERE ($1 = '' OR endpoint_type = $1) AND (NOT $2 OR monitored)
		ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, endpointType, monitoredOnly)
	if err != nil {
		return nil, fmt.Errorf("store: list endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var endpoints []Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.ID, &e.Name, &e.Model, &e.Serial, &e.BaseURL,
			&e.Type, &e.AuthStatus, &e.Monitored, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// GetEndpoint returns one endpoint by id or ErrNotFound.
func (p *Postgres) GetEndpoint(ctx context.Context, endpointID string) (Endpoint, error) {
	query := `SELECT id, name, COALESCE(model, ''), COALESCE(serial, ''), base_url,
			endpoint_type, auth_status, monitored, created_at, updated_at
		FROM endpoints WHERE id = $1`

	var e Endpoint
	err := p.db.QueryRowContext(ctx, query, endpointID).Scan(
		&e.ID, &e.Name, &e.Model, &e.Serial, &e.BaseURL,
		&e.Type, &e.AuthStatus, &e.Monitored, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return Endpoint{}, ErrNotFound
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("store: get endpoint %s: %w", endpointID, err)
	}
	return e, nil
}

// SetEndpointAuthStatus records the last authentication outcome.
func (p *Postgres) SetEndpointAuthStatus(ctx context.Context, endpointID, status string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE endpoints SET auth_status = $2, updated_at = NOW() WHERE id = $1`,
		endpointID, status)
	if err != nil {
		return fmt.Errorf("store: set auth status for %s: %w", endpointID, err)
	}
	return nil
}

// SaveCredentials stores (or replaces) credentials for an endpoint.
// Encryption at rest belongs to the surrounding application; this
// layer only persists what it is given.
func (p *Postgres) SaveCredentials(ctx context.Context, endpointID, username, password string, validated bool) error {
	query := `INSERT INTO endpoint_credentials (endpoint_id, username, password, validated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (endpoint_id) DO UPDATE SET
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			validated = EXCLUDED.validated,
			updated_at = NOW()`

	_, err := p.db.ExecContext(ctx, query, endpointID, username, password, validated)
	if err != nil {
		return fmt.Errorf("store: save credentials for %s: %w", endpointID, err)
	}
	return nil
}

// Lookup implements session.CredentialSource: it returns validated
// credentials for the endpoint or session.ErrCredentialsNotFound.
func (p *Postgres) Lookup(ctx context.Context, endpointID string) (session.Credential, error) {
	query := `SELECT e.base_url, c.username, c.password
		FROM endpoint_credentials c
		JOIN endpoints e ON e.id = c.endpoint_id
		WHERE c.endpoint_id = $1 AND c.validated`

	var cred session.Credential
	cred.EndpointID = endpointID
	err := p.db.QueryRowContext(ctx, query, endpointID).Scan(
		&cred.BaseURL, &cred.Username, &cred.Password)
	if err == sql.ErrNoRows {
		return session.Credential{}, session.ErrCredentialsNotFound
	}
	if err != nil {
		return session.Credential{}, fmt.Errorf("store: lookup credentials for %s: %w", endpointID, err)
	}
	return cred, nil
}
