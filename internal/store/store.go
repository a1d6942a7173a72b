// Package store is the pgx-backed relational data access layer: entity
// lookups for the graph resolver, the request-log batch insert, and the
// usage aggregation fallback.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/secret"
)

// Store wraps the connection pool and the secret box used to open stored
// credentials at load time.
type Store struct {
	pool *pgxpool.Pool
	box  *secret.Box
	log  *slog.Logger
}

// New parses dsn, applies the pool bounds, and verifies connectivity.
func New(ctx context.Context, dsn string, minConns, maxConns int32, box *secret.Box, log *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, box: box, log: log}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping probes the pool, used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) GetVirtualKey(ctx context.Context, id uuid.UUID) (entity.VirtualKey, bool, error) {
	var (
		vk        entity.VirtualKey
		limitsRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, alias, blocked, project_id, limits
		   FROM virtual_keys WHERE id = $1`, id).
		Scan(&vk.ID, &vk.Alias, &vk.Blocked, &vk.ProjectID, &limitsRaw)
	if err == pgx.ErrNoRows {
		return entity.VirtualKey{}, false, nil
	}
	if err != nil {
		return entity.VirtualKey{}, false, fmt.Errorf("store: virtual key: %w", err)
	}
	if err := decodeLimits(limitsRaw, &vk.Limits); err != nil {
		return entity.VirtualKey{}, false, err
	}
	return vk, true, nil
}

func (s *Store) GetDeploymentByName(ctx context.Context, name string) (entity.Deployment, bool, error) {
	var (
		dep       entity.Deployment
		limitsRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, access, strategy, limits
		   FROM deployments WHERE name = $1 ORDER BY id LIMIT 1`, name).
		Scan(&dep.ID, &dep.Name, &dep.Access, &dep.Strategy, &limitsRaw)
	if err == pgx.ErrNoRows {
		return entity.Deployment{}, false, nil
	}
	if err != nil {
		return entity.Deployment{}, false, fmt.Errorf("store: deployment: %w", err)
	}
	if err := decodeLimits(limitsRaw, &dep.Limits); err != nil {
		return entity.Deployment{}, false, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM deployments_connections_map
		  WHERE deployment_id = $1 ORDER BY id`, dep.ID)
	if err != nil {
		return entity.Deployment{}, false, fmt.Errorf("store: deployment links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var linkID uuid.UUID
		if err := rows.Scan(&linkID); err != nil {
			return entity.Deployment{}, false, fmt.Errorf("store: deployment links: %w", err)
		}
		dep.Connections = append(dep.Connections, linkID)
	}
	if err := rows.Err(); err != nil {
		return entity.Deployment{}, false, fmt.Errorf("store: deployment links: %w", err)
	}
	return dep, true, nil
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (entity.Project, bool, error) {
	var (
		p         entity.Project
		limitsRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, limits FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &limitsRaw)
	if err == pgx.ErrNoRows {
		return entity.Project{}, false, nil
	}
	if err != nil {
		return entity.Project{}, false, fmt.Errorf("store: project: %w", err)
	}
	if err := decodeLimits(limitsRaw, &p.Limits); err != nil {
		return entity.Project{}, false, err
	}
	return p, true, nil
}

func (s *Store) GetVirtualKeyDeployment(ctx context.Context, virtualKeyID, deploymentID uuid.UUID) (entity.VirtualKeyDeployment, bool, error) {
	var link entity.VirtualKeyDeployment
	err := s.pool.QueryRow(ctx,
		`SELECT virtual_key_id, deployment_id
		   FROM virtual_keys_deployments_map
		  WHERE virtual_key_id = $1 AND deployment_id = $2`,
		virtualKeyID, deploymentID).
		Scan(&link.VirtualKeyID, &link.DeploymentID)
	if err == pgx.ErrNoRows {
		return entity.VirtualKeyDeployment{}, false, nil
	}
	if err != nil {
		return entity.VirtualKeyDeployment{}, false, fmt.Errorf("store: key authorization: %w", err)
	}
	return link, true, nil
}

func (s *Store) GetConnectionDeployments(ctx context.Context, ids []uuid.UUID) ([]entity.ConnectionDeployment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, deployment_id, connection_id, weight
		   FROM deployments_connections_map WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: connection deployments: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]entity.ConnectionDeployment, len(ids))
	for rows.Next() {
		var cd entity.ConnectionDeployment
		if err := rows.Scan(&cd.ID, &cd.DeploymentID, &cd.ConnectionID, &cd.Weight); err != nil {
			return nil, fmt.Errorf("store: connection deployments: %w", err)
		}
		byID[cd.ID] = cd
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: connection deployments: %w", err)
	}

	// Preserve the requested order; missing ids shorten the result, which
	// the resolver treats as an inconsistency.
	out := make([]entity.ConnectionDeployment, 0, len(ids))
	for _, id := range ids {
		if cd, ok := byID[id]; ok {
			out = append(out, cd)
		}
	}
	return out, nil
}

func (s *Store) GetConnections(ctx context.Context, ids []uuid.UUID) ([]entity.Connection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider_variant, encrypted_key, key_salt,
		        input_token_price, output_token_price, limits
		   FROM connections WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: connections: %w", err)
	}
	defer rows.Close()

	var out []entity.Connection
	for rows.Next() {
		var (
			conn         entity.Connection
			variantRaw   []byte
			encryptedKey string
			salt         uuid.UUID
			limitsRaw    []byte
		)
		if err := rows.Scan(&conn.ID, &variantRaw, &encryptedKey, &salt,
			&conn.InputTokenPrice, &conn.OutputTokenPrice, &limitsRaw); err != nil {
			return nil, fmt.Errorf("store: connections: %w", err)
		}
		if err := json.Unmarshal(variantRaw, &conn.Variant); err != nil {
			return nil, fmt.Errorf("store: connection %s variant: %w", conn.ID, err)
		}
		if err := decodeLimits(limitsRaw, &conn.Limits); err != nil {
			return nil, err
		}
		key, err := s.box.Decrypt(encryptedKey, salt)
		if err != nil {
			return nil, fmt.Errorf("store: connection %s: %w", conn.ID, err)
		}
		conn.APIKey = key
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: connections: %w", err)
	}
	return out, nil
}

// CreateConnection seals the API key and inserts the row. Used by the admin
// surface and the dev seeder.
func (s *Store) CreateConnection(ctx context.Context, conn entity.Connection) error {
	if err := conn.Variant.Validate(); err != nil {
		return err
	}
	sealed, salt, err := s.box.Encrypt(conn.APIKey)
	if err != nil {
		return fmt.Errorf("store: create connection: %w", err)
	}
	variantRaw, err := json.Marshal(conn.Variant)
	if err != nil {
		return fmt.Errorf("store: create connection: %w", err)
	}
	limitsRaw, err := json.Marshal(conn.Limits)
	if err != nil {
		return fmt.Errorf("store: create connection: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO connections
		   (id, provider_variant, encrypted_key, key_salt,
		    input_token_price, output_token_price, limits)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conn.ID, variantRaw, sealed, salt,
		conn.InputTokenPrice, conn.OutputTokenPrice, limitsRaw)
	if err != nil {
		return fmt.Errorf("store: create connection: %w", err)
	}
	return nil
}

// CreateVirtualKey derives the key id from the plaintext, seals the key
// material, and inserts the row.
func (s *Store) CreateVirtualKey(ctx context.Context, plaintextKey, alias string, projectID uuid.UUID, limits entity.Limits) (uuid.UUID, error) {
	id := secret.VirtualKeyID(plaintextKey)
	sealed, salt, err := s.box.Encrypt(plaintextKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create virtual key: %w", err)
	}
	limitsRaw, err := json.Marshal(limits)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create virtual key: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO virtual_keys
		   (id, alias, blocked, project_id, encrypted_key, key_salt, limits)
		 VALUES ($1, $2, false, $3, $4, $5, $6)`,
		id, alias, projectID, sealed, salt, limitsRaw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create virtual key: %w", err)
	}
	return id, nil
}

func decodeLimits(raw []byte, into *entity.Limits) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("store: decode limits: %w", err)
	}
	return nil
}
