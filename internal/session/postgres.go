package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trillionclues/chronicle-backend/internal/apperrors"
	"github.com/trillionclues/chronicle-backend/internal/models"
)

// PostgresRepository stores each Session as a JSONB document with a version
// column for compare-and-save.
//
// Schema:
//
//	CREATE TABLE sessions (
//	    id         UUID PRIMARY KEY,
//	    join_code  TEXT NOT NULL UNIQUE,
//	    phase      TEXT NOT NULL,
//	    data       JSONB NOT NULL,
//	    version    BIGINT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository on the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, s *models.Session) error {
	s.Version = 1
	data, err := json.Marshal(s)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInfrastructure, "encode session", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO sessions (id, join_code, phase, data, version) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.JoinCode, string(s.Phase), data, s.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Wrap(apperrors.CodeConflict, "session or join code already exists", err)
		}
		return apperrors.Wrap(apperrors.CodeInfrastructure, "insert session", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT data, version FROM sessions WHERE id = $1`, id,
	), fmt.Sprintf("session %s", id))
}

func (r *PostgresRepository) GetByCode(ctx context.Context, code string) (*models.Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT data, version FROM sessions WHERE join_code = $1`, code,
	), fmt.Sprintf("session with code %s", code))
}

func (r *PostgresRepository) Save(ctx context.Context, s *models.Session) error {
	expected := s.Version
	s.Version = expected + 1
	data, err := json.Marshal(s)
	if err != nil {
		s.Version = expected
		return apperrors.Wrap(apperrors.CodeInfrastructure, "encode session", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET data = $1, phase = $2, version = $3, updated_at = now()
		 WHERE id = $4 AND version = $5`,
		data, string(s.Phase), s.Version, s.ID, expected,
	)
	if err != nil {
		s.Version = expected
		return apperrors.Wrap(apperrors.CodeInfrastructure, "update session", err)
	}
	if tag.RowsAffected() == 0 {
		s.Version = expected
		// Either the row is gone or another writer bumped the version.
		if _, getErr := r.Get(ctx, s.ID); apperrors.HasCode(getErr, apperrors.CodeNotFound) {
			return apperrors.Newf(apperrors.CodeNotFound, "session %s not found", s.ID)
		}
		return apperrors.Newf(apperrors.CodeConflict, "session %s modified concurrently", s.ID)
	}
	return nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, filter ListFilter) ([]*models.Session, error) {
	query := `SELECT data, version FROM sessions
	          WHERE data->'participants' @> $1`
	participant, err := json.Marshal([]map[string]string{{"user_id": userID}})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInfrastructure, "encode participant filter", err)
	}
	if filter.ActiveOnly {
		query += ` AND phase NOT IN ('finished', 'canceled')`
	} else if filter.FinishedOnly {
		query += ` AND phase = 'finished'`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := r.pool.Query(ctx, query, participant)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInfrastructure, "list sessions", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var (
			data    []byte
			version int64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInfrastructure, "scan session", err)
		}
		s, err := decode(data)
		if err != nil {
			return nil, err
		}
		s.Version = version
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInfrastructure, "iterate sessions", err)
	}
	return out, nil
}

func (r *PostgresRepository) scanOne(row pgx.Row, what string) (*models.Session, error) {
	var (
		data    []byte
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "%s not found", what)
		}
		return nil, apperrors.Wrap(apperrors.CodeInfrastructure, "query session", err)
	}
	s, err := decode(data)
	if err != nil {
		return nil, err
	}
	s.Version = version
	return s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
