package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokend.org/internal/ids"
)

const tokenTypePermanent = "permanent"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an existing database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// OpenPG opens a pooled PostgreSQL connection.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

// DB exposes the handle for readiness probes and migrations.
func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Tokens(ctx context.Context) TokenStore     { return &pgTokens{db: s.db} }
func (s *PGStore) Services(ctx context.Context) ServiceStore { return &pgServices{db: s.db} }
func (s *PGStore) AuthorizedUsers(ctx context.Context) AuthorizedUserStore {
	return &pgGrants{db: s.db}
}

// Token store -------------------------------------------------------------
type pgTokens struct{ db *sql.DB }

func (s *pgTokens) FindCandidates(ctx context.Context, userID, serviceID string) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, value, user_id, service_id, session_id, ip_restriction,
		       created_at, last_access_at, valid_until
		  from tokens
		 where user_id=$1 and service_id=$2 and token_type=$3
		 order by created_at asc`,
		userID, serviceID, tokenTypePermanent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func scanToken(rows *sql.Rows) (Token, error) {
	var (
		tok        Token
		sessionID  sql.NullString
		ipRestrict sql.NullString
		lastAccess sql.NullTime
		validUntil sql.NullTime
	)
	if err := rows.Scan(&tok.ID, &tok.Value, &tok.UserID, &tok.ServiceID,
		&sessionID, &ipRestrict, &tok.CreatedAt, &lastAccess, &validUntil); err != nil {
		return Token{}, err
	}
	tok.SessionID = sessionID.String
	tok.IPRestriction = ipRestrict.String
	if lastAccess.Valid {
		tok.LastAccessAt = lastAccess.Time
	}
	if validUntil.Valid {
		tok.ValidUntil = validUntil.Time
	}
	return tok, nil
}

func (s *pgTokens) Insert(ctx context.Context, tok *Token) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tokens(id, value, user_id, service_id, session_id,
		                   ip_restriction, token_type, created_at, valid_until)
		values ($1,$2,$3,$4,nullif($5,''),nullif($6,''),$7,$8,$9)`,
		tok.ID, tok.Value, tok.UserID, tok.ServiceID, tok.SessionID,
		tok.IPRestriction, tokenTypePermanent, tok.CreatedAt, nullTime(tok.ValidUntil))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: value already issued", ErrConflict)
	}
	return err
}

func (s *pgTokens) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from tokens where id=$1`, id)
	return err
}

func (s *pgTokens) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `delete from tokens where session_id=$1`, sessionID)
	return err
}

func (s *pgTokens) DeleteByValue(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from tokens where value=$1 and token_type=$2`, value, tokenTypePermanent)
	return err
}

func (s *pgTokens) TouchLastAccess(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `update tokens set last_access_at=$2 where id=$1`, id, now)
	return err
}

// Service registry --------------------------------------------------------
type pgServices struct{ db *sql.DB }

func (s *pgServices) FindByShortName(ctx context.Context, shortName string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, short_name, enabled, coalesce(required_capability,''), restricted
		  from services where short_name=$1`, shortName)
	var svc Service
	if err := row.Scan(&svc.ID, &svc.ShortName, &svc.Enabled, &svc.RequiredCapability, &svc.Restricted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &svc, nil
}

// Allow-list grants --------------------------------------------------------
type pgGrants struct{ db *sql.DB }

func (s *pgGrants) Find(ctx context.Context, serviceID, userID string) (*AuthorizedUser, error) {
	row := s.db.QueryRowContext(ctx, `
		select service_id, user_id, valid_until, coalesce(ip_restriction,'')
		  from authorized_users where service_id=$1 and user_id=$2`, serviceID, userID)
	var (
		grant      AuthorizedUser
		validUntil sql.NullTime
	)
	if err := row.Scan(&grant.ServiceID, &grant.UserID, &validUntil, &grant.IPRestriction); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if validUntil.Valid {
		grant.ValidUntil = validUntil.Time
	}
	return &grant, nil
}

// --- helpers ---

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
