package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tokend.org/internal/ids"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on an embedded SQLite database. Intended for
// single-node deployments and local development; schema is created on open.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) a SQLite database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteSchema = `
create table if not exists services (
	id                  text primary key,
	short_name          text not null unique,
	enabled             integer not null default 1,
	required_capability text,
	restricted          integer not null default 0
);
create table if not exists tokens (
	id             text primary key,
	value          text not null unique,
	user_id        text not null,
	service_id     text not null references services(id),
	session_id     text,
	ip_restriction text,
	token_type     text not null,
	created_at     timestamp not null,
	last_access_at timestamp,
	valid_until    timestamp
);
create index if not exists idx_tokens_user_service on tokens(user_id, service_id, token_type);
create table if not exists authorized_users (
	service_id     text not null references services(id),
	user_id        text not null,
	valid_until    timestamp,
	ip_restriction text,
	primary key (service_id, user_id)
);`

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Tokens(ctx context.Context) TokenStore     { return &liteTokens{db: s.db} }
func (s *SQLiteStore) Services(ctx context.Context) ServiceStore { return &liteServices{db: s.db} }
func (s *SQLiteStore) AuthorizedUsers(ctx context.Context) AuthorizedUserStore {
	return &liteGrants{db: s.db}
}

// SeedService inserts or replaces a service row. Used by startup seeding.
func (s *SQLiteStore) SeedService(ctx context.Context, svc Service) (Service, error) {
	if svc.ID == "" {
		svc.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into services(id, short_name, enabled, required_capability, restricted)
		values (?,?,?,nullif(?,''),?)
		on conflict(short_name) do update set
			enabled=excluded.enabled,
			required_capability=excluded.required_capability,
			restricted=excluded.restricted`,
		svc.ID, svc.ShortName, svc.Enabled, svc.RequiredCapability, svc.Restricted)
	return svc, err
}

type liteTokens struct{ db *sql.DB }

func (s *liteTokens) FindCandidates(ctx context.Context, userID, serviceID string) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, value, user_id, service_id, coalesce(session_id,''),
		       coalesce(ip_restriction,''), created_at, last_access_at, valid_until
		  from tokens
		 where user_id=? and service_id=? and token_type=?
		 order by created_at asc`,
		userID, serviceID, tokenTypePermanent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var (
			tok        Token
			lastAccess sql.NullTime
			validUntil sql.NullTime
		)
		if err := rows.Scan(&tok.ID, &tok.Value, &tok.UserID, &tok.ServiceID,
			&tok.SessionID, &tok.IPRestriction, &tok.CreatedAt, &lastAccess, &validUntil); err != nil {
			return nil, err
		}
		if lastAccess.Valid {
			tok.LastAccessAt = lastAccess.Time
		}
		if validUntil.Valid {
			tok.ValidUntil = validUntil.Time
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *liteTokens) Insert(ctx context.Context, tok *Token) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tokens(id, value, user_id, service_id, session_id,
		                   ip_restriction, token_type, created_at, valid_until)
		values (?,?,?,?,nullif(?,''),nullif(?,''),?,?,?)`,
		tok.ID, tok.Value, tok.UserID, tok.ServiceID, tok.SessionID,
		tok.IPRestriction, tokenTypePermanent, tok.CreatedAt, nullTime(tok.ValidUntil))
	if isSQLiteUnique(err) {
		return fmt.Errorf("%w: value already issued", ErrConflict)
	}
	return err
}

func (s *liteTokens) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from tokens where id=?`, id)
	return err
}

func (s *liteTokens) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `delete from tokens where session_id=?`, sessionID)
	return err
}

func (s *liteTokens) DeleteByValue(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from tokens where value=? and token_type=?`, value, tokenTypePermanent)
	return err
}

func (s *liteTokens) TouchLastAccess(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `update tokens set last_access_at=? where id=?`, now, id)
	return err
}

type liteServices struct{ db *sql.DB }

func (s *liteServices) FindByShortName(ctx context.Context, shortName string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, short_name, enabled, coalesce(required_capability,''), restricted
		  from services where short_name=?`, shortName)
	var svc Service
	if err := row.Scan(&svc.ID, &svc.ShortName, &svc.Enabled, &svc.RequiredCapability, &svc.Restricted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &svc, nil
}

type liteGrants struct{ db *sql.DB }

func (s *liteGrants) Find(ctx context.Context, serviceID, userID string) (*AuthorizedUser, error) {
	row := s.db.QueryRowContext(ctx, `
		select service_id, user_id, valid_until, coalesce(ip_restriction,'')
		  from authorized_users where service_id=? and user_id=?`, serviceID, userID)
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

// isSQLiteUnique matches the driver's unique-constraint error text. The
// modernc driver wraps SQLITE_CONSTRAINT_UNIQUE without an exported type
// usable via errors.As across versions.
func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
