package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/layer-3/wcsap/adapters/store/migrations"
	"github.com/layer-3/wcsap/core"
	"github.com/pressly/goose/v3"
)

// OpenPostgres opens a pgx backed *sql.DB and checks the connection
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// PostgresStore is a Postgres implementation of the challenge and session stores.
// Single-use semantics rely on DELETE ... RETURNING, which only one transaction can win.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	o := newOptions("", opts)
	return &PostgresStore{db: db, now: o.now}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = storeErr("commit transaction", cerr)
		}
	}()

	return fn(tx)
}

// Create stores a challenge
func (s *PostgresStore) Create(ctx context.Context, challenge *core.Challenge) error {
	query := `INSERT INTO challenges (id, identity, nonce, message, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		challenge.ID,
		challenge.Identity.String(),
		challenge.Nonce,
		challenge.Message,
		challenge.IssuedAt,
		challenge.ExpiresAt,
	)
	if err != nil {
		return storeErr("create challenge", err)
	}
	return nil
}

// Consume deletes and returns a challenge
func (s *PostgresStore) Consume(ctx context.Context, id string) (*core.Challenge, error) {
	query := `DELETE FROM challenges WHERE id = $1
		RETURNING identity, nonce, message, issued_at, expires_at`

	challenge := &core.Challenge{ID: id}
	var identity string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&identity,
		&challenge.Nonce,
		&challenge.Message,
		&challenge.IssuedAt,
		&challenge.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrChallengeInvalid
		}
		return nil, storeErr("consume challenge", err)
	}
	challenge.Identity = core.Identity(identity)

	if challenge.Expired(s.now()) {
		return nil, core.ErrChallengeInvalid
	}
	return challenge, nil
}

func insertPair(ctx context.Context, tx *sql.Tx, pair core.TokenPair) error {
	sessionHash := core.HashToken(pair.Session.Token)
	refreshHash := core.HashToken(pair.Refresh.Token)

	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, identity, refresh_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sessionHash, pair.Session.Identity.String(), refreshHash, pair.Session.IssuedAt, pair.Session.ExpiresAt,
	)
	if err != nil {
		return storeErr("insert session", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, identity, session_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		refreshHash, pair.Refresh.Identity.String(), sessionHash, pair.Refresh.IssuedAt, pair.Refresh.ExpiresAt,
	)
	if err != nil {
		return storeErr("insert refresh credential", err)
	}
	return nil
}

// Put records a session and its refresh credential in one transaction
func (s *PostgresStore) Put(ctx context.Context, pair core.TokenPair) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertPair(ctx, tx, pair)
	})
}

// Get returns a live session
func (s *PostgresStore) Get(ctx context.Context, sessionToken string) (*core.Session, error) {
	query := `SELECT identity, issued_at, expires_at FROM sessions WHERE token_hash = $1`

	session := &core.Session{Token: sessionToken}
	var identity string
	err := s.db.QueryRowContext(ctx, query, core.HashToken(sessionToken)).Scan(&identity, &session.IssuedAt, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSessionInvalid
		}
		return nil, storeErr("get session", err)
	}
	session.Identity = core.Identity(identity)

	if session.Expired(s.now()) {
		return nil, core.ErrSessionInvalid
	}
	return session, nil
}

// GetByRefresh returns a live refresh credential
func (s *PostgresStore) GetByRefresh(ctx context.Context, refreshToken string) (*core.RefreshCredential, error) {
	query := `SELECT identity, session_hash, issued_at, expires_at FROM refresh_tokens WHERE token_hash = $1`

	cred := &core.RefreshCredential{Token: refreshToken}
	var identity string
	err := s.db.QueryRowContext(ctx, query, core.HashToken(refreshToken)).Scan(&identity, &cred.SessionHash, &cred.IssuedAt, &cred.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRefreshInvalid
		}
		return nil, storeErr("get refresh credential", err)
	}
	cred.Identity = core.Identity(identity)

	if cred.Expired(s.now()) {
		return nil, core.ErrRefreshInvalid
	}
	return cred, nil
}

// Rotate deletes the old pair and inserts next in one transaction.
// An expired or mismatched old credential is still deleted.
func (s *PostgresStore) Rotate(ctx context.Context, oldRefreshToken string, next core.TokenPair) error {
	invalid := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var identity, sessionHash string
		var expiresAt time.Time
		err := tx.QueryRowContext(ctx,
			`DELETE FROM refresh_tokens WHERE token_hash = $1 RETURNING identity, session_hash, expires_at`,
			core.HashToken(oldRefreshToken),
		).Scan(&identity, &sessionHash, &expiresAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrRefreshInvalid
			}
			return storeErr("delete refresh credential", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, sessionHash); err != nil {
			return storeErr("delete session", err)
		}

		if !s.now().Before(expiresAt) || core.Identity(identity) != next.Session.Identity {
			invalid = true
			return nil
		}

		return insertPair(ctx, tx, next)
	})
	if err != nil {
		return err
	}
	if invalid {
		return core.ErrRefreshInvalid
	}
	return nil
}

// Revoke removes a session and its refresh credential
func (s *PostgresStore) Revoke(ctx context.Context, sessionToken string) error {
	query := `WITH s AS (DELETE FROM sessions WHERE token_hash = $1 RETURNING refresh_hash)
		DELETE FROM refresh_tokens WHERE token_hash IN (SELECT refresh_hash FROM s)`

	if _, err := s.db.ExecContext(ctx, query, core.HashToken(sessionToken)); err != nil {
		return storeErr("revoke session", err)
	}
	return nil
}

// RevokeAll removes every session of an identity
func (s *PostgresStore) RevokeAll(ctx context.Context, identity core.Identity) (int, error) {
	query := `WITH s AS (DELETE FROM sessions WHERE identity = $1 RETURNING refresh_hash, expires_at),
		r AS (DELETE FROM refresh_tokens WHERE token_hash IN (SELECT refresh_hash FROM s))
		SELECT count(*) FROM s WHERE expires_at > $2`

	var live int
	if err := s.db.QueryRowContext(ctx, query, identity.String(), s.now()).Scan(&live); err != nil {
		return 0, storeErr("revoke all sessions", err)
	}
	return live, nil
}

// DeleteExpired removes expired challenges and pairs whose refresh credential expired.
// Returns the number of rows deleted across challenges, refresh_tokens and sessions.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int, error) {
	now := s.now()
	total := 0

	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, storeErr("delete expired challenges", err)
	}
	n, _ := res.RowsAffected()
	total += int(n)

	var pairs int
	err = s.db.QueryRowContext(ctx,
		`WITH r AS (DELETE FROM refresh_tokens WHERE expires_at <= $1 RETURNING session_hash),
		s AS (DELETE FROM sessions WHERE token_hash IN (SELECT session_hash FROM r) RETURNING token_hash)
		SELECT (SELECT count(*) FROM r) + (SELECT count(*) FROM s)`, now).Scan(&pairs)
	if err != nil {
		return total, storeErr("delete expired sessions", err)
	}

	return total + pairs, nil
}
