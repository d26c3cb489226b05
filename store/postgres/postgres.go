package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/otpauth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables the adapter reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS otpauth_profiles (
	subject_id           TEXT PRIMARY KEY,
	identity             TEXT NOT NULL UNIQUE,
	consumed_usage_units BIGINT NOT NULL DEFAULT 0,
	temp_password_hash   TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS otpauth_guest_records (
	id         UUID PRIMARY KEY,
	marker     TEXT NOT NULL,
	owner_id   TEXT REFERENCES otpauth_profiles (subject_id),
	payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS otpauth_guest_records_unowned
	ON otpauth_guest_records (marker) WHERE owner_id IS NULL;
`

const uniqueViolation = "23505"

// Adapter implements otpauth.ProfileStore and otpauth.GuestStore on a pgx pool.
type Adapter struct {
	pool *pgxpool.Pool
}

var (
	_ otpauth.ProfileStore = (*Adapter)(nil)
	_ otpauth.GuestStore   = (*Adapter)(nil)
)

func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{
		pool: pool,
	}
}

// Migrate applies Schema. It is safe to run on every start.
func (a *Adapter) Migrate(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (a *Adapter) GetByIdentity(ctx context.Context, identity string) (*otpauth.Profile, error) {
	q := `SELECT subject_id, identity, consumed_usage_units, created_at FROM otpauth_profiles WHERE identity = $1`
	return a.getProfile(ctx, q, identity)
}

func (a *Adapter) GetBySubject(ctx context.Context, subjectID string) (*otpauth.Profile, error) {
	q := `SELECT subject_id, identity, consumed_usage_units, created_at FROM otpauth_profiles WHERE subject_id = $1`
	return a.getProfile(ctx, q, subjectID)
}

func (a *Adapter) getProfile(ctx context.Context, q string, arg string) (*otpauth.Profile, error) {
	p := &otpauth.Profile{}
	err := a.pool.QueryRow(ctx, q, arg).Scan(&p.SubjectID, &p.Identity, &p.ConsumedUsageUnits, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, otpauth.ErrSubjectNotFound
		}
		return nil, err
	}
	return p, nil
}

func (a *Adapter) Create(ctx context.Context, profile otpauth.Profile) (*otpauth.Profile, error) {
	q := `INSERT INTO otpauth_profiles (subject_id, identity, consumed_usage_units)
	      VALUES ($1, $2, $3)
	      RETURNING created_at`

	out := profile
	err := a.pool.QueryRow(ctx, q, profile.SubjectID, profile.Identity, profile.ConsumedUsageUnits).Scan(&out.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, otpauth.ErrProfileExists
		}
		return nil, err
	}
	return &out, nil
}

// SetTemporaryPassword writes encodedHash only while the column is empty.
func (a *Adapter) SetTemporaryPassword(ctx context.Context, subjectID, encodedHash string) error {
	tag, err := a.pool.Exec(ctx,
		`UPDATE otpauth_profiles SET temp_password_hash = $2 WHERE subject_id = $1 AND temp_password_hash IS NULL`,
		subjectID, encodedHash,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := a.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM otpauth_profiles WHERE subject_id = $1)`, subjectID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return otpauth.ErrSubjectNotFound
	}
	return otpauth.ErrTemporaryPasswordSet
}

// AddUsage records consumed usage units. The total never drops below zero.
func (a *Adapter) AddUsage(ctx context.Context, subjectID string, units int64) error {
	tag, err := a.pool.Exec(ctx,
		`UPDATE otpauth_profiles SET consumed_usage_units = GREATEST(consumed_usage_units + $2, 0) WHERE subject_id = $1`,
		subjectID, units,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return otpauth.ErrSubjectNotFound
	}
	return nil
}

/*
====================================
GUEST RECORDS
====================================
*/

// AddGuestRecord stores an unowned record under marker.
func (a *Adapter) AddGuestRecord(ctx context.Context, id, marker string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO otpauth_guest_records (id, marker, payload) VALUES ($1, $2, $3)`,
		id, marker, payload,
	)
	return err
}

// Reparent moves the unowned records of marker to subjectID in one statement,
// so a retried merge never touches rows another subject already owns.
func (a *Adapter) Reparent(ctx context.Context, marker, subjectID string) (int, error) {
	tag, err := a.pool.Exec(ctx,
		`UPDATE otpauth_guest_records SET owner_id = $2 WHERE marker = $1 AND owner_id IS NULL`,
		marker, subjectID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CountOwned returns how many guest records subjectID owns.
func (a *Adapter) CountOwned(ctx context.Context, subjectID string) (int, error) {
	var n int
	err := a.pool.QueryRow(ctx, `SELECT count(*) FROM otpauth_guest_records WHERE owner_id = $1`, subjectID).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
