// Package pg implements store.Backend on PostgreSQL through database/sql and
// the pgx stdlib driver. Change notifications are emitted by table triggers
// (see migrations) rather than by this package.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vetsync.org/internal/model"
	"vetsync.org/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// credentialLockKey is the advisory lock guarding token refresh.
const credentialLockKey int64 = 0x6768_6c5f_7265_6672

type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(30)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Credentials() store.CredentialStore     { return credentials{s.db} }
func (s *Store) SubAccounts() store.SubAccountStore     { return subAccounts{s.db} }
func (s *Store) Mappings() store.MappingStore           { return mappings{s.db} }
func (s *Store) Clients() store.ClientStore             { return clients{s.db} }
func (s *Store) SyncLogs() store.SyncLogStore           { return syncLogs{s.db} }
func (s *Store) Organizations() store.OrganizationStore { return organizations{s.db} }
func (s *Store) Clinics() store.ClinicStore             { return clinics{s.db} }
func (s *Store) Users() store.UserStore                 { return users{s.db} }
func (s *Store) Products() store.ProductStore           { return products{s.db} }
func (s *Store) Grants() store.GrantStore               { return grants{s.db} }
func (s *Store) Appointments() store.AppointmentStore   { return appointments{s.db} }
func (s *Store) DataSync() store.DataSyncStore          { return dataSync{s.db} }

// applyPatch issues an update of the whitelisted columns of a single row.
func applyPatch(ctx context.Context, db *sql.DB, table, id string, patch store.Patch, allowed []string) error {
	if err := store.ValidatePatch(patch, allowed); err != nil {
		return err
	}
	cols := make([]string, 0, len(patch))
	for col := range patch {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var (
		setClauses []string
		args       []any
	)
	for i, col := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, patch[col])
	}
	args = append(args, id)
	query := fmt.Sprintf("update %s set %s, updated_at = now() where id = $%d",
		table, strings.Join(setClauses, ", "), len(args))
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// mapError translates constraint violations into model errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", model.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
