// Package userdir answers "does this user still exist" directly from the
// identity database, as an alternative to asking the identity backend.
package userdir

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/sessionkeeper/internal/dbx"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const userExistsQuery = `SELECT EXISTS(
		SELECT 1 FROM users
		 WHERE id = $1 AND deleted_at IS NULL
	)`

// PostgresDirectory implements session.UserChecker over a users table.
type PostgresDirectory struct {
	db dbx.DBTX
}

func NewPostgresDirectory(db dbx.DBTX) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// UserExists reports whether an active (not soft-deleted) user with id exists.
func (d *PostgresDirectory) UserExists(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}

	var exists bool
	if err := d.db.QueryRowContext(ctx, userExistsQuery, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

// Open connects to Postgres through the pgx database/sql driver and checks
// the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open user directory: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping user directory: %w", err)
	}
	return db, nil
}
