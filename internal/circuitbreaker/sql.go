package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DB guards an sqlx handle used by the feedback sink.
type DB struct {
	db      *sqlx.DB
	breaker *Breaker
}

func NewDB(db *sqlx.DB, logger *zap.Logger) *DB {
	return &DB{
		db:      db,
		breaker: New(db.DriverName(), "db", SettingsFor("db"), logger),
	}
}

func (d *DB) Raw() *sqlx.DB { return d.db }

func (d *DB) PingContext(ctx context.Context) error {
	return d.breaker.Do(ctx, func() error {
		return d.db.PingContext(ctx)
	})
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := d.breaker.Do(ctx, func() error {
		var err error
		res, err = d.db.ExecContext(ctx, d.db.Rebind(query), args...)
		return err
	})
	return res, err
}

func (d *DB) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var res sql.Result
	err := d.breaker.Do(ctx, func() error {
		var err error
		res, err = d.db.NamedExecContext(ctx, query, arg)
		return err
	})
	return res, err
}

// SelectContext scans rows into dest (a pointer to a slice).
func (d *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return d.breaker.Do(ctx, func() error {
		return d.db.SelectContext(ctx, dest, d.db.Rebind(query), args...)
	})
}
