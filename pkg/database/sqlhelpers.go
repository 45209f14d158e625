package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// SQLHelpers implements the §4.2 contract: transaction-scoped temp tables,
// bulk load/unload, and transactional index creation followed by a
// statistics refresh. It is generalized from the teacher's
// driver.DB()-plus-raw-SQL pattern (previously CreateGINIndexes) into a
// reusable helper type; the Staging Loader's bulk PersonRecord insert is its
// caller.
type SQLHelpers struct{}

// NewSQLHelpers constructs a SQLHelpers. It is stateless; every method takes
// the handle it should operate against: a *sql.Tx for DDL, a *sql.Conn for
// BulkLoad and BulkUnload.
func NewSQLHelpers() *SQLHelpers { return &SQLHelpers{} }

// CreateTempTable creates a transaction-scoped temporary table. Temp tables
// created with "ON COMMIT DROP" are invisible outside tx and vanish when tx
// ends, satisfying the "all created temp objects are dropped on transaction
// end" guarantee without relying on callers to clean up explicitly.
func (SQLHelpers) CreateTempTable(ctx context.Context, tx *sql.Tx, name, columnsDDL string) error {
	stmt := fmt.Sprintf(`CREATE TEMP TABLE %s (%s) ON COMMIT DROP`, name, columnsDDL)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create temp table %s: %w", name, err)
	}
	return nil
}

// BulkLoad streams rows into table via PostgreSQL COPY, failing fast if the
// number of rows copied differs from len(rows) (per §4.2's required
// guarantee). columns must name the target columns in the order rowFn
// produces values. conn must be the same *sql.Conn the caller's enclosing
// transaction was started on (database/sql.Tx has no way to hand back its
// underlying connection, so callers that need COPY inside a transaction
// must begin that transaction via DB.Conn + Conn.BeginTx and keep the conn
// around, the way pkg/matcher does).
func (SQLHelpers) BulkLoad(ctx context.Context, conn *sql.Conn, table string, columns []string, rowCount int, rowFn func(i int) []any) error {
	copied, err := copyFromConn(ctx, conn, table, columns, rowCount, rowFn)
	if err != nil {
		return fmt.Errorf("bulk load into %s: %w", table, err)
	}
	if int(copied) != rowCount {
		return fmt.Errorf("bulk load into %s: expected %d rows, copied %d", table, rowCount, copied)
	}
	return nil
}

// copyFromConn unwraps conn's underlying pgx connection and issues a native
// CopyFrom, the way the pgx stdlib driver documents for bulk operations
// that need the extended protocol database/sql's Exec/Query don't expose.
func copyFromConn(ctx context.Context, conn *sql.Conn, table string, columns []string, rowCount int, rowFn func(i int) []any) (int64, error) {
	var copied int64
	err := conn.Raw(func(driverConn any) error {
		pgxConn := driverConn.(*stdlib.Conn).Conn()
		src := pgx.CopyFromSlice(rowCount, func(i int) ([]any, error) {
			return rowFn(i), nil
		})
		n, copyErr := pgxConn.CopyFrom(ctx, pgx.Identifier{table}, columns, src)
		copied = n
		return copyErr
	})
	return copied, err
}

// BulkUnload streams a query's result set out via COPY TO STDOUT, invoking
// rowFn once per row with the raw CSV-ish text fields. Used by the export
// pipeline contract (out of scope for the matching core — see DESIGN.md)
// but kept as part of the SQL Helpers contract surface per §4.2. conn has
// the same same-connection requirement as BulkLoad.
func (SQLHelpers) BulkUnload(ctx context.Context, conn *sql.Conn, query string, rowFn func(line string) error) error {
	return conn.Raw(func(driverConn any) error {
		pgxConn := driverConn.(*stdlib.Conn).Conn()
		pr, pw := newPipe()
		copyCmd := fmt.Sprintf("COPY (%s) TO STDOUT", query)
		errCh := make(chan error, 1)
		go func() {
			_, copyErr := pgxConn.PgConn().CopyTo(ctx, pw, copyCmd)
			_ = pw.Close()
			errCh <- copyErr
		}()
		if err := scanLines(pr, rowFn); err != nil {
			return err
		}
		return <-errCh
	})
}

// CreateIndex creates an index and immediately refreshes planner
// statistics for the table, per §4.2's "index creation is followed by
// statistics refresh" requirement.
func (SQLHelpers) CreateIndex(ctx context.Context, tx *sql.Tx, indexDDL, table string) error {
	if _, err := tx.ExecContext(ctx, indexDDL); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ANALYZE %s", table)); err != nil {
		return fmt.Errorf("analyze %s: %w", table, err)
	}
	return nil
}

// AddColumn adds col to table inside tx, part of the transaction-scoped DDL
// contract used to stage intermediate computed columns (e.g. a temp
// sha256 column on a staging copy) without affecting the live schema.
func (SQLHelpers) AddColumn(ctx context.Context, tx *sql.Tx, table, columnDDL string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnDDL)); err != nil {
		return fmt.Errorf("add column on %s: %w", table, err)
	}
	return nil
}

// DropColumn drops col from table inside tx.
func (SQLHelpers) DropColumn(ctx context.Context, tx *sql.Tx, table, column string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, column)); err != nil {
		return fmt.Errorf("drop column %s on %s: %w", column, table, err)
	}
	return nil
}
