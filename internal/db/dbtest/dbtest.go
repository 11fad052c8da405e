// Package dbtest provides testify mocks for db.DB and pgx rows.
package dbtest

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// MockDB implements db.DB for testing.
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *MockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *MockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// Row implements pgx.Row with a scan callback.
type Row struct {
	ScanFunc func(dest ...any) error
}

func (r *Row) Scan(dest ...any) error {
	return r.ScanFunc(dest...)
}

// ErrRow returns a row whose Scan fails with err.
func ErrRow(err error) *Row {
	return &Row{ScanFunc: func(...any) error { return err }}
}

// Rows implements pgx.Rows, iterating through one scan function per row.
type Rows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
	Error     error
}

func NewRows(scanFuncs ...func(dest ...any) error) *Rows {
	return &Rows{scanFuncs: scanFuncs}
}

// EmptyRows yields zero rows.
func EmptyRows() *Rows {
	return &Rows{}
}

func (m *Rows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}

func (m *Rows) Scan(dest ...any) error {
	if m.callIndex < len(m.scanFuncs) {
		fn := m.scanFuncs[m.callIndex]
		m.callIndex++
		return fn(dest...)
	}
	return nil
}

func (m *Rows) Err() error                                   { return m.Error }
func (m *Rows) Close()                                       {}
func (m *Rows) CommandTag() pgconn.CommandTag                 { return pgconn.CommandTag{} }
func (m *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *Rows) RawValues() [][]byte                          { return nil }
func (m *Rows) Values() ([]any, error)                       { return nil, nil }
func (m *Rows) Conn() *pgx.Conn                              { return nil }

// Tag builds a command tag reporting n affected rows.
func Tag(n int) pgconn.CommandTag {
	return pgconn.NewCommandTag("UPDATE " + strconv.Itoa(n))
}
