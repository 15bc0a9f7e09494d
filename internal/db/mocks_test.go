package db

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// sqlContaining matches a SQL argument by substring.
func sqlContaining(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

// --- Mock Transactor ---

// passthroughTx runs fn against the same mock, so a test sees every
// statement of the transaction in order. It does not roll anything back.
type passthroughTx struct {
	db DBTX
}

func (p passthroughTx) InTx(_ context.Context, fn func(tx DBTX) error) error {
	return fn(p.db)
}

// --- Mock Row / Rows ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
	values  []any
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	if r.scanErr != nil {
		return r.scanErr
	}
	return assign(dest, r.values)
}

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return assign(dest, r.data[r.idx])
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// assign copies values into scan destinations by reflection. A nil value
// zeroes the destination; otherwise the value must be assignable to it.
func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(values[i])
		if !v.Type().AssignableTo(target.Type()) {
			if !v.Type().ConvertibleTo(target.Type()) {
				return fmt.Errorf("scan: column %d: cannot assign %s to %s", i, v.Type(), target.Type())
			}
			v = v.Convert(target.Type())
		}
		target.Set(v)
	}
	return nil
}

// --- Fake sealer ---

type fakeSealer struct {
	out string
	err error
}

func (f fakeSealer) Seal(plaintext string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.out != "" {
		return f.out, nil
	}
	return "enc:v1:" + strings.ToUpper(plaintext), nil
}

func (f fakeSealer) Open(envelope string) (string, error) {
	return strings.ToLower(strings.TrimPrefix(envelope, "enc:v1:")), nil
}
