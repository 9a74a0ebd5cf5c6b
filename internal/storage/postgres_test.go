package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// The fake driver records every statement and transaction boundary so
// tests can assert on what reaches the database without a live server.

type connLog struct {
	mu        sync.Mutex
	stmts     []string
	begins    int
	commits   int
	rollbacks int
	failOn    string
}

func (l *connLog) record(query string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stmts = append(l.stmts, query)
	if l.failOn != "" && strings.Contains(query, l.failOn) {
		return errors.New("forced statement failure")
	}
	return nil
}

func (l *connLog) statements() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.stmts...)
}

func (l *connLog) txCounts() (begins, commits, rollbacks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.begins, l.commits, l.rollbacks
}

type fakeDriver struct {
	mu   sync.Mutex
	logs map[string]*connLog
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	log, ok := d.logs[name]
	if !ok {
		return nil, fmt.Errorf("unknown test database %q", name)
	}
	return &fakeConn{log: log}, nil
}

type fakeConn struct {
	log *connLog
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{log: c.log, query: query}, nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	c.log.mu.Lock()
	c.log.begins++
	c.log.mu.Unlock()
	return &fakeTx{log: c.log}, nil
}

type fakeStmt struct {
	log   *connLog
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	if err := s.log.record(s.query); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, errors.New("queries are not recorded")
}

type fakeTx struct {
	log *connLog
}

func (t *fakeTx) Commit() error {
	t.log.mu.Lock()
	t.log.commits++
	t.log.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback() error {
	t.log.mu.Lock()
	t.log.rollbacks++
	t.log.mu.Unlock()
	return nil
}

var (
	fakeSQL      = &fakeDriver{logs: map[string]*connLog{}}
	registerFake sync.Once
)

func openFakeDB(t *testing.T, failOn string) (*Postgres, *connLog) {
	t.Helper()
	registerFake.Do(func() { sql.Register("tmwsfake", fakeSQL) })
	log := &connLog{failOn: failOn}
	fakeSQL.mu.Lock()
	fakeSQL.logs[t.Name()] = log
	fakeSQL.mu.Unlock()
	db, err := sql.Open("tmwsfake", t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Postgres{db: db, q: db, dim: 4, logger: zap.NewNop()}, log
}

func insertFixture() *types.Memory {
	return &types.Memory{
		Content:     "transactional insert",
		OwnerID:     "athena-conductor",
		Namespace:   "default",
		AccessLevel: types.MemoryPrivate,
		Importance:  0.5,
		Embedding:   []float32{1, 0, 0, 0},
		Tags:        []string{"ops"},
	}
}

func TestInsertMemoryBumpsCounterInSameTx(t *testing.T) {
	p, log := openFakeDB(t, "")

	id, err := p.InsertMemory(context.Background(), insertFixture())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	stmts := log.statements()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "INSERT INTO memories")
	assert.Contains(t, stmts[1], "UPDATE agents SET total_memories = total_memories + 1")

	begins, commits, rollbacks := log.txCounts()
	assert.Equal(t, 1, begins)
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, rollbacks)
}

func TestInsertMemoryRollsBackWhenCounterFails(t *testing.T) {
	p, log := openFakeDB(t, "UPDATE agents")

	_, err := p.InsertMemory(context.Background(), insertFixture())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindStorage))

	begins, commits, rollbacks := log.txCounts()
	assert.Equal(t, 1, begins)
	assert.Equal(t, 0, commits, "a failed counter bump must not commit the row")
	assert.Equal(t, 1, rollbacks)
}

func TestInsertMemorySkipsCounterWhenRowFails(t *testing.T) {
	p, log := openFakeDB(t, "INSERT INTO memories")

	_, err := p.InsertMemory(context.Background(), insertFixture())
	require.Error(t, err)

	for _, stmt := range log.statements() {
		assert.NotContains(t, stmt, "UPDATE agents")
	}
	_, commits, rollbacks := log.txCounts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, rollbacks)
}
