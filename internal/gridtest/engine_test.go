package gridtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsql/internal/protocol"
)

func mustExec(t *testing.T, e *Engine, query string, args ...protocol.Value) *Result {
	t.Helper()
	res, err := e.Exec(nil, query, args)
	require.NoError(t, err, query)
	return res
}

func TestEngineRowCounts(t *testing.T) {
	e := NewEngine()

	res := mustExec(t, e, "create table t (id int primary key, data varchar(100))")
	assert.Equal(t, DDL, res.Type)
	assert.EqualValues(t, -1, res.RowsAffected)
	assert.True(t, res.Applied)

	for i := 0; i < 10; i++ {
		res = mustExec(t, e, "insert into t values (?, ?)", protocol.NewInt64(int64(i)), protocol.NewString("row"))
		assert.EqualValues(t, 1, res.RowsAffected)
	}

	res = mustExec(t, e, "update t set data = ? where id > ?", protocol.NewString("Lorem ipsum"), protocol.NewInt64(3))
	assert.Equal(t, RowsAffected, res.Type)
	assert.EqualValues(t, 6, res.RowsAffected)

	res = mustExec(t, e, "select id, data from t where data = 'Lorem ipsum' order by id desc")
	assert.Equal(t, Rows, res.Type)
	assert.EqualValues(t, -1, res.RowsAffected)
	require.Len(t, res.Rows, 6)
	first, _ := res.Rows[0][0].Int64()
	assert.EqualValues(t, 9, first)
	assert.Equal(t, protocol.TypeInt32, res.Columns[0].Type)
	assert.False(t, res.Columns[0].Nullable)

	res = mustExec(t, e, "delete from t where id <= 1")
	assert.EqualValues(t, 2, res.RowsAffected)
	assert.Len(t, e.Rows("t"), 8)
}

func TestEngineMultiRowInsertAndDefaults(t *testing.T) {
	e := NewEngine()
	mustExec(t, e, "CREATE TABLE people (id BIGINT PRIMARY KEY, name VARCHAR, score DECIMAL(10, 2))")

	res := mustExec(t, e, "insert into people (id, name) values (1, 'Ann'), (2, 'O''Brien')")
	assert.EqualValues(t, 2, res.RowsAffected)

	res = mustExec(t, e, "select * from people where score is null order by name")
	require.Len(t, res.Rows, 2)
	name, _ := res.Rows[1][1].Text()
	assert.Equal(t, "O'Brien", name)
	assert.Equal(t, protocol.TypeDecimal, res.Rows[0][2].Type())
	assert.True(t, res.Rows[0][2].IsNull())
}

func TestEngineSelectWithoutFrom(t *testing.T) {
	e := NewEngine()
	res := mustExec(t, e, "select 1, 'a', null")
	require.Len(t, res.Rows, 1)
	require.Len(t, res.Columns, 3)
	assert.Equal(t, protocol.TypeInt64, res.Columns[0].Type)
	assert.Equal(t, protocol.TypeString, res.Columns[1].Type)
	assert.True(t, res.Rows[0][2].IsNull())
}

func TestEngineIfExists(t *testing.T) {
	e := NewEngine()
	mustExec(t, e, "create table t (id int)")

	res := mustExec(t, e, "create table if not exists t (id int)")
	assert.False(t, res.Applied)
	assert.EqualValues(t, -1, res.RowsAffected)

	res = mustExec(t, e, "drop table if exists missing")
	assert.False(t, res.Applied)

	mustExec(t, e, "drop table t")
	assert.Empty(t, e.Tables())
}

func TestEngineErrors(t *testing.T) {
	e := NewEngine()
	mustExec(t, e, "create table t (id int primary key, v varchar not null)")
	mustExec(t, e, "insert into t values (1, 'x')")

	tests := []struct {
		name  string
		query string
		args  []protocol.Value
		state string
	}{
		{"syntax", "selec 1", nil, stateSyntax},
		{"missing table", "select * from nope", nil, stateNoTable},
		{"missing column", "select nope from t", nil, stateNoColumn},
		{"duplicate table", "create table t (id int)", nil, stateTableExists},
		{"duplicate key", "insert into t values (1, 'y')", nil, stateConstraint},
		{"not null", "insert into t (id) values (2)", nil, stateConstraint},
		{"type mismatch", "insert into t values ('a', 'y')", nil, stateTypeMismatch},
		{"too few args", "insert into t values (?, ?)", []protocol.Value{protocol.NewInt64(5)}, stateSyntax},
		{"multiple statements", "select 1; select 2", nil, stateSyntax},
		{"unterminated string", "select 'abc", nil, stateSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Exec(nil, tt.query, tt.args)
			var sqlErr *SQLError
			require.ErrorAs(t, err, &sqlErr)
			assert.Equal(t, tt.state, sqlErr.State)
		})
	}
	assert.Len(t, e.Rows("t"), 1)
}

func TestEngineTransactions(t *testing.T) {
	e := NewEngine()
	mustExec(t, e, "create table t (id int)")

	tx := e.Begin(false)
	_, err := e.Exec(&tx, "insert into t values (1)", nil)
	require.NoError(t, err)
	assert.Empty(t, e.Rows("t"), "uncommitted rows are private to the transaction")
	require.NoError(t, e.Commit(tx))
	assert.Len(t, e.Rows("t"), 1)

	tx = e.Begin(false)
	_, err = e.Exec(&tx, "delete from t", nil)
	require.NoError(t, err)
	require.NoError(t, e.Rollback(tx))
	assert.Len(t, e.Rows("t"), 1)

	assert.ErrorIs(t, e.Commit(tx), ErrTxNotFound)
	_, err = e.Exec(&tx, "select * from t", nil)
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestEngineReadOnlyTransaction(t *testing.T) {
	e := NewEngine()
	mustExec(t, e, "create table t (id int)")
	mustExec(t, e, "insert into t values (7)")

	tx := e.Begin(true)
	res, err := e.Exec(&tx, "select id from t", nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)

	_, err = e.Exec(&tx, "delete from t", nil)
	var sqlErr *SQLError
	require.ErrorAs(t, err, &sqlErr)
	assert.Equal(t, stateReadOnly, sqlErr.State)
	require.NoError(t, e.Commit(tx))
	assert.Len(t, e.Rows("t"), 1)
}

func TestLex(t *testing.T) {
	toks, err := lex(`select "MixedCase", x from t where a >= 1.5 and b <> 'it''s' and c = ?;`)
	require.NoError(t, err)

	var texts []string
	for _, tok := range toks {
		texts = append(texts, tok.text)
	}
	assert.Equal(t, []string{
		"SELECT", "MixedCase", ",", "X", "FROM", "T", "WHERE",
		"A", ">=", "1.5", "AND", "B", "!=", "it's", "AND", "C", "=", "?",
	}, texts)
}
