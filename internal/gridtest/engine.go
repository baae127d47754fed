package gridtest

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/inf.v0"

	"gridsql/internal/protocol"
)

// SQL states reported by the engine.
const (
	stateSyntax       = "42000"
	stateNoTable      = "42P01"
	stateNoColumn     = "42703"
	stateTableExists  = "42P07"
	stateTypeMismatch = "22018"
	stateReadOnly     = "25006"
	stateConstraint   = "23505"
)

// SQLError is a statement failure reported to the client with a SQL state.
type SQLError struct {
	State   string
	Message string
}

func (e *SQLError) Error() string { return e.State + ": " + e.Message }

func sqlErrorf(state, format string, args ...any) error {
	return &SQLError{State: state, Message: fmt.Sprintf(format, args...)}
}

// ErrTxNotFound is returned for unknown or finished transaction ids.
var ErrTxNotFound = errors.New("transaction not found")

// StatementType says what kind of outcome a statement has.
type StatementType int

const (
	// DDL statements change the schema; they report no row count.
	DDL StatementType = iota
	// RowsAffected statements report how many rows they changed.
	RowsAffected
	// Rows statements return a result set.
	Rows
)

// Result is the outcome of one statement.
type Result struct {
	Type         StatementType
	RowsAffected int64
	Applied      bool
	Columns      []protocol.Column
	Rows         []protocol.Row
}

type table struct {
	name    string
	columns []protocol.Column
	pk      int // index of the primary key column, -1 if none
	rows    []protocol.Row
}

func (t *table) clone() *table {
	c := *t
	c.rows = make([]protocol.Row, len(t.rows))
	for i, r := range t.rows {
		c.rows[i] = slices.Clone(r)
	}
	return &c
}

func (t *table) column(name string) (int, error) {
	for i, c := range t.columns {
		if c.Name == name {
			return i, nil
		}
	}
	return -1, sqlErrorf(stateNoColumn, "column %q not found in table %s", name, t.name)
}

type txState struct {
	readOnly bool
	tables   map[string]*table
}

// Engine is a small in-memory SQL engine. It understands CREATE TABLE,
// DROP TABLE, INSERT, UPDATE, DELETE and single-table SELECT with simple
// AND-ed WHERE conditions. Transactions work on a private copy of every
// table that replaces the shared tables on commit.
type Engine struct {
	mu     sync.Mutex
	tables map[string]*table
	txs    map[int64]*txState
	nextTx int64
}

func NewEngine() *Engine {
	return &Engine{
		tables: make(map[string]*table),
		txs:    make(map[int64]*txState),
	}
}

// Begin starts a transaction and returns its id.
func (e *Engine) Begin(readOnly bool) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextTx++
	snapshot := make(map[string]*table, len(e.tables))
	for name, t := range e.tables {
		snapshot[name] = t.clone()
	}
	e.txs[e.nextTx] = &txState{readOnly: readOnly, tables: snapshot}
	return e.nextTx
}

func (e *Engine) Commit(id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, ok := e.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	delete(e.txs, id)
	if !tx.readOnly {
		e.tables = tx.tables
	}
	return nil
}

func (e *Engine) Rollback(id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.txs[id]; !ok {
		return ErrTxNotFound
	}
	delete(e.txs, id)
	return nil
}

// Exec runs one statement, inside transaction txID when it is not nil.
func (e *Engine) Exec(txID *int64, query string, args []protocol.Value) (*Result, error) {
	toks, err := lex(query)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tables := e.tables
	readOnly := false
	if txID != nil {
		tx, ok := e.txs[*txID]
		if !ok {
			return nil, ErrTxNotFound
		}
		tables, readOnly = tx.tables, tx.readOnly
	}

	p := &parser{toks: toks, args: args}
	switch {
	case p.keyword("SELECT"):
		return p.selectStmt(tables)
	case readOnly:
		return nil, sqlErrorf(stateReadOnly, "statement not allowed in a read-only transaction")
	case p.keyword("CREATE"):
		return p.createTable(tables)
	case p.keyword("DROP"):
		return p.dropTable(tables)
	case p.keyword("INSERT"):
		return p.insert(tables)
	case p.keyword("UPDATE"):
		return p.update(tables)
	case p.keyword("DELETE"):
		return p.delete(tables)
	}
	return nil, sqlErrorf(stateSyntax, "unsupported statement starting with %s", toks[0])
}

// Rows returns a copy of a table's rows, for assertions in tests.
func (e *Engine) Rows(name string) []protocol.Row {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tables[strings.ToUpper(name)]
	if !ok {
		return nil
	}
	return t.clone().rows
}

// Tables lists table names in sorted order.
func (e *Engine) Tables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for name := range e.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type parser struct {
	toks   []token
	pos    int
	args   []protocol.Value
	argPos int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) keyword(kw string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokIdent && t.text == kw {
		p.pos++
		return true
	}
	return false
}

func (p *parser) symbol(s string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokSymbol && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.keyword(kw) {
		return p.unexpected(kw)
	}
	return nil
}

func (p *parser) expectSymbol(s string) error {
	if !p.symbol(s) {
		return p.unexpected(s)
	}
	return nil
}

func (p *parser) unexpected(want string) error {
	t, ok := p.peek()
	if !ok {
		return sqlErrorf(stateSyntax, "unexpected end of statement, expected %s", want)
	}
	return sqlErrorf(stateSyntax, "unexpected %s, expected %s", t, want)
}

func (p *parser) ident() (string, error) {
	t, ok := p.peek()
	if !ok || t.kind != tokIdent {
		return "", p.unexpected("identifier")
	}
	p.pos++
	return t.text, nil
}

func (p *parser) end() error {
	if t, ok := p.peek(); ok {
		return sqlErrorf(stateSyntax, "unexpected %s at end of statement", t)
	}
	return nil
}

func (p *parser) tableRef(tables map[string]*table) (*table, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	t, ok := tables[name]
	if !ok {
		return nil, sqlErrorf(stateNoTable, "table %s not found", name)
	}
	return t, nil
}

// literal parses a constant, a parameter or NULL. Numbers are BIGINT,
// DOUBLE or DECIMAL depending on their form.
func (p *parser) literal() (protocol.Value, error) {
	neg := p.symbol("-")
	t, ok := p.peek()
	if !ok {
		return protocol.Value{}, p.unexpected("value")
	}
	p.pos++

	switch t.kind {
	case tokParam:
		if neg {
			return protocol.Value{}, sqlErrorf(stateSyntax, "cannot negate a parameter")
		}
		if p.argPos >= len(p.args) {
			return protocol.Value{}, sqlErrorf(stateSyntax, "statement has more parameters than the %d supplied", len(p.args))
		}
		v := p.args[p.argPos]
		p.argPos++
		return v, nil
	case tokString:
		return protocol.NewString(t.text), nil
	case tokNumber:
		text := t.text
		if neg {
			text = "-" + text
		}
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return protocol.NewInt64(n), nil
		}
		if d, ok := new(inf.Dec).SetString(text); ok {
			return protocol.NewDecimal(d), nil
		}
		return protocol.Value{}, sqlErrorf(stateSyntax, "invalid number %s", text)
	case tokIdent:
		switch t.text {
		case "NULL":
			return protocol.Null(protocol.TypeNull), nil
		case "TRUE":
			return protocol.NewBool(true), nil
		case "FALSE":
			return protocol.NewBool(false), nil
		}
	}
	return protocol.Value{}, sqlErrorf(stateSyntax, "unexpected %s, expected value", t)
}

var typeNames = map[string]protocol.ColumnType{
	"BOOLEAN":   protocol.TypeBoolean,
	"TINYINT":   protocol.TypeInt8,
	"SMALLINT":  protocol.TypeInt16,
	"INT":       protocol.TypeInt32,
	"INTEGER":   protocol.TypeInt32,
	"BIGINT":    protocol.TypeInt64,
	"REAL":      protocol.TypeFloat,
	"FLOAT":     protocol.TypeFloat,
	"DOUBLE":    protocol.TypeDouble,
	"DECIMAL":   protocol.TypeDecimal,
	"NUMERIC":   protocol.TypeDecimal,
	"DATE":      protocol.TypeDate,
	"TIME":      protocol.TypeTime,
	"DATETIME":  protocol.TypeDateTime,
	"TIMESTAMP": protocol.TypeTimestamp,
	"UUID":      protocol.TypeUUID,
	"VARCHAR":   protocol.TypeString,
	"CHAR":      protocol.TypeString,
	"VARBINARY": protocol.TypeByteArray,
	"BINARY":    protocol.TypeByteArray,
	"INTERVAL":  protocol.TypeDuration,
}

func (p *parser) createTable(tables map[string]*table) (*Result, error) {
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	ifNotExists := false
	if p.keyword("IF") {
		if err := p.expectKeyword("NOT"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("EXISTS"); err != nil {
			return nil, err
		}
		ifNotExists = true
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}

	t := &table{name: name, pk: -1}
	for {
		if p.keyword("PRIMARY") {
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			if t.pk, err = t.column(col); err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
		} else {
			col, isPK, err := p.columnDef()
			if err != nil {
				return nil, err
			}
			if _, err := t.column(col.Name); err == nil {
				return nil, sqlErrorf(stateSyntax, "duplicate column %s", col.Name)
			}
			if isPK {
				t.pk = len(t.columns)
			}
			t.columns = append(t.columns, col)
		}
		if p.symbol(")") {
			break
		}
		if err := p.expectSymbol(","); err != nil {
			return nil, err
		}
	}
	if err := p.end(); err != nil {
		return nil, err
	}

	if _, exists := tables[name]; exists {
		if ifNotExists {
			return &Result{Type: DDL, RowsAffected: -1}, nil
		}
		return nil, sqlErrorf(stateTableExists, "table %s already exists", name)
	}
	if t.pk >= 0 {
		t.columns[t.pk].Nullable = false
	}
	tables[name] = t
	return &Result{Type: DDL, RowsAffected: -1, Applied: true}, nil
}

func (p *parser) columnDef() (protocol.Column, bool, error) {
	name, err := p.ident()
	if err != nil {
		return protocol.Column{}, false, err
	}
	typeName, err := p.ident()
	if err != nil {
		return protocol.Column{}, false, err
	}
	typ, ok := typeNames[typeName]
	if !ok {
		return protocol.Column{}, false, sqlErrorf(stateSyntax, "unknown type %s", typeName)
	}
	col := protocol.Column{Name: name, Type: typ, Nullable: true}

	if p.symbol("(") {
		nums := []*int{&col.Precision, &col.Scale}
		for i := 0; ; i++ {
			t, ok := p.peek()
			if !ok || t.kind != tokNumber || i >= len(nums) {
				return protocol.Column{}, false, p.unexpected("type size")
			}
			p.pos++
			*nums[i], _ = strconv.Atoi(t.text)
			if p.symbol(")") {
				break
			}
			if err := p.expectSymbol(","); err != nil {
				return protocol.Column{}, false, err
			}
		}
	}

	isPK := false
	for {
		switch {
		case p.keyword("NOT"):
			if err := p.expectKeyword("NULL"); err != nil {
				return protocol.Column{}, false, err
			}
			col.Nullable = false
		case p.keyword("PRIMARY"):
			if err := p.expectKeyword("KEY"); err != nil {
				return protocol.Column{}, false, err
			}
			isPK = true
		default:
			return col, isPK, nil
		}
	}
}

func (p *parser) dropTable(tables map[string]*table) (*Result, error) {
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	ifExists := false
	if p.keyword("IF") {
		if err := p.expectKeyword("EXISTS"); err != nil {
			return nil, err
		}
		ifExists = true
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	if _, ok := tables[name]; !ok {
		if ifExists {
			return &Result{Type: DDL, RowsAffected: -1}, nil
		}
		return nil, sqlErrorf(stateNoTable, "table %s not found", name)
	}
	delete(tables, name)
	return &Result{Type: DDL, RowsAffected: -1, Applied: true}, nil
}

func (p *parser) insert(tables map[string]*table) (*Result, error) {
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	t, err := p.tableRef(tables)
	if err != nil {
		return nil, err
	}

	targets := make([]int, len(t.columns))
	for i := range targets {
		targets[i] = i
	}
	if p.symbol("(") {
		targets = targets[:0]
		for {
			name, err := p.ident()
			if err != nil {
				return nil, err
			}
			idx, err := t.column(name)
			if err != nil {
				return nil, err
			}
			targets = append(targets, idx)
			if p.symbol(")") {
				break
			}
			if err := p.expectSymbol(","); err != nil {
				return nil, err
			}
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}

	var added []protocol.Row
	for {
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		row := make(protocol.Row, len(t.columns))
		for i, c := range t.columns {
			row[i] = protocol.Null(c.Type)
		}
		for i, idx := range targets {
			if i > 0 {
				if err := p.expectSymbol(","); err != nil {
					return nil, err
				}
			}
			lit, err := p.literal()
			if err != nil {
				return nil, err
			}
			if row[idx], err = coerce(lit, t.columns[idx]); err != nil {
				return nil, err
			}
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		if err := t.checkRow(row, added); err != nil {
			return nil, err
		}
		added = append(added, row)
		if !p.symbol(",") {
			break
		}
	}
	if err := p.end(); err != nil {
		return nil, err
	}

	t.rows = append(t.rows, added...)
	return &Result{Type: RowsAffected, RowsAffected: int64(len(added)), Applied: true}, nil
}

// checkRow enforces NOT NULL and primary key uniqueness against the table
// and rows pending in the same statement.
func (t *table) checkRow(row protocol.Row, pending []protocol.Row) error {
	for i, c := range t.columns {
		if !c.Nullable && row[i].IsNull() {
			return sqlErrorf(stateConstraint, "column %s cannot be NULL", c.Name)
		}
	}
	if t.pk < 0 {
		return nil
	}
	for _, other := range append(t.rows[:len(t.rows):len(t.rows)], pending...) {
		if cmp, ok := compare(other[t.pk], row[t.pk]); ok && cmp == 0 {
			return sqlErrorf(stateConstraint, "duplicate key %s in table %s", row[t.pk], t.name)
		}
	}
	return nil
}

func (p *parser) update(tables map[string]*table) (*Result, error) {
	t, err := p.tableRef(tables)
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}

	type assignment struct {
		idx int
		val protocol.Value
	}
	var sets []assignment
	for {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		idx, err := t.column(name)
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		v, err := coerce(lit, t.columns[idx])
		if err != nil {
			return nil, err
		}
		sets = append(sets, assignment{idx: idx, val: v})
		if !p.symbol(",") {
			break
		}
	}
	where, err := p.where(t)
	if err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}

	var n int64
	for _, row := range t.rows {
		if !where.match(row) {
			continue
		}
		for _, s := range sets {
			row[s.idx] = s.val
		}
		n++
	}
	return &Result{Type: RowsAffected, RowsAffected: n, Applied: n > 0}, nil
}

func (p *parser) delete(tables map[string]*table) (*Result, error) {
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	t, err := p.tableRef(tables)
	if err != nil {
		return nil, err
	}
	where, err := p.where(t)
	if err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}

	before := len(t.rows)
	t.rows = slices.DeleteFunc(t.rows, where.match)
	n := int64(before - len(t.rows))
	return &Result{Type: RowsAffected, RowsAffected: n, Applied: n > 0}, nil
}

func (p *parser) selectStmt(tables map[string]*table) (*Result, error) {
	type item struct {
		star  bool
		name  string
		lit   protocol.Value
		isLit bool
	}
	var items []item
	for {
		switch t, _ := p.peek(); {
		case p.symbol("*"):
			items = append(items, item{star: true})
		case t.kind == tokIdent && !isLiteralKeyword(t.text):
			p.pos++
			items = append(items, item{name: t.text})
		default:
			lit, err := p.literal()
			if err != nil {
				return nil, err
			}
			items = append(items, item{lit: lit, isLit: true})
		}
		if !p.symbol(",") {
			break
		}
	}

	if !p.keyword("FROM") {
		if err := p.end(); err != nil {
			return nil, err
		}
		res := &Result{Type: Rows, RowsAffected: -1}
		row := make(protocol.Row, 0, len(items))
		for i, it := range items {
			if !it.isLit {
				return nil, sqlErrorf(stateNoColumn, "column %s requires a FROM clause", it.name)
			}
			typ := it.lit.Type()
			res.Columns = append(res.Columns, protocol.Column{Name: "EXPR$" + strconv.Itoa(i), Type: typ, Nullable: it.lit.IsNull()})
			row = append(row, it.lit)
		}
		res.Rows = []protocol.Row{row}
		return res, nil
	}

	t, err := p.tableRef(tables)
	if err != nil {
		return nil, err
	}
	var proj []int
	for _, it := range items {
		switch {
		case it.star:
			for i := range t.columns {
				proj = append(proj, i)
			}
		case it.isLit:
			return nil, sqlErrorf(stateSyntax, "constant select items are only supported without FROM")
		default:
			idx, err := t.column(it.name)
			if err != nil {
				return nil, err
			}
			proj = append(proj, idx)
		}
	}
	where, err := p.where(t)
	if err != nil {
		return nil, err
	}

	matched := slices.Clone(t.rows)
	matched = slices.DeleteFunc(matched, func(r protocol.Row) bool { return !where.match(r) })

	if p.keyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		idx, err := t.column(name)
		if err != nil {
			return nil, err
		}
		desc := p.keyword("DESC")
		if !desc {
			p.keyword("ASC")
		}
		sort.SliceStable(matched, func(i, j int) bool {
			c, _ := compare(matched[i][idx], matched[j][idx])
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if err := p.end(); err != nil {
		return nil, err
	}

	res := &Result{Type: Rows, RowsAffected: -1}
	for _, idx := range proj {
		res.Columns = append(res.Columns, t.columns[idx])
	}
	for _, r := range matched {
		out := make(protocol.Row, len(proj))
		for i, idx := range proj {
			out[i] = r[idx]
		}
		res.Rows = append(res.Rows, out)
	}
	return res, nil
}

func isLiteralKeyword(s string) bool {
	return s == "NULL" || s == "TRUE" || s == "FALSE"
}

type condition struct {
	idx int
	op  string
	val protocol.Value
}

type predicate []condition

func (pr predicate) match(row protocol.Row) bool {
	for _, c := range pr {
		v := row[c.idx]
		if c.op == "IS NULL" || c.op == "IS NOT NULL" {
			if v.IsNull() != (c.op == "IS NULL") {
				return false
			}
			continue
		}
		cmp, ok := compare(v, c.val)
		if !ok {
			return false
		}
		var hit bool
		switch c.op {
		case "=":
			hit = cmp == 0
		case "!=":
			hit = cmp != 0
		case "<":
			hit = cmp < 0
		case "<=":
			hit = cmp <= 0
		case ">":
			hit = cmp > 0
		case ">=":
			hit = cmp >= 0
		}
		if !hit {
			return false
		}
	}
	return true
}

func (p *parser) where(t *table) (predicate, error) {
	if !p.keyword("WHERE") {
		return nil, nil
	}
	var pr predicate
	for {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		idx, err := t.column(name)
		if err != nil {
			return nil, err
		}
		if p.keyword("IS") {
			op := "IS NULL"
			if p.keyword("NOT") {
				op = "IS NOT NULL"
			}
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			pr = append(pr, condition{idx: idx, op: op})
		} else {
			tok, ok := p.peek()
			if !ok || tok.kind != tokSymbol || !slices.Contains([]string{"=", "!=", "<", "<=", ">", ">="}, tok.text) {
				return nil, p.unexpected("comparison operator")
			}
			p.pos++
			lit, err := p.literal()
			if err != nil {
				return nil, err
			}
			v, err := coerce(lit, t.columns[idx])
			if err != nil {
				return nil, err
			}
			pr = append(pr, condition{idx: idx, op: tok.text, val: v})
		}
		if !p.keyword("AND") {
			return pr, nil
		}
	}
}

// coerce converts a literal or parameter to a column's type.
func coerce(v protocol.Value, col protocol.Column) (protocol.Value, error) {
	if v.IsNull() {
		return protocol.Null(col.Type), nil
	}
	if v.Type() == col.Type {
		return v, nil
	}
	mismatch := sqlErrorf(stateTypeMismatch, "cannot assign %s value %s to %s column %s", v.Type(), v, col.Type, col.Name)

	switch col.Type {
	case protocol.TypeInt8, protocol.TypeInt16, protocol.TypeInt32, protocol.TypeInt64:
		n, ok := v.Int64()
		if !ok {
			return protocol.Value{}, mismatch
		}
		switch col.Type {
		case protocol.TypeInt8:
			if n < -1<<7 || n >= 1<<7 {
				return protocol.Value{}, mismatch
			}
			return protocol.NewInt8(int8(n)), nil
		case protocol.TypeInt16:
			if n < -1<<15 || n >= 1<<15 {
				return protocol.Value{}, mismatch
			}
			return protocol.NewInt16(int16(n)), nil
		case protocol.TypeInt32:
			if n < -1<<31 || n >= 1<<31 {
				return protocol.Value{}, mismatch
			}
			return protocol.NewInt32(int32(n)), nil
		}
		return protocol.NewInt64(n), nil
	case protocol.TypeFloat, protocol.TypeDouble:
		f, ok := numeric(v)
		if !ok {
			return protocol.Value{}, mismatch
		}
		if col.Type == protocol.TypeFloat {
			return protocol.NewFloat(float32(f)), nil
		}
		return protocol.NewDouble(f), nil
	case protocol.TypeDecimal:
		if n, ok := v.Int64(); ok {
			return protocol.NewDecimal(inf.NewDec(n, 0)), nil
		}
		if s, ok := v.Text(); ok {
			if d, ok := new(inf.Dec).SetString(s); ok {
				return protocol.NewDecimal(d), nil
			}
		}
	case protocol.TypeString:
		return protocol.NewString(v.String()), nil
	case protocol.TypeDate, protocol.TypeDateTime, protocol.TypeTimestamp:
		var ts time.Time
		if s, ok := v.Text(); ok {
			var err error
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", time.DateOnly} {
				if ts, err = time.Parse(layout, s); err == nil {
					break
				}
			}
			if err != nil {
				return protocol.Value{}, mismatch
			}
		} else if t, ok := v.Time(); ok {
			ts = t
		} else {
			return protocol.Value{}, mismatch
		}
		switch col.Type {
		case protocol.TypeDate:
			return protocol.NewDate(ts), nil
		case protocol.TypeDateTime:
			return protocol.NewDateTime(ts), nil
		}
		return protocol.NewTimestamp(ts), nil
	case protocol.TypeUUID:
		if s, ok := v.Text(); ok {
			if u, err := uuid.Parse(s); err == nil {
				return protocol.NewUUID(u), nil
			}
		}
	case protocol.TypeTime, protocol.TypeDuration:
		if d, ok := v.Duration(); ok {
			if col.Type == protocol.TypeTime {
				return protocol.NewTime(d), nil
			}
			return protocol.NewDuration(d), nil
		}
	}
	return protocol.Value{}, mismatch
}

func numeric(v protocol.Value) (float64, bool) {
	if n, ok := v.Int64(); ok {
		return float64(n), true
	}
	if f, ok := v.Float64(); ok {
		return f, true
	}
	if d, ok := v.Decimal(); ok {
		f, err := strconv.ParseFloat(d.String(), 64)
		return f, err == nil
	}
	return 0, false
}

// compare orders two non-NULL values of compatible types.
func compare(a, b protocol.Value) (int, bool) {
	if a.IsNull() || b.IsNull() {
		return 0, false
	}
	if x, ok := a.Int64(); ok {
		if y, ok := b.Int64(); ok {
			return cmpOrdered(x, y), true
		}
	}
	if x, ok := a.Decimal(); ok {
		if y, ok := b.Decimal(); ok {
			return x.Cmp(y), true
		}
	}
	if x, ok := numeric(a); ok {
		if y, ok := numeric(b); ok {
			return cmpOrdered(x, y), true
		}
	}
	if x, ok := a.Text(); ok {
		if y, ok := b.Text(); ok {
			return strings.Compare(x, y), true
		}
	}
	if x, ok := a.Time(); ok {
		if y, ok := b.Time(); ok {
			return x.Compare(y), true
		}
	}
	if x, ok := a.Bool(); ok {
		if y, ok := b.Bool(); ok {
			return cmpOrdered(boolInt(x), boolInt(y)), true
		}
	}
	if x, ok := a.UUID(); ok {
		if y, ok := b.UUID(); ok {
			return strings.Compare(x.String(), y.String()), true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64 | int](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
