// Package query is the SQL-subset front end of the storage engine: a
// byte-level lexer, a recursive-descent parser, and an executor that
// drives the engine's encrypt/decrypt pipeline row by row.
//
// Supported statements:
//
//	SELECT [cols|*] FROM table [WHERE col op val [AND ...]]
//	INSERT INTO table (cols) VALUES (vals)
//	DELETE FROM table [WHERE ...]
//	UPDATE table SET col=val [, ...] [WHERE ...]
//	SHOW TABLES
//	DESCRIBE table
//	GRANT rights ON object_id TO process_id
//	REVOKE cap_id
package query

import (
	"fmt"
	"strings"

	"github.com/sotomayorlucas/vaultos/internal/engine"
	"github.com/sotomayorlucas/vaultos/internal/record"
	"github.com/sotomayorlucas/vaultos/internal/schema"
)

// Capability right bits echoed by GRANT.
const (
	capRead  = 0x01
	capWrite = 0x02
	capAll   = 0xFF
)

type parser struct {
	lex *lexer
	cur Token
}

func newParser(input string) *parser {
	p := &parser{lex: newLexer(input)}
	p.next()
	return p
}

func (p *parser) next() { p.cur = p.lex.next() }

func (p *parser) expect(tt TokenType) bool {
	if p.cur.Type != tt {
		return false
	}
	p.next()
	return true
}

// Exec parses and executes one statement against the engine on behalf of
// caller pid. Parse errors come back as a result with the syntax code set
// and no rows; the engine is never touched on a parse error.
func Exec(e *engine.Engine, sql string, callerPID uint64) *Result {
	p := newParser(sql)

	switch p.cur.Type {
	case SHOW:
		p.next()
		if p.cur.Type == TABLES {
			return execShowTables(e)
		}
		return errorResult(engine.CodeSyntax, "Expected TABLES after SHOW")
	case DESCRIBE:
		p.next()
		return execDescribe(e, p)
	case SELECT:
		p.next()
		return execSelect(e, p)
	case INSERT:
		p.next()
		return execInsert(e, p, callerPID)
	case DELETE:
		p.next()
		return execDelete(e, p)
	case UPDATE:
		p.next()
		return execUpdate(e, p)
	case GRANT:
		p.next()
		return execGrant(e, p)
	case REVOKE:
		p.next()
		return execRevoke(e, p)
	default:
		return errorResult(engine.CodeSyntax,
			"Unknown command. Use: SELECT, INSERT, DELETE, UPDATE, SHOW TABLES, DESCRIBE, GRANT, REVOKE")
	}
}

// --- WHERE machinery ---

type cmpOp int

const (
	opEq cmpOp = iota
	opNeq
	opLt
	opGt
	opLe
	opGe
)

// cond is one WHERE conjunct. Exactly one of str/num is meaningful.
type cond struct {
	column string
	op     cmpOp
	isStr  bool
	str    string
	num    uint64
}

func parseOp(p *parser) cmpOp {
	op := opEq
	switch p.cur.Type {
	case EQ:
		op = opEq
	case NEQ:
		op = opNeq
	case LT:
		op = opLt
	case GT:
		op = opGt
	case LE:
		op = opLe
	case GE:
		op = opGe
	}
	p.next()
	return op
}

func parseWhere(p *parser) []cond {
	var conds []cond
	if p.cur.Type != WHERE {
		return conds
	}
	p.next()

	for len(conds) < schema.MaxWhereConds {
		if p.cur.Type != IDENT {
			break
		}
		c := cond{column: p.cur.Text}
		p.next()
		c.op = parseOp(p)

		switch p.cur.Type {
		case STRING:
			c.isStr = true
			c.str = p.cur.Text
		case NUMBER:
			c.num = parseU64(p.cur.Text)
		default:
			return conds
		}
		p.next()
		conds = append(conds, c)

		if p.cur.Type != AND {
			break
		}
		p.next()
	}
	return conds
}

func cmpMatch(op cmpOp, cmp int) bool {
	switch op {
	case opEq:
		return cmp == 0
	case opNeq:
		return cmp != 0
	case opLt:
		return cmp < 0
	case opGt:
		return cmp > 0
	case opLe:
		return cmp <= 0
	case opGe:
		return cmp >= 0
	}
	return false
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// matchField applies the operator/type matrix: Str against a string and
// U64 or U32 (widened) against a number get the full operator set; Bool
// against either value kind, and U64 against a string, support only = and
// !=.
func matchField(f *record.Field, op cmpOp, c *cond) bool {
	switch {
	case f.Type == schema.Str && c.isStr:
		return cmpMatch(op, strings.Compare(f.Str, c.str))
	case f.Type == schema.U64 && !c.isStr:
		return cmpMatch(op, cmpU64(f.Uint, c.num))
	case f.Type == schema.U32 && !c.isStr:
		return cmpMatch(op, cmpU64(f.Uint, c.num))
	case f.Type == schema.Bool && !c.isStr:
		fb := uint64(0)
		if f.Bool {
			fb = 1
		}
		switch op {
		case opEq:
			return fb == c.num
		case opNeq:
			return fb != c.num
		}
		return false
	case f.Type == schema.Bool && c.isStr:
		bval := strings.EqualFold(c.str, "true") || c.str == "1"
		switch op {
		case opEq:
			return f.Bool == bval
		case opNeq:
			return f.Bool != bval
		}
		return false
	case f.Type == schema.U64 && c.isStr:
		cv := parseU64(c.str)
		switch op {
		case opEq:
			return f.Uint == cv
		case opNeq:
			return f.Uint != cv
		}
		return false
	}
	return false
}

// recordMatches tests every conjunct. A column missing from the schema or
// unset in the record filters the row out rather than erroring.
func recordMatches(rec *record.Record, s *schema.Table, conds []cond) bool {
	for i := range conds {
		ci := s.ColumnIndex(conds[i].column)
		if ci < 0 {
			return false
		}
		f := rec.Fields[ci]
		if f == nil {
			return false
		}
		if !matchField(f, conds[i].op, &conds[i]) {
			return false
		}
	}
	return true
}

// --- statement executors ---

func parseTableRef(e *engine.Engine, p *parser) (*schema.Table, *Result) {
	if p.cur.Type != IDENT {
		return nil, errorResult(engine.CodeSyntax, "Expected table name")
	}
	s := e.SchemaByName(p.cur.Text)
	if s == nil {
		return nil, errorResult(engine.CodeNotFound, "Table not found")
	}
	p.next()
	return s, nil
}

func execSelect(e *engine.Engine, p *parser) *Result {
	// Column lists are accepted but all columns are always returned.
	if p.cur.Type == STAR {
		p.next()
	} else {
		for p.cur.Type == IDENT {
			p.next()
			if p.cur.Type != COMMA {
				break
			}
			p.next()
		}
	}

	if !p.expect(FROM) {
		return errorResult(engine.CodeSyntax, "Expected FROM")
	}
	s, errRes := parseTableRef(e, p)
	if errRes != nil {
		return errRes
	}
	conds := parseWhere(p)

	result := &Result{Schema: s}
	e.ScanDecrypt(s.TableID, func(_ uint64, rec *record.Record) {
		if recordMatches(rec, s, conds) {
			result.Rows = append(result.Rows, rec)
		}
	})
	return result
}

func execInsert(e *engine.Engine, p *parser, pid uint64) *Result {
	if !p.expect(INTO) {
		return errorResult(engine.CodeSyntax, "Expected INTO")
	}
	s, errRes := parseTableRef(e, p)
	if errRes != nil {
		return errRes
	}

	if !p.expect(LPAREN) {
		return errorResult(engine.CodeSyntax, "Expected '('")
	}
	var cols []string
	for p.cur.Type == IDENT && len(cols) < schema.MaxInsertVals {
		cols = append(cols, p.cur.Text)
		p.next()
		if p.cur.Type != COMMA {
			break
		}
		p.next()
	}
	if !p.expect(RPAREN) {
		return errorResult(engine.CodeSyntax, "Expected ')'")
	}
	if !p.expect(VALUES) {
		return errorResult(engine.CodeSyntax, "Expected VALUES")
	}
	if !p.expect(LPAREN) {
		return errorResult(engine.CodeSyntax, "Expected '('")
	}

	rec := record.New(s.TableID)
	rec.RowID = e.NextRowID()
	if len(s.Columns) > 0 && s.Columns[0].PrimaryKey {
		rec.SetU64(0, rec.RowID)
	}

	for i := 0; i < len(cols) && p.cur.Type != RPAREN && p.cur.Type != EOF; i++ {
		ci := s.ColumnIndex(cols[i])
		if ci < 0 {
			return errorResult(engine.CodeInval, "Unknown column")
		}
		switch p.cur.Type {
		case STRING:
			rec.SetStr(ci, p.cur.Text)
		case NUMBER:
			switch s.Columns[ci].Type {
			case schema.U64:
				rec.SetU64(ci, parseU64(p.cur.Text))
			case schema.U32:
				rec.SetU32(ci, uint32(parseU64(p.cur.Text)))
			default:
				rec.SetStr(ci, p.cur.Text)
			}
		default:
			i = len(cols) // malformed value list; stop consuming
			continue
		}
		p.next()
		if p.cur.Type != COMMA {
			break
		}
		p.next()
	}

	rec.FieldCount = uint32(len(s.Columns))

	// Auto-filled columns, when the schema declares them.
	if ci := s.ColumnIndex("owner_pid"); ci >= 0 {
		rec.SetU64(ci, pid)
	}
	if ci := s.ColumnIndex("created"); ci >= 0 {
		rec.SetU64(ci, e.Clock())
	}
	if si, di := s.ColumnIndex("size"), s.ColumnIndex("data"); si >= 0 && di >= 0 {
		if f := rec.Fields[di]; f != nil && f.Type == schema.Str {
			rec.SetU64(si, uint64(len(f.Str)))
		}
	}

	rowID := rec.RowID
	if err := e.Insert(s.TableID, rec); err != nil {
		return errorResult(engine.CodeFor(err), "Insert failed")
	}

	result := &Result{}
	result.setMessage(fmt.Sprintf("1 row inserted (row_id=%d)", rowID))
	return result
}

func execDelete(e *engine.Engine, p *parser) *Result {
	if !p.expect(FROM) {
		return errorResult(engine.CodeSyntax, "Expected FROM")
	}
	s, errRes := parseTableRef(e, p)
	if errRes != nil {
		return errRes
	}
	conds := parseWhere(p)

	// The scan must not mutate the tree: collect ids first, delete after.
	var rowIDs []uint64
	e.ScanDecrypt(s.TableID, func(rowID uint64, rec *record.Record) {
		if recordMatches(rec, s, conds) {
			rowIDs = append(rowIDs, rowID)
		}
	})
	deleted := 0
	for _, id := range rowIDs {
		if e.Delete(s.TableID, id) == nil {
			deleted++
		}
	}

	result := &Result{}
	result.setMessage(fmt.Sprintf("row(s) deleted: %d", deleted))
	return result
}

type setAssign struct {
	column string
	isStr  bool
	str    string
	num    uint64
}

func execUpdate(e *engine.Engine, p *parser) *Result {
	s, errRes := parseTableRef(e, p)
	if errRes != nil {
		return errRes
	}
	if !p.expect(SET) {
		return errorResult(engine.CodeSyntax, "Expected SET")
	}

	var assigns []setAssign
	for p.cur.Type == IDENT && len(assigns) < schema.MaxInsertVals {
		sa := setAssign{column: p.cur.Text}
		p.next()
		if p.cur.Type != EQ {
			break
		}
		p.next()
		switch p.cur.Type {
		case STRING:
			sa.isStr = true
			sa.str = p.cur.Text
		case NUMBER:
			sa.num = parseU64(p.cur.Text)
		default:
			return errorResult(engine.CodeSyntax, "Expected value after '='")
		}
		p.next()
		assigns = append(assigns, sa)
		if p.cur.Type != COMMA {
			break
		}
		p.next()
	}

	conds := parseWhere(p)

	var matches []*record.Record
	e.ScanDecrypt(s.TableID, func(_ uint64, rec *record.Record) {
		if recordMatches(rec, s, conds) {
			matches = append(matches, rec)
		}
	})

	updated := 0
	for _, m := range matches {
		modified := m.Clone()
		for _, sa := range assigns {
			ci := s.ColumnIndex(sa.column)
			if ci < 0 {
				continue
			}
			if sa.isStr {
				modified.SetStr(ci, sa.str)
			} else {
				modified.SetU64(ci, sa.num)
			}
		}
		if e.Update(s.TableID, modified.RowID, modified) == nil {
			updated++
		}
	}

	result := &Result{}
	result.setMessage(fmt.Sprintf("row(s) updated: %d", updated))
	return result
}

func execShowTables(e *engine.Engine) *Result {
	result := &Result{Schema: showSchema}
	for i := 0; i < e.TableCount(); i++ {
		s := e.SchemaByID(uint32(i))
		if s == nil {
			continue
		}
		row := record.New(uint32(i))
		row.RowID = uint64(i)
		row.FieldCount = 3
		row.SetU64(0, uint64(i))
		row.SetStr(1, s.Name)
		row.SetU64(2, uint64(len(s.Columns)))
		result.Rows = append(result.Rows, row)
	}
	return result
}

func execDescribe(e *engine.Engine, p *parser) *Result {
	s, errRes := parseTableRef(e, p)
	if errRes != nil {
		return errRes
	}

	result := &Result{Schema: describeSchema}
	for i, col := range s.Columns {
		row := record.New(0)
		row.RowID = uint64(i)
		row.FieldCount = 4
		row.SetStr(0, col.Name)
		row.SetStr(1, col.Type.String())
		row.SetStr(2, yesNo(col.PrimaryKey))
		row.SetStr(3, yesNo(col.NotNull))
		result.Rows = append(result.Rows, row)
	}
	return result
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

// execGrant parses and validates a GRANT; the capability subsystem owns
// the actual mutation, so only a formatted confirmation is returned.
func execGrant(_ *engine.Engine, p *parser) *Result {
	var rights uint32
	for p.cur.Type == READ || p.cur.Type == WRITE || p.cur.Type == ALL || p.cur.Type == IDENT {
		switch {
		case p.cur.Type == READ || strings.EqualFold(p.cur.Text, "READ"):
			rights |= capRead
		case p.cur.Type == WRITE || strings.EqualFold(p.cur.Text, "WRITE"):
			rights |= capWrite
		case p.cur.Type == ALL || strings.EqualFold(p.cur.Text, "ALL"):
			rights = capAll
		}
		p.next()
		if p.cur.Type != COMMA {
			break
		}
		p.next()
	}

	if !p.expect(ON) {
		return errorResult(engine.CodeSyntax, "Expected ON")
	}
	if p.cur.Type != NUMBER {
		return errorResult(engine.CodeSyntax, "Expected object_id")
	}
	objectID := parseU64(p.cur.Text)
	p.next()

	if !p.expect(TO) {
		return errorResult(engine.CodeSyntax, "Expected TO")
	}
	if p.cur.Type != NUMBER {
		return errorResult(engine.CodeSyntax, "Expected process_id")
	}
	targetPID := parseU64(p.cur.Text)

	result := &Result{}
	result.setMessage(fmt.Sprintf("GRANT rights=0x%x on obj=%d to pid=%d (cap system not yet wired)",
		rights, objectID, targetPID))
	return result
}

func execRevoke(_ *engine.Engine, p *parser) *Result {
	if p.cur.Type != NUMBER {
		return errorResult(engine.CodeSyntax, "Expected cap_id")
	}
	capID := parseU64(p.cur.Text)

	result := &Result{}
	result.setMessage(fmt.Sprintf("REVOKE cap_id=%d (cap system not yet wired)", capID))
	return result
}
