package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sotomayorlucas/vaultos/internal/schema"
)

type tokenExpectation struct {
	ttype TokenType
	text  string
}

func assertTokens(t *testing.T, input string, expected []tokenExpectation) {
	t.Helper()
	l := newLexer(input)
	for i, want := range expected {
		tok := l.next()
		assert.Equal(t, want.ttype, tok.Type, "token %d of %q: got %s", i, input, tok.Type)
		if want.text != "" {
			assert.Equal(t, want.text, tok.Text, "token %d of %q", i, input)
		}
	}
	assert.Equal(t, EOF, l.next().Type, "trailing tokens after %q", input)
}

func TestLexKeywordsCaseInsensitive(t *testing.T) {
	tests := []struct {
		input    string
		expected []tokenExpectation
	}{
		{"SELECT", []tokenExpectation{{SELECT, "SELECT"}}},
		{"select", []tokenExpectation{{SELECT, "select"}}},
		{"SeLeCt", []tokenExpectation{{SELECT, "SeLeCt"}}},
		{"show tables", []tokenExpectation{{SHOW, "show"}, {TABLES, "tables"}}},
		{"describe grant revoke", []tokenExpectation{{DESCRIBE, ""}, {GRANT, ""}, {REVOKE, ""}}},
		{"read write all on to", []tokenExpectation{{READ, ""}, {WRITE, ""}, {ALL, ""}, {ON, ""}, {TO, ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assertTokens(t, tt.input, tt.expected)
		})
	}
}

func TestLexOperators(t *testing.T) {
	assertTokens(t, "= != < > <= >= * , ( )", []tokenExpectation{
		{EQ, ""}, {NEQ, ""}, {LT, ""}, {GT, ""},
		{LE, ""}, {GE, ""}, {STAR, "*"}, {COMMA, ""}, {LPAREN, ""}, {RPAREN, ""},
	})
}

func TestLexStringLiteral(t *testing.T) {
	assertTokens(t, "'hello world'", []tokenExpectation{{STRING, "hello world"}})
	assertTokens(t, "''", []tokenExpectation{{STRING, ""}})
	// No escapes: a doubled quote reads as two adjacent strings.
	assertTokens(t, "'it''s'", []tokenExpectation{{STRING, "it"}, {STRING, "s"}})
	// Unterminated literal consumes to end of input.
	assertTokens(t, "'dangling", []tokenExpectation{{STRING, "dangling"}})
}

func TestLexStringTruncation(t *testing.T) {
	long := strings.Repeat("a", schema.MaxStrLen+50)
	l := newLexer("'" + long + "'")
	tok := l.next()
	assert.Equal(t, STRING, tok.Type)
	assert.Len(t, tok.Text, schema.MaxStrLen)
}

func TestLexNumbersAndIdents(t *testing.T) {
	assertTokens(t, "foo _bar b42 42", []tokenExpectation{
		{IDENT, "foo"}, {IDENT, "_bar"}, {IDENT, "b42"}, {NUMBER, "42"},
	})
}

func TestLexUnknownCharacter(t *testing.T) {
	assertTokens(t, "name ; x", []tokenExpectation{
		{IDENT, "name"}, {ERROR, ";"}, {IDENT, "x"},
	})
}

func TestParseU64Wrapping(t *testing.T) {
	assert.Equal(t, uint64(0), parseU64(""))
	assert.Equal(t, uint64(123), parseU64("123"))
	assert.Equal(t, uint64(42), parseU64("42abc"))
	// Wrapping arithmetic, no overflow error.
	assert.Equal(t, uint64(18446744073709551615), parseU64("18446744073709551615"))
	assert.Equal(t, uint64(0), parseU64("18446744073709551616"))
}
