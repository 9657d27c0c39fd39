package query

import (
	"github.com/sotomayorlucas/vaultos/internal/engine"
	"github.com/sotomayorlucas/vaultos/internal/record"
	"github.com/sotomayorlucas/vaultos/internal/schema"
)

// maxMessage bounds the status/error message carried by a result.
const maxMessage = 255

// Result is the outcome of one statement: matched rows, a stable error
// code, a short status message, and the schema to render the rows with
// (virtual for SHOW/DESCRIBE).
type Result struct {
	Rows    []*record.Record
	Code    engine.Code
	Message string
	Schema  *schema.Table
}

func (r *Result) setMessage(msg string) {
	if len(msg) > maxMessage {
		msg = msg[:maxMessage]
	}
	r.Message = msg
}

func errorResult(code engine.Code, msg string) *Result {
	r := &Result{Code: code}
	r.setMessage(msg)
	return r
}

// Virtual schemas attached to SHOW TABLES and DESCRIBE result sets.
var showSchema = &schema.Table{
	Name: "Tables",
	Columns: []schema.Column{
		{Name: "id", Type: schema.U64},
		{Name: "table_name", Type: schema.Str},
		{Name: "columns", Type: schema.U64},
	},
}

var describeSchema = &schema.Table{
	Name: "Columns",
	Columns: []schema.Column{
		{Name: "name", Type: schema.Str},
		{Name: "type", Type: schema.Str},
		{Name: "pk", Type: schema.Str},
		{Name: "not_null", Type: schema.Str},
	},
}
