package chwire

import (
	"context"
	"fmt"
	"strings"

	"github.com/chwire/chwire-go/rowbinary"
)

type Table struct {
	c *Client

	// Database is the name of the database.
	//
	// This is optional and may be empty, in which case the database of the
	// request applies.
	Database string
	// Table is the name of the table.
	Table string
}

func (c *Client) Table(tableName string) *Table {
	return &Table{
		c:     c,
		Table: tableName,
	}
}

func (t *Table) Drop(ctx context.Context) error {
	_, err := t.c.Statement(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t.Identifier())).Exec(ctx)
	return err
}

// Columns describes the columns of the table, ready to encode rows with.
func (t *Table) Columns(ctx context.Context) ([]*rowbinary.Column, error) {
	resp, err := t.c.Statement(fmt.Sprintf(`DESCRIBE TABLE %s`, t.Identifier())).Query(ctx)
	if err != nil {
		return nil, err
	}
	records, err := resp.ReadAll()
	if err != nil {
		return nil, err
	}

	cols := make([]*rowbinary.Column, 0, len(records))
	for _, record := range records {
		if len(record) < 2 {
			return nil, fmt.Errorf("expected at least 2 columns, got %d", len(record))
		}
		name, ok := record[0].(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", record[0])
		}
		dataType, ok := record[1].(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", record[1])
		}
		col, err := rowbinary.ParseType(dataType)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		cols = append(cols, rowbinary.Named(name, col))
	}
	return cols, nil
}

// Insert inserts rows described by cols into the table.
func (t *Table) Insert(ctx context.Context, cols []*rowbinary.Column, rows [][]any, settings *InsertSettings) (*Summary, error) {
	return t.c.Insert(ctx, t.Identifier(), cols, rows, settings)
}

// Identifier renders the table name for use in statements, e.g. `db`.`t`.
func (t *Table) Identifier() string {
	if t.Database == "" {
		return quoteIdent(t.Table)
	}
	return quoteIdent(t.Database) + "." + quoteIdent(t.Table)
}

// quoteIdent wraps s in backticks, escaping backticks, backslashes and
// control characters.
func quoteIdent(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('`')
	for _, c := range s {
		switch {
		case c == '`' || c == '\\':
			b.WriteByte('\\')
			b.WriteRune(c)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c < 0x20:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteRune(c)
		}
	}
	b.WriteByte('`')
	return b.String()
}
