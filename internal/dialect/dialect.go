// Package dialect provides the small amount of database-specific SQL the
// stores generate: identifier quoting, table qualification, bind
// placeholders and row limits.
package dialect

import (
	"fmt"
	"strings"
	"unicode"
)

// Dialect generates SQL fragments for one database engine.
type Dialect interface {
	// DBType returns the canonical engine name: mssql, postgres or mysql.
	DBType() string
	QuoteIdentifier(name string) string
	QualifyTable(schema, table string) string
	// ParameterPlaceholder returns the bind marker for a 1-based index.
	ParameterPlaceholder(index int) string
	ColumnList(cols []string) string
	// Placeholders returns n comma separated markers starting at index start.
	Placeholders(start, n int) string
	// SelectTop is emitted right after SELECT to cap the row count.
	SelectTop(n int) string
	// LimitClause is appended to a query to cap the row count.
	LimitClause(n int) string
}

// GetDialect returns the dialect for a database type or alias, or nil when
// the type is unknown.
func GetDialect(dbType string) Dialect {
	switch strings.ToLower(dbType) {
	case "mssql", "sqlserver":
		return mssql{}
	case "postgres", "postgresql", "pg":
		return postgres{}
	case "mysql", "mariadb":
		return mysql{}
	default:
		return nil
	}
}

type base struct {
	quote       func(string) string
	placeholder func(int) string
}

func (b base) columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = b.quote(c)
	}
	return strings.Join(quoted, ", ")
}

func (b base) placeholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = b.placeholder(start + i)
	}
	return strings.Join(ph, ", ")
}

func (b base) qualify(schema, table string) string {
	if schema == "" {
		return b.quote(table)
	}
	return b.quote(schema) + "." + b.quote(table)
}

type mssql struct{}

func (mssql) b() base {
	return base{quote: mssql{}.QuoteIdentifier, placeholder: mssql{}.ParameterPlaceholder}
}

func (mssql) DBType() string { return "mssql" }

func (mssql) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d mssql) QualifyTable(schema, table string) string { return d.b().qualify(schema, table) }
func (mssql) ParameterPlaceholder(index int) string      { return fmt.Sprintf("@p%d", index) }
func (d mssql) ColumnList(cols []string) string          { return d.b().columnList(cols) }
func (d mssql) Placeholders(start, n int) string         { return d.b().placeholders(start, n) }

func (mssql) SelectTop(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("TOP (%d) ", n)
}

func (mssql) LimitClause(int) string { return "" }

type postgres struct{}

func (postgres) b() base {
	return base{quote: postgres{}.QuoteIdentifier, placeholder: postgres{}.ParameterPlaceholder}
}

func (postgres) DBType() string { return "postgres" }

func (postgres) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d postgres) QualifyTable(schema, table string) string { return d.b().qualify(schema, table) }
func (postgres) ParameterPlaceholder(index int) string      { return fmt.Sprintf("$%d", index) }
func (d postgres) ColumnList(cols []string) string          { return d.b().columnList(cols) }
func (d postgres) Placeholders(start, n int) string         { return d.b().placeholders(start, n) }
func (postgres) SelectTop(int) string                       { return "" }

func (postgres) LimitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

type mysql struct{}

func (mysql) b() base {
	return base{quote: mysql{}.QuoteIdentifier, placeholder: mysql{}.ParameterPlaceholder}
}

func (mysql) DBType() string { return "mysql" }

func (mysql) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d mysql) QualifyTable(schema, table string) string { return d.b().qualify(schema, table) }
func (mysql) ParameterPlaceholder(int) string            { return "?" }
func (d mysql) ColumnList(cols []string) string          { return d.b().columnList(cols) }
func (d mysql) Placeholders(start, n int) string         { return d.b().placeholders(start, n) }
func (mysql) SelectTop(int) string                       { return "" }

func (mysql) LimitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

// SanitizePGIdentifier converts a legacy identifier to a PostgreSQL-friendly
// form: lowercase, non-alphanumerics replaced by underscores, and a "col_"
// prefix when it would start with a digit.
func SanitizePGIdentifier(ident string) string {
	if ident == "" {
		return "col_"
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(ident) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	s := sb.String()

	if unicode.IsDigit(rune(s[0])) {
		s = "col_" + s
	}
	return s
}
