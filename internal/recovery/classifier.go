package recovery

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
)

type pattern struct {
	re            *regexp.Regexp
	typ           ErrorType
	severity      Severity
	retryable     bool
	memoryRelated bool
}

// Order matters: the first family that matches wins.
var patterns = []pattern{
	{re: regexp.MustCompile(`(?i)out of memory|cannot allocate|memory limit|heap exhausted|insufficient memory`),
		typ: TypeSystem, severity: SeverityHigh, retryable: true, memoryRelated: true},
	{re: regexp.MustCompile(`(?i)connection (refused|reset|closed|lost)|broken pipe|no such host|i/o timeout|timed? ?out|deadline exceeded|network is unreachable|too many connections|server closed|eof$`),
		typ: TypeNetwork, severity: SeverityMedium, retryable: true},
	{re: regexp.MustCompile(`(?i)duplicate (key|entry)|unique constraint|foreign key|violates .*constraint|constraint .*violat|not[- ]null|cannot insert (the value )?null`),
		typ: TypeDataIntegrity, severity: SeverityHigh},
	{re: regexp.MustCompile(`(?i)(column|table|relation|object name)( "?[\w.]+"?)? (does not exist|not found)|unknown column|invalid (column|object) name|no such (column|table)|type mismatch|cannot (be )?cast|invalid input syntax for type|datatype mismatch`),
		typ: TypeSchemaMismatch, severity: SeverityCritical},
	{re: regexp.MustCompile(`(?i)checksum mismatch|hash mismatch`),
		typ: TypeValidation, severity: SeverityHigh},
	{re: regexp.MustCompile(`(?i)count mismatch|row count`),
		typ: TypeValidation, severity: SeverityMedium},
	{re: regexp.MustCompile(`(?i)validation failed|invalid format|required field|out of range|must be`),
		typ: TypeValidation, severity: SeverityLow},
	{re: regexp.MustCompile(`(?i)business rule|policy violation|not allowed|inactive record`),
		typ: TypeBusinessRule, severity: SeverityLow},
}

// Classifier converts raw errors into MigrationErrors.
type Classifier struct {
	now func() time.Time
}

// NewClassifier returns a classifier stamping errors with the given clock.
func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{now: now}
}

// Classify assigns a type and severity to err. An error that is already a
// MigrationError keeps its classification and gains the missing context.
func (c *Classifier) Classify(err error, ec ErrorContext) *MigrationError {
	var existing *MigrationError
	if errors.As(err, &existing) {
		cp := *existing
		cp.Context = mergeContext(existing.Context, ec)
		return &cp
	}

	me := &MigrationError{
		Message:    err.Error(),
		Context:    ec,
		OccurredAt: c.now(),
		cause:      err,
	}

	if typ, sev, retry, ok := classifyDriverError(err); ok {
		me.Type, me.Severity, me.Retryable = typ, sev, retry
		return me
	}

	for _, p := range patterns {
		if p.re.MatchString(me.Message) {
			me.Type = p.typ
			me.Severity = p.severity
			me.Retryable = p.retryable
			me.MemoryRelated = p.memoryRelated
			return me
		}
	}

	me.Type = TypeSystem
	me.Severity = SeverityHigh
	if strings.Contains(strings.ToLower(me.Message), "memory") {
		me.MemoryRelated = true
		me.Retryable = true
	}
	return me
}

// classifyDriverError inspects typed errors from the database drivers and the
// network stack before falling back to message patterns.
func classifyDriverError(err error) (ErrorType, Severity, bool, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeNetwork, SeverityMedium, true, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return TypeNetwork, SeverityMedium, true, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch {
		case pgErr.Code == "42703", pgErr.Code == "42P01", pgErr.Code == "42804":
			return TypeSchemaMismatch, SeverityCritical, false, true
		case pgErr.Code == "53200":
			return TypeSystem, SeverityHigh, true, true
		}
		switch pgErr.Code[:2] {
		case "08", "57":
			return TypeNetwork, SeverityMedium, true, true
		case "23":
			return TypeDataIntegrity, SeverityHigh, false, true
		case "22":
			return TypeValidation, SeverityLow, false, true
		}
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case 2627, 2601, 547, 515:
			return TypeDataIntegrity, SeverityHigh, false, true
		case 207, 208:
			return TypeSchemaMismatch, SeverityCritical, false, true
		case 1205, 4060, 18456:
			return TypeNetwork, SeverityMedium, true, true
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062, 1451, 1452, 1048:
			return TypeDataIntegrity, SeverityHigh, false, true
		case 1054, 1146:
			return TypeSchemaMismatch, SeverityCritical, false, true
		case 1040, 1205, 1213:
			return TypeNetwork, SeverityMedium, true, true
		}
	}

	return "", "", false, false
}

func mergeContext(base, extra ErrorContext) ErrorContext {
	if base.Operation == "" {
		base.Operation = extra.Operation
	}
	if base.RunID == "" {
		base.RunID = extra.RunID
	}
	if base.EntityType == "" {
		base.EntityType = extra.EntityType
	}
	if base.BatchIndex == 0 {
		base.BatchIndex = extra.BatchIndex
	}
	if base.RecordID == "" {
		base.RecordID = extra.RecordID
	}
	return base
}
