package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nikolay-makurin/routecheck/pkg/types"
)

// Querier is the part of a session the executor needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TemplateData is what probe statements can reference, e.g. {{.RunID}}.
type TemplateData struct {
	RunID string
	Probe string
	Time  time.Time
}

// Address and port come from STABLE functions. pgpool sends statements
// calling VOLATILE functions (pg_is_in_recovery, the WAL functions) to the
// primary, so read probes only ask for WAL state when told to.
const (
	addressColumns = "coalesce(host(inet_server_addr()), '') AS backend_addr, " +
		"coalesce(inet_server_port(), 0) AS backend_port"
	walColumns = "pg_is_in_recovery() AS in_recovery, " +
		"coalesce((CASE WHEN pg_is_in_recovery() THEN pg_last_wal_replay_lsn() ELSE pg_current_wal_lsn() END)::text, '') AS wal_lsn"
)

func identityColumns(wal bool) string {
	if wal {
		return addressColumns + ", " + walColumns
	}
	return addressColumns
}

type Options struct {
	// Timeout bounds a single probe from dispatch to result. Zero means the
	// caller's context alone decides.
	Timeout time.Duration
	// RollbackTimeout bounds the ROLLBACK issued after a failed
	// transactional probe, which runs even when the probe deadline passed.
	RollbackTimeout time.Duration
}

type Executor struct {
	opts Options
}

func NewExecutor(opts Options) *Executor {
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = 5 * time.Second
	}
	return &Executor{opts: opts}
}

// Validate reports whether p can be executed at all.
func Validate(p types.Probe) error {
	if p.Name == "" {
		return errors.New("probe name is required")
	}
	switch p.Kind {
	case types.KindRead, types.KindWrite:
		if len(p.Statements) != 1 {
			return fmt.Errorf("probe %s: %s probes take exactly one statement", p.Name, p.Kind)
		}
	case types.KindTransactional:
		if len(p.Statements) == 0 {
			return fmt.Errorf("probe %s: transactional probes need at least one statement", p.Name)
		}
	default:
		return fmt.Errorf("probe %s: invalid kind %q", p.Name, p.Kind)
	}
	if len(p.StatementArgs) > 0 {
		if p.Kind != types.KindTransactional {
			return fmt.Errorf("probe %s: per-statement args are for transactional probes, use args", p.Name)
		}
		if len(p.StatementArgs) != len(p.Statements) {
			return fmt.Errorf("probe %s: %d statement args for %d statements", p.Name, len(p.StatementArgs), len(p.Statements))
		}
		if len(p.Args) > 0 {
			return fmt.Errorf("probe %s: args and per-statement args are mutually exclusive", p.Name)
		}
	}
	if p.Kind == types.KindTransactional && len(p.Statements) > 1 && len(p.Args) > 0 {
		return fmt.Errorf("probe %s: args bind to a single statement, use per-statement args", p.Name)
	}
	for i, s := range p.Statements {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("probe %s: statement %d is empty", p.Name, i)
		}
		if _, err := template.New(p.Name).Option("missingkey=error").Parse(s); err != nil {
			return fmt.Errorf("probe %s: statement %d: %w", p.Name, i, err)
		}
	}
	return nil
}

// Run executes p on q. It never returns an error: every failure, including
// timeouts, ends up in the returned result. The observed role is left for
// the verifier to fill in.
func (e *Executor) Run(ctx context.Context, q Querier, p types.Probe, data TemplateData) types.ProbeResult {
	res := types.ProbeResult{
		Probe:        p.Name,
		Kind:         p.Kind,
		ExpectedRole: p.ExpectedRole,
	}

	if err := Validate(p); err != nil {
		return fail(res, types.ErrorQuery, err)
	}
	data.Probe = p.Name
	statements, err := render(p, data)
	if err != nil {
		return fail(res, types.ErrorQuery, err)
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	var (
		id   types.BackendIdentity
		rows int64
	)
	start := time.Now()
	switch p.Kind {
	case types.KindRead:
		id, rows, err = e.runRead(ctx, q, statements[0], p)
	case types.KindWrite:
		id, rows, err = e.runWrite(ctx, q, statements[0], p)
	case types.KindTransactional:
		id, rows, err = e.runTransactional(ctx, q, statements, p)
	}
	res.Duration = time.Since(start)
	res.Observed = id
	res.Rows = rows

	if err != nil {
		return fail(res, errorKind(ctx, err), err)
	}
	res.Success = true
	return res
}

func (e *Executor) runRead(ctx context.Context, q Querier, stmt string, p types.Probe) (types.BackendIdentity, int64, error) {
	sql := fmt.Sprintf("SELECT (SELECT count(*) FROM (%s) AS probe_rows) AS probe_count, %s",
		trimStatement(stmt), identityColumns(p.CaptureWAL))

	rows, err := q.Query(ctx, sql, p.Args...)
	if err != nil {
		return types.BackendIdentity{}, 0, err
	}
	defer rows.Close()

	var count int64
	id, n, err := scanIdentity(rows, p.CaptureWAL, &count)
	if err != nil {
		return id, 0, err
	}
	if n == 0 {
		return id, 0, errors.New("read probe returned no row")
	}
	return id, count, nil
}

func (e *Executor) runWrite(ctx context.Context, q Querier, stmt string, p types.Probe) (types.BackendIdentity, int64, error) {
	stmt = trimStatement(stmt)
	if hasReturning(stmt) {
		return e.runWriteReturning(ctx, q, stmt, p)
	}
	sql := stmt + " RETURNING " + identityColumns(true)

	rows, err := q.Query(ctx, sql, p.Args...)
	if err != nil {
		return types.BackendIdentity{}, 0, err
	}
	defer rows.Close()

	id, n, err := scanIdentity(rows, true)
	if err != nil {
		return id, n, err
	}
	if n == 0 {
		return id, 0, errors.New("write probe returned no row, backend unknown")
	}
	return id, n, nil
}

// runWriteReturning keeps the statement's own RETURNING list and reads the
// identity from a select over it. A data-modifying CTE runs on the same
// backend as the select around it.
func (e *Executor) runWriteReturning(ctx context.Context, q Querier, stmt string, p types.Probe) (types.BackendIdentity, int64, error) {
	sql := fmt.Sprintf("WITH probe_rows AS (%s) SELECT (SELECT count(*) FROM probe_rows) AS probe_count, %s",
		stmt, identityColumns(true))

	rows, err := q.Query(ctx, sql, p.Args...)
	if err != nil {
		return types.BackendIdentity{}, 0, err
	}
	defer rows.Close()

	var count int64
	id, _, err := scanIdentity(rows, true, &count)
	if err != nil {
		return id, 0, err
	}
	if count == 0 {
		return id, 0, errors.New("write probe returned no row, backend unknown")
	}
	return id, count, nil
}

func (e *Executor) runTransactional(ctx context.Context, q Querier, statements []string, p types.Probe) (id types.BackendIdentity, affected int64, err error) {
	tx, err := q.Begin(ctx)
	if err != nil {
		return id, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.RollbackTimeout)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
	}()

	for i, stmt := range statements {
		tag, execErr := tx.Exec(ctx, stmt, statementArgs(p, i)...)
		if execErr != nil {
			return id, affected, fmt.Errorf("statement %d: %w", i+1, execErr)
		}
		affected += tag.RowsAffected()
	}

	rows, err := tx.Query(ctx, "SELECT "+identityColumns(true))
	if err != nil {
		return id, affected, fmt.Errorf("identity: %w", err)
	}
	id, _, err = scanIdentity(rows, true)
	rows.Close()
	if err != nil {
		return id, affected, fmt.Errorf("identity: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return id, affected, fmt.Errorf("commit: %w", err)
	}
	return id, affected, nil
}

// scanIdentity reads the identity columns of the first row, preceded by
// any extra destinations, and counts the rows.
func scanIdentity(rows pgx.Rows, wal bool, extra ...any) (types.BackendIdentity, int64, error) {
	var (
		id      types.BackendIdentity
		n       int64
		addr    string
		port    int32
		inRecov bool
		lsnText string
	)
	dest := append(extra, &addr, &port)
	if wal {
		dest = append(dest, &inRecov, &lsnText)
	}

	for rows.Next() {
		n++
		if n > 1 {
			continue
		}
		if err := rows.Scan(dest...); err != nil {
			return id, n, fmt.Errorf("scan identity: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return id, n, err
	}
	if n == 0 {
		return id, 0, nil
	}

	id.Address = addr
	id.Port = int(port)
	id.InRecovery = inRecov
	if lsnText != "" {
		lsn, err := pglogrepl.ParseLSN(lsnText)
		if err != nil {
			return id, n, fmt.Errorf("parse lsn %q: %w", lsnText, err)
		}
		id.LSN = types.LSN(lsn)
	}
	return id, n, nil
}

func render(p types.Probe, data TemplateData) ([]string, error) {
	out := make([]string, 0, len(p.Statements))
	for i, s := range p.Statements {
		tmpl, err := template.New(p.Name).Option("missingkey=error").Parse(s)
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", i+1, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("statement %d: %w", i+1, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

// statementArgs returns the arguments bound to statement i. Args belong to a
// probe's only statement.
func statementArgs(p types.Probe, i int) []any {
	if len(p.StatementArgs) > 0 {
		return p.StatementArgs[i]
	}
	if i == 0 {
		return p.Args
	}
	return nil
}

var (
	quotedRe    = regexp.MustCompile(`'(?:[^']|'')*'|"(?:[^"]|"")*"`)
	returningRe = regexp.MustCompile(`(?i)\breturning\b`)
)

// hasReturning reports whether stmt already carries a RETURNING clause,
// ignoring string literals and quoted identifiers.
func hasReturning(stmt string) bool {
	return returningRe.MatchString(quotedRe.ReplaceAllString(stmt, "''"))
}

func trimStatement(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "; \n\t")
}

func errorKind(ctx context.Context, err error) types.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		pgconn.Timeout(err) || ctx.Err() != nil {
		return types.ErrorTimeout
	}
	return types.ErrorQuery
}

func fail(res types.ProbeResult, kind types.ErrorKind, err error) types.ProbeResult {
	res.Success = false
	res.Passed = false
	res.ErrorKind = kind
	res.Error = err.Error()
	return res
}
