// Package base provides the built-in warehouse tools exposed through the
// gateway: ad hoc read queries, table listing, and table previews. These are
// deliberately small; their job is to make the warehouse reachable, not to
// model a domain.
package base

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-warehouse-gateway/pkg/gateway"
	"github.com/txn2/mcp-warehouse-gateway/pkg/warehouse"
)

// psql builds queries with $n placeholders for the warehouse driver.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// identifierPattern allows schema-qualified table names only.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const (
	defaultSchema      = "public"
	defaultPreviewRows = 10
	maxPreviewRows     = 1000
)

// Config tunes the base toolkit.
type Config struct {
	// DefaultSchema is the schema base_list_tables reads when the caller
	// names none.
	DefaultSchema string

	// InjectArgs are passed through to every descriptor, invisible to
	// clients.
	InjectArgs map[string]any
}

// Descriptors returns the toolkit's gateway descriptors.
func Descriptors(cfg Config) []*gateway.Descriptor {
	schema := cfg.DefaultSchema
	if schema == "" {
		schema = defaultSchema
	}

	return []*gateway.Descriptor{
		{
			Name: "base_read_query",
			Description: "Run a read-only SQL query against the warehouse. " +
				"Only SELECT and WITH statements are accepted.",
			Params: []gateway.Param{
				{Name: "sql", Type: "string", Description: "The SELECT statement to run", Required: true},
			},
			SessionKind: warehouse.SessionPooled,
			InjectArgs:  cfg.InjectArgs,
			Handler:     handleReadQuery,
		},
		{
			Name:        "base_list_tables",
			Description: "List tables and views visible in a schema.",
			Params: []gateway.Param{
				{Name: "schema", Type: "string", Description: "Schema to list", Default: schema},
			},
			SessionKind: warehouse.SessionPooled,
			InjectArgs:  cfg.InjectArgs,
			Handler:     handleListTables,
		},
		{
			Name:        "base_table_preview",
			Description: "Fetch the first rows of a table.",
			Params: []gateway.Param{
				{Name: "table_name", Type: "string", Description: "Table to preview, optionally schema-qualified", Required: true},
				{Name: "limit", Type: "integer", Description: "Maximum rows to return", Default: float64(defaultPreviewRows)},
			},
			SessionKind: warehouse.SessionPooled,
			InjectArgs:  cfg.InjectArgs,
			Handler:     handleTablePreview,
		},
	}
}

func handleReadQuery(ctx context.Context, session warehouse.Session, args map[string]any) (any, error) {
	query, err := stringArg(args, "sql")
	if err != nil {
		return nil, err
	}

	head := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") {
		return nil, fmt.Errorf("only SELECT and WITH statements are allowed")
	}

	rows, err := session.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return rowsToMaps(rows)
}

func handleListTables(ctx context.Context, session warehouse.Session, args map[string]any) (any, error) {
	schema, err := stringArg(args, "schema")
	if err != nil {
		return nil, err
	}

	query, queryArgs, err := psql.
		Select("table_name", "table_type").
		From("information_schema.tables").
		Where(sq.Eq{"table_schema": schema}).
		OrderBy("table_name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build table listing: %w", err)
	}

	rows, err := session.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return rowsToMaps(rows)
}

func handleTablePreview(ctx context.Context, session warehouse.Session, args map[string]any) (any, error) {
	table, err := stringArg(args, "table_name")
	if err != nil {
		return nil, err
	}
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	limit, err := intArg(args, "limit")
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxPreviewRows {
		return nil, fmt.Errorf("limit must be between 1 and %d", maxPreviewRows)
	}

	// The table name is validated above; squirrel only parameterizes
	// values, not identifiers.
	query, queryArgs, err := psql.
		Select("*").
		From(table).
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build preview: %w", err)
	}

	rows, err := session.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	return rowsToMaps(rows)
}

// rowsToMaps materializes a result set as JSON-friendly row maps.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func intArg(args map[string]any, key string) (int, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("argument %q must be an integer", key)
	}
}
