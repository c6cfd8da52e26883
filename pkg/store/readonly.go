package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MaxSandboxRows caps the result set of sandbox-issued queries.
const MaxSandboxRows = 10000

// forbiddenSQLWords are keywords rejected anywhere in a sandbox statement.
// The read-only transaction is the real barrier; this keeps error messages
// early and predictable.
var forbiddenSQLWords = []string{"into", "attach", "pragma"}

// validateReadOnlySQL accepts only a single top-level SELECT statement.
func validateReadOnlySQL(query string) error {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.ContainsRune(trimmed, ';') {
		return fmt.Errorf("multiple statements are not allowed")
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	for _, word := range forbiddenSQLWords {
		for _, field := range strings.FieldsFunc(lower, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\n' || r == '(' || r == ')'
		}) {
			if field == word {
				return fmt.Errorf("keyword %q is not allowed", word)
			}
		}
	}
	return nil
}

// QueryReadOnly executes a sandbox-supplied SELECT inside a read-only
// transaction and returns generic row maps, capped at MaxSandboxRows.
func (s *Store) QueryReadOnly(ctx context.Context, query string) ([]map[string]any, error) {
	if err := validateReadOnlySQL(query); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		if len(out) >= MaxSandboxRows {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
