package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrStorage is returned for every failed storage operation. The underlying
// driver error stays in the chain for errors.Is checks such as
// gorm.ErrDuplicatedKey.
var ErrStorage = errors.New("database operation failed")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) fail(op string, err error) error {
	if s.log != nil {
		s.log.Error("database operation failed", zap.String("op", op), zap.Error(err))
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Query runs a SELECT and returns one map per row keyed by column name.
func (s *Store) Query(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	rows := make([]map[string]interface{}, 0)
	if err := s.DB(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, s.fail("query", err)
	}
	return rows, nil
}

// Select scans the result of a SELECT into dest, a pointer to a struct slice.
func (s *Store) Select(ctx context.Context, dest interface{}, sql string, args ...interface{}) error {
	if err := s.DB(ctx).Raw(sql, args...).Scan(dest).Error; err != nil {
		return s.fail("select", err)
	}
	return nil
}

// Get scans the first row of a SELECT into dest and reports whether a row
// was found.
func (s *Store) Get(ctx context.Context, dest interface{}, sql string, args ...interface{}) (bool, error) {
	tx := s.DB(ctx).Raw(sql, args...).Scan(dest)
	if tx.Error != nil {
		return false, s.fail("get", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

// Exec runs a statement that returns no rows and reports affected rows.
func (s *Store) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tx := s.DB(ctx).Exec(sql, args...)
	if tx.Error != nil {
		return 0, s.fail("exec", tx.Error)
	}
	return tx.RowsAffected, nil
}

// Insert adds one row built from data and returns its generated id.
func (s *Store) Insert(ctx context.Context, table string, data map[string]interface{}) (int64, error) {
	if err := checkIdentifiers(table, data); err != nil {
		return 0, s.fail("insert", err)
	}

	var sql string
	keys := sortedKeys(data)
	values := make([]interface{}, 0, len(keys))
	if len(keys) == 0 {
		sql = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING id", table)
	} else {
		for _, k := range keys {
			values = append(values, data[k])
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
		sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id", table, strings.Join(keys, ", "), placeholders)
	}

	var id int64
	if err := s.DB(ctx).Raw(sql, values...).Scan(&id).Error; err != nil {
		return 0, s.fail("insert", err)
	}
	return id, nil
}

// Update sets the columns in data on every row matching where and reports
// affected rows.
func (s *Store) Update(ctx context.Context, table string, data map[string]interface{}, where string, args ...interface{}) (int64, error) {
	if len(data) == 0 {
		return 0, s.fail("update", errors.New("no columns to update"))
	}
	if err := checkIdentifiers(table, data); err != nil {
		return 0, s.fail("update", err)
	}

	tx := s.DB(ctx).Table(table).Where(where, args...).Updates(data)
	if tx.Error != nil {
		return 0, s.fail("update", tx.Error)
	}
	return tx.RowsAffected, nil
}

func (s *Store) Delete(ctx context.Context, table, where string, args ...interface{}) (int64, error) {
	if !identifierPattern.MatchString(table) {
		return 0, s.fail("delete", fmt.Errorf("invalid table name %q", table))
	}

	tx := s.DB(ctx).Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...)
	if tx.Error != nil {
		return 0, s.fail("delete", tx.Error)
	}
	return tx.RowsAffected, nil
}

// Transaction runs fn atomically. fn must use the Store it is handed: on
// SQLite the outer Store shares the only connection and would block.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, config: s.config, log: s.log})
	})
}

func checkIdentifiers(table string, data map[string]interface{}) error {
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	for k := range data {
		if !identifierPattern.MatchString(k) {
			return fmt.Errorf("invalid column name %q", k)
		}
	}
	return nil
}

func sortedKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
