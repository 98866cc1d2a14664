package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/dosug/internal/observability"
)

// Filter is a set of column = value conditions joined with AND.
type Filter map[string]any

type rowScanner interface {
	Scan(dest ...any) error
}

// table describes how a model maps onto its SQL table.
type table[T any] struct {
	name    string
	key     string
	columns []string // selectable columns, in scan order
	scan    func(rowScanner) (T, error)
	insert  func(T) Filter
}

// Repository provides the basic queries shared by every model.
type Repository[T any] struct {
	db *sql.DB
	t  table[T]
}

func newRepository[T any](db *sql.DB, t table[T]) *Repository[T] {
	return &Repository[T]{db: db, t: t}
}

// FindByID returns the row with the given primary key, or nil if there is none.
func (r *Repository[T]) FindByID(ctx context.Context, id int64) (*T, error) {
	return r.FindOneOrNone(ctx, Filter{r.t.key: id})
}

// FindOneOrNone returns the first row matching f, or nil if there is none.
func (r *Repository[T]) FindOneOrNone(ctx context.Context, f Filter) (*T, error) {
	defer r.observe("find_one", time.Now())

	where, args, err := r.where(f)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s LIMIT 1", r.selectList(), r.t.name, where)
	item, err := r.t.scan(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.t.name, err)
	}
	return &item, nil
}

// FindAll returns every row matching f in primary key order.
func (r *Repository[T]) FindAll(ctx context.Context, f Filter) ([]T, error) {
	defer r.observe("find_all", time.Now())

	where, args, err := r.where(f)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s", r.selectList(), r.t.name, where, r.t.key)
	return r.query(ctx, query, args...)
}

// FindLastN returns up to limit rows matching f, newest first.
func (r *Repository[T]) FindLastN(ctx context.Context, limit int, f Filter) ([]T, error) {
	defer r.observe("find_last_n", time.Now())

	if limit <= 0 {
		return []T{}, nil
	}

	where, args, err := r.where(f)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at DESC, %s DESC LIMIT ?",
		r.selectList(), r.t.name, where, r.t.key)
	return r.query(ctx, query, append(args, limit)...)
}

// Add inserts item and returns the stored row with its generated fields.
func (r *Repository[T]) Add(ctx context.Context, item T) (*T, error) {
	defer r.observe("add", time.Now())

	values := r.t.insert(item)
	cols := sortedKeys(values)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = values[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		r.t.name, strings.Join(cols, ", "), placeholders(len(cols)))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", r.t.name, err)
	}

	// Both tables use an INTEGER PRIMARY KEY, so the rowid is the key.
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted id: %w", err)
	}

	stored, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("inserted %s row %d vanished", r.t.name, id)
	}
	return stored, nil
}

// Update sets the non-zero values on every row matching f and refreshes
// updated_at. It returns ErrNotFound when nothing matches.
func (r *Repository[T]) Update(ctx context.Context, f Filter, values Filter) (int64, error) {
	defer r.observe("update", time.Now())

	if len(f) == 0 {
		return 0, fmt.Errorf("%w: update requires a filter", ErrInvalidFilter)
	}

	where, whereArgs, err := r.where(f)
	if err != nil {
		return 0, err
	}

	sets := []string{"updated_at = " + timestampExpr}
	var args []any
	for _, col := range sortedKeys(values) {
		if !r.hasColumn(col) || col == r.t.key {
			return 0, fmt.Errorf("%w: cannot update column %q", ErrInvalidFilter, col)
		}
		v := values[col]
		if isZero(v) {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	query := fmt.Sprintf("UPDATE %s SET %s%s", r.t.name, strings.Join(sets, ", "), where)
	res, err := r.db.ExecContext(ctx, query, append(args, whereArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", r.t.name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// Delete removes the row with the given primary key.
func (r *Repository[T]) Delete(ctx context.Context, id int64) error {
	defer r.observe("delete", time.Now())

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", r.t.name, r.t.key)
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", r.t.name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of rows matching f.
func (r *Repository[T]) Count(ctx context.Context, f Filter) (int64, error) {
	where, args, err := r.where(f)
	if err != nil {
		return 0, err
	}

	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", r.t.name, where)
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.t.name, err)
	}
	return n, nil
}

func (r *Repository[T]) query(ctx context.Context, query string, args ...any) ([]T, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.t.name, err)
	}
	defer rows.Close()

	items := []T{}
	for rows.Next() {
		item, err := r.t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.t.name, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *Repository[T]) where(f Filter) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}

	cols := sortedKeys(f)
	conds := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		if !r.hasColumn(col) {
			return "", nil, fmt.Errorf("%w: unknown column %q for %s", ErrInvalidFilter, col, r.t.name)
		}
		if f[col] == nil {
			conds = append(conds, col+" IS NULL")
			continue
		}
		conds = append(conds, col+" = ?")
		args = append(args, f[col])
	}

	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (r *Repository[T]) hasColumn(col string) bool {
	for _, c := range r.t.columns {
		if c == col {
			return true
		}
	}
	return false
}

func (r *Repository[T]) selectList() string {
	return strings.Join(r.t.columns, ", ")
}

func (r *Repository[T]) observe(op string, start time.Time) {
	observability.RecordDBOperation(r.t.name, op, time.Since(start))
}

func sortedKeys(m Filter) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case int:
		return x == 0
	case int64:
		return x == 0
	case bool:
		return !x
	case time.Time:
		return x.IsZero()
	}
	return false
}

var usersTable = table[User]{
	name:    "users",
	key:     "telegram_id",
	columns: []string{"telegram_id", "username", "created_at", "updated_at"},
	scan: func(s rowScanner) (User, error) {
		var u User
		var username sql.NullString
		err := s.Scan(&u.TelegramID, &username, &u.CreatedAt, &u.UpdatedAt)
		u.Username = username.String
		return u, err
	},
	insert: func(u User) Filter {
		values := Filter{"telegram_id": u.TelegramID, "username": nil}
		if u.Username != "" {
			values["username"] = u.Username
		}
		return values
	},
}

var messagesTable = table[Message]{
	name:    "messages",
	key:     "id",
	columns: []string{"id", "text", "user_id", "created_at", "updated_at"},
	scan: func(s rowScanner) (Message, error) {
		var m Message
		var text sql.NullString
		err := s.Scan(&m.ID, &text, &m.UserID, &m.CreatedAt, &m.UpdatedAt)
		m.Text = text.String
		return m, err
	},
	insert: func(m Message) Filter {
		values := Filter{"text": m.Text, "user_id": m.UserID}
		if m.ID != 0 {
			values["id"] = m.ID
		}
		return values
	},
}
