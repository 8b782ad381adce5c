package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Schema introspection against the application-owned database. Tables and
// columns are never assumed: the user table is whatever holds email plus a
// role column, the settings column is the first JSON-ish candidate, and so
// on. Heuristics stay deliberately loose so upstream schema drift does not
// break the bootstrap.

func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return out, nil
}

func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column info: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return out, nil
}

type scoredTable struct {
	score int
	name  string
}

// FindUsersTable locates the application's user table: a table carrying
// email plus role/is_admin, scored by how many other expected columns exist.
func (s *Store) FindUsersTable(ctx context.Context) (string, error) {
	tables, err := s.ListTables(ctx)
	if err != nil {
		return "", err
	}

	candidates := make([]scoredTable, 0)
	for _, t := range tables {
		cols, err := s.TableColumns(ctx, t)
		if err != nil {
			return "", err
		}
		set := toSet(cols)
		if _, ok := set["email"]; !ok {
			continue
		}
		if _, hasRole := set["role"]; !hasRole {
			if _, hasAdmin := set["is_admin"]; !hasAdmin {
				continue
			}
		}
		score := 0
		for _, c := range []string{"name", "username", "created_at", "updated_at", "settings"} {
			if _, ok := set[c]; ok {
				score++
			}
		}
		candidates = append(candidates, scoredTable{score: score, name: t})
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			return candidates[i].name > candidates[j].name
		})
		return candidates[0].name, nil
	}

	for _, t := range tables {
		switch strings.ToLower(t) {
		case "user", "users", "account", "accounts":
			return t, nil
		}
	}
	return "", nil
}

// FindSettingsColumn returns the per-user settings document column, or ""
// when the table has no recognizable one.
func (s *Store) FindSettingsColumn(ctx context.Context, table string) (string, error) {
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return "", err
	}
	set := toSet(cols)
	for _, c := range []string{"settings", "preferences", "config", "data", "meta", "info"} {
		if _, ok := set[c]; ok {
			return c, nil
		}
	}
	return "", nil
}

func (s *Store) FindIDColumn(ctx context.Context, table string) (string, error) {
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return "", err
	}
	set := toSet(cols)
	for _, c := range []string{"id", "user_id", "uuid"} {
		if _, ok := set[c]; ok {
			return c, nil
		}
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("table %s has no columns", table)
	}
	return cols[0], nil
}

// FindChatTable locates the chat history table: a table with a chat payload
// column plus user_id or id, scored by created_at/updated_at/title.
func (s *Store) FindChatTable(ctx context.Context) (string, error) {
	tables, err := s.ListTables(ctx)
	if err != nil {
		return "", err
	}

	candidates := make([]scoredTable, 0)
	for _, t := range tables {
		cols, err := s.TableColumns(ctx, t)
		if err != nil {
			return "", err
		}
		set := toSet(cols)
		if _, ok := set["chat"]; !ok {
			continue
		}
		_, hasUserID := set["user_id"]
		_, hasID := set["id"]
		if !hasUserID && !hasID {
			continue
		}
		score := 0
		for _, c := range []string{"created_at", "updated_at", "title"} {
			if _, ok := set[c]; ok {
				score++
			}
		}
		candidates = append(candidates, scoredTable{score: score, name: t})
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			return candidates[i].name > candidates[j].name
		})
		return candidates[0].name, nil
	}

	for _, t := range tables {
		if t == "chat" {
			return t, nil
		}
	}
	return "", nil
}

func (s *Store) FindChatPayloadColumn(ctx context.Context, table string) (string, error) {
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return "", err
	}
	set := toSet(cols)
	for _, c := range []string{"chat", "payload", "data", "content"} {
		if _, ok := set[c]; ok {
			return c, nil
		}
	}
	return "", nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s rows: %w", table, err)
	}
	return n, nil
}

func toSet(cols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		set[c] = struct{}{}
	}
	return set
}
