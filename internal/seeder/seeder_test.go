package seeder

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"owuiboot/internal/config"
	"owuiboot/internal/marker"
	"owuiboot/internal/metrics"
)

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath:          dbPath,
		MarkerVersion:   "v2",
		DiscoveryCache:  filepath.Join(t.TempDir(), "discovery.json"),
		HyperparamsPath: filepath.Join(t.TempDir(), "hyperparams.json"),
		Seed: config.SeedConfig{
			OverwriteMode: config.OverwriteModeStale,
			StaleSentinels: map[string][]float64{
				"temperature": {0.8},
				"top_p":       {0.9},
				"top_k":       {40},
				"max_tokens":  {128},
			},
		},
		Wait: config.WaitConfig{PollInterval: 10 * time.Millisecond},
	}
}

func newTestDB(t *testing.T, withUser bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webui.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE user (id TEXT PRIMARY KEY, email TEXT, role TEXT, settings TEXT, created_at INTEGER, updated_at INTEGER)`,
		`CREATE TABLE chat (id TEXT PRIMARY KEY, user_id TEXT, title TEXT, chat TEXT, created_at INTEGER, updated_at INTEGER)`,
	}
	if withUser {
		stmts = append(stmts,
			`INSERT INTO user (id, email, role, settings) VALUES ('u1', 'admin@example.test', 'admin', NULL)`,
			`INSERT INTO chat (id, user_id, title, chat) VALUES ('c1', 'u1', 'hi', '{"params":{"temperature":0.8}}')`,
		)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return path
}

func newTestSeeder(cfg *config.Config, m marker.Store) *Seeder {
	return &Seeder{
		Cfg:     cfg,
		Marker:  m,
		Logger:  zerolog.Nop(),
		Metrics: metrics.Global(),
	}
}

func readUserSettings(t *testing.T, dbPath string) map[string]any {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	var raw sql.NullString
	if err := db.QueryRow("SELECT settings FROM user WHERE id='u1'").Scan(&raw); err != nil {
		t.Fatalf("read settings: %v", err)
	}
	doc := map[string]any{}
	if raw.Valid {
		if err := json.Unmarshal([]byte(raw.String), &doc); err != nil {
			t.Fatalf("decode settings: %v", err)
		}
	}
	return doc
}

func TestRunSeedsFirstUserAndChats(t *testing.T) {
	dbPath := newTestDB(t, true)
	cfg := testConfig(t, dbPath)
	ms := &marker.MemStore{}
	s := newTestSeeder(cfg, ms)

	res, err := s.Run(context.Background(), Budget{DBWait: time.Second, UserWait: time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != Seeded {
		t.Fatalf("expected seeded, got %v", res.Outcome)
	}
	if res.UsersUpdated != 1 {
		t.Fatalf("expected 1 user updated, got %d", res.UsersUpdated)
	}
	if res.ChatsUpdated != 1 {
		t.Fatalf("expected 1 chat updated, got %d", res.ChatsUpdated)
	}

	doc := readUserSettings(t, dbPath)
	params := doc["ui"].(map[string]any)["params"].(map[string]any)
	// no discovery cache, so the fallback profile applies
	if params["temperature"] != 0.1 || params["top_p"] != 0.5 {
		t.Fatalf("unexpected seeded params: %v", params)
	}

	m, err := ms.Read()
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if !m.Exists || m.Version != "v2" || m.UsersUpdated != 1 {
		t.Fatalf("unexpected marker: %+v", m)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	dbPath := newTestDB(t, true)
	cfg := testConfig(t, dbPath)
	ms := &marker.MemStore{}
	s := newTestSeeder(cfg, ms)

	budget := Budget{DBWait: time.Second, UserWait: time.Second}
	if _, err := s.Run(context.Background(), budget); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := s.Run(context.Background(), budget)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Outcome != Seeded {
		t.Fatalf("expected seeded outcome, got %v", res.Outcome)
	}
	if res.UsersUpdated != 0 || res.ChatsUpdated != 0 {
		t.Fatalf("second run rewrote rows: %+v", res)
	}
}

func TestRunMarkerVersionBumpReappliesOnce(t *testing.T) {
	dbPath := newTestDB(t, true)
	cfg := testConfig(t, dbPath)
	ms := &marker.MemStore{}
	budget := Budget{DBWait: time.Second, UserWait: time.Second}

	if _, err := newTestSeeder(cfg, ms).Run(context.Background(), budget); err != nil {
		t.Fatalf("v2 run: %v", err)
	}

	cfg.MarkerVersion = "v3"
	s := newTestSeeder(cfg, ms)
	res, err := s.Run(context.Background(), budget)
	if err != nil {
		t.Fatalf("v3 run: %v", err)
	}
	// the metadata stamp changes on every user document
	if res.UsersUpdated != 1 {
		t.Fatalf("expected version bump to touch the user, got %+v", res)
	}
	m, _ := ms.Read()
	if m.Version != "v3" {
		t.Fatalf("marker not bumped: %+v", m)
	}

	res, err = s.Run(context.Background(), budget)
	if err != nil {
		t.Fatalf("v3 rerun: %v", err)
	}
	if res.UsersUpdated != 0 {
		t.Fatalf("v3 rerun not stable: %+v", res)
	}
}

func TestRunTimesOutWithoutUsers(t *testing.T) {
	dbPath := newTestDB(t, false)
	cfg := testConfig(t, dbPath)
	ms := &marker.MemStore{}
	s := newTestSeeder(cfg, ms)

	res, err := s.Run(context.Background(), Budget{DBWait: time.Second, UserWait: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("expected timeout, got %v", res.Outcome)
	}
	m, _ := ms.Read()
	if m.Exists {
		t.Fatalf("marker written despite timeout: %+v", m)
	}
}

func TestRunTimesOutWithoutDatabase(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.db"))
	ms := &marker.MemStore{}
	s := newTestSeeder(cfg, ms)

	res, err := s.Run(context.Background(), Budget{DBWait: 30 * time.Millisecond, UserWait: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("expected timeout, got %v", res.Outcome)
	}
}

func TestRunSeedsAfterFirstSignup(t *testing.T) {
	dbPath := newTestDB(t, false)
	cfg := testConfig(t, dbPath)
	ms := &marker.MemStore{}
	s := newTestSeeder(cfg, ms)
	budget := Budget{DBWait: time.Second, UserWait: 50 * time.Millisecond}

	res, err := s.Run(context.Background(), budget)
	if err != nil {
		t.Fatalf("empty run: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("expected timeout before signup, got %v", res.Outcome)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO user (id, email, role, settings) VALUES ('u1', 'a@b.c', 'admin', NULL)`); err != nil {
		t.Fatalf("signup: %v", err)
	}
	_ = db.Close()

	budget.UserWait = time.Second
	res, err = s.Run(context.Background(), budget)
	if err != nil {
		t.Fatalf("post-signup run: %v", err)
	}
	if res.Outcome != Seeded || res.UsersUpdated != 1 {
		t.Fatalf("expected one seeded user after signup, got %+v", res)
	}
}

func TestRunUsesDiscoveredChatModelProfile(t *testing.T) {
	dbPath := newTestDB(t, true)
	cfg := testConfig(t, dbPath)
	cfg.DiscoveryCache = filepath.Join(t.TempDir(), "discovery.json")
	cache := `{"classification":{"default_chat_model":"qwen3-30b"}}`
	if err := os.WriteFile(cfg.DiscoveryCache, []byte(cache), 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	ms := &marker.MemStore{}
	s := newTestSeeder(cfg, ms)

	if _, err := s.Run(context.Background(), Budget{DBWait: time.Second, UserWait: time.Second}); err != nil {
		t.Fatalf("run: %v", err)
	}
	doc := readUserSettings(t, dbPath)
	params := doc["ui"].(map[string]any)["params"].(map[string]any)
	if params["temperature"] != 0.2 || params["top_p"] != 0.8 {
		t.Fatalf("qwen profile not applied: %v", params)
	}
}
