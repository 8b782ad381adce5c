// Package seeder applies resolved default chat parameters to the
// application's user (and optionally chat) records. A pass is idempotent
// and policy-gated: the marker plus overwrite mode decide what may be
// written, and a timed-out wait is a clean no-op, not an error.
package seeder

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"owuiboot/internal/config"
	"owuiboot/internal/marker"
	"owuiboot/internal/metrics"
	"owuiboot/internal/profile"
	"owuiboot/internal/store"
)

type Outcome int

const (
	Seeded Outcome = iota
	TimedOut
	NoOp
)

func (o Outcome) String() string {
	switch o {
	case Seeded:
		return "seeded"
	case TimedOut:
		return "timed_out"
	case NoOp:
		return "no_op"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome      Outcome
	UsersUpdated int
	ChatsUpdated int
}

// Budget separates the two pass profiles: the synchronous startup pass gets
// a short budget, the background pass a long one (UserWait <= 0 waits until
// the context ends).
type Budget struct {
	DBWait   time.Duration
	UserWait time.Duration
}

type Seeder struct {
	Cfg     *config.Config
	Marker  marker.Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	now func() time.Time
}

// Run performs one seeding pass under the given budget.
func (s *Seeder) Run(ctx context.Context, budget Budget) (Result, error) {
	m := s.Metrics
	if m == nil {
		m = metrics.Global()
	}

	resolver := &profile.Resolver{
		DatasetPath: s.Cfg.HyperparamsPath,
		Overrides:   s.Cfg.Overrides,
		Logger:      s.Logger,
	}
	desired := resolver.Resolve(profile.DefaultChatModelFromCache(s.Cfg.DiscoveryCache))
	if len(desired) == 0 {
		s.Logger.Info().Msg("no default chat parameters resolved; nothing to do")
		return Result{Outcome: NoOp}, nil
	}
	desiredHash := profile.Fingerprint(desired)

	markerState, err := s.Marker.Read()
	if err != nil {
		return Result{}, err
	}
	needsFullSync := marker.NeedsFullSync(markerState, s.Cfg.MarkerVersion, desiredHash)
	mode := s.Cfg.Seed.OverwriteMode

	switch {
	case s.Cfg.Seed.ReapplyOnStart:
		needsFullSync = true
		s.Logger.Info().Msg("reapply-on-start enabled; forcing full bootstrap sync")
	case !needsFullSync:
		s.Logger.Info().
			Str("mode", mode).
			Bool("sync_chats", s.Cfg.Seed.SyncChatsOnStart).
			Msg("marker is current; running safety sync for users")
	case markerState.Legacy:
		s.Logger.Info().Msg("legacy marker detected; running bootstrap migration sync")
	case !markerState.Exists:
		s.Logger.Info().Msg("no marker found; running initial bootstrap sync")
	case markerState.Version != s.Cfg.MarkerVersion:
		s.Logger.Info().
			Str("from", markerState.Version).
			Str("to", s.Cfg.MarkerVersion).
			Msg("marker version mismatch; running sync")
	default:
		s.Logger.Info().Msg("desired defaults changed since last marker; running sync")
	}

	s.Logger.Info().Str("path", s.Cfg.DBPath).Msg("waiting for data store")
	ready, err := store.WaitForFile(ctx, s.Cfg.DBPath, budget.DBWait)
	if err != nil {
		return Result{}, err
	}
	if ready == store.TimedOut {
		m.SeedTimeouts.Inc()
		s.Logger.Info().
			Dur("timeout", budget.DBWait).
			Msg("data store not ready within budget; skipping bootstrap attempt")
		return Result{Outcome: TimedOut}, nil
	}

	st, err := store.Open(ctx, s.Cfg.DBPath)
	if err != nil {
		return Result{}, err
	}
	defer st.Close()

	users, found, err := st.WaitForFirstUser(ctx, budget.UserWait, s.Cfg.Wait.PollInterval)
	if errors.Is(err, store.ErrNoSettingsColumn) {
		s.Logger.Warn().Msg("users table has no recognizable settings column; aborting with no changes")
		return Result{Outcome: NoOp}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if found == store.TimedOut {
		m.SeedTimeouts.Inc()
		s.Logger.Info().Msg("no user signed up within budget; no changes applied")
		return Result{Outcome: TimedOut}, nil
	}

	runChatSync := needsFullSync || s.Cfg.Seed.SyncChatsOnStart

	nowFn := s.now
	if nowFn == nil {
		nowFn = time.Now
	}
	in := applyInput{
		Desired:       desired,
		Mode:          mode,
		Sentinels:     Sentinels(s.Cfg.Seed.StaleSentinels),
		MarkerVersion: s.Cfg.MarkerVersion,
		DesiredHash:   desiredHash,
		Now:           nowFn().Unix(),
	}

	usersUpdated, chatsUpdated, err := s.seedWithRetry(ctx, st, users, in, runChatSync, budget)
	if err != nil {
		return Result{}, err
	}

	// The marker reflects completed work only: written after commit.
	if err := s.Marker.Write(marker.Marker{
		Version:       s.Cfg.MarkerVersion,
		DesiredHash:   desiredHash,
		OverwriteMode: mode,
		SyncChats:     runChatSync,
		UsersUpdated:  usersUpdated,
		ChatsUpdated:  chatsUpdated,
		UpdatedAt:     nowFn().Unix(),
	}); err != nil {
		return Result{}, err
	}

	m.UsersSeeded.Add(float64(usersUpdated))
	m.ChatsSeeded.Add(float64(chatsUpdated))
	m.SeedPasses.Inc()

	s.Logger.Info().
		Int("users_updated", usersUpdated).
		Int("chats_updated", chatsUpdated).
		Str("mode", mode).
		Bool("full_sync", needsFullSync).
		Msg("injected default chat parameters")

	return Result{Outcome: Seeded, UsersUpdated: usersUpdated, ChatsUpdated: chatsUpdated}, nil
}

// seedWithRetry retries the transactional pass on SQLite lock contention
// (the application may be migrating or writing) until the budget runs out.
func (s *Seeder) seedWithRetry(ctx context.Context, st *store.Store, users store.UsersTable, in applyInput, runChatSync bool, budget Budget) (int, int, error) {
	var deadline time.Time
	if budget.UserWait > 0 {
		deadline = time.Now().Add(budget.UserWait)
	}

	attempt := 0
	for {
		attempt++
		usersUpdated, chatsUpdated, err := s.seedOnce(ctx, st, users, in, runChatSync)
		if err == nil {
			return usersUpdated, chatsUpdated, nil
		}
		if !store.IsBusy(err) {
			return 0, 0, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, 0, err
		}
		s.Logger.Warn().Err(err).Int("attempt", attempt).Msg("data store locked; retrying")
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(s.Cfg.Wait.PollInterval):
		}
	}
}

func (s *Seeder) seedOnce(ctx context.Context, st *store.Store, users store.UsersTable, in applyInput, runChatSync bool) (int, int, error) {
	usersUpdated := 0
	chatsUpdated := 0

	// Schema lookups happen outside the transaction: the store runs on a
	// single connection, which the open transaction would hold.
	var chatTable, payloadCol, chatIDCol string
	if runChatSync {
		var err error
		chatTable, err = st.FindChatTable(ctx)
		if err != nil {
			return 0, 0, err
		}
		if chatTable != "" {
			payloadCol, err = st.FindChatPayloadColumn(ctx, chatTable)
			if err != nil {
				return 0, 0, err
			}
			chatIDCol, err = st.FindIDColumn(ctx, chatTable)
			if err != nil {
				return 0, 0, err
			}
		}
		if chatTable == "" || payloadCol == "" {
			s.Logger.Info().Msg("no recognizable chat table; skipping chat sync")
			runChatSync = false
		}
	}

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := st.SelectKeyedText(ctx, tx, users.Name, users.IDColumn, users.SettingsCol)
		if err != nil {
			return err
		}
		for _, row := range rows {
			raw := ""
			if row.Raw.Valid {
				raw = row.Raw.String
			}
			updated, changed := applyUserSettings(raw, in)
			if !changed {
				continue
			}
			if err := st.UpdateKeyedText(ctx, tx, users.Name, users.IDColumn, users.SettingsCol, row.ID, updated); err != nil {
				return err
			}
			usersUpdated++
		}

		if !runChatSync {
			return nil
		}

		chatRows, err := st.SelectKeyedText(ctx, tx, chatTable, chatIDCol, payloadCol)
		if err != nil {
			return err
		}
		for _, row := range chatRows {
			raw := ""
			if row.Raw.Valid {
				raw = row.Raw.String
			}
			updated, changed := applyChatPayload(raw, in)
			if !changed {
				continue
			}
			if err := st.UpdateKeyedText(ctx, tx, chatTable, chatIDCol, payloadCol, row.ID, updated); err != nil {
				return err
			}
			chatsUpdated++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return usersUpdated, chatsUpdated, nil
}
