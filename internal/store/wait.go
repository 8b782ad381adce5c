package store

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
)

// WaitResult is not an error taxonomy: a timed-out wait means "nothing to
// do this pass" and callers exit silently successful.
type WaitResult int

const (
	Ready WaitResult = iota
	TimedOut
)

var (
	errFileNotReady = errors.New("data store file not ready")
	errNoUsersYet   = errors.New("no users yet")
)

// FileWaitInterval is fixed: the expected wait is bounded by application
// startup, not system load, so there is no exponential backoff.
const FileWaitInterval = time.Second

// WaitForFile polls until path exists and is non-empty, or the timeout
// elapses. A timeout of zero or less checks exactly once.
func WaitForFile(ctx context.Context, path string, timeout time.Duration) (WaitResult, error) {
	check := func(context.Context) error {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return retry.RetryableError(errFileNotReady)
		}
		return nil
	}

	if timeout <= 0 {
		if check(ctx) != nil {
			return TimedOut, nil
		}
		return Ready, nil
	}

	b := retry.WithMaxDuration(timeout, retry.NewConstant(FileWaitInterval))
	if err := retry.Do(ctx, b, check); err != nil {
		if errors.Is(err, errFileNotReady) || errors.Is(err, context.DeadlineExceeded) {
			return TimedOut, nil
		}
		if ctx.Err() != nil {
			return TimedOut, nil
		}
		return TimedOut, err
	}
	return Ready, nil
}

// UsersTable describes a located, populated users table.
type UsersTable struct {
	Name        string
	IDColumn    string
	SettingsCol string
}

// ErrNoSettingsColumn means a users table exists but carries no
// recognizable settings document column. Seeding aborts without changes.
var ErrNoSettingsColumn = errors.New("users table has no settings column")

// WaitForFirstUser polls until the users table exists and holds at least
// one row, then resolves its id and settings columns. Lock contention and
// missing tables are retried at the poll interval; timeout <= 0 waits
// until ctx is done.
func (s *Store) WaitForFirstUser(ctx context.Context, timeout, interval time.Duration) (UsersTable, WaitResult, error) {
	var resolved UsersTable

	check := func(ctx context.Context) error {
		table, err := s.FindUsersTable(ctx)
		if err != nil {
			if IsBusy(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if table == "" {
			return retry.RetryableError(errNoUsersYet)
		}

		n, err := s.CountRows(ctx, table)
		if err != nil {
			if IsBusy(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if n < 1 {
			return retry.RetryableError(errNoUsersYet)
		}

		settingsCol, err := s.FindSettingsColumn(ctx, table)
		if err != nil {
			return err
		}
		if settingsCol == "" {
			return ErrNoSettingsColumn
		}
		idCol, err := s.FindIDColumn(ctx, table)
		if err != nil {
			return err
		}

		resolved = UsersTable{Name: table, IDColumn: idCol, SettingsCol: settingsCol}
		return nil
	}

	var b retry.Backoff = retry.NewConstant(interval)
	if timeout > 0 {
		b = retry.WithMaxDuration(timeout, b)
	}

	if err := retry.Do(ctx, b, check); err != nil {
		if errors.Is(err, ErrNoSettingsColumn) {
			return UsersTable{}, TimedOut, ErrNoSettingsColumn
		}
		if errors.Is(err, errNoUsersYet) || errors.Is(err, context.DeadlineExceeded) || IsBusy(err) || ctx.Err() != nil {
			return UsersTable{}, TimedOut, nil
		}
		return UsersTable{}, TimedOut, err
	}
	return resolved, Ready, nil
}
