package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/tempo/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during shutdown when the connection is closed before
// all goroutines have finished their work.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers raw driver errors we cannot wrap at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// codedError matches modernc.org/sqlite errors, which expose the result code
type codedError interface {
	Code() int
}

// SQLite primary result codes
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// IsTransient reports whether err is a condition that may clear on retry:
// a busy or locked database, a closed handle, or a broken connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsDatabaseClosed(err) {
		return true
	}

	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		if cgoErr.Code == sqlite3.ErrBusy || cgoErr.Code == sqlite3.ErrLocked {
			return true
		}
	}

	var pureErr codedError
	if errors.As(err, &pureErr) {
		primary := pureErr.Code() & 0xff
		if primary == sqliteBusy || primary == sqliteLocked {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"driver: bad connection",
		"connection reset",
		"broken pipe",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
