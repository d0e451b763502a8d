// Package meshlog provides the subsystem logger plumbing shared by every
// package in this module. It follows the same package-level `log` variable
// convention used throughout the lnd codebase: each package declares its own
// `log` by calling Logger with its subsystem tag, which wires it up to a
// shared backend at process start. Loggers start at btclog's Info level.
package meshlog

import (
	"os"
	"sync"

	"github.com/btcsuite/btclog"
)

// Backend is the shared logging backend for the whole process. All
// subsystem loggers are created from it so that output format and log level
// filtering stay consistent across packages.
var Backend = btclog.NewBackend(os.Stdout)

// Logger creates (or returns) the subsystem logger identified by tag, a
// short upper-case mnemonic such as "FNDR" or "TKCH", mirroring the
// subsystem tags lnd registers for each of its packages.
func Logger(tag string) btclog.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[tag]; ok {
		return l
	}
	l := Backend.Logger(tag)
	loggers[tag] = l
	return l
}

var (
	loggersMu sync.Mutex
	loggers   = make(map[string]btclog.Logger)
)

// SetLevel sets the logging level of the subsystem logger identified by
// tag, the same logger Logger returns for that tag.
func SetLevel(tag string, level string) error {
	l, ok := btclog.LevelFromString(level)
	if !ok {
		return ErrUnknownLevel(level)
	}
	Logger(tag).SetLevel(l)
	return nil
}

// ErrUnknownLevel is returned by SetLevel when the given level string isn't
// a recognized btclog level name.
type ErrUnknownLevel string

func (e ErrUnknownLevel) Error() string {
	return "unknown log level: " + string(e)
}
