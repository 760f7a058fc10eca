// Package diag collects the non-fatal diagnostics of a run (malformed
// geometries, dangling references) and classifies fatal storage failures.
package diag

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// StorageError marks a failure of the database or of a cache backing table.
// Storage errors abort the current import or export run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a *StorageError. A nil err stays nil, and an error
// that already is a storage error is returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is or wraps a *StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Reporter logs warnings and keeps them for the end-of-run summary.
// It is safe for concurrent use.
type Reporter struct {
	log *slog.Logger

	mu       sync.Mutex
	warnings []string
	dropped  int
	limit    int
}

// NewReporter returns a Reporter that keeps at most limit warnings.
// A limit <= 0 keeps all of them.
func NewReporter(log *slog.Logger, limit int) *Reporter {
	return &Reporter{log: log, limit: limit}
}

// Warn logs msg at warn level and records it. args are slog key/value pairs.
func (r *Reporter) Warn(msg string, args ...any) {
	if r == nil {
		return
	}
	if r.log != nil {
		r.log.Warn(msg, args...)
	}
	r.record(msg, args)
}

// Error logs msg at error level and records it. Used for skipped input that
// loses data, which is still not fatal to the run.
func (r *Reporter) Error(msg string, args ...any) {
	if r == nil {
		return
	}
	if r.log != nil {
		r.log.Error(msg, args...)
	}
	r.record(msg, args)
}

func (r *Reporter) record(msg string, args []any) {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.warnings) >= r.limit {
		r.dropped++
		return
	}
	r.warnings = append(r.warnings, b.String())
}

// Warnings returns a copy of the recorded warnings.
func (r *Reporter) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.warnings), len(r.warnings)+1)
	copy(out, r.warnings)
	if r.dropped > 0 {
		out = append(out, fmt.Sprintf("%d further warnings suppressed", r.dropped))
	}
	return out
}

// Count returns the number of warnings seen, including suppressed ones.
func (r *Reporter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warnings) + r.dropped
}
