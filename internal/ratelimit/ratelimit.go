// Package ratelimit implements a file-backed sliding-window rate limiter.
// State for each key is a JSON array of timestamps guarded by an exclusive
// advisory lock on a sidecar lock file, so multiple processes sharing the
// same storage directory cannot race each other's read-modify-write cycle.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// RateLimiter enforces at most Limit successes per Window seconds for a
// single Key, persisted under StoragePath.
type RateLimiter struct {
	Key         string
	Limit       int
	Window      time.Duration
	StoragePath string
	Now         Clock
}

// Stats summarises the current window for a key.
type Stats struct {
	Count     int
	Limit     int
	Remaining int
}

// CleanupReport summarises a CleanupAll run.
type CleanupReport struct {
	Processed int
	Cleaned   int
	Deleted   int
	Errors    int
}

// New constructs a RateLimiter, creating StoragePath if it does not exist.
func New(key string, limit int, window time.Duration, storagePath string) (*RateLimiter, error) {
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("ratelimit: create storage dir: %w", err)
	}
	return &RateLimiter{
		Key:         key,
		Limit:       limit,
		Window:      window,
		StoragePath: storagePath,
		Now:         time.Now,
	}, nil
}

func (r *RateLimiter) dataPath() string {
	return filepath.Join(r.StoragePath, "ratelimit_"+r.Key+".json")
}

func (r *RateLimiter) lockPath() string {
	return filepath.Join(r.StoragePath, "ratelimit_"+r.Key+".lock")
}

func (r *RateLimiter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Allow attempts to record one admission. It returns false (without error)
// both when the window is full and when the lock could not be acquired.
func (r *RateLimiter) Allow() (bool, error) {
	lock := flock.New(r.lockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("ratelimit: acquire lock: %w", err)
	}
	if !locked {
		return false, nil
	}
	defer lock.Unlock()

	timestamps := r.readTimestamps()
	cutoff := r.now().Add(-r.Window)
	kept := filterAfter(timestamps, cutoff)

	if len(kept) >= r.Limit {
		r.writeTimestamps(kept)
		return false, nil
	}

	kept = append(kept, float64(r.now().UnixNano())/1e9)
	if err := r.writeTimestamps(kept); err != nil {
		return false, err
	}
	return true, nil
}

// Remaining reports the number of admissions still available in the
// current window. It reads without locking and is therefore a hint.
func (r *RateLimiter) Remaining() (int, error) {
	timestamps := r.readTimestamps()
	cutoff := r.now().Add(-r.Window)
	kept := filterAfter(timestamps, cutoff)
	remaining := r.Limit - len(kept)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetTime reports how long until the oldest timestamp in the window
// expires, i.e. when a new slot frees up.
func (r *RateLimiter) ResetTime() (time.Duration, error) {
	timestamps := r.readTimestamps()
	cutoff := r.now().Add(-r.Window)
	kept := filterAfter(timestamps, cutoff)
	if len(kept) == 0 {
		return 0, nil
	}
	oldest := kept[0]
	for _, ts := range kept {
		if ts < oldest {
			oldest = ts
		}
	}
	expiresAt := time.Unix(0, int64(oldest*1e9)).Add(r.Window)
	d := expiresAt.Sub(r.now())
	if d < 0 {
		d = 0
	}
	return d, nil
}

// Reset clears all recorded admissions for this key.
func (r *RateLimiter) Reset() (bool, error) {
	lock := flock.New(r.lockPath())
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("ratelimit: acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(r.dataPath()); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("ratelimit: remove data file: %w", err)
	}
	return true, nil
}

// Cleanup prunes expired timestamps without recording a new admission.
func (r *RateLimiter) Cleanup() (bool, error) {
	lock := flock.New(r.lockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("ratelimit: acquire lock: %w", err)
	}
	if !locked {
		return false, nil
	}
	defer lock.Unlock()

	timestamps := r.readTimestamps()
	cutoff := r.now().Add(-r.Window)
	kept := filterAfter(timestamps, cutoff)
	if err := r.writeTimestamps(kept); err != nil {
		return false, err
	}
	return true, nil
}

// Stats reports the current window occupancy.
func (r *RateLimiter) Stats() (Stats, error) {
	timestamps := r.readTimestamps()
	cutoff := r.now().Add(-r.Window)
	kept := filterAfter(timestamps, cutoff)
	remaining := r.Limit - len(kept)
	if remaining < 0 {
		remaining = 0
	}
	return Stats{Count: len(kept), Limit: r.Limit, Remaining: remaining}, nil
}

func (r *RateLimiter) readTimestamps() []float64 {
	data, err := os.ReadFile(r.dataPath())
	if err != nil {
		return nil
	}
	var timestamps []float64
	if err := json.Unmarshal(data, &timestamps); err != nil {
		// malformed state is treated as an empty window rather than a
		// hard failure
		return nil
	}
	return timestamps
}

func (r *RateLimiter) writeTimestamps(timestamps []float64) error {
	data, err := json.Marshal(timestamps)
	if err != nil {
		return fmt.Errorf("ratelimit: marshal state: %w", err)
	}
	return writeFileAtomic(r.dataPath(), data, 0o644)
}

func filterAfter(timestamps []float64, cutoff time.Time) []float64 {
	cutoffSec := float64(cutoff.UnixNano()) / 1e9
	kept := make([]float64, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts > cutoffSec {
			kept = append(kept, ts)
		}
	}
	return kept
}

// writeFileAtomic writes via a same-directory temp file plus rename, so a
// concurrent reader never observes a partially written file.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, ".tmp-ratelimit-*")
	if err != nil {
		return fmt.Errorf("ratelimit: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ratelimit: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ratelimit: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("ratelimit: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return fmt.Errorf("ratelimit: rename temp file: %w", err)
	}
	return nil
}

// CleanupAll prunes every ratelimit_*.json file under dir.
func CleanupAll(dir string) (CleanupReport, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "ratelimit_*.json"))
	if err != nil {
		return CleanupReport{}, fmt.Errorf("ratelimit: glob storage dir: %w", err)
	}

	var report CleanupReport
	for _, path := range entries {
		report.Processed++
		key := keyFromDataPath(path)
		rl := &RateLimiter{Key: key, Window: 0, StoragePath: dir, Now: time.Now}
		ok, err := rl.Cleanup()
		if err != nil {
			report.Errors++
			continue
		}
		if ok {
			report.Cleaned++
		}
		stats, _ := rl.Stats()
		if stats.Count == 0 {
			if err := os.Remove(path); err == nil {
				report.Deleted++
			}
		}
	}
	return report, nil
}

func keyFromDataPath(path string) string {
	base := filepath.Base(path)
	base = base[len("ratelimit_"):]
	base = base[:len(base)-len(".json")]
	return base
}
