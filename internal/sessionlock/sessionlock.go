// Package sessionlock enforces the one-agent-at-a-time rule. The lock is a
// JSON document naming the holder process; acquisition races resolve through
// atomic whole-document replacement, and a holder that died without releasing
// is reclaimed by probing its PID.
package sessionlock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/basket/helmsman/internal/statefile"
)

// ErrHeld is returned by Acquire when a live process already holds the lock.
var ErrHeld = errors.New("session lock held by a live process")

// Lock records the current holder.
type Lock struct {
	HolderPID  int       `json:"holder_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Store binds the lock to one document path.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Acquire takes the lock for pid. It succeeds when no lock document exists,
// when the recorded holder is this process, or when the recorded holder is
// dead; a stale lock is reclaimed in the same call and reported through the
// returned flag so the caller can surface it. A live foreign holder fails
// with ErrHeld wrapped around the holder's details.
func (s *Store) Acquire(pid int) (reclaimed bool, err error) {
	var cur Lock
	if statefile.LoadOr(s.path, &cur) {
		if cur.HolderPID != pid && processAlive(cur.HolderPID) {
			return false, fmt.Errorf("%w: pid %d since %s", ErrHeld, cur.HolderPID, cur.AcquiredAt.Format(time.RFC3339))
		}
		reclaimed = cur.HolderPID != pid
	}
	return reclaimed, statefile.Save(s.path, Lock{HolderPID: pid, AcquiredAt: time.Now().UTC()})
}

// Release removes the lock unconditionally. Force-kill paths call this
// without knowing whether the holder is still running, so no ownership check.
func (s *Store) Release() error {
	return statefile.Remove(s.path)
}

// Holder reports the current lock, whether the recorded process is alive, and
// whether a lock document exists at all.
func (s *Store) Holder() (Lock, bool, bool) {
	var cur Lock
	if !statefile.LoadOr(s.path, &cur) {
		return Lock{}, false, false
	}
	return cur, processAlive(cur.HolderPID), true
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user, which still counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
