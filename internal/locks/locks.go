// Package locks implements the pessimistic per-record lock registry
// (spec.md §4.5): acquire/release locks keyed by (id, user, node, event
// key), stored in-line on the object row's lock_* columns.
package locks

import (
	"context"
	"fmt"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/csql"
)

// Service reads and writes the lock_* columns on the object table. The
// acquisition itself is a single conditional UPDATE ... WHERE statement,
// whose affected-row count says whether the lock was taken, so it is
// atomic without a separate row-claiming step — the
// same discipline the teacher uses to claim job rows with
// "FOR UPDATE SKIP LOCKED", adapted here to a single-statement compare-
// and-swap instead of a row-locking transaction.
type Service struct {
	db *csql.DB
}

func New(db *csql.DB) *Service { return &Service{db: db} }

// Lock is the in-row lock state of an object (spec.md §3).
type Lock struct {
	Username string
	NodeID   string
	EventKey string
}

// Acquire locks id for user/nodeID/eventKey, succeeding (true) iff the
// object is currently unlocked or already locked with the same eventKey
// (spec.md §4.5: lock() returns true iff the object is currently
// unlocked).
func (s *Service) Acquire(ctx context.Context, client csql.Client, id, user, nodeID, eventKey string) (bool, error) {
	res, err := client.ExecContext(ctx, `
		UPDATE `+s.db.Schema+`.object SET
			lock_username=$2, lock_acquired_at=now(), lock_node_id=$3, lock_event_key=$4
		WHERE id=$1 AND (lock_username IS NULL OR lock_event_key=$4);`,
		id, user, nodeID, eventKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnlockCriteria is any non-empty subset of {id, username, eventKey,
// nodeId}; at least one field must be set (spec.md §4.5).
type UnlockCriteria struct {
	ID       string
	Username string
	EventKey string
	NodeID   string
}

// Unlock clears the lock on every row matching criteria. An empty field
// is simply not added to the WHERE clause; criteria with every field
// empty are rejected with a 400 error.
func (s *Service) Unlock(ctx context.Context, client csql.Client, criteria UnlockCriteria) error {
	where := ""
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		if where != "" {
			where += " AND "
		}
		where += fmt.Sprintf("%s=$%d", col, len(args))
	}
	add("id", criteria.ID)
	add("lock_username", criteria.Username)
	add("lock_event_key", criteria.EventKey)
	add("lock_node_id", criteria.NodeID)
	if where == "" {
		return apperror.BadRequest("unlock requires at least one criterion")
	}
	_, err := client.ExecContext(ctx, `
		UPDATE `+s.db.Schema+`.object SET
			lock_username=NULL, lock_acquired_at=NULL, lock_node_id=NULL, lock_event_key=NULL
		WHERE `+where+`;`, args...)
	return err
}

// Check loads id's current lock, or nil if it is unlocked.
func (s *Service) Check(ctx context.Context, client csql.Client, id string) (*Lock, error) {
	var (
		username, nodeID, eventKey *string
	)
	err := client.QueryRowContext(ctx, `
		SELECT lock_username, lock_node_id, lock_event_key FROM `+s.db.Schema+`.object WHERE id=$1;`,
		id).Scan(&username, &nodeID, &eventKey)
	if err == csql.ErrNoRows {
		return nil, apperror.NotFound("object %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	if username == nil {
		return nil, nil
	}
	l := &Lock{Username: *username}
	if nodeID != nil {
		l.NodeID = *nodeID
	}
	if eventKey != nil {
		l.EventKey = *eventKey
	}
	return l, nil
}

// CheckForWrite verifies id isn't locked by a different event key than
// eventKey, returning the "Record is locked by <user>" conflict spec.md
// §4.5 requires otherwise.
func (s *Service) CheckForWrite(ctx context.Context, client csql.Client, id, eventKey string) error {
	l, err := s.Check(ctx, client, id)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	if l.EventKey == eventKey {
		return nil
	}
	return apperror.Conflict("Record is locked by %s", l.Username)
}
