package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/reliefmesh/internal/proto"
)

// Enqueue appends a send intent to the outbox and returns its sequence number.
func (d *DB) Enqueue(q proto.QueuedMessage) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return enqueue(d.db, q)
}

func enqueue(x execer, q proto.QueuedMessage) (int64, error) {
	if q.ChannelID == "" {
		return 0, fmt.Errorf("enqueue: empty channel")
	}
	if q.EnqueuedAt == 0 {
		q.EnqueuedAt = proto.NowUnix()
	}
	res, err := x.Exec(
		`INSERT INTO _outbox (channel_id, content, enqueued_at, local_id) VALUES (?, ?, ?, ?)`,
		q.ChannelID, q.Content, q.EnqueuedAt, q.LocalID,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return res.LastInsertId()
}

// QueueOffline records an offline send: the outbox entry and the locally
// visible copy are written together so neither exists without the other.
func (d *DB) QueueOffline(q proto.QueuedMessage, local proto.Message) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	q.LocalID = local.ID
	seq, err := enqueue(tx, q)
	if err != nil {
		return 0, err
	}
	if _, err := appendMessage(tx, local); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// PendingOutbox returns all queued entries in insertion order.
func (d *DB) PendingOutbox() ([]proto.QueuedMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT seq, channel_id, content, enqueued_at, local_id FROM _outbox ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return scanQueued(rows)
}

func scanQueued(rows *sql.Rows) ([]proto.QueuedMessage, error) {
	defer rows.Close()

	var out []proto.QueuedMessage
	for rows.Next() {
		var q proto.QueuedMessage
		if err := rows.Scan(&q.Seq, &q.ChannelID, &q.Content, &q.EnqueuedAt, &q.LocalID); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ClearOutboxThrough removes owner's entries with seq <= seq. Entries added
// after a drain claimed its batch, and entries another process holds, keep
// their place in the queue.
func (d *DB) ClearOutboxThrough(owner string, seq int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`DELETE FROM _outbox WHERE seq <= ? AND claimed_by = ?`, seq, owner)
	if err != nil {
		return 0, fmt.Errorf("clear outbox: %w", err)
	}
	return res.RowsAffected()
}

// OutboxLease is how long a claim holds without being renewed. A process
// that dies mid-drain leaves its entries to the next drain once it expires.
const OutboxLease = 2 * time.Minute

// claimable matches entries owner may take: unclaimed, already owner's, or
// held under an expired lease.
const claimable = `(claimed_by = '' OR claimed_by = ? OR claimed_at < ?)`

func leaseCutoff() int64 {
	return time.Now().Add(-OutboxLease).Unix()
}

// ClaimOutbox leases every claimable entry with seq > after to owner and
// returns the entries owner holds, FIFO. Processes sharing the database
// never get the same entry from overlapping claims.
func (d *DB) ClaimOutbox(owner string, after int64) ([]proto.QueuedMessage, error) {
	if owner == "" {
		return nil, fmt.Errorf("claim outbox: empty owner")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE _outbox SET claimed_by = ?, claimed_at = ? WHERE seq > ? AND `+claimable,
		owner, proto.NowUnix(), after, owner, leaseCutoff(),
	); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}

	rows, err := tx.Query(
		`SELECT seq, channel_id, content, enqueued_at, local_id FROM _outbox
		 WHERE seq > ? AND claimed_by = ? ORDER BY seq ASC`, after, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("query claimed: %w", err)
	}
	out, err := scanQueued(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// RenewClaim refreshes owner's lease on seq and reports whether owner still
// holds the entry.
func (d *DB) RenewClaim(owner string, seq int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(
		`UPDATE _outbox SET claimed_at = ? WHERE seq = ? AND claimed_by = ?`,
		proto.NowUnix(), seq, owner,
	)
	if err != nil {
		return false, fmt.Errorf("renew claim: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseOutbox returns every entry owner still holds to the queue.
func (d *DB) ReleaseOutbox(owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(
		`UPDATE _outbox SET claimed_by = '', claimed_at = 0 WHERE claimed_by = ?`, owner,
	); err != nil {
		return fmt.Errorf("release outbox: %w", err)
	}
	return nil
}

// HasClaimable reports whether an entry with seq > after is free for owner.
func (d *DB) HasClaimable(owner string, after int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM _outbox WHERE seq > ? AND `+claimable,
		after, owner, leaseCutoff(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query outbox: %w", err)
	}
	return n > 0, nil
}

// DeleteOutbox removes the given entries.
func (d *DB) DeleteOutbox(seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	args := make([]any, len(seqs))
	for i, s := range seqs {
		args[i] = s
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	if _, err := d.db.Exec(`DELETE FROM _outbox WHERE seq IN (`+ph+`)`, args...); err != nil {
		return fmt.Errorf("delete outbox: %w", err)
	}
	return nil
}

// OutboxLen returns the number of queued entries.
func (d *DB) OutboxLen() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM _outbox`).Scan(&n)
	return n, err
}
