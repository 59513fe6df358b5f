package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/petervdpas/reliefmesh/internal/proto"
)

const messageCols = `id, channel_id, pubkey, content, created_at, alias, local, superseded_by`

// AppendMessage stores m unless a message with the same id is already in the
// log. Messages are immutable, so a repeated id is a no-op. The returned bool
// reports whether a row was inserted.
func (d *DB) AppendMessage(m proto.Message) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return appendMessage(d.db, m)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func appendMessage(x execer, m proto.Message) (bool, error) {
	if m.ID == "" {
		return false, fmt.Errorf("append message: empty id")
	}
	if m.ChannelID == "" {
		return false, fmt.Errorf("append message %s: empty channel", m.ID)
	}
	res, err := x.Exec(
		`INSERT INTO _messages (`+messageCols+`, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ChannelID, m.PubKey, m.Content, m.CreatedAt, m.Alias,
		boolInt(m.Local), m.SupersededBy, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("append message %s: %w", m.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MessagesByChannel returns the visible messages of a channel ordered by
// creation time. Offline copies that were replaced by their published
// counterpart are left out.
func (d *DB) MessagesByChannel(channelID string) ([]proto.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT `+messageCols+` FROM _messages
		 WHERE channel_id = ? AND superseded_by = ''
		 ORDER BY created_at ASC, id ASC`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []proto.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountByChannel counts every stored row of a channel, superseded copies
// included.
func (d *DB) CountByChannel(channelID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM _messages WHERE channel_id = ?`, channelID).Scan(&n)
	return n, err
}

// GetMessage returns a message by id. ok is false if it is not in the log.
func (d *DB) GetMessage(id string) (proto.Message, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	row := d.db.QueryRow(`SELECT `+messageCols+` FROM _messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return proto.Message{}, false, nil
	}
	if err != nil {
		return proto.Message{}, false, err
	}
	return m, true, nil
}

// MarkSuperseded records that the offline copy localID was published as
// transportID. Only the first call for a given copy has an effect.
func (d *DB) MarkSuperseded(localID, transportID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return markSuperseded(d.db, localID, transportID)
}

func markSuperseded(x execer, localID, transportID string) error {
	_, err := x.Exec(
		`UPDATE _messages SET superseded_by = ? WHERE id = ? AND superseded_by = ''`,
		transportID, localID,
	)
	if err != nil {
		return fmt.Errorf("mark %s superseded: %w", localID, err)
	}
	return nil
}

// RecordPublished appends the published message and, when localID is set,
// supersedes the offline copy in the same transaction.
func (d *DB) RecordPublished(localID string, m proto.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := appendMessage(tx, m); err != nil {
		return err
	}
	if localID != "" {
		if err := markSuperseded(tx, localID, m.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (proto.Message, error) {
	var (
		m     proto.Message
		local int
	)
	if err := r.Scan(&m.ID, &m.ChannelID, &m.PubKey, &m.Content, &m.CreatedAt,
		&m.Alias, &local, &m.SupersededBy); err != nil {
		return proto.Message{}, err
	}
	m.Local = local != 0
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
