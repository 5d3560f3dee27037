// Package postgres implements chat.MembershipOracle and chat.MessageStore on
// PostgreSQL through database/sql and the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Schema creates the tables the store reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS chats (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chat_participants (
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (chat_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	edited_at  TIMESTAMPTZ,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at);
`

// Store is a PostgreSQL backed oracle and message store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// timestamp returns the current time at the microsecond precision of a
// timestamptz column, so the value returned to callers matches what a later
// read yields.
func (s *Store) timestamp() time.Time {
	return s.now().Truncate(time.Microsecond)
}

// Open connects to dsn with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// IsParticipant implements chat.MembershipOracle.
func (s *Store) IsParticipant(ctx context.Context, userID chat.UserID, chatID chat.ChatID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		string(chatID), string(userID)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

// GetChat implements chat.MembershipOracle.
func (s *Store) GetChat(ctx context.Context, chatID chat.ChatID) (chat.Chat, error) {
	c := chat.Chat{ID: chatID}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM chats WHERE id = $1`, string(chatID)).Scan(&c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, chat.NotFound("get_chat", "chat not found")
	}
	if err != nil {
		return chat.Chat{}, fmt.Errorf("load chat: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1 ORDER BY user_id`, string(chatID))
	if err != nil {
		return chat.Chat{}, fmt.Errorf("load participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return chat.Chat{}, fmt.Errorf("scan participant: %w", err)
		}
		c.ParticipantIDs = append(c.ParticipantIDs, chat.UserID(id))
	}
	if err := rows.Err(); err != nil {
		return chat.Chat{}, fmt.Errorf("iterate participants: %w", err)
	}
	return c, nil
}

// CreateMessage implements chat.MessageStore. Chat existence and the
// sender's membership are checked in the same transaction as the insert.
func (s *Store) CreateMessage(ctx context.Context, chatID chat.ChatID, senderID chat.UserID, content string) (chat.Message, error) {
	const op = "create_message"

	msg := chat.Message{
		ID:        chat.MessageID(uuid.NewString()),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: s.timestamp(),
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM chats WHERE id = $1)`, string(chatID)).Scan(&exists); err != nil {
			return fmt.Errorf("check chat: %w", err)
		}
		if !exists {
			return chat.NotFound(op, "chat not found")
		}

		var member bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
			string(chatID), string(senderID)).Scan(&member); err != nil {
			return fmt.Errorf("check participant: %w", err)
		}
		if !member {
			return chat.Forbidden(op)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, sender_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
			string(msg.ID), string(msg.ChatID), string(msg.SenderID), msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// EditMessage implements chat.MessageStore.
func (s *Store) EditMessage(ctx context.Context, messageID chat.MessageID, editorID chat.UserID, content string) (chat.Message, error) {
	var msg chat.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		msg, err = lockOwned(ctx, tx, "edit_message", messageID, editorID)
		if err != nil {
			return err
		}

		edited := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3`,
			content, edited, string(messageID)); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		msg.Content = content
		msg.EditedAt = &edited
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// DeleteMessage implements chat.MessageStore with a soft delete.
func (s *Store) DeleteMessage(ctx context.Context, messageID chat.MessageID, requesterID chat.UserID) (chat.Message, error) {
	var msg chat.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		msg, err = lockOwned(ctx, tx, "delete_message", messageID, requesterID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET deleted = TRUE WHERE id = $1`, string(messageID)); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		msg.Deleted = true
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// lockOwned loads a live message row for update and checks that userID sent it.
func lockOwned(ctx context.Context, tx *sql.Tx, op string, messageID chat.MessageID, userID chat.UserID) (chat.Message, error) {
	var (
		msg      chat.Message
		chatID   string
		senderID string
		editedAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx,
		`SELECT chat_id, sender_id, content, created_at, edited_at, deleted FROM messages WHERE id = $1 FOR UPDATE`,
		string(messageID)).Scan(&chatID, &senderID, &msg.Content, &msg.CreatedAt, &editedAt, &msg.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.NotFound(op, "message not found")
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("load message: %w", err)
	}
	if msg.Deleted {
		return chat.Message{}, chat.NotFound(op, "message not found")
	}
	if chat.UserID(senderID) != userID {
		return chat.Message{}, chat.Forbidden(op)
	}

	msg.ID = messageID
	msg.ChatID = chat.ChatID(chatID)
	msg.SenderID = chat.UserID(senderID)
	msg.CreatedAt = msg.CreatedAt.UTC()
	if editedAt.Valid {
		t := editedAt.Time.UTC()
		msg.EditedAt = &t
	}
	return msg, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var (
	_ chat.MembershipOracle = (*Store)(nil)
	_ chat.MessageStore     = (*Store)(nil)
)
