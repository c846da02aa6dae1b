package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ensemblelabs/ensemble-core/internal/config"
	_ "modernc.org/sqlite"
)

// Utterance is one line of a recorded conversation: either the user's
// message or one character's finished reply.
type Utterance struct {
	ID            int64
	SessionID     string
	Turn          int64
	Role          string
	CharacterID   string
	CharacterName string
	MessageID     string
	Text          string
	CreatedAt     time.Time
}

const (
	RoleUser      = "user"
	RoleCharacter = "character"
)

// Store is a SQLite-backed conversation log. It doubles as the prompt
// context source for the orchestrator.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral mode no
// database is opened and every operation is a no-op.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    turn INTEGER NOT NULL,
    role TEXT NOT NULL,
    character_id TEXT,
    character_name TEXT,
    message_id TEXT,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_session ON utterances(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSession creates the session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC())
	return err
}

func (s *Store) append(ctx context.Context, u Utterance) error {
	if s.db == nil {
		return nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(session_id, turn, role, character_id, character_name, message_id, text, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		u.SessionID, u.Turn, u.Role, u.CharacterID, u.CharacterName, u.MessageID, u.Text, u.CreatedAt)
	return err
}

// ListUtterances retrieves up to limit most recent utterances for a
// session in chronological order.
func (s *Store) ListUtterances(ctx context.Context, sessionID string, limit int) ([]Utterance, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn, role, character_id, character_name, message_id, text, created_at FROM (
		    SELECT * FROM utterances WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		var created string
		if err := rows.Scan(&u.ID, &u.SessionID, &u.Turn, &u.Role, &u.CharacterID, &u.CharacterName, &u.MessageID, &u.Text, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			u.CreatedAt = ts
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// ForSession binds the store to one session id, producing the recorder
// the orchestrator consumes.
func (s *Store) ForSession(sessionID string) *SessionRecorder {
	return &SessionRecorder{store: s, sessionID: sessionID}
}

// SessionRecorder implements the pipeline's history contract for one
// client session.
type SessionRecorder struct {
	store     *Store
	sessionID string
}

func (r *SessionRecorder) RecordUserMessage(ctx context.Context, turn int64, text string) error {
	return r.store.append(ctx, Utterance{
		SessionID: r.sessionID, Turn: turn, Role: RoleUser, Text: text,
	})
}

func (r *SessionRecorder) RecordReply(ctx context.Context, turn int64, characterID, characterName, messageID, text string) error {
	return r.store.append(ctx, Utterance{
		SessionID: r.sessionID, Turn: turn, Role: RoleCharacter,
		CharacterID: characterID, CharacterName: characterName,
		MessageID: messageID, Text: text,
	})
}

// RecentTranscript formats the last utterances as "Speaker: text" lines
// for prompt context.
func (r *SessionRecorder) RecentTranscript(ctx context.Context, limit int) ([]string, error) {
	utterances, err := r.store.ListUtterances(ctx, r.sessionID, limit)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(utterances))
	for _, u := range utterances {
		speaker := "User"
		if u.Role == RoleCharacter {
			speaker = u.CharacterName
		}
		lines = append(lines, speaker+": "+u.Text)
	}
	return lines, nil
}
