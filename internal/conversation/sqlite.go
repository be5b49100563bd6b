package conversation

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	turn_index INTEGER NOT NULL,
	question   TEXT NOT NULL,
	answer     TEXT NOT NULL,
	embedding  BLOB,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, turn_index);
`

// SQLitePersister implements Persister on a local SQLite database.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// Close closes the underlying database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// SaveTurn inserts or replaces one turn.
func (p *SQLitePersister) SaveTurn(ctx context.Context, turn entities.ConversationTurn) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO turns (id, user_id, turn_index, question, answer, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.UserID, turn.Index, turn.Question, turn.Answer,
		encodeVector(turn.Embedding), turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving turn: %w", err)
	}
	return nil
}

// LoadTurns returns every stored turn.
func (p *SQLitePersister) LoadTurns(ctx context.Context) ([]entities.ConversationTurn, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, turn_index, question, answer, embedding, created_at
		 FROM turns ORDER BY user_id, turn_index`)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer rows.Close()

	var out []entities.ConversationTurn
	for rows.Next() {
		var turn entities.ConversationTurn
		var blob []byte
		if err := rows.Scan(&turn.ID, &turn.UserID, &turn.Index, &turn.Question,
			&turn.Answer, &blob, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turn.Embedding = decodeVector(blob)
		out = append(out, turn)
	}
	return out, rows.Err()
}

// DeleteUser removes all of a user's turns.
func (p *SQLitePersister) DeleteUser(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting user turns: %w", err)
	}
	return nil
}

// TrimUser mirrors FIFO eviction: drops turns below minIndex.
func (p *SQLitePersister) TrimUser(ctx context.Context, userID string, minIndex int) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM turns WHERE user_id = ? AND turn_index < ?`, userID, minIndex)
	if err != nil {
		return fmt.Errorf("trimming user turns: %w", err)
	}
	return nil
}

// encodeVector packs a float32 vector as a little-endian blob.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v
}
