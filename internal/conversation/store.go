// Package conversation holds per-user bounded conversation history.
// The in-memory store is authoritative; a Persister can mirror turns so
// sessions survive restarts.
package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyeokjun/routerag-go/internal/domain/entities"
)

// ErrNoSession is returned for operations on a user with no session.
var ErrNoSession = errors.New("no session for user")

// Persister mirrors turn mutations to durable storage.
type Persister interface {
	SaveTurn(ctx context.Context, turn entities.ConversationTurn) error
	LoadTurns(ctx context.Context) ([]entities.ConversationTurn, error)
	DeleteUser(ctx context.Context, userID string) error
	TrimUser(ctx context.Context, userID string, minIndex int) error
}

// Options configures a Store.
type Options struct {
	MaxTurns  int           // retention cap per user; <=0 means 50
	MaxAge    time.Duration // turns older than this are ignored; 0 disables
	Persister Persister     // optional write-through mirror
}

// session is one user's retained history. Each session has its own lock so
// writers for different users never contend; readers of one session proceed
// concurrently when no writer holds it.
type session struct {
	mu        sync.RWMutex
	turns     []entities.ConversationTurn
	nextIndex int
	firstSeen time.Time
	lastSeen  time.Time
}

// Store implements ports.ConversationStore.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	opts     Options
	now      func() time.Time
}

// NewStore creates a store and, when a persister is configured, restores
// previously saved turns into memory.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 50
	}
	s := &Store{
		sessions: make(map[string]*session),
		opts:     opts,
		now:      time.Now,
	}
	if opts.Persister != nil {
		if err := s.restore(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) restore(ctx context.Context) error {
	turns, err := s.opts.Persister.LoadTurns(ctx)
	if err != nil {
		return err
	}
	sort.Slice(turns, func(i, j int) bool {
		if turns[i].UserID != turns[j].UserID {
			return turns[i].UserID < turns[j].UserID
		}
		return turns[i].Index < turns[j].Index
	})
	for _, turn := range turns {
		sess := s.getOrCreate(turn.UserID, turn.CreatedAt)
		sess.turns = append(sess.turns, turn)
		sess.nextIndex = turn.Index + 1
		sess.lastSeen = turn.CreatedAt
		if over := len(sess.turns) - s.opts.MaxTurns; over > 0 {
			sess.turns = sess.turns[over:]
		}
	}
	log.Info().Int("turns", len(turns)).Int("users", len(s.sessions)).Msg("conversation history restored")
	return nil
}

func (s *Store) getOrCreate(userID string, seen time.Time) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &session{firstSeen: seen}
		s.sessions[userID] = sess
	}
	return sess
}

func (s *Store) get(userID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

// Append adds a turn to the user's session, creating the session lazily.
// The turn's Index is assigned here; on overflow the oldest turn is evicted.
func (s *Store) Append(ctx context.Context, turn entities.ConversationTurn) error {
	if turn.UserID == "" {
		return errors.New("empty user id")
	}
	now := s.now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}

	sess := s.getOrCreate(turn.UserID, now)
	sess.mu.Lock()
	turn.Index = sess.nextIndex
	sess.nextIndex++
	sess.turns = append(sess.turns, turn)
	sess.lastSeen = now

	var trimBelow int
	if over := len(sess.turns) - s.opts.MaxTurns; over > 0 {
		sess.turns = sess.turns[over:]
		trimBelow = sess.turns[0].Index
	}
	sess.mu.Unlock()

	if p := s.opts.Persister; p != nil {
		if err := p.SaveTurn(ctx, turn); err != nil {
			log.Warn().Err(err).Str("user", turn.UserID).Msg("persisting turn failed")
		}
		if trimBelow > 0 {
			if err := p.TrimUser(ctx, turn.UserID, trimBelow); err != nil {
				log.Warn().Err(err).Str("user", turn.UserID).Msg("trimming persisted turns failed")
			}
		}
	}
	return nil
}

// Session returns a copy of the user's retained turns in append order.
func (s *Store) Session(ctx context.Context, userID string) ([]entities.ConversationTurn, error) {
	sess, ok := s.get(userID)
	if !ok {
		return nil, ErrNoSession
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	out := make([]entities.ConversationTurn, len(sess.turns))
	copy(out, sess.turns)
	return out, nil
}

// RelevantHistory ranks the user's retained turns by cosine similarity to
// the query embedding, descending, truncated to maxTurns. Ties go to the
// most recent turn. Turns older than MaxAge are skipped. An unknown user
// yields an empty history, not an error.
func (s *Store) RelevantHistory(ctx context.Context, userID string, queryEmbedding []float32, maxTurns int) ([]entities.ConversationTurn, error) {
	if maxTurns <= 0 {
		return nil, nil
	}
	sess, ok := s.get(userID)
	if !ok {
		return nil, nil
	}

	var cutoff time.Time
	if s.opts.MaxAge > 0 {
		cutoff = s.now().Add(-s.opts.MaxAge)
	}

	type ranked struct {
		turn  entities.ConversationTurn
		score float64
	}

	sess.mu.RLock()
	candidates := make([]ranked, 0, len(sess.turns))
	for _, turn := range sess.turns {
		if !cutoff.IsZero() && turn.CreatedAt.Before(cutoff) {
			continue
		}
		candidates = append(candidates, ranked{turn: turn, score: entities.Cosine(queryEmbedding, turn.Embedding)})
	}
	sess.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].turn.Index > candidates[j].turn.Index
	})
	if len(candidates) > maxTurns {
		candidates = candidates[:maxTurns]
	}

	out := make([]entities.ConversationTurn, len(candidates))
	for i, c := range candidates {
		out[i] = c.turn
	}
	return out, nil
}

// Reset drops the user's turns but keeps the session.
func (s *Store) Reset(ctx context.Context, userID string) error {
	sess, ok := s.get(userID)
	if !ok {
		return ErrNoSession
	}
	sess.mu.Lock()
	sess.turns = nil
	sess.lastSeen = s.now()
	sess.mu.Unlock()

	if p := s.opts.Persister; p != nil {
		if err := p.DeleteUser(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("resetting persisted turns failed")
		}
	}
	return nil
}

// Delete removes the user's session entirely.
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	_, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	if p := s.opts.Persister; p != nil {
		if err := p.DeleteUser(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("deleting persisted turns failed")
		}
	}
	return nil
}

// ListUsers summarizes every known session, sorted by user id.
func (s *Store) ListUsers(ctx context.Context) ([]entities.UserSummary, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]entities.UserSummary, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.get(id)
		if !ok {
			continue
		}
		sess.mu.RLock()
		out = append(out, entities.UserSummary{
			UserID:    id,
			TurnCount: len(sess.turns),
			FirstSeen: sess.firstSeen,
			LastSeen:  sess.lastSeen,
		})
		sess.mu.RUnlock()
	}
	return out, nil
}
