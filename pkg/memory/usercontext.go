package memory

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type Stage string

const (
	StageStranger     Stage = "stranger"
	StageAcquaintance Stage = "acquaintance"
	StageFriend       Stage = "friend"
	StageClose        Stage = "close"
	StageBest         Stage = "best"
)

const (
	maxFriendship  = 100.0
	friendshipStep = 0.5
)

// UserContext is an immutable per-user relationship snapshot. Touch returns
// a new value.
type UserContext struct {
	UserID            string     `json:"user_id"`
	FirstSeen         time.Time  `json:"first_seen"`
	ConversationCount int        `json:"conversation_count"`
	FriendshipLevel   float64    `json:"friendship_level"`
	LastInteraction   *time.Time `json:"last_interaction,omitempty"`
}

func NewUserContext(userID string, now time.Time) UserContext {
	return UserContext{UserID: userID, FirstSeen: now.UTC()}
}

// Touch records one completed exchange.
func (u UserContext) Touch(now time.Time) UserContext {
	next := u
	next.ConversationCount++
	next.FriendshipLevel = math.Min(maxFriendship, u.FriendshipLevel+friendshipStep)
	at := now.UTC()
	next.LastInteraction = &at
	return next
}

func (u UserContext) Stage() Stage {
	switch lvl := u.FriendshipLevel; {
	case lvl < 20:
		return StageStranger
	case lvl < 50:
		return StageAcquaintance
	case lvl < 70:
		return StageFriend
	case lvl < 90:
		return StageClose
	default:
		return StageBest
	}
}

// LoadUserContext reads the stored context; ok is false for unknown users.
func (s *SQLiteStore) LoadUserContext(ctx context.Context, userID string) (UserContext, bool, error) {
	var (
		uc    UserContext
		first string
		last  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, first_seen, conversation_count, friendship_level, last_interaction FROM user_contexts WHERE user_id = ?`,
		userID).Scan(&uc.UserID, &first, &uc.ConversationCount, &uc.FriendshipLevel, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return UserContext{}, false, nil
	}
	if err != nil {
		return UserContext{}, false, goerr.Wrap(err, "load user context", goerr.V("user_id", userID))
	}
	uc.FirstSeen = parseTS(first)
	if last.Valid && last.String != "" {
		t := parseTS(last.String)
		uc.LastInteraction = &t
	}
	return uc, true, nil
}

// UserContext returns the stored context, creating and persisting a fresh
// one on first contact.
func (s *SQLiteStore) UserContext(ctx context.Context, userID string) (UserContext, error) {
	if userID == "" {
		return UserContext{}, ErrEmptyUser
	}
	uc, ok, err := s.LoadUserContext(ctx, userID)
	if err != nil {
		return UserContext{}, err
	}
	if ok {
		return uc, nil
	}
	uc = NewUserContext(userID, s.opts.Now())
	if err := s.SaveUserContext(ctx, uc); err != nil {
		return UserContext{}, err
	}
	return uc, nil
}

// SaveUserContext upserts uc.
func (s *SQLiteStore) SaveUserContext(ctx context.Context, uc UserContext) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	var last sql.NullString
	if uc.LastInteraction != nil {
		last = sql.NullString{String: formatTS(*uc.LastInteraction), Valid: true}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_contexts (user_id, first_seen, conversation_count, friendship_level, last_interaction)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			conversation_count = excluded.conversation_count,
			friendship_level = excluded.friendship_level,
			last_interaction = excluded.last_interaction`,
		uc.UserID, formatTS(uc.FirstSeen), uc.ConversationCount, uc.FriendshipLevel, last)
	if err != nil {
		return goerr.Wrap(err, "save user context", goerr.V("user_id", uc.UserID))
	}
	return nil
}

// CountUsers returns how many users have a stored context.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_contexts`).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "count users")
	}
	return n, nil
}
