package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rinat3636/mybottg/internal/domain"
)

// Session-scoped keys owned by the front-end but stored here: conversational
// FSM state, rate-limit windows, the media-group staging buffer, and the
// last-job cache. The core treats FSM state and data as opaque strings.
const (
	fsmStatePrefix   = "fsm:state:"
	fsmDataPrefix    = "fsm:data:"
	ratePrefix       = "rate:"
	mediaGroupPrefix = "media_group:"
	lastJobPrefix    = "last_job:"

	sessionTTL    = time.Hour
	mediaGroupTTL = 2 * time.Minute
	lastJobTTL    = 24 * time.Hour

	// MaxAlbumItems caps a media-group buffer.
	MaxAlbumItems = 8
)

// UserState returns the FSM state for a user, or "" when unset.
func (s *Store) UserState(ctx context.Context, telegramID int64) (string, error) {
	v, err := s.Get(ctx, fmt.Sprintf("%s%d", fsmStatePrefix, telegramID))
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetUserState stores the FSM state with the session TTL.
func (s *Store) SetUserState(ctx context.Context, telegramID int64, state string) error {
	return s.Set(ctx, fmt.Sprintf("%s%d", fsmStatePrefix, telegramID), state, sessionTTL)
}

// ClearUserState drops both FSM state and data.
func (s *Store) ClearUserState(ctx context.Context, telegramID int64) error {
	return s.Del(ctx,
		fmt.Sprintf("%s%d", fsmStatePrefix, telegramID),
		fmt.Sprintf("%s%d", fsmDataPrefix, telegramID))
}

// UserData returns the opaque FSM data blob, or "" when unset.
func (s *Store) UserData(ctx context.Context, telegramID int64) (string, error) {
	v, err := s.Get(ctx, fmt.Sprintf("%s%d", fsmDataPrefix, telegramID))
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetUserData stores the opaque FSM data blob.
func (s *Store) SetUserData(ctx context.Context, telegramID int64, data string) error {
	return s.Set(ctx, fmt.Sprintf("%s%d", fsmDataPrefix, telegramID), data, sessionTTL)
}

// CheckRateLimit keeps one counter per (action, user) whose TTL is reset to
// window on every allowed request. It is not a sliding window: the counter
// clears only after a full window passes with no allowed request.
// Returns false when the counter has reached maxRequests.
func (s *Store) CheckRateLimit(ctx context.Context, telegramID int64, action string, maxRequests int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%s:%d", ratePrefix, action, telegramID)
	cur, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if cur != "" {
		var n int
		if _, err := fmt.Sscan(cur, &n); err == nil && n >= maxRequests {
			return false, nil
		}
	}
	if _, err := s.IncrWithTTL(ctx, key, window); err != nil {
		return false, err
	}
	return true, nil
}

// MediaGroup is the short-lived staging buffer for one album.
type MediaGroup struct {
	FileIDs []string `json:"file_ids"`
	Caption string   `json:"caption,omitempty"`
}

func mediaGroupKey(tg int64, groupID string) string {
	return fmt.Sprintf("%s%d:%s", mediaGroupPrefix, tg, groupID)
}

// AddMediaGroupItem appends a file id to an album buffer, keeping at most
// MaxAlbumItems. A non-empty caption replaces any caption stored earlier.
func (s *Store) AddMediaGroupItem(ctx context.Context, telegramID int64, groupID, fileID, caption string) (MediaGroup, error) {
	key := mediaGroupKey(telegramID, groupID)
	var mg MediaGroup
	if raw, err := s.Get(ctx, key); err == nil {
		_ = json.Unmarshal([]byte(raw), &mg)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return MediaGroup{}, err
	}
	seen := false
	for _, id := range mg.FileIDs {
		if id == fileID {
			seen = true
			break
		}
	}
	if !seen {
		mg.FileIDs = append(mg.FileIDs, fileID)
	}
	if len(mg.FileIDs) > MaxAlbumItems {
		mg.FileIDs = mg.FileIDs[:MaxAlbumItems]
	}
	if c := strings.TrimSpace(caption); c != "" {
		mg.Caption = c
	}
	raw, err := json.Marshal(mg)
	if err != nil {
		return MediaGroup{}, fmt.Errorf("op=store.media_group: %w", err)
	}
	if err := s.Set(ctx, key, string(raw), mediaGroupTTL); err != nil {
		return MediaGroup{}, err
	}
	return mg, nil
}

// MediaGroupItems returns the buffered album, empty when expired.
func (s *Store) MediaGroupItems(ctx context.Context, telegramID int64, groupID string) (MediaGroup, error) {
	raw, err := s.Get(ctx, mediaGroupKey(telegramID, groupID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return MediaGroup{}, nil
		}
		return MediaGroup{}, err
	}
	var mg MediaGroup
	_ = json.Unmarshal([]byte(raw), &mg)
	return mg, nil
}

// DeleteMediaGroup drops a flushed buffer.
func (s *Store) DeleteMediaGroup(ctx context.Context, telegramID int64, groupID string) error {
	return s.Del(ctx, mediaGroupKey(telegramID, groupID))
}

// AcquireMediaGroupFlushLock guarantees one flush per album.
func (s *Store) AcquireMediaGroupFlushLock(ctx context.Context, telegramID int64, groupID string) (bool, error) {
	key := fmt.Sprintf("%slock:%d:%s", mediaGroupPrefix, telegramID, groupID)
	return s.SetIfAbsent(ctx, key, "1", mediaGroupTTL)
}

// SetLastJob caches the finished job parameters for "do it again".
func (s *Store) SetLastJob(ctx context.Context, telegramID int64, job domain.LastJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=store.set_last_job: %w", err)
	}
	return s.Set(ctx, fmt.Sprintf("%s%d", lastJobPrefix, telegramID), string(raw), lastJobTTL)
}

// LastJob returns the cached job parameters; ok is false when none exist.
func (s *Store) LastJob(ctx context.Context, telegramID int64) (domain.LastJob, bool, error) {
	raw, err := s.Get(ctx, fmt.Sprintf("%s%d", lastJobPrefix, telegramID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.LastJob{}, false, nil
		}
		return domain.LastJob{}, false, err
	}
	var job domain.LastJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.LastJob{}, false, nil
	}
	return job, true, nil
}
