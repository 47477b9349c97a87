package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/rinat3636/mybottg/internal/adapter/store"
)

// AlbumService batches multi-image albums. The first photo of an album arms
// a flush timer keyed by (user, media_group_id); when it fires, a one-shot
// store lock guarantees the album is flushed to the queue exactly once even
// with multiple processes receiving parts of the same album.
type AlbumService struct {
	Store      *store.Store
	FlushDelay time.Duration
	// Flush receives the buffered album after the delay elapses.
	Flush func(ctx context.Context, telegramID int64, groupID string, mg store.MediaGroup)
}

// NewAlbumService constructs an AlbumService with the default 2s settle
// delay.
func NewAlbumService(s *store.Store, flush func(ctx context.Context, telegramID int64, groupID string, mg store.MediaGroup)) *AlbumService {
	return &AlbumService{Store: s, FlushDelay: 2 * time.Second, Flush: flush}
}

// Add buffers one album item and arms the flush timer on the first item.
func (s *AlbumService) Add(ctx context.Context, telegramID int64, groupID, fileID, caption string) error {
	mg, err := s.Store.AddMediaGroupItem(ctx, telegramID, groupID, fileID, caption)
	if err != nil {
		return err
	}
	if len(mg.FileIDs) == 1 {
		s.arm(telegramID, groupID)
	}
	return nil
}

func (s *AlbumService) arm(telegramID int64, groupID string) {
	time.AfterFunc(s.FlushDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ok, err := s.Store.AcquireMediaGroupFlushLock(ctx, telegramID, groupID)
		if err != nil {
			slog.Error("album flush lock failed",
				slog.Int64("telegram_id", telegramID), slog.String("group_id", groupID), slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		mg, err := s.Store.MediaGroupItems(ctx, telegramID, groupID)
		if err != nil || len(mg.FileIDs) == 0 {
			return
		}
		if s.Flush != nil {
			s.Flush(ctx, telegramID, groupID, mg)
		}
		_ = s.Store.DeleteMediaGroup(ctx, telegramID, groupID)
	})
}
