package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rinat3636/mybottg/internal/domain"
)

func TestRateLimitWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := s.CheckRateLimit(ctx, 42, "cmd", 5, time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "request %d should pass", i)
	}
	ok, err := s.CheckRateLimit(ctx, 42, "cmd", 5, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Separate action and separate user have their own windows.
	ok, err = s.CheckRateLimit(ctx, 42, "media", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CheckRateLimit(ctx, 43, "cmd", 5, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMediaGroupBuffer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.AddMediaGroupItem(ctx, 1, "g1", fmt.Sprintf("file%d", i), "")
		require.NoError(t, err)
	}
	// Duplicates are ignored and the buffer is capped.
	_, err := s.AddMediaGroupItem(ctx, 1, "g1", "file0", "make it pop")
	require.NoError(t, err)

	mg, err := s.MediaGroupItems(ctx, 1, "g1")
	require.NoError(t, err)
	require.Len(t, mg.FileIDs, MaxAlbumItems)
	require.Equal(t, "make it pop", mg.Caption)

	require.NoError(t, s.DeleteMediaGroup(ctx, 1, "g1"))
	mg, err = s.MediaGroupItems(ctx, 1, "g1")
	require.NoError(t, err)
	require.Empty(t, mg.FileIDs)
}

func TestMediaGroupFlushLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireMediaGroupFlushLock(ctx, 1, "g1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireMediaGroupFlushLock(ctx, 1, "g1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLastJobCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastJob(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	want := domain.LastJob{Kind: domain.KindEditImage, Prompt: "sunset", AspectRatio: "16:9", FileIDs: []string{"f1"}}
	require.NoError(t, s.SetLastJob(ctx, 1, want))

	got, ok, err := s.LastJob(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestFSMStateOpaque(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	st, err := s.UserState(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, st)

	require.NoError(t, s.SetUserState(ctx, 1, "awaiting_prompt"))
	require.NoError(t, s.SetUserData(ctx, 1, `{"tariff":"flux_2_pro"}`))

	st, err = s.UserState(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "awaiting_prompt", st)

	require.NoError(t, s.ClearUserState(ctx, 1))
	st, err = s.UserState(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, st)
	data, err := s.UserData(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, data)
}
