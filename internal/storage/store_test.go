package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

func openStore(t *testing.T) *FrameStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "frames"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func frame(burst uint64, idx, count int, ts time.Time, data []byte) device.Frame {
	return device.Frame{
		Data:      data,
		Format:    device.FormatJPEG,
		Size:      device.Size{Width: 64, Height: 48},
		Timestamp: ts,
		Tag:       device.Tag{Burst: burst, Index: idx, Count: count, Kind: "bracket"},
		Exposure:  time.Duration(idx+1) * 100 * time.Millisecond,
		ISO:       int32(200 * (idx + 1)),
	}
}

func TestSaveWritesFileNamedAfterCaptureTime(t *testing.T) {
	s := openStore(t)
	ts := time.UnixMilli(1700000000123)

	rec, err := s.Save(context.Background(), frame(1, 0, 1, ts, []byte("jpeg-bytes")))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(s.Dir(), "1700000000123.jpg"), rec.Path)
	data, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Equal(t, 10, rec.Bytes)
	assert.NotZero(t, rec.BurstID)
}

func TestSaveSameMillisecondGetsDistinctNames(t *testing.T) {
	s := openStore(t)
	ts := time.UnixMilli(1700000000000)

	a, err := s.Save(context.Background(), frame(1, 0, 2, ts, []byte("a")))
	require.NoError(t, err)
	b, err := s.Save(context.Background(), frame(1, 1, 2, ts, []byte("b")))
	require.NoError(t, err)

	assert.NotEqual(t, a.Path, b.Path)
	assert.True(t, strings.HasSuffix(b.Path, "1700000000001.jpg"), b.Path)
}

func TestSaveTIFFExtension(t *testing.T) {
	s := openStore(t)
	f := frame(1, 0, 1, time.UnixMilli(42), []byte("II*"))
	f.Format = device.FormatTIFF
	rec, err := s.Save(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, ".tif", filepath.Ext(rec.Path))
}

func TestSaveWithoutBytesOnlyJournals(t *testing.T) {
	s := openStore(t)
	rec, err := s.Save(context.Background(), frame(5, 0, 1, time.Now(), nil))
	require.NoError(t, err)
	assert.Empty(t, rec.Path)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".jpg"), "unexpected image %s", e.Name())
	}
}

func TestJournalTracksBurstCompletion(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	for i := 0; i < 2; i++ {
		_, err := s.Save(ctx, frame(7, i, 3, base.Add(time.Duration(i)*time.Second), []byte{byte(i)}))
		require.NoError(t, err)
	}
	bursts, err := s.RecentBursts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, bursts, 1)
	assert.Equal(t, uint64(7), bursts[0].Seq)
	assert.Equal(t, 3, bursts[0].Brackets)
	assert.Equal(t, 2, bursts[0].Frames)
	assert.Nil(t, bursts[0].Finished)
	assert.True(t, bursts[0].Started.Equal(base))

	_, err = s.Save(ctx, frame(7, 2, 3, base.Add(2*time.Second), []byte{2}))
	require.NoError(t, err)
	bursts, err = s.RecentBursts(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, bursts[0].Finished)
	assert.True(t, bursts[0].Finished.Equal(base.Add(2*time.Second)))

	frames, err := s.Frames(ctx, bursts[0].ID)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, 300*time.Millisecond, frames[2].Exposure)
	assert.Equal(t, int32(600), frames[2].ISO)
}

func TestRecentBurstsNewestFirstAndLimited(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for seq := uint64(1); seq <= 4; seq++ {
		_, err := s.Save(ctx, frame(seq, 0, 1, time.Now(), nil))
		require.NoError(t, err)
	}
	bursts, err := s.RecentBursts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, bursts, 2)
	assert.Equal(t, uint64(4), bursts[0].Seq)
	assert.Equal(t, uint64(3), bursts[1].Seq)
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	ctx := context.Background()

	s, err := Open(ctx, dir, "")
	require.NoError(t, err)
	_, err = s.Save(ctx, frame(1, 0, 1, time.Now(), []byte("x")))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir, "")
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Save(ctx, frame(1, 0, 1, time.Now(), []byte("y")))
	require.NoError(t, err, "a new run may reuse sequence ids")

	bursts, err := s.RecentBursts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, bursts, 2)
}

func TestWriterSavesInBackground(t *testing.T) {
	s := openStore(t)
	var (
		mu    sync.Mutex
		saved []Record
	)
	w := s.NewWriter(4, func(r Record, err error) {
		assert.NoError(t, err)
		mu.Lock()
		saved = append(saved, r)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		assert.True(t, w.Enqueue(frame(9, i, 3, time.UnixMilli(int64(1000+i)), []byte{byte(i)})))
	}
	w.Close()
	w.Close()
	assert.False(t, w.Enqueue(frame(9, 0, 1, time.Now(), nil)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, saved, 3)
	for i, r := range saved {
		assert.Equal(t, i, r.Index)
	}
}
