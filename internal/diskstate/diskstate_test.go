package diskstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/queue"
)

func buildQueue() *queue.DownloadQueue {
	dq := queue.NewDownloadQueue()
	dq.Update(func(q *queue.Queue) {
		nzb := &queue.NzbInfo{
			ID:             q.AllocNzbID(),
			Name:           "release one",
			Filename:       "release.one.nzb",
			DestDir:        "/dl/release one",
			Category:       "tv",
			Priority:       10,
			DupeKey:        "release-one",
			DupeScore:      50,
			DupeMode:       queue.DupeAll,
			ExtraParBlocks: 12,
		}
		nzb.Parameters.Set("Quality", "hd")
		nzb.Parameters.Set("cleanup:", "yes")

		f := &queue.FileInfo{
			ID:                q.AllocFileID(),
			NzbID:             nzb.ID,
			Subject:           `"release.one.r00" yEnc (1/3)`,
			Filename:          "release.one.r00",
			FilenameConfirmed: true,
			Size:              3000,
			SuccessSize:       1000,
			Groups:            []string{"alt.binaries.test", "alt.binaries.misc"},
			Articles: []*queue.ArticleInfo{
				{PartNumber: 1, MessageID: "a1@test", Size: 1000, Status: queue.ArticleFinished, Crc: 0xdeadbeef, CrcKnown: true, SegmentPath: "/tmp/s1"},
				{PartNumber: 2, MessageID: "a2@test", Offset: 1000, Size: 1000, Status: queue.ArticleRunning},
				{PartNumber: 3, MessageID: "a3@test", Offset: 2000, Size: 1000},
			},
		}
		nzb.Files = append(nzb.Files, f)
		nzb.CompletedFiles = append(nzb.CompletedFiles, queue.CompletedFile{
			Filename: "release.one.par2", Crc: 0x1234, CrcKnown: true, Status: queue.CompletedSuccess,
		})
		q.Add(nzb, false)

		old := &queue.NzbInfo{ID: q.AllocNzbID(), Name: "old release", DupeKey: "release-one", ExtraParBlocks: 40}
		q.Add(old, false)
		q.MoveToHistory(old, queue.HistoryNzb)
	})
	return dq
}

func TestQueueSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ds := New(dir)
	dq := buildQueue()

	require.NoError(t, ds.Save(dq))

	nzbs, history, err := ds.LoadQueue()
	require.NoError(t, err)
	require.Len(t, nzbs, 1)
	require.Len(t, history, 1)

	nzb := nzbs[0]
	assert.Equal(t, "release one", nzb.Name)
	assert.Equal(t, "tv", nzb.Category)
	assert.Equal(t, 10, nzb.Priority)
	assert.Equal(t, queue.DupeAll, nzb.DupeMode)
	assert.Equal(t, 12, nzb.ExtraParBlocks)
	assert.Equal(t, "hd", nzb.Parameters.Get("Quality"))
	assert.Equal(t, "yes", nzb.Parameters.Get("cleanup:"))

	require.Len(t, nzb.Files, 1)
	f := nzb.Files[0]
	assert.Equal(t, "release.one.r00", f.Filename)
	assert.True(t, f.FilenameConfirmed)
	assert.Equal(t, []string{"alt.binaries.test", "alt.binaries.misc"}, f.Groups)
	assert.Equal(t, nzb.ID, f.NzbID)

	require.Len(t, f.Articles, 3)
	assert.Equal(t, queue.ArticleFinished, f.Articles[0].Status)
	assert.Equal(t, uint32(0xdeadbeef), f.Articles[0].Crc)
	assert.Equal(t, "/tmp/s1", f.Articles[0].SegmentPath)

	require.Len(t, nzb.CompletedFiles, 1)
	assert.Equal(t, queue.CompletedSuccess, nzb.CompletedFiles[0].Status)

	hist := history[0]
	assert.Equal(t, queue.HistoryNzb, hist.Kind)
	require.NotNil(t, hist.Nzb)
	assert.Equal(t, "old release", hist.Nzb.Name)
	assert.Equal(t, 40, hist.Nzb.ExtraParBlocks)
}

func TestRestoreResetsRunningArticlesAndSeedsIDs(t *testing.T) {
	dir := t.TempDir()
	ds := New(dir)
	require.NoError(t, ds.Save(buildQueue()))

	nzbs, history, err := ds.LoadQueue()
	require.NoError(t, err)

	restored := queue.NewDownloadQueue()
	newID := 0
	restored.Update(func(q *queue.Queue) {
		q.RestoreState(nzbs, history)

		// the running article was reset for rescheduling
		f := q.Nzbs()[0].Files[0]
		assert.Equal(t, queue.ArticleUndefined, f.Articles[1].Status)

		// new ids stay unique across queue and history
		newID = q.AllocNzbID()
	})
	assert.Greater(t, newID, 2)
}

func TestLoadQueueMissingFile(t *testing.T) {
	ds := New(t.TempDir())
	nzbs, history, err := ds.LoadQueue()
	require.NoError(t, err)
	assert.Nil(t, nzbs)
	assert.Nil(t, history)
}

func TestLoadQueueRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue.state"), []byte("99\n"), 0o644))

	_, _, err := New(dir).LoadQueue()
	assert.Error(t, err)
}

func TestSnapshotIsAtomicRename(t *testing.T) {
	dir := t.TempDir()
	ds := New(dir)
	dq := buildQueue()

	require.NoError(t, ds.Save(dq))
	require.NoError(t, ds.Save(dq))

	// no leftover temp file after the rename
	_, err := os.Stat(filepath.Join(dir, "queue.state.new"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStateRoundTrip(t *testing.T) {
	ds := New(t.TempDir())

	segments := []Segment{
		{Part: 1, Finished: true, Offset: 0, Size: 1000, Crc: 0xabc},
		{Part: 2, Finished: false, Offset: 1000, Size: 0},
		{Part: 3, Finished: true, Offset: 2000, Size: 900, Crc: 0xdef},
	}
	require.NoError(t, ds.SaveFileState(7, segments))

	loaded, ok := ds.LoadFileState(7)
	require.True(t, ok)
	assert.Equal(t, segments, loaded)

	ds.DiscardFileState(7)
	_, ok = ds.LoadFileState(7)
	assert.False(t, ok)
}
