package downloader

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/errors"
	"github.com/javi11/nzbd/internal/nntp"
	"github.com/javi11/nzbd/internal/serverpool"
)

type stubConn struct {
	bodies map[string][]byte
	// missing responds with 430 for the given ids
	missing map[string]bool
}

func (c *stubConn) SelectGroup(string) error { return nil }
func (c *stubConn) Close() error             { return nil }

func (c *stubConn) Body(_ context.Context, messageID string) (io.ReadCloser, error) {
	if c.missing[messageID] {
		return nil, errors.New(errors.KindArticleMissing, "no such article")
	}
	body, ok := c.bodies[messageID]
	if !ok {
		return nil, errors.New(errors.KindArticleMissing, "no such article")
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func encodeArticle(data []byte) []byte {
	var out bytes.Buffer
	fmt.Fprintf(&out, "=ybegin part=1 line=128 size=%d name=file.bin\r\n", len(data))
	fmt.Fprintf(&out, "=ypart begin=1 end=%d\r\n", len(data))
	col := 0
	for _, b := range data {
		c := b + 42
		switch c {
		case 0x00, 0x0a, 0x0d, '=':
			out.WriteByte('=')
			out.WriteByte(c + 64)
			col += 2
		default:
			out.WriteByte(c)
			col++
		}
		if col >= 128 {
			out.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		out.WriteString("\r\n")
	}
	fmt.Fprintf(&out, "=yend size=%d part=1 pcrc32=%08x\r\n", len(data), crc32.ChecksumIEEE(data))
	return out.Bytes()
}

func testSlot(t *testing.T, conn nntp.Conn) (*serverpool.Pool, *serverpool.Slot) {
	t.Helper()

	pool := serverpool.New([]config.ServerConfig{
		{ID: 1, Host: "news", MaxConnections: 1, Level: 0},
	}, time.Second)
	pool.SetDialFunc(func(context.Context, nntp.DialConfig) (nntp.Conn, error) {
		return conn, nil
	})

	slot, ok := pool.AcquireForArticle(nil)
	require.True(t, ok)
	return pool, slot
}

func TestDownloadSuccess(t *testing.T) {
	data := []byte("the binary payload of one usenet article")
	conn := &stubConn{bodies: map[string][]byte{"a1@test": encodeArticle(data)}}
	_, slot := testSlot(t, conn)

	job := Job{
		NzbID: 1, FileID: 2, PartNumber: 1,
		MessageID:  "a1@test",
		Size:       int64(len(data)),
		SegmentDir: t.TempDir(),
		CrcCheck:   true,
	}

	res := Download(context.Background(), job, slot, nil, nil)

	require.True(t, res.Succeeded(), "err=%v status=%v", res.Err, res.Status)
	assert.Equal(t, serverpool.OutcomeSuccess, res.PoolOutcome)
	assert.Equal(t, crc32.ChecksumIEEE(data), res.Crc)
	assert.Equal(t, int64(len(data)), res.Written)
	assert.Equal(t, int64(0), res.BeginOffset)
	assert.Equal(t, "file.bin", res.ArticleFilename)

	written, err := os.ReadFile(res.SegmentPath)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestDownloadMissingArticle(t *testing.T) {
	conn := &stubConn{missing: map[string]bool{"gone@test": true}}
	_, slot := testSlot(t, conn)

	job := Job{
		MessageID:  "gone@test",
		Groups:     []string{"alt.binaries.test"},
		SegmentDir: t.TempDir(),
	}

	res := Download(context.Background(), job, slot, nil, nil)

	require.False(t, res.Succeeded())
	assert.Equal(t, errors.KindArticleMissing, errors.KindOf(res.Err))
	// the connection stays healthy: only the article is gone
	assert.Equal(t, serverpool.OutcomeSuccess, res.PoolOutcome)
	assert.Empty(t, res.SegmentPath)
}

func TestDownloadCrcMismatchKeepsPartialSegment(t *testing.T) {
	data := []byte("payload that will arrive corrupted on the wire")
	encoded := encodeArticle(data)
	idx := bytes.Index(encoded, []byte("=ypart")) + 30
	encoded[idx] ^= 0x01

	conn := &stubConn{bodies: map[string][]byte{"a1@test": encoded}}
	_, slot := testSlot(t, conn)

	job := Job{MessageID: "a1@test", SegmentDir: t.TempDir(), CrcCheck: true}
	res := Download(context.Background(), job, slot, nil, nil)

	require.False(t, res.Succeeded())
	assert.Equal(t, errors.KindCrcMismatch, errors.KindOf(res.Err))
	assert.Equal(t, serverpool.OutcomeSuccess, res.PoolOutcome)

	// partial bytes stay on disk for PAR recovery
	require.NotEmpty(t, res.SegmentPath)
	_, err := os.Stat(res.SegmentPath)
	assert.NoError(t, err)
}

func TestDownloadCancelled(t *testing.T) {
	data := make([]byte, 256*1024)
	conn := &stubConn{bodies: map[string][]byte{"a1@test": encodeArticle(data)}}
	_, slot := testSlot(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := Job{MessageID: "a1@test", SegmentDir: t.TempDir()}
	res := Download(ctx, job, slot, nil, nil)

	require.False(t, res.Succeeded())
	assert.Equal(t, errors.KindCancelled, errors.KindOf(res.Err))
}
