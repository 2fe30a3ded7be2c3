// Package downloader runs single-shot article downloads: one BODY request on
// one connection, streamed through the decoder into a segment file.
package downloader

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/javi11/nzbd/internal/decoder"
	"github.com/javi11/nzbd/internal/errors"
	"github.com/javi11/nzbd/internal/serverpool"
)

// Job is an immutable snapshot of one article to download, copied out of the
// queue under the lock. Workers never touch queue objects directly.
type Job struct {
	NzbID      int
	FileID     int
	PartNumber int
	MessageID  string
	Groups     []string
	Size       int64
	SegmentDir string
	CrcCheck   bool
}

// Result reports one finished download attempt back to the scheduler.
type Result struct {
	Job         Job
	Slot        *serverpool.Slot
	Status      decoder.Status
	SegmentPath string
	Crc         uint32
	Written     int64
	// BeginOffset is the decoded file offset declared by the yEnc part
	// header; 0 for single-part articles.
	BeginOffset int64
	// ArticleFilename is the file name declared in the article encoding; it
	// confirms a name guessed from the subject.
	ArticleFilename string
	Err             error
	// PoolOutcome is the recommended release outcome for the slot.
	PoolOutcome serverpool.Outcome
}

// Succeeded reports whether the article decoded cleanly.
func (r *Result) Succeeded() bool {
	return r.Err == nil && r.Status == decoder.StatusFinished
}

// RateLimiter throttles the aggregate download speed. Implemented by the
// scheduler's shared limiter.
type RateLimiter interface {
	// Wait blocks until n bytes may pass.
	Wait(ctx context.Context, n int) error
}

// Download performs the single-shot operation for one (article, slot) pair.
// Only this worker touches the slot's connection.
func Download(ctx context.Context, job Job, slot *serverpool.Slot, limiter RateLimiter, log *slog.Logger) Result {
	res := Result{Job: job, Slot: slot, PoolOutcome: serverpool.OutcomeSuccess}

	conn, err := slot.Conn(ctx)
	if err != nil {
		res.Err = err
		res.PoolOutcome = poolOutcome(err, false)
		return res
	}

	body, err := openBody(ctx, job, conn)
	if err != nil {
		res.Err = err
		res.PoolOutcome = poolOutcome(err, false)
		if res.PoolOutcome != serverpool.OutcomeSuccess {
			slot.Discard()
		}
		return res
	}
	defer func() { _ = body.Close() }()

	segPath := filepath.Join(job.SegmentDir, uuid.NewString()+".seg")
	segFile, err := os.OpenFile(segPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		res.Err = errors.Wrap(errors.KindDiskIO, "cannot create segment file", err)
		return res
	}

	dec := decoder.New(segFile, job.CrcCheck)
	streamErr := stream(ctx, body, dec, limiter)

	if err := segFile.Close(); err != nil && streamErr == nil {
		streamErr = errors.Wrap(diskKind(err), "segment write failed", err)
	}

	res.Status = dec.Check()
	res.Crc = dec.CalculatedCrc()
	res.Written = dec.Written()
	res.BeginOffset = dec.Begin()
	res.ArticleFilename = dec.ArticleFilename()

	if dec.Written() > 0 {
		// partial bytes stay on disk for per-segment recovery
		res.SegmentPath = segPath
	} else {
		_ = os.Remove(segPath)
	}

	switch {
	case streamErr != nil && errors.KindOf(streamErr) == errors.KindCancelled:
		res.Err = streamErr
		slot.Discard()

	case streamErr != nil:
		res.Err = streamErr
		res.PoolOutcome = poolOutcome(streamErr, true)
		if res.PoolOutcome != serverpool.OutcomeSuccess {
			slot.Discard()
		}

	case res.Status != decoder.StatusFinished:
		res.Err = statusError(res.Status)
	}

	if log != nil {
		if res.Succeeded() {
			log.Debug("Article downloaded",
				"message_id", job.MessageID, "bytes", res.Written, "server", slot.ServerID())
		} else {
			log.Debug("Article failed",
				"message_id", job.MessageID, "server", slot.ServerID(), "err", res.Err)
		}
	}

	return res
}

func openBody(ctx context.Context, job Job, conn interface {
	SelectGroup(string) error
	Body(context.Context, string) (io.ReadCloser, error)
}) (io.ReadCloser, error) {
	body, err := conn.Body(ctx, job.MessageID)
	if err == nil {
		return body, nil
	}

	// some servers only serve BODY after a GROUP; walk the article's groups
	if errors.KindOf(err) == errors.KindArticleMissing {
		for _, group := range job.Groups {
			if gerr := conn.SelectGroup(group); gerr != nil {
				continue
			}
			if body, berr := conn.Body(ctx, job.MessageID); berr == nil {
				return body, nil
			}
		}
	}

	return nil, err
}

func stream(ctx context.Context, body io.Reader, dec *decoder.Decoder, limiter RateLimiter) error {
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return errors.Wrap(errors.KindCancelled, "download cancelled", ctx.Err())
		}

		n, err := body.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.Wait(ctx, n); werr != nil {
					return errors.Wrap(errors.KindCancelled, "download cancelled", werr)
				}
			}
			if _, derr := dec.DecodeBuffer(buf[:n]); derr != nil {
				return errors.Wrap(diskKind(derr), "decode write failed", derr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(errors.KindCancelled, "download cancelled", ctx.Err())
			}
			return err
		}
	}
}

func statusError(status decoder.Status) error {
	switch status {
	case decoder.StatusIncomplete:
		return errors.New(errors.KindArticleIncomplete, "article incomplete")
	case decoder.StatusCrcError:
		return errors.New(errors.KindCrcMismatch, "article CRC mismatch")
	case decoder.StatusInvalidSize:
		return errors.New(errors.KindCrcMismatch, "article size mismatch")
	case decoder.StatusNoBinary:
		return errors.New(errors.KindArticleMissing, "article carries no binary data")
	}
	return errors.New(errors.KindUnknown, fmt.Sprintf("decode failed with status %s", status))
}

// poolOutcome maps an error to the slot release recommendation. Article
// level failures leave the connection healthy; only network and auth
// problems quarantine the server.
func poolOutcome(err error, midBody bool) serverpool.Outcome {
	switch errors.KindOf(err) {
	case errors.KindAuthFailure:
		return serverpool.OutcomeHardFail
	case errors.KindTransientNetwork, errors.KindProtocol:
		return serverpool.OutcomeRetry
	default:
		return serverpool.OutcomeSuccess
	}
}

func diskKind(err error) errors.Kind {
	var errno syscall.Errno
	if stderrors.As(err, &errno) && errno == syscall.ENOSPC {
		return errors.KindDiskFull
	}
	return errors.KindDiskIO
}
