// Package nzb loads NZB manifests into the download queue.
package nzb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/javi11/nzbparser"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/pathutil"
	"github.com/javi11/nzbd/internal/queue"
)

var (
	parFilePattern  = regexp.MustCompile(`(?i)\.par2$`)
	extraParPattern = regexp.MustCompile(`(?i)\.vol\d+\+\d+\.par2$`)
)

// Loader parses NZB files and inserts them into the queue.
type Loader struct {
	dq  *queue.DownloadQueue
	cfg config.Config
	log *slog.Logger
}

// NewLoader creates a loader bound to the queue and configuration.
func NewLoader(dq *queue.DownloadQueue, cfg config.Config) *Loader {
	return &Loader{
		dq:  dq,
		cfg: cfg,
		log: slog.Default().With("component", "nzb-loader"),
	}
}

// AddOptions carries optional attributes for a new queue entry.
type AddOptions struct {
	Category string
	Priority int
	Paused   bool
	DupeKey  string
	DupeMode queue.DupeMode
	AddFirst bool
	URL      string
}

// AddFile parses the NZB at path and inserts it into the download queue.
// Returns the assigned NZB id.
func (l *Loader) AddFile(path string, opts AddOptions) (int, error) {
	var file *os.File

	// scanners may hand us a file the writer has not finished flushing
	err := retry.Do(func() error {
		var oerr error
		file, oerr = os.Open(path)
		return oerr
	}, retry.Attempts(3), retry.Delay(200*time.Millisecond))
	if err != nil {
		return 0, fmt.Errorf("cannot open NZB %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	parsed, err := nzbparser.Parse(file)
	if err != nil {
		return 0, fmt.Errorf("cannot parse NZB %s: %w", path, err)
	}
	if len(parsed.Files) == 0 {
		return 0, fmt.Errorf("NZB %s contains no files", path)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	nzbID := 0

	l.dq.Update(func(q *queue.Queue) {
		nzb := l.buildNzb(q, parsed, name, path, opts)
		nzbID = nzb.ID
		q.Add(nzb, opts.AddFirst)

		if l.cfg.Par.PauseExtraPars {
			for _, f := range nzb.Files {
				if f.ParFile && extraParPattern.MatchString(f.Filename) {
					f.Paused = true
				}
			}
		}
	})

	l.log.Info("Added NZB to queue", "name", name, "id", nzbID, "files", len(parsed.Files))
	return nzbID, nil
}

func (l *Loader) buildNzb(q *queue.Queue, parsed *nzbparser.Nzb, name, path string, opts AddOptions) *queue.NzbInfo {
	destDir := filepath.Join(l.cfg.Paths.Download, pathutil.SanitizeName(name))
	if opts.Category != "" {
		destDir = filepath.Join(l.cfg.Paths.Download, pathutil.SanitizeName(opts.Category), pathutil.SanitizeName(name))
	}

	nzb := &queue.NzbInfo{
		ID:       q.AllocNzbID(),
		Name:     name,
		Filename: filepath.Base(path),
		URL:      opts.URL,
		DestDir:  destDir,
		Category: opts.Category,
		Priority: opts.Priority,
		Paused:   opts.Paused,
		DupeKey:  opts.DupeKey,
		DupeMode: opts.DupeMode,
	}

	// nzb meta entries become queue parameters
	for key, value := range parsed.Meta {
		nzb.Parameters.Set("*"+key, value)
	}

	for i := range parsed.Files {
		src := &parsed.Files[i]
		sort.Sort(src.Segments)

		filename := src.Filename
		if filename == "" {
			filename = subjectFilename(src.Subject)
		}

		f := &queue.FileInfo{
			ID:       q.AllocFileID(),
			NzbID:    nzb.ID,
			Subject:  src.Subject,
			Filename: pathutil.SanitizeName(filename),
			Paused:   opts.Paused,
			ParFile:  parFilePattern.MatchString(filename),
			Groups:   append([]string{}, src.Groups...),
		}

		var offset int64
		for j := range src.Segments {
			seg := &src.Segments[j]
			a := &queue.ArticleInfo{
				PartNumber: seg.Number,
				MessageID:  seg.ID,
				Offset:     offset,
				Size:       int64(seg.Bytes),
			}
			offset += int64(seg.Bytes)
			f.Size += int64(seg.Bytes)
			f.Articles = append(f.Articles, a)
		}

		nzb.Files = append(nzb.Files, f)
	}

	return nzb
}

// subjectFilename extracts a quoted file name from an article subject.
func subjectFilename(subject string) string {
	if start := strings.Index(subject, `"`); start >= 0 {
		if end := strings.Index(subject[start+1:], `"`); end > 0 {
			return subject[start+1 : start+1+end]
		}
	}
	return subject
}

