// Package diskstate persists the download queue as a versioned single-file
// snapshot plus per-file article state records for partial recovery.
package diskstate

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/javi11/nzbd/internal/queue"
)

// formatVersion is bumped whenever the record layout changes; older engines
// refuse newer files.
const formatVersion = 1

// unit separates fields inside a record line.
const unit = "\x1f"

const queueFileName = "queue.state"

// Segment is the persisted per-article state of a partial file.
type Segment struct {
	Part     int
	Finished bool
	Offset   int64
	Size     int64
	Crc      uint32
}

// DiskState reads and writes engine state below a directory.
type DiskState struct {
	dir string
	log *slog.Logger
}

// New creates a DiskState rooted at dir.
func New(dir string) *DiskState {
	return &DiskState{
		dir: dir,
		log: slog.Default().With("component", "diskstate"),
	}
}

// Serialize renders the queue graph into snapshot form. It runs under the
// queue lock and performs no I/O; Save combines it with the atomic write.
func (ds *DiskState) Serialize(q *queue.Queue) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n", formatVersion)

	for _, nzb := range q.Nzbs() {
		writeNzb(&sb, "nzb", nzb)
	}
	for _, hist := range q.History() {
		fmt.Fprintf(&sb, "history%s%d%s%d\n", unit, int(hist.Kind), unit, hist.Time.Unix())
		if hist.Nzb != nil {
			writeNzb(&sb, "hnzb", hist.Nzb)
		}
	}

	return []byte(sb.String())
}

// Save serializes the queue under its lock and writes the snapshot
// atomically outside of it.
func (ds *DiskState) Save(dq *queue.DownloadQueue) error {
	var data []byte
	dq.View(func(q *queue.Queue) {
		data = ds.Serialize(q)
	})
	return ds.WriteQueue(data)
}

// WriteQueue writes a serialized snapshot: sibling file, fsync, rename.
func (ds *DiskState) WriteQueue(data []byte) error {
	path := filepath.Join(ds.dir, queueFileName)

	return retry.Do(func() error {
		tmp := path + ".new"
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}, retry.Attempts(3), retry.Delay(100*time.Millisecond))
}

// LoadQueue restores the last snapshot. A missing file yields empty state.
func (ds *DiskState) LoadQueue() ([]*queue.NzbInfo, []*queue.HistoryInfo, error) {
	path := filepath.Join(ds.dir, queueFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("state file %s is empty", path)
	}
	version, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, nil, fmt.Errorf("state file %s has no version header", path)
	}
	if version > formatVersion {
		return nil, nil, fmt.Errorf("state file version %d is newer than supported %d", version, formatVersion)
	}

	var nzbs []*queue.NzbInfo
	var history []*queue.HistoryInfo
	var curNzb *queue.NzbInfo
	var curFile *queue.FileInfo
	var curHist *queue.HistoryInfo

	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), unit)
		switch fields[0] {
		case "nzb", "hnzb":
			nzb, err := parseNzb(fields)
			if err != nil {
				return nil, nil, err
			}
			curNzb, curFile = nzb, nil
			if fields[0] == "hnzb" && curHist != nil {
				curHist.Nzb = nzb
			} else {
				nzbs = append(nzbs, nzb)
			}

		case "param":
			if curNzb != nil && len(fields) >= 3 {
				curNzb.Parameters.Set(fields[1], fields[2])
			}

		case "file":
			if curNzb == nil {
				return nil, nil, fmt.Errorf("file record outside nzb")
			}
			file, err := parseFile(fields, curNzb.ID)
			if err != nil {
				return nil, nil, err
			}
			curFile = file
			curNzb.Files = append(curNzb.Files, file)

		case "article":
			if curFile == nil {
				return nil, nil, fmt.Errorf("article record outside file")
			}
			a, err := parseArticle(fields)
			if err != nil {
				return nil, nil, err
			}
			curFile.Articles = append(curFile.Articles, a)

		case "completed":
			if curNzb == nil {
				return nil, nil, fmt.Errorf("completed record outside nzb")
			}
			cf, err := parseCompleted(fields)
			if err != nil {
				return nil, nil, err
			}
			curNzb.CompletedFiles = append(curNzb.CompletedFiles, cf)

		case "history":
			if len(fields) < 3 {
				return nil, nil, fmt.Errorf("malformed history record")
			}
			kind, _ := strconv.Atoi(fields[1])
			sec, _ := strconv.ParseInt(fields[2], 10, 64)
			curHist = &queue.HistoryInfo{Kind: queue.HistoryKind(kind), Time: time.Unix(sec, 0)}
			history = append(history, curHist)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return nzbs, history, nil
}

func writeNzb(sb *strings.Builder, tag string, nzb *queue.NzbInfo) {
	fields := []string{
		tag,
		strconv.Itoa(nzb.ID),
		nzb.Name,
		nzb.Filename,
		nzb.URL,
		nzb.DestDir,
		nzb.Category,
		strconv.Itoa(nzb.Priority),
		nzb.DupeKey,
		strconv.Itoa(nzb.DupeScore),
		strconv.Itoa(int(nzb.DupeMode)),
		boolField(nzb.Paused),
		strconv.Itoa(int(nzb.DeleteStatus)),
		strconv.Itoa(int(nzb.UrlStatus)),
		strconv.Itoa(int(nzb.ParStatus)),
		strconv.Itoa(int(nzb.UnpackStatus)),
		strconv.Itoa(int(nzb.MarkStatus)),
		strconv.Itoa(nzb.DownloadSec),
		strconv.Itoa(nzb.ParSec),
		strconv.Itoa(nzb.RepairSec),
		strconv.Itoa(nzb.ExtraParBlocks),
	}
	sb.WriteString(strings.Join(fields, unit))
	sb.WriteByte('\n')

	for _, param := range nzb.Parameters {
		sb.WriteString(strings.Join([]string{"param", param.Name, param.Value}, unit))
		sb.WriteByte('\n')
	}

	for _, f := range nzb.Files {
		fields := []string{
			"file",
			strconv.Itoa(f.ID),
			f.Subject,
			f.Filename,
			boolField(f.FilenameConfirmed),
			strconv.FormatInt(f.Size, 10),
			strconv.FormatInt(f.MissedSize, 10),
			strconv.FormatInt(f.SuccessSize, 10),
			strconv.FormatInt(f.FailedSize, 10),
			boolField(f.Paused),
			boolField(f.ParFile),
			boolField(f.ExtraPriority),
			strings.Join(f.Groups, ","),
		}
		sb.WriteString(strings.Join(fields, unit))
		sb.WriteByte('\n')

		for _, a := range f.Articles {
			fields := []string{
				"article",
				strconv.Itoa(a.PartNumber),
				a.MessageID,
				strconv.FormatInt(a.Offset, 10),
				strconv.FormatInt(a.Size, 10),
				strconv.FormatUint(uint64(a.Crc), 10),
				boolField(a.CrcKnown),
				strconv.Itoa(int(a.Status)),
				a.SegmentPath,
			}
			sb.WriteString(strings.Join(fields, unit))
			sb.WriteByte('\n')
		}
	}

	for _, cf := range nzb.CompletedFiles {
		fields := []string{
			"completed",
			cf.Filename,
			strconv.FormatUint(uint64(cf.Crc), 10),
			boolField(cf.CrcKnown),
			strconv.Itoa(int(cf.Status)),
			strconv.Itoa(cf.FileID),
		}
		sb.WriteString(strings.Join(fields, unit))
		sb.WriteByte('\n')
	}
}

func parseNzb(fields []string) (*queue.NzbInfo, error) {
	if len(fields) < 21 {
		return nil, fmt.Errorf("malformed nzb record: %d fields", len(fields))
	}

	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed nzb id %q", fields[1])
	}

	nzb := &queue.NzbInfo{
		ID:       id,
		Name:     fields[2],
		Filename: fields[3],
		URL:      fields[4],
		DestDir:  fields[5],
		Category: fields[6],
		DupeKey:  fields[8],
		Paused:   fields[11] == "1",
	}
	nzb.Priority, _ = strconv.Atoi(fields[7])
	nzb.DupeScore, _ = strconv.Atoi(fields[9])
	dupeMode, _ := strconv.Atoi(fields[10])
	nzb.DupeMode = queue.DupeMode(dupeMode)

	statuses := make([]int, 5)
	for i := range statuses {
		statuses[i], _ = strconv.Atoi(fields[12+i])
	}
	nzb.DeleteStatus = queue.DeleteStatus(statuses[0])
	nzb.UrlStatus = queue.UrlStatus(statuses[1])
	nzb.ParStatus = queue.ParStatus(statuses[2])
	nzb.UnpackStatus = queue.UnpackStatus(statuses[3])
	nzb.MarkStatus = queue.MarkStatus(statuses[4])

	nzb.DownloadSec, _ = strconv.Atoi(fields[17])
	nzb.ParSec, _ = strconv.Atoi(fields[18])
	nzb.RepairSec, _ = strconv.Atoi(fields[19])
	nzb.ExtraParBlocks, _ = strconv.Atoi(fields[20])

	return nzb, nil
}

func parseFile(fields []string, nzbID int) (*queue.FileInfo, error) {
	if len(fields) < 13 {
		return nil, fmt.Errorf("malformed file record: %d fields", len(fields))
	}

	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed file id %q", fields[1])
	}

	f := &queue.FileInfo{
		ID:                id,
		NzbID:             nzbID,
		Subject:           fields[2],
		Filename:          fields[3],
		FilenameConfirmed: fields[4] == "1",
		Paused:            fields[9] == "1",
		ParFile:           fields[10] == "1",
		ExtraPriority:     fields[11] == "1",
	}
	f.Size, _ = strconv.ParseInt(fields[5], 10, 64)
	f.MissedSize, _ = strconv.ParseInt(fields[6], 10, 64)
	f.SuccessSize, _ = strconv.ParseInt(fields[7], 10, 64)
	f.FailedSize, _ = strconv.ParseInt(fields[8], 10, 64)
	if fields[12] != "" {
		f.Groups = strings.Split(fields[12], ",")
	}

	return f, nil
}

func parseArticle(fields []string) (*queue.ArticleInfo, error) {
	if len(fields) < 9 {
		return nil, fmt.Errorf("malformed article record: %d fields", len(fields))
	}

	a := &queue.ArticleInfo{MessageID: fields[2], SegmentPath: fields[8]}
	a.PartNumber, _ = strconv.Atoi(fields[1])
	a.Offset, _ = strconv.ParseInt(fields[3], 10, 64)
	a.Size, _ = strconv.ParseInt(fields[4], 10, 64)
	crc, _ := strconv.ParseUint(fields[5], 10, 32)
	a.Crc = uint32(crc)
	a.CrcKnown = fields[6] == "1"
	status, _ := strconv.Atoi(fields[7])
	a.Status = queue.ArticleStatus(status)

	return a, nil
}

func parseCompleted(fields []string) (queue.CompletedFile, error) {
	if len(fields) < 6 {
		return queue.CompletedFile{}, fmt.Errorf("malformed completed record: %d fields", len(fields))
	}

	cf := queue.CompletedFile{Filename: fields[1]}
	crc, _ := strconv.ParseUint(fields[2], 10, 32)
	cf.Crc = uint32(crc)
	cf.CrcKnown = fields[3] == "1"
	status, _ := strconv.Atoi(fields[4])
	cf.Status = queue.CompletedStatus(status)
	cf.FileID, _ = strconv.Atoi(fields[5])

	return cf, nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// SaveFileState writes the per-article record of a partially completed file
// so a restart can skip already-downloaded bytes.
func (ds *DiskState) SaveFileState(fileID int, segments []Segment) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n", formatVersion)
	for _, seg := range segments {
		fields := []string{
			strconv.Itoa(seg.Part),
			boolField(seg.Finished),
			strconv.FormatInt(seg.Offset, 10),
			strconv.FormatInt(seg.Size, 10),
			strconv.FormatUint(uint64(seg.Crc), 10),
		}
		sb.WriteString(strings.Join(fields, unit))
		sb.WriteByte('\n')
	}

	path := ds.fileStatePath(fileID)
	tmp := path + ".new"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFileState reads the per-article record of a file, if present.
func (ds *DiskState) LoadFileState(fileID int) ([]Segment, bool) {
	f, err := os.Open(ds.fileStatePath(fileID))
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, false
	}

	var segments []Segment
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), unit)
		if len(fields) < 5 {
			continue
		}
		var seg Segment
		seg.Part, _ = strconv.Atoi(fields[0])
		seg.Finished = fields[1] == "1"
		seg.Offset, _ = strconv.ParseInt(fields[2], 10, 64)
		seg.Size, _ = strconv.ParseInt(fields[3], 10, 64)
		crc, _ := strconv.ParseUint(fields[4], 10, 32)
		seg.Crc = uint32(crc)
		segments = append(segments, seg)
	}

	return segments, len(segments) > 0
}

// DiscardFileState removes the per-article record of a file.
func (ds *DiskState) DiscardFileState(fileID int) {
	_ = os.Remove(ds.fileStatePath(fileID))
}

func (ds *DiskState) fileStatePath(fileID int) string {
	return filepath.Join(ds.dir, fmt.Sprintf("f%d.state", fileID))
}
