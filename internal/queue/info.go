package queue

import (
	"time"
)

// DeleteStatus records why an NZB was removed from the active queue. Once a
// terminal value is set it never reverts to DeleteNone.
type DeleteStatus int

const (
	DeleteNone DeleteStatus = iota
	DeleteManual
	DeleteHealth
	DeleteDupe
	DeleteBad
	DeleteGood
	DeleteCopy
	DeleteScan
)

var deleteStatusNames = []string{"NONE", "MANUAL", "HEALTH", "DUPE", "BAD", "GOOD", "COPY", "SCAN"}

func (s DeleteStatus) String() string { return deleteStatusNames[s] }

// UrlStatus records the outcome of fetching an NZB by URL.
type UrlStatus int

const (
	UrlNone UrlStatus = iota
	UrlUnknown
	UrlSuccess
	UrlFailure
	UrlSkipped
	UrlScanFailure
)

var urlStatusNames = []string{"NONE", "UNKNOWN", "SUCCESS", "FAILURE", "SCAN_SKIPPED", "SCAN_FAILURE"}

func (s UrlStatus) String() string { return urlStatusNames[s] }

// ParStatus records the parity check outcome for an NZB.
type ParStatus int

const (
	ParNone ParStatus = iota
	ParSkipped
	ParSuccess
	ParRepairPossible
	ParFailure
)

// UnpackStatus records the archive extraction outcome for an NZB.
type UnpackStatus int

const (
	UnpackNone UnpackStatus = iota
	UnpackSkipped
	UnpackSuccess
	UnpackFailure
)

// MarkStatus is the operator or script verdict on a download. MarkBad is
// sticky: it never reverts.
type MarkStatus int

const (
	MarkNone MarkStatus = iota
	MarkBad
	MarkGood
)

// DupeMode controls how duplicates of this NZB are handled.
type DupeMode int

const (
	DupeScore DupeMode = iota
	DupeAll
	DupeForce
)

var dupeModeNames = []string{"SCORE", "ALL", "FORCE"}

func (m DupeMode) String() string { return dupeModeNames[m] }

// ArticleStatus is the lifecycle of one article. Only Status and SegmentPath
// mutate after NZB parse.
type ArticleStatus int

const (
	ArticleUndefined ArticleStatus = iota
	ArticleRunning
	ArticleFinished
	ArticleFailed
)

// CompletedStatus classifies an assembled file.
type CompletedStatus int

const (
	CompletedSuccess CompletedStatus = iota
	CompletedPartial
	CompletedFailure
)

// MessageKind is the severity of a queue message.
type MessageKind int

const (
	MessageDetail MessageKind = iota
	MessageInfo
	MessageWarning
	MessageError
)

// maxMessages bounds the per-NZB message list.
const maxMessages = 1000

// Message is one log line attached to an NZB.
type Message struct {
	Kind MessageKind
	Time time.Time
	Text string
}

// Parameter is one free-form name/value pair attached to an NZB.
type Parameter struct {
	Name  string
	Value string
}

// Parameters is an insertion-ordered parameter list.
type Parameters []Parameter

// Get returns the value for name or "".
func (p Parameters) Get(name string) string {
	for i := range p {
		if p[i].Name == name {
			return p[i].Value
		}
	}
	return ""
}

// Set updates an existing parameter or appends a new one. An empty value
// removes the parameter.
func (p *Parameters) Set(name, value string) {
	for i := range *p {
		if (*p)[i].Name == name {
			if value == "" {
				*p = append((*p)[:i], (*p)[i+1:]...)
			} else {
				(*p)[i].Value = value
			}
			return
		}
	}
	if value != "" {
		*p = append(*p, Parameter{Name: name, Value: value})
	}
}

// ArticleInfo is one Usenet article of a file.
type ArticleInfo struct {
	PartNumber  int
	MessageID   string
	Offset      int64
	Size        int64
	Crc         uint32
	CrcKnown    bool
	Status      ArticleStatus
	SegmentPath string

	// failedServers records servers that failed this article; consulted by
	// the scheduler for feasibility and level promotion. Reset on server
	// reconfiguration.
	failedServers map[int]bool
}

// SetServerFailed records a failed download attempt from the given server.
func (a *ArticleInfo) SetServerFailed(serverID int) {
	if a.failedServers == nil {
		a.failedServers = make(map[int]bool)
	}
	a.failedServers[serverID] = true
}

// ServerFailed reports whether the given server already failed this article.
func (a *ArticleInfo) ServerFailed(serverID int) bool {
	return a.failedServers[serverID]
}

// ResetServerFailures drops the failure set, e.g. after reconfiguration.
func (a *ArticleInfo) ResetServerFailures() {
	a.failedServers = nil
}

// FileInfo is one binary file inside an NZB.
type FileInfo struct {
	ID       int
	NzbID    int // back-reference, resolved through the queue lock
	Subject  string
	Filename string
	// FilenameConfirmed is false while the name is only guessed from the
	// subject; the yEnc header confirms it.
	FilenameConfirmed bool
	Size              int64
	MissedSize        int64
	SuccessSize       int64
	FailedSize        int64
	Paused            bool
	ParFile           bool
	ExtraPriority     bool
	Groups            []string
	Articles          []*ArticleInfo

	// OutputPath is the assembled destination, set at completion.
	OutputPath string
}

// RemainingArticles counts articles that still need a download attempt.
func (f *FileInfo) RemainingArticles() int {
	n := 0
	for _, a := range f.Articles {
		if a.Status == ArticleUndefined {
			n++
		}
	}
	return n
}

// Terminal reports whether every article reached a final status.
func (f *FileInfo) Terminal() bool {
	for _, a := range f.Articles {
		if a.Status != ArticleFinished && a.Status != ArticleFailed {
			return false
		}
	}
	return true
}

// CompletedFile is the post-assembly record of a file.
type CompletedFile struct {
	Filename string
	Crc      uint32
	CrcKnown bool
	Status   CompletedStatus
	// FileID links back to the source FileInfo for partial recovery, 0 if
	// the per-file state was discarded.
	FileID int
}

// NzbInfo is one manifest with its files, history and accounting.
type NzbInfo struct {
	ID        int
	Name      string
	Filename  string
	URL       string
	DestDir   string
	Category  string
	Priority  int
	DupeKey   string
	DupeScore int
	DupeMode  DupeMode
	Paused    bool

	DeleteStatus DeleteStatus
	UrlStatus    UrlStatus
	ParStatus    ParStatus
	UnpackStatus UnpackStatus
	MarkStatus   MarkStatus

	Parameters     Parameters
	Files          []*FileInfo
	CompletedFiles []CompletedFile
	Messages       []Message

	DownloadSec    int
	ParSec         int
	RepairSec      int
	ExtraParBlocks int

	// QueueScriptTime is the last time a FILE_DOWNLOADED queue-script event
	// was accepted for this NZB; used for event debouncing.
	QueueScriptTime time.Time
}

// SetDeleteStatus applies the sticky-terminal rule: a non-none status is
// never overwritten back to none. One non-none status may replace another.
func (n *NzbInfo) SetDeleteStatus(status DeleteStatus) {
	if status == DeleteNone && n.DeleteStatus != DeleteNone {
		return
	}
	n.DeleteStatus = status
}

// SetMarkStatus applies the sticky MarkBad rule.
func (n *NzbInfo) SetMarkStatus(status MarkStatus) {
	if n.MarkStatus == MarkBad {
		return
	}
	n.MarkStatus = status
}

// AddMessage appends a bounded log message.
func (n *NzbInfo) AddMessage(kind MessageKind, text string) {
	n.Messages = append(n.Messages, Message{Kind: kind, Time: time.Now(), Text: text})
	if len(n.Messages) > maxMessages {
		n.Messages = n.Messages[len(n.Messages)-maxMessages:]
	}
}

// Size sums the declared sizes of all files.
func (n *NzbInfo) Size() int64 {
	var total int64
	for _, f := range n.Files {
		total += f.Size
	}
	return total
}

// SuccessSize sums the successfully downloaded bytes of all files.
func (n *NzbInfo) SuccessSize() int64 {
	var total int64
	for _, f := range n.Files {
		total += f.SuccessSize
	}
	return total
}

// FailedSize sums missed and failed bytes of all files.
func (n *NzbInfo) FailedSize() int64 {
	var total int64
	for _, f := range n.Files {
		total += f.MissedSize + f.FailedSize
	}
	return total
}

// Health is the per-mille share of bytes not lost to failures: 1000 means
// everything downloadable so far succeeded.
func (n *NzbInfo) Health() int {
	size := n.Size()
	if size == 0 {
		return 1000
	}
	return int(1000 - n.FailedSize()*1000/size)
}

// FindFile returns the file with the given id, or nil.
func (n *NzbInfo) FindFile(fileID int) *FileInfo {
	for _, f := range n.Files {
		if f.ID == fileID {
			return f
		}
	}
	return nil
}

// Terminal reports whether all files finished downloading.
func (n *NzbInfo) Terminal() bool {
	for _, f := range n.Files {
		if !f.Terminal() {
			return false
		}
	}
	return true
}

// HistoryKind distinguishes retired queue entries.
type HistoryKind int

const (
	HistoryNzb HistoryKind = iota
	HistoryUrl
	HistoryDupe
)

// HistoryInfo is the terminal record of an NZB; it owns the retired NzbInfo.
type HistoryInfo struct {
	Kind HistoryKind
	Time time.Time
	Nzb  *NzbInfo
}
