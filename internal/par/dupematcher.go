package par

import (
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DupeMatcher decides whether the content of a candidate directory can serve
// as a supplemental repair source for an expected download size. Directory
// scans are cached since the same history dirs get probed for every check.
type DupeMatcher struct {
	maxDiffPercent int
	scanCache      *lru.Cache[string, int64]
}

// NewDupeMatcher creates a matcher with the given size tolerance in percent.
func NewDupeMatcher(maxDiffPercent int) *DupeMatcher {
	cache, _ := lru.New[string, int64](128)
	return &DupeMatcher{
		maxDiffPercent: maxDiffPercent,
		scanCache:      cache,
	}
}

// MatchDupeContent reports whether the largest file in dir is within the
// size tolerance of the expected size.
func (m *DupeMatcher) MatchDupeContent(dir string, expectedSize int64) bool {
	if expectedSize <= 0 {
		return false
	}

	largest, ok := m.scanCache.Get(dir)
	if !ok {
		largest = largestFile(dir)
		m.scanCache.Add(dir, largest)
	}
	if largest <= 0 {
		return false
	}

	return SizeDiffOK(expectedSize, largest, m.maxDiffPercent)
}

// Invalidate drops the cached scan for a directory, e.g. after its content
// changed.
func (m *DupeMatcher) Invalidate(dir string) {
	m.scanCache.Remove(dir)
}

// SizeDiffOK reports whether two sizes differ by at most maxDiffPercent of
// the larger one.
func SizeDiffOK(size1, size2 int64, maxDiffPercent int) bool {
	if size1 <= 0 || size2 <= 0 {
		return false
	}

	larger := size1
	if size2 > larger {
		larger = size2
	}
	diff := size1 - size2
	if diff < 0 {
		diff = -diff
	}

	return diff*100/larger <= int64(maxDiffPercent)
}

func largestFile(dir string) int64 {
	var largest int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && info.Size() > largest {
			largest = info.Size()
		}
		return nil
	})
	return largest
}
