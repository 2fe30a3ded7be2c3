// Package par coordinates parity verification and repair: it unpauses par2
// volumes on demand, accounts recovery blocks and supervises repair time.
// The PAR2 math itself lives behind the Checker interface.
package par

import (
	"regexp"
	"strconv"
	"strings"
)

var volPattern = regexp.MustCompile(`(?i)^(.*)\.vol(\d+)\+(\d+)\.par2$`)
var parPattern = regexp.MustCompile(`(?i)^(.*)\.par2$`)

// ParseParFilename splits a par2 file name into the collection base name and
// the recovery block count. "name.vol007+08.par2" yields ("name", 8); the
// index file "name.par2" yields ("name", 0).
func ParseParFilename(filename string) (base string, blocks int, ok bool) {
	if m := volPattern.FindStringSubmatch(filename); m != nil {
		blocks, err := strconv.Atoi(m[3])
		if err != nil {
			return "", 0, false
		}
		return m[1], blocks, true
	}
	if m := parPattern.FindStringSubmatch(filename); m != nil {
		return m[1], 0, true
	}
	return "", 0, false
}

// SameParCollection reports whether two par2 file names belong to the same
// collection (equal base names, case-insensitive).
func SameParCollection(filename1, filename2 string) bool {
	base1, _, ok1 := ParseParFilename(filename1)
	base2, _, ok2 := ParseParFilename(filename2)
	return ok1 && ok2 && strings.EqualFold(base1, base2)
}

// maybeParFile is a loose check used by mainParFile to collect par2 names.
func maybeParFile(filename string) bool {
	_, _, ok := ParseParFilename(filename)
	return ok
}
