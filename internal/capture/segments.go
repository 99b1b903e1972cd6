package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const segmentPattern = "seg_%06d.wav"

var segmentNamePattern = regexp.MustCompile(`^seg_(\d{6})\.wav$`)

// Segment is one file written by the encoder.
type Segment struct {
	Index int
	Path  string
	Size  int64
}

func SegmentName(index int) string {
	return fmt.Sprintf(segmentPattern, index)
}

// ParseSegmentName returns the sequence number encoded in a segment filename.
func ParseSegmentName(name string) (int, bool) {
	m := segmentNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// ListSegments returns the segment files in dir sorted by sequence number.
// A missing directory yields no segments.
func ListSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read segments dir %s: %w", dir, err)
	}

	segments := make([]Segment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		idx, ok := ParseSegmentName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat segment %s: %w", entry.Name(), err)
		}
		segments = append(segments, Segment{Index: idx, Path: filepath.Join(dir, entry.Name()), Size: info.Size()})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })
	return segments, nil
}

// NextIndex returns the index capture should resume at: one past the highest
// segment on disk, never lower than floor.
func NextIndex(dir string, floor int) (int, error) {
	segments, err := ListSegments(dir)
	if err != nil {
		return 0, err
	}
	next := floor
	if n := len(segments); n > 0 && segments[n-1].Index+1 > next {
		next = segments[n-1].Index + 1
	}
	return next, nil
}
