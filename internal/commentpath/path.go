// Package commentpath allocates materialized paths for threaded comments.
//
// A path is a sequence of fixed-width, zero-padded decimal segments joined by
// Separator. Every segment is drawn from a single counter owned by the thread
// root, so sorting paths as plain strings reproduces depth-first creation order.
package commentpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// SegmentWidth is the number of digits in each path segment.
	SegmentWidth = 6
	// Separator joins the segments of a path.
	Separator = "."
	// MaxCounter is the largest counter value that fits in one segment.
	MaxCounter = 999999
)

var (
	// ErrCounterOutOfRange indicates a counter that cannot be encoded in a segment.
	ErrCounterOutOfRange = errors.New("commentpath: counter out of range")
	// ErrInvalidPath indicates a malformed parent path.
	ErrInvalidPath = errors.New("commentpath: invalid path")
)

// Allocate returns the path for a new node given its parent's path ("" for a
// top-level node) and the freshly incremented counter of the thread root.
func Allocate(parentPath string, counter int64) (string, error) {
	if counter < 1 || counter > MaxCounter {
		return "", fmt.Errorf("%w: %d", ErrCounterOutOfRange, counter)
	}
	if parentPath != "" && !Valid(parentPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, parentPath)
	}
	segment := formatSegment(counter)
	if parentPath == "" {
		return segment, nil
	}
	return parentPath + Separator + segment, nil
}

// Level reports the depth of a path; top-level nodes are level 1.
func Level(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, Separator) + 1
}

// Subtree returns the half-open range [from, to) that holds exactly the
// strict descendants of path under plain string ordering.
func Subtree(path string) (string, string) {
	return path + Separator, path + string(Separator[0]+1)
}

// Valid reports whether every segment of path has the expected width and digits.
func Valid(path string) bool {
	if path == "" {
		return false
	}
	for _, segment := range strings.Split(path, Separator) {
		if len(segment) != SegmentWidth {
			return false
		}
		if _, err := strconv.ParseUint(segment, 10, 32); err != nil {
			return false
		}
	}
	return true
}

func formatSegment(counter int64) string {
	return fmt.Sprintf("%0*d", SegmentWidth, counter)
}
