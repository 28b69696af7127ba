package retrieval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiable is returned by ParseRange for any range that cannot be served.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// ByteRange is an inclusive, zero-based span within an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange returns the Content-Range header value for an object of size bytes.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange resolves a Range header against an object of the given size.
// Supported forms:
//   - "bytes=0-1023" (specific range; end is clamped to size-1)
//   - "bytes=1024-" (from offset to end)
//   - "bytes=-500" (last 500 bytes)
//
// A nil range with a nil error means the whole object should be sent: no
// header, or "bytes=0-". Multi-range requests are not supported.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: invalid object size %d", ErrUnsatisfiable, size)
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: missing 'bytes=' prefix", ErrUnsatisfiable)
	}
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("%w: multi-range requests are not supported", ErrUnsatisfiable)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("%w: expected 'start-end'", ErrUnsatisfiable)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	var start, end int64

	if startStr == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: invalid suffix length %q", ErrUnsatisfiable, endStr)
		}
		if size == 0 {
			return nil, fmt.Errorf("%w: object is empty", ErrUnsatisfiable)
		}
		start = max(size-n, 0)
		end = size - 1
	} else {
		var err error
		start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return nil, fmt.Errorf("%w: invalid start position %q", ErrUnsatisfiable, startStr)
		}

		if endStr == "" {
			if start == 0 {
				return nil, nil
			}
			end = size - 1
		} else {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil || end < start {
				return nil, fmt.Errorf("%w: invalid end position %q", ErrUnsatisfiable, endStr)
			}
		}
	}

	if start >= size {
		return nil, fmt.Errorf("%w: start %d beyond size %d", ErrUnsatisfiable, start, size)
	}
	if end >= size {
		end = size - 1
	}

	return &ByteRange{Start: start, End: end}, nil
}
