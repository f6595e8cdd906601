package httpserver

import (
	"fmt"
	"strconv"
	"strings"
)

// byteRange is a validated, clamped "bytes=start-end" request (§4.2
// "Ranges"). Only this single-range form is supported.
type byteRange struct {
	Start, End int64 // inclusive
}

// errUnsatisfiableRange signals that the server should respond 416 with no body (§4.2,
// §8 "Unsatisfiable range").
var errUnsatisfiableRange = fmt.Errorf("httpserver: unsatisfiable range")

// parseRange parses a "bytes=start-[end]" header value against a resource
// of the given total size. A missing end means "to EOF"; end is clamped to
// size-1. a >= size is unsatisfiable (§4.2, §8 "Range correctness").
func parseRange(header string, size int64) (byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, fmt.Errorf("httpserver: unsupported range unit in %q", header)
	}
	spec := strings.TrimPrefix(header, prefix)
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return byteRange{}, fmt.Errorf("httpserver: malformed range %q", header)
	}

	startStr, endStr := spec[:dash], spec[dash+1:]
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("httpserver: malformed range start in %q", header)
	}
	if start >= size {
		return byteRange{}, errUnsatisfiableRange
	}

	end := size - 1
	if endStr != "" {
		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || e < start {
			return byteRange{}, fmt.Errorf("httpserver: malformed range end in %q", header)
		}
		end = e
	}
	if end > size-1 {
		end = size - 1
	}

	return byteRange{Start: start, End: end}, nil
}

func (r byteRange) Length() int64 { return r.End - r.Start + 1 }

func contentRangeHeader(r byteRange, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}
