package progress

import "io"

// Reader wraps an io.Reader, feeding every successful Read into a Tracker
// (the same tee-as-you-read shape as the teacher's progress.Reader, with
// the v1.Update channel send replaced by a direct Tracker.Add call).
type Reader struct {
	r       io.Reader
	tracker *Tracker
}

// NewReader returns r wrapped to report its read progress through tracker.
// If tracker is nil, r is returned unwrapped.
func NewReader(r io.Reader, tracker *Tracker) io.Reader {
	if tracker == nil {
		return r
	}
	return &Reader{r: r, tracker: tracker}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.tracker.Add(int64(n))
	}
	if err == io.EOF {
		pr.tracker.Done()
	}
	return n, err
}
