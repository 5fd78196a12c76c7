package progress

import "io"

// Reader wraps an io.Reader and reports progress via a callback.
type Reader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(read int64, total int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader reports every interval bytes, on the first 5% crossing and once
// more when the underlying reader is drained.
func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval || pr.crossedFirstStep(int64(n)) {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.OnProgress(pr.totalRead, pr.Total)
		pr.lastReport = 0
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

func (pr *Reader) crossedFirstStep(n int64) bool {
	if pr.Total <= 0 {
		return false
	}

	return pr.totalRead*100/pr.Total >= 5 && (pr.totalRead-n)*100/pr.Total < 5
}
