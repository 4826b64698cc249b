package fetch

import (
	"time"

	"github.com/meigma/tessera/request"
)

// ProgressFunc receives download progress. total is -1 when unknown.
type ProgressFunc = request.ProgressFunc

// DefaultProgressInterval is the minimum wall time between progress calls.
const DefaultProgressInterval = 300 * time.Millisecond

// progressWriter counts bytes written through it and reports them at most
// once per interval. finish always reports the final count.
type progressWriter struct {
	fn        ProgressFunc
	total     int64
	completed int64
	reported  int64
	interval  time.Duration
	last      time.Time
	now       func() time.Time
}

func newProgressWriter(fn ProgressFunc, total int64, interval time.Duration) *progressWriter {
	if total < 0 {
		total = -1
	}
	p := &progressWriter{fn: fn, total: total, reported: -1, interval: interval, now: time.Now}
	p.last = p.now()
	return p
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.completed += int64(len(b))
	if p.fn == nil {
		return len(b), nil
	}
	if now := p.now(); now.Sub(p.last) >= p.interval {
		p.last = now
		p.emit()
	}
	return len(b), nil
}

func (p *progressWriter) emit() {
	p.reported = p.completed
	p.fn(p.total, p.completed)
}

func (p *progressWriter) finish() {
	if p.fn == nil || p.reported == p.completed {
		return
	}
	p.emit()
}
