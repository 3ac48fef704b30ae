package api

import "time"

// ssePaceInterval bounds how long the chat-completions stream buffers
// deltas before flushing a frame (at most 20ms per chunk). The interval is
// a fixed constant; it is not adjusted from the provider's observed
// throughput. Providers producing deltas
// faster than this are coalesced into one frame per interval; providers
// producing them slower flush each delta immediately.
const ssePaceInterval = 20 * time.Millisecond

// ssePacer batches deltas arriving faster than ssePaceInterval into a
// single SSE frame, while never holding a delta back once the interval has
// elapsed.
type ssePacer struct {
	now     func() time.Time
	last    time.Time
	pending []byte
}

func newSSEPacer() *ssePacer {
	return &ssePacer{now: time.Now}
}

// add appends delta to the pending buffer without flushing it.
func (p *ssePacer) add(delta string) {
	p.pending = append(p.pending, delta...)
}

// ready reports whether enough time has elapsed since the last flush to
// emit a frame now, and if so resets the pacing clock.
func (p *ssePacer) ready() bool {
	if p.last.IsZero() || p.now().Sub(p.last) >= ssePaceInterval {
		p.last = p.now()
		return true
	}
	return false
}

// hasPending reports whether any delta is buffered.
func (p *ssePacer) hasPending() bool {
	return len(p.pending) > 0
}

// drain returns and clears the buffered deltas.
func (p *ssePacer) drain() string {
	s := string(p.pending)
	p.pending = p.pending[:0]
	return s
}
