package eventqueue

import (
	"encoding/json"
	"time"

	"pveassist/internal/domain"
)

// The three intake policies below are applied in sequence by Queue: the rate
// limiter gates flushes, the deduper filters arrivals and the debouncer owns
// the trailing timer. Each is only touched with the queue lock held.

// rateLimiter allows one flush per window.
type rateLimiter struct {
	window    time.Duration
	lastFlush time.Time
	flushed   bool
}

func (r *rateLimiter) allow(now time.Time) bool {
	return !r.flushed || now.Sub(r.lastFlush) >= r.window
}

// nextAllowed returns how long until a flush is allowed again.
func (r *rateLimiter) nextAllowed(now time.Time) time.Duration {
	if r.allow(now) {
		return 0
	}
	return r.lastFlush.Add(r.window).Sub(now)
}

func (r *rateLimiter) record(now time.Time) {
	r.lastFlush = now
	r.flushed = true
}

// deduper remembers flushed fingerprints for ttl.
type deduper struct {
	ttl     time.Duration
	flushed map[string]time.Time
}

func newDeduper(ttl time.Duration) deduper {
	return deduper{ttl: ttl, flushed: map[string]time.Time{}}
}

func (d *deduper) duplicate(fp string, now time.Time) bool {
	at, ok := d.flushed[fp]
	return ok && now.Sub(at) < d.ttl
}

func (d *deduper) record(fp string, now time.Time) {
	d.flushed[fp] = now
	for k, at := range d.flushed {
		if now.Sub(at) >= d.ttl {
			delete(d.flushed, k)
		}
	}
}

// debouncer runs a trailing timer. Every reset bumps the generation so a
// timer that fired while a reset was in progress is recognized as stale.
type debouncer struct {
	clock Clock
	delay time.Duration
	timer Timer
	gen   uint64
}

func (d *debouncer) reset(fire func(gen uint64)) {
	d.after(d.delay, fire)
}

// after schedules fire in delay, replacing any running timer.
func (d *debouncer) after(delay time.Duration, fire func(gen uint64)) {
	d.stop()
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(delay, func() { fire(gen) })
}

func (d *debouncer) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *debouncer) current(gen uint64) bool { return d.gen == gen }

// Fingerprint is the dedupe identity of an event: type, project and the
// canonical JSON of its payload. The event id is not part of it.
func Fingerprint(ev domain.ArchitectEvent) string {
	payload := []byte("null")
	if len(ev.Payload) > 0 {
		if data, err := json.Marshal(ev.Payload); err == nil {
			payload = data
		}
	}
	return ev.Type + "|" + ev.ProjectID + "|" + string(payload)
}
