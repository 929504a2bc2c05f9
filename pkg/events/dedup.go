package events

import (
	"sync"
	"time"

	"github.com/morezero/contextbus/pkg/envelope"
)

// Fingerprint identifies a logical event: its sender context, destination
// node, normalized target path, scope and payload digest. Two posts of the
// same payload from one sender to the same path and node share a fingerprint
// even when their envelope ids differ.
func Fingerprint(env *envelope.Envelope) string {
	fp := env.SenderContext.UUID + "|" + env.DestinationNode() + "|" + envelope.NormalizePath(env.TargetPath) + "|"
	if env.Scope != nil {
		fp += env.Scope.Type + ":" + env.Scope.ID
	}
	return fp + "|" + env.Payload.Hash()
}

// Deduper remembers fingerprints for a fixed window.
type Deduper struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

// NewDeduper creates a Deduper. A non-positive window disables dedup.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Observe records fp and reports whether it was already seen inside the window.
func (d *Deduper) Observe(fp string) bool {
	if d.window <= 0 {
		return false
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Sub(d.lastPrune) >= d.window/2 {
		d.pruneLocked(now)
	}
	if expires, ok := d.seen[fp]; ok && now.Before(expires) {
		return true
	}
	d.seen[fp] = now.Add(d.window)
	return false
}

// Forget drops fp so its next observation counts as new.
func (d *Deduper) Forget(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fp)
}

// Len returns how many fingerprints are remembered.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Prune forgets expired fingerprints.
func (d *Deduper) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.now())
}

func (d *Deduper) pruneLocked(now time.Time) {
	for fp, expires := range d.seen {
		if !now.Before(expires) {
			delete(d.seen, fp)
		}
	}
	d.lastPrune = now
}
