package router

import (
	"context"
	"sort"
	"sync"

	"github.com/morezero/contextbus/pkg/envelope"
)

// Handler produces a Response payload for a Request. For Events the returned
// payload is ignored. A returned *envelope.Error keeps its code on the wire;
// any other error becomes HANDLER_ERROR.
type Handler func(ctx context.Context, req *envelope.Envelope) (envelope.Payload, error)

// subscriberTable maps normalized paths to handlers.
type subscriberTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newSubscriberTable() *subscriberTable {
	return &subscriberTable{handlers: make(map[string]Handler)}
}

// set installs h at path and reports whether it replaced a previous handler.
func (s *subscriberTable) set(path string, h Handler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.handlers[path]
	s.handlers[path] = h
	return replaced
}

func (s *subscriberTable) remove(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[path]
	delete(s.handlers, path)
	return ok
}

func (s *subscriberTable) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

func (s *subscriberTable) paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for p := range s.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// match tries every candidate for an exact hit, in order, and then the
// longest registered prefix of any candidate on a segment boundary.
func (s *subscriberTable) match(candidates ...string) (string, Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range candidates {
		if h, ok := s.handlers[c]; ok {
			return c, h, true
		}
	}

	best, bestLen := "", -1
	for _, c := range candidates {
		for p := range s.handlers {
			if p == "" || !envelope.HasPathPrefix(c, p) {
				continue
			}
			if n := len(envelope.SplitPath(p)); n > bestLen {
				best, bestLen = p, n
			}
		}
		if bestLen >= 0 {
			return best, s.handlers[best], true
		}
	}
	return "", nil, false
}
