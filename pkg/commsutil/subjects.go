package commsutil

import (
	"strings"

	"github.com/morezero/contextbus/pkg/envelope"
)

// Default COMMS subjects.
const (
	SubjectPrefix   = "bus"
	SubjectEventTap = "bus.events"
)

// BuildEnvironmentSubject is the subject every node of an environment listens on.
func BuildEnvironmentSubject(prefix, environment string) string {
	return withPrefix(prefix) + ".env." + token(environment)
}

// BuildEnvironmentRequestSubject is the queue-group subject for requests to an
// environment, so exactly one of its nodes answers.
func BuildEnvironmentRequestSubject(prefix, environment string) string {
	return BuildEnvironmentSubject(prefix, environment) + ".req"
}

// BuildNodeSubject is the subject a single node listens on.
func BuildNodeSubject(prefix, nodeID string) string {
	return withPrefix(prefix) + ".node." + token(nodeID)
}

// BuildEventTapSubject maps a bus path onto a subject under base, one token
// per path segment, so observers can use NATS wildcards.
func BuildEventTapSubject(base, path string) string {
	if base == "" {
		base = SubjectEventTap
	}
	segs := envelope.SplitPath(path)
	if len(segs) == 0 {
		return base
	}
	for i, s := range segs {
		segs[i] = token(s)
	}
	return base + "." + strings.Join(segs, ".")
}

func withPrefix(prefix string) string {
	if prefix == "" {
		return SubjectPrefix
	}
	return prefix
}

// token makes s safe as a single subject token.
func token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
