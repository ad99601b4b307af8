package persistence

import "time"

// Source is the policy bucket of a persisted store. It controls how many
// rolling backups are kept, how long writes are debounced, and whether the
// store is always written when the application shuts down.
type Source int

const (
	// SourceNetwork is for caches rebuilt from the network. Written rarely,
	// skipped at shutdown.
	SourceNetwork Source = iota
	// SourcePrivate is user-originated state. Written fast and always flushed
	// at shutdown.
	SourcePrivate
	// SourcePrivateLowPrio is private state that tolerates a longer window.
	SourcePrivateLowPrio
)

type sourcePolicy struct {
	name            string
	numMaxBackups   int
	delay           time.Duration
	flushAtShutdown bool
}

var sourcePolicies = [...]sourcePolicy{
	SourceNetwork:        {"NETWORK", 1, 300000 * time.Millisecond, false},
	SourcePrivate:        {"PRIVATE", 10, 200 * time.Millisecond, true},
	SourcePrivateLowPrio: {"PRIVATE_LOW_PRIO", 4, 60000 * time.Millisecond, false},
}

func (s Source) policy() sourcePolicy {
	if s < 0 || int(s) >= len(sourcePolicies) {
		return sourcePolicies[SourcePrivate]
	}
	return sourcePolicies[s]
}

// NumMaxBackupFiles is the number of rolling backups kept for the store.
func (s Source) NumMaxBackupFiles() int { return s.policy().numMaxBackups }

// Delay is the debounce window between the first persistence request and the write.
func (s Source) Delay() time.Duration { return s.policy().delay }

// FlushAtShutdown reports whether the store is written unconditionally at shutdown.
func (s Source) FlushAtShutdown() bool { return s.policy().flushAtShutdown }

func (s Source) String() string { return s.policy().name }
