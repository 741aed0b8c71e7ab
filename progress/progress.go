// Package progress defines the indicator contract used by external sort
// and the pipelining runtime to report work.
package progress

import "github.com/rs/zerolog"

// Indicator receives progress for one task at a time.  Implementations
// need not be safe for concurrent use; the runtime steps from a single
// goroutine.
type Indicator interface {
	// Init starts a new task with the given number of steps.  A zero
	// step count means the total is unknown.
	Init(description string, steps int64)
	// Step records n completed steps.
	Step(n int64)
	// Done completes the current task.
	Done()
}

// Null discards all progress.
type Null struct{}

func (Null) Init(string, int64) {}
func (Null) Step(int64)         {}
func (Null) Done()              {}

// Logger reports progress through a zerolog logger, emitting a line at
// every ten percent of the declared range.
type Logger struct {
	log         zerolog.Logger
	description string
	steps       int64
	current     int64
	reported    int64
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Init(description string, steps int64) {
	l.description = description
	l.steps = steps
	l.current = 0
	l.reported = 0
	l.log.Debug().Str("task", description).Int64("steps", steps).Msg("started")
}

func (l *Logger) Step(n int64) {
	l.current += n
	if l.steps <= 0 {
		return
	}
	pct := l.current * 100 / l.steps
	if pct >= l.reported+10 {
		l.reported = pct - pct%10
		l.log.Debug().Str("task", l.description).Int64("percent", l.reported).Msg("progress")
	}
}

func (l *Logger) Done() {
	l.log.Debug().Str("task", l.description).Msg("done")
}
