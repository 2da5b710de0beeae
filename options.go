package runloop

import "time"

const defaultPollCeiling = 2000 * time.Millisecond

// Option customizes a RunLoop at construction.
type Option func(*RunLoop)

// WithName labels the loop in log output.
func WithName(name string) Option {
	return func(rl *RunLoop) {
		rl.name = name
	}
}

// WithPollCeiling caps how long DispatchNextMessage sleeps per wait. A
// non-positive value waits until a descriptor is ready.
func WithPollCeiling(d time.Duration) Option {
	return func(rl *RunLoop) {
		rl.pollCeiling = d
	}
}

// WithQuitHandler replaces what a keyboard interrupt requests. The default
// is Quit.
func WithQuitHandler(fn func()) Option {
	return func(rl *RunLoop) {
		rl.onQuit = fn
	}
}
