package runloop

import (
	"runtime"
	"sync"
)

// Engine owns a goroutine, locked to its OS thread, that creates a RunLoop,
// drives it with Run and closes it once Run returns. That goroutine is the
// loop's dispatch thread.
type Engine struct {
	opts     []Option
	rl       *RunLoop
	err      error
	closeErr error
	done     chan struct{}
	mu       sync.Mutex
	cond     *sync.Cond
	init     bool
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		opts: opts,
		done: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// StartLoop launches the dispatch thread and returns its loop once built.
func (e *Engine) StartLoop() (*RunLoop, error) {
	go e.run()

	e.mu.Lock()
	for !e.init {
		e.cond.Wait()
	}
	e.mu.Unlock()
	return e.rl, e.err
}

func (e *Engine) run() {
	defer close(e.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	rl, err := New(e.opts...)

	e.mu.Lock()
	e.rl, e.err, e.init = rl, err, true
	e.cond.Broadcast()
	e.mu.Unlock()

	if err != nil {
		return
	}
	rl.Run()
	e.closeErr = rl.Close()
}

// AsyncStop asks the loop to quit without waiting. It is the way to stop
// the engine from its own dispatch thread.
func (e *Engine) AsyncStop() {
	e.mu.Lock()
	rl := e.rl
	e.mu.Unlock()
	if rl != nil {
		rl.Quit()
	}
}

// Done is closed once the dispatch thread has closed the loop and exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stop quits the loop and waits for the dispatch thread to close it. It
// must not be called from the dispatch thread, where it would wait on
// itself; use AsyncStop there.
func (e *Engine) Stop() error {
	e.mu.Lock()
	started := e.init
	e.mu.Unlock()
	if !started {
		return nil
	}
	e.AsyncStop()
	<-e.done
	return e.closeErr
}
