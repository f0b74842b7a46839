package pipeline

import (
	"sync"
	"time"
)

// reporter owns the progress of one run. Updates are delivered under mu so
// the observer sees them in order, and nothing is delivered once closed.
type reporter struct {
	id      string
	observe Observer
	cfg     ProgressConfig

	mu       sync.Mutex
	state    State
	progress int
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func newReporter(id string, observe Observer, cfg ProgressConfig) *reporter {
	return &reporter{
		id:      id,
		observe: observe,
		cfg:     cfg,
		state:   StateIdle,
		stop:    make(chan struct{}),
	}
}

// current returns the state the run is in.
func (r *reporter) current() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// enter moves the run to state and raises progress to its milestone.
func (r *reporter) enter(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.state = state
	r.progress = max(r.progress, milestones[state])
	r.emitLocked(Update{RunID: r.id, State: state, Progress: r.progress})
}

// tick adds one step, bounded by the cap.
func (r *reporter) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.progress >= r.cfg.Cap {
		return
	}
	r.progress = min(r.progress+r.cfg.Step, r.cfg.Cap)
	r.emitLocked(Update{RunID: r.id, State: r.state, Progress: r.progress})
}

// start launches the ticker goroutine.
func (r *reporter) start() {
	if r.cfg.Interval <= 0 || r.cfg.Step <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-t.C:
				r.tick()
			}
		}
	}()
}

// finish closes the reporter, joins the ticker and delivers final, if any,
// as the last update.
func (r *reporter) finish(final *Update) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()

	if final == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	final.RunID = r.id
	if final.State == StateDone {
		r.progress = 100
	}
	final.Progress = r.progress
	r.state = final.State
	r.emitLocked(*final)
}

func (r *reporter) emitLocked(u Update) {
	if r.observe != nil {
		r.observe(u)
	}
}
