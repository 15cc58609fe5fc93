package publisher

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// reconnector runs bounded timed connection retries on its own goroutine.
//
// The attempt counter persists across arm calls: once the budget is spent
// the reconnector stays given-up, silently, until reset is called. Success
// is the other path back to a fresh budget via noteSuccess.
type reconnector struct {
	initialDelay time.Duration
	interval     time.Duration
	maxAttempts  int
	attempt      func() bool

	mu       sync.Mutex
	running  bool
	attempts int
	stop     chan struct{}
	done     chan struct{}
}

func newReconnector(initialDelay, interval time.Duration, maxAttempts int, attempt func() bool) *reconnector {
	return &reconnector{
		initialDelay: initialDelay,
		interval:     interval,
		maxAttempts:  maxAttempts,
		attempt:      attempt,
	}
}

// arm starts the retry loop unless it is already running or the attempt
// budget is exhausted.
func (r *reconnector) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	if r.attempts >= r.maxAttempts {
		// Given up; only reset re-arms.
		logrus.WithFields(logrus.Fields{
			"function": "arm",
			"attempts": r.attempts,
		}).Debug("Reconnect budget exhausted, staying disconnected")
		return
	}

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true

	logrus.WithFields(logrus.Fields{
		"function":      "arm",
		"initial_delay": r.initialDelay,
		"interval":      r.interval,
	}).Debug("Reconnect timer armed")

	go r.run(r.stop, r.done)
}

// cancel stops the retry loop and waits for it to fully drain, so no retry
// can fire after cancel returns. Clearing running under the mutex claims
// the stop channel: of two concurrent cancels only one closes it, and the
// other returns with the loop already claimed for teardown.
func (r *reconnector) cancel() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop := r.stop
	done := r.done
	r.mu.Unlock()

	close(stop)
	<-done
}

// reset clears the attempt counter so arm can start a fresh retry cycle.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// noteSuccess clears the attempt counter after a successful connection,
// whichever path established it.
func (r *reconnector) noteSuccess() {
	r.reset()
}

// attemptCount reports failed attempts since the last reset.
func (r *reconnector) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *reconnector) run(stop, done chan struct{}) {
	defer close(done)
	defer func() {
		// A cancelled loop may already have been superseded by a fresh
		// arm; only the loop that still owns the stop channel clears the
		// running flag.
		r.mu.Lock()
		if r.stop == stop {
			r.running = false
		}
		r.mu.Unlock()
	}()

	timer := time.NewTimer(r.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		if r.attempt() {
			logrus.WithFields(logrus.Fields{
				"function": "run",
			}).Info("Reconnect succeeded")
			return
		}

		r.mu.Lock()
		r.attempts++
		attempts := r.attempts
		exhausted := attempts >= r.maxAttempts
		r.mu.Unlock()

		if exhausted {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"attempts": attempts,
			}).Info("Reconnect attempts exhausted, giving up")
			return
		}

		timer.Reset(r.interval)
	}
}
