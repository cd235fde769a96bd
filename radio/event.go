package radio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTimeout = errors.New("radio: response timeout")

// ResponseFunc receives a response or the reason none came.
type ResponseFunc func(cmd Command, err error)

type waiter struct {
	done  ResponseFunc
	timer *time.Timer
}

// eventHandler hands responses to whoever waits for them, keyed by
// command id. The co-processor answers requests in order, so waiters of
// one id form a FIFO.
type eventHandler struct {
	mu     sync.Mutex
	events map[CommandID][]*waiter
	closed error
}

func newEventHandler() *eventHandler {
	return &eventHandler{events: make(map[CommandID][]*waiter)}
}

// add registers interest in id before the request goes out. done is called
// once: with the response, with ErrTimeout after timeout, or with the
// close error.
func (eh *eventHandler) add(id CommandID, timeout time.Duration, done ResponseFunc) (*waiter, error) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if eh.closed != nil {
		return nil, eh.closed
	}
	w := &waiter{done: done}
	eh.events[id] = append(eh.events[id], w)
	w.timer = time.AfterFunc(timeout, func() {
		if eh.remove(id, w) {
			done(Command{}, fmt.Errorf("%w: %s", ErrTimeout, id))
		}
	})
	return w, nil
}

// remove reports whether w was still waiting.
func (eh *eventHandler) remove(id CommandID, w *waiter) bool {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	q := eh.events[id]
	for i, x := range q {
		if x != w {
			continue
		}
		w.timer.Stop()
		if len(q) == 1 {
			delete(eh.events, id)
		} else {
			eh.events[id] = append(q[:i:i], q[i+1:]...)
		}
		return true
	}
	return false
}

// emit reports whether somebody was waiting for cmd.
func (eh *eventHandler) emit(cmd Command) bool {
	eh.mu.Lock()
	q := eh.events[cmd.ID]
	if len(q) == 0 {
		eh.mu.Unlock()
		return false
	}
	w := q[0]
	if len(q) == 1 {
		delete(eh.events, cmd.ID)
	} else {
		eh.events[cmd.ID] = q[1:]
	}
	w.timer.Stop()
	eh.mu.Unlock()
	w.done(cmd, nil)
	return true
}

// close fails every waiter with err and refuses new ones.
func (eh *eventHandler) close(err error) {
	eh.mu.Lock()
	eh.closed = err
	var all []*waiter
	for _, q := range eh.events {
		all = append(all, q...)
	}
	eh.events = make(map[CommandID][]*waiter)
	eh.mu.Unlock()
	for _, w := range all {
		w.timer.Stop()
		w.done(Command{}, err)
	}
}
