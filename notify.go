/*
Notifications to observer (UI, terminal view, CLI printer)

Delivery is asynchronous. Status snapshots are coalesced, only latest pending
snapshot is delivered. Cycle outcomes are queued and delivered in order after
pending status snapshot.
*/
package timekeeper

import "sync"

type Notifier interface {
	StatusesChanged(statuses []ServerStatus)
	CycleCompleted(outcome SyncOutcome)
}

//NotifierFuncs adapts functions to Notifier. Nil functions are skipped
type NotifierFuncs struct {
	OnStatuses func(statuses []ServerStatus)
	OnOutcome  func(outcome SyncOutcome)
}

func (p NotifierFuncs) StatusesChanged(statuses []ServerStatus) {
	if p.OnStatuses != nil {
		p.OnStatuses(statuses)
	}
}

func (p NotifierFuncs) CycleCompleted(outcome SyncOutcome) {
	if p.OnOutcome != nil {
		p.OnOutcome(outcome)
	}
}

//notifyQueue methods are safe on nil queue, nil queue drops everything
type notifyQueue struct {
	target Notifier

	mu       sync.Mutex
	statuses []ServerStatus
	pending  bool
	outcomes []SyncOutcome
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func newNotifyQueue(target Notifier) *notifyQueue {
	if target == nil {
		return nil
	}
	q := &notifyQueue{
		target: target,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.loop()
	return q
}

func cloneStatuses(arr []ServerStatus) []ServerStatus {
	result := make([]ServerStatus, len(arr))
	for i, s := range arr {
		result[i] = s.Clone()
	}
	return result
}

func (q *notifyQueue) postStatuses(statuses []ServerStatus) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.statuses = cloneStatuses(statuses)
	q.pending = true
	q.signal()
}

func (q *notifyQueue) postOutcome(outcome SyncOutcome) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.outcomes = append(q.outcomes, outcome)
	q.signal()
}

//signal must be called with q.mu held
func (q *notifyQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *notifyQueue) loop() {
	defer close(q.done)
	for {
		_, ok := <-q.wake
		q.deliver()
		if !ok {
			return
		}
	}
}

func (q *notifyQueue) deliver() {
	for {
		q.mu.Lock()
		statuses, pending := q.statuses, q.pending
		outcomes := q.outcomes
		q.statuses, q.pending, q.outcomes = nil, false, nil
		q.mu.Unlock()

		if !pending && len(outcomes) == 0 {
			return
		}
		if pending {
			q.target.StatusesChanged(statuses)
		}
		for _, o := range outcomes {
			q.target.CycleCompleted(o)
		}
	}
}

//close delivers everything already posted and stops delivery goroutine
func (q *notifyQueue) close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()
	<-q.done
}
