/*
Scheduler drives check cycles.

Idle -> Running -> Idle. Every Start creates new run (context, interval reset
channel and done channel), stopped run is never reused. Ticks and manual
triggers go through same in-flight guard so at most one cycle runs at a time.
First cycle of a new run waits for cycle of previous run to unwind instead of
being skipped.
*/
package timekeeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

//CycleFunc runs one check cycle. Must return soon after ctx is cancelled
type CycleFunc func(ctx context.Context)

type Scheduler struct {
	cycle     CycleFunc
	onFailure func(err error) //Called when cycle panics
	log       logrus.FieldLogger

	guard chan struct{} //Holds token while cycle is in flight

	mu   sync.Mutex
	run  *schedulerRun //nil when idle
	last *schedulerRun
}

type schedulerRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	reset  chan time.Duration
	done   chan struct{}
}

func NewScheduler(cycle CycleFunc, onFailure func(err error), log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		cycle:     cycle,
		onFailure: onFailure,
		log:       log.WithField("module", "scheduler"),
		guard:     make(chan struct{}, 1),
	}
}

func sanitizeInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return time.Second
	}
	return interval
}

//Start arms periodic trigger and runs first cycle right away. Returns false if already running
func (p *Scheduler) Start(interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &schedulerRun{
		ctx:    ctx,
		cancel: cancel,
		reset:  make(chan time.Duration, 1),
		done:   make(chan struct{}),
	}
	p.run = r
	p.last = r
	go p.loop(r, sanitizeInterval(interval))
	p.log.WithField("interval", interval).Debug("started")
	return true
}

func (p *Scheduler) loop(r *schedulerRun, interval time.Duration) {
	defer close(r.done)
	select {
	case p.guard <- struct{}{}:
		p.runHeld(r.ctx)
	case <-r.ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case d := <-r.reset:
			ticker.Reset(d)
		case <-ticker.C:
			if !p.RunCycle(r.ctx) {
				p.log.Debug("tick skipped, cycle in progress")
			}
		}
	}
}

//Stop disarms trigger and cancels cycle in flight. Does not wait, use Wait for that
func (p *Scheduler) Stop() bool {
	p.mu.Lock()
	r := p.run
	p.run = nil
	p.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel()
	p.log.Debug("stopped")
	return true
}

//Wait blocks until latest run loop and cycles in flight have ended
func (p *Scheduler) Wait() {
	p.mu.Lock()
	r := p.last
	p.mu.Unlock()
	if r != nil {
		<-r.done
	}
	p.guard <- struct{}{}
	<-p.guard
}

//UpdateInterval re-arms trigger without extra cycle. Returns false when idle
func (p *Scheduler) UpdateInterval(interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return false
	}
	select {
	case <-p.run.reset:
	default:
	}
	p.run.reset <- sanitizeInterval(interval)
	return true
}

func (p *Scheduler) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

/*
RunCycle runs cycle if none is in flight, returns false when skipped.
Cycle context is cancelled also when current run is stopped. Panic inside
cycle is reported to failure callback and does not kill later cycles
*/
func (p *Scheduler) RunCycle(ctx context.Context) bool {
	select {
	case p.guard <- struct{}{}:
	default:
		return false
	}
	return p.runHeld(ctx)
}

//runHeld runs cycle, guard token must be taken by caller. Token is released on return
func (p *Scheduler) runHeld(ctx context.Context) (ran bool) {
	defer func() { <-p.guard }()

	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r != nil && r.ctx != ctx {
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("check cycle panic: %v", rec)
			p.log.WithError(err).Error("cycle aborted")
			if p.onFailure != nil {
				p.onFailure(err)
			}
		}
	}()
	ran = true
	p.cycle(cycleCtx)
	return ran
}
