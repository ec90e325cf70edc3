/*
Monitor

Keeps server slot configuration, validates user input, runs check cycles over
configured servers and aggregates results into status model. Observers get
changes through Notifier.

Mutex is never held over network queries or audit log writes.
*/
package timekeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hjkoskel/timekeeper/timesync"
	"github.com/sirupsen/logrus"
)

const (
	MSG_NOSERVERS       = "No servers configured."
	MSG_CHECKSSKIPPED   = "Checks skipped."
	MSG_ALLFAILED       = "All servers failed during the last cycle."
	MSG_STARTED         = "Monitoring started."
	MSG_STOPPED         = "Monitoring stopped."
	MSG_CANNOTSTART     = "Cannot start checks until validation errors are resolved."
	MSG_PRIMARYREQUIRED = "Primary time server required before monitoring can start."
	MSG_ADJUSTFAILED    = "Failed to adjust system time: "
	MSG_AUDITFAILED     = "Audit log unavailable: "
	MSG_SNAPSHOTFAILED  = "Status snapshot unavailable: "
	MSG_CYCLEFAILED     = "Check cycle failed: "

	COMPLETEDTIMEFORMAT = "2006-01-02 15:04:05"
)

var (
	ErrSlotIndex  = errors.New("slot index out of range")
	ErrValidation = errors.New("validation failed")
)

type Options struct {
	Querier   timesync.Querier //nil picks client by Settings protocol
	Settings  SettingsStore    //nil is volatile store with defaults
	Audit     AuditLogger      //nil disables audit log
	Clock     Clock            //nil is SystemClock
	Adjuster  ClockAdjuster    //nil is SystemClockAdjuster
	Snapshot  SnapshotStore    //nil disables status snapshot
	Notifier  Notifier
	Log       logrus.FieldLogger
	SlotCount int //0 is SLOTCOUNT
}

//MonitorState is copy of monitor state for observers
type MonitorState struct {
	IntervalSeconds int //Currently scheduled interval, always valid
	IntervalError   string
	Slots           []ServerSlot
	SlotErrors      []string
	Statuses        []ServerStatus
	Running         bool
	CanStart        bool
	StatusMessage   string
	GlobalWarning   string //No servers or all failed
	AdjustWarning   string //Clock correction failed on last cycle
	DegradedWarning string //Audit log or snapshot failed on last cycle
	LastCompleted   *time.Time
}

type Monitor struct {
	querier             timesync.Querier
	querierFromSettings bool //Not given in options, Initialize picks by settings protocol
	store               SettingsStore
	audit               AuditLogger
	clock               Clock
	adjuster            ClockAdjuster
	snapshot            SnapshotStore
	log                 logrus.FieldLogger
	notify              *notifyQueue

	scheduler *Scheduler

	mu              sync.Mutex
	settings        Settings
	slots           []ServerSlot
	slotErrors      []string
	interval        int
	intervalError   string
	statuses        []ServerStatus
	statusMessage   string
	globalWarning   string
	adjustWarning   string
	degradedWarning string
	lastCompleted   *time.Time
	checking        *ServerStatus //Previous status of server being queried
}

func NewMonitor(opt Options) *Monitor {
	if opt.SlotCount <= 0 {
		opt.SlotCount = SLOTCOUNT
	}
	if opt.Settings == nil {
		opt.Settings = NewMemorySettingsStore(DefaultSettings())
	}
	if opt.Clock == nil {
		opt.Clock = SystemClock{}
	}
	if opt.Adjuster == nil {
		opt.Adjuster = SystemClockAdjuster{}
	}
	if opt.Log == nil {
		opt.Log = logrus.StandardLogger()
	}
	querierFromSettings := opt.Querier == nil
	if querierFromSettings {
		opt.Querier = timesync.NewSntpClient()
	}
	result := &Monitor{
		querier:             opt.Querier,
		querierFromSettings: querierFromSettings,
		store:               opt.Settings,
		audit:               opt.Audit,
		clock:               opt.Clock,
		adjuster:            opt.Adjuster,
		snapshot:            opt.Snapshot,
		log:                 opt.Log.WithField("module", "monitor"),
		notify:              newNotifyQueue(opt.Notifier),
		settings:            DefaultSettings(),
		slots:               DefaultSettings().Slots(opt.SlotCount),
		slotErrors:          make([]string, opt.SlotCount),
		interval:            DEFAULTINTERVALSECONDS,
	}
	result.scheduler = NewScheduler(result.runCycle, result.cycleAborted, opt.Log)
	result.validateAllLocked()
	result.rebuildStatusesLocked()
	return result
}

/*
Initialize loads settings, validates everything and restores latest known
status of each server from snapshot store. Call once before Start
*/
func (p *Monitor) Initialize() error {
	s := p.store.Load()
	s.applyDefaults()

	if p.querierFromSettings {
		q, errQ := QuerierForProtocol(s.Protocol)
		if errQ != nil {
			return errQ
		}
		p.querier = q
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s.Clone()
	p.slots = s.Slots(len(p.slots))
	p.interval = s.IntervalSeconds
	if p.interval < MINIMUMINTERVALSECONDS {
		p.interval = MINIMUMINTERVALSECONDS
	}
	p.intervalError = ""
	p.validateAllLocked()
	p.statuses = nil
	p.rebuildStatusesLocked()

	if p.snapshot != nil {
		for i, st := range p.statuses {
			restored, found := p.snapshot.Latest(st.SlotIndex, st.Server)
			if found {
				p.statuses[i].Apply(restored)
			}
		}
	}
	p.log.WithFields(logrus.Fields{"servers": p.activeLocked(), "interval": p.interval}).Info("initialized")
	p.notify.postStatuses(p.statuses)
	return nil
}

func (p *Monitor) validateAllLocked() {
	for i, slot := range p.slots {
		p.slotErrors[i] = ValidateSlot(i, slot.Hostname)
	}
}

//rebuildStatusesLocked keeps entries whose hostname is unchanged
func (p *Monitor) rebuildStatusesLocked() {
	current := make(map[int]ServerStatus, len(p.statuses))
	for _, st := range p.statuses {
		current[st.SlotIndex] = st
	}
	result := []ServerStatus{}
	for _, slot := range p.slots {
		if slot.Hostname == "" {
			continue
		}
		st, found := current[slot.Index]
		if !found || !strings.EqualFold(st.Server, slot.Hostname) {
			st = notCheckedStatus(slot.Index, slot.Hostname)
		}
		result = append(result, st)
	}
	p.statuses = result
}

func (p *Monitor) activeLocked() []ServerSlot {
	result := []ServerSlot{}
	for _, slot := range p.slots {
		if slot.Hostname != "" {
			result = append(result, slot)
		}
	}
	return result
}

func (p *Monitor) canStartLocked() bool {
	if p.intervalError != "" {
		return false
	}
	for _, e := range p.slotErrors {
		if e != "" {
			return false
		}
	}
	return true
}

func (p *Monitor) persistLocked() error {
	s := p.settings.Clone()
	s.IntervalSeconds = p.interval
	s.Servers = make([]string, len(p.slots))
	for i, slot := range p.slots {
		s.Servers[i] = slot.Hostname
	}
	if err := p.store.Save(s); err != nil {
		p.log.WithError(err).Warn("saving settings failed")
		return fmt.Errorf("save settings: %w", err)
	}
	p.settings = s
	return nil
}

//SetInterval rejects values below minimum, scheduled interval is then kept
func (p *Monitor) SetInterval(seconds int) error {
	p.mu.Lock()
	if msg := ValidateInterval(seconds); msg != "" {
		p.intervalError = msg
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	}
	p.intervalError = ""
	p.interval = seconds
	errSave := p.persistLocked()
	p.scheduler.UpdateInterval(time.Duration(seconds) * time.Second)
	p.mu.Unlock()
	return errSave
}

/*
SetSlotHostname sets trimmed hostname to slot, re-validates it and persists
configuration. Invalid value is persisted too and reported as slot error.
Invalid primary slot stops monitoring.
*/
func (p *Monitor) SetSlotHostname(index int, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || len(p.slots) <= index {
		return fmt.Errorf("%w: %v (slots 0..%v)", ErrSlotIndex, index, len(p.slots)-1)
	}
	p.slots[index].Hostname = NormalizeHostname(value)
	p.slotErrors[index] = ValidateSlot(index, p.slots[index].Hostname)
	p.rebuildStatusesLocked()
	errSave := p.persistLocked()

	if index == 0 && p.slotErrors[0] != "" {
		if p.scheduler.Stop() {
			p.log.Info("monitoring stopped, primary server invalid")
		}
		p.statusMessage = MSG_PRIMARYREQUIRED
	}
	p.notify.postStatuses(p.statuses)

	if p.slotErrors[index] != "" {
		return fmt.Errorf("%w: slot %v: %s", ErrValidation, index, p.slotErrors[index])
	}
	return errSave
}

//SetFirstResponder switches cycle to stop at first answering server
func (p *Monitor) SetFirstResponder(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.FirstResponder = enabled
	return p.persistLocked()
}

func (p *Monitor) CanStart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canStartLocked()
}

func (p *Monitor) IsRunning() bool {
	return p.scheduler.IsRunning()
}

//Start monitoring. Refused with status message when validation errors exist
func (p *Monitor) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canStartLocked() {
		p.statusMessage = MSG_CANNOTSTART
		return false
	}
	if p.scheduler.IsRunning() {
		return false
	}
	p.statusMessage = MSG_STARTED
	p.scheduler.Start(time.Duration(p.interval) * time.Second)
	p.log.WithField("interval", p.interval).Info("monitoring started")
	return true
}

//Stop monitoring. Cycle in flight is cancelled, does not wait it
func (p *Monitor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduler.Stop() {
		p.statusMessage = MSG_STOPPED
		p.log.Info("monitoring stopped")
	}
}

//SyncNow runs cycle right away. Returns false when cycle was already in flight
func (p *Monitor) SyncNow(ctx context.Context) bool {
	return p.scheduler.RunCycle(ctx)
}

//Close stops monitoring and waits until cycles and notifications are done
func (p *Monitor) Close() {
	p.Stop()
	p.scheduler.Wait()
	p.notify.close()
}

func (p *Monitor) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.Clone()
}

func (p *Monitor) State() MonitorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := MonitorState{
		IntervalSeconds: p.interval,
		IntervalError:   p.intervalError,
		Slots:           append([]ServerSlot{}, p.slots...),
		SlotErrors:      append([]string{}, p.slotErrors...),
		Statuses:        cloneStatuses(p.statuses),
		Running:         p.scheduler.IsRunning(),
		CanStart:        p.canStartLocked(),
		StatusMessage:   p.statusMessage,
		GlobalWarning:   p.globalWarning,
		AdjustWarning:   p.adjustWarning,
		DegradedWarning: p.degradedWarning,
	}
	if p.lastCompleted != nil {
		t := *p.lastCompleted
		result.LastCompleted = &t
	}
	return result
}

/*
updateStatusLocked applies update to entry of slot if it still has same
hostname. Configuration can change while cycle is running
*/
func (p *Monitor) updateStatusLocked(slot ServerSlot, u ServerStatus) (ServerStatus, bool) {
	for i := range p.statuses {
		st := &p.statuses[i]
		if st.SlotIndex != slot.Index || !strings.EqualFold(st.Server, slot.Hostname) {
			continue
		}
		prev := st.Clone()
		if st.Apply(u) {
			p.notify.postStatuses(p.statuses)
		}
		return prev, true
	}
	return ServerStatus{}, false
}

type cycleResult struct {
	checked   int
	answered  int
	adjusted  bool
	adjustErr error
	degraded  []string
}

func (p *Monitor) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	log := p.log.WithField("cycle", cycleID)

	p.mu.Lock()
	settings := p.settings.Clone()
	active := p.activeLocked()
	if len(active) == 0 {
		p.globalWarning = MSG_NOSERVERS
		p.statusMessage = MSG_CHECKSSKIPPED
		p.mu.Unlock()
		log.Warn("no servers configured, checks skipped")
		p.notify.postOutcome(SyncOutcome{Kind: OutcomeNoServers, CycleID: cycleID, CompletedAt: p.clock.Now()})
		return
	}
	p.mu.Unlock()

	res := cycleResult{}
	for _, slot := range active {
		if ctx.Err() != nil {
			p.cycleCancelled(cycleID, log)
			return
		}
		if !p.checkServer(ctx, log, slot, settings, &res) {
			p.cycleCancelled(cycleID, log)
			return
		}
		if settings.FirstResponder && 0 < res.answered {
			break
		}
	}

	if ctx.Err() != nil {
		p.cycleCancelled(cycleID, log)
		return
	}

	completedAt := p.clock.Now()
	outcome := SyncOutcome{
		Kind:        OutcomeCompleted,
		CycleID:     cycleID,
		AnyAnswered: 0 < res.answered,
		AllFailed:   res.answered == 0,
		Adjusted:    res.adjusted,
		AdjustErr:   res.adjustErr,
		CompletedAt: completedAt,
	}

	p.mu.Lock()
	p.lastCompleted = &completedAt
	p.statusMessage = fmt.Sprintf("Last check completed at %s.", completedAt.Format(COMPLETEDTIMEFORMAT))
	p.globalWarning = ""
	if outcome.AllFailed {
		p.globalWarning = MSG_ALLFAILED
	}
	p.adjustWarning = ""
	if res.adjustErr != nil {
		p.adjustWarning = MSG_ADJUSTFAILED + res.adjustErr.Error()
	}
	p.degradedWarning = strings.Join(res.degraded, " ")
	p.notify.postOutcome(outcome)
	p.mu.Unlock()

	log.WithFields(logrus.Fields{
		"checked":  res.checked,
		"answered": res.answered,
		"adjusted": res.adjusted,
	}).Info("cycle completed")
}

//checkServer queries one server and records result. Returns false when cancelled during query
func (p *Monitor) checkServer(ctx context.Context, log logrus.FieldLogger, slot ServerSlot, settings Settings, res *cycleResult) bool {
	host := slot.Hostname
	p.mu.Lock()
	prev, found := p.updateStatusLocked(slot, ServerStatus{Server: host, StatusMessage: STATUS_CHECKING})
	if found {
		p.checking = &prev
	}
	p.mu.Unlock()
	if !found {
		return true
	}

	reply, errQuery := p.querier.Query(ctx, host, settings.QueryTimeout())
	if errQuery != nil && ctx.Err() != nil {
		p.mu.Lock()
		p.restoreCheckingLocked()
		p.mu.Unlock()
		return false
	}
	res.checked++
	checked := p.clock.Now()
	upd := ServerStatus{SlotIndex: slot.Index, Server: host, LastChecked: &checked}

	if errQuery != nil {
		upd.StatusMessage = STATUS_ERRORPREFIX + errQuery.Error()
		upd.HasError = true
		log.WithField("server", host).WithError(errQuery).Warn("check failed")
	} else {
		nowUTC := p.clock.NowUTC()
		drift := reply.ServerTime.Sub(nowUTC)
		offset := RoundOffset(drift)
		upd.OffsetSeconds = &offset
		upd.StatusMessage = STATUS_SUCCESS
		log.WithFields(logrus.Fields{"server": host, "address": reply.Address, "offset": offset}).Info("check succeeded")

		if res.answered == 0 && settings.AdjustClock && ExceedsAllowance(offset, settings.DriftAllowance()) {
			if errAdj := p.adjuster.Apply(nowUTC.Add(drift)); errAdj != nil {
				res.adjustErr = errAdj
				log.WithError(errAdj).Error("adjusting system time failed")
			} else {
				res.adjusted = true
				log.WithField("offset", offset).Warn("system time adjusted")
			}
		}
		res.answered++
	}

	p.mu.Lock()
	p.updateStatusLocked(slot, upd)
	p.checking = nil
	p.mu.Unlock()

	if p.audit != nil {
		if errAudit := p.audit.Append(ctx, checked, host, upd.OffsetSeconds, upd.StatusMessage); errAudit != nil && ctx.Err() == nil {
			log.WithError(errAudit).Warn("audit log append failed")
			res.degraded = appendOnce(res.degraded, MSG_AUDITFAILED+errAudit.Error())
		}
	}
	if p.snapshot != nil {
		if errSnap := p.snapshot.Record(upd); errSnap != nil {
			log.WithError(errSnap).Warn("status snapshot write failed")
			res.degraded = appendOnce(res.degraded, MSG_SNAPSHOTFAILED+errSnap.Error())
		}
	}
	return true
}

func appendOnce(arr []string, s string) []string {
	for _, a := range arr {
		if a == s {
			return arr
		}
	}
	return append(arr, s)
}

//restoreCheckingLocked puts back status that server had before query started
func (p *Monitor) restoreCheckingLocked() {
	if p.checking == nil {
		return
	}
	prev := *p.checking
	p.checking = nil
	p.updateStatusLocked(ServerSlot{Index: prev.SlotIndex, Hostname: prev.Server}, prev)
}

func (p *Monitor) cycleCancelled(cycleID string, log logrus.FieldLogger) {
	log.Info("cycle cancelled")
	p.notify.postOutcome(SyncOutcome{Kind: OutcomeCancelled, CycleID: cycleID, CompletedAt: p.clock.Now()})
}

//cycleAborted is failure callback of scheduler
func (p *Monitor) cycleAborted(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreCheckingLocked()
	p.globalWarning = MSG_CYCLEFAILED + err.Error()
	p.notify.postOutcome(SyncOutcome{Kind: OutcomeAborted, Err: err, CompletedAt: p.clock.Now()})
}
