package timekeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hjkoskel/fixregsto"
	"github.com/hjkoskel/timekeeper/timesync"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testZone = time.FixedZone("EET", 2*3600)

type fixedClock struct {
	utc time.Time
}

func (p fixedClock) Now() time.Time    { return p.utc.In(testZone) }
func (p fixedClock) NowUTC() time.Time { return p.utc }

type fakeQuerier struct {
	mu      sync.Mutex
	answers map[string]time.Time
	asked   []string
	block   chan struct{} //Query waits until closed or cancelled
	entered chan string
	panicOn string
}

func (p *fakeQuerier) Query(ctx context.Context, host string, timeout time.Duration) (timesync.Reply, error) {
	p.mu.Lock()
	p.asked = append(p.asked, host)
	t, found := p.answers[host]
	block, entered := p.block, p.entered
	p.mu.Unlock()

	if entered != nil {
		entered <- host
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return timesync.Reply{}, ctx.Err()
		}
	}
	if host == p.panicOn {
		panic("querier exploded")
	}
	if !found {
		return timesync.Reply{}, fmt.Errorf("%w: %s: i/o timeout", timesync.ErrTransport, host)
	}
	return timesync.Reply{Host: host, Address: "192.0.2.1:123", ServerTime: t}, nil
}

func (p *fakeQuerier) Asked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.asked...)
}

type auditEntry struct {
	ts     time.Time
	server string
	offset *float64
	status string
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
	err     error
}

func (p *recordingAudit) Append(ctx context.Context, ts time.Time, server string, offsetSeconds *float64, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.entries = append(p.entries, auditEntry{ts, server, offsetSeconds, status})
	return nil
}

func (p *recordingAudit) Entries() []auditEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]auditEntry{}, p.entries...)
}

type recordingAdjuster struct {
	mu      sync.Mutex
	applied []time.Time
	err     error
}

func (p *recordingAdjuster) Apply(utc time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, utc)
	return p.err
}

var testNow = time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)

type monitorFixture struct {
	dut      *Monitor
	querier  *fakeQuerier
	store    *MemorySettingsStore
	audit    *recordingAudit
	adjuster *recordingAdjuster
	notifier *recordingNotifier
}

func newMonitorFixture(t *testing.T, servers []string, answers map[string]time.Time, tune func(s *Settings, opt *Options)) *monitorFixture {
	log, _ := test.NewNullLogger()
	s := DefaultSettings()
	s.Servers = servers
	f := &monitorFixture{
		querier:  &fakeQuerier{answers: answers},
		audit:    &recordingAudit{},
		adjuster: &recordingAdjuster{},
		notifier: &recordingNotifier{},
	}
	opt := Options{
		Querier:  f.querier,
		Audit:    f.audit,
		Clock:    fixedClock{utc: testNow},
		Adjuster: f.adjuster,
		Notifier: f.notifier,
		Log:      log,
	}
	if tune != nil {
		tune(&s, &opt)
	}
	f.store = NewMemorySettingsStore(s)
	opt.Settings = f.store
	f.dut = NewMonitor(opt)
	require.NoError(t, f.dut.Initialize())
	t.Cleanup(f.dut.Close)
	return f
}

func statusServers(arr []ServerStatus) []string {
	result := []string{}
	for _, s := range arr {
		result = append(result, fmt.Sprintf("%v:%s", s.SlotIndex, s.Server))
	}
	return result
}

func TestCycleNoServers(t *testing.T) {
	f := newMonitorFixture(t, []string{"", "", "", "", ""}, nil, nil)
	assert.False(t, f.dut.CanStart())

	assert.True(t, f.dut.SyncNow(context.Background()))
	assert.Equal(t, 0, len(f.querier.Asked()))
	assert.Equal(t, 0, len(f.audit.Entries()))

	st := f.dut.State()
	assert.Equal(t, MSG_NOSERVERS, st.GlobalWarning)
	assert.Equal(t, MSG_CHECKSSKIPPED, st.StatusMessage)
	assert.Equal(t, 0, len(st.Statuses))

	assert.Eventually(t, func() bool { return len(f.notifier.Outcomes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, OutcomeNoServers, f.notifier.Outcomes()[0].Kind)
}

func TestCycleSkipsBlankSlots(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test", "", "secondary.test", "", ""}, map[string]time.Time{
		"primary.test":   testNow,
		"secondary.test": testNow,
	}, nil)

	st := f.dut.State()
	assert.Equal(t, []string{"0:primary.test", "2:secondary.test"}, statusServers(st.Statuses))
	assert.Equal(t, STATUS_NOTCHECKED, st.Statuses[0].StatusMessage)

	f.dut.SyncNow(context.Background())
	assert.Equal(t, []string{"primary.test", "secondary.test"}, f.querier.Asked())
	st = f.dut.State()
	assert.Equal(t, []string{"0:primary.test", "2:secondary.test"}, statusServers(st.Statuses))

	entries := f.audit.Entries()
	require.Equal(t, 2, len(entries))
	assert.Equal(t, "primary.test", entries[0].server)
	assert.Equal(t, "secondary.test", entries[1].server)
}

func TestCycleOffset(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{
		"primary.test": time.Date(2024, 1, 1, 13, 0, 1, 234567000, time.UTC),
	}, func(s *Settings, opt *Options) { s.AdjustClock = false })

	f.dut.SyncNow(context.Background())
	st := f.dut.State()
	require.Equal(t, 1, len(st.Statuses))
	got := st.Statuses[0]
	assert.Equal(t, STATUS_SUCCESS, got.StatusMessage)
	assert.False(t, got.HasError)
	require.NotNil(t, got.OffsetSeconds)
	assert.Equal(t, 1.234567, *got.OffsetSeconds)
	require.NotNil(t, got.LastChecked)
	assert.True(t, testNow.Equal(*got.LastChecked))
	assert.Equal(t, testZone, got.LastChecked.Location())

	assert.Equal(t, "", st.GlobalWarning)
	assert.Equal(t, "Last check completed at 2024-01-01 15:00:00.", st.StatusMessage)
	require.NotNil(t, st.LastCompleted)

	entries := f.audit.Entries()
	require.Equal(t, 1, len(entries))
	assert.Equal(t, 1.234567, *entries[0].offset)
	assert.Equal(t, STATUS_SUCCESS, entries[0].status)
	assert.Equal(t, 0, len(f.adjuster.applied))
}

func TestCycleFailuresContinue(t *testing.T) {
	f := newMonitorFixture(t, []string{"down.test", "up.test", "", "", "gone.test"}, map[string]time.Time{
		"up.test": testNow,
	}, nil)

	f.dut.SyncNow(context.Background())
	assert.Equal(t, []string{"down.test", "up.test", "gone.test"}, f.querier.Asked())

	st := f.dut.State()
	assert.True(t, st.Statuses[0].HasError)
	assert.Equal(t, "Error: transport error: down.test: i/o timeout", st.Statuses[0].StatusMessage)
	assert.Nil(t, st.Statuses[0].OffsetSeconds)
	assert.NotNil(t, st.Statuses[0].LastChecked)
	assert.False(t, st.Statuses[1].HasError)
	assert.True(t, st.Statuses[2].HasError)
	assert.Equal(t, "", st.GlobalWarning, "only shown when every server failed")

	entries := f.audit.Entries()
	require.Equal(t, 3, len(entries))
	assert.Nil(t, entries[0].offset)
	assert.Equal(t, st.Statuses[0].StatusMessage, entries[0].status)

	assert.Eventually(t, func() bool { return len(f.notifier.Outcomes()) == 1 }, time.Second, time.Millisecond)
	outcome := f.notifier.Outcomes()[0]
	assert.Equal(t, OutcomeCompleted, outcome.Kind)
	assert.True(t, outcome.AnyAnswered)
	assert.False(t, outcome.AllFailed)
	assert.NotEqual(t, "", outcome.CycleID)
}

func TestCycleAllFailed(t *testing.T) {
	f := newMonitorFixture(t, []string{"down.test", "down2.test"}, nil, nil)
	f.dut.SyncNow(context.Background())
	assert.Equal(t, MSG_ALLFAILED, f.dut.State().GlobalWarning)

	f.querier.mu.Lock()
	f.querier.answers = map[string]time.Time{"down2.test": testNow}
	f.querier.mu.Unlock()
	f.dut.SyncNow(context.Background())
	assert.Equal(t, "", f.dut.State().GlobalWarning)
}

func TestCycleAdjustsClock(t *testing.T) {
	serverTime := testNow.Add(5 * time.Second)
	f := newMonitorFixture(t, []string{"primary.test", "secondary.test"}, map[string]time.Time{
		"primary.test":   serverTime,
		"secondary.test": testNow.Add(time.Hour),
	}, nil)

	f.dut.SyncNow(context.Background())
	require.Equal(t, 1, len(f.adjuster.applied), "first successful server decides")
	assert.True(t, serverTime.Equal(f.adjuster.applied[0]))
	assert.Equal(t, "", f.dut.State().AdjustWarning)

	f.adjuster.err = fmt.Errorf("%w: operation not permitted", ErrClockAdjust)
	f.dut.SyncNow(context.Background())
	st := f.dut.State()
	assert.Equal(t, "Failed to adjust system time: clock adjust failed: operation not permitted", st.AdjustWarning)
	assert.False(t, st.Statuses[0].HasError, "adjust failure is not server error")
	assert.Equal(t, "", st.GlobalWarning)
}

func TestCycleWithinAllowance(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{
		"primary.test": testNow.Add(-999 * time.Millisecond),
	}, nil)
	f.dut.SyncNow(context.Background())
	assert.Equal(t, 0, len(f.adjuster.applied))
}

func TestCycleFirstResponder(t *testing.T) {
	f := newMonitorFixture(t, []string{"down.test", "up.test", "other.test"}, map[string]time.Time{
		"up.test":    testNow,
		"other.test": testNow,
	}, func(s *Settings, opt *Options) { s.FirstResponder = true })

	f.dut.SyncNow(context.Background())
	assert.Equal(t, []string{"down.test", "up.test"}, f.querier.Asked())
	st := f.dut.State()
	assert.Equal(t, STATUS_NOTCHECKED, st.Statuses[2].StatusMessage)
	assert.Equal(t, "", st.GlobalWarning)
}

func TestIntervalValidation(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, nil, nil)
	saves := f.store.Saves()

	err := f.dut.SetInterval(0)
	assert.ErrorIs(t, err, ErrValidation)
	st := f.dut.State()
	assert.Equal(t, "Interval must be 1 second or greater.", st.IntervalError)
	assert.False(t, st.CanStart)
	assert.Equal(t, DEFAULTINTERVALSECONDS, st.IntervalSeconds, "previous valid value kept")
	assert.Equal(t, saves, f.store.Saves(), "invalid value is not persisted")
	assert.False(t, f.dut.Start())
	assert.Equal(t, MSG_CANNOTSTART, f.dut.State().StatusMessage)

	require.NoError(t, f.dut.SetInterval(5))
	st = f.dut.State()
	assert.Equal(t, "", st.IntervalError)
	assert.True(t, st.CanStart)
	assert.Equal(t, 5, st.IntervalSeconds)
	assert.Equal(t, 5, f.store.Load().IntervalSeconds)
}

func TestStartStop(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{"primary.test": testNow}, nil)

	assert.True(t, f.dut.Start())
	assert.False(t, f.dut.Start())
	assert.True(t, f.dut.State().Running)
	assert.Eventually(t, func() bool { return len(f.notifier.Outcomes()) == 1 }, time.Second, time.Millisecond)

	f.dut.Stop()
	st := f.dut.State()
	assert.False(t, st.Running)
	assert.Equal(t, MSG_STOPPED, st.StatusMessage)
}

func TestBlankPrimaryStopsMonitoring(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test", "secondary.test"}, map[string]time.Time{
		"primary.test":   testNow,
		"secondary.test": testNow,
	}, nil)
	require.True(t, f.dut.Start())
	assert.Eventually(t, func() bool { return len(f.notifier.Outcomes()) == 1 }, time.Second, time.Millisecond)

	err := f.dut.SetSlotHostname(0, "   ")
	assert.ErrorIs(t, err, ErrValidation)
	st := f.dut.State()
	assert.False(t, st.Running)
	assert.False(t, st.CanStart)
	assert.Equal(t, ERR_PRIMARYREQUIRED, st.SlotErrors[0])
	assert.Equal(t, MSG_PRIMARYREQUIRED, st.StatusMessage)
	assert.Equal(t, []string{"1:secondary.test"}, statusServers(st.Statuses))

	assert.False(t, f.dut.Start())
	require.NoError(t, f.dut.SetSlotHostname(0, " primary.test "))
	st = f.dut.State()
	assert.True(t, st.CanStart)
	assert.Equal(t, "primary.test", st.Slots[0].Hostname)
	assert.True(t, f.dut.Start())
}

func TestSlotEditsRebuildStatuses(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test", "secondary.test", "third.test"}, map[string]time.Time{
		"primary.test":   testNow,
		"secondary.test": testNow,
		"third.test":     testNow,
	}, nil)
	f.dut.SyncNow(context.Background())

	require.NoError(t, f.dut.SetSlotHostname(0, "PRIMARY.test"))
	require.NoError(t, f.dut.SetSlotHostname(1, "renamed.test"))
	require.NoError(t, f.dut.SetSlotHostname(2, ""))
	require.NoError(t, f.dut.SetSlotHostname(4, "new.test"))

	st := f.dut.State()
	assert.Equal(t, []string{"0:primary.test", "1:renamed.test", "4:new.test"}, statusServers(st.Statuses))
	assert.Equal(t, STATUS_SUCCESS, st.Statuses[0].StatusMessage, "same hostname keeps status")
	assert.Equal(t, STATUS_NOTCHECKED, st.Statuses[1].StatusMessage)
	assert.Nil(t, st.Statuses[1].OffsetSeconds)
	assert.Equal(t, STATUS_NOTCHECKED, st.Statuses[2].StatusMessage)

	saved := f.store.Load()
	assert.Equal(t, []string{"PRIMARY.test", "renamed.test", "", "", "new.test"}, saved.Servers)

	err := f.dut.SetSlotHostname(3, "bad host!")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, ERR_INVALIDHOSTNAME, f.dut.State().SlotErrors[3])
	assert.False(t, f.dut.CanStart())
	assert.Equal(t, "bad host!", f.store.Load().Servers[3], "invalid edit is saved and reported")

	assert.ErrorIs(t, f.dut.SetSlotHostname(5, "x.test"), ErrSlotIndex)
	assert.ErrorIs(t, f.dut.SetSlotHostname(-1, "x.test"), ErrSlotIndex)
}

func TestNoConcurrentCycles(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{"primary.test": testNow}, nil)
	f.querier.block = make(chan struct{})
	f.querier.entered = make(chan string, 4)

	done := make(chan bool)
	go func() { done <- f.dut.SyncNow(context.Background()) }()
	<-f.querier.entered

	assert.False(t, f.dut.SyncNow(context.Background()))
	close(f.querier.block)
	assert.True(t, <-done)

	assert.Equal(t, 1, len(f.querier.Asked()))
	assert.Equal(t, 1, len(f.audit.Entries()))
}

func TestCancelRestoresStatus(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test", "secondary.test"}, map[string]time.Time{"primary.test": testNow}, nil)
	f.querier.block = make(chan struct{})
	f.querier.entered = make(chan string, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() { done <- f.dut.SyncNow(ctx) }()
	<-f.querier.entered
	assert.Equal(t, STATUS_CHECKING, f.dut.State().Statuses[0].StatusMessage)
	cancel()
	<-done

	st := f.dut.State()
	assert.Equal(t, STATUS_NOTCHECKED, st.Statuses[0].StatusMessage)
	assert.Equal(t, []string{"primary.test"}, f.querier.Asked(), "remaining servers skipped")
	assert.Equal(t, 0, len(f.audit.Entries()))
	assert.Eventually(t, func() bool { return len(f.notifier.Outcomes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, OutcomeCancelled, f.notifier.Outcomes()[0].Kind)
}

func TestStopCancelsCycleInFlight(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{"primary.test": testNow}, nil)
	f.querier.block = make(chan struct{})
	f.querier.entered = make(chan string, 4)

	require.True(t, f.dut.Start())
	<-f.querier.entered
	f.dut.Stop()
	assert.Eventually(t, func() bool { return len(f.notifier.Outcomes()) == 1 }, time.Second, time.Millisecond)
	st := f.dut.State()
	assert.Equal(t, OutcomeCancelled, f.notifier.Outcomes()[0].Kind)
	assert.Equal(t, MSG_STOPPED, st.StatusMessage)
	assert.Equal(t, STATUS_NOTCHECKED, st.Statuses[0].StatusMessage)
}

func TestRestartRunsImmediateCycle(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{"primary.test": testNow}, nil)
	f.querier.block = make(chan struct{})
	f.querier.entered = make(chan string, 4)

	require.True(t, f.dut.Start())
	<-f.querier.entered
	f.dut.Stop()
	require.True(t, f.dut.Start())
	select {
	case host := <-f.querier.entered:
		assert.Equal(t, "primary.test", host)
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle after restart")
	}
	close(f.querier.block)
	assert.Eventually(t, func() bool {
		return f.dut.State().Statuses[0].StatusMessage == STATUS_SUCCESS
	}, 2*time.Second, time.Millisecond)
}

func TestCyclePanicIsContained(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{"primary.test": testNow}, nil)
	f.querier.panicOn = "primary.test"

	assert.True(t, f.dut.SyncNow(context.Background()))
	st := f.dut.State()
	assert.Contains(t, st.GlobalWarning, "querier exploded")
	assert.Equal(t, STATUS_NOTCHECKED, st.Statuses[0].StatusMessage)

	f.querier.panicOn = ""
	assert.True(t, f.dut.SyncNow(context.Background()))
	assert.Equal(t, STATUS_SUCCESS, f.dut.State().Statuses[0].StatusMessage)

	assert.Eventually(t, func() bool { return len(f.notifier.Outcomes()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, OutcomeAborted, f.notifier.Outcomes()[0].Kind)
	assert.Equal(t, OutcomeCompleted, f.notifier.Outcomes()[1].Kind)
}

func TestAuditFailureIsDegraded(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{"primary.test": testNow}, nil)
	f.audit.err = errors.New("disk full")

	f.dut.SyncNow(context.Background())
	st := f.dut.State()
	assert.Equal(t, STATUS_SUCCESS, st.Statuses[0].StatusMessage)
	assert.Equal(t, "Audit log unavailable: disk full", st.DegradedWarning)

	f.audit.err = nil
	f.dut.SyncNow(context.Background())
	assert.Equal(t, "", f.dut.State().DegradedWarning)
}

func TestInitializeRestoresSnapshot(t *testing.T) {
	memconf := fixregsto.MemloopConf{RecordSize: RECORDSIZE_STATUS, MaxRecords: 16}
	mem, errMem := memconf.InitMemLoop()
	require.NoError(t, errMem)
	db, errDb := CreateStatusDb(&mem)
	require.NoError(t, errDb)

	earlier := testNow.Add(-time.Hour)
	require.NoError(t, db.Record(checkedStatus(0, "primary.test", earlier, 0.125)))
	require.NoError(t, db.Record(checkedStatus(1, "old.test", earlier, 0.5)))

	f := newMonitorFixture(t, []string{"primary.test", "new.test", "", "", "", "overflow.test"}, map[string]time.Time{"primary.test": testNow}, func(s *Settings, opt *Options) {
		opt.Snapshot = db
		s.IntervalSeconds = -3
	})

	st := f.dut.State()
	assert.Equal(t, SLOTCOUNT, len(st.Slots), "extra servers are truncated")
	assert.Equal(t, MINIMUMINTERVALSECONDS, st.IntervalSeconds)
	require.Equal(t, 2, len(st.Statuses))
	require.NotNil(t, st.Statuses[0].OffsetSeconds)
	assert.Equal(t, 0.125, *st.Statuses[0].OffsetSeconds)
	assert.True(t, earlier.Equal(*st.Statuses[0].LastChecked))
	assert.Equal(t, STATUS_NOTCHECKED, st.Statuses[1].StatusMessage, "hostname changed, snapshot not used")

	f.dut.SyncNow(context.Background())
	latest, found := db.Latest(0, "primary.test")
	require.True(t, found)
	assert.Equal(t, 0.0, *latest.OffsetSeconds)
	latest, found = db.Latest(1, "new.test")
	require.True(t, found)
	assert.True(t, latest.HasError)
}

func TestStateIsCopy(t *testing.T) {
	f := newMonitorFixture(t, []string{"primary.test"}, map[string]time.Time{"primary.test": testNow}, nil)
	f.dut.SyncNow(context.Background())
	st := f.dut.State()
	*st.Statuses[0].OffsetSeconds = 99
	st.Slots[0].Hostname = "changed"
	again := f.dut.State()
	assert.Equal(t, 0.0, *again.Statuses[0].OffsetSeconds)
	assert.Equal(t, "primary.test", again.Slots[0].Hostname)
}

func TestQuerierDefaults(t *testing.T) {
	log, _ := test.NewNullLogger()
	dut := NewMonitor(Options{Log: log})
	defer dut.Close()
	assert.IsType(t, &timesync.SntpClient{}, dut.querier, "usable without Initialize")

	s := DefaultSettings()
	s.Protocol = PROTOCOL_NTP
	fromSettings := NewMonitor(Options{Settings: NewMemorySettingsStore(s), Log: log})
	defer fromSettings.Close()
	require.NoError(t, fromSettings.Initialize())
	assert.IsType(t, &timesync.FullClient{}, fromSettings.querier)

	given := &fakeQuerier{}
	explicit := NewMonitor(Options{Querier: given, Settings: NewMemorySettingsStore(s), Log: log})
	defer explicit.Close()
	require.NoError(t, explicit.Initialize())
	assert.Same(t, given, explicit.querier)
}
