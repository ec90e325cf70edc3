package timekeeper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hjkoskel/timekeeper/timesync"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsMissingFile(t *testing.T) {
	log, hook := test.NewNullLogger()
	store := FileSettingsStore{Path: filepath.Join(t.TempDir(), "nothere.yaml"), Log: log}
	s := store.Load()
	assert.Equal(t, DefaultSettings(), s)
	assert.Equal(t, "pool.ntp.org", s.Servers[0])
	assert.Equal(t, 60, s.IntervalSeconds)
	require.NotNil(t, hook.LastEntry())
}

func TestSettingsCorruptFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(fname, []byte("servers: [unclosed\n\t:::"), 0644))
	log, hook := test.NewNullLogger()
	store := FileSettingsStore{Path: fname, Log: log}
	assert.Equal(t, DefaultSettings(), store.Load())
	assert.Contains(t, hook.LastEntry().Message, "corrupted")
}

func TestSettingsSaveLoad(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "sub", "settings.yaml")
	log, _ := test.NewNullLogger()
	store := FileSettingsStore{Path: fname, Log: log}

	s := DefaultSettings()
	s.Servers = []string{"primary.test", "", "secondary.test", "", ""}
	s.IntervalSeconds = 5
	s.FirstResponder = true
	s.Protocol = PROTOCOL_NTP
	require.NoError(t, store.Save(s))

	assert.Equal(t, s, store.Load())

	entries, errDir := os.ReadDir(filepath.Dir(fname))
	require.NoError(t, errDir)
	assert.Equal(t, 1, len(entries), "temp file left behind")
}

func TestSettingsPartialFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(fname, []byte("servers:\n  - primary.test\nquery_timeout_ms: -5\nprotocol: \" NTP \"\n"), 0644))
	log, _ := test.NewNullLogger()
	s := (&FileSettingsStore{Path: fname, Log: log}).Load()
	assert.Equal(t, []string{"primary.test"}, s.Servers)
	assert.Equal(t, DEFAULTINTERVALSECONDS, s.IntervalSeconds)
	assert.Equal(t, DEFAULTQUERYTIMEOUTMS, s.QueryTimeoutMs)
	assert.Equal(t, PROTOCOL_NTP, s.Protocol)

	slots := s.Slots(3)
	assert.Equal(t, []ServerSlot{{0, "primary.test"}, {1, ""}, {2, ""}}, slots)
}

func TestQuerierForProtocol(t *testing.T) {
	q, err := QuerierForProtocol("sntp")
	require.NoError(t, err)
	assert.IsType(t, &timesync.SntpClient{}, q)

	q, err = QuerierForProtocol("NTP")
	require.NoError(t, err)
	assert.IsType(t, &timesync.FullClient{}, q)

	_, err = QuerierForProtocol("ptp")
	assert.Error(t, err)
}

func TestMemorySettingsStore(t *testing.T) {
	store := NewMemorySettingsStore(DefaultSettings())
	s := store.Load()
	s.Servers[0] = "changed.test"
	assert.Equal(t, "pool.ntp.org", store.Load().Servers[0])
	require.NoError(t, store.Save(s))
	assert.Equal(t, "changed.test", store.Load().Servers[0])
	assert.Equal(t, 1, store.Saves())
}
