/*
Settings

Persisted monitor configuration. Missing or corrupt settings file is not an
error, defaults are used instead so monitor is always startable with primary
server populated.
*/
package timekeeper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hjkoskel/timekeeper/timesync"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	SLOTCOUNT               = 5
	DEFAULTINTERVALSECONDS  = 60
	DEFAULTQUERYTIMEOUTMS   = 3000
	DEFAULTDRIFTALLOWANCEMS = 1000
)

const (
	PROTOCOL_SNTP = "sntp"
	PROTOCOL_NTP  = "ntp"
)

type Settings struct {
	Servers          []string `yaml:"servers"`
	IntervalSeconds  int      `yaml:"interval_seconds"`
	QueryTimeoutMs   int      `yaml:"query_timeout_ms"`
	AdjustClock      bool     `yaml:"adjust_clock"`
	DriftAllowanceMs int      `yaml:"drift_allowance_ms"`
	FirstResponder   bool     `yaml:"first_responder"` //Stop cycle at first answering server
	Protocol         string   `yaml:"protocol"`        //sntp or ntp
}

func DefaultSettings() Settings {
	return Settings{
		Servers:          []string{"pool.ntp.org", "time.google.com", "", "", ""},
		IntervalSeconds:  DEFAULTINTERVALSECONDS,
		QueryTimeoutMs:   DEFAULTQUERYTIMEOUTMS,
		AdjustClock:      true,
		DriftAllowanceMs: DEFAULTDRIFTALLOWANCEMS,
		Protocol:         PROTOCOL_SNTP,
	}
}

func (p Settings) QueryTimeout() time.Duration {
	return time.Duration(p.QueryTimeoutMs) * time.Millisecond
}

func (p Settings) DriftAllowance() time.Duration {
	return time.Duration(p.DriftAllowanceMs) * time.Millisecond
}

//Clone copies, server list is not shared
func (p Settings) Clone() Settings {
	result := p
	result.Servers = append([]string{}, p.Servers...)
	return result
}

//Slots pads or truncates server list to n slots. Hostnames are trimmed
func (p Settings) Slots(n int) []ServerSlot {
	result := make([]ServerSlot, n)
	for i := range result {
		result[i].Index = i
		if i < len(p.Servers) {
			result[i].Hostname = NormalizeHostname(p.Servers[i])
		}
	}
	return result
}

//applyDefaults fixes values that can not be used as is. Interval is left to monitor
func (p *Settings) applyDefaults() {
	d := DefaultSettings()
	if p.QueryTimeoutMs <= 0 {
		p.QueryTimeoutMs = d.QueryTimeoutMs
	}
	if p.DriftAllowanceMs < 0 {
		p.DriftAllowanceMs = d.DriftAllowanceMs
	}
	p.Protocol = strings.ToLower(strings.TrimSpace(p.Protocol))
	if p.Protocol == "" {
		p.Protocol = d.Protocol
	}
}

//QuerierForProtocol picks time source client by settings protocol name
func QuerierForProtocol(protocol string) (timesync.Querier, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case PROTOCOL_SNTP, "":
		return timesync.NewSntpClient(), nil
	case PROTOCOL_NTP:
		return &timesync.FullClient{Version: 4}, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", protocol)
}

type SettingsStore interface {
	Load() Settings
	Save(s Settings) error
}

//FileSettingsStore keeps settings in yaml file. Save replaces file atomically
type FileSettingsStore struct {
	Path string
	Log  logrus.FieldLogger
}

func (p *FileSettingsStore) log() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.StandardLogger().WithField("module", "settings")
	}
	return p.Log
}

func (p *FileSettingsStore) Load() Settings {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			p.log().WithField("path", p.Path).Info("settings file not found, using defaults")
		} else {
			p.log().WithError(err).Warn("reading settings failed, using defaults")
		}
		return DefaultSettings()
	}
	result := DefaultSettings()
	if errParse := yaml.Unmarshal(data, &result); errParse != nil {
		p.log().WithError(errParse).WithField("path", p.Path).Warn("settings file corrupted, using defaults")
		return DefaultSettings()
	}
	result.applyDefaults()
	return result
}

func (p *FileSettingsStore) Save(s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	dir := filepath.Dir(p.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := f.Name()
	_, errWrite := f.Write(data)
	errClose := f.Close()
	if errWrite != nil || errClose != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write settings: write=%v close=%v", errWrite, errClose)
	}
	if err := os.Rename(tmpName, p.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

//MemorySettingsStore is volatile store, for one shot commands and testing
type MemorySettingsStore struct {
	mu       sync.Mutex
	settings Settings
	saves    int
}

func NewMemorySettingsStore(s Settings) *MemorySettingsStore {
	return &MemorySettingsStore{settings: s.Clone()}
}

func (p *MemorySettingsStore) Load() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.Clone()
}

func (p *MemorySettingsStore) Save(s Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s.Clone()
	p.saves++
	return nil
}

func (p *MemorySettingsStore) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
