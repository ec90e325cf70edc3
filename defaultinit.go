/*
Default monitor

Helper function that does initialization that is good enough for many use cases.
Settings are kept in yaml file, audit log in daily files and latest status of
each server in fixed record storage.
*/
package timekeeper

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjkoskel/fixregsto"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULTSETTINGSFILE   = "settings.yaml"
	DEFAULTDBFILE_STATUS  = "status.snap"
	DEFAULTSTATEDIR       = "/var/lib/timekeeper"
	DEFAULTAUDITDIR       = "/var/log/timekeeper"
	STATUSDB_MAXFILECOUNT = 4
	STATUSDB_FILEMAXSIZE  = RECORDSIZE_STATUS * 64
)

type DefaultConfig struct {
	SettingsFile string //Empty is DEFAULTSETTINGSFILE under StateDir
	StateDir     string
	AuditDir     string
	Notifier     Notifier
	Log          logrus.FieldLogger
}

//CreateStatusFileDb opens snapshot storage from directory
func CreateStatusFileDb(dir string) (*StatusDb, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("status snapshot dir error %v", err)
	}
	conf := fixregsto.FileStorageConf{
		Name:         DEFAULTDBFILE_STATUS,
		RecordSize:   RECORDSIZE_STATUS,
		MaxFileCount: STATUSDB_MAXFILECOUNT,
		FileMaxSize:  STATUSDB_FILEMAXSIZE,
		Path:         dir,
	}
	sto, errInit := conf.InitFileStorage()
	if errInit != nil {
		return nil, fmt.Errorf("status snapshot init error %v", errInit)
	}
	return CreateStatusDb(&sto)
}

/*
CreateDefaultMonitor creates monitor that is good for linux host use.
This function acts also as example use. Corrupted status snapshot is not fatal,
monitor starts without restored statuses.
*/
func CreateDefaultMonitor(conf DefaultConfig) (*Monitor, error) {
	if conf.StateDir == "" {
		conf.StateDir = DEFAULTSTATEDIR
	}
	if conf.AuditDir == "" {
		conf.AuditDir = DEFAULTAUDITDIR
	}
	if conf.SettingsFile == "" {
		conf.SettingsFile = filepath.Join(conf.StateDir, DEFAULTSETTINGSFILE)
	}
	if conf.Log == nil {
		conf.Log = logrus.StandardLogger()
	}

	opt := Options{
		Settings: &FileSettingsStore{Path: conf.SettingsFile, Log: conf.Log.WithField("module", "settings")},
		Audit:    NewAuditLog(conf.AuditDir),
		Notifier: conf.Notifier,
		Log:      conf.Log,
	}

	statusDb, errDb := CreateStatusFileDb(conf.StateDir)
	if errDb != nil {
		conf.Log.WithError(errDb).Warn("status snapshot not available")
	} else {
		opt.Snapshot = statusDb
	}

	result := NewMonitor(opt)
	if err := result.Initialize(); err != nil {
		return nil, fmt.Errorf("monitor initialize error %v", err)
	}
	return result, nil
}
