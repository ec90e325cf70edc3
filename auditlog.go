/*
Audit log

One line per check attempt. File name is derived from UTC date so log rotates
daily. No size limit is enforced here.

	2024-01-01T08:00:00.123456789+02:00,pool.ntp.org,0.012345,Success
*/
package timekeeper

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	AUDITFILEPREFIX    = "timechecks-"
	AUDITFILEEXTENSION = ".log"
)

type AuditLogger interface {
	Append(ctx context.Context, ts time.Time, server string, offsetSeconds *float64, status string) error
}

//AuditLog appends to daily files under Dir. Appends to same file are serialized
type AuditLog struct {
	Dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAuditLog(dir string) *AuditLog {
	return &AuditLog{Dir: dir, locks: make(map[string]*sync.Mutex)}
}

//AuditFileName for timestamp, based on UTC calendar day
func AuditFileName(ts time.Time) string {
	return AUDITFILEPREFIX + ts.UTC().Format("20060102") + AUDITFILEEXTENSION
}

//FormatAuditLine creates one line with newline at end. Fields with separators are quoted
func FormatAuditLine(ts time.Time, server string, offsetSeconds *float64, status string) (string, error) {
	offsetText := ""
	if offsetSeconds != nil {
		offsetText = fmt.Sprintf("%.6f", *offsetSeconds)
	}
	status = strings.NewReplacer("\r", " ", "\n", " ").Replace(status)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{ts.Format(time.RFC3339Nano), server, offsetText, status}); err != nil {
		return "", err
	}
	w.Flush()
	return buf.String(), w.Error()
}

func (p *AuditLog) lockFor(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	return l
}

func (p *AuditLog) Append(ctx context.Context, ts time.Time, server string, offsetSeconds *float64, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, errLine := FormatAuditLine(ts, server, offsetSeconds, status)
	if errLine != nil {
		return fmt.Errorf("formatting audit line failed %w", errLine)
	}

	path := filepath.Join(p.Dir, AuditFileName(ts))
	l := p.lockFor(path)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("audit log dir %s: %w", p.Dir, err)
	}
	f, errOpen := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if errOpen != nil {
		return fmt.Errorf("audit log open: %w", errOpen)
	}
	_, errWrite := f.WriteString(line)
	errClose := f.Close()
	if errWrite != nil {
		return fmt.Errorf("audit log write %s: %w", path, errWrite)
	}
	return errClose
}
