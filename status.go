/*
Status model

ServerStatus entries are owned by Monitor. Updates go through Apply that tells
if anything visible changed, so caller knows when observers need notification.
*/
package timekeeper

import (
	"math"
	"time"
)

const (
	STATUS_NOTCHECKED  = "Not checked"
	STATUS_CHECKING    = "Checking..."
	STATUS_SUCCESS     = "Success"
	STATUS_ERRORPREFIX = "Error: "
)

//ServerSlot is fixed configuration position. Slot 0 is primary
type ServerSlot struct {
	Index    int
	Hostname string
}

type ServerStatus struct {
	SlotIndex     int
	Server        string
	LastChecked   *time.Time //Local time of last completed check
	OffsetSeconds *float64   //Server minus local, 6 decimals
	StatusMessage string
	HasError      bool
}

func notCheckedStatus(slot int, server string) ServerStatus {
	return ServerStatus{SlotIndex: slot, Server: server, StatusMessage: STATUS_NOTCHECKED}
}

//Apply copies everything except SlotIndex from u. Returns true if something changed
func (p *ServerStatus) Apply(u ServerStatus) bool {
	changed := p.Server != u.Server ||
		p.StatusMessage != u.StatusMessage ||
		p.HasError != u.HasError ||
		!equalTimePtr(p.LastChecked, u.LastChecked) ||
		!equalFloatPtr(p.OffsetSeconds, u.OffsetSeconds)
	if !changed {
		return false
	}
	c := u.Clone()
	p.Server = c.Server
	p.LastChecked = c.LastChecked
	p.OffsetSeconds = c.OffsetSeconds
	p.StatusMessage = c.StatusMessage
	p.HasError = c.HasError
	return true
}

//Clone gives deep copy, pointers are not shared
func (p ServerStatus) Clone() ServerStatus {
	result := p
	if p.LastChecked != nil {
		t := *p.LastChecked
		result.LastChecked = &t
	}
	if p.OffsetSeconds != nil {
		f := *p.OffsetSeconds
		result.OffsetSeconds = &f
	}
	return result
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

//RoundOffset converts drift to seconds rounded to 6 decimal places
func RoundOffset(d time.Duration) float64 {
	return math.Round(d.Seconds()*1e6) / 1e6
}

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeNoServers
	OutcomeCancelled
	OutcomeAborted //Unexpected internal error, caught at cycle boundary
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeNoServers:
		return "no servers configured"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAborted:
		return "aborted"
	}
	return "unknown"
}

//SyncOutcome is result of one cycle. Transient, not persisted
type SyncOutcome struct {
	Kind        OutcomeKind
	CycleID     string
	AnyAnswered bool
	AllFailed   bool
	Adjusted    bool  //Clock was set during cycle
	AdjustErr   error //Clock set was attempted and failed
	Err         error //Set when Kind is OutcomeAborted
	CompletedAt time.Time
}
