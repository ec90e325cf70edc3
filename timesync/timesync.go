/*
Timesync library for querying external time sources like NTP servers

Two Querier implementations are provided. SntpClient speaks the minimal client
side of the NTP wire format by itself. FullClient uses github.com/beevik/ntp and
validates the reply before accepting it.
*/
package timesync

import (
	"context"
	"errors"
	"time"
)

const (
	NTPPORT        = 123
	DEFAULTTIMEOUT = 3000 * time.Millisecond
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrResolutionFailed  = errors.New("resolution failed")
	ErrTransport         = errors.New("transport error")
	ErrMalformedResponse = errors.New("malformed response")
)

//Reply is result of one request/response exchange
type Reply struct {
	Host       string
	Address    string //Resolved address that answered
	ServerTime time.Time
}

//Querier asks time from one host. Implementations must not retry
type Querier interface {
	Query(ctx context.Context, host string, timeout time.Duration) (Reply, error)
}

type TimeSync interface {
	//Get difference to time now
	GetOffset(ctx context.Context) (time.Duration, error)
}
