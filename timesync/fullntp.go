package timesync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/beevik/ntp"
)

/*
FullClient queries with full NTP implementation and rejects replies failing
validation (stratum, leap, kiss codes).

Library does not expose resolved peer, so Reply.Address is the queried host.
Query can not be interrupted: ctx is checked before and after the exchange,
timeout bounds how long cancelled query keeps running.
*/
type FullClient struct {
	Version int //0 means library default
}

func (p *FullClient) Query(ctx context.Context, host string, timeout time.Duration) (Reply, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Reply{}, fmt.Errorf("%w: host is blank", ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = DEFAULTTIMEOUT
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout, Version: p.Version})
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return Reply{}, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, host, err)
		}
		return Reply{}, fmt.Errorf("%w: %s: %v", ErrTransport, host, err)
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err //Cancelled while waiting, reply is stale
	}
	if errValid := resp.Validate(); errValid != nil {
		return Reply{}, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, host, errValid)
	}
	return Reply{Host: host, Address: host, ServerTime: resp.Time.UTC()}, nil
}
