package timesync

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

//SntpClient is minimal NTP client. One 48 byte exchange per query, no retries
type SntpClient struct {
	Port     int          //Server port, 0 means NTPPORT
	Resolver *net.Resolver //nil means net.DefaultResolver
}

func NewSntpClient() *SntpClient {
	return &SntpClient{Port: NTPPORT}
}

/*
Query sends client request to host and returns transmit time of reply.

Timeout is set as deadline for both send and receive. Context is checked before
sending and cancelling it expires socket deadline, so blocked receive returns
right away. Worst case is still bounded by timeout.
*/
func (p *SntpClient) Query(ctx context.Context, host string, timeout time.Duration) (Reply, error) {
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

	ip, errResolve := p.resolve(ctx, host, timeout)
	if errResolve != nil {
		return Reply{}, errResolve
	}

	port := p.Port
	if port == 0 {
		port = NTPPORT
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, errDial := dialer.DialContext(ctx, "udp", addr)
	if errDial != nil {
		return Reply{}, transportError(ctx, addr, errDial)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Reply{}, transportError(ctx, addr, err)
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	if _, err := conn.Write(NewRequest()); err != nil {
		return Reply{}, transportError(ctx, addr, err)
	}

	buf := make([]byte, 512) //Extension fields are ignored
	n, errRead := conn.Read(buf)
	if errRead != nil {
		return Reply{}, transportError(ctx, addr, errRead)
	}

	ts, errTs := ExtractTimestamp(buf[:n])
	if errTs != nil {
		return Reply{}, fmt.Errorf("%s: %w", addr, errTs)
	}
	return Reply{Host: host, Address: addr, ServerTime: ts.Time()}, nil
}

func (p *SntpClient) resolve(ctx context.Context, host string, timeout time.Duration) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, host, err)
	}
	ip := PickAddress(addrs)
	if ip == nil {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolutionFailed, host)
	}
	return ip, nil
}

//PickAddress prefers first IPv4 address, otherwise first address. nil if none
func PickAddress(addrs []net.IPAddr) net.IP {
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP
		}
	}
	if 0 < len(addrs) {
		return addrs[0].IP
	}
	return nil
}

func transportError(ctx context.Context, addr string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, addr, err)
}
