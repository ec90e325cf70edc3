package timesync

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

//NtpSync gives offset from first server answering. Servers are tried in listed order
type NtpSync struct {
	Servers      []string
	QueryTimeout time.Duration
	Shuffle      bool //Spread load over pool servers instead of priority order
	Client       Querier
	Now          func() time.Time //nil means time.Now
}

func GetDefaultNTP() NtpSync {
	return NtpSync{
		Servers:      []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org", "3.pool.ntp.org"},
		QueryTimeout: DEFAULTTIMEOUT,
		Client:       NewSntpClient(),
	}
}

func (p *NtpSync) pickServerList() []string {
	result := make([]string, 0, len(p.Servers))
	for _, s := range p.Servers {
		if strings.TrimSpace(s) != "" {
			result = append(result, strings.TrimSpace(s))
		}
	}
	if !p.Shuffle {
		return result
	}
	for i := len(result) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		result[i], result[j] = result[j], result[i]
	}
	return result
}

func (p *NtpSync) GetOffset(ctx context.Context) (time.Duration, error) {
	if p.QueryTimeout < time.Millisecond*100 {
		p.QueryTimeout = DEFAULTTIMEOUT
	}
	client := p.Client
	if client == nil {
		client = NewSntpClient()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	lst := p.pickServerList()
	if len(lst) == 0 {
		return 0, fmt.Errorf("%w: no servers", ErrInvalidInput)
	}
	errList := []string{}
	for i, name := range lst {
		resp, err := client.Query(ctx, name, p.QueryTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			errList = append(errList, fmt.Sprintf("server:%v name:%s error: %s", i, name, err))
			continue
		}
		return resp.ServerTime.Sub(now()), nil
	}

	return 0, fmt.Errorf("failed NTP servers [%s]", strings.Join(errList, ","))
}
