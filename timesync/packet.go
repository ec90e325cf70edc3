/*
SNTP packet layout

Only the fields the client needs are handled. Request is 48 bytes where the first
byte is LI=0, VN=3, Mode=3 (client). Reply transmit timestamp is at byte 40 as
32.32 fixed point seconds since 1900-01-01T00:00:00Z, big endian.
*/
package timesync

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	PACKETSIZE     = 48
	CLIENTREQUEST  = 0x1B
	TRANSMITOFFSET = 40
)

//Seconds from NTP epoch 1900 to unix epoch 1970
const ntpEpochOffset = 2208988800

var NtpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

//Timestamp is NTP 32.32 fixed point time. High word seconds, low word fraction (2^-32 s)
type Timestamp uint64

func (p Timestamp) Seconds() uint32 {
	return uint32(p >> 32)
}

func (p Timestamp) Fraction() uint32 {
	return uint32(p)
}

//Millis is milliseconds since NTP epoch, fraction part is floored
func (p Timestamp) Millis() uint64 {
	return uint64(p.Seconds())*1000 + (uint64(p.Fraction())*1000)>>32
}

//MillisTime adds Millis() to NTP epoch. Millisecond resolution
func (p Timestamp) MillisTime() time.Time {
	return NtpEpoch.Add(time.Duration(p.Millis()) * time.Millisecond)
}

//Time converts to UTC instant with nanosecond resolution
func (p Timestamp) Time() time.Time {
	nanos := (uint64(p.Fraction()) * 1e9) >> 32
	return time.Unix(int64(p.Seconds())-ntpEpochOffset, int64(nanos)).UTC()
}

//EncodeTimestamp is reference encoder. Fraction is rounded up so Time() gives back exactly t
func EncodeTimestamp(t time.Time) (Timestamp, error) {
	secs := t.Unix() + ntpEpochOffset
	if secs < 0 || math.MaxUint32 < secs {
		return 0, fmt.Errorf("%w: time %v outside NTP era 0", ErrInvalidInput, t)
	}
	frac := (uint64(t.Nanosecond())<<32 + 999999999) / 1000000000
	return Timestamp(uint64(secs)<<32 | frac), nil
}

//NewRequest creates client request packet
func NewRequest() []byte {
	req := make([]byte, PACKETSIZE)
	req[0] = CLIENTREQUEST
	return req
}

//PutTransmitTimestamp writes transmit timestamp field. Used by servers and tests
func PutTransmitTimestamp(packet []byte, ts Timestamp) error {
	if len(packet) < PACKETSIZE {
		return fmt.Errorf("%w: packet is %v bytes", ErrMalformedResponse, len(packet))
	}
	binary.BigEndian.PutUint64(packet[TRANSMITOFFSET:TRANSMITOFFSET+8], uint64(ts))
	return nil
}

//ExtractTimestamp picks transmit timestamp from reply
func ExtractTimestamp(reply []byte) (Timestamp, error) {
	if len(reply) < PACKETSIZE {
		return 0, fmt.Errorf("%w: reply is %v bytes, need %v", ErrMalformedResponse, len(reply), PACKETSIZE)
	}
	return Timestamp(binary.BigEndian.Uint64(reply[TRANSMITOFFSET : TRANSMITOFFSET+8])), nil
}
