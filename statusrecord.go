/*
Status record.

Fixed size binary presentation of one completed server check. Records are
appended to fixed record storage, latest record per slot and hostname is the
persisted status snapshot restored at startup.

Layout, little endian:
	0:4     slot index int32
	4:12    checked, ns since unix epoch
	12:20   offset in ns
	20      flags
	21:274  hostname, zero padded. Fits longest DNS name (253)
	274:370 status message, zero padded (truncated)
*/

package timekeeper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

type NsEpoch int64

const (
	RECORDSIZE_STATUS = 370
	HOSTFIELDSIZE     = 253
	MESSAGEFIELDSIZE  = 96
)

const (
	FLAG_HASOFFSET = 1 << iota
	FLAG_HASERROR
)

type StatusRecord struct {
	SlotIndex int32
	Checked   NsEpoch
	OffsetNs  int64
	Flags     uint8
	Host      string
	Message   string
}

//Time converts to time.Time in local zone
func (p NsEpoch) Time() time.Time {
	return time.Unix(0, int64(p)).Local()
}

//StatusToRecord converts completed check. Status without LastChecked can not be recorded
func StatusToRecord(st ServerStatus) (StatusRecord, error) {
	if st.LastChecked == nil {
		return StatusRecord{}, fmt.Errorf("status of slot %v is not checked", st.SlotIndex)
	}
	result := StatusRecord{
		SlotIndex: int32(st.SlotIndex),
		Checked:   NsEpoch(st.LastChecked.UnixNano()),
		Host:      st.Server,
		Message:   st.StatusMessage,
	}
	if st.OffsetSeconds != nil {
		result.Flags |= FLAG_HASOFFSET
		result.OffsetNs = int64(math.Round(*st.OffsetSeconds * 1e9))
	}
	if st.HasError {
		result.Flags |= FLAG_HASERROR
	}
	return result, nil
}

//ToStatus converts back to status
func (p *StatusRecord) ToStatus() ServerStatus {
	checked := p.Checked.Time()
	result := ServerStatus{
		SlotIndex:     int(p.SlotIndex),
		Server:        p.Host,
		LastChecked:   &checked,
		StatusMessage: p.Message,
		HasError:      p.Flags&FLAG_HASERROR != 0,
	}
	if p.Flags&FLAG_HASOFFSET != 0 {
		off := RoundOffset(time.Duration(p.OffsetNs))
		result.OffsetSeconds = &off
	}
	return result
}

//ToBinary creates binary presentation. Too long hostname is error, too long message is truncated
func (p *StatusRecord) ToBinary() ([]byte, error) {
	if HOSTFIELDSIZE < len(p.Host) {
		return nil, fmt.Errorf("ToBinary: hostname %v bytes, max %v", len(p.Host), HOSTFIELDSIZE)
	}
	if p.SlotIndex < 0 {
		return nil, fmt.Errorf("ToBinary: invalid slot %v", p.SlotIndex)
	}

	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, p.SlotIndex)
	if err != nil {
		return nil, err
	}
	err = binary.Write(buf, binary.LittleEndian, p.Checked)
	if err != nil {
		return nil, err
	}
	err = binary.Write(buf, binary.LittleEndian, p.OffsetNs)
	if err != nil {
		return nil, err
	}
	buf.WriteByte(p.Flags)
	buf.Write(padField(p.Host, HOSTFIELDSIZE))
	buf.Write(padField(truncateUTF8(p.Message, MESSAGEFIELDSIZE), MESSAGEFIELDSIZE))
	return buf.Bytes(), nil
}

//ParseStatusRecord parses StatusRecord from binary format
func ParseStatusRecord(raw []byte) (StatusRecord, error) {
	if len(raw) != RECORDSIZE_STATUS {
		return StatusRecord{}, fmt.Errorf("invalid size %v for status record", len(raw))
	}
	result := StatusRecord{
		SlotIndex: int32(binary.LittleEndian.Uint32(raw[0:4])),
		Checked:   NsEpoch(binary.LittleEndian.Uint64(raw[4:12])),
		OffsetNs:  int64(binary.LittleEndian.Uint64(raw[12:20])),
		Flags:     raw[20],
		Host:      unpadField(raw[21 : 21+HOSTFIELDSIZE]),
		Message:   unpadField(raw[21+HOSTFIELDSIZE : RECORDSIZE_STATUS]),
	}
	if result.SlotIndex < 0 {
		return result, fmt.Errorf("ParseStatusRecord: invalid slot %v", result.SlotIndex)
	}
	return result, nil
}

func padField(s string, size int) []byte {
	result := make([]byte, size)
	copy(result, s)
	return result
}

func unpadField(raw []byte) string {
	return strings.ToValidUTF8(string(bytes.TrimRight(raw, "\x00")), "")
}

func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	s = s[:maxBytes]
	for 0 < len(s) && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
