/*
Status record list

Records are kept in insertion order. Clock can be stepped backwards by
adjustment so latest is decided by position, not by Checked.
*/

package timekeeper

import (
	"fmt"
	"strings"
)

type StatusRecordList []StatusRecord

//Len number of StatusRecords in list
func (e StatusRecordList) Len() int {
	return len(e)
}

//Less function for sorting by slot, keeps stable sort in insertion order inside slot
func (e StatusRecordList) Less(i, j int) bool {
	return e[i].SlotIndex < e[j].SlotIndex
}

//Swap function for sorting
func (e StatusRecordList) Swap(i, j int) {
	e[i], e[j] = e[j], e[i]
}

//Latest record for slot with same hostname (case insensitive)
func (p StatusRecordList) Latest(slot int32, host string) (StatusRecord, bool) {
	for i := len(p) - 1; 0 <= i; i-- {
		if p[i].SlotIndex == slot && strings.EqualFold(p[i].Host, host) {
			return p[i], true
		}
	}
	return StatusRecord{}, false
}

//Compact keeps only latest record of each slot and hostname pair, order is kept
func (p StatusRecordList) Compact() StatusRecordList {
	seen := make(map[string]bool)
	result := StatusRecordList{}
	for i := len(p) - 1; 0 <= i; i-- {
		key := fmt.Sprintf("%v/%s", p[i].SlotIndex, strings.ToLower(p[i].Host))
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, p[i])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

//String representation with newline at end
func (p StatusRecordList) String() string {
	var sb strings.Builder
	for _, a := range p {
		sb.WriteString(fmt.Sprintf("%v\t%s\t%v\t%v\t%s\n", a.SlotIndex, a.Host, a.Checked.Time().Format("2006-01-02 15:04:05"), a.OffsetNs, a.Message))
	}
	return sb.String()
}

//ParseStatusRecordList parses from raw byte array. Check length validity
func ParseStatusRecordList(raw []byte) (StatusRecordList, error) {
	if len(raw)%RECORDSIZE_STATUS != 0 {
		return StatusRecordList{}, fmt.Errorf("must be multiple of %v (len=%v)", RECORDSIZE_STATUS, len(raw))
	}

	result := make([]StatusRecord, len(raw)/RECORDSIZE_STATUS)
	for i := range result {
		var errParse error
		arr := raw[i*RECORDSIZE_STATUS : (i+1)*RECORDSIZE_STATUS]
		result[i], errParse = ParseStatusRecord(arr)
		if errParse != nil {
			return result, errParse
		}
	}
	return result, nil
}
