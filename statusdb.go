/*
StatusDb is conversion layer for storing status records to disk.
Content is persisted with fixregsto and latest records are cached in memory.
*/

package timekeeper

import (
	"fmt"
	"sync"

	"github.com/hjkoskel/fixregsto"
)

//SnapshotStore keeps latest completed status per slot over restarts
type SnapshotStore interface {
	Record(st ServerStatus) error
	Latest(slot int, host string) (ServerStatus, bool)
}

type StatusDb struct {
	mu  sync.Mutex
	sto fixregsto.FixRegSto
	mem StatusRecordList //Compacted, latest per slot and host
}

//CreateStatusDb restores content from FixRegSto storage
func CreateStatusDb(storage fixregsto.FixRegSto) (*StatusDb, error) {
	raw, readErr := storage.ReadAll()
	if readErr != nil {
		return nil, fmt.Errorf("error on ReadAll on CreateStatusDb err=%v", readErr.Error())
	}
	mem, errParse := ParseStatusRecordList(raw)
	if errParse != nil {
		return nil, fmt.Errorf("status snapshot corrupted: %w", errParse)
	}
	return &StatusDb{sto: storage, mem: mem.Compact()}, nil
}

func (p *StatusDb) Insert(r StatusRecord) error {
	binarr, errbin := r.ToBinary()
	if errbin != nil {
		return fmt.Errorf("Insert error, binary coding %#v failed %v", r, errbin)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, errWrite := p.sto.Write(binarr)
	if errWrite != nil {
		return errWrite
	}
	p.mem = append(p.mem, r).Compact()
	return nil
}

func (p *StatusDb) Record(st ServerStatus) error {
	r, err := StatusToRecord(st)
	if err != nil {
		return err
	}
	return p.Insert(r)
}

func (p *StatusDb) Latest(slot int, host string) (ServerStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, found := p.mem.Latest(int32(slot), host)
	if !found {
		return ServerStatus{}, false
	}
	return r.ToStatus(), true
}

func (p *StatusDb) All() StatusRecordList {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(StatusRecordList, len(p.mem))
	copy(result, p.mem)
	return result
}

func (p *StatusDb) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mem.Len()
}
