package timekeeper

import (
	"strings"
	"testing"
	"time"

	"github.com/hjkoskel/fixregsto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkedStatus(slot int, host string, at time.Time, offset float64) ServerStatus {
	return ServerStatus{SlotIndex: slot, Server: host, LastChecked: &at, OffsetSeconds: &offset, StatusMessage: STATUS_SUCCESS}
}

func TestStatusDb(t *testing.T) {
	memconf := fixregsto.MemloopConf{
		RecordSize: RECORDSIZE_STATUS,
		MaxRecords: 8,
	}
	mem, memCreateErr := memconf.InitMemLoop()
	require.NoError(t, memCreateErr)

	dut, errCreate := CreateStatusDb(&mem)
	require.NoError(t, errCreate)
	assert.Equal(t, 0, dut.Len())

	t0 := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, dut.Record(checkedStatus(0, "primary.test", t0, 0.5)))
	require.NoError(t, dut.Record(checkedStatus(2, "secondary.test", t0, -0.25)))
	require.NoError(t, dut.Record(checkedStatus(0, "primary.test", t0.Add(time.Minute), 0.75)))
	assert.Equal(t, 2, dut.Len())

	latest, found := dut.Latest(0, "PRIMARY.test")
	require.True(t, found)
	assert.Equal(t, 0.75, *latest.OffsetSeconds)
	assert.True(t, t0.Add(time.Minute).Equal(*latest.LastChecked))

	_, found = dut.Latest(1, "primary.test")
	assert.False(t, found)

	assert.Error(t, dut.Record(notCheckedStatus(1, "x.test")))

	//Restore from same storage
	restored, errRestore := CreateStatusDb(&mem)
	require.NoError(t, errRestore)
	assert.Equal(t, dut.All(), restored.All())
}

func TestStatusDbLongHostname(t *testing.T) {
	memconf := fixregsto.MemloopConf{
		RecordSize: RECORDSIZE_STATUS,
		MaxRecords: 4,
	}
	mem, memCreateErr := memconf.InitMemLoop()
	require.NoError(t, memCreateErr)
	dut, errCreate := CreateStatusDb(&mem)
	require.NoError(t, errCreate)

	host := strings.Repeat("timeserver-", 20) + "example.test"
	require.Less(t, 63, len(host))
	t0 := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, dut.Record(checkedStatus(1, host, t0, 0.125)))

	latest, found := dut.Latest(1, host)
	require.True(t, found)
	assert.Equal(t, 0.125, *latest.OffsetSeconds)
}
