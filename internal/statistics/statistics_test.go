package statistics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbk201/netprobe/internal/pktmatch"
)

var (
	lan = &pktmatch.Iface{Name: "br-lan"}
	wan = &pktmatch.Iface{Name: "eth0"}
)

func TestRecorderSnapshot(t *testing.T) {
	table := pktmatch.NewTable()
	r := New("", 0)
	require.NoError(t, r.Start(table))
	assert.Equal(t, 1, table.Len())
	assert.Empty(t, r.Snapshot())

	start := time.Unix(1700000000, 0)
	table.CycleComplete(&pktmatch.IfaceStats{
		Iface: wan, Start: start, Interval: 10 * time.Second,
		Packets: 100, BytesIn: 10000, BytesOut: 2500, CapPackets: 102, CapDrops: 2,
	})
	table.CycleComplete(&pktmatch.IfaceStats{
		Iface: lan, Start: start, Interval: 10 * time.Second,
		Packets: 10, BytesIn: 1000,
	})
	table.CycleComplete(&pktmatch.IfaceStats{
		Iface: lan, Start: start.Add(10 * time.Second), Interval: 10 * time.Second,
		Packets: 20, BytesIn: 2000, BytesOut: 500, CapDrops: 1,
	})

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	assert.Equal(t, "br-lan", snap[0].Iface)
	assert.Equal(t, start.Add(10*time.Second), snap[0].Start)
	assert.Equal(t, uint64(20), snap[0].Packets)
	assert.Equal(t, uint64(1600), snap[0].RateIn)
	assert.Equal(t, uint64(400), snap[0].RateOut)
	assert.Equal(t, uint64(30), snap[0].TotalPackets)
	assert.Equal(t, uint64(3500), snap[0].TotalBytes)
	assert.Equal(t, uint64(1), snap[0].TotalDrops)
	assert.Equal(t, uint64(2), snap[0].Intervals)

	assert.Equal(t, "eth0", snap[1].Iface)
	assert.Equal(t, uint64(2), snap[1].CapDrops)
	assert.Equal(t, uint64(8000), snap[1].RateIn)

	// Frames never reach an interval-only rule.
	table.Dispatch(&pktmatch.Frame{Iface: lan, Data: make([]byte, 60)})

	require.NoError(t, r.Close())
	assert.Zero(t, table.Len())
	require.NoError(t, r.Close())
}

func TestRecorderZeroInterval(t *testing.T) {
	table := pktmatch.NewTable()
	r := New("", 0)
	require.NoError(t, r.Start(table))
	defer r.Close()

	table.CycleComplete(&pktmatch.IfaceStats{Packets: 3, BytesIn: 300})
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "pcap", snap[0].Iface)
	assert.Zero(t, snap[0].RateIn)
}

// A final interval cut short at shutdown reports the time it covered, so
// its rates are not diluted by the configured period.
func TestRecorderPartialInterval(t *testing.T) {
	table := pktmatch.NewTable()
	r := New("", 0)
	require.NoError(t, r.Start(table))
	defer r.Close()

	table.CycleComplete(&pktmatch.IfaceStats{
		Iface: lan, Interval: 2500 * time.Millisecond,
		Packets: 4, BytesIn: 1000, BytesOut: 250,
	})
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2500*time.Millisecond, snap[0].Interval)
	assert.Equal(t, uint64(3200), snap[0].RateIn)
	assert.Equal(t, uint64(800), snap[0].RateOut)
}

func TestRecorderDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats")
	table := pktmatch.NewTable()
	r := New(path, 20*time.Millisecond)
	require.NoError(t, r.Start(table))

	table.CycleComplete(&pktmatch.IfaceStats{
		Iface: lan, Interval: time.Second,
		Packets: 5, BytesIn: 100, BytesOut: 50, CapDrops: 1,
	})

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, r.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "br-lan 5 100 50 800 400 1 5 150\n", string(data))
}

func TestRecorderDumpError(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "missing", "stats"), time.Second)
	assert.Error(t, r.Dump())
}
