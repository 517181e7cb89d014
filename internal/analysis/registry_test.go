package analysis

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestObserveIsIdempotentPerPeer(t *testing.T) {
	reg := NewRegistry()

	created, blocked := reg.Observe(Observation{RemoteIP: "93.184.216.34", RemotePort: 443, HasPort: true, Protocol: "TCP", Length: 60, Outgoing: true})
	assert.True(t, created)
	assert.False(t, blocked)

	created, _ = reg.Observe(Observation{RemoteIP: "93.184.216.34", RemotePort: 443, HasPort: true, Protocol: "TCP", Length: 1500, Outgoing: false})
	assert.False(t, created)

	require.Equal(t, 1, reg.Len())

	peer, ok := reg.Get("93.184.216.34")
	require.True(t, ok)
	assert.Equal(t, int64(60), peer.BytesSent)
	assert.Equal(t, int64(1500), peer.BytesReceived)
	assert.Equal(t, int64(1560), peer.BytesSent+peer.BytesReceived)
	assert.Equal(t, int64(1), peer.PacketsSent)
	assert.Equal(t, int64(1), peer.PacketsReceived)
	assert.Equal(t, []int{443}, peer.Ports)
	assert.Equal(t, []string{"TCP"}, peer.Protocols)
}

func TestObserveTimestamps(t *testing.T) {
	reg := NewRegistry()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	reg.SetClock(fixedClock(t0))
	reg.Observe(Observation{RemoteIP: "1.1.1.1", Length: 10, Outgoing: true})

	reg.SetClock(fixedClock(t0.Add(time.Minute)))
	reg.Observe(Observation{RemoteIP: "1.1.1.1", Length: 10, Outgoing: true})

	peer, _ := reg.Get("1.1.1.1")
	assert.Equal(t, t0, peer.FirstSeen)
	assert.Equal(t, t0.Add(time.Minute), peer.LastSeen)
}

func TestPortsGrowOnly(t *testing.T) {
	reg := NewRegistry()
	for _, p := range []int{443, 80, 443, 0, 8080} {
		reg.Observe(Observation{RemoteIP: "10.1.1.1", RemotePort: p, HasPort: true, Length: 1, Outgoing: true})
	}

	assert.Equal(t, []int{0, 80, 443, 8080}, reg.Ports("10.1.1.1"))
	assert.Nil(t, reg.Ports("10.9.9.9"))
}

func TestPortZeroRecordedOnlyWhenDecoded(t *testing.T) {
	reg := NewRegistry()

	reg.Observe(Observation{RemoteIP: "10.1.1.2", Protocol: "ICMP", Length: 1, Outgoing: true})
	assert.Empty(t, reg.Ports("10.1.1.2"), "no transport header, no port")

	reg.Observe(Observation{RemoteIP: "10.1.1.2", RemotePort: 0, HasPort: true, Protocol: "UDP", Length: 1, Outgoing: true})
	assert.Equal(t, []int{0}, reg.Ports("10.1.1.2"))
}

func TestGetOrCreateConcurrentSingleCreation(t *testing.T) {
	reg := NewRegistry()

	var creations atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, created := reg.GetOrCreate("203.0.113.7"); created {
				creations.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), creations.Load())
	assert.Equal(t, 1, reg.Len())
}

func TestConcurrentObserveSumsCounters(t *testing.T) {
	reg := NewRegistry()

	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				reg.Observe(Observation{RemoteIP: "8.8.8.8", Length: 2, Outgoing: true})
				_ = reg.Snapshot()
			}
		}()
	}
	wg.Wait()

	peer, _ := reg.Get("8.8.8.8")
	assert.Equal(t, int64(workers*perWorker*2), peer.BytesSent)
}

func TestSnapshotIsOrderedCopy(t *testing.T) {
	reg := NewRegistry()
	for _, ip := range []string{"10.0.0.20", "10.0.0.3", "9.9.9.9", "192.168.1.1"} {
		reg.Observe(Observation{RemoteIP: ip, RemotePort: 53, HasPort: true, Length: 1, Outgoing: true})
	}

	snap := reg.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, "9.9.9.9", snap[0].IP)
	assert.Equal(t, "10.0.0.3", snap[1].IP)
	assert.Equal(t, "10.0.0.20", snap[2].IP)
	assert.Equal(t, "192.168.1.1", snap[3].IP)

	snap[0].Ports[0] = 9999
	assert.Equal(t, []int{53}, reg.Ports("9.9.9.9"))
}

func TestSetHostnameAndMerge(t *testing.T) {
	reg := NewRegistry()

	assert.False(t, reg.SetHostname("1.2.3.4", "ghost"), "no entry, no write")

	reg.Observe(Observation{RemoteIP: "1.2.3.4", Length: 1, Outgoing: true})
	assert.True(t, reg.SetHostname("1.2.3.4", "one.example"))
	assert.True(t, reg.SetHostname("1.2.3.4", "two.example"))

	peer, _ := reg.Get("1.2.3.4")
	assert.Equal(t, "two.example", peer.Hostname)

	assert.False(t, reg.Merge("1.2.3.4", "scanner.example", 22))
	peer, _ = reg.Get("1.2.3.4")
	assert.Equal(t, "two.example", peer.Hostname, "merge never overwrites a resolved name")
	assert.Equal(t, []int{22}, peer.Ports)

	assert.True(t, reg.Merge("192.168.1.50", "nas.lan", 445, 139))
	peer, _ = reg.Get("192.168.1.50")
	assert.Equal(t, "nas.lan", peer.Hostname)
	assert.Equal(t, []int{139, 445}, peer.Ports)
}

func TestClearKeepsBlockedEntries(t *testing.T) {
	reg := NewRegistry()
	bl := NewBlockList(reg)

	reg.Observe(Observation{RemoteIP: "1.1.1.1", Length: 100, Outgoing: true})
	reg.Observe(Observation{RemoteIP: "2.2.2.2", Length: 100, Outgoing: true})
	_, err := bl.Block("2.2.2.2")
	require.NoError(t, err)

	reg.Clear()

	require.Equal(t, 1, reg.Len())
	peer, ok := reg.Get("2.2.2.2")
	require.True(t, ok)
	assert.True(t, peer.Blocked)
	assert.Zero(t, peer.BytesSent)
	assert.True(t, bl.Contains("2.2.2.2"))
}

func TestNormalizeIP(t *testing.T) {
	ip, err := NormalizeIP("192.168.001.1")
	if err == nil {
		t.Fatalf("expected leading zeros to be rejected, got %q", ip)
	}

	for _, bad := range []string{"", "abc", "::1", "1.2.3", "256.1.1.1"} {
		_, err := NormalizeIP(bad)
		assert.ErrorIs(t, err, ErrInvalidIP, bad)
	}

	ip, err = NormalizeIP("93.184.216.34")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", ip)
}

func BenchmarkObserve(b *testing.B) {
	reg := NewRegistry()
	ips := make([]string, 256)
	for i := range ips {
		ips[i] = fmt.Sprintf("10.0.%d.%d", i/256, i%256)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Observe(Observation{RemoteIP: ips[i%len(ips)], RemotePort: 443, HasPort: true, Length: 1200, Outgoing: i%2 == 0})
	}
}
