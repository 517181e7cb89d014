package analysis

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertConsistent checks that every peer's flag matches block membership in
// a single atomic view, and that every blocked address has an entry.
func assertConsistent(t *testing.T, reg *Registry) {
	t.Helper()

	state := reg.State()
	blocked := make(map[string]bool, len(state.Blocked))
	for _, ip := range state.Blocked {
		blocked[ip] = true
	}

	seen := make(map[string]bool, len(state.Peers))
	for _, p := range state.Peers {
		seen[p.IP] = true
		assert.Equal(t, blocked[p.IP], p.Blocked, "flag diverged for %s", p.IP)
	}
	for ip := range blocked {
		assert.True(t, seen[ip], "blocked %s has no entry", ip)
	}
}

func TestBlockCreatesEntryAndSetsFlag(t *testing.T) {
	reg := NewRegistry()
	bl := NewBlockList(reg)

	changed, err := bl.Block("93.184.216.34")
	require.NoError(t, err)
	assert.True(t, changed)

	peer, ok := reg.Get("93.184.216.34")
	require.True(t, ok)
	assert.True(t, peer.Blocked)
	assert.True(t, bl.Contains("93.184.216.34"))
	assertConsistent(t, reg)

	changed, err = bl.Block("93.184.216.34")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestObserveReportsBlockState(t *testing.T) {
	reg := NewRegistry()
	bl := NewBlockList(reg)
	obs := Observation{RemoteIP: "93.184.216.34", RemotePort: 443, HasPort: true, Length: 40, Outgoing: true}

	_, blocked := reg.Observe(obs)
	assert.False(t, blocked)

	_, err := bl.Block("93.184.216.34")
	require.NoError(t, err)
	_, blocked = reg.Observe(obs)
	assert.True(t, blocked)
	assertConsistent(t, reg)

	changed, err := bl.Unblock("93.184.216.34")
	require.NoError(t, err)
	assert.True(t, changed)
	_, blocked = reg.Observe(obs)
	assert.False(t, blocked)
	assertConsistent(t, reg)

	peer, _ := reg.Get("93.184.216.34")
	assert.Equal(t, int64(120), peer.BytesSent)
}

func TestUnblockUnknownCreatesCleanEntry(t *testing.T) {
	reg := NewRegistry()
	bl := NewBlockList(reg)

	changed, err := bl.Unblock("10.0.0.9")
	require.NoError(t, err)
	assert.False(t, changed)

	peer, ok := reg.Get("10.0.0.9")
	require.True(t, ok)
	assert.False(t, peer.Blocked)
}

func TestBlockRejectsInvalidInput(t *testing.T) {
	bl := NewBlockList(NewRegistry())

	for _, ip := range []string{"", "   ", "example.com", "2001:db8::1"} {
		_, err := bl.Block(ip)
		assert.ErrorIs(t, err, ErrInvalidIP, "block %q", ip)

		_, err = bl.Unblock(ip)
		assert.ErrorIs(t, err, ErrInvalidIP, "unblock %q", ip)
	}
	assert.Empty(t, bl.List())
}

func TestToggleFlipsMembership(t *testing.T) {
	reg := NewRegistry()
	bl := NewBlockList(reg)

	blocked, err := bl.Toggle("10.0.0.7")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.True(t, bl.Contains("10.0.0.7"))

	blocked, err = bl.Toggle("10.0.0.7")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.False(t, bl.Contains("10.0.0.7"))

	_, ok := reg.Get("10.0.0.7")
	assert.True(t, ok, "entry survives unblocking")

	_, err = bl.Toggle("fe80::1")
	assert.ErrorIs(t, err, ErrInvalidIP)
}

func TestConcurrentTogglesNeverLoseAFlip(t *testing.T) {
	bl := NewBlockList(NewRegistry())
	const ip = "10.0.0.9"

	// An even number of flips must leave the address unblocked, and each
	// flip must observe a distinct state, so exactly half report blocked.
	const toggles = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	nowBlocked := 0
	for i := 0; i < toggles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := bl.Toggle(ip)
			assert.NoError(t, err)
			if b {
				mu.Lock()
				nowBlocked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.False(t, bl.Contains(ip))
	assert.Equal(t, toggles/2, nowBlocked)
}

func TestListSorted(t *testing.T) {
	bl := NewBlockList(NewRegistry())
	for _, ip := range []string{"10.0.0.10", "10.0.0.2", "1.1.1.1"} {
		_, err := bl.Block(ip)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"1.1.1.1", "10.0.0.2", "10.0.0.10"}, bl.List())
}

func TestBlockFlagNeverDivergesUnderConcurrency(t *testing.T) {
	reg := NewRegistry()
	bl := NewBlockList(reg)
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i, ip := range ips {
		wg.Add(1)
		go func(i int, ip string) {
			defer wg.Done()
			for n := 0; n < 300; n++ {
				if (n+i)%2 == 0 {
					_, _ = bl.Block(ip)
				} else {
					_, _ = bl.Unblock(ip)
				}
			}
		}(i, ip)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			reg.Observe(Observation{RemoteIP: ips[n%len(ips)], Length: 1, Outgoing: true})
		}
	}()

	for n := 0; n < 200; n++ {
		assertConsistent(t, reg)
	}

	close(stop)
	wg.Wait()
	assertConsistent(t, reg)
}
