package connectivity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/internal/clock"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

type fakeLink struct {
	joined  []string
	upAfter map[string]int // polls before the link reports up, per ssid; missing = never
	current string
	polls   int
	up      bool
}

func (f *fakeLink) Join(ssid, _ string) error {
	f.joined = append(f.joined, ssid)
	f.current = ssid
	f.polls = 0
	f.up = false
	return nil
}

func (f *fakeLink) Up() bool {
	if f.up {
		return true
	}
	n, ok := f.upAfter[f.current]
	if !ok {
		return false
	}
	f.polls++
	if f.polls > n {
		f.up = true
	}
	return f.up
}

func (f *fakeLink) LocalIP() string {
	if f.up {
		return "192.168.1.50"
	}
	return ""
}

type fakeTime struct {
	offset time.Duration
	err    error
	calls  int
}

func (f *fakeTime) Offset(context.Context) (time.Duration, error) {
	f.calls++
	return f.offset, f.err
}

// blockingTime answers only after release is closed.
type blockingTime struct {
	release chan struct{}
	offset  time.Duration
}

func (b *blockingTime) Offset(ctx context.Context) (time.Duration, error) {
	select {
	case <-b.release:
		return b.offset, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

func newManager(link Link, ts TimeSource) (*Manager, *clock.Fake) {
	clk := clock.NewFake(epoch)
	return New(link, clk, ts, DefaultOptions()), clk
}

func wifiConfig() model.DeviceConfig {
	cfg := model.Defaults()
	cfg.PrimaryWiFi = model.WiFiCredentials{SSID: "home", Passphrase: "secret"}
	cfg.BackupWiFi = model.WiFiCredentials{SSID: "phone", Passphrase: "hotspot"}
	cfg.TLSSecure = true
	return cfg
}

func TestConnect_Primary(t *testing.T) {
	link := &fakeLink{upAfter: map[string]int{"home": 3}}
	ts := &fakeTime{offset: 56 * 365 * 24 * time.Hour}
	m, clk := newManager(link, ts)

	cfg := wifiConfig()
	assert.True(t, m.Connect(&cfg))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []string{"home"}, link.joined)
	assert.Equal(t, "192.168.1.50", m.LocalIP())
	assert.Equal(t, 1, ts.calls)
	assert.True(t, Synced(clk.Now()))
}

func TestConnect_FallsBackToBackup(t *testing.T) {
	link := &fakeLink{upAfter: map[string]int{"phone": 0}}
	m, clk := newManager(link, &fakeTime{offset: 56 * 365 * 24 * time.Hour})
	start := clk.Now()

	cfg := wifiConfig()
	assert.True(t, m.Connect(&cfg))
	assert.Equal(t, []string{"home", "phone"}, link.joined)
	assert.GreaterOrEqual(t, clk.Now().Sub(start), 20*time.Second, "primary attempt runs to its timeout")
}

func TestConnect_SkipsEmptySSIDs(t *testing.T) {
	link := &fakeLink{upAfter: map[string]int{}}
	m, _ := newManager(link, &fakeTime{})

	cfg := model.Defaults()
	assert.False(t, m.Connect(&cfg))
	assert.Empty(t, link.joined)
	assert.Equal(t, Failed, m.State())
}

func TestConnect_BothFail(t *testing.T) {
	link := &fakeLink{upAfter: map[string]int{}}
	m, _ := newManager(link, &fakeTime{})

	cfg := wifiConfig()
	assert.False(t, m.Connect(&cfg))
	assert.Equal(t, Failed, m.State())
	assert.Equal(t, []string{"home", "phone"}, link.joined)
}

func TestConnect_TimeSyncFailureIsNonFatal(t *testing.T) {
	link := &fakeLink{upAfter: map[string]int{"home": 0}}
	m, _ := newManager(link, &fakeTime{err: errors.New("no route")})

	cfg := wifiConfig()
	assert.True(t, m.Connect(&cfg))
	assert.Equal(t, Connected, m.State())
}

func TestSyncTime_Required(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		m, clk := newManager(&fakeLink{}, &fakeTime{offset: 56 * 365 * 24 * time.Hour})
		require.NoError(t, m.SyncTime(true))
		assert.True(t, clk.Now().After(SyncThreshold))
	})

	t.Run("query error", func(t *testing.T) {
		m, _ := newManager(&fakeLink{}, &fakeTime{err: errors.New("timeout")})
		assert.ErrorIs(t, m.SyncTime(true), ErrTimeSyncTimeout)
	})

	t.Run("clock still before threshold", func(t *testing.T) {
		m, _ := newManager(&fakeLink{}, &fakeTime{offset: time.Hour})
		assert.ErrorIs(t, m.SyncTime(true), ErrTimeSyncTimeout)
	})
}

func TestSyncTime_NotRequiredRunsInBackground(t *testing.T) {
	ts := &blockingTime{release: make(chan struct{}), offset: 56 * 365 * 24 * time.Hour}
	m, clk := newManager(&fakeLink{}, ts)

	done := make(chan error, 1)
	go func() { done <- m.SyncTime(false) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SyncTime(false) waited for the time server")
	}
	assert.Equal(t, epoch, clk.Now(), "offset not applied before the server answers")

	close(ts.release)
	assert.Eventually(t, func() bool { return Synced(clk.Now()) }, 2*time.Second, 5*time.Millisecond)
}

func TestSyncTime_AppliesTimezone(t *testing.T) {
	m, _ := newManager(&fakeLink{upAfter: map[string]int{"home": 0}}, &fakeTime{offset: 56 * 365 * 24 * time.Hour})
	cfg := wifiConfig()
	cfg.Timezone = "MSK-3"

	require.True(t, m.Connect(&cfg))
	_, offset := time.Date(2025, 6, 1, 0, 0, 0, 0, m.Location()).Zone()
	assert.Equal(t, 3*3600, offset)
}

func TestReconnectIfNeeded(t *testing.T) {
	link := &fakeLink{upAfter: map[string]int{"home": 0}}
	m, clk := newManager(link, &fakeTime{offset: 56 * 365 * 24 * time.Hour})
	cfg := wifiConfig()
	require.True(t, m.Connect(&cfg))

	assert.True(t, m.ReconnectIfNeeded(&cfg))
	assert.Len(t, link.joined, 1, "link up: nothing to do")

	link.up = false
	link.polls = 0
	link.upAfter = map[string]int{"home": 1}
	assert.True(t, m.ReconnectIfNeeded(&cfg), "within the check interval the link is not probed")
	assert.Len(t, link.joined, 1)

	clk.Advance(2 * time.Second)
	assert.True(t, m.ReconnectIfNeeded(&cfg))
	assert.Equal(t, []string{"home", "home"}, link.joined)
	assert.Equal(t, Connected, m.State())
}

func TestReconnectIfNeeded_WaitsAfterFailure(t *testing.T) {
	link := &fakeLink{upAfter: map[string]int{}}
	m, clk := newManager(link, &fakeTime{})
	cfg := wifiConfig()
	require.False(t, m.Connect(&cfg))
	attempts := len(link.joined)

	assert.False(t, m.ReconnectIfNeeded(&cfg))
	assert.Len(t, link.joined, attempts)

	clk.Advance(11 * time.Second)
	assert.False(t, m.ReconnectIfNeeded(&cfg))
	assert.Len(t, link.joined, 2*attempts)
}

func TestReconnectIfNeeded_RetryIgnoresTimeSync(t *testing.T) {
	link := &fakeLink{upAfter: map[string]int{}}
	m, clk := newManager(link, &fakeTime{})
	cfg := wifiConfig()
	require.False(t, m.Connect(&cfg))
	attempts := len(link.joined)

	clk.SetOffset(-time.Hour)
	clk.Advance(11 * time.Second)
	assert.False(t, m.ReconnectIfNeeded(&cfg))
	assert.Len(t, link.joined, 2*attempts)
}

func TestParsePOSIX(t *testing.T) {
	cases := []struct {
		tz     string
		name   string
		offset int
	}{
		{"MSK-3", "MSK", 3 * 3600},
		{"EST5EDT,M3.2.0,M11.1.0", "EST", -5 * 3600},
		{"<+03>-3", "+03", 3 * 3600},
		{"IST-5:30", "IST", 5*3600 + 30*60},
		{"UTC0", "UTC", 0},
	}
	for _, tc := range cases {
		t.Run(tc.tz, func(t *testing.T) {
			loc, err := parsePOSIX(tc.tz)
			require.NoError(t, err)
			name, offset := time.Date(2025, 1, 15, 12, 0, 0, 0, loc).Zone()
			assert.Equal(t, tc.name, name)
			assert.Equal(t, tc.offset, offset)
		})
	}

	for _, bad := range []string{"X", "<+03", "ABC", "ABC+x", "ABC99"} {
		_, err := parsePOSIX(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveLocation(t *testing.T) {
	loc, err := resolveLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = resolveLocation("Not/AZone")
	assert.Error(t, err)
}

func TestDeviceConnected(t *testing.T) {
	out := []byte("eth0:unavailable\nwlan0:connected\nlo:unmanaged\n")
	assert.True(t, deviceConnected(out, "wlan0"))
	assert.True(t, deviceConnected(out, ""))
	assert.False(t, deviceConnected(out, "eth0"))
	assert.False(t, deviceConnected([]byte("wlan0:disconnected\n"), "wlan0"))
}

func TestNMCLIJoin(t *testing.T) {
	orig := runCommand
	defer func() { runCommand = orig }()

	var got []string
	runCommand = func(name string, args ...string) ([]byte, error) {
		got = append([]string{name}, args...)
		return nil, nil
	}

	n := &NMCLI{Interface: "wlan0", Timeout: 20 * time.Second}
	require.NoError(t, n.Join("home", "secret"))
	assert.Equal(t, "nmcli --wait 20 device wifi connect home password secret ifname wlan0", strings.Join(got, " "))

	runCommand = func(string, ...string) ([]byte, error) {
		return []byte("Error: No network with SSID 'home' found."), errors.New("exit status 10")
	}
	err := n.Join("home", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No network with SSID")
}

func TestNewLink(t *testing.T) {
	l, err := NewLink("nmcli", "wlan0", time.Second)
	require.NoError(t, err)
	assert.IsType(t, &NMCLI{}, l)

	l, err = NewLink("", "wlan0", time.Second)
	require.NoError(t, err)
	assert.IsType(t, &Host{}, l)

	_, err = NewLink("wpa", "wlan0", time.Second)
	assert.Error(t, err)
}

func TestSetTimezone(t *testing.T) {
	m, _ := newManager(&fakeLink{}, &fakeTime{})
	assert.Equal(t, time.UTC, m.Location())

	require.NoError(t, m.SetTimezone("<+05>-5"))
	_, offset := time.Date(2025, 1, 1, 0, 0, 0, 0, m.Location()).Zone()
	assert.Equal(t, 5*3600, offset)

	assert.Error(t, m.SetTimezone("??"))
	_, offset = time.Date(2025, 1, 1, 0, 0, 0, 0, m.Location()).Zone()
	assert.Equal(t, 5*3600, offset, "a bad zone leaves the current one")
}
