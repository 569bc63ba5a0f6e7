package scanner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/scanner"
	"github.com/srg/blelink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newScanner(t *testing.T, backend device.ScanningDevice) (*scanner.Scanner, *testutils.EventRecorder) {
	helper := testutils.NewTestHelper(t)
	publisher := events.NewPublisher(helper.Logger)
	recorder := testutils.NewEventRecorder()
	publisher.Subscribe(recorder)
	return scanner.NewScanner(backend, publisher, helper.Logger), recorder
}

func adv(addr, name string, rssi int, services ...string) device.Advertisement {
	return testutils.NewAdvertisementBuilder().
		WithAddress(addr).
		WithName(name).
		WithRSSI(rssi).
		WithServices(services...).
		WithConnectable(true).
		Build()
}

func TestScan_ReportsFirstSightingOnly(t *testing.T) {
	// GOAL: Verify every peer is published once even when it advertises repeatedly
	//
	// TEST SCENARIO: Backend reports three advertisements from two peers → two PeerFound events, one ScanFinished
	backend := &testutils.MockScanningDevice{}
	backend.ExpectScan(false,
		adv("AA:BB:CC:DD:EE:01", "HeartSensor", -60, "180d"),
		adv("aa:bb:cc:dd:ee:01", "HeartSensor", -48, "180d"),
		adv("AA:BB:CC:DD:EE:02", "Thermo", -70),
	)

	s, recorder := newScanner(t, backend)
	require.True(t, s.Enable(), "scanner MUST be enabled with a backend")

	peers, err := s.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, peers, 2, "duplicate sightings MUST collapse into one peer")
	assert.Equal(t, device.PeerAddress("AA:BB:CC:DD:EE:01"), peers[0].Address)
	assert.Equal(t, -48, peers[0].RSSI, "RSSI MUST track the latest sighting")
	assert.Equal(t, 2, peers[0].Sightings)
	assert.Equal(t, "Thermo", peers[1].Name)

	assert.Equal(t, 2, recorder.Count(events.KindPeerFound))
	finished := recorder.OfKind(events.KindScanFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, 2, finished[0].(events.ScanFinished).Peers)

	found := recorder.OfKind(events.KindPeerFound)[0].(events.PeerFound)
	assert.Equal(t, device.PeerAddress("AA:BB:CC:DD:EE:01"), found.Peer())
	assert.Equal(t, []string{"180d"}, found.Services)
	assert.True(t, found.Connectable)
	backend.AssertExpectations(t)
}

func TestScan_Filters(t *testing.T) {
	// GOAL: Verify block list, allow list and service filters
	//
	// TEST SCENARIO: Configure filters → only matching peers reported
	tests := []struct {
		name     string
		opts     scanner.Options
		expected []device.PeerAddress
	}{
		{
			name:     "no filters",
			opts:     scanner.Options{},
			expected: []device.PeerAddress{"AA:00:00:00:00:01", "AA:00:00:00:00:02", "AA:00:00:00:00:03"},
		},
		{
			name:     "block list",
			opts:     scanner.Options{BlockList: []string{"AA:00:00:00:00:02"}},
			expected: []device.PeerAddress{"AA:00:00:00:00:01", "AA:00:00:00:00:03"},
		},
		{
			name:     "allow list",
			opts:     scanner.Options{AllowList: []string{"aa:00:00:00:00:03"}},
			expected: []device.PeerAddress{"AA:00:00:00:00:03"},
		},
		{
			name:     "service filter matches short and full forms",
			opts:     scanner.Options{ServiceUUIDs: []uuid.UUID{device.MustParseUUID("180d")}},
			expected: []device.PeerAddress{"AA:00:00:00:00:01", "AA:00:00:00:00:02"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &testutils.MockScanningDevice{}
			backend.ExpectScan(false,
				adv("aa:00:00:00:00:01", "a", -50, "180d"),
				adv("aa:00:00:00:00:02", "b", -50, "0000180d-0000-1000-8000-00805f9b34fb", "180f"),
				adv("aa:00:00:00:00:03", "c", -50, "180f"),
			)
			s, _ := newScanner(t, backend)
			require.NoError(t, s.Configure(tt.opts))

			peers, err := s.Scan(context.Background())
			require.NoError(t, err)

			got := make([]device.PeerAddress, 0, len(peers))
			for _, p := range peers {
				got = append(got, p.Address)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestConfigure_RejectsMalformedAddresses(t *testing.T) {
	s, _ := newScanner(t, &testutils.MockScanningDevice{})
	err := s.Configure(scanner.Options{AllowList: []string{"not-an-address"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrInvalidTarget)
}

func TestCancelScan(t *testing.T) {
	// GOAL: Verify an unbounded scan runs until cancelled
	//
	// TEST SCENARIO: Start scan with zero duration → IsScanning → CancelScan → ScanFinished, IsScanning false
	backend := &testutils.MockScanningDevice{}
	backend.ExpectScan(true, adv("aa:00:00:00:00:01", "a", -40))

	s, recorder := newScanner(t, backend)
	require.NoError(t, s.Configure(scanner.Options{}))
	require.NoError(t, s.StartScan(context.Background()))

	require.True(t, recorder.WaitFor(events.KindPeerFound, 1, time.Second), "peer MUST be reported while scanning")
	assert.True(t, s.IsScanning())
	assert.ErrorIs(t, s.StartScan(context.Background()), scanner.ErrScanInProgress, "concurrent scans MUST be rejected")

	s.CancelScan()
	require.NoError(t, s.Wait(), "cancellation MUST NOT surface as an error")
	assert.False(t, s.IsScanning())
	assert.Equal(t, 1, recorder.Count(events.KindScanFinished))
}

func TestScan_DurationBoundsScan(t *testing.T) {
	backend := &testutils.MockScanningDevice{}
	backend.ExpectScan(true)

	s, recorder := newScanner(t, backend)
	require.NoError(t, s.Configure(scanner.Options{Duration: 20 * time.Millisecond}))

	start := time.Now()
	peers, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, recorder.Count(events.KindScanFinished))
}

func TestScan_BackendFailure(t *testing.T) {
	backend := &testutils.MockScanningDevice{}
	backend.On("Scan", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("adapter busy")).Once()

	s, recorder := newScanner(t, backend)
	_, err := s.Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter busy")
	assert.False(t, s.IsScanning())
	assert.Equal(t, 1, recorder.Count(events.KindScanFinished), "ScanFinished MUST be published on failure too")
}

func TestNoBackend(t *testing.T) {
	s, _ := newScanner(t, nil)
	assert.False(t, s.Enable())
	assert.ErrorIs(t, s.StartScan(context.Background()), device.ErrNotInitialized)
	assert.Empty(t, s.Peers())
	assert.NoError(t, s.Wait())
}

func TestScan_IgnoresMalformedAddress(t *testing.T) {
	backend := &testutils.MockScanningDevice{}
	backend.ExpectScan(false, adv("zz", "bogus", -10), adv("aa:00:00:00:00:09", "ok", -10))

	s, _ := newScanner(t, backend)
	peers, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "ok", peers[0].Name)
}
