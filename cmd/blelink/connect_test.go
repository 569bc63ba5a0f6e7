package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/blelink/internal/config"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/testutils"
	"github.com/srg/blelink/internal/tracelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDeviceAddress = "AA:BB:CC:DD:EE:01"

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SettleDelay = 0
	cfg.RecoveryInterval = 10 * time.Millisecond
	return cfg
}

func heartRatePeripheral() *testutils.PeripheralBuilder {
	return testutils.NewPeripheralBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "notify", nil).
		WithCharacteristic("2a38", "read", []byte{0x01}).
		WithCharacteristic("2a39", "write", nil).
		WithService("6e400001-b5a3-f393-e0a9-e50e24dcca9e").
		WithCharacteristic("6e400002-b5a3-f393-e0a9-e50e24dcca9e", "write-without-response", nil)
}

func TestParseWriteSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		id      string
		data    []byte
		wantErr string
	}{
		{name: "short uuid", spec: "2a39=0a0b", id: "2a39", data: []byte{0x0a, 0x0b}},
		{name: "hex prefix", spec: "2A39=0xFF", id: "2a39", data: []byte{0xff}},
		{name: "empty value", spec: "2a39=", id: "2a39", data: []byte{}},
		{name: "missing separator", spec: "2a39", wantErr: "expected uuid=hex"},
		{name: "bad uuid", spec: "zz=01", wantErr: "invalid UUID"},
		{name: "bad hex", spec: "2a39=0g", wantErr: "invalid write value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := parseWriteSpec(tt.spec)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, device.MustParseUUID(tt.id), w.ID)
			assert.Equal(t, tt.data, w.Data)
		})
	}
}

func TestNewSessionPlan(t *testing.T) {
	_, err := newSessionPlan("", nil, nil, nil, false, 0, "")
	assert.ErrorIs(t, err, device.ErrInvalidTarget)

	_, err = newSessionPlan(testDeviceAddress, []string{"nope"}, nil, nil, false, 0, "")
	assert.ErrorContains(t, err, "invalid --read")

	_, err = newSessionPlan(testDeviceAddress, nil, nil, []string{""}, false, 0, "")
	assert.ErrorContains(t, err, "invalid --notify")

	plan, err := newSessionPlan(testDeviceAddress, []string{"2a38"}, []string{"2a39=01"}, nil, false, 0, "")
	require.NoError(t, err)
	assert.False(t, plan.untilCancelled(), "reads and writes alone MUST complete on their own")

	plan, err = newSessionPlan(testDeviceAddress, nil, nil, []string{"2a37"}, false, 0, "")
	require.NoError(t, err)
	assert.True(t, plan.untilCancelled())
}

func TestRunSession_ReadsAndWrites(t *testing.T) {
	// GOAL: Verify a plan of reads and writes runs once the session is ready and then completes
	//
	// TEST SCENARIO: Read 2a38, acknowledged write 2a39, unacknowledged write 6e400002 → events printed, trace recorded
	helper := testutils.NewTestHelper(t)
	transport := heartRatePeripheral().Transport()
	tracePath := filepath.Join(t.TempDir(), "session.cbor")

	plan, err := newSessionPlan(testDeviceAddress,
		[]string{"2a38"},
		[]string{"2a39=0a0b", "6e400002-b5a3-f393-e0a9-e50e24dcca9e=ff"},
		nil, false, 0, tracePath)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = runSession(ctx, transport, testConfig(), plan, newEventPrinter(&out, false, false), helper.Logger)
	require.NoError(t, err, "session MUST complete once every operation is acknowledged")

	testutils.NewTextAsserter(t).Assert(out.String(), `
connected AA:BB:CC:DD:EE:01
services_discovered AA:BB:CC:DD:EE:01 ready=true services=2
data_available AA:BB:CC:DD:EE:01 char=2a38 origin=read value=01
data_available AA:BB:CC:DD:EE:01 char=2a39 origin=write value=0a0b
`)

	link := transport.Last()
	require.NotNil(t, link)
	writes := link.Writes()
	require.Len(t, writes, 2)
	assert.True(t, writes[0].WithResponse)
	assert.False(t, writes[1].WithResponse, "write-only-without-response characteristic MUST fall back")
	assert.True(t, link.Closed(), "session MUST be closed on completion")

	reader, err := tracelog.Open(tracePath, tracelog.Filter{})
	require.NoError(t, err)
	defer reader.Close()

	var traced bytes.Buffer
	require.NoError(t, printTrace(&traced, reader, "json", false))
	testutils.NewJSONAsserter(t).
		WithOptions(testutils.WithIgnoredFields("timestamp")).
		Assert(traced.String(), `[
		  {"kind": "connected", "address": "AA:BB:CC:DD:EE:01"},
		  {"kind": "services_discovered", "address": "AA:BB:CC:DD:EE:01", "ready": true, "services": 2},
		  {"kind": "data_available", "address": "AA:BB:CC:DD:EE:01", "characteristic": "00002a38-0000-1000-8000-00805f9b34fb", "origin": "read", "value": "AQ=="},
		  {"kind": "data_available", "address": "AA:BB:CC:DD:EE:01", "characteristic": "00002a39-0000-1000-8000-00805f9b34fb", "origin": "write", "value": "Cgs="}
		]`)
}

func TestRunSession_RecoversAndResubscribes(t *testing.T) {
	// GOAL: Verify notifications are re-enabled on the link opened by automatic recovery
	//
	// TEST SCENARIO: Subscribe 2a37 → drop with status 133 → new link subscribed → cancel → context.Canceled
	helper := testutils.NewTestHelper(t)
	transport := heartRatePeripheral().Transport()
	hr := device.MustParseUUID("2a37")

	plan, err := newSessionPlan(testDeviceAddress, nil, nil, []string{"2a37"}, false, 0, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	result := make(chan error, 1)
	go func() {
		result <- runSession(ctx, transport, testConfig(), plan, newEventPrinter(&out, false, false), helper.Logger)
	}()

	require.Eventually(t, func() bool {
		links := transport.Links()
		return len(links) == 1 && links[0].NotifyEnabled(hr)
	}, 2*time.Second, 5*time.Millisecond, "first link MUST be subscribed")

	transport.Links()[0].Drop(device.StatusGattError)

	require.Eventually(t, func() bool {
		links := transport.Links()
		return len(links) == 2 && links[1].NotifyEnabled(hr)
	}, 2*time.Second, 5*time.Millisecond, "recovered link MUST be subscribed again")

	require.True(t, transport.Links()[1].Notify(hr, []byte{0x06, 0x48}))
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, context.Canceled), "Ctrl+C MUST surface as context.Canceled, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("session MUST stop on cancellation")
	}

	output := out.String()
	assert.Contains(t, output, "disconnected AA:BB:CC:DD:EE:01 status=gatt_error abnormal=true")
	assert.Contains(t, output, "data_available AA:BB:CC:DD:EE:01 char=2a37 origin=notify value=0648")
}

func TestRunSession_ConnectFailure(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	transport := heartRatePeripheral().Transport()
	transport.ConnectStatus = device.StatusFailure

	plan, err := newSessionPlan(testDeviceAddress, []string{"2a38"}, nil, nil, false, 0, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = runSession(ctx, transport, testConfig(), plan, newEventPrinter(&out, false, false), helper.Logger)
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, FormatUserError(err), "the device closed the connection")
	assert.Contains(t, out.String(), "status=failure abnormal=false")
}

func TestRunSession_DurationEndsSession(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	transport := heartRatePeripheral().Transport()

	plan, err := newSessionPlan(testDeviceAddress, nil, nil, []string{"2a37"}, false, 50*time.Millisecond, "")
	require.NoError(t, err)

	var out bytes.Buffer
	err = runSession(context.Background(), transport, testConfig(), plan, newEventPrinter(&out, false, false), helper.Logger)
	assert.NoError(t, err, "an elapsed duration MUST be a clean exit")
}

func TestRunSession_UnknownCharacteristic(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	transport := heartRatePeripheral().Transport()

	plan, err := newSessionPlan(testDeviceAddress, []string{"2a19"}, nil, nil, false, 0, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = runSession(ctx, transport, testConfig(), plan, newEventPrinter(&out, false, false), helper.Logger)
	var notFound *device.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, FormatUserError(err), "not found on the device")
}

func TestRunSession_FailedReadEndsSession(t *testing.T) {
	// GOAL: Verify a read the device rejects ends the session with an error instead of waiting forever
	//
	// TEST SCENARIO: reads complete with status 5 → read 2a38 without --duration → failed data_available printed and traced → ErrOperationFailed
	helper := testutils.NewTestHelper(t)
	transport := heartRatePeripheral().Transport()
	transport.ReadStatus = device.Status(5)
	tracePath := filepath.Join(t.TempDir(), "failed.cbor")

	plan, err := newSessionPlan(testDeviceAddress, []string{"2a38"}, nil, nil, false, 0, tracePath)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = runSession(ctx, transport, testConfig(), plan, newEventPrinter(&out, false, false), helper.Logger)
	require.ErrorIs(t, err, ErrOperationFailed)
	require.NoError(t, ctx.Err(), "session MUST end on the failure, not on the test deadline")
	assert.Contains(t, err.Error(), "read of 2a38 returned status status_5")
	assert.Contains(t, FormatUserError(err), "the device rejected the request")

	testutils.NewTextAsserter(t).Assert(out.String(), `
connected AA:BB:CC:DD:EE:01
services_discovered AA:BB:CC:DD:EE:01 ready=true services=2
data_available AA:BB:CC:DD:EE:01 char=2a38 origin=read status=status_5
`)

	reader, err := tracelog.Open(tracePath, tracelog.Filter{})
	require.NoError(t, err)
	defer reader.Close()

	records, err := reader.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "data_available", records[2].Kind)
	assert.Equal(t, 5, records[2].Status)
	assert.Empty(t, records[2].Value)
}
