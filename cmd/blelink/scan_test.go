package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAdvertisements() []device.Advertisement {
	return []device.Advertisement{
		testutils.NewAdvertisementBuilder().
			WithName("HeartSensor").WithAddress("aa:00:00:00:00:02").WithRSSI(-48).
			WithServices("180d").WithConnectable(true).Build(),
		testutils.NewAdvertisementBuilder().
			FromJSON(`{"name": "Thermometer", "address": "AA:00:00:00:00:01", "rssi": -70, "connectable": false}`).Build(),
		testutils.NewAdvertisementBuilder().
			WithName("HeartSensor").WithAddress("AA:00:00:00:00:02").WithRSSI(-45).
			WithServices("180d").WithConnectable(true).Build(),
	}
}

func TestNewScanRequest(t *testing.T) {
	_, err := newScanRequest(time.Second, "xml", nil, nil, nil, false, false)
	assert.ErrorContains(t, err, "invalid format 'xml'")

	_, err = newScanRequest(time.Second, "json", []string{"nope"}, nil, nil, false, false)
	assert.ErrorContains(t, err, "invalid service UUID")

	req, err := newScanRequest(2*time.Second, "table", []string{"180D"}, nil, nil, true, false)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, req.opts.Duration)
	assert.True(t, req.opts.AllowDuplicates)
	assert.Equal(t, device.MustParseUUID("180d"), req.opts.ServiceUUIDs[0])
}

func TestScanPeers_JSON(t *testing.T) {
	// GOAL: Verify discovered peers are reported once each, ordered by address, in JSON form
	//
	// TEST SCENARIO: Three advertisements from two peers → JSON array with two entries
	helper := testutils.NewTestHelper(t)
	backend := &testutils.MockScanningDevice{}
	backend.ExpectScan(false, scanAdvertisements()...)

	req, err := newScanRequest(time.Second, "json", nil, nil, nil, false, false)
	require.NoError(t, err)

	peers, err := scanPeers(context.Background(), backend, req, &bytes.Buffer{}, helper.Logger, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, displayPeers(&out, peers, "json"))

	testutils.NewJSONAsserter(t).Assert(out.String(), `[
	  {"name": "Thermometer", "address": "AA:00:00:00:00:01", "rssi": -70, "services": [], "connectable": false},
	  {"name": "HeartSensor", "address": "AA:00:00:00:00:02", "rssi": -45, "services": ["180d"], "connectable": true}
	]`)
	backend.AssertExpectations(t)
}

func TestScanPeers_Table(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	backend := &testutils.MockScanningDevice{}
	backend.ExpectScan(false, scanAdvertisements()...)

	req, err := newScanRequest(time.Second, "table", []string{"180d"}, nil, nil, false, false)
	require.NoError(t, err)

	peers, err := scanPeers(context.Background(), backend, req, &bytes.Buffer{}, helper.Logger, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, displayPeers(&out, peers, "table"))

	testutils.NewTextAsserter(t).Assert(out.String(), `
NAME         ADDRESS            RSSI     SERVICES  SEEN
HeartSensor  AA:00:00:00:00:02  -45 dBm  180d      2
`)
}

func TestScanPeers_Watch(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	backend := &testutils.MockScanningDevice{}
	backend.ExpectScan(false, scanAdvertisements()...)

	req, err := newScanRequest(time.Second, "table", nil, []string{"AA:00:00:00:00:02"}, nil, false, true)
	require.NoError(t, err)

	var out bytes.Buffer
	peers, err := scanPeers(context.Background(), backend, req, &out, helper.Logger, nil)
	require.NoError(t, err)
	assert.Nil(t, peers)

	assert.Contains(t, out.String(), `peer_found AA:00:00:00:00:02 name="HeartSensor" rssi=-48 services=180d`)
	assert.Contains(t, out.String(), "scan_finished peers=1")
	assert.NotContains(t, out.String(), "Thermometer")
}

func TestDisplayPeers_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, displayPeers(&out, nil, "table"))
	assert.Equal(t, "No devices discovered\n", out.String())

	out.Reset()
	require.NoError(t, displayPeers(&out, nil, "json"))
	testutils.NewJSONAsserter(t).Assert(out.String(), `[]`)
}
