package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockClient struct {
	ble.Client
	mock.Mock

	once         sync.Once
	disconnected chan struct{}

	mu     sync.Mutex
	notify ble.NotificationHandler
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (c *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := c.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (c *mockClient) ReadCharacteristic(char *ble.Characteristic) ([]byte, error) {
	args := c.Called(char)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (c *mockClient) WriteCharacteristic(char *ble.Characteristic, value []byte, noRsp bool) error {
	return c.Called(char, value, noRsp).Error(0)
}

func (c *mockClient) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	c.notify = h
	c.mu.Unlock()
	return c.Called(char, ind).Error(0)
}

func (c *mockClient) Unsubscribe(char *ble.Characteristic, ind bool) error {
	return c.Called(char, ind).Error(0)
}

func (c *mockClient) CancelConnection() error {
	c.drop()
	return c.Called().Error(0)
}

func (c *mockClient) Disconnected() <-chan struct{} { return c.disconnected }

func (c *mockClient) handler() ble.NotificationHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

func (c *mockClient) drop() { c.once.Do(func() { close(c.disconnected) }) }

type mockDevice struct {
	ble.Device
	mock.Mock
}

func (d *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := d.Called(a.String())
	cl, _ := args.Get(0).(ble.Client)
	return cl, args.Error(1)
}

// LinkTestSuite exercises Link against mocked go-ble device and client
type LinkTestSuite struct {
	suite.Suite

	helper    *testutils.TestHelper
	client    *mockClient
	dev       *mockDevice
	events    chan device.LinkEvent
	transport *Transport
	original  func() (ble.Device, error)
	profile   *ble.Profile
}

func TestLinkTestSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}

func (s *LinkTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.client = newMockClient()
	s.dev = &mockDevice{}
	s.events = make(chan device.LinkEvent, 16)
	s.profile = testutils.NewPeripheralBuilder().
		WithService("180F").
		WithCharacteristic("2A19", "read,write,notify", []byte{50}).
		BLEProfile()

	s.original = DeviceFactory
	DeviceFactory = func() (ble.Device, error) { return s.dev, nil }
	s.transport = NewTransport(TransportOptions{ConnectTimeout: time.Second}, s.helper.Logger)
}

func (s *LinkTestSuite) TearDownTest() {
	DeviceFactory = s.original
}

func (s *LinkTestSuite) next() device.LinkEvent {
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for link event")
		return device.LinkEvent{}
	}
}

func (s *LinkTestSuite) open() device.Link {
	s.dev.On("Dial", "aa:bb:cc:dd:ee:ff").Return(s.client, nil).Once()
	link, err := s.transport.Open(context.Background(), "AA:BB:CC:DD:EE:FF", s.events)
	s.Require().NoError(err)

	ev := s.next()
	s.Require().Equal(device.LinkUp, ev.Kind)
	s.Equal(link.ID(), ev.Link.ID())
	return link
}

func (s *LinkTestSuite) discover(link device.Link) {
	s.client.On("DiscoverProfile", true).Return(s.profile, nil).Once()
	s.Require().NoError(link.DiscoverServices())
	ev := s.next()
	s.Require().Equal(device.ServicesResolved, ev.Kind)
	s.Require().Equal(device.StatusSuccess, ev.Status)
	s.Require().Len(ev.Services, 1)
}

func (s *LinkTestSuite) TestDialFailureReportsLinkDown() {
	s.dev.On("Dial", "aa:bb:cc:dd:ee:ff").Return(nil, errors.New("connection failed")).Once()

	_, err := s.transport.Open(context.Background(), "AA:BB:CC:DD:EE:FF", s.events)
	s.Require().NoError(err, "open MUST be asynchronous")

	ev := s.next()
	s.Equal(device.LinkDown, ev.Kind)
	s.Equal(device.StatusFailure, ev.Status)
}

func (s *LinkTestSuite) TestDialTimeoutReportsAbnormalWhenEnabled() {
	// GOAL: Verify a timed out dial is reported with the abnormal status only when retrying dial timeouts is enabled
	//
	// TEST SCENARIO: dial fails with deadline exceeded → failure by default, abnormal status with RetryDialTimeout
	s.dev.On("Dial", "aa:bb:cc:dd:ee:ff").Return(nil, context.DeadlineExceeded).Twice()

	_, err := s.transport.Open(context.Background(), "AA:BB:CC:DD:EE:FF", s.events)
	s.Require().NoError(err)
	ev := s.next()
	s.Equal(device.LinkDown, ev.Kind)
	s.Equal(device.StatusFailure, ev.Status, "dial timeout MUST NOT be abnormal by default")

	retrying := NewTransport(TransportOptions{ConnectTimeout: time.Second, RetryDialTimeout: true}, s.helper.Logger)
	_, err = retrying.Open(context.Background(), "AA:BB:CC:DD:EE:FF", s.events)
	s.Require().NoError(err)
	ev = s.next()
	s.Equal(device.LinkDown, ev.Kind)
	s.Equal(device.StatusGattError, ev.Status, "dial timeout MUST be reported with the abnormal status")
}

func (s *LinkTestSuite) TestDialFailureIsNotRetriedWhenNotTimedOut() {
	s.dev.On("Dial", "aa:bb:cc:dd:ee:ff").Return(nil, errors.New("connection refused")).Once()
	transport := NewTransport(TransportOptions{ConnectTimeout: time.Second, RetryDialTimeout: true}, s.helper.Logger)

	_, err := transport.Open(context.Background(), "AA:BB:CC:DD:EE:FF", s.events)
	s.Require().NoError(err)
	ev := s.next()
	s.Equal(device.LinkDown, ev.Kind)
	s.Equal(device.StatusFailure, ev.Status, "only timed out dials MUST be retried")
}

func (s *LinkTestSuite) TestDeviceFactoryFailure() {
	DeviceFactory = func() (ble.Device, error) { return nil, errors.New("bluetooth is turned off") }
	transport := NewTransport(TransportOptions{}, s.helper.Logger)

	_, err := transport.Open(context.Background(), "AA:BB:CC:DD:EE:FF", s.events)
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *LinkTestSuite) TestDiscoveryAndRead() {
	// GOAL: Verify discovery populates handles and reads report values as events
	//
	// TEST SCENARIO: dial → LinkUp → discovery → read 2A19 → CharacteristicRead with value

	link := s.open()
	batteryLevel := device.MustParseUUID("2A19")

	var notFound *device.NotFoundError
	s.ErrorAs(link.ReadCharacteristic(batteryLevel), &notFound, "read before discovery MUST NOT resolve")
	s.discover(link)

	char := s.profile.Services[0].Characteristics[0]
	s.client.On("ReadCharacteristic", char).Return([]byte{77}, nil).Once()
	s.Require().NoError(link.ReadCharacteristic(batteryLevel))

	ev := s.next()
	s.Equal(device.CharacteristicRead, ev.Kind)
	s.Equal(device.StatusSuccess, ev.Status)
	s.Equal([]byte{77}, ev.Value)
	s.Equal(batteryLevel, ev.Characteristic)
}

func (s *LinkTestSuite) TestWriteAndNotify() {
	link := s.open()
	s.discover(link)
	id := device.MustParseUUID("2A19")
	char := s.profile.Services[0].Characteristics[0]

	s.client.On("WriteCharacteristic", char, []byte{1}, false).Return(nil).Once()
	s.Require().NoError(link.WriteCharacteristic(id, []byte{1}, true))
	ev := s.next()
	s.Equal(device.CharacteristicWritten, ev.Kind)
	s.Equal([]byte{1}, ev.Value)

	s.client.On("Subscribe", char, false).Return(nil).Once()
	s.Require().NoError(link.SetNotify(id, true))
	s.Eventually(func() bool { return s.client.handler() != nil }, time.Second, 5*time.Millisecond)

	s.client.handler()([]byte{9})
	ev = s.next()
	s.Equal(device.CharacteristicChanged, ev.Kind)
	s.Equal([]byte{9}, ev.Value)
}

func (s *LinkTestSuite) TestUnknownCharacteristic() {
	link := s.open()
	s.discover(link)

	var notFound *device.NotFoundError
	s.ErrorAs(link.ReadCharacteristic(device.MustParseUUID("2A37")), &notFound)
}

func (s *LinkTestSuite) TestOperationsBeforeDialAreRejected() {
	s.dev.On("Dial", "aa:bb:cc:dd:ee:ff").Return(nil, errors.New("connection failed")).Once()
	link, err := s.transport.Open(context.Background(), "AA:BB:CC:DD:EE:FF", s.events)
	s.Require().NoError(err)
	s.next()

	s.ErrorIs(link.DiscoverServices(), device.ErrNotConnected)
}

func (s *LinkTestSuite) TestPeerDropIsAbnormal() {
	// GOAL: Verify an unrequested drop is reported with the abnormal status

	s.open()
	s.client.drop()

	ev := s.next()
	s.Equal(device.LinkDown, ev.Kind)
	s.Equal(device.StatusGattError, ev.Status)
}

func (s *LinkTestSuite) TestDisconnectIsNormal() {
	link := s.open()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().NoError(link.Disconnect())

	ev := s.next()
	s.Equal(device.LinkDown, ev.Kind)
	s.Equal(device.StatusSuccess, ev.Status)
	s.Error(link.Resume(), "resume after disconnect MUST fail")
}

func (s *LinkTestSuite) TestCloseSilencesEvents() {
	link := s.open()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().NoError(link.Close())
	s.Require().NoError(link.Close())

	select {
	case ev := <-s.events:
		s.Failf("unexpected event", "closed link emitted %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
}
