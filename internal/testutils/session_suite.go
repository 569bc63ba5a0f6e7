package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/session"
	"github.com/stretchr/testify/suite"
)

// SessionSuite runs a session.Manager against a simulated peripheral.
//
// Basic usage (default battery service peripheral):
//
//	type ConnectSuite struct {
//	    testutils.SessionSuite
//	}
//
// Custom peripheral:
//
//	func (s *HeartRateSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.SessionSuite.SetupTest() // Call parent last to apply configuration
//	}
//
// Transport behaviour is scripted through s.Transport after SetupTest and
// before the first Connect.
type SessionSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	// Options tunes the manager; zero timings are replaced with short test values
	Options     session.Options
	Peripheral  *PeripheralBuilder
	Transport   *SimTransport
	Publisher   *events.Publisher
	Recorder    *EventRecorder
	Manager     *session.Manager
	TestTimeout time.Duration

	cancel context.CancelFunc
}

// SetupTest builds the transport and starts a fresh manager for every test
func (s *SessionSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	if s.TestTimeout == 0 {
		s.TestTimeout = 2 * time.Second
	}

	if s.Peripheral == nil {
		s.Peripheral = NewPeripheralBuilder().
			WithService("180F").
			WithCharacteristic("2A19", "read,notify", []byte{50})
	}

	opts := s.Options
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 5 * time.Millisecond
	}
	if opts.RecoveryInterval == 0 {
		opts.RecoveryInterval = 20 * time.Millisecond
	}

	s.Transport = s.Peripheral.Transport()
	s.Publisher = events.NewPublisher(s.Logger)
	s.Recorder = NewEventRecorder()
	s.Publisher.Subscribe(s.Recorder)
	s.Manager = session.NewManager(s.Transport, s.Publisher, opts, s.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Require().NoError(s.Manager.Start(ctx))

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest stops the dispatcher and resets per-test configuration
func (s *SessionSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		s.Manager.Wait()
		s.cancel = nil
	}
	s.Peripheral = nil
	s.Options = session.Options{}
}

// WithPeripheral returns the peripheral builder for fluent configuration in SetupTest
func (s *SessionSuite) WithPeripheral() *PeripheralBuilder {
	if s.Peripheral == nil {
		s.Peripheral = NewPeripheralBuilder()
	}
	return s.Peripheral
}

// Connect connects to addr and waits until the session is Ready and the
// discovery event has been delivered
func (s *SessionSuite) Connect(addr string) {
	discovered := s.Recorder.Count(events.KindServicesDiscovered)
	s.Require().NoError(s.Manager.Connect(context.Background(), addr))
	s.WaitState(session.Ready)
	s.WaitEvents(events.KindServicesDiscovered, discovered+1)
}

// WaitState waits for the manager to reach state
func (s *SessionSuite) WaitState(state session.State) {
	s.Require().Eventually(func() bool {
		return s.Manager.State() == state
	}, s.TestTimeout, 2*time.Millisecond, "manager MUST reach state %s, have %s", state, s.Manager.State())
}

// WaitEvents waits until n events of kind were published
func (s *SessionSuite) WaitEvents(kind events.Kind, n int) {
	s.Require().True(s.Recorder.WaitFor(kind, n, s.TestTimeout),
		"MUST observe %d %s event(s), got kinds %v", n, kind, s.Recorder.Kinds())
}
