package session

import (
	"bytes"
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/catalog"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/events"
)

// recoveryPlan captures what an abnormal drop needs to reconnect
type recoveryPlan struct {
	epoch  uint64
	target device.PeerAddress
	status device.Status
}

func (m *Manager) dispatch(ctx context.Context, ev device.LinkEvent) {
	m.opMu.Lock()
	out, plan := m.handleLocked(ev)
	m.publishAll(out)
	m.opMu.Unlock()

	if plan != nil {
		m.recoverLink(ctx, *plan)
	}
}

// handleLocked requires opMu. It applies one link event and returns the events to publish.
func (m *Manager) handleLocked(ev device.LinkEvent) ([]events.Event, *recoveryPlan) {
	m.mu.RLock()
	current, state := m.link, m.state
	m.mu.RUnlock()

	if ev.Link == nil || current == nil || ev.Link.ID() != current.ID() {
		fields := logrus.Fields{"event": ev.Kind.String()}
		if ev.Link != nil {
			fields["link_id"] = ev.Link.ID()
			fields["address"] = ev.Link.Address().String()
		}
		m.logger.WithFields(fields).Debug("Dropping event from stale link")
		return nil, nil
	}

	logger := m.logger.WithFields(logrus.Fields{
		"address": current.Address().String(),
		"state":   state.String(),
		"event":   ev.Kind.String(),
	})
	logger.Debug("Link event")

	switch ev.Kind {
	case device.LinkUp:
		if state != Connecting {
			logger.Debug("Ignoring link up outside connecting state")
			return nil, nil
		}
		m.setState(Connected)
		logger.Info("Connected")
		out := []events.Event{events.Connected{Header: events.NewHeader(current.Address())}}
		return append(out, m.startDiscoveryLocked(current)...), nil

	case device.ServicesResolved:
		if state != DiscoveringServices {
			logger.Debug("Ignoring discovery result outside discovery")
			return nil, nil
		}
		return m.finishDiscoveryLocked(current, ev), nil

	case device.LinkDown:
		return m.linkDownLocked(current, state, ev)

	case device.CharacteristicRead, device.CharacteristicWritten, device.CharacteristicChanged:
		return m.characteristicLocked(current, ev), nil

	default:
		logger.Warn("Unknown link event")
		return nil, nil
	}
}

// startDiscoveryLocked requires opMu
func (m *Manager) startDiscoveryLocked(link device.Link) []events.Event {
	m.setState(DiscoveringServices)
	if err := link.DiscoverServices(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": link.Address().String(),
			"error":   err,
		}).Warn("Failed to start service discovery")
		m.setState(Connected)
		return []events.Event{events.ServicesDiscovered{Header: events.NewHeader(link.Address()), Ready: false}}
	}
	return nil
}

func (m *Manager) finishDiscoveryLocked(link device.Link, ev device.LinkEvent) []events.Event {
	logger := m.logger.WithField("address", link.Address().String())

	if ev.Status != device.StatusSuccess {
		logger.WithField("status", ev.Status.String()).Warn("Service discovery failed")
		m.setState(Connected)
		return []events.Event{events.ServicesDiscovered{Header: events.NewHeader(link.Address()), Ready: false}}
	}

	cat := catalog.Build(ev.Services)

	m.mu.Lock()
	m.catalog = cat
	m.state = Ready
	m.mu.Unlock()
	m.attempts = 0

	logger.WithFields(logrus.Fields{
		"services":        cat.Len(),
		"characteristics": cat.CharacteristicCount(),
	}).Info("Session ready")

	return []events.Event{events.ServicesDiscovered{
		Header:   events.NewHeader(link.Address()),
		Ready:    true,
		Services: cat.Len(),
	}}
}

func (m *Manager) linkDownLocked(link device.Link, state State, ev device.LinkEvent) ([]events.Event, *recoveryPlan) {
	// A drop while a requested teardown is in progress is always treated as normal.
	abnormal := ev.Status != device.StatusSuccess &&
		ev.Status == m.opts.AbnormalStatus &&
		state != Disconnecting

	logger := m.logger.WithFields(logrus.Fields{
		"address":  link.Address().String(),
		"state":    state.String(),
		"status":   ev.Status.String(),
		"abnormal": abnormal,
	})
	if abnormal {
		logger.Warn("Link dropped abnormally")
	} else {
		logger.Info("Disconnected")
	}

	if err := m.releaseLinkLocked(link, Disconnected); err != nil {
		logger.WithError(err).Warn("Failed to release dropped link")
	}

	out := []events.Event{events.Disconnected{
		Header:   events.NewHeader(link.Address()),
		Status:   ev.Status,
		Abnormal: abnormal,
	}}
	if !abnormal {
		return out, nil
	}
	return out, &recoveryPlan{epoch: m.epoch, target: link.Address(), status: ev.Status}
}

func (m *Manager) characteristicLocked(link device.Link, ev device.LinkEvent) []events.Event {
	logger := m.logger.WithFields(logrus.Fields{
		"address":   link.Address().String(),
		"char_uuid": device.ShortUUID(ev.Characteristic),
		"event":     ev.Kind.String(),
	})

	var origin events.Origin
	switch ev.Kind {
	case device.CharacteristicRead:
		origin = events.OriginRead
	case device.CharacteristicWritten:
		origin = events.OriginWrite
	default:
		origin = events.OriginNotify
	}

	if ev.Status != device.StatusSuccess {
		logger.WithField("status", ev.Status.String()).Warn("Characteristic operation failed")
		return []events.Event{events.DataAvailable{
			Header:           events.NewHeader(link.Address()),
			CharacteristicID: ev.Characteristic,
			Origin:           origin,
			Status:           ev.Status,
		}}
	}

	value := bytes.Clone(ev.Value)
	m.mu.Lock()
	if m.catalog != nil {
		m.catalog.SetValue(ev.Characteristic, value)
	}
	m.mu.Unlock()

	logger.WithField("bytes", len(value)).Debug("Data available")

	return []events.Event{events.DataAvailable{
		Header:           events.NewHeader(link.Address()),
		CharacteristicID: ev.Characteristic,
		Value:            bytes.Clone(value),
		Origin:           origin,
		Status:           device.StatusSuccess,
	}}
}

// recoverLink reconnects to plan.target until a link is issued, a user
// mutation supersedes the plan, Close is requested, ctx ends or the attempt
// ceiling is reached.
func (m *Manager) recoverLink(ctx context.Context, plan recoveryPlan) {
	for {
		m.opMu.Lock()
		attempt, proceed := m.nextAttemptLocked(ctx, plan)
		if proceed && m.opts.ReportRecovery {
			m.publisher.Publish(events.Recovering{
				Header:  events.NewHeader(plan.target),
				Attempt: attempt,
				Status:  plan.status,
			})
		}
		m.opMu.Unlock()
		if !proceed {
			return
		}

		m.opMu.Lock()
		retry := m.reopenLocked(ctx, plan, attempt)
		m.opMu.Unlock()
		if !retry {
			return
		}
	}
}

// nextAttemptLocked requires opMu
func (m *Manager) nextAttemptLocked(ctx context.Context, plan recoveryPlan) (int, bool) {
	logger := m.logger.WithField("address", plan.target.String())

	if !m.recoveryValidLocked(ctx, plan) {
		logger.Debug("Recovery cancelled")
		return 0, false
	}

	m.attempts++
	if limit := m.opts.MaxRecoveryAttempts; limit > 0 && m.attempts > limit {
		logger.WithField("attempts", limit).Warn("Recovery attempts exhausted")
		return 0, false
	}
	return m.attempts, true
}

// reopenLocked requires opMu. It reports whether the link request failed and should be retried.
func (m *Manager) reopenLocked(ctx context.Context, plan recoveryPlan, attempt int) bool {
	logger := m.logger.WithFields(logrus.Fields{
		"address": plan.target.String(),
		"attempt": attempt,
	})

	if !m.recoveryValidLocked(ctx, plan) {
		logger.Debug("Recovery cancelled")
		return false
	}

	logger.WithField("interval", m.opts.RecoveryInterval).Info("Recovering link")
	if !m.pause(ctx, m.opts.RecoveryInterval) {
		logger.Debug("Recovery pause interrupted")
		return false
	}

	if err := m.openLocked(plan.target); err != nil {
		return true
	}
	return false
}

func (m *Manager) recoveryValidLocked(ctx context.Context, plan recoveryPlan) bool {
	if ctx.Err() != nil || m.pendingClose.Load() > 0 || m.epoch != plan.epoch {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link == nil
}
