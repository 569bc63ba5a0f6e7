package goble

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
)

// Link is one go-ble connection attempt and, once dialled, the connection itself
type Link struct {
	id     uint64
	addr   device.PeerAddress
	dev    ble.Device
	events chan<- device.LinkEvent
	opts   TransportOptions
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	solicited atomic.Bool // Disconnect or Close requested
	closeOnce sync.Once

	mu         sync.RWMutex
	dialCancel context.CancelFunc
	client     ble.Client
	handles    map[uuid.UUID]*ble.Characteristic
	subscribed map[uuid.UUID]bool
}

func newLink(parent context.Context, id uint64, addr device.PeerAddress, dev ble.Device, events chan<- device.LinkEvent, opts TransportOptions, logger *logrus.Logger) *Link {
	ctx, cancel := context.WithCancel(parent)
	return &Link{
		id:         id,
		addr:       addr,
		dev:        dev,
		events:     events,
		opts:       opts,
		logger:     logger.WithFields(logrus.Fields{"address": addr.String(), "link_id": id}),
		ctx:        ctx,
		cancel:     cancel,
		handles:    make(map[uuid.UUID]*ble.Characteristic),
		subscribed: make(map[uuid.UUID]bool),
	}
}

// ID identifies this link among all links opened by the transport
func (l *Link) ID() uint64 { return l.id }

// Address returns the peer this link was opened for
func (l *Link) Address() device.PeerAddress { return l.addr }

func (l *Link) start() {
	groutine.Go(l.ctx, "ble-dial", func(ctx context.Context) {
		dialCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
		defer cancel()
		l.mu.Lock()
		l.dialCancel = cancel
		l.mu.Unlock()

		l.logger.WithField("timeout", l.opts.ConnectTimeout).Debug("Dialing BLE device...")
		client, err := l.dev.Dial(dialCtx, ble.NewAddr(l.addr.String()))
		if err != nil {
			status := statusFor(err)
			switch {
			case l.solicited.Load():
				status = device.StatusSuccess
			case l.opts.RetryDialTimeout && ctx.Err() == nil && dialTimedOut(dialCtx, err):
				status = l.opts.AbnormalStatus
			}
			l.logger.WithFields(logrus.Fields{
				"error":  err,
				"status": status.String(),
			}).Warn("Failed to dial BLE device")
			l.emit(device.LinkEvent{Kind: device.LinkDown, Status: status})
			return
		}

		l.mu.Lock()
		l.client = client
		l.mu.Unlock()

		if ctx.Err() != nil {
			// closed while dialling
			_ = client.CancelConnection()
			return
		}
		if l.solicited.Load() {
			// disconnect requested while dialling
			_ = client.CancelConnection()
			l.emit(device.LinkEvent{Kind: device.LinkDown, Status: device.StatusSuccess})
			return
		}

		l.logger.Info("BLE device connected")
		l.emit(device.LinkEvent{Kind: device.LinkUp})
		l.monitor(client)
	})
}

// monitor reports the end of the connection
func (l *Link) monitor(client ble.Client) {
	disc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(l.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-disc.Disconnected():
			status := device.StatusSuccess
			if !l.solicited.Load() {
				status = l.opts.AbnormalStatus
				l.logger.WithField("status", status.String()).Warn("Peer dropped the connection")
			} else {
				l.logger.Info("BLE device disconnected")
			}
			l.emit(device.LinkEvent{Kind: device.LinkDown, Status: status})
		case <-ctx.Done():
		}
	})
}

// Resume accepts the request when the link is still dialling or connected
func (l *Link) Resume() error {
	if l.ctx.Err() != nil || l.solicited.Load() {
		return device.ErrNotConnected
	}
	return nil
}

// DiscoverServices walks the peer's profile in the background and reports ServicesResolved
func (l *Link) DiscoverServices() error {
	client, err := l.connected()
	if err != nil {
		return err
	}

	groutine.Go(l.ctx, "ble-discover", func(ctx context.Context) {
		l.logger.Debug("Discovering services and characteristics...")
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			l.logger.WithField("error", err).Error("Failed to discover profile")
			l.emit(device.LinkEvent{Kind: device.ServicesResolved, Status: statusFor(err)})
			return
		}

		services, handles := ConvertProfile(profile)
		l.mu.Lock()
		l.handles = handles
		l.mu.Unlock()

		l.logger.WithFields(logrus.Fields{
			"services":        len(services),
			"characteristics": len(handles),
		}).Debug("Profile discovered successfully")
		l.emit(device.LinkEvent{Kind: device.ServicesResolved, Status: device.StatusSuccess, Services: services})
	})
	return nil
}

// ReadCharacteristic reads id in the background and reports CharacteristicRead
func (l *Link) ReadCharacteristic(id uuid.UUID) error {
	client, char, err := l.characteristic(id)
	if err != nil {
		return err
	}

	groutine.Go(l.ctx, "ble-read", func(ctx context.Context) {
		value, err := client.ReadCharacteristic(char)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"char_uuid": device.ShortUUID(id),
				"error":     NormalizeError(err),
			}).Warn("Failed to read characteristic")
		}
		l.emit(device.LinkEvent{
			Kind:           device.CharacteristicRead,
			Status:         statusFor(err),
			Characteristic: id,
			Value:          bytes.Clone(value),
		})
	})
	return nil
}

// WriteCharacteristic writes data to id. Only a write with response reports CharacteristicWritten.
func (l *Link) WriteCharacteristic(id uuid.UUID, data []byte, withResponse bool) error {
	client, char, err := l.characteristic(id)
	if err != nil {
		return err
	}
	payload := bytes.Clone(data)

	groutine.Go(l.ctx, "ble-write", func(ctx context.Context) {
		err := client.WriteCharacteristic(char, payload, !withResponse)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"char_uuid": device.ShortUUID(id),
				"error":     NormalizeError(err),
			}).Warn("Failed to write characteristic")
		}
		if withResponse {
			l.emit(device.LinkEvent{
				Kind:           device.CharacteristicWritten,
				Status:         statusFor(err),
				Characteristic: id,
				Value:          payload,
			})
		}
	})
	return nil
}

// SetNotify subscribes to or unsubscribes from id, using indications when the characteristic cannot notify.
// Values arrive as CharacteristicChanged.
func (l *Link) SetNotify(id uuid.UUID, enabled bool) error {
	client, char, err := l.characteristic(id)
	if err != nil {
		return err
	}
	// Indicate only when the characteristic cannot notify
	indicate := char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0

	l.mu.Lock()
	already := l.subscribed[id]
	l.subscribed[id] = enabled
	l.mu.Unlock()
	if already == enabled {
		return nil
	}

	logger := l.logger.WithFields(logrus.Fields{"char_uuid": device.ShortUUID(id), "enabled": enabled})
	groutine.Go(l.ctx, "ble-subscribe", func(ctx context.Context) {
		var err error
		if enabled {
			err = client.Subscribe(char, indicate, func(data []byte) {
				l.emit(device.LinkEvent{
					Kind:           device.CharacteristicChanged,
					Status:         device.StatusSuccess,
					Characteristic: id,
					Value:          bytes.Clone(data),
				})
			})
		} else {
			err = client.Unsubscribe(char, indicate)
		}
		if err != nil {
			l.mu.Lock()
			l.subscribed[id] = already
			l.mu.Unlock()
			logger.WithField("error", NormalizeError(err)).Warn("Failed to change notification state")
			return
		}
		logger.Debug("Notification state changed")
	})
	return nil
}

// Disconnect requests teardown. LinkDown follows once the peer confirms or the pending dial is abandoned.
func (l *Link) Disconnect() error {
	l.solicited.Store(true)

	l.mu.RLock()
	client := l.client
	l.mu.RUnlock()

	if client == nil {
		l.cancelDial()
		return nil
	}

	groutine.Go(l.ctx, "ble-disconnect", func(ctx context.Context) {
		err := client.CancelConnection()
		if err != nil {
			l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		}
		if _, ok := client.(interface{ Disconnected() <-chan struct{} }); !ok || err != nil {
			l.emit(device.LinkEvent{Kind: device.LinkDown, Status: device.StatusSuccess})
		}
	})
	return nil
}

// Close releases the link. No events are delivered after it returns.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		wasSolicited := l.solicited.Swap(true)
		l.cancel()

		l.mu.Lock()
		client := l.client
		l.handles = make(map[uuid.UUID]*ble.Characteristic)
		l.subscribed = make(map[uuid.UUID]bool)
		l.mu.Unlock()

		if client != nil && !wasSolicited {
			err = NormalizeError(client.CancelConnection())
		}
	})
	return err
}

// cancelDial aborts a pending dial; the dial goroutine sees the solicited flag and reports a normal drop
func (l *Link) cancelDial() {
	l.mu.RLock()
	cancel := l.dialCancel
	l.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Link) connected() (ble.Client, error) {
	if l.ctx.Err() != nil {
		return nil, device.ErrNotConnected
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.client == nil {
		return nil, device.ErrNotConnected
	}
	return l.client, nil
}

func (l *Link) characteristic(id uuid.UUID) (ble.Client, *ble.Characteristic, error) {
	client, err := l.connected()
	if err != nil {
		return nil, nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	char, ok := l.handles[id]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.ShortUUID(id)}}
	}
	return client, char, nil
}

func (l *Link) emit(ev device.LinkEvent) {
	ev.Link = l
	if l.ctx.Err() != nil {
		return
	}
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}
