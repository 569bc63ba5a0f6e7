package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/tracelog"
	"golang.org/x/term"
)

const timestampLayout = "15:04:05.000"

// eventPrinter writes one line per event or trace record
type eventPrinter struct {
	mu         sync.Mutex
	w          io.Writer
	timestamps bool
	kindColors map[string]*color.Color
}

// newEventPrinter creates a printer; colors are used only when colorize is set
func newEventPrinter(w io.Writer, colorize, timestamps bool) *eventPrinter {
	p := &eventPrinter{
		w:          w,
		timestamps: timestamps,
		kindColors: map[string]*color.Color{
			events.KindConnected.String():          color.New(color.FgGreen, color.Bold),
			events.KindServicesDiscovered.String(): color.New(color.FgGreen),
			events.KindDisconnected.String():       color.New(color.FgRed, color.Bold),
			events.KindRecovering.String():         color.New(color.FgYellow),
			events.KindDataAvailable.String():      color.New(color.FgCyan),
			events.KindPeerFound.String():          color.New(color.FgBlue),
			events.KindScanFinished.String():       color.New(color.FgBlue, color.Bold),
		},
	}
	for _, c := range p.kindColors {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Handle implements events.Subscriber
func (p *eventPrinter) Handle(e events.Event) {
	p.PrintRecord(tracelog.NewRecord(e))
}

// PrintRecord writes r as a single line
func (p *eventPrinter) PrintRecord(r tracelog.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	if p.timestamps {
		b.WriteString(r.Timestamp.Format(timestampLayout))
		b.WriteByte(' ')
	}
	kind := r.Kind
	if c, ok := p.kindColors[r.Kind]; ok {
		kind = c.Sprint(r.Kind)
	}
	b.WriteString(kind)
	if r.Address != "" {
		b.WriteByte(' ')
		b.WriteString(r.Address)
	}
	for _, field := range recordFields(r) {
		b.WriteByte(' ')
		b.WriteString(field)
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(p.w, b.String())
}

// recordFields renders the kind specific attributes as key=value pairs
func recordFields(r tracelog.Record) []string {
	switch r.Kind {
	case events.KindDisconnected.String():
		return []string{"status=" + device.Status(r.Status).String(), fmt.Sprintf("abnormal=%t", r.Abnormal)}
	case events.KindServicesDiscovered.String():
		return []string{fmt.Sprintf("ready=%t", r.Ready), fmt.Sprintf("services=%d", r.Services)}
	case events.KindDataAvailable.String():
		fields := []string{"char=" + shortCharacteristic(r.Characteristic), "origin=" + r.Origin}
		if status := device.Status(r.Status); status != device.StatusSuccess {
			return append(fields, "status="+status.String())
		}
		return append(fields, "value="+hex.EncodeToString(r.Value))
	case events.KindPeerFound.String():
		fields := []string{fmt.Sprintf("name=%q", r.Name), fmt.Sprintf("rssi=%d", r.RSSI)}
		if len(r.AdvertisedUUIDs) > 0 {
			fields = append(fields, "services="+strings.Join(r.AdvertisedUUIDs, ","))
		}
		return fields
	case events.KindScanFinished.String():
		return []string{fmt.Sprintf("peers=%d", r.Peers)}
	case events.KindRecovering.String():
		return []string{fmt.Sprintf("attempt=%d", r.Attempt), "status=" + device.Status(r.Status).String()}
	default:
		return nil
	}
}

func shortCharacteristic(s string) string {
	id, err := device.ParseUUID(s)
	if err != nil {
		return s
	}
	return device.ShortUUID(id)
}
