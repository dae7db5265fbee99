package relay

import (
	"log/slog"

	"github.com/chase3718/midirelay/pkg/transport"
)

// Presenter shows relay state to the user. The Controller calls it from a
// single goroutine.
type Presenter interface {
	LogMessage(text string)
	SetConnectedState(connected bool)
	DevicesChanged(inputs, outputs []transport.Endpoint)
}

// Presenters fans out to several presenters in order.
type Presenters []Presenter

func (ps Presenters) LogMessage(text string) {
	for _, p := range ps {
		p.LogMessage(text)
	}
}

func (ps Presenters) SetConnectedState(connected bool) {
	for _, p := range ps {
		p.SetConnectedState(connected)
	}
}

func (ps Presenters) DevicesChanged(inputs, outputs []transport.Endpoint) {
	for _, p := range ps {
		p.DevicesChanged(inputs, outputs)
	}
}

// LogPresenter writes everything to a slog logger. It is the headless
// console UI.
type LogPresenter struct {
	Log *slog.Logger
}

func (p LogPresenter) LogMessage(text string) {
	p.Log.Info(text)
}

func (p LogPresenter) SetConnectedState(connected bool) {
	p.Log.Debug("relay: connected state", "connected", connected)
}

func (p LogPresenter) DevicesChanged(inputs, outputs []transport.Endpoint) {
	for _, ep := range inputs {
		p.Log.Info("input", "id", ep.ID, "device", ep.Name, "wireless", ep.Wireless)
	}
	for _, ep := range outputs {
		p.Log.Info("output", "id", ep.ID, "device", ep.Name, "wireless", ep.Wireless)
	}
}
