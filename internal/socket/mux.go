package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/1ureka/torrelay/internal/registry"
	"github.com/1ureka/torrelay/internal/util"
)

// Sender is the part of Controller the mux needs.
type Sender interface {
	Send(payload string, forceBuffer bool) error
}

// Mux carries many tabs over one controller. Outbound orders are numbered;
// inbound orders are routed to the tab registered under their tab ID.
type Mux struct {
	tabs   *registry.Registry
	sender atomic.Pointer[Sender]
	nextID atomic.Int64
	misses atomic.Uint64
}

// NewMux routes inbound orders through tabs.
func NewMux(tabs *registry.Registry) *Mux {
	return &Mux{tabs: tabs}
}

// Bind sets the sender used by Send. Typically the Controller whose
// OnOrder hook is Dispatch.
func (m *Mux) Bind(s Sender) {
	m.sender.Store(&s)
}

// Send wraps message in an order for tab and hands it to the controller.
func (m *Mux) Send(tab TabID, message any, forceBuffer bool) error {
	sp := m.sender.Load()
	if sp == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message for tab %s: %w", tab, err)
	}
	data, err := json.Marshal(Order{ID: m.nextID.Add(1), TabID: tab, Message: raw})
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	return (*sp).Send(string(data), forceBuffer)
}

// Dispatch delivers an inbound order to its tab. Orders for unknown tabs
// are dropped.
func (m *Mux) Dispatch(o Order) {
	err := m.tabs.Send(string(o.TabID), o.Message)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNotFound):
		m.misses.Add(1)
		util.LogDebug("order for tab %s dropped: no such tab", o.TabID)
	default:
		util.LogWarning("order for tab %s dropped: %v", o.TabID, err)
	}
}

// Misses counts orders whose tab was not registered.
func (m *Mux) Misses() uint64 {
	return m.misses.Load()
}
