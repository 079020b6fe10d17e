package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
)

// DefaultHandshakeWindow is how long after first consumption a connection
// ticket keeps validating, to tolerate websocket upgrade retries.
const DefaultHandshakeWindow = 10 * time.Second

// ConnectionTicketGrain is the short-lived, in-memory-only activation that
// backs a single websocket handshake (spec.md §4.8). It is not persisted:
// on deactivation the ticket is simply gone.
type ConnectionTicketGrain struct {
	mu              sync.Mutex
	handshakeWindow time.Duration
	ticket          string
	consumedAt      time.Time
	consumed        bool
	deactivate      func()
	timer           *time.Timer
}

// NewConnectionTicketGrain constructs an activation for one handshake.
// deactivate is invoked once the handshake window elapses with no further
// validation, modelling the activation's self-deactivation.
func NewConnectionTicketGrain(handshakeWindow time.Duration, deactivate func()) *ConnectionTicketGrain {
	if handshakeWindow <= 0 {
		handshakeWindow = DefaultHandshakeWindow
	}
	return &ConnectionTicketGrain{handshakeWindow: handshakeWindow, deactivate: deactivate}
}

// CreateTicket mints a random 256-bit ticket and arms the deactivation
// timer, so a ticket that is never consumed expires after one handshake
// window; the timer restarts once the handshake window opens on first
// consumption.
func (g *ConnectionTicketGrain) CreateTicket(_ context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", titanerrors.Internal("generating connection ticket", err)
	}
	g.ticket = base64.RawURLEncoding.EncodeToString(buf)
	g.armDeactivation()
	return g.ticket, nil
}

// ValidateAndConsume returns true exactly once for a fresh ticket, then
// keeps returning true for any call arriving within the handshake window
// of the first consumption; after the window it deactivates and every
// later call fails.
func (g *ConnectionTicketGrain) ValidateAndConsume(_ context.Context, ticket string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ticket == "" || ticket != g.ticket {
		return false, nil
	}

	now := time.Now()
	if !g.consumed {
		g.consumed = true
		g.consumedAt = now
		g.armDeactivation()
		return true, nil
	}

	if now.Sub(g.consumedAt) <= g.handshakeWindow {
		return true, nil
	}

	g.expireLocked()
	return false, nil
}

func (g *ConnectionTicketGrain) armDeactivation() {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.handshakeWindow, func() {
		g.mu.Lock()
		g.expireLocked()
		g.mu.Unlock()
	})
}

func (g *ConnectionTicketGrain) expireLocked() {
	g.ticket = ""
	if g.deactivate != nil {
		g.deactivate()
		g.deactivate = nil
	}
}
