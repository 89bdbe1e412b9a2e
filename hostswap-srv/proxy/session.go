package proxy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TunnelState is the lifecycle state of a CONNECT tunnel.
type TunnelState int

const (
	TunnelConnecting TunnelState = iota
	TunnelEstablished
	TunnelFailed
	TunnelClosed
)

func (s TunnelState) String() string {
	switch s {
	case TunnelConnecting:
		return "Connecting"
	case TunnelEstablished:
		return "Established"
	case TunnelFailed:
		return "Failed"
	case TunnelClosed:
		return "Closed"
	default:
		return fmt.Sprintf("TunnelState(%d)", int(s))
	}
}

// ErrIllegalTransition is returned for transitions the tunnel lifecycle forbids.
var ErrIllegalTransition = errors.New("illegal tunnel state transition")

// TunnelSession tracks one CONNECT request from parsing to teardown.
type TunnelSession struct {
	ID           string
	ClientAddr   string
	UpstreamAddr string
	Redirected   bool
	StartedAt    time.Time

	mu    sync.Mutex
	state TunnelState
}

// NewTunnelSession creates a session in the Connecting state.
func NewTunnelSession(clientAddr string) *TunnelSession {
	return &TunnelSession{
		ID:         uuid.NewString(),
		ClientAddr: clientAddr,
		StartedAt:  time.Now(),
		state:      TunnelConnecting,
	}
}

// State returns the current state.
func (s *TunnelSession) State() TunnelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next. Only Connecting→Established,
// Connecting→Failed and Established→Closed are allowed.
func (s *TunnelSession) Transition(next TunnelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := false
	switch s.state {
	case TunnelConnecting:
		allowed = next == TunnelEstablished || next == TunnelFailed
	case TunnelEstablished:
		allowed = next == TunnelClosed
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, next)
	}
	s.state = next
	return nil
}
