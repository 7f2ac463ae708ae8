package pool

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrAcquireTimeout = errors.New("agent acquisition timed out")
	ErrNotAllocated   = errors.New("agent is not allocated")
	ErrAgentLost      = errors.New("agent lost")
	ErrAgentExists    = errors.New("agent already registered")
	ErrUnknownAgent   = errors.New("agent not registered")
)

// AcquireError is returned when no matching agent became free in time.
type AcquireError struct {
	Labels  []string
	Timeout time.Duration
}

func (e *AcquireError) Error() string {
	want := "any"
	if len(e.Labels) > 0 {
		want = strings.Join(e.Labels, ",")
	}
	return fmt.Sprintf("no agent matching [%s] free after %s", want, e.Timeout)
}

func (e *AcquireError) Is(target error) bool { return target == ErrAcquireTimeout }

// ReleaseError reports a release of a lease that is not allocated.
type ReleaseError struct {
	AgentID string
	LeaseID string
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release lease %s on agent %s: not allocated", e.LeaseID, e.AgentID)
}

func (e *ReleaseError) Is(target error) bool { return target == ErrNotAllocated }

// Reasons an agent is lost mid-step.
const (
	LostEvicted    = "evicted"
	LostConnection = "connection lost"
)

// AgentLostError is returned for work interrupted because its agent went
// away: evicted from the pool, or its stream dropped.
type AgentLostError struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *AgentLostError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = LostEvicted
	}
	msg := fmt.Sprintf("agent %s lost during execution: %s", e.AgentID, reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AgentLostError) Unwrap() error { return e.Err }

func (e *AgentLostError) Is(target error) bool { return target == ErrAgentLost }
