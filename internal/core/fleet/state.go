package fleet

import (
	"fmt"
	"sync"

	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

// State is a step of the fleet lifecycle.
type State string

const (
	// StateEmpty means nothing is acquired
	StateEmpty State = "empty"

	// StateNetworkUp means the network exists
	StateNetworkUp State = "network_up"

	// StatePoolUp means every circuit is running
	StatePoolUp State = "pool_up"

	// StatePoolAttached means every circuit joined the network
	StatePoolAttached State = "pool_attached"

	// StateBalancerUp means the balancer runs with the circuit snapshot
	StateBalancerUp State = "balancer_up"

	// StateReady means the balancer joined the network and a client was handed out
	StateReady State = "ready"

	// StateTearingDown means resources are being released
	StateTearingDown State = "tearing_down"
)

var validTransitions = map[State][]State{
	StateEmpty:        {StateNetworkUp},
	StateNetworkUp:    {StatePoolUp, StateTearingDown},
	StatePoolUp:       {StatePoolAttached, StateTearingDown},
	StatePoolAttached: {StateBalancerUp, StateTearingDown},
	StateBalancerUp:   {StateReady, StateTearingDown},
	StateReady:        {StateTearingDown},
	StateTearingDown:  {StateEmpty},
}

// stateMachine guards fleet transitions.
type stateMachine struct {
	mu      sync.RWMutex
	current State
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateEmpty}
}

func (s *stateMachine) get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *stateMachine) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, valid := range validTransitions[s.current] {
		if valid == to {
			s.current = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errdefs.ErrInvalidTransition, s.current, to)
}
