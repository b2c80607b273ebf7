package application

import (
	"fmt"

	"github.com/davarch/redeploy/internal/domain"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle          State = "idle"
	StateBackingUp     State = "backing_up"
	StateSyncing       State = "syncing"
	StateInstalling    State = "installing"
	StatePreVerifying  State = "pre_verifying"
	StateBuilding      State = "building"
	StateActivating    State = "activating"
	StatePostVerifying State = "post_verifying"
	StateSucceeded     State = "succeeded"
	StateRollingBack   State = "rolling_back"
	StateRolledBack    State = "rolled_back"
	StateFailed        State = "failed"
)

var phaseStates = map[domain.PhaseName]State{
	domain.PhaseBackup:     StateBackingUp,
	domain.PhaseSync:       StateSyncing,
	domain.PhaseInstall:    StateInstalling,
	domain.PhasePreVerify:  StatePreVerifying,
	domain.PhaseBuild:      StateBuilding,
	domain.PhaseActivate:   StateActivating,
	domain.PhasePostVerify: StatePostVerifying,
}

// forward order of the phase states; Idle is 0.
var stateOrder = map[State]int{
	StateIdle:          0,
	StateBackingUp:     1,
	StateSyncing:       2,
	StateInstalling:    3,
	StatePreVerifying:  4,
	StateBuilding:      5,
	StateActivating:    6,
	StatePostVerifying: 7,
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateRolledBack || s == StateFailed
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateFailed:
		return true
	case StateRolledBack:
		return from == StateRollingBack
	case StateRollingBack:
		// Nothing to roll back before the first mutating phase.
		return stateOrder[from] > stateOrder[StateBackingUp]
	case StateSucceeded:
		// PreVerifying is the last phase of a dry run.
		return from == StatePostVerifying || from == StatePreVerifying
	}

	fo, fok := stateOrder[from]
	tn, tok := stateOrder[to]
	return fok && tok && tn > fo
}

type stateMachine struct {
	log     *zap.Logger
	current State
	trail   []State
}

func newStateMachine(l *zap.Logger) *stateMachine {
	return &stateMachine{log: l, current: StateIdle, trail: []State{StateIdle}}
}

func (m *stateMachine) State() State { return m.current }

func (m *stateMachine) to(next State) error {
	if !canTransition(m.current, next) {
		return fmt.Errorf("illegal transition %s -> %s", m.current, next)
	}
	m.log.Debug("state", zap.String("from", string(m.current)), zap.String("to", string(next)))
	m.current = next
	m.trail = append(m.trail, next)
	return nil
}
