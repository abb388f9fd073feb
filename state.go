package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StatePhase is the top-level protocol phase.
type StatePhase string

const (
	PhaseInitial       StatePhase = "initial"
	PhaseHandshake     StatePhase = "handshake"
	PhaseActive        StatePhase = "active"
	PhaseSynchronizing StatePhase = "synchronizing"
	PhaseError         StatePhase = "error"
	PhaseShutdown      StatePhase = "shutdown"
)

// StateSub qualifies a phase.
type StateSub string

const (
	// Handshake
	SubWaiting    StateSub = "waiting"
	SubInProgress StateSub = "in_progress"
	SubProcessing StateSub = "processing"
	SubCompleted  StateSub = "completed"
	SubFailed     StateSub = "failed"

	// Active
	SubNormal   StateSub = "normal"
	SubHighLoad StateSub = "high_load"
	SubDegraded StateSub = "degraded"

	// Synchronizing
	SubRequesting StateSub = "requesting"
	SubReceiving  StateSub = "receiving"
	SubApplying   StateSub = "applying"
	SubVerifying  StateSub = "verifying"

	// Error
	SubNetworkError   StateSub = "network"
	SubConsensusError StateSub = "consensus"
	SubCryptoError    StateSub = "crypto"
	SubResourceError  StateSub = "resource"
	SubInternalError  StateSub = "internal"
)

// ProtocolState is a tagged (phase, sub) pair. Initial and Shutdown carry
// no sub-state.
type ProtocolState struct {
	Phase StatePhase `json:"phase"`
	Sub   StateSub   `json:"sub,omitempty"`
}

func (s ProtocolState) String() string {
	if s.Sub == "" {
		return string(s.Phase)
	}
	return string(s.Phase) + "/" + string(s.Sub)
}

var (
	StateInitial  = ProtocolState{Phase: PhaseInitial}
	StateShutdown = ProtocolState{Phase: PhaseShutdown}
)

func StateHandshake(sub StateSub) ProtocolState {
	return ProtocolState{Phase: PhaseHandshake, Sub: sub}
}

func StateActive(sub StateSub) ProtocolState {
	return ProtocolState{Phase: PhaseActive, Sub: sub}
}

func StateSynchronizing(sub StateSub) ProtocolState {
	return ProtocolState{Phase: PhaseSynchronizing, Sub: sub}
}

func StateError(sub StateSub) ProtocolState {
	return ProtocolState{Phase: PhaseError, Sub: sub}
}

// SessionMetrics aggregates per-session traffic counters.
type SessionMetrics struct {
	MessagesSent    uint64        `json:"messages_sent"`
	MessagesReceived uint64       `json:"messages_received"`
	BytesSent       uint64        `json:"bytes_sent"`
	BytesReceived   uint64        `json:"bytes_received"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ErrorCount      uint64        `json:"error_count"`
}

// SessionInfo tracks one peer session through its lifecycle.
type SessionInfo struct {
	ID              uuid.UUID       `json:"id"`
	PeerID          PeerID          `json:"peer_id"`
	ProtocolVersion ProtocolVersion `json:"protocol_version"`
	State           ProtocolState   `json:"state"`
	StartedAt       time.Time       `json:"started_at"`
	LastActivity    time.Time       `json:"last_activity"`
	Capabilities    []string        `json:"capabilities"`
	Metrics         SessionMetrics  `json:"metrics"`
}

// StateTransition is one history entry.
type StateTransition struct {
	Timestamp time.Time
	From      ProtocolState
	To        ProtocolState
	Reason    string
	Duration  time.Duration // time spent in From
}

// StateMachineMetrics is the aggregate view of the machine.
type StateMachineMetrics struct {
	CurrentState     ProtocolState `json:"current_state"`
	Uptime           time.Duration `json:"uptime"`
	ActiveSessions   int           `json:"active_sessions"`
	TotalTransitions int           `json:"total_transitions"`
	MessagesSent     uint64        `json:"messages_sent"`
	MessagesReceived uint64        `json:"messages_received"`
	BytesSent        uint64        `json:"bytes_sent"`
	BytesReceived    uint64        `json:"bytes_received"`
	TotalErrors      uint64        `json:"total_errors"`
}

// ProtocolStateMachine drives the node lifecycle and the per-peer
// sessions. Not safe for concurrent use; the owning task serialises
// access.
type ProtocolStateMachine struct {
	current       ProtocolState
	previous      *ProtocolState
	history       []StateTransition
	sessions      map[uuid.UUID]*SessionInfo
	startedAt     time.Time
	version       ProtocolVersion
	cfg           StateMachineConfig
	loadShedding  bool
	onTransition  func(from, to ProtocolState)
}

// SetTransitionHook observes accepted transitions (metrics wiring).
func (sm *ProtocolStateMachine) SetTransitionHook(fn func(from, to ProtocolState)) {
	sm.onTransition = fn
}

func NewProtocolStateMachine(version ProtocolVersion, cfg StateMachineConfig) *ProtocolStateMachine {
	return &ProtocolStateMachine{
		current:   StateInitial,
		sessions:  make(map[uuid.UUID]*SessionInfo),
		startedAt: time.Now(),
		version:   version,
		cfg:       cfg,
	}
}

func (sm *ProtocolStateMachine) CurrentState() ProtocolState { return sm.current }

func (sm *ProtocolStateMachine) ActiveSessions() int { return len(sm.sessions) }

func (sm *ProtocolStateMachine) Version() ProtocolVersion { return sm.version }

func (sm *ProtocolStateMachine) Uptime() time.Duration { return time.Since(sm.startedAt) }

// LoadShedding reports whether non-critical requests should be dropped.
func (sm *ProtocolStateMachine) LoadShedding() bool { return sm.loadShedding }

// validTransition encodes the transition table. Self-transitions are
// allowed for state refreshes.
func validTransition(from, to ProtocolState) bool {
	if from == to {
		return true
	}
	switch from.Phase {
	case PhaseInitial:
		return to == StateHandshake(SubWaiting) || to.Phase == PhaseError || to == StateShutdown

	case PhaseHandshake:
		if to == StateShutdown {
			return true
		}
		switch from.Sub {
		case SubWaiting:
			return to == StateHandshake(SubInProgress)
		case SubInProgress:
			return to == StateHandshake(SubProcessing) || to == StateHandshake(SubFailed)
		case SubProcessing:
			return to == StateHandshake(SubCompleted) || to == StateHandshake(SubFailed)
		case SubCompleted:
			return to == StateActive(SubNormal)
		case SubFailed:
			return to == StateError(SubNetworkError)
		}
		return false

	case PhaseActive:
		if to.Phase == PhaseError || to == StateShutdown {
			return true
		}
		switch from.Sub {
		case SubNormal:
			return to == StateActive(SubHighLoad) || to == StateActive(SubDegraded) ||
				to == StateSynchronizing(SubRequesting)
		case SubHighLoad:
			return to == StateActive(SubNormal) || to == StateActive(SubDegraded)
		case SubDegraded:
			return to == StateActive(SubNormal) || to == StateSynchronizing(SubRequesting)
		}
		return false

	case PhaseSynchronizing:
		if to == StateShutdown {
			return true
		}
		switch from.Sub {
		case SubRequesting:
			return to == StateSynchronizing(SubReceiving) || to == StateError(SubNetworkError)
		case SubReceiving:
			return to == StateSynchronizing(SubApplying) || to == StateError(SubNetworkError)
		case SubApplying:
			return to == StateSynchronizing(SubVerifying) || to == StateError(SubInternalError)
		case SubVerifying:
			return to == StateActive(SubNormal) || to == StateError(SubInternalError)
		}
		return false

	case PhaseError:
		return to == StateInitial || to == StateShutdown

	case PhaseShutdown:
		return false
	}
	return false
}

// TransitionTo moves the machine to a new state, recording history and
// running the entry actions. Rejected transitions leave the state
// untouched.
func (sm *ProtocolStateMachine) TransitionTo(to ProtocolState, reason string) error {
	if !validTransition(sm.current, to) {
		return &InvalidTransitionError{From: sm.current, To: to}
	}

	now := time.Now()
	duration := now.Sub(sm.startedAt)
	if last := len(sm.history); last > 0 {
		duration = now.Sub(sm.history[last-1].Timestamp)
	}

	logrus.Debugf("[state] %s -> %s (%s)", sm.current, to, reason)

	prev := sm.current
	sm.previous = &prev
	sm.current = to
	sm.history = append(sm.history, StateTransition{
		Timestamp: now,
		From:      prev,
		To:        to,
		Reason:    reason,
		Duration:  duration,
	})
	if len(sm.history) > sm.cfg.MaxHistorySize {
		sm.history = sm.history[1:]
	}

	sm.onEntry(reason)
	if sm.onTransition != nil {
		sm.onTransition(prev, to)
	}
	return nil
}

// onEntry runs the entry action for the current state.
func (sm *ProtocolStateMachine) onEntry(reason string) {
	switch sm.current.Phase {
	case PhaseInitial:
		// Recovery entry point: start with a clean session table.
		for id := range sm.sessions {
			delete(sm.sessions, id)
		}
		sm.loadShedding = false

	case PhaseHandshake:
		if sm.current.Sub == SubFailed {
			logrus.Warnf("[state] handshake failed: %s", reason)
			sm.cleanupFailedSessions()
		}

	case PhaseActive:
		switch sm.current.Sub {
		case SubHighLoad:
			logrus.Warnf("[state] high load, shedding non-critical requests")
			sm.loadShedding = true
		case SubNormal:
			sm.loadShedding = false
		case SubDegraded:
			logrus.Warnf("[state] degraded: %s", reason)
		}

	case PhaseError:
		logrus.Errorf("[state] error state %s: %s", sm.current.Sub, reason)
		switch sm.current.Sub {
		case SubNetworkError:
			sm.cleanupFailedSessions()
		case SubResourceError:
			sm.trimHistory()
			sm.cleanupTimedOutSessions()
		}

	case PhaseShutdown:
		for _, s := range sm.sessions {
			s.State = StateShutdown
		}
	}
}

func (sm *ProtocolStateMachine) cleanupFailedSessions() {
	for id, s := range sm.sessions {
		if s.State.Phase == PhaseError || s.State == StateHandshake(SubFailed) {
			delete(sm.sessions, id)
		}
	}
}

func (sm *ProtocolStateMachine) cleanupTimedOutSessions() {
	now := time.Now()
	for id, s := range sm.sessions {
		if now.Sub(s.LastActivity) > sm.cfg.SessionTimeout {
			delete(sm.sessions, id)
		}
	}
}

func (sm *ProtocolStateMachine) trimHistory() {
	if keep := sm.cfg.MaxHistorySize / 2; len(sm.history) > keep {
		sm.history = append([]StateTransition(nil), sm.history[len(sm.history)-keep:]...)
	}
}

// CreateSession opens a session after version negotiation. Enforces the
// session cap and major-version compatibility.
func (sm *ProtocolStateMachine) CreateSession(peer PeerID, version ProtocolVersion, capabilities []string) (uuid.UUID, error) {
	if len(sm.sessions) >= sm.cfg.MaxSessions {
		return uuid.Nil, &InvalidDataError{Reason: "max sessions reached"}
	}
	if !sm.version.Compatible(version) {
		return uuid.Nil, &VersionMismatchError{Expected: sm.version, Actual: version}
	}

	id := uuid.New()
	now := time.Now()
	sm.sessions[id] = &SessionInfo{
		ID:              id,
		PeerID:          peer,
		ProtocolVersion: version,
		State:           StateHandshake(SubWaiting),
		StartedAt:       now,
		LastActivity:    now,
		Capabilities:    capabilities,
	}
	return id, nil
}

// UpdateSessionState applies the same transition table to a session.
func (sm *ProtocolStateMachine) UpdateSessionState(id uuid.UUID, to ProtocolState) error {
	s, ok := sm.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !validTransition(s.State, to) {
		return &InvalidTransitionError{From: s.State, To: to}
	}
	s.State = to
	s.LastActivity = time.Now()
	return nil
}

func (sm *ProtocolStateMachine) GetSession(id uuid.UUID) (*SessionInfo, bool) {
	s, ok := sm.sessions[id]
	return s, ok
}

func (sm *ProtocolStateMachine) RemoveSession(id uuid.UUID) *SessionInfo {
	s, ok := sm.sessions[id]
	if !ok {
		return nil
	}
	delete(sm.sessions, id)
	return s
}

// Sessions returns the live session table (not a copy; owner task only).
func (sm *ProtocolStateMachine) Sessions() map[uuid.UUID]*SessionInfo { return sm.sessions }

// PurgeIdleSessions evicts sessions idle past the session timeout and
// returns how many were removed.
func (sm *ProtocolStateMachine) PurgeIdleSessions() int {
	before := len(sm.sessions)
	sm.cleanupTimedOutSessions()
	return before - len(sm.sessions)
}

// HandshakeMessageKind drives the state machine from inbound handshake
// traffic.
type HandshakeMessageKind int

const (
	HandshakeInit HandshakeMessageKind = iota
	HandshakeResponse
	HandshakeComplete
)

// ProcessHandshakeMessage advances the machine (and the originating
// session) per the received handshake message.
func (sm *ProtocolStateMachine) ProcessHandshakeMessage(kind HandshakeMessageKind, sessionID uuid.UUID) error {
	var err error
	switch kind {
	case HandshakeInit:
		if sm.current == StateInitial {
			if err = sm.TransitionTo(StateHandshake(SubWaiting), "handshake init"); err != nil {
				return err
			}
		}
		err = sm.TransitionTo(StateHandshake(SubInProgress), "handshake init")
	case HandshakeResponse:
		err = sm.TransitionTo(StateHandshake(SubProcessing), "handshake response")
	case HandshakeComplete:
		if err = sm.TransitionTo(StateHandshake(SubCompleted), "handshake complete"); err != nil {
			return err
		}
		err = sm.TransitionTo(StateActive(SubNormal), "handshake complete")
	}
	if err != nil {
		return err
	}

	if s, ok := sm.sessions[sessionID]; ok {
		s.State = sm.current
		s.LastActivity = time.Now()
	}
	return nil
}

// RecordMessage updates session metrics for one message in the given
// direction.
func (sm *ProtocolStateMachine) RecordMessage(sessionID uuid.UUID, sent bool, bytes int) {
	s, ok := sm.sessions[sessionID]
	if !ok {
		return
	}
	s.LastActivity = time.Now()
	if sent {
		s.Metrics.MessagesSent++
		s.Metrics.BytesSent += uint64(bytes)
	} else {
		s.Metrics.MessagesReceived++
		s.Metrics.BytesReceived += uint64(bytes)
	}
}

// History returns the transition log.
func (sm *ProtocolStateMachine) History() []StateTransition { return sm.history }

// IsHealthy is false in Error and Shutdown.
func (sm *ProtocolStateMachine) IsHealthy() bool {
	return sm.current.Phase != PhaseError && sm.current.Phase != PhaseShutdown
}

// Metrics aggregates the per-session counters.
func (sm *ProtocolStateMachine) Metrics() StateMachineMetrics {
	m := StateMachineMetrics{
		CurrentState:     sm.current,
		Uptime:           sm.Uptime(),
		ActiveSessions:   len(sm.sessions),
		TotalTransitions: len(sm.history),
	}
	for _, s := range sm.sessions {
		m.MessagesSent += s.Metrics.MessagesSent
		m.MessagesReceived += s.Metrics.MessagesReceived
		m.BytesSent += s.Metrics.BytesSent
		m.BytesReceived += s.Metrics.BytesReceived
		m.TotalErrors += s.Metrics.ErrorCount
	}
	return m
}
