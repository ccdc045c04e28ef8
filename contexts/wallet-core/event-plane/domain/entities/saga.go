package entities

import "time"

type SagaState string

const (
	StateInitial          SagaState = "INITIAL"
	StateWalletCreated    SagaState = "WALLET_CREATED"
	StateFundsAdded       SagaState = "FUNDS_ADDED"
	StateFundsWithdrawn   SagaState = "FUNDS_WITHDRAWN"
	StateFundsTransferred SagaState = "FUNDS_TRANSFERRED"
	StateCompleted        SagaState = "COMPLETED"
	StateFailed           SagaState = "FAILED"
)

type SagaEvent string

const (
	EventWalletCreated    SagaEvent = "WALLET_CREATED"
	EventFundsAdded       SagaEvent = "FUNDS_ADDED"
	EventFundsWithdrawn   SagaEvent = "FUNDS_WITHDRAWN"
	EventFundsTransferred SagaEvent = "FUNDS_TRANSFERRED"
	EventSagaCompleted    SagaEvent = "SAGA_COMPLETED"
	EventSagaFailed       SagaEvent = "SAGA_FAILED"
)

func (s SagaState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions is the forward path of the wallet transfer workflow. SAGA_FAILED
// is handled separately: it is accepted from every non-terminal state.
var transitions = map[SagaState]map[SagaEvent]SagaState{
	StateInitial:          {EventWalletCreated: StateWalletCreated},
	StateWalletCreated:    {EventFundsAdded: StateFundsAdded},
	StateFundsAdded:       {EventFundsWithdrawn: StateFundsWithdrawn},
	StateFundsWithdrawn:   {EventFundsTransferred: StateFundsTransferred},
	StateFundsTransferred: {EventSagaCompleted: StateCompleted},
}

// NextState resolves the transition table. The second return is false for
// every (from, event) pair the table does not declare.
func NextState(from SagaState, event SagaEvent) (SagaState, bool) {
	if event == EventSagaFailed {
		if from.Terminal() {
			return "", false
		}
		return StateFailed, true
	}
	next, ok := transitions[from][event]
	return next, ok
}

// ProcessedEventCap bounds the per-instance dedup window. Oldest ids are
// evicted first; at-least-once redelivery windows are far smaller than this.
const ProcessedEventCap = 256

// SagaInstance is the durable per-correlation state machine row. Version
// increments on every accepted mutation and guards optimistic writes.
type SagaInstance struct {
	SagaID            string
	State             SagaState
	Version           int64
	StartedAt         time.Time
	UpdatedAt         time.Time
	LastEventType     SagaEvent
	ProcessedEventIDs []string
	History           []SagaEvent

	// CompensationEmitted is false while a FAILED instance still owes
	// compensation events to the outbox; a scheduled retry finishes the job.
	CompensationEmitted bool
}

func NewSagaInstance(sagaID string, now time.Time) SagaInstance {
	return SagaInstance{
		SagaID:    sagaID,
		State:     StateInitial,
		Version:   0,
		StartedAt: now,
		UpdatedAt: now,
	}
}

func (s SagaInstance) AlreadyProcessed(envelopeID string) bool {
	for _, id := range s.ProcessedEventIDs {
		if id == envelopeID {
			return true
		}
	}
	return false
}

func (s *SagaInstance) MarkProcessed(envelopeID string) {
	if envelopeID == "" || s.AlreadyProcessed(envelopeID) {
		return
	}
	s.ProcessedEventIDs = append(s.ProcessedEventIDs, envelopeID)
	if overflow := len(s.ProcessedEventIDs) - ProcessedEventCap; overflow > 0 {
		s.ProcessedEventIDs = append([]string(nil), s.ProcessedEventIDs[overflow:]...)
	}
}

// Apply records an accepted transition. Forward workflow events are kept in
// History so compensation can walk them in reverse.
func (s *SagaInstance) Apply(event SagaEvent, next SagaState, now time.Time) {
	if event != EventSagaFailed && event != EventSagaCompleted {
		s.History = append(s.History, event)
	}
	s.State = next
	s.Version++
	s.UpdatedAt = now
	s.LastEventType = event
}

// MarkCompensationEmitted records that every owed compensation event reached
// the outbox. Bumps the version so the write stays race-guarded.
func (s *SagaInstance) MarkCompensationEmitted(now time.Time) {
	s.CompensationEmitted = true
	s.Version++
	s.UpdatedAt = now
}
