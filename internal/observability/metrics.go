package observability

import (
	"sync"
	"time"
)

// Snapshot is the JSON view served by the metrics endpoint.
type Snapshot struct {
	UptimeSec         int64 `json:"uptime_sec"`
	MessagesClaimed   int64 `json:"messages_claimed"`
	ClaimRacesLost    int64 `json:"claim_races_lost"`
	MessagesProcessed int64 `json:"messages_processed"`
	MessagesRetried   int64 `json:"messages_retried"`
	MessagesFailed    int64 `json:"messages_failed"`
	DLQCandidates     int64 `json:"dlq_candidates"`
	SagasCompleted    int64 `json:"sagas_completed"`
	SagasCompensated  int64 `json:"sagas_compensated"`
	SagasFatal        int64 `json:"sagas_fatal"`
}

// Metrics aggregates worker and saga counters in process.
type Metrics struct {
	mu    sync.Mutex
	start time.Time

	messagesClaimed   int64
	claimRacesLost    int64
	messagesProcessed int64
	messagesRetried   int64
	messagesFailed    int64
	dlqCandidates     int64
	sagasCompleted    int64
	sagasCompensated  int64
	sagasFatal        int64
}

// NewMetrics constructs a Metrics.
func NewMetrics() *Metrics {
	return &Metrics{start: time.Now()}
}

func (m *Metrics) add(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

// MessageClaimed counts a successful outbox claim.
func (m *Metrics) MessageClaimed() {
	if m != nil {
		m.add(&m.messagesClaimed)
	}
}

// ClaimRaceLost counts a claim another worker won.
func (m *Metrics) ClaimRaceLost() {
	if m != nil {
		m.add(&m.claimRacesLost)
	}
}

// MessageProcessed counts a finalized message.
func (m *Metrics) MessageProcessed() {
	if m != nil {
		m.add(&m.messagesProcessed)
	}
}

// MessageRetried counts a transient or lost-lease re-queue.
func (m *Metrics) MessageRetried() {
	if m != nil {
		m.add(&m.messagesRetried)
	}
}

// MessageFailed counts a handler failure with backoff.
func (m *Metrics) MessageFailed() {
	if m != nil {
		m.add(&m.messagesFailed)
	}
}

// DLQCandidate counts a message past its retry budget.
func (m *Metrics) DLQCandidate() {
	if m != nil {
		m.add(&m.dlqCandidates)
	}
}

// SagaFinished counts a saga reaching the given terminal state.
func (m *Metrics) SagaFinished(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch state {
	case "Completed":
		m.sagasCompleted++
	case "Compensated":
		m.sagasCompensated++
	case "FatalError":
		m.sagasFatal++
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		UptimeSec:         int64(time.Since(m.start).Seconds()),
		MessagesClaimed:   m.messagesClaimed,
		ClaimRacesLost:    m.claimRacesLost,
		MessagesProcessed: m.messagesProcessed,
		MessagesRetried:   m.messagesRetried,
		MessagesFailed:    m.messagesFailed,
		DLQCandidates:     m.dlqCandidates,
		SagasCompleted:    m.sagasCompleted,
		SagasCompensated:  m.sagasCompensated,
		SagasFatal:        m.sagasFatal,
	}
}
