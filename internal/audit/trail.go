package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/simons-freedom/X-monitor/internal/adapters"
	"github.com/simons-freedom/X-monitor/internal/risk"
)

const (
	// Entry event types.
	EventMessage  = "message"
	EventDecision = "decision"
	EventTrade    = "trade"
)

// Entry represents a single journal entry. Every inbound message, policy
// decision and trade attempt is recorded as an Entry, creating an append-only
// log for replay and debugging.
type Entry struct {
	TraceID     string    `json:"trace_id"`
	CausationID string    `json:"causation_id,omitempty"` // inbound message id
	EventType   string    `json:"event_type"`             // message|decision|trade
	Timestamp   time.Time `json:"ts"`
	Chain       string    `json:"chain,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	Address     string    `json:"address,omitempty"`
	Decision    string    `json:"decision,omitempty"` // allow|deny|executed|failed
	TxHash      string    `json:"tx_hash,omitempty"`
	Payload     string    `json:"payload"` // JSON of the full record
}

// Sink receives every entry after it is buffered.
type Sink interface {
	Publish(ctx context.Context, entry Entry) error
}

// Journal records the decision chain for every processed message.
// It maintains an in-memory buffer (capped at maxBuf) for querying and
// also publishes every entry to the sink.
type Journal struct {
	mu      sync.Mutex
	sink    Sink
	entries []Entry
	maxBuf  int
}

// NewJournal creates a new journal.
// maxBuf controls the maximum number of entries kept in the in-memory buffer.
// Once the buffer is full, the oldest entries are discarded (FIFO).
// A maxBuf of 0 means no in-memory buffering (entries are only published).
// sink may be nil.
func NewJournal(sink Sink, maxBuf int) *Journal {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Journal{
		sink:    sink,
		entries: make([]Entry, 0, maxBuf),
		maxBuf:  maxBuf,
	}
}

// RecordMessage logs an inbound message and the symbols it yielded.
func (j *Journal) RecordMessage(traceID string, msg any, symbols []string) {
	entry := Entry{
		TraceID:     traceID,
		CausationID: traceID,
		EventType:   EventMessage,
		Timestamp:   time.Now().UTC(),
		Payload: mustMarshal(struct {
			Message any      `json:"message"`
			Symbols []string `json:"symbols"`
		}{msg, symbols}),
	}
	j.record(entry)
}

// RecordDecision logs a policy decision.
func (j *Journal) RecordDecision(traceID string, decision risk.Decision) {
	decisionStr := "deny"
	if decision.Allowed {
		decisionStr = "allow"
	}

	j.record(Entry{
		TraceID:     traceID,
		CausationID: traceID,
		EventType:   EventDecision,
		Timestamp:   time.UnixMicro(decision.Timestamp).UTC(), // Timestamp is in microseconds.
		Chain:       decision.Chain,
		Symbol:      decision.Symbol,
		Address:     decision.Address,
		Decision:    decisionStr,
		Payload:     mustMarshal(decision),
	})
}

// RecordTrade logs a trade attempt. causationID links it to the message.
func (j *Journal) RecordTrade(causationID string, outcome adapters.TradeOutcome) {
	decisionStr := "failed"
	if outcome.Executed() {
		decisionStr = "executed"
	}

	ts := outcome.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	j.record(Entry{
		TraceID:     outcome.TraceID,
		CausationID: causationID,
		EventType:   EventTrade,
		Timestamp:   ts,
		Chain:       outcome.Chain,
		Symbol:      outcome.Symbol,
		Address:     outcome.Token,
		Decision:    decisionStr,
		TxHash:      outcome.TxHash,
		Payload:     mustMarshal(outcome),
	})
}

// Query returns all entries with the given trace or causation ID.
// Searches the in-memory buffer only.
func (j *Journal) Query(id string) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var result []Entry
	for _, e := range j.entries {
		if e.TraceID == id || e.CausationID == id {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of all entries in the in-memory buffer.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	result := make([]Entry, len(j.entries))
	copy(result, j.entries)
	return result
}

// Recent returns up to n of the newest entries, newest last.
func (j *Journal) Recent(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 || n > len(j.entries) {
		n = len(j.entries)
	}
	result := make([]Entry, n)
	copy(result, j.entries[len(j.entries)-n:])
	return result
}

// Len returns the number of entries in the in-memory buffer.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// publishTimeout bounds one sink write.
const publishTimeout = 2 * time.Second

// record adds an entry to the in-memory buffer and publishes it to the sink.
func (j *Journal) record(entry Entry) {
	j.mu.Lock()

	// Add to in-memory buffer with FIFO eviction.
	if j.maxBuf > 0 {
		if len(j.entries) >= j.maxBuf {
			// Shift left: discard oldest entry.
			copy(j.entries, j.entries[1:])
			j.entries[len(j.entries)-1] = entry
		} else {
			j.entries = append(j.entries, entry)
		}
	}

	j.mu.Unlock()

	// Publish outside the lock.
	if j.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := j.sink.Publish(ctx, entry); err != nil {
			log.Error().Err(err).
				Str("event_type", entry.EventType).
				Str("trace_id", entry.TraceID).
				Msg("journal: failed to publish entry")
		}
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("journal: failed to marshal payload")
		return "{}"
	}
	return string(data)
}
