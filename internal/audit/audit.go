// Package audit forwards security events to a log stream without ever
// blocking the caller.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"token-engine/internal/logging"
)

type EventType string

const (
	EventTokenIssued          EventType = "token_issued"
	EventTokenRedeemed        EventType = "token_redeemed"
	EventTokenRevoked         EventType = "token_revoked"
	EventRefreshReplay        EventType = "refresh_token_replay"
	EventAuthorizationCreated EventType = "authorization_created"
	EventAuthorizationRevoked EventType = "authorization_revoked"
	EventConsent              EventType = "consent"
	EventSessionStarted       EventType = "session_started"
	EventSessionEnded         EventType = "session_ended"
	EventSessionRevoked       EventType = "session_revoked"
	EventKeyRotated           EventType = "signing_key_rotated"
	EventKeyRevoked           EventType = "signing_key_revoked"
	EventAuthFailure          EventType = "auth_failure"
)

type Event struct {
	Type            EventType
	SubjectID       string
	ClientID        string
	AuthorizationID string
	TokenID         string
	IPAddress       string
	Details         map[string]any
	Timestamp       time.Time
}

// Sink receives security events. Emit must return immediately.
type Sink interface {
	Emit(event Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop discards every event.
func Nop() Sink { return nopSink{} }

// Auditor writes events to a structured logger from a background goroutine.
// When the buffer is full events are dropped and counted.
type Auditor struct {
	logger  *logging.Logger
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

func NewAuditor(logger *logging.Logger, bufferSize int) *Auditor {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	a := &Auditor{
		logger: logger.WithComponent("audit"),
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Auditor) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case <-a.done:
		a.dropped.Add(1)
	case a.events <- event:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full
// or the auditor was closed.
func (a *Auditor) Dropped() uint64 {
	return a.dropped.Load()
}

// Close flushes buffered events and stops the writer.
func (a *Auditor) Close() {
	a.once.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
}

func (a *Auditor) run() {
	defer a.wg.Done()
	for {
		select {
		case event := <-a.events:
			a.write(event)
		case <-a.done:
			for {
				select {
				case event := <-a.events:
					a.write(event)
				default:
					return
				}
			}
		}
	}
}

func (a *Auditor) write(event Event) {
	e := a.logger.InfoEvent().
		Str("event_type", string(event.Type)).
		Str("subject_hash", HashForLogging(event.SubjectID)).
		Str("client_id", event.ClientID).
		Time("event_time", event.Timestamp)
	if event.AuthorizationID != "" {
		e = e.Str("authorization_id", event.AuthorizationID)
	}
	if event.TokenID != "" {
		e = e.Str("token_id", event.TokenID)
	}
	if event.IPAddress != "" {
		e = e.Str("ip_address", event.IPAddress)
	}
	if len(event.Details) > 0 {
		e = e.Interface("details", event.Details)
	}
	e.Msg("security_audit")
}

// HashForLogging shortens a SHA-256 of sensitive data so subjects can be
// correlated across events without being logged in the clear.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

// Recorder keeps events in memory. Tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
