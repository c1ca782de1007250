package session

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberBuffer bounds the per-subscriber event queue.
const subscriberBuffer = 16

// SpeechEvent is one outbound event on a session's speech stream. End marks
// the end-of-session signal; it is always delivered after the final
// utterance.
type SpeechEvent struct {
	Text string
	End  bool
}

// SpeechRelay implements the engine's speech boundary and fans utterances
// out to attached transports. Events produced before any transport attaches
// are buffered and replayed to the first subscriber.
type SpeechRelay struct {
	mu          sync.Mutex
	subscribers map[chan SpeechEvent]struct{}
	backlog     []SpeechEvent
	delivered   bool
	closed      bool
}

// NewSpeechRelay creates an empty relay.
func NewSpeechRelay() *SpeechRelay {
	return &SpeechRelay{subscribers: make(map[chan SpeechEvent]struct{})}
}

// Speak delivers an utterance to all attached transports.
func (r *SpeechRelay) Speak(ctx context.Context, sessionID, text string) error {
	r.broadcast(SpeechEvent{Text: text})
	slog.Debug("SpeechRelay.Speak: utterance delivered", "sessionID", sessionID, "length", len(text))
	return nil
}

// SignalEnd delivers the end-of-session event and closes the relay. Further
// events are dropped.
func (r *SpeechRelay) SignalEnd() {
	r.broadcast(SpeechEvent{End: true})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = make(map[chan SpeechEvent]struct{})
}

// Subscribe attaches a transport and returns its event channel plus a
// detach function. The backlog of events produced before the first
// subscriber is replayed into the new channel.
func (r *SpeechRelay) Subscribe() (<-chan SpeechEvent, func()) {
	ch := make(chan SpeechEvent, subscriberBuffer)

	r.mu.Lock()
	if r.closed {
		close(ch)
		r.mu.Unlock()
		return ch, func() {}
	}
	if !r.delivered {
		for _, event := range r.backlog {
			select {
			case ch <- event:
			default:
			}
		}
		r.backlog = nil
		r.delivered = true
	}
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()

	detach := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.subscribers[ch]; exists {
			delete(r.subscribers, ch)
			close(ch)
		}
	}
	return ch, detach
}

func (r *SpeechRelay) broadcast(event SpeechEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if len(r.subscribers) == 0 && !r.delivered {
		r.backlog = append(r.backlog, event)
		return
	}
	for ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			slog.Warn("SpeechRelay.broadcast: subscriber queue full, dropping event")
		}
	}
}
