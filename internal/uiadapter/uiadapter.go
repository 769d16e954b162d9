// Package uiadapter defines the command/event contract between the LSNP core
// and whatever terminal UI hosts it (spec §6.4, out of scope for this
// module — §1: "The terminal UI ... is modeled only by the contract the core
// exposes to it").
package uiadapter

import "github.com/lsnp/lsnp/internal/logger"

// EventKind enumerates the event names of spec §6.4.
type EventKind string

const (
	EventPeerAdded            EventKind = "peer_added"
	EventPeerUpdated          EventKind = "peer_updated"
	EventPeerRemoved          EventKind = "peer_removed"
	EventDMReceived           EventKind = "dm_received"
	EventDMDeliveryChanged    EventKind = "dm_delivery_changed"
	EventPostReceived         EventKind = "post_received"
	EventLikeReceived         EventKind = "like_received"
	EventGroupMessageReceived EventKind = "group_message_received"
	EventFileOffered          EventKind = "file_offered"
	EventFileProgress         EventKind = "file_progress"
	EventFileCompleted        EventKind = "file_completed"
	EventFileFailed           EventKind = "file_failed"
	EventGameInvited          EventKind = "game_invited"
	EventGameStarted          EventKind = "game_started"
	EventGameMoveApplied      EventKind = "game_move_applied"
	EventGameEnded            EventKind = "game_ended"
	EventVerboseLog           EventKind = "verbose_log"
)

// Event is a single notification posted to the UI. Payload is kind-specific;
// handlers type-assert it the same way the services that emit it document.
type Event struct {
	Kind    EventKind
	Payload interface{}
}

// Bus fans events from every service into one bounded channel for the UI to
// consume (spec §6.4, §5: an overwhelmed/absent UI must never block protocol
// progress).
type Bus struct {
	events chan Event
	log    *logger.Logger
}

// DefaultBufferSize bounds the event channel. Once it is full, Publish drops
// each new event whatever its kind; events already queued are never evicted.
const DefaultBufferSize = 1024

// NewBus creates an event bus with the default buffer size.
func NewBus() *Bus {
	return &Bus{
		events: make(chan Event, DefaultBufferSize),
		log:    logger.New("uiadapter"),
	}
}

// Events exposes the read side of the event channel to the UI host.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Publish posts an event and never blocks. If the buffer is full the event
// is dropped: a verbose_log event with a DEBUG line, any other kind with a
// WARN so the UI host can see it's falling behind without protocol state
// becoming inconsistent on a stuck consumer.
func (b *Bus) Publish(e Event) {
	select {
	case b.events <- e:
		return
	default:
	}

	if e.Kind == EventVerboseLog {
		b.log.Debug("event buffer full, dropping verbose_log event")
		return
	}
	b.log.Warn("event buffer full, dropping %s event", e.Kind)
}

// Command is the UI-issued command surface of spec §6.4. It is only a
// marker: no service defines command structs or reads a command channel;
// the UI host calls service methods (e.g. messaging.Service.SendChat)
// directly.
type Command interface{}
