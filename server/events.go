package server

import (
	"log"
	"time"
)

// EventType names an observable event emitted by the gateway's event bus.
type EventType string

const (
	EventLogin                             EventType = "login"
	EventClientError                       EventType = "client-error"
	EventClientDisconnected                EventType = "client-disconnected"
	EventFileUploaded                      EventType = "file-uploaded"
	EventUploadError                       EventType = "upload-error"
	EventFileDownloaded                    EventType = "file-downloaded"
	EventFileDeleted                       EventType = "file-deleted"
	EventFileRenamed                       EventType = "file-renamed"
	EventDirectoryCreated                  EventType = "directory-created"
	EventDirectoryDeleted                  EventType = "directory-deleted"
	EventDirectoryChanged                  EventType = "directory-changed"
	EventDirectoryCreationBlocked          EventType = "directory-creation-blocked"
	EventDirectoryDeletionBlocked          EventType = "directory-deletion-blocked"
	EventProtectedDirectoryDeletionBlocked EventType = "protected-directory-deletion-blocked"
	EventProtectedDirectoryRenameBlocked   EventType = "protected-directory-rename-blocked"
	EventUserIdle                          EventType = "user-idle"
)

// Event is a single occurrence on the bus.
type Event struct {
	Type      EventType
	Username  string
	SessionID string
	Path      string
	Err       error
	Timestamp time.Time
}

// Subscriber receives events. Implementations must not block - the bus
// delivers on a bounded channel and drops events for a stalled subscriber
// rather than stall the request path.
type Subscriber interface {
	Notify(Event)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(Event)

// Notify implements Subscriber.
func (f SubscriberFunc) Notify(e Event) { f(e) }

// eventBus fans events out to subscribers via a bounded channel and a
// single dispatcher goroutine, so Emit from the request path never blocks
// on a slow subscriber.
type eventBus struct {
	ch          chan Event
	subscribers []Subscriber
	done        chan struct{}
}

const eventBusBufferSize = 256

func newEventBus() *eventBus {
	b := &eventBus{
		ch:   make(chan Event, eventBusBufferSize),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *eventBus) dispatch() {
	for {
		select {
		case e := <-b.ch:
			for _, s := range b.subscribers {
				s.Notify(e)
			}
		case <-b.done:
			return
		}
	}
}

// Subscribe registers s to receive all future events. Not safe to call
// concurrently with Emit's delivery in a way that races on the slice; call
// Subscribe during setup before traffic starts.
func (b *eventBus) Subscribe(s Subscriber) {
	b.subscribers = append(b.subscribers, s)
}

// Emit enqueues an event, filling in Timestamp if zero. If the bus is
// saturated the event is dropped with a warning log rather than blocking
// the caller - events are fire-and-forget.
func (b *eventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		log.Printf("[WARN] event bus saturated, dropping event %s for user %s", e.Type, e.Username)
	}
}

// Close stops the dispatcher goroutine.
func (b *eventBus) Close() {
	close(b.done)
}

// loggingSubscriber is the default subscriber wired in by NewSFTPGateway: it turns
// every event into a structured log line using the [LEVEL]-prefixed
// standard-log convention.
type loggingSubscriber struct{}

func (loggingSubscriber) Notify(e Event) {
	if e.Err != nil {
		log.Printf("[WARN] event %s user=%s session=%s path=%s err=%v", e.Type, e.Username, e.SessionID, e.Path, e.Err)
		return
	}
	log.Printf("[INFO] event %s user=%s session=%s path=%s", e.Type, e.Username, e.SessionID, e.Path)
}
