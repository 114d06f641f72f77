package core

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wajeehajaved01/real-time-chat-application/internal/protocol"
)

// SendTimeout bounds how long an enqueue to one client's mailbox may block.
const SendTimeout = 50 * time.Millisecond

// DefaultSendBuffer is the mailbox depth used when callers pass 0.
const DefaultSendBuffer = 64

// Registry errors.
var (
	ErrNameTaken   = errors.New("username already taken")
	ErrInvalidName = errors.New("invalid username")
	ErrNotFound    = errors.New("user not found")
)

// VoicePath is the return path for forwarding voice audio to one client.
// A UDP client's path writes to its last observed address; a WebTransport
// client's path sends a session datagram. An interface here also lets tests
// inject a recorder.
type VoicePath interface {
	SendVoice(audio []byte) error
}

// Session is the handle a connection handler receives at registration.
// Send carries pre-encoded wire bytes; the handler's writer goroutine is
// the only writer to the underlying connection, and each element is
// written as one contiguous unit.
type Session struct {
	Name string
	Send chan []byte
}

type client struct {
	name  string
	room  string
	send  chan []byte
	voice VoicePath
}

// Registry is the process-wide directory of connected clients: who is
// online, which room they are in, and how to reach them. Room membership
// is implicit: a room exists iff at least one client names it. All access
// is serialised by one coarse mutex; every operation is short.
type Registry struct {
	mu          sync.RWMutex
	clients     map[string]*client
	defaultRoom string
}

// NewRegistry returns an empty registry. New logins start in defaultRoom.
func NewRegistry(defaultRoom string) *Registry {
	if defaultRoom == "" {
		defaultRoom = "lobby"
	}
	return &Registry{
		clients:     make(map[string]*client),
		defaultRoom: defaultRoom,
	}
}

// DefaultRoom returns the room new logins are placed in.
func (r *Registry) DefaultRoom() string {
	return r.defaultRoom
}

// Register claims name and returns the session handle. The name must
// already be validated and unique across live clients.
func (r *Registry) Register(name string, sendBuf int) (*Session, error) {
	if _, err := protocol.ValidateName(name); err != nil {
		return nil, ErrInvalidName
	}
	if sendBuf <= 0 {
		sendBuf = DefaultSendBuffer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[name]; exists {
		return nil, ErrNameTaken
	}
	c := &client{
		name: name,
		room: r.defaultRoom,
		send: make(chan []byte, sendBuf),
	}
	r.clients[name] = c

	slog.Info("user registered", "user", name, "room", c.room, "total_users", len(r.clients))
	return &Session{Name: name, Send: c.send}, nil
}

// Unregister removes name and closes its mailbox. Idempotent: removing an
// unknown name reports ok=false and has no effect. Room membership
// disappears with the client record.
func (r *Registry) Unregister(name string) (room string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.clients[name]
	if !exists {
		return "", false
	}
	delete(r.clients, name)
	close(c.send)

	slog.Info("user unregistered", "user", name, "room", c.room, "remaining_users", len(r.clients))
	return c.room, true
}

// Has reports whether name is currently registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Room returns the current room of name.
func (r *Registry) Room(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	if !ok {
		return "", false
	}
	return c.room, true
}

// SetRoom moves name into room and returns the previous room.
func (r *Registry) SetRoom(name, room string) (old string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[name]
	if !ok {
		return "", ErrNotFound
	}
	old = c.room
	c.room = room

	if old != room {
		slog.Debug("room changed", "user", name, "from", old, "to", room)
	}
	return old, nil
}

// SetVoicePath records the voice return path for name, overwriting any
// previous one. Endpoints are learned from traffic, so every datagram
// refreshes the path and address changes are tolerated for free.
func (r *Registry) SetVoicePath(name string, path VoicePath) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[name]
	if !ok {
		return false
	}
	c.voice = path
	return true
}

// VoicePathFor returns the last learned voice return path for name.
func (r *Registry) VoicePathFor(name string) (VoicePath, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	if !ok || c.voice == nil {
		return nil, false
	}
	return c.voice, true
}

// SnapshotUsers returns all connected names in stable order.
func (r *Registry) SnapshotUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SnapshotRoom returns the members of room in stable order.
func (r *Registry) SnapshotRoom(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomLocked(room)
}

func (r *Registry) roomLocked(room string) []string {
	out := make([]string, 0, 4)
	for name, c := range r.clients {
		if c.room == room {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SnapshotRooms returns every live room and its members in stable order.
func (r *Registry) SnapshotRooms() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string)
	for _, c := range r.clients {
		out[c.room] = append(out[c.room], c.name)
	}
	for room := range out {
		sort.Strings(out[room])
	}
	return out
}

// SendTo enqueues one pre-encoded unit for name. Returns false if the
// client is gone or its mailbox stayed full past SendTimeout; a slow
// client loses frames rather than stalling the sender.
func (r *Registry) SendTo(name string, unit []byte) bool {
	r.mu.RLock()
	c, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return trySend(c.send, unit)
}

// BroadcastRoom enqueues unit for every member of room except exceptName.
// Returns how many mailboxes accepted it and how many targets there were.
func (r *Registry) BroadcastRoom(room string, unit []byte, exceptName string) (sent, targets int) {
	r.mu.RLock()
	chans := make([]chan []byte, 0, len(r.clients))
	for name, c := range r.clients {
		if c.room != room || name == exceptName {
			continue
		}
		chans = append(chans, c.send)
	}
	r.mu.RUnlock()

	for _, ch := range chans {
		if trySend(ch, unit) {
			sent++
		}
	}
	return sent, len(chans)
}

// BroadcastAll enqueues unit for every connected client except exceptName.
func (r *Registry) BroadcastAll(unit []byte, exceptName string) (sent, targets int) {
	r.mu.RLock()
	chans := make([]chan []byte, 0, len(r.clients))
	for name, c := range r.clients {
		if name == exceptName {
			continue
		}
		chans = append(chans, c.send)
	}
	r.mu.RUnlock()

	for _, ch := range chans {
		if trySend(ch, unit) {
			sent++
		}
	}
	return sent, len(chans)
}

// trySend enqueues with a bounded wait. The recover guards the race where
// a client unregisters (closing its mailbox) between snapshot and send.
func trySend(ch chan []byte, unit []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- unit:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("outbound mailbox full, unit dropped", "bytes", len(unit))
		return false
	}
}
