package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/wajeehajaved01/real-time-chat-application/internal/core"
	"github.com/wajeehajaved01/real-time-chat-application/internal/protocol"
)

// ServeControl runs one client session on conn: login, frame dispatch,
// and teardown. It blocks until the connection dies or ctx is cancelled.
//
// All outbound traffic for the client is enqueued on its registry mailbox
// and drained by a single writer goroutine, so every enqueued unit — in
// particular a file_incoming header plus size prefix plus payload — reaches
// the wire contiguously.
func (s *Server) ServeControl(ctx context.Context, conn Conn, remote string) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.metrics.ConnectionsTotal.Inc()

	fr := protocol.NewFrameReader(conn)
	name, sess, ok := s.login(conn, fr, remote)
	if !ok {
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for unit := range sess.Send {
			if _, err := conn.Write(unit); err != nil {
				// Own channel is dead: closing conn fails the read loop,
				// which runs the teardown. Keep draining so enqueuers
				// never wait on a stuck mailbox.
				conn.Close()
				for range sess.Send {
				}
				return
			}
		}
		conn.Close()
	}()

	defer func() {
		s.teardown(name)
		<-writerDone
	}()

	s.afterLogin(name)

	for {
		msg, err := fr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("control read ended", "user", name, "err", err)
			}
			return
		}
		s.dispatch(name, fr, msg)
	}
}

// login reads and applies the first frame. Before registration succeeds
// there is no mailbox, so failures are written directly to conn.
func (s *Server) login(conn Conn, fr *protocol.FrameReader, remote string) (string, *core.Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout))
	msg, err := fr.Next()
	if err != nil {
		slog.Debug("no login frame", "remote", remote, "err", err)
		return "", nil, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Type != protocol.TypeLogin {
		s.writeDirect(conn, protocol.Message{Type: protocol.TypeError, Payload: "you must log in first"})
		return "", nil, false
	}

	name, err := protocol.ValidateName(msg.PayloadString())
	if err != nil {
		s.metrics.LoginFailures.Inc()
		s.writeDirect(conn, protocol.Message{Type: protocol.TypeError, Payload: err.Error()})
		return "", nil, false
	}

	sess, err := s.reg.Register(name, s.cfg.SendBuffer)
	if err != nil {
		s.metrics.LoginFailures.Inc()
		reason := "login failed"
		if errors.Is(err, core.ErrNameTaken) {
			reason = fmt.Sprintf("Username '%s' is already taken", name)
		}
		s.writeDirect(conn, protocol.Message{Type: protocol.TypeError, Payload: reason})
		return "", nil, false
	}

	slog.Info("user connected", "user", name, "remote", remote)
	return name, sess, true
}

func (s *Server) afterLogin(name string) {
	room := s.cfg.DefaultRoom
	if r, ok := s.reg.Room(name); ok {
		room = r
	}
	s.sendTo(name, protocol.Message{Type: protocol.TypeLoginSuccess, Payload: fmt.Sprintf("Welcome to the chat, %s!", name)})
	s.sendRoomInfo(name, room)
	s.broadcastUserList()
	s.notifyRoom(room, fmt.Sprintf("%s joined the chat!", name), name)
}

// teardown runs exactly once per registered session. Any call touching
// the user is ended first so the call map never references a name absent
// from the registry.
func (s *Server) teardown(name string) {
	if partner, ok := s.calls.End(name); ok {
		s.sendTo(partner, protocol.Message{Type: protocol.TypeCallEnded, Payload: fmt.Sprintf("%s disconnected", name)})
	}
	if _, ok := s.reg.Unregister(name); !ok {
		return
	}
	s.broadcastAll(protocol.Message{Type: protocol.TypeNotification, Payload: fmt.Sprintf("%s left the chat!", name)}, name)
	s.broadcastUserList()
	slog.Info("user disconnected", "user", name)
}

func (s *Server) dispatch(name string, fr *protocol.FrameReader, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeMessage:
		s.handleMessage(name, msg)
	case protocol.TypePrivateMessage:
		s.handlePrivateMessage(name, msg)
	case protocol.TypeJoinRoom:
		s.handleJoinRoom(name, msg)
	case protocol.TypeListRooms:
		s.sendTo(name, protocol.Message{Type: protocol.TypeRoomList, Payload: s.reg.SnapshotRooms()})
	case protocol.TypeCallRequest:
		s.handleCallRequest(name, msg)
	case protocol.TypeCallAccept:
		s.handleCallAccept(name, msg)
	case protocol.TypeCallReject:
		s.handleCallReject(name, msg)
	case protocol.TypeCallEnd:
		s.handleCallEnd(name)
	case protocol.TypeFileTransfer:
		s.handleFileTransfer(name, fr, msg)
	default:
		// Unknown types are ignored for forward compatibility.
		slog.Debug("unknown frame type ignored", "user", name, "type", msg.Type)
	}
}

func (s *Server) handleMessage(name string, msg protocol.Message) {
	text := msg.PayloadString()
	if strings.TrimSpace(text) == "" {
		return
	}
	room, ok := s.reg.Room(name)
	if !ok {
		return
	}
	s.metrics.RoomMessages.Inc()
	s.broadcastRoom(room, protocol.Message{
		Type:    protocol.TypeMessage,
		Sender:  name,
		Room:    room,
		Payload: text,
	}, name)
}

func (s *Server) handlePrivateMessage(name string, msg protocol.Message) {
	target := msg.Target
	text := msg.PayloadString()
	if target == "" || text == "" {
		slog.Debug("private_message missing target or payload", "user", name)
		return
	}
	if !s.reg.Has(target) {
		s.sendError(name, fmt.Sprintf("User '%s' is not online", target))
		return
	}
	s.metrics.PrivateMessages.Inc()
	s.sendTo(target, protocol.Message{Type: protocol.TypePrivateMessage, Sender: name, Payload: text})
	s.sendTo(name, protocol.Message{Type: protocol.TypePrivateSent, Target: target, Payload: text})
}

func (s *Server) handleJoinRoom(name string, msg protocol.Message) {
	room, err := protocol.ValidateName(msg.PayloadString())
	if err != nil {
		s.sendError(name, fmt.Sprintf("invalid room name: %v", err))
		return
	}
	old, err := s.reg.SetRoom(name, room)
	if err != nil {
		return
	}
	if old == room {
		// Joining the current room is a no-op: no notifications.
		return
	}
	s.notifyRoom(old, fmt.Sprintf("%s left the room", name), name)
	s.notifyRoom(room, fmt.Sprintf("%s joined the room", name), name)
	s.sendRoomInfo(name, room)
	s.broadcastUserList()
}

func (s *Server) handleCallRequest(name string, msg protocol.Message) {
	target := msg.PayloadString()
	if target == name {
		s.sendError(name, "You cannot call yourself")
		return
	}
	if !s.reg.Has(target) {
		s.sendError(name, fmt.Sprintf("User '%s' is not online", target))
		return
	}
	if s.calls.Busy(name) || s.calls.Busy(target) {
		s.sendError(name, fmt.Sprintf("User '%s' is busy in another call", target))
		return
	}
	s.sendTo(target, protocol.Message{Type: protocol.TypeCallIncoming, Payload: name})
	s.sendTo(name, protocol.Message{Type: protocol.TypeCallRinging, Payload: target})
}

func (s *Server) handleCallAccept(name string, msg protocol.Message) {
	caller := msg.PayloadString()
	if !s.reg.Has(caller) {
		s.sendError(name, fmt.Sprintf("User '%s' is not online", caller))
		return
	}
	if err := s.calls.Start(caller, name); err != nil {
		s.sendError(name, err.Error())
		return
	}
	s.metrics.CallsStarted.Inc()
	s.sendTo(caller, protocol.Message{Type: protocol.TypeCallStarted, Payload: name})
	s.sendTo(name, protocol.Message{Type: protocol.TypeCallStarted, Payload: caller})
}

func (s *Server) handleCallReject(name string, msg protocol.Message) {
	caller := msg.PayloadString()
	if caller == "" || !s.reg.Has(caller) {
		return
	}
	s.sendTo(caller, protocol.Message{Type: protocol.TypeCallRejected, Payload: fmt.Sprintf("%s declined the call", name)})
}

// handleCallEnd tears down the caller's established call, if any. The
// partner recorded in the call map is authoritative; any partner name in
// the frame payload is ignored. A second call_end is a no-op.
func (s *Server) handleCallEnd(name string) {
	partner, ok := s.calls.End(name)
	if !ok {
		return
	}
	s.sendTo(partner, protocol.Message{Type: protocol.TypeCallEnded, Payload: fmt.Sprintf("%s ended the call", name)})
	s.sendTo(name, protocol.Message{Type: protocol.TypeCallEnded, Payload: "Call ended"})
}

// handleFileTransfer runs the file relay sub-protocol for one request.
// The sender only writes the size prefix and payload after seeing
// file_transfer_ready, so rejections before that point leave the stream
// cleanly framed.
func (s *Server) handleFileTransfer(name string, fr *protocol.FrameReader, msg protocol.Message) {
	filename := strings.TrimSpace(msg.Filename)
	size := msg.Filesize
	target := msg.Target

	if filename == "" || size < 0 {
		s.sendError(name, "invalid file transfer request")
		return
	}
	if size > s.cfg.MaxFileSize {
		s.sendError(name, fmt.Sprintf("file exceeds maximum size of %d bytes", s.cfg.MaxFileSize))
		return
	}
	if target != "" && !s.reg.Has(target) {
		s.sendError(name, fmt.Sprintf("User '%s' is not online", target))
		return
	}

	s.sendTo(name, protocol.Message{Type: protocol.TypeFileTransferReady})

	prefix, err := fr.ReadSizePrefix()
	if err != nil {
		slog.Debug("file size prefix read failed", "user", name, "err", err)
		return
	}
	if int64(prefix) != size {
		slog.Warn("file size prefix mismatch, transfer aborted",
			"user", name, "file", filename, "header", size, "prefix", prefix)
		// Drain what the client actually sends to keep the stream framed.
		if err := fr.Discard(int64(prefix)); err != nil {
			return
		}
		s.sendError(name, "file size mismatch, transfer aborted")
		return
	}

	payload := make([]byte, size)
	if err := fr.ReadExact(payload); err != nil {
		slog.Debug("file payload read failed", "user", name, "file", filename, "err", err)
		return
	}

	s.sendTo(name, protocol.Message{Type: protocol.TypeFileSentConfirm, Filename: filename})

	header := protocol.Message{
		Type:     protocol.TypeFileIncoming,
		Sender:   name,
		Filename: filename,
		Filesize: size,
		Target:   target,
	}
	unit, err := protocol.Encode(header)
	if err != nil {
		return
	}
	unit = protocol.AppendFilePayload(unit, payload)

	s.metrics.FilesRelayed.Inc()
	s.metrics.FileBytes.Add(float64(size))

	if target != "" {
		if !s.reg.SendTo(target, unit) {
			s.sendError(name, fmt.Sprintf("User '%s' is not online", target))
		}
		return
	}
	room, ok := s.reg.Room(name)
	if !ok {
		return
	}
	sent, targets := s.reg.BroadcastRoom(room, unit, name)
	if sent < targets {
		s.metrics.OutboundDropped.Add(float64(targets - sent))
	}
}

// Outbound helpers. Everything below encodes once and enqueues on the
// recipients' mailboxes.

func (s *Server) sendTo(name string, msg protocol.Message) bool {
	unit, err := protocol.Encode(msg)
	if err != nil {
		return false
	}
	if !s.reg.SendTo(name, unit) {
		s.metrics.OutboundDropped.Inc()
		return false
	}
	return true
}

func (s *Server) sendError(name, reason string) {
	s.sendTo(name, protocol.Message{Type: protocol.TypeError, Payload: reason})
}

func (s *Server) sendRoomInfo(name, room string) {
	s.sendTo(name, protocol.Message{
		Type:    protocol.TypeRoomInfo,
		Payload: protocol.RoomInfo{Room: room, Members: s.reg.SnapshotRoom(room)},
	})
}

func (s *Server) broadcastRoom(room string, msg protocol.Message, exceptName string) {
	unit, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	sent, targets := s.reg.BroadcastRoom(room, unit, exceptName)
	if sent < targets {
		s.metrics.OutboundDropped.Add(float64(targets - sent))
	}
}

func (s *Server) broadcastAll(msg protocol.Message, exceptName string) {
	unit, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	sent, targets := s.reg.BroadcastAll(unit, exceptName)
	if sent < targets {
		s.metrics.OutboundDropped.Add(float64(targets - sent))
	}
}

func (s *Server) notifyRoom(room, text, exceptName string) {
	s.broadcastRoom(room, protocol.Message{Type: protocol.TypeNotification, Payload: text}, exceptName)
}

func (s *Server) broadcastUserList() {
	s.broadcastAll(protocol.Message{Type: protocol.TypeUserList, Payload: s.reg.SnapshotUsers()}, "")
}

// writeDirect writes one frame straight to conn. Only used before the
// session is registered, while this goroutine is the sole writer.
func (s *Server) writeDirect(conn Conn, msg protocol.Message) {
	unit, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	_, _ = conn.Write(unit)
}
