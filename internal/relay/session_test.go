package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wajeehajaved01/real-time-chat-application/internal/core"
	"github.com/wajeehajaved01/real-time-chat-application/internal/metrics"
	"github.com/wajeehajaved01/real-time-chat-application/internal/protocol"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = 2 * time.Second
	}
	reg := core.NewRegistry(cfg.DefaultRoom)
	return New(cfg, reg, core.NewCallMap(), metrics.New(prometheus.NewRegistry()))
}

// testClient drives one session handler over a net.Pipe.
type testClient struct {
	t    *testing.T
	conn net.Conn
	fr   *protocol.FrameReader
}

func connect(t *testing.T, s *Server) *testClient {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeControl(ctx, server, "pipe")
	}()
	t.Cleanup(func() {
		cancel()
		client.Close()
		<-done
	})
	return &testClient{t: t, conn: client, fr: protocol.NewFrameReader(client)}
}

// login connects and completes the handshake, consuming the welcome frames.
func login(t *testing.T, s *Server, name string) *testClient {
	t.Helper()
	c := connect(t, s)
	c.send(protocol.Message{Type: protocol.TypeLogin, Payload: name})
	c.expect(protocol.TypeLoginSuccess)
	c.expect(protocol.TypeRoomInfo)
	c.expect(protocol.TypeUserList)
	return c
}

func (c *testClient) send(msg protocol.Message) {
	c.t.Helper()
	unit, err := protocol.Encode(msg)
	if err != nil {
		c.t.Fatalf("encode %s: %v", msg.Type, err)
	}
	c.write(unit)
}

func (c *testClient) write(p []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write(p); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read() protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := c.fr.Next()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return msg
}

func (c *testClient) expect(typ string) protocol.Message {
	c.t.Helper()
	msg := c.read()
	if msg.Type != typ {
		c.t.Fatalf("got %q frame %+v, want %q", msg.Type, msg, typ)
	}
	return msg
}

func (c *testClient) expectError(reason string) {
	c.t.Helper()
	msg := c.expect(protocol.TypeError)
	if msg.PayloadString() != reason {
		c.t.Fatalf("error payload = %q, want %q", msg.PayloadString(), reason)
	}
}

func (c *testClient) expectSilence() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if msg, err := c.fr.Next(); err == nil {
		c.t.Fatalf("unexpected frame: %+v", msg)
	}
}

// expectEventually reads frames until one of the wanted type arrives,
// skipping unrelated traffic. For sessions under concurrent load where
// exact frame order is not deterministic.
func (c *testClient) expectEventually(typ string) protocol.Message {
	c.t.Helper()
	for i := 0; i < 5000; i++ {
		msg := c.read()
		if msg.Type == typ {
			return msg
		}
	}
	c.t.Fatalf("no %q frame after 5000 reads", typ)
	return protocol.Message{}
}

// drain consumes n frames without inspecting them, for clients that only
// observe another client's login or room change.
func (c *testClient) drain(n int) {
	c.t.Helper()
	for i := 0; i < n; i++ {
		c.read()
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoomBroadcastExcludesSender(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2) // user_list + joined notification for bob

	alice.send(protocol.Message{Type: protocol.TypeMessage, Payload: "hello room"})

	msg := bob.expect(protocol.TypeMessage)
	if msg.Sender != "alice" || msg.Room != "lobby" || msg.PayloadString() != "hello room" {
		t.Fatalf("broadcast frame = %+v", msg)
	}
	alice.expectSilence()
}

func TestBlankMessageIgnored(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeMessage, Payload: "   \t  "})
	bob.expectSilence()
}

func TestPrivateMessage(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypePrivateMessage, Target: "bob", Payload: "psst"})

	msg := bob.expect(protocol.TypePrivateMessage)
	if msg.Sender != "alice" || msg.PayloadString() != "psst" {
		t.Fatalf("private frame = %+v", msg)
	}
	sent := alice.expect(protocol.TypePrivateSent)
	if sent.Target != "bob" || sent.PayloadString() != "psst" {
		t.Fatalf("confirmation frame = %+v", sent)
	}
}

func TestPrivateMessageUnknownTarget(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")

	alice.send(protocol.Message{Type: protocol.TypePrivateMessage, Target: "ghost", Payload: "psst"})
	alice.expectError("User 'ghost' is not online")
}

func TestJoinRoom(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	bob.send(protocol.Message{Type: protocol.TypeJoinRoom, Payload: "dev"})

	info := bob.expect(protocol.TypeRoomInfo)
	if info.Payload == nil {
		t.Fatalf("room_info missing payload: %+v", info)
	}
	bob.expect(protocol.TypeUserList)

	left := alice.expect(protocol.TypeNotification)
	if left.PayloadString() != "bob left the room" {
		t.Fatalf("notification = %q", left.PayloadString())
	}
	alice.expect(protocol.TypeUserList)

	// Rooms now isolate the two clients.
	alice.send(protocol.Message{Type: protocol.TypeMessage, Payload: "lobby only"})
	bob.expectSilence()

	// Joining the current room again is a no-op.
	bob.send(protocol.Message{Type: protocol.TypeJoinRoom, Payload: "dev"})
	bob.expectSilence()
	alice.expectSilence()
}

func TestJoinRoomInvalidName(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")

	alice.send(protocol.Message{Type: protocol.TypeJoinRoom, Payload: "   "})
	msg := alice.expect(protocol.TypeError)
	if msg.PayloadString() == "" {
		t.Fatal("error frame with empty reason")
	}
}

func TestListRooms(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")

	alice.send(protocol.Message{Type: protocol.TypeListRooms})
	msg := alice.expect(protocol.TypeRoomList)
	rooms, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("room_list payload = %T", msg.Payload)
	}
	if _, ok := rooms["lobby"]; !ok {
		t.Fatalf("room_list missing lobby: %v", rooms)
	}
}

func TestFileTransferToTarget(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeFileTransfer, Filename: "notes.txt", Filesize: 5, Target: "bob"})
	alice.expect(protocol.TypeFileTransferReady)
	alice.write([]byte{0, 0, 0, 5})
	alice.write([]byte("hello"))

	confirm := alice.expect(protocol.TypeFileSentConfirm)
	if confirm.Filename != "notes.txt" {
		t.Fatalf("confirm frame = %+v", confirm)
	}

	header := bob.expect(protocol.TypeFileIncoming)
	if header.Sender != "alice" || header.Filename != "notes.txt" || header.Filesize != 5 {
		t.Fatalf("file_incoming = %+v", header)
	}
	size, err := bob.fr.ReadSizePrefix()
	if err != nil || size != 5 {
		t.Fatalf("size prefix = %d/%v, want 5", size, err)
	}
	payload := make([]byte, 5)
	if err := bob.fr.ReadExact(payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestFileTransferRoomBroadcast(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeFileTransfer, Filename: "pic.png", Filesize: 3})
	alice.expect(protocol.TypeFileTransferReady)
	alice.write([]byte{0, 0, 0, 3})
	alice.write([]byte{1, 2, 3})
	alice.expect(protocol.TypeFileSentConfirm)

	header := bob.expect(protocol.TypeFileIncoming)
	if header.Sender != "alice" || header.Filesize != 3 {
		t.Fatalf("file_incoming = %+v", header)
	}
	size, err := bob.fr.ReadSizePrefix()
	if err != nil || size != 3 {
		t.Fatalf("size prefix = %d/%v", size, err)
	}
	payload := make([]byte, 3)
	if err := bob.fr.ReadExact(payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}

	// The sender never receives its own file.
	alice.expectSilence()
}

func TestFileTransferEmptyFile(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeFileTransfer, Filename: "empty.bin", Target: "bob"})
	alice.expect(protocol.TypeFileTransferReady)
	alice.write([]byte{0, 0, 0, 0})
	alice.expect(protocol.TypeFileSentConfirm)

	bob.expect(protocol.TypeFileIncoming)
	size, err := bob.fr.ReadSizePrefix()
	if err != nil || size != 0 {
		t.Fatalf("size prefix = %d/%v, want 0", size, err)
	}
}

func TestFileTransferSizeMismatch(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeFileTransfer, Filename: "a.bin", Filesize: 5, Target: "bob"})
	alice.expect(protocol.TypeFileTransferReady)
	alice.write([]byte{0, 0, 0, 3})
	alice.write([]byte("abc"))

	alice.expectError("file size mismatch, transfer aborted")
	bob.expectSilence()

	// The stream stays framed: the session keeps working.
	alice.send(protocol.Message{Type: protocol.TypeMessage, Payload: "still here"})
	bob.expect(protocol.TypeMessage)
}

// A file emission must reach the recipient as one contiguous byte
// sequence even while another client floods the same recipient with
// broadcasts. If anything interleaved between the file_incoming line and
// the payload's last byte, the size prefix or payload read would see
// JSON text instead.
func TestFileEmissionAtomicUnderContention(t *testing.T) {
	// Mailboxes deep enough that no unit is dropped while the recipients
	// are busy with the transfer; the noise volume stays below the depth.
	s := newTestServer(t, Config{SendBuffer: 8192})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	carol := login(t, s, "carol")
	alice.drain(4)
	bob.drain(2)

	noise, err := protocol.Encode(protocol.Message{Type: protocol.TypeMessage, Payload: "noise"})
	if err != nil {
		t.Fatalf("encode noise: %v", err)
	}
	stop := make(chan struct{})
	noiseDone := make(chan struct{})
	go func() {
		defer close(noiseDone)
		for i := 0; i < 2000; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = carol.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if _, err := carol.conn.Write(noise); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(stop)
		<-noiseDone
	}()

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	alice.send(protocol.Message{
		Type:     protocol.TypeFileTransfer,
		Filename: "blob.bin",
		Filesize: int64(len(payload)),
		Target:   "bob",
	})
	alice.expectEventually(protocol.TypeFileTransferReady)

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	alice.write(prefix[:])
	alice.write(payload)
	alice.expectEventually(protocol.TypeFileSentConfirm)

	header := bob.expectEventually(protocol.TypeFileIncoming)
	if header.Sender != "alice" || header.Filesize != int64(len(payload)) {
		t.Fatalf("file_incoming = %+v", header)
	}
	size, err := bob.fr.ReadSizePrefix()
	if err != nil || int(size) != len(payload) {
		t.Fatalf("size prefix = %d/%v, want %d", size, err, len(payload))
	}
	got := make([]byte, len(payload))
	if err := bob.fr.ReadExact(got); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted by interleaved traffic")
	}
}

// A sender dying between the size prefix and the last payload byte ends
// its own session; the pending transfer is never delivered.
func TestFileTransferSenderDiesMidPayload(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeFileTransfer, Filename: "a.bin", Filesize: 5, Target: "bob"})
	alice.expect(protocol.TypeFileTransferReady)
	alice.write([]byte{0, 0, 0, 5})
	alice.write([]byte("ab"))
	alice.conn.Close()

	// Bob sees only the teardown, never a file_incoming.
	left := bob.expect(protocol.TypeNotification)
	if left.PayloadString() != "alice left the chat!" {
		t.Fatalf("notification = %q", left.PayloadString())
	}
	bob.expect(protocol.TypeUserList)
	if s.reg.Has("alice") {
		t.Fatal("alice still registered")
	}
}

func TestFileTransferTargetOffline(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")

	alice.send(protocol.Message{Type: protocol.TypeFileTransfer, Filename: "a.bin", Filesize: 5, Target: "ghost"})
	// Rejected before file_transfer_ready, so no payload bytes are owed.
	alice.expectError("User 'ghost' is not online")

	alice.send(protocol.Message{Type: protocol.TypeMessage, Payload: "fine"})
	alice.expectSilence()
}

func TestFileTransferTooLarge(t *testing.T) {
	s := newTestServer(t, Config{MaxFileSize: 10})
	alice := login(t, s, "alice")

	alice.send(protocol.Message{Type: protocol.TypeFileTransfer, Filename: "big.bin", Filesize: 11})
	alice.expectError("file exceeds maximum size of 10 bytes")
}

func TestMaxFileSizeClampedToPrefixRange(t *testing.T) {
	s := newTestServer(t, Config{MaxFileSize: 5 << 30})
	if s.cfg.MaxFileSize != math.MaxUint32 {
		t.Fatalf("MaxFileSize = %d, want clamp to %d", s.cfg.MaxFileSize, uint32(math.MaxUint32))
	}
}

func TestCallLifecycle(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeCallRequest, Payload: "bob"})
	incoming := bob.expect(protocol.TypeCallIncoming)
	if incoming.PayloadString() != "alice" {
		t.Fatalf("call_incoming payload = %q", incoming.PayloadString())
	}
	ringing := alice.expect(protocol.TypeCallRinging)
	if ringing.PayloadString() != "bob" {
		t.Fatalf("call_ringing payload = %q", ringing.PayloadString())
	}

	bob.send(protocol.Message{Type: protocol.TypeCallAccept, Payload: "alice"})
	alice.expect(protocol.TypeCallStarted)
	bob.expect(protocol.TypeCallStarted)
	if !s.calls.Busy("alice") || !s.calls.Busy("bob") {
		t.Fatal("call not recorded")
	}

	alice.send(protocol.Message{Type: protocol.TypeCallEnd})
	ended := bob.expect(protocol.TypeCallEnded)
	if ended.PayloadString() != "alice ended the call" {
		t.Fatalf("call_ended payload = %q", ended.PayloadString())
	}
	alice.expect(protocol.TypeCallEnded)
	if s.calls.Count() != 0 {
		t.Fatalf("calls remaining: %d", s.calls.Count())
	}

	// A second call_end is a no-op.
	alice.send(protocol.Message{Type: protocol.TypeCallEnd})
	alice.expectSilence()
	bob.expectSilence()

	// Both sides are callable again.
	bob.send(protocol.Message{Type: protocol.TypeCallRequest, Payload: "alice"})
	alice.expect(protocol.TypeCallIncoming)
	bob.expect(protocol.TypeCallRinging)
}

func TestCallReject(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeCallRequest, Payload: "bob"})
	bob.expect(protocol.TypeCallIncoming)
	alice.expect(protocol.TypeCallRinging)

	bob.send(protocol.Message{Type: protocol.TypeCallReject, Payload: "alice"})
	rejected := alice.expect(protocol.TypeCallRejected)
	if rejected.PayloadString() != "bob declined the call" {
		t.Fatalf("call_rejected payload = %q", rejected.PayloadString())
	}
	if s.calls.Busy("alice") || s.calls.Busy("bob") {
		t.Fatal("rejected call left state behind")
	}
}

func TestCallRequestErrors(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	carol := login(t, s, "carol")
	alice.drain(4)
	bob.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeCallRequest, Payload: "alice"})
	alice.expectError("You cannot call yourself")

	alice.send(protocol.Message{Type: protocol.TypeCallRequest, Payload: "ghost"})
	alice.expectError("User 'ghost' is not online")

	alice.send(protocol.Message{Type: protocol.TypeCallRequest, Payload: "bob"})
	bob.expect(protocol.TypeCallIncoming)
	alice.expect(protocol.TypeCallRinging)
	bob.send(protocol.Message{Type: protocol.TypeCallAccept, Payload: "alice"})
	alice.expect(protocol.TypeCallStarted)
	bob.expect(protocol.TypeCallStarted)

	carol.send(protocol.Message{Type: protocol.TypeCallRequest, Payload: "alice"})
	carol.expectError("User 'alice' is busy in another call")
}

func TestDisconnectDuringCall(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: protocol.TypeCallRequest, Payload: "bob"})
	bob.expect(protocol.TypeCallIncoming)
	alice.expect(protocol.TypeCallRinging)
	bob.send(protocol.Message{Type: protocol.TypeCallAccept, Payload: "alice"})
	alice.expect(protocol.TypeCallStarted)
	bob.expect(protocol.TypeCallStarted)

	alice.conn.Close()

	ended := bob.expect(protocol.TypeCallEnded)
	if ended.PayloadString() != "alice disconnected" {
		t.Fatalf("call_ended payload = %q", ended.PayloadString())
	}
	left := bob.expect(protocol.TypeNotification)
	if left.PayloadString() != "alice left the chat!" {
		t.Fatalf("notification = %q", left.PayloadString())
	}
	bob.expect(protocol.TypeUserList)

	if s.calls.Count() != 0 {
		t.Fatalf("calls remaining: %d", s.calls.Count())
	}
	if s.reg.Has("alice") {
		t.Fatal("alice still registered")
	}
}

func TestLoginDuplicateName(t *testing.T) {
	s := newTestServer(t, Config{})
	login(t, s, "alice")

	c := connect(t, s)
	c.send(protocol.Message{Type: protocol.TypeLogin, Payload: "alice"})
	c.expectError("Username 'alice' is already taken")
	if s.reg.Count() != 1 {
		t.Fatalf("Count = %d after rejected login, want 1", s.reg.Count())
	}
}

func TestLoginEmptyName(t *testing.T) {
	s := newTestServer(t, Config{})
	c := connect(t, s)
	c.send(protocol.Message{Type: protocol.TypeLogin, Payload: "   "})
	c.expect(protocol.TypeError)
	if s.reg.Count() != 0 {
		t.Fatalf("Count = %d after rejected login, want 0", s.reg.Count())
	}
}

func TestLoginRequiredFirst(t *testing.T) {
	s := newTestServer(t, Config{})
	c := connect(t, s)
	c.send(protocol.Message{Type: protocol.TypeMessage, Payload: "hi"})
	c.expectError("you must log in first")

	// The handler closes the connection after the rejection.
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.fr.Next(); err != io.EOF && err != io.ErrClosedPipe {
		t.Fatalf("expected closed connection, got %v", err)
	}
}

func TestLoginThenDisconnect(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	alice.conn.Close()

	waitFor(t, func() bool { return s.reg.Count() == 0 }, "registry to empty")
	if len(s.reg.SnapshotRooms()) != 0 {
		t.Fatalf("rooms remain: %v", s.reg.SnapshotRooms())
	}
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.send(protocol.Message{Type: "frobnicate", Payload: "x"})
	bob.expectSilence()

	alice.send(protocol.Message{Type: protocol.TypeMessage, Payload: "still alive"})
	bob.expect(protocol.TypeMessage)
}

func TestMalformedLineSkipped(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := login(t, s, "alice")
	bob := login(t, s, "bob")
	alice.drain(2)

	alice.write([]byte("this is not json\n"))
	alice.send(protocol.Message{Type: protocol.TypeMessage, Payload: "after garbage"})

	msg := bob.expect(protocol.TypeMessage)
	if msg.PayloadString() != "after garbage" {
		t.Fatalf("payload = %q", msg.PayloadString())
	}
}
