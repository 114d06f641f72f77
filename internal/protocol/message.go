package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Wire-protocol limits.
const (
	MaxNameLength = 50               // max UTF-8 bytes for usernames and room names
	MaxFrameBytes = 1 << 20          // max bytes for a single control frame line
	MaxFileSize   = 64 * 1024 * 1024 // max file transfer size (64 MB)
)

// Message types sent by clients.
const (
	TypeLogin          = "login"
	TypeMessage        = "message"
	TypePrivateMessage = "private_message"
	TypeJoinRoom       = "join_room"
	TypeListRooms      = "list_rooms"
	TypeFileTransfer   = "file_transfer"
	TypeCallRequest    = "call_request"
	TypeCallAccept     = "call_accept"
	TypeCallReject     = "call_reject"
	TypeCallEnd        = "call_end"
)

// Message types sent by the server.
const (
	TypeLoginSuccess      = "login_success"
	TypeError             = "error"
	TypeNotification      = "notification"
	TypePrivateSent       = "private_sent"
	TypeRoomInfo          = "room_info"
	TypeRoomList          = "room_list"
	TypeUserList          = "user_list"
	TypeFileIncoming      = "file_incoming"
	TypeFileTransferReady = "file_transfer_ready"
	TypeFileSentConfirm   = "file_sent_confirm"
	TypeCallIncoming      = "call_incoming"
	TypeCallRinging       = "call_ringing"
	TypeCallStarted       = "call_started"
	TypeCallRejected      = "call_rejected"
	TypeCallEnded         = "call_ended"
)

// Message is the JSON control envelope exchanged over the control channel,
// one newline-terminated object per frame. Payload is a string for most
// types; room_info, room_list and user_list carry structured payloads.
type Message struct {
	Type     string `json:"type"`
	Payload  any    `json:"payload,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Target   string `json:"target,omitempty"`
	Room     string `json:"room,omitempty"`
	Filename string `json:"filename,omitempty"`
	Filesize int64  `json:"filesize,omitempty"`
}

// PayloadString returns the payload if it is a plain string, else "".
func (m *Message) PayloadString() string {
	s, _ := m.Payload.(string)
	return s
}

// RoomInfo is the payload of a room_info message.
type RoomInfo struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
}

// ValidateName trims whitespace from s and returns the trimmed string, or an
// error if the result is empty, not valid UTF-8, or exceeds MaxNameLength bytes.
func ValidateName(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", fmt.Errorf("name must not be empty")
	case len(s) > MaxNameLength:
		return "", fmt.Errorf("name must not exceed %d characters", MaxNameLength)
	case !utf8.ValidString(s):
		return "", fmt.Errorf("name must be valid UTF-8")
	case strings.ContainsAny(s, "\n\r"):
		return "", fmt.Errorf("name must not contain line breaks")
	}
	return s, nil
}
