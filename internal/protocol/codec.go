package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"
)

// FrameReader reads newline-framed JSON control messages from a byte stream.
// The same reader is also used for the raw file bytes that follow a
// file_transfer frame, so nothing is buffered beyond what bufio holds.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next well-formed control frame. Blank lines are ignored
// and malformed lines are logged and skipped; only an I/O error ends the
// stream.
func (fr *FrameReader) Next() (Message, error) {
	for {
		line, err := fr.r.ReadBytes('\n')
		if err != nil {
			return Message{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if len(line) > MaxFrameBytes {
			slog.Debug("oversized control frame skipped", "bytes", len(line))
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Debug("malformed control frame skipped", "err", err)
			continue
		}
		if msg.Type == "" {
			slog.Debug("control frame without type skipped")
			continue
		}
		return msg, nil
	}
}

// ReadExact fills buf from the stream or fails.
func (fr *FrameReader) ReadExact(buf []byte) error {
	_, err := io.ReadFull(fr.r, buf)
	return err
}

// ReadSizePrefix reads the 4-byte big-endian length that precedes a file
// payload.
func (fr *FrameReader) ReadSizePrefix() (uint32, error) {
	var prefix [4]byte
	if err := fr.ReadExact(prefix[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(prefix[:]), nil
}

// Discard skips n bytes of the stream.
func (fr *FrameReader) Discard(n int64) error {
	_, err := io.CopyN(io.Discard, fr.r, n)
	return err
}

// Encode serialises one control frame as a newline-terminated JSON line.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	return append(data, '\n'), nil
}

// AppendFilePayload appends the 4-byte big-endian size prefix and the raw
// file bytes to dst. Together with the preceding file_incoming frame this
// forms the single unit a recipient must receive contiguously.
func AppendFilePayload(dst, payload []byte) []byte {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	dst = append(dst, prefix[:]...)
	return append(dst, payload...)
}

// Voice datagram layout: uint16 big-endian name length, the UTF-8 name,
// then opaque audio bytes. The server strips the name header before
// forwarding.
const voiceHeaderLen = 2

// EncodeVoice builds a voice datagram for name carrying audio.
func EncodeVoice(name string, audio []byte) []byte {
	out := make([]byte, 0, voiceHeaderLen+len(name)+len(audio))
	var hdr [voiceHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(name)))
	out = append(out, hdr[:]...)
	out = append(out, name...)
	return append(out, audio...)
}

// ParseVoice splits a voice datagram into sender name and audio bytes.
// Returns ok=false for anything malformed; voice traffic is best-effort
// and bad datagrams are simply dropped by the caller.
func ParseVoice(pkt []byte) (name string, audio []byte, ok bool) {
	if len(pkt) < voiceHeaderLen {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint16(pkt[:voiceHeaderLen]))
	if n == 0 || n > MaxNameLength || voiceHeaderLen+n > len(pkt) {
		return "", nil, false
	}
	name = string(pkt[voiceHeaderLen : voiceHeaderLen+n])
	if !utf8.ValidString(name) {
		return "", nil, false
	}
	return name, pkt[voiceHeaderLen+n:], true
}
