package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/wajeehajaved01/real-time-chat-application/internal/core"
	"github.com/wajeehajaved01/real-time-chat-application/internal/protocol"
)

// udpVoicePath returns audio to a UDP client at its last observed address.
type udpVoicePath struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (p udpVoicePath) SendVoice(audio []byte) error {
	_, err := p.conn.WriteToUDP(audio, p.addr)
	return err
}

// runVoice is the single worker on the voice datagram socket.
func (s *Server) runVoice(ctx context.Context, conn *net.UDPConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("voice socket read: %w", err)
		}
		s.DeliverVoice(buf[:n], udpVoicePath{conn: conn, addr: addr})
	}
}

// DeliverVoice routes one inbound voice datagram: learn the sender's
// return path from the traffic itself, look up the call partner, and
// forward the stripped audio bytes. Voice is best-effort; anything that
// cannot be routed is dropped silently.
func (s *Server) DeliverVoice(pkt []byte, ret core.VoicePath) {
	name, audio, ok := protocol.ParseVoice(pkt)
	if !ok {
		return
	}
	if !s.reg.SetVoicePath(name, ret) {
		return // unknown sender
	}
	partner, ok := s.calls.Partner(name)
	if !ok {
		return
	}
	path, ok := s.reg.VoicePathFor(partner)
	if !ok {
		return // partner has not spoken yet
	}

	s.metrics.VoiceDatagrams.Inc()
	s.metrics.VoiceBytes.Add(float64(len(audio)))
	s.voiceDatagrams.Add(1)
	s.voiceBytes.Add(uint64(len(audio)))

	// pkt aliases the socket read buffer; copy before handing the audio
	// to a path that may queue it.
	out := make([]byte, len(audio))
	copy(out, audio)
	if err := path.SendVoice(out); err != nil {
		slog.Debug("voice forward dropped", "from", name, "to", partner, "err", err)
	}
}
