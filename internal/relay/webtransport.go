package relay

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// runWebTransport serves browser clients. The client opens one
// bidirectional stream that carries the exact same newline-framed control
// protocol as TCP, and session datagrams carry voice with the same
// name-prefixed layout as UDP.
func (s *Server) runWebTransport(ctx context.Context, tlsConf *tls.Config) error {
	mux := http.NewServeMux()

	wt := &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.cfg.WebTransportAddr,
			TLSConfig: tlsConf,
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(wt.H3)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			slog.Debug("webtransport upgrade failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go s.serveWebTransport(ctx, sess)
	})

	go func() {
		<-ctx.Done()
		wt.Close()
	}()

	err := wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) serveWebTransport(ctx context.Context, sess *webtransport.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sess.CloseWithError(0, "bye")

	// The client opens the control stream.
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("webtransport accept stream failed", "err", err)
		return
	}

	// Voice datagrams carry the sender name, so this loop needs no login
	// state; routing falls out of the same delivery path as UDP.
	go func() {
		for {
			pkt, err := sess.ReceiveDatagram(ctx)
			if err != nil {
				return
			}
			s.DeliverVoice(pkt, wtVoicePath{sess: sess})
		}
	}()

	s.ServeControl(ctx, wtConn{Stream: stream, sess: sess}, sess.RemoteAddr().String())
}

// wtVoicePath returns audio to a WebTransport client as a session datagram.
type wtVoicePath struct {
	sess *webtransport.Session
}

func (p wtVoicePath) SendVoice(audio []byte) error {
	return p.sess.SendDatagram(audio)
}

// wtConn adapts a WebTransport control stream to Conn. Closing the stream
// also closes the session so the datagram loop ends.
type wtConn struct {
	*webtransport.Stream
	sess *webtransport.Session
}

func (c wtConn) Close() error {
	err := c.Stream.Close()
	c.sess.CloseWithError(0, "bye")
	return err
}
