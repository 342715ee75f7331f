// Package sendertest runs a minimal in-process SMTP responder for tests.
package sendertest

import (
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Message is one mail transaction the server accepted.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Server speaks just enough SMTP for net/smtp: EHLO, MAIL, RCPT, DATA,
// RSET, NOOP and QUIT. No TLS, no AUTH.
type Server struct {
	// RcptReply, when set, is sent instead of "250 OK" for RCPT TO.
	RcptReply string
	// DataReply, when set, is sent instead of "250 queued" after DATA.
	DataReply string

	ln       net.Listener
	mu       sync.Mutex
	messages []Message
	wg       sync.WaitGroup
}

// Start listens on a loopback port and serves until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{ln: ln}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns a copy of the accepted transactions.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	tp.PrintfLine("220 sendertest ESMTP")

	var cur Message
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "HELO"):
			tp.PrintfLine("250 sendertest")
		case strings.HasPrefix(verb, "MAIL FROM:"):
			cur = Message{From: trimAddr(line[len("MAIL FROM:"):])}
			tp.PrintfLine("250 OK")
		case strings.HasPrefix(verb, "RCPT TO:"):
			if s.RcptReply != "" {
				tp.PrintfLine("%s", s.RcptReply)
				continue
			}
			cur.To = append(cur.To, trimAddr(line[len("RCPT TO:"):]))
			tp.PrintfLine("250 OK")
		case verb == "DATA":
			tp.PrintfLine("354 go ahead")
			data, err := io.ReadAll(tp.DotReader())
			if err != nil {
				return
			}
			if s.DataReply != "" {
				tp.PrintfLine("%s", s.DataReply)
				continue
			}
			cur.Data = data
			s.mu.Lock()
			s.messages = append(s.messages, cur)
			s.mu.Unlock()
			tp.PrintfLine("250 queued")
		case verb == "RSET", verb == "NOOP":
			tp.PrintfLine("250 OK")
		case verb == "QUIT":
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("502 not implemented")
		}
	}
}

func trimAddr(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, "<>")
}
