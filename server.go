package main

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/horgh/chatbox/allowlist"
	"github.com/horgh/chatbox/history"
	"github.com/horgh/chatbox/identity"
	"github.com/horgh/chatbox/wire"
)

// Server holds everything global to the daemon.
type Server struct {
	Bind        string
	MOTD        string
	IdleTimeout time.Duration

	Hub        *Hub
	History    history.Store
	Identities identity.Store
	Files      allowlist.Files
	TLSConfig  *tls.Config

	ctx context.Context
}

// Listen binds the server's TCP listener.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Bind)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	return ln, nil
}

// ListenAndServe binds and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is done. Each accepted connection is
// checked against the allowlist on the accept goroutine (the gate's file
// I/O is fast and the acceptor is off the broadcast path), then handed to
// its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ctx = ctx

	log.WithField("bind", ln.Addr().String()).Info("chatbox listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		ip := remoteIP(conn)
		if ip == nil {
			log.WithField("addr", conn.RemoteAddr()).Warn(
				"cannot determine peer ip")
			_ = conn.Close()
			continue
		}

		allowed, err := s.Files.CheckOrNote(ip)
		if err != nil {
			log.WithError(err).Error("allowlist check failed")
			_ = conn.Close()
			continue
		}

		if !allowed {
			go s.denyConn(conn, ip)
			continue
		}

		go s.serveConn(conn, ip)
	}
}

// serveConn terminates TLS and runs the session. A panic here must not take
// down the other sessions.
func (s *Server) serveConn(conn net.Conn, ip net.IP) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"ip": ip.String(), "panic": r}).Error(
				"session panicked")
			_ = conn.Close()
		}
	}()

	tlsConn := tls.Server(conn, s.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		log.WithFields(log.Fields{"ip": ip.String()}).WithError(err).Debug(
			"tls handshake failed")
		_ = conn.Close()
		return
	}

	sess := &Session{
		srv:  s,
		conn: NewConn(tlsConn, s.IdleTimeout),
		ip:   ip,
	}
	sess.run()
}

// denyConn completes the TLS handshake so the peer can be told why, sends a
// single denial line, and closes.
func (s *Server) denyConn(conn net.Conn, ip net.IP) {
	defer func() {
		_ = conn.Close()
	}()

	tlsConn := tls.Server(conn, s.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return
	}

	c := NewConn(tlsConn, 0)
	_ = c.WriteLine(wire.Sys("Not approved. Ask admin.").String())
}

// remoteIP extracts the peer's IP from the connection.
func remoteIP(conn net.Conn) net.IP {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}
