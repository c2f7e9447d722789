package main

import (
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/horgh/chatbox/wire"
)

// Prompt ids used during the identity handshake.
const (
	promptKeepNick = "keep_nick"
	promptNick     = "nick"
)

// Session is one client's lifetime on the server: a driver (the goroutine
// running run) that owns parsing and hub mutations, and a writer goroutine
// that owns the socket's write side.
type Session struct {
	srv  *Server
	conn *Conn
	ip   net.IP

	// nick is the driver's view of its own nick. The hub's handle is
	// authoritative for everyone else.
	nick string
}

// run drives the session: identity handshake, hub registration, MOTD,
// history replay, then the command loop. It returns when the client is gone.
func (sess *Session) run() {
	writeChan := make(chan wire.ServerMsg, sendQueueSize)
	quit := make(chan struct{})
	go sess.writeLoop(writeChan, quit)

	defer close(quit)
	defer func() {
		_ = sess.conn.Close()
	}()

	nick, err := sess.negotiateNick(writeChan)
	if err != nil {
		log.WithFields(log.Fields{"ip": sess.ip.String()}).WithError(err).Debug(
			"identity handshake failed")
		return
	}
	sess.nick = nick

	client := sess.srv.Hub.AddClient(nick, sess.ip, writeChan, sess.conn)
	log.WithFields(log.Fields{
		"ip":        sess.ip.String(),
		"nick":      nick,
		"client_id": client.ID,
	}).Info("client joined")

	reason := "client left"
	defer func() {
		if removed := sess.srv.Hub.RemoveClient(client.ID); removed != nil {
			sess.srv.Hub.Broadcast(wire.Sys(
				fmt.Sprintf("%s left (%s)", removed.Nick, reason)))
			log.WithFields(log.Fields{
				"ip":     sess.ip.String(),
				"nick":   removed.Nick,
				"reason": reason,
			}).Info("client left")
		}
	}()

	if sess.srv.MOTD != "" {
		writeChan <- wire.Sys(sess.srv.MOTD)
	}

	sess.replayHistory(writeChan)

	sess.srv.Hub.Broadcast(wire.Sys(fmt.Sprintf("%s joined", nick)))

	sess.commandLoop(client.ID, writeChan, &reason)
}

// writeLoop drains the session's outbound queue to the socket. It exits
// when quit closes. After a write error it closes the socket (unblocking
// the driver's read) but keeps consuming the queue so the driver's own
// sends never block on a dead writer.
func (sess *Session) writeLoop(ch <-chan wire.ServerMsg, quit <-chan struct{}) {
	failed := false

	for {
		select {
		case msg := <-ch:
			if failed {
				continue
			}
			if err := sess.conn.WriteLine(msg.String()); err != nil {
				log.WithFields(log.Fields{"ip": sess.ip.String()}).WithError(err).Debug(
					"write error")
				_ = sess.conn.Close()
				failed = true
			}
		case <-quit:
			return
		}
	}
}

// negotiateNick runs the identity handshake. A returning IP is offered its
// stored nick; anyone else (or anyone declining) is prompted until they
// pick a nickname that is valid and free.
func (sess *Session) negotiateNick(ch chan<- wire.ServerMsg) (string, error) {
	rec, err := sess.srv.Identities.Get(sess.srv.ctx, sess.ip)
	if err != nil {
		return "", err
	}

	if rec != nil {
		ch <- wire.Prompt(promptKeepNick,
			fmt.Sprintf("Your nickname is %s. Change it? (y/N)", rec.Nick))

		answer, err := sess.readPromptReply(promptKeepNick)
		if err != nil {
			return "", err
		}

		if !strings.HasPrefix(strings.ToLower(answer), "y") {
			if !sess.srv.Hub.NickTaken(rec.Nick) {
				return rec.Nick, nil
			}
			ch <- wire.Sys("nickname already taken")
		}
	}

	for {
		ch <- wire.Prompt(promptNick, "Choose nickname")

		answer, err := sess.readPromptReply(promptNick)
		if err != nil {
			return "", err
		}

		nick := strings.TrimSpace(answer)
		if !isValidNick(nick) {
			ch <- wire.Sys("invalid nickname")
			continue
		}
		if sess.srv.Hub.NickTaken(nick) {
			ch <- wire.Sys("nickname already taken")
			continue
		}

		if err := sess.srv.Identities.Set(sess.srv.ctx, sess.ip, nick); err != nil {
			return "", err
		}

		return nick, nil
	}
}

// readPromptReply reads lines until one is a PROMPT reply with the given
// id. Anything else the client sends while we wait is skipped.
func (sess *Session) readPromptReply(id string) (string, error) {
	for {
		line, err := sess.conn.ReadLine()
		if err != nil {
			return "", err
		}

		msg, err := wire.ParseClientLine(line)
		if err != nil {
			continue
		}

		if msg.Kind == wire.PromptCmd && msg.PromptID == id {
			return msg.Answer, nil
		}
	}
}

// replayHistory sends the retained chat history as HIST frames. These are
// blocking sends: the client just joined and its writer is draining.
func (sess *Session) replayHistory(ch chan<- wire.ServerMsg) {
	items, err := sess.srv.History.List(sess.srv.ctx)
	if err != nil {
		log.WithError(err).Error("history list failed")
		return
	}

	for _, item := range items {
		ch <- wire.Hist(item.Nick, item.Text)
	}
}

// commandLoop reads and executes commands until the client quits, errors,
// idles out, or trips the rate limit twice.
func (sess *Session) commandLoop(
	id uint64,
	ch chan<- wire.ServerMsg,
	reason *string,
) {
	for {
		line, err := sess.conn.ReadLine()
		if err != nil {
			if isTimeout(err) {
				log.WithFields(log.Fields{
					"ip":   sess.ip.String(),
					"nick": sess.nick,
				}).Warn("idle timeout")
				*reason = "idle timeout"
			}
			return
		}

		msg, err := wire.ParseClientLine(line)
		if err != nil {
			if _, ok := wire.CleanLine(line); !ok {
				// Blank lines are noise, not errors.
				continue
			}
			ch <- wire.Sys("invalid command")
			continue
		}

		switch sess.srv.Hub.CheckRate(id, sess.ip) {
		case RateWarn:
			ch <- wire.Sys("rate limit exceeded")
			continue
		case RateDisconnect:
			log.WithFields(log.Fields{
				"ip":   sess.ip.String(),
				"nick": sess.nick,
			}).Warn("rate limit disconnect")
			*reason = "rate limit"
			return
		}

		switch msg.Kind {
		case wire.NickCmd:
			sess.handleNick(id, ch, msg.Nick)

		case wire.SayCmd:
			sess.handleSay(msg.Text)

		case wire.WhoCmd:
			ch <- wire.Who(sess.srv.Hub.ListNicks())

		case wire.QuitCmd:
			return

		case wire.PromptCmd:
			ch <- wire.Sys("unexpected prompt")
		}
	}
}

// handleNick renames the client.
func (sess *Session) handleNick(id uint64, ch chan<- wire.ServerMsg, nick string) {
	if len(nick) > wire.MaxNick {
		ch <- wire.Sys("nickname too long")
		return
	}

	old := sess.nick

	if err := sess.srv.Hub.Rename(id, nick); err != nil {
		ch <- wire.Sys(err.Error())
		return
	}

	if err := sess.srv.Identities.Set(sess.srv.ctx, sess.ip, nick); err != nil {
		log.WithFields(log.Fields{"ip": sess.ip.String()}).WithError(err).Error(
			"identity update failed")
	}

	sess.nick = nick
	log.WithFields(log.Fields{
		"ip":   sess.ip.String(),
		"nick": nick,
		"old":  old,
	}).Info("nickname changed")

	sess.srv.Hub.Broadcast(wire.Sys(fmt.Sprintf("%s is now %s", old, nick)))
}

// handleSay records the message and fans it out. Clients whose queue cannot
// take the message are evicted as slow consumers.
func (sess *Session) handleSay(text string) {
	if err := sess.srv.History.Push(sess.srv.ctx, sess.nick, text); err != nil {
		log.WithError(err).Error("history push failed")
	}

	full := sess.srv.Hub.BroadcastWithDisconnects(wire.Msg(sess.nick, text))

	for _, victim := range full {
		if removed := sess.srv.Hub.Evict(victim); removed != nil {
			log.WithFields(log.Fields{
				"client_id": victim,
				"nick":      removed.Nick,
			}).Warn("evicting slow consumer")
			sess.srv.Hub.Broadcast(wire.Sys(
				fmt.Sprintf("%s left (slow consumer)", removed.Nick)))
		}
	}
}
