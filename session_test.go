package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horgh/chatbox/history"
	"github.com/horgh/chatbox/identity"
	"github.com/horgh/chatbox/wire"
)

const testReadWait = 5 * time.Second

func newTestServer(t *testing.T, connRate, ipRate int) *Server {
	return &Server{
		Hub:     NewHub(connRate, ipRate),
		History: history.NewMemory(history.DefaultMax),
		Identities: identity.NewFileStore(
			filepath.Join(t.TempDir(), "identities.toml")),
		ctx: context.Background(),
	}
}

// testClient is one end of a net.Pipe whose other end a Session serves.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// connect starts a session for a fake peer at the given IP. There is no TLS
// in the way; the session speaks over the pipe directly.
func connect(t *testing.T, srv *Server, ip string) *testClient {
	clientConn, serverConn := net.Pipe()

	sess := &Session{
		srv:  srv,
		conn: NewConn(serverConn, srv.IdleTimeout),
		ip:   net.ParseIP(ip),
	}
	go sess.run()

	t.Cleanup(func() {
		_ = clientConn.Close()
	})

	return &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(testReadWait)))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readMsg() wire.ServerMsg {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testReadWait)))

	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)

	msg, err := wire.ParseServerLine(line)
	require.NoError(c.t, err, line)
	return msg
}

// readUntil reads messages until one satisfies the predicate.
func (c *testClient) readUntil(pred func(wire.ServerMsg) bool) wire.ServerMsg {
	c.t.Helper()
	for {
		msg := c.readMsg()
		if pred(msg) {
			return msg
		}
	}
}

func (c *testClient) readUntilSys(text string) {
	c.t.Helper()
	c.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.SysMsg && m.Text == text
	})
}

// join answers the nickname prompt and waits for the join broadcast.
func (c *testClient) join(nick string) {
	c.t.Helper()
	c.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.PromptMsg && m.PromptID == promptNick
	})
	c.send("PROMPT nick " + nick)
	c.readUntilSys(nick + " joined")
}

// expectClosed reads until the connection reports an error.
func (c *testClient) expectClosed() {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(testReadWait)); err != nil {
		// net.Pipe refuses a deadline once the server end has closed.
		require.ErrorIs(c.t, err, io.ErrClosedPipe)
		return
	}
	for {
		if _, err := c.r.ReadString('\n'); err != nil {
			return
		}
	}
}

// drain consumes everything the server sends until the connection closes.
func (c *testClient) drain() {
	go func() {
		for {
			if _, err := c.r.ReadString('\n'); err != nil {
				return
			}
		}
	}()
}

func TestBroadcastAndWho(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)

	alice := connect(t, srv, "10.0.0.1")
	alice.join("alice")

	bob := connect(t, srv, "10.0.0.2")
	bob.join("bob")

	alice.send("SAY hello")

	msg := bob.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.ChatMsg
	})
	assert.Equal(t, "alice", msg.Nick)
	assert.Equal(t, "hello", msg.Text)

	// The sender hears its own message in the same round.
	echo := alice.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.ChatMsg
	})
	assert.Equal(t, wire.Msg("alice", "hello"), echo)

	bob.send("WHO")
	who := bob.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.WhoMsg
	})
	assert.Equal(t, 2, who.Count)
	assert.ElementsMatch(t, []string{"alice", "bob"}, who.Nicks)
}

func TestNickUniqueness(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)

	alice := connect(t, srv, "10.0.0.1")
	alice.join("alice")

	second := connect(t, srv, "10.0.0.2")
	second.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.PromptMsg && m.PromptID == promptNick
	})
	second.send("PROMPT nick alice")

	second.readUntilSys("nickname already taken")

	// The server re-prompts and a free nick succeeds.
	second.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.PromptMsg && m.PromptID == promptNick
	})
	second.send("PROMPT nick bob")
	second.readUntilSys("bob joined")
}

func TestReconnectRemembersNick(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)

	alice := connect(t, srv, "10.0.0.1")
	alice.join("alice")
	alice.send("QUIT")
	alice.expectClosed()

	again := connect(t, srv, "10.0.0.1")
	first := again.readMsg()
	assert.Equal(t,
		wire.Prompt(promptKeepNick, "Your nickname is alice. Change it? (y/N)"),
		first)

	again.send("PROMPT keep_nick n")
	again.readUntilSys("alice joined")
}

func TestKeepNickDeclinedWhenTaken(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)

	alice := connect(t, srv, "10.0.0.1")
	alice.join("alice")

	// Same IP connects again while alice is still online. Keeping the
	// stored nick is impossible, so the server falls back to prompting.
	second := connect(t, srv, "10.0.0.1")
	second.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.PromptMsg && m.PromptID == promptKeepNick
	})
	second.send("PROMPT keep_nick n")

	second.readUntilSys("nickname already taken")
	second.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.PromptMsg && m.PromptID == promptNick
	})
	second.send("PROMPT nick carol")
	second.readUntilSys("carol joined")
}

func TestHandshakeRejectsBadNicks(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)

	c := connect(t, srv, "10.0.0.1")
	c.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.PromptMsg && m.PromptID == promptNick
	})

	// Lines that are not prompt replies are skipped during the handshake.
	c.send("SAY hello?")

	// A 33-byte nickname is invalid; 32 is the limit.
	long := strings.Repeat("x", wire.MaxNick+1)
	c.send("PROMPT nick " + long)
	c.readUntilSys("invalid nickname")

	c.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.PromptMsg && m.PromptID == promptNick
	})
	c.send("PROMPT nick " + long[:wire.MaxNick])
	c.readUntilSys(long[:wire.MaxNick] + " joined")
}

func TestRenameOverWire(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)

	alice := connect(t, srv, "10.0.0.1")
	alice.join("alice")

	bob := connect(t, srv, "10.0.0.2")
	bob.join("bob")

	alice.send("NICK alice2")
	bob.readUntilSys("alice is now alice2")
	alice.readUntilSys("alice is now alice2")

	alice.send("NICK bob")
	alice.readUntilSys("nickname already taken")

	long := strings.Repeat("x", wire.MaxNick+1)
	alice.send("NICK " + long)
	alice.readUntilSys("nickname too long")

	// The rename stuck: WHO shows the new nick.
	alice.send("WHO")
	who := alice.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.WhoMsg
	})
	assert.ElementsMatch(t, []string{"alice2", "bob"}, who.Nicks)
}

func TestInvalidCommandKeepsSession(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)

	c := connect(t, srv, "10.0.0.1")
	c.join("alice")

	c.send("BOGUS stuff")
	c.readUntilSys("invalid command")

	c.send("PROMPT nick late")
	c.readUntilSys("unexpected prompt")

	// Still alive.
	c.send("WHO")
	c.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.WhoMsg
	})
}

func TestRateLimitWarnThenDisconnect(t *testing.T) {
	srv := newTestServer(t, 1, 1000)

	alice := connect(t, srv, "10.0.0.1")
	alice.join("alice")

	// The first command fits the window of one.
	alice.send("SAY spam")
	alice.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.ChatMsg
	})

	// The second is over the limit: one warning.
	alice.send("SAY spam")
	alice.readUntilSys("rate limit exceeded")

	// The third, still inside the window, ends the session.
	alice.send("SAY spam")
	alice.expectClosed()
}

func TestMOTDAndHistoryReplay(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)
	srv.MOTD = "welcome to chatbox"

	require.NoError(t, srv.History.Push(srv.ctx, "alice", "first"))
	require.NoError(t, srv.History.Push(srv.ctx, "bob", "second"))

	c := connect(t, srv, "10.0.0.3")

	c.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.PromptMsg && m.PromptID == promptNick
	})
	c.send("PROMPT nick carol")

	// The MOTD follows registration.
	assert.Equal(t, wire.Sys("welcome to chatbox"), c.readMsg())

	// History replays oldest first, before the join broadcast.
	first := c.readMsg()
	assert.Equal(t, wire.Hist("alice", "first"), first)
	second := c.readMsg()
	assert.Equal(t, wire.Hist("bob", "second"), second)

	c.readUntilSys("carol joined")
}

func TestSayTruncatedToMaxLine(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)

	alice := connect(t, srv, "10.0.0.1")
	alice.join("alice")

	alice.send("SAY " + strings.Repeat("a", wire.MaxLine))

	// Read the raw line: the MSG line is longer than MaxLine, and parsing it
	// with wire.ParseServerLine would truncate it a second time.
	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(testReadWait)))
	var line string
	for !strings.HasPrefix(line, "MSG ") {
		var err error
		line, err = alice.r.ReadString('\n')
		require.NoError(t, err)
	}
	text := strings.TrimPrefix(strings.TrimRight(line, "\n"), "MSG alice ")
	// "SAY " survives the truncation to MaxLine; the text is what remains.
	assert.Len(t, text, wire.MaxLine-len("SAY "))
}

func TestSlowConsumerEviction(t *testing.T) {
	srv := newTestServer(t, 100000, 100000)

	alice := connect(t, srv, "10.0.0.1")
	alice.join("alice")

	slow := connect(t, srv, "10.0.0.2")
	slow.join("slow")

	carol := connect(t, srv, "10.0.0.3")
	carol.join("carol")

	// alice's own echoes must not fill her queue while she floods, and
	// carol has to keep draining or she would be evicted too. Only slow
	// stops reading.
	alice.drain()

	carolSaw := make(chan struct{})
	go func() {
		_ = carol.conn.SetReadDeadline(time.Now().Add(testReadWait))
		for {
			line, err := carol.r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.Contains(line, "slow left (slow consumer)") {
				close(carolSaw)
				return
			}
		}
	}()

	// slow's queue holds sendQueueSize messages plus one in its writer; the
	// next chat message cannot be queued.
	for i := 0; i < sendQueueSize+10; i++ {
		alice.send(fmt.Sprintf("SAY flood %d", i))
	}

	select {
	case <-carolSaw:
	case <-time.After(testReadWait):
		t.Fatal("carol never saw the eviction broadcast")
	}

	// The hub no longer knows slow.
	carol.send("WHO")
	who := carol.readUntil(func(m wire.ServerMsg) bool {
		return m.Kind == wire.WhoMsg
	})
	assert.ElementsMatch(t, []string{"alice", "carol"}, who.Nicks)

	slow.expectClosed()
}

func TestIdleTimeout(t *testing.T) {
	srv := newTestServer(t, 1000, 1000)
	srv.IdleTimeout = 200 * time.Millisecond

	c := connect(t, srv, "10.0.0.1")
	c.join("alice")

	// No further commands: the server hangs up.
	c.expectClosed()
}
