// Package wire provides encoding and decoding of the chat protocol's line
// oriented messages. It is useful for implementing clients and servers.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxLine is the maximum length of a logical line in bytes, after
	// stripping the line terminator.
	MaxLine = 1024

	// MaxNick is the maximum length of a nickname in bytes.
	MaxNick = 32
)

// ClientKind identifies a client to server message type.
type ClientKind int

// Client to server message types.
const (
	NickCmd ClientKind = iota
	SayCmd
	WhoCmd
	QuitCmd
	PromptCmd
)

// ClientMsg holds a message sent from a client to the server.
type ClientMsg struct {
	Kind ClientKind

	// Nick is set for NICK.
	Nick string

	// Text is set for SAY.
	Text string

	// PromptID and Answer are set for PROMPT replies.
	PromptID string
	Answer   string
}

// ServerKind identifies a server to client message type.
type ServerKind int

// Server to client message types.
const (
	SysMsg ServerKind = iota
	ChatMsg
	HistMsg
	WhoMsg
	PromptMsg
)

// ServerMsg holds a message sent from the server to a client.
type ServerMsg struct {
	Kind ServerKind

	// Nick is set for MSG and HIST.
	Nick string

	// Text is set for SYS, MSG, HIST, and PROMPT.
	Text string

	// Count and Nicks are set for WHO.
	Count int
	Nicks []string

	// PromptID is set for PROMPT.
	PromptID string
}

// Sys makes a SYS message.
func Sys(text string) ServerMsg {
	return ServerMsg{Kind: SysMsg, Text: text}
}

// Msg makes a MSG message.
func Msg(nick, text string) ServerMsg {
	return ServerMsg{Kind: ChatMsg, Nick: nick, Text: text}
}

// Hist makes a HIST message.
func Hist(nick, text string) ServerMsg {
	return ServerMsg{Kind: HistMsg, Nick: nick, Text: text}
}

// Who makes a WHO message.
func Who(nicks []string) ServerMsg {
	return ServerMsg{Kind: WhoMsg, Count: len(nicks), Nicks: nicks}
}

// Prompt makes a PROMPT message.
func Prompt(id, text string) ServerMsg {
	return ServerMsg{Kind: PromptMsg, PromptID: id, Text: text}
}

// CleanLine normalizes a raw line read from the wire. It strips trailing
// CR/LF, truncates to MaxLine bytes, and trims surrounding whitespace. The
// second return value is false if nothing remains.
func CleanLine(line string) (string, bool) {
	s := strings.TrimRight(line, "\r\n")
	if len(s) > MaxLine {
		s = s[:MaxLine]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// ParseClientLine parses a line sent by a client. The line may include the
// trailing terminator.
func ParseClientLine(line string) (ClientMsg, error) {
	clean, ok := CleanLine(line)
	if !ok {
		return ClientMsg{}, errors.New("empty line")
	}

	cmd, rest := splitCommand(clean)

	switch strings.ToUpper(cmd) {
	case "NICK":
		if rest == "" {
			return ClientMsg{}, errors.New("missing nickname")
		}
		return ClientMsg{Kind: NickCmd, Nick: rest}, nil

	case "SAY":
		if rest == "" {
			return ClientMsg{}, errors.New("empty message")
		}
		return ClientMsg{Kind: SayCmd, Text: rest}, nil

	case "WHO":
		return ClientMsg{Kind: WhoCmd}, nil

	case "QUIT":
		return ClientMsg{Kind: QuitCmd}, nil

	case "PROMPT":
		id, answer := splitFirst(rest)
		id = strings.TrimSpace(id)
		answer = strings.TrimSpace(answer)
		if id == "" || answer == "" {
			return ClientMsg{}, errors.New("invalid prompt reply")
		}
		return ClientMsg{Kind: PromptCmd, PromptID: id, Answer: answer}, nil
	}

	return ClientMsg{}, errors.New("unknown command")
}

// ParseServerLine parses a line sent by the server. The line may include the
// trailing terminator.
func ParseServerLine(line string) (ServerMsg, error) {
	clean, ok := CleanLine(line)
	if !ok {
		return ServerMsg{}, errors.New("empty line")
	}

	cmd, rest := splitFirst(clean)

	switch strings.ToUpper(cmd) {
	case "SYS":
		return ServerMsg{Kind: SysMsg, Text: rest}, nil

	case "MSG":
		nick, text := splitFirst(rest)
		if nick == "" || text == "" {
			return ServerMsg{}, errors.New("invalid MSG")
		}
		return ServerMsg{Kind: ChatMsg, Nick: nick, Text: text}, nil

	case "HIST":
		nick, text := splitFirst(rest)
		if nick == "" || text == "" {
			return ServerMsg{}, errors.New("invalid HIST")
		}
		return ServerMsg{Kind: HistMsg, Nick: nick, Text: text}, nil

	case "WHO":
		countStr, list := splitFirst(rest)
		count, err := strconv.Atoi(countStr)
		if err != nil {
			count = 0
		}
		return ServerMsg{
			Kind:  WhoMsg,
			Count: count,
			Nicks: strings.Fields(list),
		}, nil

	case "PROMPT":
		id, text := splitFirst(rest)
		if id == "" || text == "" {
			return ServerMsg{}, errors.New("invalid PROMPT")
		}
		return ServerMsg{Kind: PromptMsg, PromptID: id, Text: text}, nil
	}

	return ServerMsg{}, errors.New("unknown command")
}

// String encodes the message as its canonical protocol line. It does not
// include a line terminator.
func (m ClientMsg) String() string {
	switch m.Kind {
	case NickCmd:
		return fmt.Sprintf("NICK %s", m.Nick)
	case SayCmd:
		return fmt.Sprintf("SAY %s", m.Text)
	case WhoCmd:
		return "WHO"
	case QuitCmd:
		return "QUIT"
	case PromptCmd:
		return fmt.Sprintf("PROMPT %s %s", m.PromptID, m.Answer)
	}
	return ""
}

// String encodes the message as its canonical protocol line. It does not
// include a line terminator.
func (m ServerMsg) String() string {
	switch m.Kind {
	case SysMsg:
		return fmt.Sprintf("SYS %s", m.Text)
	case ChatMsg:
		return fmt.Sprintf("MSG %s %s", m.Nick, m.Text)
	case HistMsg:
		return fmt.Sprintf("HIST %s %s", m.Nick, m.Text)
	case WhoMsg:
		return fmt.Sprintf("WHO %d %s", m.Count, strings.Join(m.Nicks, " "))
	case PromptMsg:
		return fmt.Sprintf("PROMPT %s %s", m.PromptID, m.Text)
	}
	return ""
}

// splitCommand splits off the first token and trims the remainder. The verb
// keeps its case for the caller to normalize.
func splitCommand(s string) (string, string) {
	cmd, rest := splitFirst(s)
	return cmd, strings.TrimSpace(rest)
}

// splitFirst splits at the first space. The second part is everything after
// it, verbatim.
func splitFirst(s string) (string, string) {
	idx := strings.Index(s, " ")
	if idx == -1 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}
