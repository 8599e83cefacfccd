// Package protocol defines the newline-delimited text protocol spoken between
// ChatLine clients and the server.
//
// Every frame is one UTF-8 line terminated by '\n'. Carriage returns are
// tolerated anywhere and stripped. Client frames start with a verb, server
// frames with a keyword.
package protocol

import (
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// MaxLineLength is the longest accepted frame, excluding the terminator.
	MaxLineLength = 2048

	// TimeLayout renders history timestamps as a single token.
	TimeLayout = "2006-01-02T15:04:05Z"
)

// Client verbs.
const (
	VerbAuth   = "AUTH"
	VerbSend   = "SEND"
	VerbGet    = "GET"
	VerbDelete = "DELETE"
	VerbUsers  = "USERS"
	VerbQuit   = "QUIT"
)

// Server keywords.
const (
	KeyWelcome    = "WELCOME"
	KeyOK         = "OK"
	KeyError      = "ERROR"
	KeyMessage    = "MESSAGE"
	KeyHistory    = "HISTORY"
	KeyInfo       = "INFO"
	KeyUser       = "USER"
	KeyUsersBegin = "USERS_BEGIN"
	KeyUsersEnd   = "USERS_END"
	KeyBye        = "BYE"
	KeyShutdown   = "SHUTDOWN"
)

// Command is one parsed client frame.
type Command struct {
	Verb string
	Arg  string // Raw with trailing whitespace removed
	Raw  string // everything after the first space, verbatim
}

// ParseCommand splits a frame into its verb and argument text.
// Verbs are case-sensitive.
func ParseCommand(line string) Command {
	line = strings.ReplaceAll(line, "\r", "")
	verb, raw, _ := strings.Cut(line, " ")
	return Command{Verb: verb, Arg: strings.TrimRight(raw, " \t"), Raw: raw}
}

// SplitTarget splits "<user> <rest...>" at the first space.
// ok is false when there is no separator.
func SplitTarget(arg string) (user, rest string, ok bool) {
	return strings.Cut(arg, " ")
}

// WriteLine writes a single frame. Embedded newlines are flattened so a
// frame can never be split by its payload.
func WriteLine(w io.Writer, line string) error {
	line = strings.NewReplacer("\r", "", "\n", " ").Replace(line)
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ---- Server frames ----

func Welcome(text string) string { return KeyWelcome + " " + text }
func OK(text string) string      { return KeyOK + " " + text }
func Error(text string) string   { return KeyError + " " + text }
func Info(text string) string    { return KeyInfo + " " + text }
func User(name string) string    { return KeyUser + " " + name }
func Shutdown(text string) string {
	return KeyShutdown + " " + text
}

// Errorf formats an ERROR frame.
func Errorf(format string, args ...any) string {
	return Error(fmt.Sprintf(format, args...))
}

// Message is the live notification pushed to a receiver.
func Message(sender, body string) string {
	return KeyMessage + " " + sender + " " + body
}

// History is one row of a conversation listing.
func History(at time.Time, sender, body string) string {
	return KeyHistory + " " + FormatTime(at) + " " + sender + " " + body
}

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Response is one parsed server frame.
type Response struct {
	Keyword string
	Payload string
}

// ParseResponse splits a server frame into keyword and payload.
func ParseResponse(line string) Response {
	line = strings.ReplaceAll(line, "\r", "")
	kw, payload, _ := strings.Cut(line, " ")
	return Response{Keyword: kw, Payload: payload}
}

