package client

import (
	"errors"
	"strings"

	"github.com/NicolasHaas/chatline/pkg/protocol"
)

//nolint:staticcheck // usage texts are printed verbatim
var (
	// ErrEmptyInput is returned for a blank line; callers ignore it.
	ErrEmptyInput = errors.New("empty input")
	ErrSendUsage  = errors.New("Usage: sendmessage <user> <message>")
	ErrUnknown    = errors.New("Unknown command. Use sendmessage/getmessages/deletemessages/getuserlist/quit")
)

// Interactive command names.
const (
	CmdSendMessage    = "sendmessage"
	CmdGetMessages    = "getmessages"
	CmdDeleteMessages = "deletemessages"
	CmdGetUserList    = "getuserlist"
	CmdQuit           = "quit"
)

// TranslateInput maps one line typed by the user to a wire command.
func TranslateInput(input string) (string, error) {
	input = strings.TrimRight(input, "\r\n")
	if strings.TrimSpace(input) == "" {
		return "", ErrEmptyInput
	}
	name, rest, _ := strings.Cut(input, " ")
	switch name {
	case CmdSendMessage:
		target, body, ok := strings.Cut(rest, " ")
		if !ok || target == "" {
			return "", ErrSendUsage
		}
		return protocol.VerbSend + " " + target + " " + body, nil
	case CmdGetMessages:
		return protocol.VerbGet + " " + rest, nil
	case CmdDeleteMessages:
		return protocol.VerbDelete + " " + rest, nil
	case CmdGetUserList:
		if rest != "" {
			return "", ErrUnknown
		}
		return protocol.VerbUsers, nil
	case CmdQuit:
		if rest != "" {
			return "", ErrUnknown
		}
		return protocol.VerbQuit, nil
	default:
		return "", ErrUnknown
	}
}

// IsQuit reports whether cmd ends the session.
func IsQuit(cmd string) bool {
	return cmd == protocol.VerbQuit
}
