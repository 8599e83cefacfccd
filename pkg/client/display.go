package client

import (
	"strings"

	"github.com/NicolasHaas/chatline/pkg/protocol"
)

// Render turns a server frame into the text shown to the user. terminal is
// true for frames after which the server closes the connection.
func Render(line string) (text string, terminal bool) {
	resp := protocol.ParseResponse(line)
	switch resp.Keyword {
	case protocol.KeyMessage:
		sender, body, ok := strings.Cut(resp.Payload, " ")
		if !ok {
			return "Message: " + resp.Payload, false
		}
		return "Message from " + sender + ": " + body, false
	case protocol.KeyHistory, protocol.KeyInfo:
		return resp.Payload, false
	case protocol.KeyError:
		return "Server error: " + resp.Payload, false
	case protocol.KeyOK, protocol.KeyWelcome:
		return line, false
	case protocol.KeyUser:
		return "User: " + resp.Payload, false
	case protocol.KeyUsersBegin:
		return "Active users:", false
	case protocol.KeyUsersEnd:
		return "-- end of list --", false
	case protocol.KeyBye:
		return "Disconnected by server", true
	case protocol.KeyShutdown:
		return resp.Payload, true
	default:
		return "Server: " + line, false
	}
}
