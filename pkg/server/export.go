package server

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/chatline/pkg/datastore"
	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/protocol"
)

// MessageYAML represents one history row in a YAML export.
type MessageYAML struct {
	ID        int64  `yaml:"id"`
	Sender    string `yaml:"sender"`
	Receiver  string `yaml:"receiver"`
	Body      string `yaml:"body"`
	CreatedAt string `yaml:"created_at"`
}

// ConversationExport is the top-level YAML for a conversation export.
type ConversationExport struct {
	Participants [2]string     `yaml:"participants"`
	Count        int           `yaml:"count"`
	Messages     []MessageYAML `yaml:"messages"`
}

// ExportConversationYAML renders the conversation of a and b as YAML, in
// the same order GET would list it.
func ExportConversationYAML(ctx context.Context, gw datastore.Gateway, a, b string) ([]byte, error) {
	conv := model.Conversation{Participants: model.Participants(a, b)}
	for m, err := range gw.Fetch(ctx, a, b) {
		if err != nil {
			return nil, fmt.Errorf("export history: %w", err)
		}
		conv.Messages = append(conv.Messages, m)
	}

	export := ConversationExport{Participants: conv.Participants, Messages: []MessageYAML{}}
	for _, m := range conv.Messages {
		export.Messages = append(export.Messages, MessageYAML{
			ID:        m.ID,
			Sender:    m.Sender,
			Receiver:  m.Receiver,
			Body:      m.Body,
			CreatedAt: protocol.FormatTime(m.CreatedAt),
		})
	}
	export.Count = len(export.Messages)
	return yaml.Marshal(&export)
}
