package discord

import (
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const (
	// QuestionOption is the name of the command's only argument.
	QuestionOption = "question"
	// MaxMessageLength is Discord's content limit for one message.
	MaxMessageLength = 2000

	truncationMarker = "…"
)

// QueryCommand declares the slash command users ask questions with.
func QueryCommand(name string) *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        name,
		Description: "Ask a question about server activity",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        QuestionOption,
				Description: "What do you want to know?",
				Required:    true,
			},
		},
	}
}

// questionFrom returns the question argument of a command interaction.
func questionFrom(data discordgo.ApplicationCommandInteractionData) string {
	for _, opt := range data.Options {
		if opt == nil || opt.Name != QuestionOption || opt.Type != discordgo.ApplicationCommandOptionString {
			continue
		}
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

// actorFrom identifies who sent the interaction. Guild interactions carry a
// Member, DMs a User.
func actorFrom(i *discordgo.Interaction) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	default:
		return ""
	}
}

// Truncate shortens text to at most limit runes, marking the cut.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	cut := limit - utf8.RuneCountInString(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + truncationMarker
}
