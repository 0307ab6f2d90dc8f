// Package discord posts staff alerts to a Discord channel and answers a
// few prefix commands there.
package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"homeservices-realtime/internal/logging"
)

// messenger is the subset of *discordgo.Session the bot writes through.
type messenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bot manages the Discord session lifecycle, the staff alert channel and
// command dispatch.
type Bot struct {
	session   *discordgo.Session
	out       messenger
	channelID string
	commands  *CommandHandler
	log       zerolog.Logger
}

// NewBot returns nil when no token is configured. Commands are answered
// once ServeCommands has been called.
func NewBot(token, channelID string) (*Bot, error) {
	log := logging.Component("discord")
	if token == "" {
		log.Info().Msg("no bot token configured, discord alerts disabled")
		return nil, nil
	}

	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	bot := &Bot{
		session:   s,
		out:       s,
		channelID: channelID,
		log:       log,
	}
	s.AddHandler(bot.onMessageCreate)
	return bot, nil
}

// ServeCommands attaches the sources the prefix commands read from. It must
// be called before Start.
func (b *Bot) ServeCommands(status StatusSource, escalations EscalationSource) {
	if b == nil {
		return
	}
	b.commands = NewCommandHandler(status, escalations)
}

// Start opens the Discord gateway connection.
func (b *Bot) Start() error {
	if b == nil || b.session == nil {
		return nil
	}
	if err := b.session.Open(); err != nil {
		return err
	}
	b.log.Info().Str("channel", b.channelID).Msg("bot connected to discord")
	return nil
}

// Stop closes the Discord gateway connection.
func (b *Bot) Stop() {
	if b == nil || b.session == nil {
		return
	}
	_ = b.session.Close()
	b.log.Info().Msg("bot disconnected")
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if b.commands == nil || len(m.Content) == 0 || m.Content[0] != '!' {
		return
	}
	b.commands.Handle(b.out, m.ChannelID, m.Content)
}
