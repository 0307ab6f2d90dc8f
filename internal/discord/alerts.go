package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"homeservices-realtime/internal/model"
)

const footer = "Home Services Realtime"

func levelColor(level string) int {
	switch level {
	case string(model.UrgencyUrgent), "critical":
		return 0xE74C3C // red
	case "warning", string(model.UrgencyHigh):
		return 0xE67E22 // orange
	default:
		return 0x3498DB // blue
	}
}

// Alert posts a system alert to the staff channel.
func (b *Bot) Alert(ctx context.Context, alert model.SystemAlert) error {
	if b == nil {
		return nil
	}
	if b.channelID == "" {
		return errors.New("discord alert channel not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	at := alert.At
	if at.IsZero() {
		at = time.Now()
	}
	embed := &discordgo.MessageEmbed{
		Title:       alert.Title,
		Description: alert.Message,
		Color:       levelColor(alert.Level),
		Timestamp:   at.UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
	if alert.Level != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Level", Value: alert.Level, Inline: true})
	}
	if alert.Subject != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Subject", Value: alert.Subject, Inline: true})
	}

	if _, err := b.out.ChannelMessageSendEmbed(b.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord alert: %w", err)
	}
	return nil
}
