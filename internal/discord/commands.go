package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"homeservices-realtime/internal/escalation"
	"homeservices-realtime/internal/model"
)

// StatusSource is satisfied by the message router.
type StatusSource interface {
	Dashboard() model.DashboardUpdate
}

// EscalationSource is satisfied by the escalation scheduler.
type EscalationSource interface {
	Record(subjectID string) (escalation.Record, bool)
}

// CommandHandler processes bot prefix commands.
type CommandHandler struct {
	status      StatusSource
	escalations EscalationSource
}

func NewCommandHandler(status StatusSource, escalations EscalationSource) *CommandHandler {
	return &CommandHandler{status: status, escalations: escalations}
}

// Handle dispatches a prefix command.
func (h *CommandHandler) Handle(out messenger, channelID, content string) {
	parts := strings.Fields(content)
	if len(parts) == 0 {
		return
	}

	switch strings.ToLower(parts[0]) {
	case "!status":
		h.cmdStatus(out, channelID)
	case "!escalation":
		if len(parts) < 2 {
			_, _ = out.ChannelMessageSend(channelID, "Usage: `!escalation <subject-id>`")
			return
		}
		h.cmdEscalation(out, channelID, parts[1])
	case "!help":
		h.cmdHelp(out, channelID)
	}
}

func (h *CommandHandler) cmdStatus(out messenger, channelID string) {
	if h.status == nil {
		_, _ = out.ChannelMessageSend(channelID, "Status unavailable.")
		return
	}
	d := h.status.Dashboard()

	color := 0x2ECC71
	if d.RealtimeMode != "live" {
		color = 0xE67E22
	}
	embed := &discordgo.MessageEmbed{
		Title: "Realtime status",
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Mode", Value: d.RealtimeMode, Inline: true},
			{Name: "Connections", Value: fmt.Sprintf("%d", d.Connections), Inline: true},
			{Name: "Staff online", Value: fmt.Sprintf("%d", d.Staff), Inline: true},
			{Name: "Customers online", Value: fmt.Sprintf("%d", d.Customers), Inline: true},
			{Name: "Active rooms", Value: fmt.Sprintf("%d", d.Rooms), Inline: true},
			{Name: "Open escalations", Value: fmt.Sprintf("%d", d.Escalations), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: footer},
	}
	_, _ = out.ChannelMessageSendEmbed(channelID, embed)
}

func (h *CommandHandler) cmdEscalation(out messenger, channelID, subjectID string) {
	if h.escalations == nil {
		_, _ = out.ChannelMessageSend(channelID, "Escalations unavailable.")
		return
	}
	rec, ok := h.escalations.Record(subjectID)
	if !ok {
		_, _ = out.ChannelMessageSend(channelID, fmt.Sprintf("No escalation for `%s`.", subjectID))
		return
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: string(rec.State), Inline: true},
		{Name: "Attempts", Value: fmt.Sprintf("%d", rec.Attempts), Inline: true},
		{Name: "Grace ends", Value: rec.GraceEnd.UTC().Format(time.RFC1123), Inline: false},
	}
	if rec.LastUrgency != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Last urgency", Value: string(rec.LastUrgency), Inline: true})
	}
	if rec.LastReason != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Last failure", Value: rec.LastReason, Inline: true})
	}
	_, _ = out.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
		Title:  fmt.Sprintf("Escalation for %s", subjectID),
		Color:  levelColor(string(rec.LastUrgency)),
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{Text: footer},
	})
}

func (h *CommandHandler) cmdHelp(out messenger, channelID string) {
	_, _ = out.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
		Title: "Commands",
		Color: 0x3498DB,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "`!status`", Value: "Realtime mode, online counts and open escalations"},
			{Name: "`!escalation <subject-id>`", Value: "State of a subject's payment escalation"},
			{Name: "`!help`", Value: "Show this help"},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: footer},
	})
}
