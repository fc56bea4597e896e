package coordinator

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Alerter is the operator escalation sink. Reorgs and aborted sessions end
// up here, they are conditions the coordinator cannot resolve on its own.
type Alerter interface {
	Alert(msg string)
}

type discordAlerter struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

func NewDiscordAlerter(token, channelID string, logger *zap.Logger) (Alerter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &discordAlerter{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (d *discordAlerter) Alert(msg string) {
	if _, err := d.session.ChannelMessageSend(d.channelID, msg); err != nil {
		d.logger.Error("failed to send discord alert", zap.Error(err), zap.String("msg", msg))
	}
}

type nopAlerter struct{}

// NewNopAlerter returns an Alerter which drops everything, used when no
// Discord channel is configured.
func NewNopAlerter() Alerter {
	return nopAlerter{}
}

func (nopAlerter) Alert(string) {}
