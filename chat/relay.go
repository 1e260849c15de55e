package chat

import (
	"context"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Config holds the IRC connection settings.
type Config struct {
	Address  string
	TLS      bool
	Username string
	Password string
	Channels []string
}

// Start connects to IRC and serves commands until ctx is done.
func Start(ctx context.Context, cfg Config, h *Handler) {
	if cfg.Username == "" || cfg.Password == "" || len(cfg.Channels) == 0 {
		slog.Info("irc credentials or channels not set; skipping chat relay")
		return
	}
	client := twitch.NewClient(cfg.Username, cfg.Password)
	if cfg.Address != "" {
		client.IrcAddress = cfg.Address
	}
	client.TLS = cfg.TLS

	client.OnConnect(func() {
		slog.Info("irc connected", slog.String("address", client.IrcAddress), slog.Any("channels", cfg.Channels))
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if !strings.HasPrefix(msg.Message, commandPrefix) {
			return
		}
		channel := msg.Channel
		say := func(text string) { client.Say(channel, text) }
		// submissions can run for minutes; never block the read loop
		go h.HandleMessage(ctx, msg.User.Name, msg.Message, say)
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := client.Disconnect(); err != nil {
			slog.Debug("irc disconnect", slog.Any("err", err))
		}
		close(done)
	}()

	client.Join(cfg.Channels...)
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("irc connect error", slog.Any("err", err))
	}
	<-done
}
