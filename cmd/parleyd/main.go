package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/daemon"
	"github.com/parley-chat/parley/internal/session"
	"go.uber.org/fx"
)

func main() {
	clientFlag := flag.String("client", "", "client id (overrides config default)")
	siteFlag := flag.String("site", "", "site id (overrides config)")
	channelFlag := flag.String("channel", "", "channel id (overrides config)")
	chatFlag := flag.String("chat", "", "chat id (overrides config)")
	replayFlag := flag.String("replay", "", "JSONL transaction log to replay into the session")
	rateFlag := flag.Float64("rate", 0, "replay pacing in transactions per second (0 = unpaced)")
	flag.Parse()

	client := session.Resolve(*clientFlag)
	if err := session.ValidateClient(client); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	p := daemon.Params{
		Client:     client,
		Site:       *siteFlag,
		Channel:    *channelFlag,
		Chat:       *chatFlag,
		ReplayPath: *replayFlag,
		ReplayRate: *rateFlag,
	}
	if cfg, err := config.Load(session.ConfigPath()); err == nil {
		if p.Site == "" {
			p.Site = cfg.Site
		}
		if p.Channel == "" {
			p.Channel = cfg.Channel
		}
		if p.Chat == "" {
			p.Chat = cfg.Chat
		}
	}
	if p.Chat == "" {
		p.Chat = client
	}

	app := fx.New(daemon.Module(p))
	app.Run()
}
