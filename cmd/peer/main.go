package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"hostswap/internal/identity"
	"hostswap/internal/net/proto"
	"hostswap/internal/peer"
	"hostswap/internal/telemetry"
)

type config struct {
	URL   string        `env:"HOSTSWAP_PEER_URL" envDefault:"ws://localhost:8080/ws"`
	Token string        `env:"HOSTSWAP_PEER_TOKEN"`
	Retry time.Duration `env:"HOSTSWAP_PEER_RETRY" envDefault:"2s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse env: %v", err)
	}
	var token identity.Token
	if cfg.Token != "" {
		parsed, err := identity.ParseToken(cfg.Token)
		if err != nil {
			log.Fatalf("invalid HOSTSWAP_PEER_TOKEN: %v", err)
		}
		token = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := peer.NewClient(nil, peer.Config{
		Token:  token,
		Logger: telemetry.WrapLogger(log.Default()),
		OnMessage: func(msg proto.Message) {
			switch m := msg.(type) {
			case proto.IdentityAssigned:
				log.Printf("assigned identity %s", m.Token)
			case proto.OwnershipDelta:
				log.Printf("object %d -> %s", m.ObjectID, m.Token.Short())
			case proto.PrimaryObjectDelta:
				log.Printf("primary of %s -> %d", m.Token.Short(), m.ObjectID)
			}
		},
	})

	// A dropped host is expected during migration; keep rejoining with the
	// same identity until interrupted.
	for ctx.Err() == nil {
		if err := client.Run(ctx, cfg.URL); err != nil {
			log.Printf("connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Retry):
		}
	}
	log.Printf("owned objects at exit: %d", countOwned(client))
}

func countOwned(client *peer.Client) int {
	n := 0
	for id := range client.Cache().Owners() {
		if client.Cache().OwnsObject(id) {
			n++
		}
	}
	return n
}
