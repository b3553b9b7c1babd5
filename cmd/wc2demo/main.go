// Command wc2demo wires a dapp-side and a wallet-side Client onto a single
// in-process relay network and runs one connect/pair/approve round trip,
// logging each side's events while it waits for the one it needs next
// (events arriving after that wait are not logged). It exists to exercise the facade
// end-to-end without a real relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/omniconnect/wc2core/client"
	"github.com/omniconnect/wc2core/config"
	"github.com/omniconnect/wc2core/observability/logging"
	"github.com/omniconnect/wc2core/relay"
	"github.com/omniconnect/wc2core/sequence"
	"github.com/omniconnect/wc2core/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (created with defaults if missing)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "wc2demo:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithOptions("wc2demo", "local", logging.Options{
		Level:     cfg.Logger.Level,
		File:      cfg.Logger.File,
		MaxSizeMB: cfg.Logger.MaxSizeMB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := relay.NewNetwork()
	protocol := relay.Protocol{Protocol: "irn"}

	dapp := newDemoClient(net, protocol, logger, "dapp-demo")
	wallet := newDemoClient(net, protocol, logger, "wallet-demo")
	dapp.Start(ctx)
	wallet.Start(ctx)

	connectDone := make(chan client.ConnectResult, 1)
	connectErr := make(chan error, 1)
	go func() {
		res, err := dapp.Connect(ctx, client.ConnectParams{
			Permissions: sequence.Permissions{Methods: []string{"eth_sign", "eth_sendTransaction"}},
		})
		if err != nil {
			connectErr <- err
			return
		}
		connectDone <- res
	}()

	// Connect blocks until the session settles, so the dapp's own event
	// stream is the only place to observe the URI it wants paired against,
	// and the only consumer of that stream until this loop hands off to
	// waiting on connectDone below.
	wireURI, err := awaitAndLog(ctx, logger, "dapp", dapp.Events(), connectErr, "pairing.proposal")
	if err != nil {
		return fmt.Errorf("await pairing proposal: %w", err)
	}

	pairingTopic, err := wallet.Pair(ctx, wireURI.URI)
	if err != nil {
		return fmt.Errorf("pair: %w", err)
	}
	logger.Info("wallet paired", "topic", pairingTopic)

	sessionProposal, err := awaitAndLog(ctx, logger, "wallet", wallet.Events(), nil, "session.proposal")
	if err != nil {
		return fmt.Errorf("await session proposal: %w", err)
	}

	sessionTopic, err := wallet.Approve(ctx, sessionProposal.Record.Topic)
	if err != nil {
		return fmt.Errorf("approve session: %w", err)
	}
	logger.Info("wallet approved session", "topic", sessionTopic)

	select {
	case res := <-connectDone:
		logger.Info("dapp session settled", "pairingTopic", res.PairingTopic, "sessionTopic", res.SessionTopic)
	case err := <-connectErr:
		return fmt.Errorf("connect: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func newDemoClient(net *relay.Network, protocol relay.Protocol, logger *slog.Logger, name string) *client.Client {
	rc := relay.NewMemory(net)
	kv := storage.NewMemory()
	return client.New(client.Config{
		Relay:         rc,
		Storage:       kv,
		Logger:        logger,
		RelayProtocol: protocol,
		SelfMetadata:  &sequence.Metadata{Name: name},
	})
}

// awaitAndLog logs every event off events as it arrives and returns the
// first one named want. errs, when non-nil, aborts the wait early if the
// paired background Connect call fails first.
func awaitAndLog(ctx context.Context, logger *slog.Logger, who string, events <-chan client.Event, errs <-chan error, want string) (client.Event, error) {
	for {
		select {
		case ev := <-events:
			logger.Info("event", "who", who, "name", ev.Name, "topic", ev.Record.Topic)
			if ev.Name == want {
				return ev, nil
			}
		case err := <-errs:
			return client.Event{}, err
		case <-ctx.Done():
			return client.Event{}, ctx.Err()
		}
	}
}
