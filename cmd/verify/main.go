package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/hl"
	hlex "dn-hedge-bot/internal/hl/exchange"
	"dn-hedge-bot/internal/hl/rest"
	"dn-hedge-bot/internal/logging"
	nadoex "dn-hedge-bot/internal/nado/exchange"
	"dn-hedge-bot/internal/nado/stream"
	"dn-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

// verify is read-only: it prints the BBO and authoritative position on both
// venues and, with -stream, waits for one BBO frame from the primary stream.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	streamWait := flag.Duration("stream", 0, "wait up to this long for a best_bid_offer frame (0 skips)")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	nadoKey := strings.TrimSpace(os.Getenv("NADO_PRIVATE_KEY"))
	hlKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if nadoKey == "" || hlKey == "" {
		fatal(errors.New("NADO_PRIVATE_KEY and HL_PRIVATE_KEY are required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second+*streamWait)
	defer cancel()

	nadoSigner, err := nadoex.NewSigner(nadoKey, cfg.Nado.SubaccountName, cfg.Nado.ChainID, cfg.Nado.EndpointAddress)
	if err != nil {
		fatal(err)
	}
	nadoClient, err := nadoex.NewClient(cfg.Nado.RESTURL, cfg.Nado.Timeout, nadoSigner)
	if err != nil {
		fatal(err)
	}
	nadoClient.SetLogger(log)
	nadoVenue := nadoex.NewVenue(nadoClient, nil, cfg.Strategy.TakerSlippageBps, log)
	fmt.Printf("nado subaccount: %s\n", nadoSigner.Sender())
	if info, err := nadoClient.BookInfo(ctx, cfg.Strategy.NadoProductID); err != nil {
		fmt.Printf("nado book info: error: %v\n", err)
	} else {
		printJSON("nado book info", info)
	}
	report(ctx, nadoVenue, nadoex.ContractID(cfg.Strategy.NadoProductID))

	isMainnet := !strings.Contains(strings.ToLower(cfg.HL.BaseURL), "testnet")
	hlSigner, err := hlex.NewSigner(hlKey, isMainnet)
	if err != nil {
		fatal(err)
	}
	user := firstNonEmpty(os.Getenv("HL_ACCOUNT_ADDRESS"), os.Getenv("HL_VAULT_ADDRESS"), os.Getenv("HL_WALLET_ADDRESS"), hlSigner.Address().Hex())
	hlClient, err := hlex.NewClient(cfg.HL.BaseURL, cfg.HL.Timeout, hlSigner, strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS")))
	if err != nil {
		fatal(err)
	}
	hlVenue := hl.NewVenue(rest.New(cfg.HL.BaseURL, cfg.HL.Timeout, log), hlClient, user, cfg.Strategy.TakerSlippageBps, log)
	fmt.Printf("hl user: %s signer: %s\n", user, hlSigner.Address().Hex())
	report(ctx, hlVenue, cfg.Strategy.HLAsset)

	if *streamWait > 0 {
		waitForBBO(ctx, cfg, nadoSigner, *streamWait, log)
	}
}

func report(ctx context.Context, ex venue.Exchange, contract string) {
	bid, ask, err := ex.FetchBBO(ctx, contract)
	if err != nil {
		fmt.Printf("%s %s bbo: error: %v\n", ex.Name(), contract, err)
	} else {
		fmt.Printf("%s %s bbo: bid=%v ask=%v spread_bps=%.2f\n", ex.Name(), contract, bid, ask, (ask-bid)/((ask+bid)/2)*10000)
	}
	pos, err := ex.PollPosition(ctx, contract)
	if err != nil {
		fmt.Printf("%s %s position: error: %v\n", ex.Name(), contract, err)
		return
	}
	fmt.Printf("%s %s position: %v\n", ex.Name(), contract, pos)
}

func waitForBBO(ctx context.Context, cfg *config.Config, auth stream.Authenticator, wait time.Duration, log *zap.Logger) {
	client := stream.New(cfg.Nado.SubscriptionsURL, stream.Settings{
		ReconnectDelay:       cfg.Nado.ReconnectDelay,
		MaxReconnectDelay:    cfg.Nado.MaxReconnectDelay,
		MaxReconnectAttempts: 1,
		PingInterval:         cfg.Nado.PingInterval,
		AuthTTL:              cfg.Nado.AuthTTL,
		DialTimeout:          cfg.Nado.DialTimeout,
	}, auth, log)
	defer func() { _ = client.Disconnect() }()

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	frames := make(chan stream.Frame, 8)
	sub := stream.Subscription{Type: stream.StreamBBO, ProductID: cfg.Strategy.NadoProductID}
	if err := client.Subscribe(ctx, sub, frames); err != nil {
		fmt.Printf("nado stream subscribe: error: %v\n", err)
		return
	}
	go func() { _ = client.Run(ctx) }()
	select {
	case <-ctx.Done():
		fmt.Printf("nado stream: no best_bid_offer frame within %s\n", wait)
	case frame := <-frames:
		var bbo stream.BBOFrame
		if err := json.Unmarshal(frame.Raw, &bbo); err != nil {
			fmt.Printf("nado stream: undecodable frame: %v\n", err)
			return
		}
		printJSON("nado stream best_bid_offer", bbo)
	}
}

func printJSON(label string, v any) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%s: %+v\n", label, v)
		return
	}
	fmt.Printf("%s:\n%s\n", label, payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
