package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tulip/internal/auth"
	"tulip/internal/common"
	tulipNet "tulip/internal/net"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app        = kingpin.New("tulip", "Client for the tulip Dutch auction server.")
	serverAddr = app.Flag("server", "Address of the auction server.").Default("127.0.0.1:9001").String()
	ether      = app.Flag("ether", "Read and print amounts in whole coins instead of base units.").Bool()
	timeout    = app.Flag("timeout", "Request timeout.").Default("5s").Duration()
	token      = app.Flag("token", "Token authenticating the session, see the token command.").Envar("TULIP_TOKEN").String()

	issue        = app.Command("token", "Issue a session token. Runs locally.")
	issueSecret  = issue.Flag("secret", "Server jwt_secret.").Envar("TULIP_JWT_SECRET").Required().String()
	issueSubject = issue.Arg("subject", "Identity the token names.").Required().String()
	issueTTL     = issue.Flag("ttl", "Token lifetime.").Default("24h").Duration()

	whoami = app.Command("whoami", "Show the identity the session is authenticated as.")

	create         = app.Command("create", "Create a new auction as the token subject.")
	createPrice    = create.Flag("price", "Starting price.").Required().String()
	createRate     = create.Flag("rate", "Discount per second, always in base units.").Required().String()
	createItem     = create.Flag("item", "Item being sold.").Required().String()
	createDuration = create.Flag("duration", "Duration in seconds, 0 for the server default.").Default("0").Uint64()

	price   = app.Command("price", "Show the current price of an auction.")
	priceID = price.Arg("id", "Auction id.").Required().Uint64()

	buy        = app.Command("buy", "Buy an auction at its current price as the token subject.")
	buyPayment = buy.Flag("payment", "Attached payment, the excess is refunded.").Required().String()
	buyID      = buy.Arg("id", "Auction id.").Required().Uint64()

	auction   = app.Command("auction", "Show an auction record.")
	auctionID = auction.Arg("id", "Auction id.").Required().Uint64()

	auctions = app.Command("auctions", "List every auction.")

	owner = app.Command("owner", "Show the engine owner.")

	deposit        = app.Command("deposit", "Fund an account. Owner only.")
	depositAccount = deposit.Flag("account", "Account to credit.").Required().String()
	depositAmount  = deposit.Flag("amount", "Amount to credit.").Required().String()

	balance        = app.Command("balance", "Show an account balance.")
	balanceAccount = balance.Arg("account", "Account identity.").Required().String()

	withdraw = app.Command("withdraw", "Sweep retained fees to the owner. Owner only.")

	watch = app.Command("watch", "Print events as they are committed.")
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == issue.FullCommand() {
		tok, err := auth.Issue([]byte(*issueSecret), common.Identity(*issueSubject), jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(*issueTTL)),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("unable to issue token")
		}
		fmt.Println(tok)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Connect to Server
	client, err := tulipNet.Dial(ctx, *serverAddr)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverAddr).Msg("failed to connect to server")
	}
	defer client.Close()

	if *token != "" {
		authCtx, cancel := context.WithTimeout(ctx, *timeout)
		caller, err := client.Authenticate(authCtx, *token)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to authenticate")
		}
		log.Debug().Str("caller", caller.String()).Msg("authenticated")
	}

	if command == watch.FullCommand() {
		watchEvents(ctx, client)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := run(reqCtx, client, command); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *tulipNet.Client, command string) error {
	switch command {
	case whoami.FullCommand():
		caller, err := client.Heartbeat(ctx)
		if err != nil {
			return err
		}
		fmt.Println(caller)

	case create.FullCommand():
		startingPrice, err := parseAmount(*createPrice)
		if err != nil {
			return err
		}
		rate, err := common.ParseAmount(*createRate)
		if err != nil {
			return err
		}
		id, report, err := client.CreateAuction(ctx, startingPrice, rate, *createItem, *createDuration)
		if err != nil {
			return err
		}
		fmt.Printf("-> Created auction %d in block %s (tx %s)\n", id, report.Block, report.TxID)

	case price.FullCommand():
		p, err := client.GetPriceFor(ctx, *priceID)
		if err != nil {
			return err
		}
		fmt.Printf("Auction %d price: %s\n", *priceID, formatAmount(p))

	case buy.FullCommand():
		payment, err := parseAmount(*buyPayment)
		if err != nil {
			return err
		}
		report, err := client.Buy(ctx, *buyID, payment)
		if err != nil {
			return err
		}
		fmt.Printf("-> Bought auction %d for %s in block %s (tx %s)\n",
			*buyID, formatAmount(report.Amount), report.Block, report.TxID)

	case auction.FullCommand():
		a, err := client.Auction(ctx, *auctionID)
		if err != nil {
			return err
		}
		fmt.Println(a.String())

	case auctions.FullCommand():
		list, err := client.Auctions(ctx)
		if err != nil {
			return err
		}
		for _, a := range list {
			state := "active"
			if a.Stopped {
				state = "sold to " + a.Buyer.String() + " for " + formatAmount(a.FinalPrice)
			} else if a.Ended(time.Now()) {
				state = "ended"
			}
			fmt.Printf("%4d  %-24s %-12s %s\n", a.ID, a.Item, a.Seller, state)
		}

	case owner.FullCommand():
		o, err := client.Owner(ctx)
		if err != nil {
			return err
		}
		fmt.Println(o)

	case deposit.FullCommand():
		amount, err := parseAmount(*depositAmount)
		if err != nil {
			return err
		}
		report, err := client.Deposit(ctx, common.Identity(*depositAccount), amount)
		if err != nil {
			return err
		}
		fmt.Printf("-> %s balance: %s\n", report.Identity, formatAmount(report.Amount))

	case balance.FullCommand():
		b, err := client.Balance(ctx, common.Identity(*balanceAccount))
		if err != nil {
			return err
		}
		fmt.Printf("%s balance: %s\n", *balanceAccount, formatAmount(b))

	case withdraw.FullCommand():
		report, err := client.Withdraw(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("-> Withdrew %s to %s\n", formatAmount(report.Amount), report.Identity)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// watchEvents keeps the client alive to print committed events.
func watchEvents(ctx context.Context, client *tulipNet.Client) {
	fmt.Println("Listening for events... (Press Ctrl+C to exit)")
	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-client.Events():
			if !ok {
				log.Info().Msg("connection closed")
				return
			}
			for _, e := range report.Events {
				fmt.Printf("[%s] %s\n", report.Block, describe(e))
			}
		}
	}
}

func describe(e common.Event) string {
	switch e.Type {
	case common.AuctionCreated:
		return fmt.Sprintf("auction %d created: %q from %s for %ds",
			e.AuctionID, e.Item, formatAmount(e.StartingPrice), int64(e.Duration/time.Second))
	case common.AuctionEnded:
		return fmt.Sprintf("auction %d sold to %s for %s", e.AuctionID, e.Buyer, formatAmount(e.FinalPrice))
	case common.FeesWithdrawn:
		return fmt.Sprintf("%s withdrew %s in fees", e.Account, formatAmount(e.Amount))
	}
	return e.String()
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if *ether {
		return common.ParseEther(s)
	}
	return common.ParseAmount(s)
}

func formatAmount(a decimal.Decimal) string {
	if *ether {
		return common.FormatEther(a) + " ETH"
	}
	return a.String()
}
