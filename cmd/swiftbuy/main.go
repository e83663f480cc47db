package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	swiftbuy "github.com/Nero10k/Swiftbuy-sub000"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	url := flag.String("url", "", "Product URL to purchase")
	price := flag.Float64("price", 0, "Authorized price for the product")
	dryRun := flag.Bool("dry-run", false, "Test mode: stop before the final purchase action")
	debug := flag.Bool("debug", false, "Enable detailed debug logging")
	headless := flag.Bool("headless", false, "Run the browser headless")
	flag.Parse()

	config, err := swiftbuy.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *debug {
		config.DebugMode = true
	}
	if *headless {
		config.Headless = true
	}

	if *url == "" {
		log.Fatal("No product URL specified. Use the -url flag")
	}
	if *price <= 0 && !*dryRun {
		log.Fatal("No authorized price specified. Use the -price flag")
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                Swiftbuy Checkout Engine                   ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Target URL: %s\n", *url)
	fmt.Printf("Browser Profile: %s\n", config.BrowserProfilePath)
	if *dryRun {
		fmt.Println("🧪 DRY RUN MODE - Will stop before the final purchase action")
	}
	if config.DebugMode {
		fmt.Println("🔍 DEBUG MODE - Detailed logging enabled")
	}
	fmt.Println()

	logger := newLogger(config.DebugMode)
	defer logger.Sync()

	cache, closeCache, err := newCache(config, logger)
	if err != nil {
		log.Fatalf("Failed to initialize flow cache: %v", err)
	}
	defer closeCache()

	oracles := buildOracles(config)
	if len(oracles) == 0 {
		fmt.Println("⚠️  No oracle backend configured - only cached flows will work")
	}

	sessions := swiftbuy.NewRodSessionFactory(swiftbuy.BrowserOptions{
		ProfilePath:    config.BrowserProfilePath,
		Headless:       config.Headless,
		ViewportWidth:  config.ViewportWidth,
		ViewportHeight: config.ViewportHeight,
		UserAgent:      config.UserAgent,
	}, logger)

	engine := swiftbuy.NewEngine(config, cache, oracles, sessions, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkoutCtx := &swiftbuy.CheckoutContext{
		Product: swiftbuy.Product{
			URL:           *url,
			ExpectedPrice: *price,
		},
		Shipping: shippingFromEnv(),
		Buyer:    buyerFromEnv(),
		Payment:  paymentFromEnv(),
		DryRun:   *dryRun,
	}

	fmt.Println("🚀 Running checkout...")
	start := time.Now()

	result, err := engine.ExecuteCheckout(ctx, checkoutCtx)
	fmt.Println()
	if err != nil {
		fmt.Printf("✗ Checkout failed after %s: %v\n", time.Since(start).Round(time.Millisecond), err)
		os.Exit(1)
	}

	fmt.Println("✓ Checkout completed successfully!")
	fmt.Println()
	if result.DryRun {
		fmt.Println("   (dry run - no order was placed)")
	} else if result.RetailerOrderID != "" {
		fmt.Printf("   Order ID: %s\n", result.RetailerOrderID)
	}
	fmt.Printf("   Oracle calls: %d\n", result.DecisionCalls)
	fmt.Printf("   Used saved flow: %v\n", result.UsedSavedFlow)
	fmt.Printf("   Learned selectors: %d\n", result.LearnedFieldCount)
	fmt.Printf("   Total time: %dms\n", result.ExecutionMs)
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return logger
}

func newCache(config *swiftbuy.Config, logger *zap.Logger) (swiftbuy.FlowCache, func(), error) {
	switch config.Cache.Backend {
	case "", "sqlite":
		c, err := swiftbuy.NewSQLiteFlowCache(config.Cache.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	case "redis":
		ttl := time.Duration(config.Cache.TTLHours) * time.Hour
		c := swiftbuy.NewRedisFlowCache(config.Cache.RedisAddr, ttl, logger)
		return c, func() { c.Close() }, nil
	case "none":
		return swiftbuy.NopFlowCache{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", config.Cache.Backend)
	}
}

func buildOracles(config *swiftbuy.Config) []swiftbuy.Oracle {
	var oracles []swiftbuy.Oracle
	for _, oc := range config.Oracles {
		apiKey := os.Getenv(oc.APIKeyEnv)
		if apiKey == "" {
			continue
		}
		switch oc.Kind {
		case "chat":
			oracles = append(oracles, swiftbuy.NewChatOracle(oc.BaseURL, apiKey, oc.Model, oc.RPS))
		case "messages":
			oracles = append(oracles, swiftbuy.NewMessagesOracle(oc.BaseURL, apiKey, oc.Model, oc.RPS))
		}
	}
	return oracles
}

// The CLI is a development harness; real deployments receive the context
// from the order collaborator. Buyer identity comes from env vars here so
// nothing secret lands in the config file.
func shippingFromEnv() swiftbuy.ShippingAddress {
	return swiftbuy.ShippingAddress{
		FullName:    os.Getenv("SWIFTBUY_SHIP_NAME"),
		Street:      os.Getenv("SWIFTBUY_SHIP_STREET"),
		Street2:     os.Getenv("SWIFTBUY_SHIP_STREET2"),
		City:        os.Getenv("SWIFTBUY_SHIP_CITY"),
		Region:      os.Getenv("SWIFTBUY_SHIP_REGION"),
		PostalCode:  os.Getenv("SWIFTBUY_SHIP_POSTAL"),
		CountryCode: os.Getenv("SWIFTBUY_SHIP_COUNTRY"),
		Phone:       os.Getenv("SWIFTBUY_SHIP_PHONE"),
	}
}

func buyerFromEnv() swiftbuy.BuyerProfile {
	return swiftbuy.BuyerProfile{
		Email:     os.Getenv("SWIFTBUY_EMAIL"),
		FirstName: os.Getenv("SWIFTBUY_FIRST_NAME"),
		LastName:  os.Getenv("SWIFTBUY_LAST_NAME"),
	}
}

func paymentFromEnv() swiftbuy.PaymentInstrument {
	return swiftbuy.PaymentInstrument{
		Number:      os.Getenv("SWIFTBUY_CARD_NUMBER"),
		CVV:         os.Getenv("SWIFTBUY_CARD_CVV"),
		ExpiryMonth: os.Getenv("SWIFTBUY_CARD_EXP_MONTH"),
		ExpiryYear:  os.Getenv("SWIFTBUY_CARD_EXP_YEAR"),
	}
}
