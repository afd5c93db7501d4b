// linkctl is a command line client for the SafeLink HTTP API.
//
//	linkctl shorten [-custom-key k] <url>
//	linkctl list
//	linkctl info <secret>
//	linkctl delete <secret>
//
// The base URL, API key and registration secret come from SAFELINK_URL,
// SAFELINK_API_KEY and SECRET_KEY (a local .env is read when present), or
// from the -base, -api-key and -jwt-secret flags.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/sifan077/SafeLink/internal/client"
	"github.com/sifan077/SafeLink/internal/infra/logger"
)

const usage = "usage: linkctl [-base url] [-api-key key] <shorten|list|info|delete> [args]"

func main() {
	_ = godotenv.Load(".env")

	global := flag.NewFlagSet("linkctl", flag.ExitOnError)
	base := global.String("base", envOr("SAFELINK_URL", "http://localhost:8080"), "service base URL")
	apiKey := global.String("api-key", os.Getenv("SAFELINK_API_KEY"), "API key sent as X-API-KEY")
	jwtSecret := global.String("jwt-secret", os.Getenv("SECRET_KEY"), "secret used to re-register the API key; empty disables re-registration")
	roleID := global.Int("role", 1, "role registered for the API key (1 user, 2 admin, 3 vip)")
	timeout := global.Duration("timeout", 10*time.Second, "per-command timeout")
	verbose := global.Bool("v", false, "log requests and retries")
	global.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		global.PrintDefaults()
	}
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Development: true, Level: level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *apiKey == "" {
		fatal(fmt.Errorf("an API key is required (-api-key or SAFELINK_API_KEY)"))
	}

	opts := client.Options{BaseURL: *base, APIKey: *apiKey, Logger: log}
	if *jwtSecret != "" {
		opts.Authenticator = &client.JWTRegistrar{
			BaseURL: *base,
			APIKey:  *apiKey,
			RoleID:  *roleID,
			Secret:  []byte(*jwtSecret),
		}
	}
	c, err := client.New(opts)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, c, args[0], args[1:]); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "shorten":
		fs := flag.NewFlagSet("shorten", flag.ExitOnError)
		customKey := fs.String("custom-key", "", "requested key (privileged roles only)")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: linkctl shorten [-custom-key k] <url>")
		}
		link, existed, err := c.Shorten(ctx, fs.Arg(0), *customKey)
		if err != nil {
			return err
		}
		if existed {
			fmt.Fprintln(os.Stderr, "link already exists")
		}
		return printJSON(link)
	case "list":
		links, err := c.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(links)
	case "info":
		if len(args) != 1 {
			return fmt.Errorf("usage: linkctl info <secret>")
		}
		link, err := c.Info(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(link)
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: linkctl delete <secret>")
		}
		key, err := c.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("deactivated %s\n", key)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "linkctl:", err)
	os.Exit(1)
}
