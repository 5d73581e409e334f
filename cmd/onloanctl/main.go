package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

type globalOptions struct {
	endpoint string
	caller   string
	auth     bool
	apiKey   string
	timeout  time.Duration
}

type command struct {
	usage string
	run   func(opts globalOptions, args []string, stdout, stderr io.Writer) int
}

var commands = map[string]command{
	"pool":      {"pool", runPool},
	"lender":    {"lender <address>", runLender},
	"deposit":   {"deposit -amount <stable>", runDeposit},
	"withdraw":  {"withdraw -amount <stable>", runWithdraw},
	"quote":     {"quote -amount <stable> [-kind native|stable]", runQuote},
	"borrow":    {"borrow -amount <stable> -duration <dur> -collateral <amount> [-collateral-kind native|stable] [-category name]", runBorrow},
	"repay":     {"repay -amount <stable>", runRepay},
	"loan":      {"loan <borrower>", runLoan},
	"due":       {"due <borrower>", runDue},
	"history":   {"history <borrower>", runHistory},
	"liquidate": {"liquidate <borrower>", runLiquidate},
	"credit":    {"credit <borrower>", runCredit},
	"score":     {"score <borrower> [-improved=false]", runScore},
	"limit":     {"limit <borrower>", runLimit},
	"pause":     {"pause", runPause},
	"unpause":   {"unpause", runUnpause},
	"price":     {"price", runPrice},
	"state":     {"state", runState},
	"events":    {"events [-account addr] [-type t] [-after seq] [-limit n]", runEvents},
	"mint":      {"mint -address <addr> -asset stable|native -amount <amount>", runMint},
	"token":     {"token -caller <addr> [-issuer s] [-scopes a,b] [-ttl dur]", runToken},
	"export":    {"export -dsn <journal dsn> -format csv|jsonl|parquet -out <path>", runExport},
}

var commandOrder = []string{
	"pool", "lender", "deposit", "withdraw", "quote", "borrow", "repay", "loan", "due", "history",
	"liquidate", "credit", "score", "limit", "pause", "unpause", "price", "state", "events", "mint",
	"token", "export",
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("onloanctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := globalOptions{}
	fs.StringVar(&opts.endpoint, "api", envOr("ONLOAN_API", defaultAPIEndpoint), "lendingd base URL")
	fs.StringVar(&opts.caller, "caller", os.Getenv("ONLOAN_CALLER"), "caller address sent when the daemon runs without auth")
	_, tokenSet := os.LookupEnv(tokenEnvVar)
	fs.BoolVar(&opts.auth, "auth", tokenSet, "send a bearer token (from "+tokenEnvVar+" or a prompt)")
	fs.StringVar(&opts.apiKey, "api-key", os.Getenv("ONLOAN_API_KEY"), "keeper API key; requests are signed with "+apiSecretEnvVar)
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	fs.Usage = func() { printUsage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		printUsage(stderr)
		return 2
	}
	return cmd.run(opts, rest[1:], stdout, stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: onloanctl [-api url] [-caller addr] [-auth | -api-key id] <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	for _, name := range commandOrder {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
