package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// call issues one request and prints the JSON response.
func call(opts globalOptions, method, path string, query url.Values, body any, stdout, stderr io.Writer) int {
	client := newAPIClient(opts)
	ctx, cancel := withTimeout(opts.timeout)
	defer cancel()
	var out any
	var err error
	if method == http.MethodGet {
		err = client.get(ctx, path, query, &out)
	} else {
		err = client.post(ctx, path, body, &out)
	}
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, out); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// borrowerArg parses the leading positional address, then any flags.
func borrowerArg(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", errors.New("borrower address required")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return "", err
	}
	return url.PathEscape(strings.TrimSpace(args[0])), nil
}

func runPool(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return call(opts, http.MethodGet, "/v1/pool", nil, nil, stdout, stderr)
}

func runLender(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	addr, err := borrowerArg(newFlagSet("lender", stderr), args)
	if err != nil {
		return fail(stderr, err)
	}
	return call(opts, http.MethodGet, "/v1/pool/lenders/"+addr, nil, nil, stdout, stderr)
}

func runAmountMutation(name, path string) func(globalOptions, []string, io.Writer, io.Writer) int {
	return func(opts globalOptions, args []string, stdout, stderr io.Writer) int {
		fs := newFlagSet(name, stderr)
		amount := fs.String("amount", "", "stable amount")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		if strings.TrimSpace(*amount) == "" {
			return fail(stderr, errors.New("-amount is required"))
		}
		return call(opts, http.MethodPost, path, nil, map[string]string{"amount": strings.TrimSpace(*amount)}, stdout, stderr)
	}
}

func runDeposit(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return runAmountMutation("deposit", "/v1/pool/deposit")(opts, args, stdout, stderr)
}

func runWithdraw(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return runAmountMutation("withdraw", "/v1/pool/withdraw")(opts, args, stdout, stderr)
}

func runRepay(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return runAmountMutation("repay", "/v1/loans/repay")(opts, args, stdout, stderr)
}

func runQuote(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("quote", stderr)
	amount := fs.String("amount", "", "stable principal")
	kind := fs.String("kind", "native", "collateral kind")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	query := url.Values{"amount": {*amount}, "kind": {*kind}}
	return call(opts, http.MethodGet, "/v1/collateral/quote", query, nil, stdout, stderr)
}

func runBorrow(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("borrow", stderr)
	var (
		amount         string
		duration       time.Duration
		category       string
		collateral     string
		collateralKind string
	)
	fs.StringVar(&amount, "amount", "", "stable principal")
	fs.DurationVar(&duration, "duration", 0, "loan term, e.g. 720h")
	fs.StringVar(&category, "category", "", "loan category")
	fs.StringVar(&collateral, "collateral", "", "collateral amount")
	fs.StringVar(&collateralKind, "collateral-kind", "native", "collateral kind (native or stable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if amount == "" || collateral == "" {
		return fail(stderr, errors.New("-amount and -collateral are required"))
	}
	if duration <= 0 {
		return fail(stderr, errors.New("-duration must be positive"))
	}
	body := map[string]any{
		"amount":          amount,
		"durationSeconds": uint64(duration / time.Second),
		"category":        category,
		"collateral":      map[string]string{"kind": collateralKind, "amount": collateral},
	}
	return call(opts, http.MethodPost, "/v1/loans/borrow", nil, body, stdout, stderr)
}

func borrowerGet(name, suffix string) func(globalOptions, []string, io.Writer, io.Writer) int {
	return func(opts globalOptions, args []string, stdout, stderr io.Writer) int {
		addr, err := borrowerArg(newFlagSet(name, stderr), args)
		if err != nil {
			return fail(stderr, err)
		}
		return call(opts, http.MethodGet, fmt.Sprintf(suffix, addr), nil, nil, stdout, stderr)
	}
}

func runLoan(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return borrowerGet("loan", "/v1/loans/%s")(opts, args, stdout, stderr)
}

func runDue(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return borrowerGet("due", "/v1/loans/%s/due")(opts, args, stdout, stderr)
}

func runHistory(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return borrowerGet("history", "/v1/loans/%s/history")(opts, args, stdout, stderr)
}

func runCredit(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return borrowerGet("credit", "/v1/credit/%s")(opts, args, stdout, stderr)
}

func runLiquidate(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	addr, err := borrowerArg(newFlagSet("liquidate", stderr), args)
	if err != nil {
		return fail(stderr, err)
	}
	return call(opts, http.MethodPost, "/v1/loans/"+addr+"/liquidate", nil, nil, stdout, stderr)
}

func runScore(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("score", stderr)
	improved := fs.Bool("improved", true, "whether the repayment behaviour improved")
	addr, err := borrowerArg(fs, args)
	if err != nil {
		return fail(stderr, err)
	}
	return call(opts, http.MethodPost, "/v1/admin/credit/"+addr+"/score", nil, map[string]bool{"improved": *improved}, stdout, stderr)
}

func runLimit(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	addr, err := borrowerArg(newFlagSet("limit", stderr), args)
	if err != nil {
		return fail(stderr, err)
	}
	return call(opts, http.MethodPost, "/v1/admin/credit/"+addr+"/limit", nil, nil, stdout, stderr)
}

func runPause(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return call(opts, http.MethodPost, "/v1/admin/pause", nil, nil, stdout, stderr)
}

func runUnpause(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return call(opts, http.MethodPost, "/v1/admin/unpause", nil, nil, stdout, stderr)
}

func runPrice(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return call(opts, http.MethodGet, "/v1/oracle/price", nil, nil, stdout, stderr)
}

func runState(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	return call(opts, http.MethodGet, "/v1/state", nil, nil, stdout, stderr)
}

func runEvents(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	account := fs.String("account", "", "filter by subject address")
	typ := fs.String("type", "", "filter by event type")
	after := fs.Uint64("after", 0, "only events with a greater sequence")
	limit := fs.Int("limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	query := url.Values{}
	if *account != "" {
		query.Set("account", *account)
	}
	if *typ != "" {
		query.Set("type", *typ)
	}
	if *after > 0 {
		query.Set("after", strconv.FormatUint(*after, 10))
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	return call(opts, http.MethodGet, "/v1/events", query, nil, stdout, stderr)
}

func runMint(opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("mint", stderr)
	address := fs.String("address", "", "recipient address")
	asset := fs.String("asset", "stable", "asset to mint")
	amount := fs.String("amount", "", "amount to mint")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *address == "" || *amount == "" {
		return fail(stderr, errors.New("-address and -amount are required"))
	}
	body := map[string]string{"address": *address, "asset": *asset, "amount": *amount}
	return call(opts, http.MethodPost, "/v1/dev/mint", nil, body, stdout, stderr)
}
