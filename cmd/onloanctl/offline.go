package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"onloan/cmd/internal/passphrase"
	"onloan/core/events"
	"onloan/gateway/middleware"
	"onloan/integrations/exports"
	"onloan/storage/journal"
)

const jwtSecretEnvVar = "LENDINGD_JWT_SECRET"

var tokenSecret = func() (string, error) {
	return passphrase.NewSource(jwtSecretEnvVar, "Enter lendingd JWT signing secret: ").Get()
}

// runToken mints a bearer token offline with the daemon's HMAC secret.
func runToken(_ globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	caller := fs.String("caller", "", "address the token authenticates")
	issuer := fs.String("issuer", "onloan", "token issuer")
	scopes := fs.String("scopes", "", "comma separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !common.IsHexAddress(strings.TrimSpace(*caller)) {
		return fail(stderr, errors.New("-caller must be a hex address"))
	}
	secret, err := tokenSecret()
	if err != nil {
		return fail(stderr, err)
	}
	var scopeList []string
	for _, scope := range strings.Split(*scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopeList = append(scopeList, scope)
		}
	}
	token, err := middleware.SignToken(secret, common.HexToAddress(strings.TrimSpace(*caller)), *issuer, scopeList, *ttl)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// runExport reads the event journal directly and writes it to a file.
func runExport(_ globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	dsn := fs.String("dsn", os.Getenv("LENDINGD_JOURNAL_DSN"), "journal DSN (sqlite path or postgres URL)")
	format := fs.String("format", "", "csv, jsonl or parquet (defaults to the -out extension)")
	out := fs.String("out", "", "output file")
	account := fs.String("account", "", "filter by subject address")
	typ := fs.String("type", "", "filter by event type")
	after := fs.Uint64("after", 0, "only events with a greater sequence")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*dsn) == "" || strings.TrimSpace(*out) == "" {
		return fail(stderr, errors.New("-dsn and -out are required"))
	}
	name := *format
	if name == "" {
		name = filepath.Ext(*out)
	}
	kind, err := exports.ParseFormat(name)
	if err != nil {
		return fail(stderr, err)
	}
	filter := journal.Filter{Type: strings.TrimSpace(*typ), AfterSeq: *after}
	if *account != "" {
		if !common.IsHexAddress(*account) {
			return fail(stderr, errors.New("-account must be a hex address"))
		}
		filter.Account = strings.ToLower(common.HexToAddress(*account).Hex())
	}

	j, err := journal.Open(*dsn)
	if err != nil {
		return fail(stderr, err)
	}
	defer j.Close()
	records, err := listAll(context.Background(), j, filter)
	if err != nil {
		return fail(stderr, err)
	}
	checksum, err := writeExport(kind, *out, records)
	if err != nil {
		return fail(stderr, err)
	}
	if checksum != "" {
		fmt.Fprintf(stdout, "wrote %d events to %s (sha256 %s)\n", len(records), *out, checksum)
	} else {
		fmt.Fprintf(stdout, "wrote %d events to %s\n", len(records), *out)
	}
	return 0
}

const exportPageSize = 1000

// listAll pages through the journal until it is exhausted.
func listAll(ctx context.Context, j *journal.Journal, filter journal.Filter) ([]events.Record, error) {
	filter.Limit = exportPageSize
	var out []events.Record
	for {
		page, err := j.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < exportPageSize {
			return out, nil
		}
		filter.AfterSeq = page[len(page)-1].Seq
	}
}

func writeExport(kind exports.Format, path string, records []events.Record) (string, error) {
	var (
		data     []byte
		checksum string
		err      error
	)
	switch kind {
	case exports.FormatParquet:
		return "", exports.WriteRecordsParquet(path, records)
	case exports.FormatJSONL:
		data, checksum, err = exports.RecordsJSONL(records)
	default:
		data, checksum, err = exports.RecordsCSV(records)
	}
	if err != nil {
		return "", err
	}
	return checksum, os.WriteFile(path, data, 0o600)
}
