package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"lendpool/cmd/internal/passphrase"
	"lendpool/crypto"
	"lendpool/gateway/middleware"
	"lendpool/native/lending"
)

const secretEnv = "POOLD_JWT_SECRET"

var (
	apiEndpoint = defaultAPIEndpoint() // overridden via POOL_API or --api
	apiToken    = os.Getenv("POOL_TOKEN")
	httpClient  = &http.Client{Timeout: 15 * time.Second}
	cliNow      = time.Now
	secretFor   = func() (string, error) {
		return passphrase.NewSource(secretEnv, "pool API signing secret").Get()
	}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "pool":
		return runGet(stdout, stderr, "/v1/pool")
	case "sources":
		return runGet(stdout, stderr, "/v1/pool/sources")
	case "collateral":
		return runGet(stdout, stderr, "/v1/pool/collateral")
	case "rate":
		return runGet(stdout, stderr, "/v1/pool/rate")
	case "price":
		if len(args) < 2 {
			return printError(stderr, "price requires an asset id")
		}
		if _, err := strconv.ParseUint(args[1], 10, 64); err != nil {
			return printError(stderr, "asset id must be an unsigned integer")
		}
		return runGet(stdout, stderr, "/v1/pool/price/"+args[1])
	case "position":
		return runPosition(args[1:], stdout, stderr)
	case "balance":
		if len(args) < 3 {
			return printError(stderr, "balance requires an asset id and a holder address")
		}
		return runGet(stdout, stderr, "/v1/balances/"+url.PathEscape(args[1])+"/"+url.PathEscape(args[2]))
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "deposit", "withdraw", "borrow", "repay", "withdraw-collateral", "liquidate", "accrue":
		return runOperation(args[0], args[1:], stdout, stderr)
	case "admin":
		return runAdmin(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: pool-cli [--api URL] <command> [flags]

Reads:
  pool | sources | collateral | rate
  price <assetID>
  position --borrower ADDR --collateral ID [--health]
  balance <assetID> <holder>
  events [--after N] [--limit N]

Operations (bearer token from POOL_TOKEN):
  deposit --amount N
  withdraw --shares N
  borrow --collateral ID --collateral-amount N --loan N
  repay --collateral ID --amount N [--borrower ADDR]
  withdraw-collateral --collateral ID --amount N
  liquidate --borrower ADDR --collateral ID --amount N
  accrue

Admin:
  admin source --address ADDR --contract ID
  admin collateral --asset ID --underlying ID --vault-app ID
  admin rate --model kinked|exponential|power [--base-bps N ...]
  admin risk --ltv-bps N --liq-threshold-bps N --liq-bonus-bps N --origination-fee-bps N --protocol-share-bps N
  admin gate --enabled=true|false
  admin reserves --recipient ADDR --amount N
  admin pause --paused=true|false
  admin pauses

Tokens (secret from POOLD_JWT_SECRET or prompt):
  token --subject ADDR [--scope pool:admin] [--ttl 1h] [--issuer I] [--audience A]`)
}

func defaultAPIEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("POOL_API")); v != "" {
		return v
	}
	return "http://127.0.0.1:8480"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--api" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --api")
			}
			apiEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--api=") {
			apiEndpoint = strings.TrimPrefix(arg, "--api=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		subject  string
		scope    string
		ttl      time.Duration
		issuer   string
		audience string
	)
	fs.StringVar(&subject, "subject", "", "caller account address")
	fs.StringVar(&scope, "scope", "", "space separated scopes")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	fs.StringVar(&issuer, "issuer", "poold", "token issuer")
	fs.StringVar(&audience, "audience", "lendpool", "token audience")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if subject == "" {
		return printError(stderr, "--subject is required")
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(subject))
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --subject: %v", err))
	}
	secret, err := secretFor()
	if err != nil {
		return printError(stderr, err.Error())
	}
	cfg := middleware.AuthConfig{HMACSecret: secret, Issuer: issuer, Audience: audience}
	token, err := middleware.IssueToken(cfg, addr, strings.Fields(scope), ttl, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runPosition(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("position", stderr)
	var (
		borrower   string
		collateral uint64
		health     bool
	)
	fs.StringVar(&borrower, "borrower", "", "borrower address")
	fs.Uint64Var(&collateral, "collateral", 0, "collateral asset id")
	fs.BoolVar(&health, "health", false, "report the health factor instead of the raw position")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if borrower == "" {
		return printError(stderr, "--borrower is required")
	}
	path := fmt.Sprintf("/v1/positions/%s/%d", url.PathEscape(borrower), collateral)
	if health {
		path += "/health"
	}
	return runGet(stdout, stderr, path)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var after, limit uint64
	fs.Uint64Var(&after, "after", 0, "return events after this sequence")
	fs.Uint64Var(&limit, "limit", 100, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	q.Set("limit", strconv.FormatUint(limit, 10))
	return runGet(stdout, stderr, "/v1/events?"+q.Encode())
}

func runOperation(name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var (
		amount           uint64
		shares           uint64
		collateral       uint64
		collateralAmount uint64
		loan             uint64
		borrower         string
	)
	fs.Uint64Var(&amount, "amount", 0, "amount in base units")
	fs.Uint64Var(&shares, "shares", 0, "share units to redeem")
	fs.Uint64Var(&collateral, "collateral", 0, "collateral asset id")
	fs.Uint64Var(&collateralAmount, "collateral-amount", 0, "collateral units posted")
	fs.Uint64Var(&loan, "loan", 0, "loan amount in base units")
	fs.StringVar(&borrower, "borrower", "", "borrower address")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var (
		path string
		body map[string]any
	)
	switch name {
	case "deposit":
		path, body = "/v1/deposit", map[string]any{"amount": amount}
	case "withdraw":
		path, body = "/v1/withdraw", map[string]any{"shares": shares}
	case "borrow":
		path, body = "/v1/borrow", map[string]any{
			"collateralAssetId": collateral,
			"collateralAmount":  collateralAmount,
			"loanAmount":        loan,
		}
	case "repay":
		path, body = "/v1/repay", map[string]any{"collateralAssetId": collateral, "amount": amount}
		if borrower != "" {
			body["borrower"] = borrower
		}
	case "withdraw-collateral":
		path, body = "/v1/collateral/withdraw", map[string]any{"collateralAssetId": collateral, "amount": amount}
	case "liquidate":
		if borrower == "" {
			return printError(stderr, "--borrower is required")
		}
		path, body = "/v1/liquidate", map[string]any{
			"borrower":          borrower,
			"collateralAssetId": collateral,
			"amount":            amount,
		}
	case "accrue":
		path, body = "/v1/accrue", map[string]any{}
	}
	return runSend(stdout, stderr, http.MethodPost, path, body)
}

func runAdmin(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	fs := newFlagSet("admin "+args[0], stderr)
	switch args[0] {
	case "source":
		var address string
		var contract uint64
		fs.StringVar(&address, "address", "", "oracle source account")
		fs.Uint64Var(&contract, "contract", 0, "oracle contract id")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if address == "" {
			return printError(stderr, "--address is required")
		}
		return runSend(stdout, stderr, http.MethodPost, "/v1/admin/sources", map[string]any{"address": address, "contractId": contract})
	case "collateral":
		var asset, underlying, vault uint64
		fs.Uint64Var(&asset, "asset", 0, "collateral asset id")
		fs.Uint64Var(&underlying, "underlying", 0, "underlying base asset id")
		fs.Uint64Var(&vault, "vault-app", 0, "vault application id")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		return runSend(stdout, stderr, http.MethodPost, "/v1/admin/collateral", map[string]any{
			"collateralAssetId":     asset,
			"underlyingBaseAssetId": underlying,
			"vaultAppId":            vault,
		})
	case "rate":
		var model string
		fields := []string{"baseBps", "utilCapBps", "kinkNormBps", "slope1Bps", "slope2Bps", "maxAprBps", "emaAlphaBps", "maxAprStepBps", "powerGammaQ16", "scarcityKBps"}
		values := make(map[string]*uint64, len(fields))
		fs.StringVar(&model, "model", "", "rate model name")
		for _, f := range fields {
			values[f] = new(uint64)
			fs.Uint64Var(values[f], flagName(f), 0, f)
		}
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if model == "" {
			return printError(stderr, "--model is required")
		}
		body := map[string]any{"model": model}
		for _, f := range fields {
			body[f] = *values[f]
		}
		return runSend(stdout, stderr, http.MethodPut, "/v1/admin/rate", body)
	case "risk":
		var ltv, threshold, bonus, fee, share uint64
		fs.Uint64Var(&ltv, "ltv-bps", 0, "loan to value in bps")
		fs.Uint64Var(&threshold, "liq-threshold-bps", 0, "liquidation threshold in bps")
		fs.Uint64Var(&bonus, "liq-bonus-bps", 0, "liquidation bonus in bps")
		fs.Uint64Var(&fee, "origination-fee-bps", 0, "origination fee in bps")
		fs.Uint64Var(&share, "protocol-share-bps", 0, "protocol interest share in bps")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		return runSend(stdout, stderr, http.MethodPut, "/v1/admin/risk", map[string]any{
			"ltvBps":            ltv,
			"liqThresholdBps":   threshold,
			"liqBonusBps":       bonus,
			"originationFeeBps": fee,
			"protocolShareBps":  share,
		})
	case "gate":
		var enabled bool
		fs.BoolVar(&enabled, "enabled", false, "borrow gate state")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		return runSend(stdout, stderr, http.MethodPut, "/v1/admin/gate", map[string]any{"enabled": enabled})
	case "reserves":
		var recipient string
		var amount uint64
		fs.StringVar(&recipient, "recipient", "", "reserve recipient address")
		fs.Uint64Var(&amount, "amount", 0, "amount in base units")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		if recipient == "" {
			return printError(stderr, "--recipient is required")
		}
		return runSend(stdout, stderr, http.MethodPost, "/v1/admin/reserves/withdraw", map[string]any{"recipient": recipient, "amount": amount})
	case "pause":
		var paused bool
		fs.BoolVar(&paused, "paused", false, "pause state")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		return runSend(stdout, stderr, http.MethodPut, "/v1/admin/pauses/"+lending.ModuleName, map[string]any{"paused": paused})
	case "pauses":
		return runGet(stdout, stderr, "/v1/admin/pauses")
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

// flagName turns a camelCase body field into a kebab-case flag.
func flagName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func runGet(stdout, stderr io.Writer, path string) int {
	return runSend(stdout, stderr, http.MethodGet, path, nil)
}

func runSend(stdout, stderr io.Writer, method, path string, body any) int {
	raw, err := doRequest(method, path, body)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(stderr, "API error %d (%s): %s\n", apiErr.Status, apiErr.Kind, apiErr.Message)
			return 1
		}
		fmt.Fprintf(stderr, "Request failed: %v\n", err)
		return 1
	}
	writeResult(stdout, raw)
	return 0
}

type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
}

func doRequest(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiEndpoint, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(apiToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error.Kind != "" {
			return nil, &apiError{Status: resp.StatusCode, Kind: envelope.Error.Kind, Message: envelope.Error.Message}
		}
		return nil, &apiError{Status: resp.StatusCode, Kind: "http", Message: strings.TrimSpace(string(payload))}
	}
	return payload, nil
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(bytes.TrimSpace(result)) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(w, string(result))
		return
	}
	fmt.Fprintln(w, pretty.String())
}
