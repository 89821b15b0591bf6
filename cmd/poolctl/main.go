package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"tidepool/cmd/internal/credentials"
	"tidepool/crypto"
)

const (
	defaultEndpoint  = "http://127.0.0.1:8090"
	defaultTokenEnv  = "POOLCTL_TOKEN"
	defaultSecretEnv = "POOLD_JWT_SECRET"
)

type command struct {
	summary string
	run     func(ctx context.Context, g *globals, args []string) error
}

type globals struct {
	endpoint  string
	tokenEnv  string
	tokenFile string
	out       io.Writer
}

func (g *globals) client(auth bool) (*client, error) {
	if !auth {
		return newClient(g.endpoint, ""), nil
	}
	token, err := credentials.NewSource("bearer token", g.tokenEnv, g.tokenFile).Get()
	if err != nil {
		return nil, err
	}
	return newClient(g.endpoint, token), nil
}

var commands = map[string]command{
	"epoch":      {"show the current epoch boundaries", runEpoch},
	"stream":     {"show one or every burn stream", runStream},
	"checkpoint": {"sync, start or drip a burn stream", runCheckpoint},
	"pools":      {"list pools, or show one pool", runPools},
	"preview":    {"preview the claimable amount for an identity", runPreview},
	"claim":      {"claim an identity's share of an elapsed pool", runClaim},
	"refund":     {"refund a deposit into a zero-weight pool", runRefund},
	"deposit":    {"deposit value into a future epoch pool", runDeposit},
	"sweep":      {"sweep an unclaimable pool to the treasury", runSweep},
	"fees":       {"route a fee inflow or show fee totals", runFees},
	"weights":    {"record or show epoch weights", runWeights},
	"events":     {"list committed ledger events", runEvents},
	"export":     {"export payouts as csv, jsonl or parquet", runExport},
	"token":      {"sign a bearer token with the shared HMAC secret", runToken},
	"keygen":     {"generate an identity key, or derive the identity of one", runKeygen},
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	g := &globals{out: out}
	fs := flag.NewFlagSet("poolctl", flag.ContinueOnError)
	fs.StringVar(&g.endpoint, "endpoint", envOr("POOLCTL_ENDPOINT", defaultEndpoint), "poold base URL")
	fs.StringVar(&g.tokenEnv, "token-env", defaultTokenEnv, "environment variable holding the bearer token")
	fs.StringVar(&g.tokenFile, "token-file", "", "file holding the bearer token")
	fs.Usage = func() { usage(fs.Output()) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		usage(os.Stderr)
		return errors.New("command required")
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return cmd.run(ctx, g, fs.Args()[1:])
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: poolctl [-endpoint URL] [-token-env VAR] [-token-file PATH] <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	for _, name := range sortedCommands() {
		fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].summary)
	}
}

func sortedCommands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func runEpoch(ctx context.Context, g *globals, args []string) error {
	c, _ := g.client(false)
	data, err := c.get(ctx, "/v1/epoch", nil)
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

func runStream(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	asset := fs.String("asset", "", "asset to show (all streams when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "/v1/streams"
	if *asset != "" {
		path += "/" + url.PathEscape(*asset)
	}
	c, _ := g.client(false)
	data, err := c.get(ctx, path, nil)
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

func runCheckpoint(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	asset := fs.String("asset", "", "stream asset")
	step := fs.String("step", "checkpoint", "one of sync, start, drip, checkpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *asset == "" {
		return errors.New("-asset is required")
	}
	switch *step {
	case "sync", "start", "drip", "checkpoint":
	default:
		return fmt.Errorf("unknown step %q", *step)
	}
	c, _ := g.client(false)
	data, err := c.post(ctx, "/v1/streams/"+url.PathEscape(*asset)+"/"+*step, nil, "")
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

type poolFlags struct {
	target   string
	asset    string
	epoch    uint64
	identity string
}

func (p *poolFlags) register(fs *flag.FlagSet, withIdentity bool) {
	fs.StringVar(&p.target, "target", "", "distribution target")
	fs.StringVar(&p.asset, "asset", "", "pool asset")
	fs.Uint64Var(&p.epoch, "epoch", 0, "epoch start timestamp")
	if withIdentity {
		fs.StringVar(&p.identity, "identity", "", "tide1... identity")
	}
}

func (p *poolFlags) body() map[string]interface{} {
	body := map[string]interface{}{"target": p.target, "asset": p.asset, "epoch": p.epoch}
	if p.identity != "" {
		body["identity"] = p.identity
	}
	return body
}

func (p *poolFlags) poolPath() string {
	return "/v1/targets/" + url.PathEscape(p.target) + "/pools/" + strconv.FormatUint(p.epoch, 10) + "/" + url.PathEscape(p.asset)
}

func runPools(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("pools", flag.ContinueOnError)
	var p poolFlags
	p.register(fs, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if p.target == "" {
		return errors.New("-target is required")
	}
	path := "/v1/targets/" + url.PathEscape(p.target) + "/pools"
	if p.epoch != 0 && p.asset != "" {
		path = p.poolPath()
	}
	c, _ := g.client(false)
	data, err := c.get(ctx, path, nil)
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

func runPreview(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	var p poolFlags
	p.register(fs, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _ := g.client(false)
	data, err := c.get(ctx, p.poolPath()+"/preview/"+url.PathEscape(p.identity), nil)
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

func poolMutation(path string, auth, withIdentity bool) func(context.Context, *globals, []string) error {
	name := strings.TrimPrefix(path, "/v1/")
	return func(ctx context.Context, g *globals, args []string) error {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		var p poolFlags
		p.register(fs, withIdentity)
		key := fs.String("idempotency-key", "", "reuse a key to retry safely")
		if err := fs.Parse(args); err != nil {
			return err
		}
		c, err := g.client(auth)
		if err != nil {
			return err
		}
		data, err := c.post(ctx, path, p.body(), *key)
		if err != nil {
			return err
		}
		return printJSON(g.out, data)
	}
}

func runClaim(ctx context.Context, g *globals, args []string) error {
	return poolMutation("/v1/claim", false, true)(ctx, g, args)
}

func runRefund(ctx context.Context, g *globals, args []string) error {
	return poolMutation("/v1/refund", false, true)(ctx, g, args)
}

func runSweep(ctx context.Context, g *globals, args []string) error {
	return poolMutation("/v1/sweep", true, false)(ctx, g, args)
}

func runDeposit(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("deposit", flag.ContinueOnError)
	var p poolFlags
	p.register(fs, false)
	amount := fs.String("amount", "", "amount in base units")
	key := fs.String("idempotency-key", "", "reuse a key to retry safely")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body := p.body()
	body["amount"] = *amount
	c, err := g.client(true)
	if err != nil {
		return err
	}
	data, err := c.post(ctx, "/v1/deposit", body, *key)
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

func runFees(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("fees", flag.ContinueOnError)
	asset := fs.String("asset", "", "fee asset")
	amount := fs.String("amount", "", "route this amount; show totals when empty")
	key := fs.String("idempotency-key", "", "reuse a key to retry safely")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *amount == "" {
		c, _ := g.client(false)
		query := url.Values{}
		if *asset != "" {
			query.Set("asset", *asset)
		}
		data, err := c.get(ctx, "/v1/fees", query)
		if err != nil {
			return err
		}
		return printJSON(g.out, data)
	}
	c, err := g.client(true)
	if err != nil {
		return err
	}
	data, err := c.post(ctx, "/v1/fees", map[string]string{"asset": *asset, "amount": *amount}, *key)
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

func runWeights(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("weights", flag.ContinueOnError)
	target := fs.String("target", "", "distribution target")
	epoch := fs.Uint64("epoch", 0, "epoch start timestamp")
	identity := fs.String("identity", "", "tide1... identity")
	weight := fs.String("set", "", "record this weight for identity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *weight == "" {
		path := "/v1/weights/" + url.PathEscape(*target) + "/" + strconv.FormatUint(*epoch, 10)
		if *identity != "" {
			path += "/" + url.PathEscape(*identity)
		}
		c, _ := g.client(false)
		data, err := c.get(ctx, path, nil)
		if err != nil {
			return err
		}
		return printJSON(g.out, data)
	}
	c, err := g.client(true)
	if err != nil {
		return err
	}
	body := map[string]interface{}{"target": *target, "epoch": *epoch, "identity": *identity, "weight": *weight}
	data, err := c.post(ctx, "/v1/weights", body, "")
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

func historyQuery(fs *flag.FlagSet) func() url.Values {
	types := fs.String("type", "", "comma separated event types")
	target := fs.String("target", "", "filter by target")
	asset := fs.String("asset", "", "filter by asset")
	account := fs.String("account", "", "filter by account")
	epoch := fs.Uint64("epoch", 0, "filter by epoch")
	after := fs.Uint64("after", 0, "only events after this sequence")
	limit := fs.Int("limit", 0, "maximum rows")
	return func() url.Values {
		query := url.Values{}
		set := func(key, value string) {
			if value != "" && value != "0" {
				query.Set(key, value)
			}
		}
		set("type", *types)
		set("target", *target)
		set("asset", *asset)
		set("account", *account)
		set("epoch", strconv.FormatUint(*epoch, 10))
		set("after", strconv.FormatUint(*after, 10))
		set("limit", strconv.Itoa(*limit))
		return query
	}
}

func runEvents(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	query := historyQuery(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _ := g.client(false)
	data, err := c.get(ctx, "/v1/events", query())
	if err != nil {
		return err
	}
	return printJSON(g.out, data)
}

func runExport(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	query := historyQuery(fs)
	format := fs.String("format", "csv", "csv, jsonl or parquet")
	output := fs.String("o", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	values := query()
	values.Set("format", *format)
	c, _ := g.client(false)
	data, err := c.get(ctx, "/v1/exports/payouts", values)
	if err != nil {
		return err
	}
	if *output == "" {
		_, err = g.out.Write(data)
		return err
	}
	return os.WriteFile(*output, data, 0o644)
}

func runToken(_ context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "tide1... identity the token acts for")
	scopes := fs.String("scopes", "", "space separated scopes (fees, oracle, admin)")
	issuer := fs.String("issuer", "tidepool", "token issuer")
	audience := fs.String("audience", "", "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "environment variable holding the HMAC secret")
	secretFile := fs.String("secret-file", "", "file holding the HMAC secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("-subject is required")
	}
	secret, err := credentials.NewSource("HMAC secret", *secretEnv, *secretFile).Get()
	if err != nil {
		return err
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strings.TrimSpace(*subject),
		"iss": *issuer,
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	}
	if *audience != "" {
		claims["aud"] = *audience
	}
	if *scopes != "" {
		claims["scope"] = *scopes
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(g.out, signed)
	return err
}

func runKeygen(_ context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keyEnv := fs.String("key-env", "", "derive the identity of the hex key held in this variable")
	keyFile := fs.String("key-file", "", "derive the identity of the hex key held in this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var key *crypto.PrivateKey
	if *keyEnv != "" || *keyFile != "" {
		raw, err := credentials.NewSource("private key", *keyEnv, *keyFile).Get()
		if err != nil {
			return err
		}
		decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return fmt.Errorf("decode private key: %w", err)
		}
		if key, err = crypto.PrivateKeyFromBytes(decoded); err != nil {
			return err
		}
		_, err = fmt.Fprintln(g.out, key.PubKey().Address().String())
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out, "identity: %s\nprivate_key: %s\n", key.PubKey().Address().String(), hex.EncodeToString(key.Bytes()))
	return err
}
