// Command lexisync-cli is a sync client for the lexisync gRPC API.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcserver "github.com/and161185/lexisync/internal/server/grpc"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "lexisync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lexisync")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func anchorsPath() string { return filepath.Join(cfgDir(), "anchors.json") }

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func saveToken(tok string, exp time.Time) error {
	return writeJSONFile(tokenPath(), tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp without verifying; the server is the one that checks the signature.
func tokenExpiry(tok string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Now().Add(15 * time.Minute), nil
	}
	return claims.ExpiresAt.Time, nil
}

// anchors maps device id to the serverTime of its last completed session.
type anchors map[string]time.Time

func loadAnchors() (anchors, error) {
	b, err := os.ReadFile(anchorsPath())
	if errors.Is(err, os.ErrNotExist) {
		return anchors{}, nil
	}
	if err != nil {
		return nil, err
	}
	a := anchors{}
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func saveAnchors(a anchors) error { return writeJSONFile(anchorsPath(), a) }

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

var _ syncClient = (*grpcserver.Client)(nil)

type dialOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
}

func dial(o dialOpts, bearer string) (*grpc.ClientConn, *grpcserver.Client, error) {
	creds := insecure.NewCredentials()
	if !o.plaintext {
		var err error
		if creds, err = loadTLS(o.caPath, o.skipVerify); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewClient(cc), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `lexisync-cli
Usage:
  lexisync-cli -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  login      -token <jwt>                                   (saves token)
  sync       -device <id> [-file batches.json] [-full]      (all entity types, keeps the anchor)
  push       -device <id> -type <entity> -file items.json [-deleted 1,2] [-since RFC3339]
  info       -device <id>
  reset      -device <id>
  conflicts  [-device <id>] [-all]
  resolve    -device <id> -type <entity> -id <n> -strategy <name> [-data file] [-notes text]
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses global flags, dials the server and dispatches the subcommand.
func main() {
	addr := flag.String("addr", "localhost:9090", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "no TLS (dev)")
	timeout := flag.Duration("timeout", 30*time.Second, "call timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "version":
		fmt.Printf("lexisync-cli %s (%s)\n", version, buildDate)
		return
	case "login":
		if err := login(args); err != nil {
			fail(err)
		}
		fmt.Println("ok")
		return
	}

	token, err := loadToken()
	if err != nil {
		fail(err)
	}
	cc, cli, err := dial(dialOpts{addr: *addr, caPath: *caPath, skipVerify: *skipVerify, plaintext: *plaintext}, token)
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := run(ctx, cli, cmd, args, os.Stdout); err != nil {
		if errors.Is(err, errUnknownCommand) {
			usage()
		}
		fail(err)
	}
}

func login(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	tok := fs.String("token", "", "access token (see: lexisync token)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tok == "" {
		return errors.New("need -token")
	}
	exp, err := tokenExpiry(*tok)
	if err != nil {
		return err
	}
	return saveToken(*tok, exp)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
