// Command keygen provisions the signing keypair offline and hashes access
// tokens for the admin and API token settings.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"licensor/internal/config"
	"licensor/internal/infrastructure"
	"licensor/internal/keys"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	if err := run(infrastructure.EnsureTraceID(context.Background()), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	dataDir := fs.String("data", "", "data directory (defaults to the configured paths.data_dir)")
	bits := fs.Int("bits", keys.DefaultKeyBits, "RSA modulus size for a new keypair")
	hashToken := fs.Bool("hash-token", false, "read a token from stdin and print its bcrypt hash")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost for -hash-token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *hashToken {
		return printTokenHash(stdin, stdout, *cost)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *dataDir != "" {
		cfg.Paths.DataDir = *dataDir
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		logger = slog.Default()
	}

	paths, err := config.ResolvePaths(cfg.Paths)
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	manager := keys.NewManager(paths.PrivateKeyFile(), paths.PublicKeyFile(), logger, keys.WithKeySize(*bits))
	existed := manager.Exists()
	if _, err := manager.EnsureKeyPair(ctx); err != nil {
		return fmt.Errorf("ensure keypair: %w", err)
	}
	fp, err := manager.Fingerprint()
	if err != nil {
		return err
	}

	state := "generated"
	if existed {
		state = "existing"
	}
	fmt.Fprintf(stdout, "keypair: %s\nprivate: %s\npublic:  %s\nfingerprint: %s\n",
		state, paths.PrivateKeyFile(), paths.PublicKeyFile(), fp)
	return nil
}

func printTokenHash(stdin io.Reader, stdout io.Writer, cost int) error {
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return errors.New("empty token on stdin")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Fprintln(stdout, string(hash))
	return nil
}
