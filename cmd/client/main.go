// Package main is the interactive HexLock client: it signs the user in with
// the identity provider and manages their credentials in the vault store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"go.uber.org/zap"

	"github.com/atinyakov/hexlock/internal/certgen"
	"github.com/atinyakov/hexlock/internal/client/identity"
	"github.com/atinyakov/hexlock/internal/client/keeper"
	"github.com/atinyakov/hexlock/internal/client/passgen"
	"github.com/atinyakov/hexlock/internal/client/sealing"
	"github.com/atinyakov/hexlock/internal/client/shell"
	"github.com/atinyakov/hexlock/internal/client/vault"
	"github.com/atinyakov/hexlock/internal/config"
	"github.com/atinyakov/hexlock/internal/logger"
	"github.com/atinyakov/hexlock/internal/token"
)

var (
	version   string
	buildDate string
)

func main() {
	if slices.Contains(os.Args[1:], "--version") {
		fmt.Printf("HexLock Client\nVersion: %s\nBuild Date: %s\n", version, buildDate)
		return
	}
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "hexlock:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	options, err := config.ParseClient(args)
	if err != nil {
		return err
	}

	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.InitConsole(options.LogLevel); err != nil {
		return err
	}

	httpClient, err := vault.NewHTTPClient(options.CAFile)
	if err != nil {
		return err
	}
	idpKey, err := certgen.LoadVerifyingKey(options.IdPPublicKey)
	if err != nil {
		return err
	}

	provider, err := identity.NewRedirectProvider(identity.RedirectConfig{
		ProviderURL: options.IdentityProviderURL,
		ClientID:    options.ClientID,
		LoginHint:   options.LoginHint,
		HTTPClient:  httpClient,
		Verifier:    token.NewVerifier(idpKey, options.Issuer, options.ClientID),
		Notify: func(url string) {
			fmt.Fprintf(os.Stderr, "Opening the sign-in page. If no browser appears, visit:\n  %s\n", url)
		},
	}, log.Log.Named("login"))
	if err != nil {
		return err
	}

	session := identity.NewManager(provider, identity.NewFileStore(options.SessionFile), identity.Options{
		MaxSessionLifetime: options.MaxSessionLifetime,
		LoginTimeout:       options.LoginTimeout,
	}, log.Log.Named("session"))

	remote := vault.New(options.VaultURL, httpClient, session, log.Log.Named("vault"))

	gen, err := passgen.New()
	if err != nil {
		return err
	}

	var sealer keeper.Sealer
	if options.IdentityFile != "" {
		s, created, err := sealing.LoadOrCreate(options.IdentityFile)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(os.Stderr, "Created sealing identity %s. Keep a backup: sealed secrets cannot be opened without it.\n", options.IdentityFile)
		}
		log.Log.Info("sealing enabled", zap.String("recipient", s.Recipient()))
		sealer = s
	}

	k := keeper.New(session, remote, gen, sealer, log.Log.Named("keeper"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if session.IsAuthenticated() {
		if err := k.Refresh(ctx); err != nil {
			log.Log.Warn("initial refresh failed", zap.Error(err))
		}
	}

	fmt.Println("HexLock. Type 'help' for a list of commands.")
	return shell.New(k, os.Stdin, os.Stdout).Run(ctx)
}
