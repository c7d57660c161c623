// Package main initializes and starts the HexLock vault store, setting up
// configuration, logging, database connections, repositories, services,
// the development identity provider, handlers, and TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/atinyakov/hexlock/internal/certgen"
	"github.com/atinyakov/hexlock/internal/config"
	"github.com/atinyakov/hexlock/internal/db"
	"github.com/atinyakov/hexlock/internal/idp"
	"github.com/atinyakov/hexlock/internal/logger"
	"github.com/atinyakov/hexlock/internal/repository"
	"github.com/atinyakov/hexlock/internal/server/handler/http"
	"github.com/atinyakov/hexlock/internal/service"
	"github.com/atinyakov/hexlock/internal/token"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line, environment and file configuration.
	options, err := config.ParseServer(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL connection.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	// Purge soft-deleted credentials in the background.
	db.StartSoftDeleteCleaner(ctx, postgresDB,
		options.CleanupInterval,
		options.DeletedRetention,
		zapLogger,
	)

	// Initialize repositories and the vault service.
	accountRepo := repository.NewPostgresAccountRepository(postgresDB)
	credentialRepo := repository.NewPostgresCredentialRepository(postgresDB)
	vaultService := service.NewVaultService(accountRepo, credentialRepo)

	// Delegations are verified with the public half of the signing key.
	signingKey, err := certgen.LoadSigningKey(options.SigningKey)
	if err != nil {
		zapLogger.Fatal("failed to load signing key", zap.Error(err))
	}
	verifier := token.NewVerifier(&signingKey.PublicKey, options.Issuer, options.ClientID)

	var idpHandler *http.IdPHandler
	if options.IdP {
		provider, err := idp.New(idp.Config{
			ClientID: options.ClientID,
			Secret:   []byte(options.IdPSecret),
			MaxTTL:   options.MaxDelegation,
		}, token.NewIssuer(signingKey, options.Issuer), zapLogger.Named("idp"))
		if err != nil {
			zapLogger.Fatal("failed to init identity provider", zap.Error(err))
		}
		idpHandler = &http.IdPHandler{Provider: provider}
	}

	// Build the router with middleware and routes.
	router := http.NewRouter(&http.EntriesHandler{VaultService: vaultService}, idpHandler, verifier, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if options.TLSCert == "" {
		zapLogger.Warn("TLS disabled, serving plain HTTP", zap.String("addr", options.Addr))
		err = server.ListenAndServe()
	} else {
		// Load server TLS certificate and key.
		cert, certErr := tls.LoadX509KeyPair(options.TLSCert, options.TLSKey)
		if certErr != nil {
			zapLogger.Fatal("failed to load server TLS cert/key", zap.Error(certErr))
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		zapLogger.Info("starting HTTPS server", zap.String("addr", options.Addr))
		err = server.ListenAndServeTLS("", "")
	}
	if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("server failed", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
