// Package config provides the settings of the vault store and the client,
// read from command-line flags, environment variables and an optional
// config file.
//
// Every setting is a flag. The same name is accepted as a key of the config
// file (JSON, or YAML for .yaml/.yml files) and, upper-cased with dashes
// turned into underscores and prefixed with HEXLOCK_, as an environment
// variable. Flags given on the command line win over the environment, which
// wins over the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "HEXLOCK_"

// Server holds the configuration of the vault store.
type Server struct {
	// Addr is the listening address (ip:port).
	Addr string
	// DatabaseDSN is the PostgreSQL connection string.
	DatabaseDSN string
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string
	TLSKey  string

	// IdP enables the development identity provider under /idp.
	IdP bool
	// SigningKey is the PEM file of the delegation signing key.
	SigningKey string
	// Issuer is the iss claim of delegations.
	Issuer string
	// ClientID is the client allowed to sign in.
	ClientID string
	// IdPSecret is the key material user keys are derived from.
	IdPSecret string
	// MaxDelegation bounds the lifetime of issued delegations.
	MaxDelegation time.Duration

	// CleanupInterval is how often soft-deleted credentials are purged.
	CleanupInterval time.Duration
	// DeletedRetention is how long soft-deleted credentials are kept.
	DeletedRetention time.Duration

	LogLevel string
	// Config is the path to the config file.
	Config string
}

// Client holds the configuration of the command-line client.
type Client struct {
	// VaultURL is the base URL of the vault store.
	VaultURL string
	// IdentityProviderURL is the base URL of the identity provider.
	IdentityProviderURL string
	// Issuer and ClientID are checked against received delegations.
	Issuer   string
	ClientID string
	// LoginHint names the user the provider should sign in.
	LoginHint string
	// CAFile is the CA bundle trusted for TLS, empty for the system roots.
	CAFile string
	// IdPPublicKey is the PEM file of the provider's verifying key.
	IdPPublicKey string
	// SessionFile stores the delegation between runs.
	SessionFile string
	// IdentityFile is the age identity secrets are sealed to. Empty disables sealing.
	IdentityFile string
	// MaxSessionLifetime is the longest delegation requested at login.
	MaxSessionLifetime time.Duration
	// LoginTimeout bounds a whole login handshake.
	LoginTimeout time.Duration

	LogLevel string
	// Config is the path to the config file.
	Config string
}

// ParseServer parses the vault store configuration from args (without the
// program name) and the environment.
func ParseServer(args []string) (*Server, error) {
	o := &Server{}
	fs := flag.NewFlagSet("hexlock-server", flag.ContinueOnError)
	fs.StringVarP(&o.Addr, "addr", "a", "localhost:8443", "run on ip:port server")
	fs.StringVarP(&o.DatabaseDSN, "database-dsn", "d", "", "db address")
	fs.StringVar(&o.TLSCert, "tls-cert", "certs/server.crt", "TLS certificate, empty for plain HTTP")
	fs.StringVar(&o.TLSKey, "tls-key", "certs/server.key", "TLS private key")
	fs.BoolVar(&o.IdP, "idp", true, "serve the development identity provider under /idp")
	fs.StringVar(&o.SigningKey, "signing-key", "certs/idp.key", "delegation signing key")
	fs.StringVar(&o.Issuer, "issuer", "hexlock-dev-idp", "delegation issuer")
	fs.StringVar(&o.ClientID, "client-id", "hexlock-cli", "client allowed to sign in")
	fs.StringVar(&o.IdPSecret, "idp-secret", "", "secret user keys are derived from")
	fs.DurationVar(&o.MaxDelegation, "max-delegation", 7*24*time.Hour, "longest delegation issued")
	fs.DurationVar(&o.CleanupInterval, "cleanup-interval", time.Hour, "purge interval for deleted credentials")
	fs.DurationVar(&o.DeletedRetention, "deleted-retention", 30*24*time.Hour, "how long deleted credentials are kept")
	fs.StringVar(&o.LogLevel, "log-level", "info", "log level")
	fs.StringVarP(&o.Config, "config", "c", "config.json", "path to config file")

	if err := load(fs, args, &o.Config); err != nil {
		return nil, err
	}

	if o.DatabaseDSN == "" {
		return nil, errors.New("database-dsn is required")
	}
	if (o.TLSCert == "") != (o.TLSKey == "") {
		return nil, errors.New("tls-cert and tls-key must be set together")
	}
	if o.IdP && len(o.IdPSecret) < 16 {
		return nil, errors.New("idp-secret of at least 16 characters is required when the identity provider is enabled")
	}
	if o.CleanupInterval <= 0 || o.DeletedRetention < 0 {
		return nil, errors.New("cleanup-interval must be positive and deleted-retention not negative")
	}
	return o, nil
}

// ParseClient parses the client configuration from args (without the program
// name) and the environment.
func ParseClient(args []string) (*Client, error) {
	o := &Client{}
	fs := flag.NewFlagSet("hexlock", flag.ContinueOnError)
	fs.StringVarP(&o.VaultURL, "vault-url", "u", "https://localhost:8443", "vault store base URL")
	fs.StringVar(&o.IdentityProviderURL, "idp-url", "https://localhost:8443/idp", "identity provider base URL")
	fs.StringVar(&o.Issuer, "issuer", "hexlock-dev-idp", "expected delegation issuer")
	fs.StringVar(&o.ClientID, "client-id", "hexlock-cli", "client id")
	fs.StringVarP(&o.LoginHint, "user", "l", "", "user to sign in as")
	fs.StringVar(&o.CAFile, "ca", "certs/ca.crt", "CA certificate, empty for the system roots")
	fs.StringVar(&o.IdPPublicKey, "idp-key", "certs/idp.pub", "identity provider verifying key")
	fs.StringVar(&o.SessionFile, "session-file", "", "session file (default in the user config dir)")
	fs.StringVar(&o.IdentityFile, "seal-identity", "", "age identity file; enables sealing of secrets")
	fs.DurationVar(&o.MaxSessionLifetime, "max-session", 7*24*time.Hour, "longest session requested at login")
	fs.DurationVar(&o.LoginTimeout, "login-timeout", 5*time.Minute, "how long to wait for a login")
	fs.StringVar(&o.LogLevel, "log-level", "warn", "log level")
	fs.StringVarP(&o.Config, "config", "c", "", "path to config file")

	if err := load(fs, args, &o.Config); err != nil {
		return nil, err
	}

	if o.SessionFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate config dir: %w", err)
		}
		o.SessionFile = filepath.Join(dir, "hexlock", "session.json")
	}
	if o.VaultURL == "" || o.IdentityProviderURL == "" {
		return nil, errors.New("vault-url and idp-url are required")
	}
	if o.MaxSessionLifetime <= 0 || o.LoginTimeout <= 0 {
		return nil, errors.New("max-session and login-timeout must be positive")
	}
	return o, nil
}

// load parses args into fs and fills every flag not given on the command line
// from the environment or the config file.
func load(fs *flag.FlagSet, args []string, configPath *string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if v, ok := os.LookupEnv(envName("config")); ok && !explicit["config"] {
		*configPath = v
	}
	values, err := readFile(*configPath, explicit["config"])
	if err != nil {
		return err
	}

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] || f.Name == "config" {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			v, ok = values[f.Name]
		}
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid value %q for %s: %w", v, f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// readFile returns the settings of the config file at path. A missing file is
// only an error if it was named on the command line.
func readFile(path string, required bool) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil, nil
		}
		return nil, fmt.Errorf("error while reading config file: %w", err)
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("error while parsing config file: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			values[k] = v
		case float64:
			values[k] = fmt.Sprintf("%g", v)
		default:
			values[k] = fmt.Sprint(v)
		}
	}
	return values, nil
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}
