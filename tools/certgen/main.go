// Package main generates the key material of a deployment into a directory:
// the CA, the TLS server certificate signed by it and the identity provider
// signing key pair. An existing CA is reused.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/atinyakov/hexlock/internal/certgen"
)

func main() {
	dir := flag.StringP("dir", "d", "certs", "output directory")
	hosts := flag.StringSlice("host", []string{"localhost", "127.0.0.1"}, "server certificate hosts")
	flag.Parse()

	if err := run(*dir, *hosts); err != nil {
		fmt.Fprintln(os.Stderr, "certgen:", err)
		os.Exit(1)
	}
	fmt.Println("✅ Keys and certificates generated into", *dir)
}

func run(dir string, hosts []string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	caCertPath := filepath.Join(dir, "ca.crt")
	caKeyPath := filepath.Join(dir, "ca.key")

	// 1. CA, generated once
	if _, err := os.Stat(caCertPath); errors.Is(err, fs.ErrNotExist) {
		certPEM, keyPEM, err := certgen.GenerateCA("HexLock CA")
		if err != nil {
			return err
		}
		if err := writePair(caCertPath, certPEM, caKeyPath, keyPEM); err != nil {
			return err
		}
	}
	caCert, caKey, err := certgen.LoadCACredentials(caCertPath, caKeyPath)
	if err != nil {
		return err
	}

	// 2. Server certificate signed by the CA
	certPEM, keyPEM, err := certgen.GenerateServerCertificate(hosts, caCert, caKey)
	if err != nil {
		return err
	}
	if err := writePair(filepath.Join(dir, "server.crt"), certPEM, filepath.Join(dir, "server.key"), keyPEM); err != nil {
		return err
	}

	// 3. Identity provider signing key, public half for clients
	idpKey, idpPub, err := certgen.GenerateSigningKey()
	if err != nil {
		return err
	}
	return writePair(filepath.Join(dir, "idp.pub"), idpPub, filepath.Join(dir, "idp.key"), idpKey)
}

// writePair writes a public file with mode 0644 and a private file with mode 0600.
func writePair(publicPath string, public []byte, privatePath string, private []byte) error {
	if err := os.WriteFile(publicPath, public, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", publicPath, err)
	}
	if err := os.WriteFile(privatePath, private, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", privatePath, err)
	}
	return nil
}
