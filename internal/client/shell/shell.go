// Package shell is the interactive terminal front end. It only calls the
// keeper's operations and formats their results.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/atinyakov/hexlock/internal/client/identity"
	"github.com/atinyakov/hexlock/internal/client/keeper"
	"github.com/atinyakov/hexlock/internal/client/passgen"
	"github.com/atinyakov/hexlock/internal/client/vault"
	"github.com/atinyakov/hexlock/internal/models"
)

// Keeper is the set of operations the shell drives.
type Keeper interface {
	Login(ctx context.Context) (identity.Session, error)
	Logout() error
	Session() (identity.Session, error)
	State() (identity.State, error)
	Refresh(ctx context.Context) error
	Search(query string) ([]models.Credential, error)
	Stale() bool
	RefreshedAt() time.Time
	AddEntry(ctx context.Context, site, username, secret string) error
	EditEntry(ctx context.Context, site, username, secret string) error
	DeleteEntry(ctx context.Context, site, username, secret string) error
	EditEntryByID(ctx context.Context, id, site, username, secret string) error
	DeleteEntryByID(ctx context.Context, id string) error
	GeneratePassword() (string, error)
}

const helpText = `Available commands:
  login                 sign in with the identity provider
  logout                sign out and forget cached entries
  whoami                print the signed-in account
  refresh               reload entries from the vault
  list                  list all entries
  search <text>         list entries whose site or username contains text
  get <id>              show an entry including its secret
  add                   add an entry (empty secret generates one)
  edit [<id>]           change an entry, by id or by site and username
  delete [<id>]         delete an entry, by id or by site, username and secret
  gen [hex]             print a random password
  exit                  leave the shell`

// Shell reads commands from in and writes results to out.
type Shell struct {
	k       Keeper
	scanner *bufio.Scanner
	out     io.Writer
	// termFd is the descriptor used for hidden input, or -1.
	termFd int
}

// New returns a Shell. Secrets are read without echo when in is a terminal.
func New(k Keeper, in io.Reader, out io.Writer) *Shell {
	fd := -1
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	return &Shell{k: k, scanner: bufio.NewScanner(in), out: out, termFd: fd}
}

// Run executes commands until exit, end of input or ctx cancellation.
func (s *Shell) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(s.out, "hexlock> ")
		if !s.scanner.Scan() {
			fmt.Fprintln(s.out)
			return s.scanner.Err()
		}
		args := strings.Fields(strings.TrimSpace(s.scanner.Text()))
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			fmt.Fprintln(s.out, "Bye")
			return nil
		}
		s.exec(ctx, args)
	}
}

func (s *Shell) exec(ctx context.Context, args []string) {
	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "login":
		sess, err := s.k.Login(ctx)
		if err != nil {
			s.report(err)
			return
		}
		fmt.Fprintf(s.out, "Signed in as %s (until %s)\n", sess.AccountID, sess.ExpiresAt.Local().Format("2006-01-02 15:04"))
		if err := s.k.Refresh(ctx); err != nil {
			s.report(err)
		}
	case "logout":
		if err := s.k.Logout(); err != nil {
			s.report(err)
			return
		}
		fmt.Fprintln(s.out, "Signed out")
	case "whoami":
		s.whoami()
	case "refresh":
		if err := s.k.Refresh(ctx); err != nil {
			s.report(err)
			return
		}
		s.list("")
	case "list":
		s.list("")
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Usage: search <text>")
			return
		}
		s.list(strings.Join(args[1:], " "))
	case "get":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Usage: get <id>")
			return
		}
		s.get(args[1])
	case "add":
		s.add(ctx)
	case "edit":
		s.edit(ctx, args[1:])
	case "delete":
		s.delete(ctx, args[1:])
	case "gen":
		s.gen(args[1:])
	default:
		fmt.Fprintln(s.out, "Unknown command. Type 'help' for a list of commands.")
	}
}

func (s *Shell) list(query string) {
	entries, err := s.k.Search(query)
	if err != nil {
		s.report(err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No entries")
	} else {
		tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSITE\tUSERNAME")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Site, e.Username)
		}
		_ = tw.Flush()
	}
	if s.k.Stale() {
		if at := s.k.RefreshedAt(); !at.IsZero() {
			fmt.Fprintf(s.out, "(showing entries as of %s, run 'refresh' to retry)\n", at.Local().Format("15:04:05"))
		} else {
			fmt.Fprintln(s.out, "(showing last known entries, run 'refresh' to retry)")
		}
	}
}

func (s *Shell) whoami() {
	state, lastErr := s.k.State()
	if state != identity.Authenticated {
		fmt.Fprintf(s.out, "Not signed in (%s)\n", state)
		if lastErr != nil {
			s.report(lastErr)
		}
		return
	}
	sess, err := s.k.Session()
	if err != nil {
		s.report(err)
		return
	}
	fmt.Fprintf(s.out, "%s (until %s)\n", sess.AccountID, sess.ExpiresAt.Local().Format("2006-01-02 15:04"))
}

func (s *Shell) get(id string) {
	entries, err := s.k.Search("")
	if err != nil {
		s.report(err)
		return
	}
	for _, e := range entries {
		if e.ID != id {
			continue
		}
		fmt.Fprintf(s.out, "Site: %s\nUsername: %s\nSecret: %s\n", e.Site, e.Username, e.Secret)
		if e.LastModified != nil {
			fmt.Fprintf(s.out, "Modified: %s\n", e.LastModified.Local().Format("2006-01-02 15:04"))
		}
		return
	}
	fmt.Fprintln(s.out, "Entry not found")
}

func (s *Shell) add(ctx context.Context) {
	site := s.readLine("Site: ")
	username := s.readLine("Username: ")
	secret, ok := s.readSecretOrGenerate()
	if !ok {
		return
	}
	if err := s.k.AddEntry(ctx, site, username, secret); err != nil {
		s.report(err)
		return
	}
	fmt.Fprintln(s.out, "Entry added")
}

func (s *Shell) edit(ctx context.Context, args []string) {
	var id string
	if len(args) > 0 {
		id = args[0]
	}
	site := s.readLine("Site: ")
	username := s.readLine("Username: ")
	secret, ok := s.readSecretOrGenerate()
	if !ok {
		return
	}

	var err error
	if id != "" {
		err = s.k.EditEntryByID(ctx, id, site, username, secret)
	} else {
		err = s.k.EditEntry(ctx, site, username, secret)
	}
	if err != nil {
		s.report(err)
		return
	}
	fmt.Fprintln(s.out, "Entry updated")
}

func (s *Shell) delete(ctx context.Context, args []string) {
	var err error
	if len(args) > 0 {
		err = s.k.DeleteEntryByID(ctx, args[0])
	} else {
		site := s.readLine("Site: ")
		username := s.readLine("Username: ")
		secret, readErr := s.readSecret("Secret: ")
		if readErr != nil {
			s.report(readErr)
			return
		}
		err = s.k.DeleteEntry(ctx, site, username, secret)
	}
	if err != nil {
		s.report(err)
		return
	}
	fmt.Fprintln(s.out, "Entry deleted")
}

func (s *Shell) gen(args []string) {
	var (
		p   string
		err error
	)
	if len(args) > 0 && args[0] == "hex" {
		p, err = passgen.Hex(16)
	} else {
		p, err = s.k.GeneratePassword()
	}
	if err != nil {
		s.report(err)
		return
	}
	fmt.Fprintln(s.out, p)
}

func (s *Shell) readLine(prompt string) string {
	fmt.Fprint(s.out, prompt)
	if !s.scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(s.scanner.Text())
}

func (s *Shell) readSecret(prompt string) (string, error) {
	if s.termFd < 0 {
		return s.readLine(prompt), nil
	}
	fmt.Fprint(s.out, prompt)
	b, err := term.ReadPassword(s.termFd)
	fmt.Fprintln(s.out)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(b), nil
}

func (s *Shell) readSecretOrGenerate() (string, bool) {
	secret, err := s.readSecret("Secret (empty to generate): ")
	if err != nil {
		s.report(err)
		return "", false
	}
	if secret != "" {
		return secret, true
	}
	secret, err = s.k.GeneratePassword()
	if err != nil {
		s.report(err)
		return "", false
	}
	fmt.Fprintf(s.out, "Generated secret: %s\n", secret)
	return secret, true
}

// report prints err in terms the user can act on.
func (s *Shell) report(err error) {
	var (
		authErr  *identity.AuthenticationFailedError
		rejected *vault.RemoteRejectedError
	)
	switch {
	case errors.Is(err, keeper.ErrStaleCache):
		fmt.Fprintln(s.out, "Saved, but the list could not be refreshed. Type 'refresh' to retry.")
	case errors.As(err, &authErr):
		switch authErr.Reason {
		case identity.ReasonCancelled:
			fmt.Fprintln(s.out, "Login cancelled")
		case identity.ReasonNetwork:
			fmt.Fprintf(s.out, "Login failed, identity provider unreachable: %v\n", authErr.Err)
		default:
			fmt.Fprintf(s.out, "Login failed: %v\n", authErr.Err)
		}
	case errors.Is(err, identity.ErrNotAuthenticated):
		fmt.Fprintln(s.out, "Not signed in. Type 'login' first.")
	case errors.As(err, &rejected):
		fmt.Fprintf(s.out, "Vault refused the request: %s\n", rejected.Detail)
	case errors.Is(err, vault.ErrRemoteUnavailable):
		fmt.Fprintf(s.out, "Vault unreachable: %v\n", err)
	default:
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}
