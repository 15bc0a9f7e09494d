package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/term"
)

// Secret is one SSM-backed configuration value.
type Secret struct {
	// EnvVar is the variable the loader fills; the deployment sets
	// EnvVar+"_SSM_PARAM" to the parameter path.
	EnvVar string
	Key    string
	// Generate creates the value. Nil means the operator is prompted.
	Generate func() (string, error)
	Validate func(string) error
	// Pinned secrets cannot be rotated by this tool.
	Pinned bool
}

// DefaultInventory lists every secret syncd and sync-trigger read.
func DefaultInventory() []Secret {
	return []Secret{
		{EnvVar: "ADMIN_API_KEY", Key: "server/admin_api_key", Generate: generateAdminKey},
		{EnvVar: "CREDENTIAL_ENCRYPTION_KEY", Key: "credentials/encryption_key", Generate: generateEncryptionKey, Pinned: true},
		{EnvVar: "DATABASE_URL", Key: "database/url", Validate: validatePostgresURL},
		{EnvVar: "MARKETPLACE_CLIENT_SECRET", Key: "marketplace/client_secret", Validate: validateNonEmpty},
	}
}

// generateAdminKey returns 32 random bytes, hex encoded.
func generateAdminKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating admin key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// generateEncryptionKey returns a base64 envelope key of the size the
// credential sealer requires.
func generateEncryptionKey() (string, error) {
	buf := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func validatePostgresURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("scheme must be postgres or postgresql, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validateNonEmpty(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("value must not be empty")
	}
	return nil
}

// Prompter reads secret values from the operator.
type Prompter interface {
	Secret(prompt string) (string, error)
}

// TerminalPrompter disables echo when in is a terminal and falls back to
// line reads for piped input.
type TerminalPrompter struct {
	in      io.Reader
	out     io.Writer
	scanner *bufio.Scanner
}

func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out, scanner: bufio.NewScanner(in)}
}

func (p *TerminalPrompter) Secret(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)

	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		value, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("reading secret input: %w", err)
		}
		return strings.TrimSpace(string(value)), nil
	}

	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

// Action is what happened to one secret.
type Action string

const (
	ActionCreated Action = "created"
	ActionRotated Action = "rotated"
	ActionSkipped Action = "skipped"
)

// Result records the outcome for one secret.
type Result struct {
	EnvVar string
	Path   string
	Action Action
}

// Provisioner walks the inventory and writes missing parameters.
type Provisioner struct {
	SSM       *SSMManager
	Inventory []Secret
	// Rotate names env vars whose existing parameter is overwritten.
	Rotate   map[string]bool
	Prompter Prompter
	Logger   *slog.Logger
}

// Run provisions every secret in inventory order:
//  1. Refuse to rotate pinned secrets.
//  2. Skip parameters that exist and are not being rotated.
//  3. Generate or prompt for the value and validate it.
//  4. Write it as a SecureString.
//
// It stops at the first failure; parameters written before it stay.
func (p *Provisioner) Run(ctx context.Context) ([]Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for name := range p.Rotate {
		if !p.known(name) {
			return nil, fmt.Errorf("cannot rotate unknown secret %s", name)
		}
	}

	results := make([]Result, 0, len(p.Inventory))
	for _, s := range p.Inventory {
		path := p.SSM.Path(s.Key)
		rotate := p.Rotate[s.EnvVar]
		if rotate && s.Pinned {
			return results, fmt.Errorf("%s cannot be rotated: stored credentials would become undecryptable", s.EnvVar)
		}

		exists, err := p.SSM.Exists(ctx, path)
		if err != nil {
			return results, err
		}
		if exists && !rotate {
			logger.Info("parameter exists, skipping", "env_var", s.EnvVar, "path", path)
			results = append(results, Result{EnvVar: s.EnvVar, Path: path, Action: ActionSkipped})
			continue
		}

		value, err := p.value(s)
		if err != nil {
			return results, fmt.Errorf("%s: %w", s.EnvVar, err)
		}
		if err := p.SSM.PutSecret(ctx, path, value, exists); err != nil {
			return results, err
		}

		action := ActionCreated
		if exists {
			action = ActionRotated
		}
		results = append(results, Result{EnvVar: s.EnvVar, Path: path, Action: action})
	}
	return results, nil
}

func (p *Provisioner) known(envVar string) bool {
	for _, s := range p.Inventory {
		if s.EnvVar == envVar {
			return true
		}
	}
	return false
}

func (p *Provisioner) value(s Secret) (string, error) {
	if s.Generate != nil {
		return s.Generate()
	}
	v, err := p.Prompter.Secret(fmt.Sprintf("%s: ", s.EnvVar))
	if err != nil {
		return "", err
	}
	if s.Validate != nil {
		if err := s.Validate(v); err != nil {
			return "", err
		}
	}
	return v, nil
}

// printEnvBlock writes the *_SSM_PARAM assignments for the deployment.
func printEnvBlock(w io.Writer, results []Result) {
	sorted := append([]Result(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EnvVar < sorted[j].EnvVar })
	for _, r := range sorted {
		fmt.Fprintf(w, "%s_SSM_PARAM=%s\n", r.EnvVar, r.Path)
	}
}
