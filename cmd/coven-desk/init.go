// ABOUTME: init command that writes a starter config file from interactive prompts
// ABOUTME: Generates a random JWT secret so auth is enabled out of the box

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/coven-desk/internal/config"
)

// initAnswers holds everything the generated config file needs.
type initAnswers struct {
	HTTPAddr      string
	GRPCAddr      string
	DBPath        string
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	MediaPolicy   string
	JWTSecret     string
	AMQPURL       string
	Tailscale     bool
	TSHostname    string
	TSFunnel      bool
	LogLevel      string
	LogFormat     string
}

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, config.ResolvePath(*configPath))
		},
	}
}

// getDataPath returns the coven-desk data directory.
// Priority: XDG_DATA_HOME/coven-desk > ~/.local/share/coven-desk
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven-desk")
}

func runInit(cmd *cobra.Command, defaultConfigPath string) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "coven-desk configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}

	var a initAnswers
	a.JWTSecret = secret

	fmt.Fprintln(out, "\n--- Server ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, out, "gRPC health address (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Database ---")
	a.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(getDataPath(), "desk.db"))

	fmt.Fprintln(out, "\n--- WhatsApp Cloud API ---")
	a.PhoneNumberID = prompt(reader, out, "Phone number id", "")
	a.AccessToken = prompt(reader, out, "Access token", "${WHATSAPP_TOKEN}")
	a.VerifyToken = prompt(reader, out, "Webhook verify token", "")
	a.MediaPolicy = prompt(reader, out, "Inbound media policy (materialize/reference)", config.DefaultMediaPolicy)

	fmt.Fprintln(out, "\n--- Events ---")
	a.AMQPURL = prompt(reader, out, "AMQP URL (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Tailscale ---")
	a.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "coven-desk")
		a.TSFunnel = yes(prompt(reader, out, "Enable Funnel for the public webhook?", "yes"))
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  coven-desk admin add --username admin")
	fmt.Fprintln(out, "  coven-desk agent add --username alice")
	fmt.Fprintln(out, "  coven-desk serve")
	return nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# coven-desk configuration\n")
	b.WriteString("# Generated by coven-desk init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.HTTPAddr)
	if a.GRPCAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", a.GRPCAddr)
	}
	b.WriteString("\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", a.DBPath)

	b.WriteString("provider:\n")
	fmt.Fprintf(&b, "  api_version: %q\n", config.DefaultProviderVersion)
	fmt.Fprintf(&b, "  phone_number_id: %q\n", a.PhoneNumberID)
	fmt.Fprintf(&b, "  access_token: %q\n", a.AccessToken)
	fmt.Fprintf(&b, "  verify_token: %q\n", a.VerifyToken)
	fmt.Fprintf(&b, "  media_policy: %q\n\n", a.MediaPolicy)

	b.WriteString("dispatch:\n")
	fmt.Fprintf(&b, "  max_concurrent: %d\n\n", config.DefaultMaxConcurrent)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", a.JWTSecret)
	b.WriteString("  token_ttl: \"12h\"\n\n")

	if a.AMQPURL != "" {
		b.WriteString("events:\n")
		fmt.Fprintf(&b, "  amqp_url: %q\n", a.AMQPURL)
		fmt.Fprintf(&b, "  exchange: %q\n\n", config.DefaultExchange)
	}

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TSHostname)
		fmt.Fprintf(&b, "  funnel: %t\n", a.TSFunnel)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", a.LogFormat)

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")
	fmt.Fprintf(&b, "  path: %q\n", config.DefaultMetricsPath)
	return b.String()
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}
