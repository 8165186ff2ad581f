// ABOUTME: agent and admin account commands that write directly to the desk database
// ABOUTME: Passwords are bcrypt-hashed before storage and never echoed

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/store"
)

// accountFlags are shared by agent add and admin add.
type accountFlags struct {
	username string
	name     string
	password string
}

func (f *accountFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.username, "username", "u", "", "login name (required)")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "display name")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("username")
}

func newAgentCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent accounts",
	}
	cmd.AddCommand(newAgentAddCmd(configPath))
	cmd.AddCommand(newAgentListCmd(configPath))
	return cmd
}

func newAgentAddCmd(configPath *string) *cobra.Command {
	var f accountFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an agent account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(s store.Store) error {
				return addAgent(cmd, s, f)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func newAgentListCmd(configPath *string) *cobra.Command {
	var onlineOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent accounts in routing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(s store.Store) error {
				return listAgents(cmd, s, onlineOnly)
			})
		},
	}
	cmd.Flags().BoolVar(&onlineOnly, "online", false, "only show agents marked online")
	return cmd
}

func newAdminCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
	}

	var f accountFlags
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(s store.Store) error {
				return addAdmin(cmd, s, f)
			})
		},
	}
	f.bind(add)
	cmd.AddCommand(add)
	return cmd
}

// withStore opens the configured database for the duration of fn.
func withStore(ctx context.Context, configPath string, fn func(store.Store) error) error {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	return fn(s)
}

func addAgent(cmd *cobra.Command, s store.Store, f accountFlags) error {
	ctx := cmd.Context()
	if _, err := s.GetAgentByUsername(ctx, f.username); err == nil {
		return fmt.Errorf("agent %q already exists", f.username)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checking agent: %w", err)
	}

	hash, err := passwordHash(cmd, f.password)
	if err != nil {
		return err
	}

	agent := &store.Agent{
		ID:           uuid.New().String(),
		Username:     f.username,
		DisplayName:  orDefault(f.name, f.username),
		PasswordHash: hash,
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "  ✓ ")
	fmt.Fprintf(cmd.OutOrStdout(), "Created agent %s (%s)\n", agent.Username, agent.ID)
	return nil
}

func addAdmin(cmd *cobra.Command, s store.Store, f accountFlags) error {
	ctx := cmd.Context()
	if _, err := s.GetAdminByUsername(ctx, f.username); err == nil {
		return fmt.Errorf("admin %q already exists", f.username)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checking admin: %w", err)
	}

	hash, err := passwordHash(cmd, f.password)
	if err != nil {
		return err
	}

	admin := &store.Admin{
		ID:           uuid.New().String(),
		Username:     f.username,
		DisplayName:  orDefault(f.name, f.username),
		PasswordHash: hash,
	}
	if err := s.CreateAdmin(ctx, admin); err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}

	color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "  ✓ ")
	fmt.Fprintf(cmd.OutOrStdout(), "Created admin %s (%s)\n", admin.Username, admin.ID)
	return nil
}

func listAgents(cmd *cobra.Command, s store.Store, onlineOnly bool) error {
	agents, err := s.ListAgents(cmd.Context(), onlineOnly)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no agents")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tNAME\tSTATUS\tLAST SEEN")
	for _, a := range agents {
		status := "offline"
		if a.Online {
			status = "online"
		}
		lastSeen := "-"
		if a.LastSeen != nil {
			lastSeen = a.LastSeen.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Username, a.DisplayName, status, lastSeen)
	}
	return tw.Flush()
}

func passwordHash(cmd *cobra.Command, password string) (string, error) {
	if password == "" {
		reader := bufio.NewReader(cmd.InOrStdin())
		password = prompt(reader, cmd.OutOrStdout(), "Password", "")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return hash, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
