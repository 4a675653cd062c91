// cmd/troparcel is the operator CLI: inspect and manage a relay through its
// monitoring API, and check connection URIs.
//
// Usage:
//
//	troparcel status                     --server http://localhost:2468
//	troparcel rooms
//	troparcel room project-notes
//	troparcel compact project-notes     --token <monitor token>
//	troparcel uri wss://relay.example.com/notes?token=abc
//
// Defaults for --server and --token may be kept in a YAML config file
// (~/.troparcel/cli.yaml or --config).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/troparcel/troparcel/internal/engine"
	"github.com/troparcel/troparcel/internal/relayclient"
)

var (
	serverAddr string
	token      string
	timeout    time.Duration
	configPath string
)

// cliConfig is the optional YAML defaults file.
type cliConfig struct {
	Server  string        `yaml:"server"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

func main() {
	root := &cobra.Command{
		Use:   "troparcel",
		Short: "Operator CLI for the troparcel relay",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigFile(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:2468", "relay address")
	root.PersistentFlags().StringVar(&token, "token", "", "monitor API token")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"YAML config file (default ~/.troparcel/cli.yaml)")

	root.AddCommand(healthCmd(), statusCmd(), roomsCmd(), roomCmd(),
		compactCmd(), metricsCmd(), uriCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyConfigFile fills in flags the user did not set from the YAML
// defaults file, when one exists.
func applyConfigFile(cmd *cobra.Command) error {
	path := configPath
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".troparcel", "cli.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return errors.Wrap(err, "read config")
		}
		return nil
	}
	var cfg cliConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}

	flags := cmd.Root().PersistentFlags()
	if cfg.Server != "" && !flags.Changed("server") {
		serverAddr = cfg.Server
	}
	if cfg.Token != "" && !flags.Changed("token") {
		token = cfg.Token
	}
	if cfg.Timeout > 0 && !flags.Changed("timeout") {
		timeout = cfg.Timeout
	}
	return nil
}

func newClient() *relayclient.Client {
	return relayclient.New(serverAddr, token, timeout)
}

// ─── health ───────────────────────────────────────────────────────────────────

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the relay is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Health(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── status ───────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay-wide counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Status(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── rooms ────────────────────────────────────────────────────────────────────

func roomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List live and persisted rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			rooms, err := newClient().Rooms(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(rooms)
			return nil
		},
	}
}

func roomCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "room <name>",
		Short: "Show one room's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Room(context.Background(), args[0])
			if errors.Is(err, relayclient.ErrNotFound) {
				fmt.Printf("room %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── compact ──────────────────────────────────────────────────────────────────

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <name>",
		Short: "Garbage-collect a room and collapse its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Compact(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── metrics ──────────────────────────────────────────────────────────────────

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the relay's Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := newClient().GetRaw(context.Background(), "/metrics")
			if err != nil {
				return err
			}
			fmt.Print(body)
			return nil
		},
	}
}

// ─── uri ──────────────────────────────────────────────────────────────────────

func uriCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uri <connection-uri>",
		Short: "Parse and describe a troparcel:// connection URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := engine.ParseURI(args[0])
			if err != nil {
				return err
			}
			out := map[string]string{"transport": string(conn.Kind)}
			if conn.URL != "" {
				out["url"] = conn.URL
			}
			if conn.Room != "" {
				out["room"] = conn.Room
			}
			if conn.Path != "" {
				out["path"] = conn.Path
			}
			if conn.Token != "" {
				out["token"] = "(set)"
			}
			prettyPrint(out)
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
