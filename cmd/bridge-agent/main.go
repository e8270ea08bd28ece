package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/askbridge/askbridge/config"
	"github.com/askbridge/askbridge/internal/bridge"
	"github.com/askbridge/askbridge/internal/toolserver"
)

func main() {
	var configPath string
	var agentID string
	var providerSpecs []string

	var root = &cobra.Command{
		Use:   "bridge-agent",
		Short: "Run a local bridge agent next to private tool-servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			if agentID == "" {
				host, _ := os.Hostname()
				agentID = "agent-" + host
			}
			if len(providerSpecs) == 0 {
				return fmt.Errorf("at least one --provider capability=url[,token] is required")
			}

			providers := make(map[string]bridge.ToolProvider, len(providerSpecs))
			for _, spec := range providerSpecs {
				capability, client, err := parseProvider(spec, cfg)
				if err != nil {
					return err
				}
				providers[capability] = client
			}

			logger := log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
			agent := bridge.NewAgent(agentID, cfg.Bridge, providers, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err := agent.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "config file path")
	root.Flags().StringVar(&agentID, "id", "", "agent id (default agent-<hostname>)")
	root.Flags().StringArrayVar(&providerSpecs, "provider", nil, "capability=url[,token] mapping (repeatable)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseProvider(spec string, cfg *config.Config) (string, *toolserver.Client, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", nil, fmt.Errorf("invalid --provider %q, want capability=url[,token]", spec)
	}
	capability := parts[0]
	url := parts[1]
	token := ""
	if i := strings.LastIndex(url, ","); i > 0 {
		token = url[i+1:]
		url = url[:i]
	}
	return capability, toolserver.NewClient(url, token, cfg.Bridge.TaskTimeout), nil
}
