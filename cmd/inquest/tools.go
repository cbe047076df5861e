package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/inquest/config"
)

func toolsCMD() *cobra.Command {
	var cfgPath string
	var asJSON bool

	var toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List the registered tool catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := log.New(os.Stderr, "[TOOLS] ", log.LstdFlags)
			registry, closeTools, err := buildRegistry(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeTools()

			catalog := registry.Catalog()
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(catalog)
			}
			for _, card := range catalog {
				origin := card.Origin
				if origin == "" {
					origin = "native"
				}
				fmt.Printf("%-20s v%-8s cost=%-6s reliability=%-6s %s\n", card.Name, card.Version, card.CostTier, card.ReliabilityTier, origin)
				fmt.Printf("    %s\n", card.Description)
			}
			return nil
		},
	}
	toolsCmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	toolsCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return toolsCmd
}
