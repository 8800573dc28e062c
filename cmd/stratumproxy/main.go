package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/Kali123411/stratum-proxy/src/config"
	"github.com/Kali123411/stratum-proxy/src/stratumproxy"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "stratumproxy",
	Short:        "Stratum proxy multiplexing workers onto upstream pools",
	SilenceUsage: true,
	RunE:         runProxy,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		printSummary(cfg)
		return nil
	},
}

func init() {
	pwd, _ := os.Getwd()
	flags := rootCmd.PersistentFlags()
	flags.String("config", path.Join(pwd, "config.yaml"), "Config file, yaml or toml")
	flags.String("stratum", "", "Stratum address to listen on (default `:3333`)")
	flags.String("prom", "", "Prometheus metrics address, empty string disables (default `:2114`)")
	flags.String("strategy", "", "Pool switching strategy (default `priority-failover`)")
	flags.String("log-file", "", "Also write JSON logs to this file")
	flags.String("log-level", "", "Log level (default `info`)")
	flags.Bool("stats", true, "Show periodic stats in console")
	flags.String("db", "", "SQLite file for hashrate history")
	rootCmd.AddCommand(checkCmd)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	file, _ := flags.GetString("config")
	log.Printf("Loading config @ `%s`", file)
	cfg, err := config.Load(file)
	if err != nil {
		return cfg, err
	}

	overrides := map[string]*string{
		"stratum":   &cfg.StratumListen,
		"prom":      &cfg.PromListen,
		"strategy":  &cfg.Strategy.Name,
		"log-file":  &cfg.LogFile,
		"log-level": &cfg.LogLevel,
		"db":        &cfg.DatabasePath,
	}
	for name, dst := range overrides {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Changed("stats") {
		cfg.PrintStats, _ = flags.GetBool("stats")
	}
	return cfg, cfg.Validate()
}

func printSummary(cfg config.Config) {
	log.Println("----------------------------------")
	log.Println("Initializing Stratum Proxy")
	log.Printf("\tStratum Listen:   %s", cfg.StratumListen)
	log.Printf("\tPrometheus:       %s", cfg.PromListen)
	log.Printf("\tStrategy:         %s", cfg.Strategy.Name)
	for k, v := range cfg.Strategy.Params {
		log.Printf("\t  %-16s%s", k+":", v)
	}
	log.Printf("\tPools:            %d", len(cfg.Pools))
	for _, p := range cfg.Pools {
		log.Printf("\t  %-16s%s (priority %d, weight %d, enabled %t)", p.Name+":", p.Host, p.Priority, p.Weight, p.Enabled)
	}
	log.Printf("\tTail Size:        %d", cfg.TailSize)
	log.Printf("\tSubmit Replicas:  %d", cfg.SubmitReplicas)
	log.Printf("\tValidate Shares:  %t (%s)", cfg.ValidateShares, cfg.Algorithm)
	log.Printf("\tStable Delay:     %s", cfg.StableDelay)
	log.Printf("\tPrint Stats:      %t", cfg.PrintStats)
	log.Printf("\tLog File:         %s", cfg.LogFile)
	log.Printf("\tDatabase:         %s", cfg.DatabasePath)
	log.Println("----------------------------------")
}

func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	printSummary(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return stratumproxy.ListenAndServe(ctx, cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("stratum proxy error: %s", err)
	}
}
