// OmniaPi gateway daemon.
// Bridges the LoRa mesh, commanded over a ZeroMQ concentratord sidecar, to
// MQTT and a local HTTP API.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/omniapi/gateway/internal/bootmanager"
	"github.com/omniapi/gateway/internal/gateway"
	"github.com/omniapi/gateway/internal/otahistory"
	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/transport"
)

// Config is the gateway.yaml structure.
type Config struct {
	Gateway struct {
		Mac      string `yaml:"mac"`
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"gateway"`

	Mesh struct {
		NetworkID  string `yaml:"network_id"`
		NetworkKey string `yaml:"network_key"`
		PlantID    string `yaml:"plant_id"`
	} `yaml:"mesh"`

	Concentratord struct {
		EventURL   string `yaml:"event_url"`
		CommandURL string `yaml:"command_url"`
	} `yaml:"concentratord"`

	MQTT struct {
		BrokerURL string `yaml:"broker_url"`
		ClientID  string `yaml:"client_id"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
	} `yaml:"mqtt"`

	History struct {
		Path string `yaml:"path"`
	} `yaml:"history"`

	Timing struct {
		PublishIntervalSeconds int `yaml:"publish_interval_seconds"`
	} `yaml:"timing"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "omniapi-gateway",
		Short: "OmniaPi mesh gateway",
		Long:  "Gateway daemon for the OmniaPi IoT mesh. Bridges LoRa nodes to MQTT and HTTP.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway daemon",
		RunE:  runGateway,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("omniapi-gateway v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/omniapi/gateway.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Gateway.Mac == "" {
		return fmt.Errorf("gateway.mac is required")
	}
	gatewayMac, err := protocol.ParseMac(cfg.Gateway.Mac)
	if err != nil {
		return fmt.Errorf("invalid gateway.mac: %w", err)
	}
	networkID, err := protocol.ParseMac(cfg.Mesh.NetworkID)
	if err != nil {
		return fmt.Errorf("invalid mesh.network_id: %w", err)
	}

	httpAddr := cfg.Gateway.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	historyPath := cfg.History.Path
	if historyPath == "" {
		historyPath = "/var/lib/omniapi/history.db"
	}

	history, err := otahistory.Open(historyPath)
	if err != nil {
		return fmt.Errorf("failed to open OTA history store: %w", err)
	}

	t, err := transport.NewZmqTransport(transport.ZmqConfig{
		EventURL:   cfg.Concentratord.EventURL,
		CommandURL: cfg.Concentratord.CommandURL,
		RootDest:   gatewayMac,
	})
	if err != nil {
		history.Close()
		return fmt.Errorf("failed to connect to concentratord: %w", err)
	}

	boot := bootmanager.NewInMemory(8 * 1024 * 1024)

	gwCfg := gateway.Config{
		HTTPAddr:      httpAddr,
		HistoryPath:   historyPath,
		MQTTBrokerURL: cfg.MQTT.BrokerURL,
		MQTTClientID:  cfg.MQTT.ClientID,
		MQTTUsername:  cfg.MQTT.Username,
		MQTTPassword:  cfg.MQTT.Password,
		GatewayMac:    gatewayMac,
		NetworkID:     networkID,
		NetworkKey:    cfg.Mesh.NetworkKey,
		PlantID:       cfg.Mesh.PlantID,
		StartedAt:     time.Now(),
	}

	gw, err := gateway.New(gwCfg, t, boot, history)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	if cfg.MQTT.BrokerURL != "" {
		if err := gw.ConnectMQTT(); err != nil {
			log.Printf("mqtt connect failed, continuing without cloud bridge: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("starting omniapi-gateway %s", gatewayMac)
	gw.Start(ctx)

	go func() {
		if err := gw.ListenAndServeHTTP(); err != nil {
			log.Printf("http server stopped: %v", err)
		}
	}()

	interval := time.Duration(cfg.Timing.PublishIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				gw.PublishPeriodicSnapshots()
			case <-ctx.Done():
				return
			}
		}
	}()

	sig := <-sigChan
	log.Printf("received signal %v, shutting down...", sig)
	cancel()

	if err := gw.Stop(); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
	log.Println("shutdown complete")
	return nil
}
