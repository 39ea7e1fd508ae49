// OmniaPi mesh leaf node.
// Runs the commissioning, relay/LED command, and OTA receiver state machines
// over either a real LoRa radio (via the concentratord sidecar) or, with
// --sim, an in-memory loopback transport for local development.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/omniapi/gateway/internal/bootmanager"
	"github.com/omniapi/gateway/internal/kvstore"
	"github.com/omniapi/gateway/internal/node"
	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/transport"
)

// Config is the node.yaml structure.
type Config struct {
	Node struct {
		Mac        string `yaml:"mac"`
		DeviceType string `yaml:"device_type"` // "relay", "led_strip", "sensor"
		Version    string `yaml:"version"`     // "major.minor.patch"
	} `yaml:"node"`

	Radio struct {
		EventURL   string `yaml:"event_url"`
		CommandURL string `yaml:"command_url"`
		RootMac    string `yaml:"root_mac"`
	} `yaml:"radio"`

	Storage struct {
		KVPath string `yaml:"kv_path"`
	} `yaml:"storage"`

	OTA struct {
		PullMode bool `yaml:"pull_mode"`
	} `yaml:"ota"`
}

var (
	configFile string
	simMode    bool

	rootCmd = &cobra.Command{
		Use:   "omniapi-node",
		Short: "OmniaPi mesh leaf node",
		Long:  "Leaf node firmware-equivalent process for the OmniaPi IoT mesh, for development and bench testing off real hardware.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the node process",
		RunE:  runNode,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("omniapi-node v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/omniapi/node.yaml", "Configuration file path")
	runCmd.Flags().BoolVar(&simMode, "sim", false, "use an in-memory loopback transport instead of the radio sidecar")
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

func deviceTypeFromName(name string) uint8 {
	switch name {
	case "relay":
		return 0x01
	case "led_strip":
		return 0x10
	case "sensor":
		return 0x20
	default:
		return 0x00
	}
}

func parseVersion(s string) uint32 {
	var major, minor, patch uint8
	fmt.Sscanf(s, "%d.%d.%d", &major, &minor, &patch)
	return protocol.PackVersion(major, minor, patch)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Node.Mac == "" {
		return fmt.Errorf("node.mac is required")
	}
	self, err := protocol.ParseMac(cfg.Node.Mac)
	if err != nil {
		return fmt.Errorf("invalid node.mac: %w", err)
	}

	kvPath := cfg.Storage.KVPath
	if kvPath == "" {
		kvPath = "/var/lib/omniapi/node.kv"
	}
	kv, err := kvstore.OpenFileStore(kvPath)
	if err != nil {
		return fmt.Errorf("failed to open kv store: %w", err)
	}

	var t transport.Transport
	if simMode {
		log.Println("running in --sim mode: frames are not delivered to a real gateway")
		bus := transport.NewBus()
		t = transport.NewEndpoint(bus, self, false)
	} else {
		rootMac, err := protocol.ParseMac(cfg.Radio.RootMac)
		if err != nil {
			return fmt.Errorf("invalid radio.root_mac: %w", err)
		}
		t, err = transport.NewZmqTransport(transport.ZmqConfig{
			EventURL:   cfg.Radio.EventURL,
			CommandURL: cfg.Radio.CommandURL,
			RootDest:   rootMac,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to radio sidecar: %w", err)
		}
	}

	boot := bootmanager.NewInMemory(2 * 1024 * 1024)

	nodeCfg := node.Config{
		Self:       self,
		DeviceType: deviceTypeFromName(cfg.Node.DeviceType),
		Version:    parseVersion(cfg.Node.Version),
		PullMode:   cfg.OTA.PullMode,
	}

	n := node.New(nodeCfg, t, kv, boot, func(reason string) {
		log.Printf("reboot requested (%s); in this process that means continuing to run", reason)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("starting omniapi-node %s (state=%s)", self, n.CommissioningState())
	n.Start(ctx)

	sig := <-sigChan
	log.Printf("received signal %v, shutting down...", sig)
	cancel()
	n.Stop()
	t.Close()
	log.Println("shutdown complete")
	return nil
}
