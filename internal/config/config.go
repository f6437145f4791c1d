package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"github.com/WilledMercury75/Ledger-Email-Client/pkg/models"
)

var ErrInvalidEndpoint = errors.New("invalid endpoint multiaddr")

type Config struct {
	DataDir   string          `yaml:"dataDir"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Directory DirectoryConfig `yaml:"directory"`
	Mail      MailConfig      `yaml:"mail"`
	Network   NetworkConfig   `yaml:"network"`
}

type DeliveryConfig struct {
	Mode            string        `yaml:"mode"`
	DirectRetries   int           `yaml:"directRetries"`
	DirectTimeout   time.Duration `yaml:"directTimeout"`
	RetryBackoff    time.Duration `yaml:"retryBackoff"`
	RetryBackoffMax time.Duration `yaml:"retryBackoffMax"`
	StoreWait       time.Duration `yaml:"storeWait"`
}

type DirectoryConfig struct {
	Replication       int           `yaml:"replication"`
	LookupParallelism int           `yaml:"lookupParallelism"`
	MaxHops           int           `yaml:"maxHops"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	ProbeTimeout      time.Duration `yaml:"probeTimeout"`
	StoreTTL          time.Duration `yaml:"storeTTL"`
	PickupInterval    time.Duration `yaml:"pickupInterval"`
}

type MailConfig struct {
	Address      string        `yaml:"address"`
	AppPassword  string        `yaml:"appPassword"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type NetworkConfig struct {
	// ListenEndpoints are the multiaddrs the local peer advertises in its
	// directory record.
	ListenEndpoints []string `yaml:"listenEndpoints"`
	InboundRPS      float64  `yaml:"inboundRPS"`
	InboundBurst    int      `yaml:"inboundBurst"`
}

func Default() Config {
	return Config{
		DataDir: "ledger-data",
		Delivery: DeliveryConfig{
			Mode:            models.ModeAuto,
			DirectRetries:   2,
			DirectTimeout:   10 * time.Second,
			RetryBackoff:    2 * time.Second,
			RetryBackoffMax: 30 * time.Second,
			StoreWait:       10 * time.Second,
		},
		Directory: DirectoryConfig{
			Replication:       20,
			LookupParallelism: 3,
			MaxHops:           20,
			RequestTimeout:    5 * time.Second,
			ProbeTimeout:      3 * time.Second,
			StoreTTL:          7 * 24 * time.Hour,
			PickupInterval:    30 * time.Second,
		},
		Mail: MailConfig{
			PollInterval: time.Minute,
		},
		Network: NetworkConfig{
			InboundRPS:   30,
			InboundBurst: 60,
		},
	}
}

// Load reads the config from configPath, or from the first candidate
// location when the path is empty, merging partial files over defaults and
// then applying environment overrides.
func Load(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"ledger.yaml",
			"configs/ledger.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

// Merge copies the set fields of src over dst.
func Merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Delivery.Mode != "" {
		dst.Delivery.Mode = models.ParseDeliveryMode(src.Delivery.Mode)
	}
	if src.Delivery.DirectRetries > 0 {
		dst.Delivery.DirectRetries = src.Delivery.DirectRetries
	}
	if src.Delivery.DirectTimeout > 0 {
		dst.Delivery.DirectTimeout = src.Delivery.DirectTimeout
	}
	if src.Delivery.RetryBackoff > 0 {
		dst.Delivery.RetryBackoff = src.Delivery.RetryBackoff
	}
	if src.Delivery.RetryBackoffMax > 0 {
		dst.Delivery.RetryBackoffMax = src.Delivery.RetryBackoffMax
	}
	if src.Delivery.StoreWait > 0 {
		dst.Delivery.StoreWait = src.Delivery.StoreWait
	}
	if src.Directory.Replication > 0 {
		dst.Directory.Replication = src.Directory.Replication
	}
	if src.Directory.LookupParallelism > 0 {
		dst.Directory.LookupParallelism = src.Directory.LookupParallelism
	}
	if src.Directory.MaxHops > 0 {
		dst.Directory.MaxHops = src.Directory.MaxHops
	}
	if src.Directory.RequestTimeout > 0 {
		dst.Directory.RequestTimeout = src.Directory.RequestTimeout
	}
	if src.Directory.ProbeTimeout > 0 {
		dst.Directory.ProbeTimeout = src.Directory.ProbeTimeout
	}
	if src.Directory.StoreTTL > 0 {
		dst.Directory.StoreTTL = src.Directory.StoreTTL
	}
	if src.Directory.PickupInterval > 0 {
		dst.Directory.PickupInterval = src.Directory.PickupInterval
	}
	if src.Mail.Address != "" {
		dst.Mail.Address = src.Mail.Address
	}
	if src.Mail.AppPassword != "" {
		dst.Mail.AppPassword = src.Mail.AppPassword
	}
	if src.Mail.PollInterval > 0 {
		dst.Mail.PollInterval = src.Mail.PollInterval
	}
	if src.Network.ListenEndpoints != nil {
		dst.Network.ListenEndpoints = append([]string(nil), src.Network.ListenEndpoints...)
	}
	if src.Network.InboundRPS > 0 {
		dst.Network.InboundRPS = src.Network.InboundRPS
	}
	if src.Network.InboundBurst > 0 {
		dst.Network.InboundBurst = src.Network.InboundBurst
	}
}

// ApplyEnvOverrides lets the environment win over file values.
func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LEDGER_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("LEDGER_DELIVERY_MODE")); v != "" {
		cfg.Delivery.Mode = models.ParseDeliveryMode(v)
	}
	if v := strings.TrimSpace(os.Getenv("LEDGER_DIRECT_RETRIES")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			cfg.Delivery.DirectRetries = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LEDGER_DIRECTORY_REPLICATION")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Directory.Replication = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LEDGER_MAIL_ADDRESS")); v != "" {
		cfg.Mail.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("LEDGER_MAIL_APP_PASSWORD")); v != "" {
		cfg.Mail.AppPassword = v
	}
}

// Validate rejects malformed endpoint addresses up front so a bad config
// fails at startup rather than at first dial.
func (c Config) Validate() error {
	if !models.ValidDeliveryMode(c.Delivery.Mode) {
		return errors.New("invalid delivery mode")
	}
	for _, ep := range c.Network.ListenEndpoints {
		if _, err := multiaddr.NewMultiaddr(ep); err != nil {
			return ErrInvalidEndpoint
		}
	}
	return nil
}
