// Package config loads the yaml configuration for both binaries and applies
// environment overrides. Absent files and unparsable candidates fall back to
// defaults; secrets are preferred from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cipherlink/go-backend/internal/push"
)

// DaemonConfig configures the client-agent daemon.
type DaemonConfig struct {
	Account   AccountConfig   `yaml:"account"`
	Directory DirectoryClient `yaml:"directory"`
	Network   NetworkConfig   `yaml:"network"`
}

type AccountConfig struct {
	ID              string `yaml:"id"`
	DataDir         string `yaml:"dataDir"`
	StorePassphrase string `yaml:"storePassphrase"`
	UseKeyring      *bool  `yaml:"useKeyring"`
}

type DirectoryClient struct {
	URL string `yaml:"url"`
}

// NetworkConfig mirrors push.Config with pointer booleans so an absent yaml
// key keeps the default instead of forcing false.
type NetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

// DirectoryConfig configures the key directory server binary. Conversations
// seed the membership service; production deployments resolve membership
// from the messaging backend instead.
type DirectoryConfig struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Conversations map[string][]string `yaml:"conversations"`
}

type ServerConfig struct {
	ListenAddr               string        `yaml:"listenAddr"`
	ReadTimeout              time.Duration `yaml:"readTimeout"`
	WriteTimeout             time.Duration `yaml:"writeTimeout"`
	DrainDuration            time.Duration `yaml:"drainDuration"`
	GracefulShutdownDuration time.Duration `yaml:"gracefulShutdownDuration"`
	RateLimitRPS             float64       `yaml:"rateLimitRPS"`
	RateLimitBurst           int           `yaml:"rateLimitBurst"`
}

type StorageConfig struct {
	DataDir    string `yaml:"dataDir"`
	Passphrase string `yaml:"passphrase"`
}

func DefaultDaemon() DaemonConfig {
	return DaemonConfig{
		Account: AccountConfig{
			DataDir: defaultDataDir(),
		},
		Directory: DirectoryClient{URL: "http://127.0.0.1:8420"},
	}
}

func DefaultDirectory() DirectoryConfig {
	return DirectoryConfig{
		Server: ServerConfig{
			ListenAddr:               "127.0.0.1:8420",
			ReadTimeout:              10 * time.Second,
			WriteTimeout:             10 * time.Second,
			DrainDuration:            5 * time.Second,
			GracefulShutdownDuration: 10 * time.Second,
			RateLimitRPS:             20,
			RateLimitBurst:           40,
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
	}
}

// LoadDaemonFromPath reads the daemon config, trying the explicit path first
// and the conventional locations otherwise.
func LoadDaemonFromPath(configPath string) DaemonConfig {
	cfg := DefaultDaemon()
	for _, path := range candidates(configPath) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		mergeDaemon(&cfg, parsed)
		break
	}
	applyDaemonEnv(&cfg)
	return cfg
}

func LoadDirectoryFromPath(configPath string) DirectoryConfig {
	cfg := DefaultDirectory()
	for _, path := range candidates(configPath) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed DirectoryConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		mergeDirectory(&cfg, parsed)
		break
	}
	applyDirectoryEnv(&cfg)
	return cfg
}

// PushConfig materializes the network section onto push defaults.
func (c DaemonConfig) PushConfig() push.Config {
	dst := push.DefaultConfig()
	src := c.Network
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.EnableRelay != nil {
		dst.EnableRelay = *src.EnableRelay
	}
	if src.EnableStore != nil {
		dst.EnableStore = *src.EnableStore
	}
	if src.EnableLightPush != nil {
		dst.EnableLightPush = *src.EnableLightPush
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
	return dst
}

func candidates(configPath string) []string {
	if configPath != "" {
		return []string{configPath}
	}
	return []string{
		"go-backend/configs/config.yaml",
		"configs/config.yaml",
	}
}

func mergeDaemon(dst *DaemonConfig, src DaemonConfig) {
	if src.Account.ID != "" {
		dst.Account.ID = src.Account.ID
	}
	if src.Account.DataDir != "" {
		dst.Account.DataDir = src.Account.DataDir
	}
	if src.Account.StorePassphrase != "" {
		dst.Account.StorePassphrase = src.Account.StorePassphrase
	}
	if src.Account.UseKeyring != nil {
		dst.Account.UseKeyring = src.Account.UseKeyring
	}
	if src.Directory.URL != "" {
		dst.Directory.URL = src.Directory.URL
	}
	dst.Network = src.Network
}

func mergeDirectory(dst *DirectoryConfig, src DirectoryConfig) {
	if src.Server.ListenAddr != "" {
		dst.Server.ListenAddr = src.Server.ListenAddr
	}
	if src.Server.ReadTimeout != 0 {
		dst.Server.ReadTimeout = src.Server.ReadTimeout
	}
	if src.Server.WriteTimeout != 0 {
		dst.Server.WriteTimeout = src.Server.WriteTimeout
	}
	if src.Server.DrainDuration != 0 {
		dst.Server.DrainDuration = src.Server.DrainDuration
	}
	if src.Server.GracefulShutdownDuration != 0 {
		dst.Server.GracefulShutdownDuration = src.Server.GracefulShutdownDuration
	}
	if src.Server.RateLimitRPS != 0 {
		dst.Server.RateLimitRPS = src.Server.RateLimitRPS
	}
	if src.Server.RateLimitBurst != 0 {
		dst.Server.RateLimitBurst = src.Server.RateLimitBurst
	}
	if src.Storage.DataDir != "" {
		dst.Storage.DataDir = src.Storage.DataDir
	}
	if src.Storage.Passphrase != "" {
		dst.Storage.Passphrase = src.Storage.Passphrase
	}
	if src.Conversations != nil {
		dst.Conversations = src.Conversations
	}
}

func applyDaemonEnv(cfg *DaemonConfig) {
	if v := strings.TrimSpace(os.Getenv("CIPHERLINK_ACCOUNT_ID")); v != "" {
		cfg.Account.ID = v
	}
	if v := strings.TrimSpace(os.Getenv("CIPHERLINK_DATA_DIR")); v != "" {
		cfg.Account.DataDir = v
	}
	if v := os.Getenv("CIPHERLINK_STORE_PASSPHRASE"); v != "" {
		cfg.Account.StorePassphrase = v
	}
	if v := strings.TrimSpace(os.Getenv("CIPHERLINK_USE_KEYRING")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Account.UseKeyring = &parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CIPHERLINK_DIRECTORY_URL")); v != "" {
		cfg.Directory.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("CIPHERLINK_NETWORK_TRANSPORT")); v != "" {
		cfg.Network.Transport = v
	}
}

func applyDirectoryEnv(cfg *DirectoryConfig) {
	if v := strings.TrimSpace(os.Getenv("CIPHERLINK_LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CIPHERLINK_DATA_DIR")); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("CIPHERLINK_STORE_PASSPHRASE"); v != "" {
		cfg.Storage.Passphrase = v
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return home + "/.cipherlink"
}
