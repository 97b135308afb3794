package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteNode describes a remote archive application entity.
type RemoteNode struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	CalledAE string `yaml:"called_ae"`
}

// ObjectStore configures the outbound object-storage transfer target.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Config is the project configuration document, read once at project open.
type Config struct {
	ProjectName string `yaml:"project_name"`
	SiteID      string `yaml:"site_id"`
	UIDRoot     string `yaml:"uid_root"`

	LocalAE    string `yaml:"local_ae"`
	ListenPort int    `yaml:"listen_port"`

	Remotes map[string]RemoteNode `yaml:"remotes"`

	// Accepted SOP storage classes; datasets outside this set are quarantined.
	AcceptedStorageClasses []string `yaml:"accepted_storage_classes"`
	// Transfer syntaxes proposed when sending; default syntaxes are always
	// offered for find/move.
	TransferSyntaxes []string `yaml:"transfer_syntaxes"`
	// Modalities kept during hierarchy discovery. Empty means all.
	AcceptedModalities []string `yaml:"accepted_modalities"`

	StorageDir    string `yaml:"storage_dir"`
	QuarantineDir string `yaml:"quarantine_dir"`
	LedgerFile    string `yaml:"ledger_file"`
	ScriptFile    string `yaml:"script_file"`

	AnonymizerWorkers int  `yaml:"anonymizer_workers"`
	MoveWorkers       int  `yaml:"move_workers"`
	ExportWorkers     int  `yaml:"export_workers"`
	ShiftDates        bool `yaml:"shift_dates"`
	ScrubPixels       bool `yaml:"scrub_pixels"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MessageTimeout    time.Duration `yaml:"message_timeout"`
	RetrieveStallTime time.Duration `yaml:"retrieve_stall_time"`

	// Ingest admission control.
	StoreDelay       time.Duration `yaml:"store_delay"`
	LowMemoryBytes   uint64        `yaml:"low_memory_bytes"`
	LowMemoryBackoff time.Duration `yaml:"low_memory_backoff"`

	ObjectStore *ObjectStore `yaml:"object_store"`
}

// Load reads and validates a project configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.SiteID == "" {
		c.SiteID = "1"
	}
	if c.UIDRoot == "" {
		// The example root reserved for development use.
		c.UIDRoot = "1.2.826.0.1.3680043.10.474"
	}
	if c.LocalAE == "" {
		c.LocalAE = "GATEWAY"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 11112
	}
	if c.StorageDir == "" {
		c.StorageDir = filepath.Join(baseDir, "storage")
	}
	if c.QuarantineDir == "" {
		c.QuarantineDir = filepath.Join(baseDir, "quarantine")
	}
	if c.LedgerFile == "" {
		c.LedgerFile = filepath.Join(baseDir, "ledger.json")
	}
	if c.AnonymizerWorkers == 0 {
		c.AnonymizerWorkers = 1
	}
	if c.MoveWorkers == 0 {
		c.MoveWorkers = 2
	}
	if c.ExportWorkers == 0 {
		c.ExportWorkers = 2
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = 30 * time.Second
	}
	if c.RetrieveStallTime == 0 {
		c.RetrieveStallTime = 60 * time.Second
	}
	if c.StoreDelay == 0 {
		c.StoreDelay = 10 * time.Millisecond
	}
	if c.LowMemoryBytes == 0 {
		c.LowMemoryBytes = 256 << 20
	}
	if c.LowMemoryBackoff == 0 {
		c.LowMemoryBackoff = 500 * time.Millisecond
	}
}

// Validate checks the fields the core cannot default.
func (c *Config) Validate() error {
	if c.ProjectName == "" {
		return fmt.Errorf("project_name is required")
	}
	if c.ScriptFile == "" {
		return fmt.Errorf("script_file is required")
	}
	if len(c.AcceptedStorageClasses) == 0 {
		return fmt.Errorf("accepted_storage_classes is required")
	}
	for name, r := range c.Remotes {
		if r.Host == "" || r.Port == 0 || r.CalledAE == "" {
			return fmt.Errorf("remote %q needs host, port and called_ae", name)
		}
	}
	if c.ObjectStore != nil {
		if c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object_store needs endpoint and bucket")
		}
	}
	return nil
}

// AcceptsStorageClass reports whether a SOP class is in the accepted set.
func (c *Config) AcceptsStorageClass(uid string) bool {
	for _, s := range c.AcceptedStorageClasses {
		if s == uid {
			return true
		}
	}
	return false
}

// AcceptsModality reports whether a modality passes the project filter.
func (c *Config) AcceptsModality(modality string) bool {
	if len(c.AcceptedModalities) == 0 {
		return true
	}
	for _, m := range c.AcceptedModalities {
		if m == modality {
			return true
		}
	}
	return false
}
