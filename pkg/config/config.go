package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
)

func ReadFile(filepath string, cfg interface{}) error {
	_, err := toml.DecodeFile(filepath, cfg)
	return err
}

type Config struct {
	Logger      logger.Config `toml:"logger"`
	Indexer     Indexer       `toml:"indexer"`
	Timeout     Timeout       `toml:"timeout"`
	RPC         RPC           `toml:"rpc"`
	Storage     Storage       `toml:"storage"`
	DB          DB            `toml:"db"`
	API         API           `toml:"api"`
	Aggregation Aggregation   `toml:"aggregation"`
	Reconcile   Reconcile     `toml:"reconcile"`
	Programs    []Program     `toml:"programs"`
}

func Default() Config {
	return Config{
		Logger:      defaultLogger,
		Indexer:     defaultIndexer,
		Timeout:     defaultTimeout,
		RPC:         defaultRPC,
		Storage:     defaultStorage,
		DB:          defaultDB,
		API:         defaultAPI,
		Aggregation: defaultAggregation,
		Reconcile:   defaultReconcile,
	}
}

// Load reads the file at path over the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := ReadFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %s", path)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var defaultLogger = logger.Config{
	Level:   "INFO",
	Console: true,
}

type Indexer struct {
	// SignaturesPageSize is the limit of one signature listing, at most
	// 1000 on Solana nodes.
	SignaturesPageSize int `toml:"signatures_page_size"`
	MaxConcurrency     int `toml:"max_concurrency"`
	// CheckpointEverySignatures triggers a checkpoint once that many
	// signatures were processed since the last one.
	CheckpointEverySignatures int `toml:"checkpoint_every_signatures"`
	CheckpointIntervalSeconds int `toml:"checkpoint_interval_seconds"`
}

var defaultIndexer = Indexer{
	SignaturesPageSize:        1000,
	MaxConcurrency:            8,
	CheckpointEverySignatures: 1000,
	CheckpointIntervalSeconds: 60,
}

type Timeout struct {
	BackoffMaxElapsedTimeSeconds int `toml:"backoff_max_elapsed_time_seconds"`
	RequestTimeoutMillis         int `toml:"request_timeout_millis"`
	// IdleMaxIntervalSeconds bounds the sleep between polls once the
	// indexer caught up with the chain.
	IdleMaxIntervalSeconds int `toml:"idle_max_interval_seconds"`
}

var defaultTimeout = Timeout{
	BackoffMaxElapsedTimeSeconds: 300,
	RequestTimeoutMillis:         10000,
	IdleMaxIntervalSeconds:       30,
}

func (t Timeout) BackoffMaxElapsedTime() time.Duration {
	return time.Duration(t.BackoffMaxElapsedTimeSeconds) * time.Second
}

func (t Timeout) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutMillis) * time.Millisecond
}

type RPC struct {
	URL        string `toml:"url"`
	Commitment string `toml:"commitment"`
}

var defaultRPC = RPC{
	URL:        "https://api.devnet.solana.com",
	Commitment: "finalized",
}

// Storage selects where snapshots go: "file" or "db".
type Storage struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
}

var defaultStorage = Storage{
	Backend: "file",
	Dir:     "data",
}

type DB struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	DBName     string `toml:"db_name"`
	LogQueries bool   `toml:"log_queries"`
	// QuarantineRetentionDays drops quarantined snapshots older than that.
	// Zero keeps them forever.
	QuarantineRetentionDays int `toml:"quarantine_retention_days"`
}

var defaultDB = DB{
	Host: "localhost",
	Port: 5432,
}

func (db DB) QuarantineRetention() time.Duration {
	return time.Duration(db.QuarantineRetentionDays) * 24 * time.Hour
}

type API struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

var defaultAPI = API{
	Enabled: true,
	Address: ":8080",
}

type Aggregation struct {
	TargetBucketCount int `toml:"target_bucket_count"`
}

var defaultAggregation = Aggregation{
	TargetBucketCount: 1000,
}

type Reconcile struct {
	MaxConcurrency int `toml:"max_concurrency"`
}

var defaultReconcile = Reconcile{
	MaxConcurrency: 4,
}

// Program is one indexed on-chain program.
type Program struct {
	Address string        `toml:"address"`
	Kind    analysis.Kind `toml:"kind"`
	IDLFile string        `toml:"idl_file"`
}

func (cfg *Config) Validate() error {
	if len(cfg.Programs) == 0 {
		return errors.New("no programs configured")
	}

	seen := make(map[string]bool, len(cfg.Programs))
	for _, p := range cfg.Programs {
		if p.Address == "" || p.IDLFile == "" {
			return errors.Errorf("program %q needs an address and an idl_file", p.Address)
		}
		if p.Kind != analysis.KindRun && p.Kind != analysis.KindPool {
			return errors.Errorf("program %s has unknown kind %q", p.Address, p.Kind)
		}
		if seen[p.Address] {
			return errors.Errorf("program %s configured twice", p.Address)
		}
		seen[p.Address] = true
	}

	if cfg.Storage.Backend != "file" && cfg.Storage.Backend != "db" {
		return errors.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Indexer.SignaturesPageSize <= 0 || cfg.Indexer.SignaturesPageSize > 1000 {
		return errors.Errorf("signatures_page_size must be in 1..1000, got %d", cfg.Indexer.SignaturesPageSize)
	}
	if cfg.Timeout.RequestTimeoutMillis <= 0 {
		return errors.Errorf("request_timeout_millis must be positive, got %d", cfg.Timeout.RequestTimeoutMillis)
	}

	return nil
}

// ApplyEnvOverrides lets deployments keep secrets and endpoints out of the
// config file.
func (cfg *Config) ApplyEnvOverrides() {
	overrideString(&cfg.RPC.URL, "RPC_URL")
	overrideString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	overrideString(&cfg.Storage.Dir, "STORAGE_DIR")
	overrideString(&cfg.DB.Host, "DB_HOST")
	overrideInt(&cfg.DB.Port, "DB_PORT")
	overrideString(&cfg.DB.Username, "DB_USERNAME")
	overrideString(&cfg.DB.Password, "DB_PASSWORD")
	overrideString(&cfg.DB.DBName, "DB_NAME")
	overrideString(&cfg.API.Address, "API_ADDRESS")
	overrideString(&cfg.Logger.Level, "LOG_LEVEL")
}

func overrideString(field *string, name string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*field = v
	}
}

func overrideInt(field *int, name string) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warnf("ignoring %s=%q: %v", name, v, err)
		return
	}
	*field = n
}
