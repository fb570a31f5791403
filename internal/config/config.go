package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultStorageName       = "classroll"
	defaultStorageVersion    = 1
	defaultStorageMode       = "relational"
	defaultPBKDF2Iterations  = 100_000
	minPBKDF2Iterations      = 10_000
	defaultSecureBacking     = "native"
	defaultMaxRetries        = 3
	defaultSyncTimeout       = 30 * time.Second
	defaultStatusSubject     = "classroll.status"
	defaultDeadLetterSubject = "classroll.dead_letter"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultLogMaxSizeMB      = 10
	defaultLogMaxFiles       = 5

	keyFileName   = "encryption.key"
	backupDirName = "backups"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Crypto  CryptoConfig  `toml:"crypto"`
	Secure  SecureConfig  `toml:"secure"`
	Queue   QueueConfig   `toml:"queue"`
	Backup  BackupConfig  `toml:"backup"`
	Logging LoggingConfig `toml:"logging"`
}

type StorageConfig struct {
	Name    string `toml:"name"`
	Version int    `toml:"version"`
	Mode    string `toml:"mode"`
	DataDir string `toml:"data_dir"`
}

type CryptoConfig struct {
	// Salt has no default and must be set per installation.
	Salt       string `toml:"salt"`
	Iterations int    `toml:"iterations"`
	KeyFile    string `toml:"key_file"`
}

type SecureConfig struct {
	// Backing is "native" (dedicated bucket) or "prefixed" (secure_ keys in
	// the general bucket).
	Backing string `toml:"backing"`
}

type QueueConfig struct {
	MaxRetries        int           `toml:"max_retries"`
	SyncTimeout       time.Duration `toml:"sync_timeout"`
	NATSURL           string        `toml:"nats_url"`
	StatusSubject     string        `toml:"status_subject"`
	DeadLetterSubject string        `toml:"dead_letter_subject"`
}

type BackupConfig struct {
	Dir        string `toml:"dir"`
	Encrypt    bool   `toml:"encrypt"`
	S3Bucket   string `toml:"s3_bucket"`
	S3Key      string `toml:"s3_key"`
	S3Region   string `toml:"s3_region"`
	S3Endpoint string `toml:"s3_endpoint"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	ConfigPath string
	Env        map[string]string
	Flags      FlagOverrides
}

type FlagOverrides struct {
	DataDir *string
	Mode    *string
}

func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Name:    defaultStorageName,
			Version: defaultStorageVersion,
			Mode:    defaultStorageMode,
		},
		Crypto: CryptoConfig{
			Iterations: defaultPBKDF2Iterations,
		},
		Secure: SecureConfig{
			Backing: defaultSecureBacking,
		},
		Queue: QueueConfig{
			MaxRetries:        defaultMaxRetries,
			SyncTimeout:       defaultSyncTimeout,
			StatusSubject:     defaultStatusSubject,
			DeadLetterSubject: defaultDeadLetterSubject,
		},
		Backup: BackupConfig{
			Encrypt: true,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			Format:    defaultLogFormat,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

// Load layers defaults, the TOML file, CLASSROLL_* environment variables
// and flags, in that order, then fills in derived paths and validates.
func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	if err := loadAndApplyFile(configPath, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	if err := fillDerivedPaths(&cfg, opts); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type rawConfig struct {
	Storage *rawStorage `toml:"storage"`
	Crypto  *rawCrypto  `toml:"crypto"`
	Secure  *rawSecure  `toml:"secure"`
	Queue   *rawQueue   `toml:"queue"`
	Backup  *rawBackup  `toml:"backup"`
	Logging *rawLogging `toml:"logging"`
}

type rawStorage struct {
	Name    *string `toml:"name"`
	Version *int    `toml:"version"`
	Mode    *string `toml:"mode"`
	DataDir *string `toml:"data_dir"`
}

type rawCrypto struct {
	Salt       *string `toml:"salt"`
	Iterations *int    `toml:"iterations"`
	KeyFile    *string `toml:"key_file"`
}

type rawSecure struct {
	Backing *string `toml:"backing"`
}

type rawQueue struct {
	MaxRetries        *int    `toml:"max_retries"`
	SyncTimeout       *string `toml:"sync_timeout"`
	NATSURL           *string `toml:"nats_url"`
	StatusSubject     *string `toml:"status_subject"`
	DeadLetterSubject *string `toml:"dead_letter_subject"`
}

type rawBackup struct {
	Dir        *string `toml:"dir"`
	Encrypt    *bool   `toml:"encrypt"`
	S3Bucket   *string `toml:"s3_bucket"`
	S3Key      *string `toml:"s3_key"`
	S3Region   *string `toml:"s3_region"`
	S3Endpoint *string `toml:"s3_endpoint"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	Format    *string `toml:"format"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

func loadAndApplyFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	return applyRawConfig(cfg, raw)
}

func applyRawConfig(cfg *Config, raw rawConfig) error {
	if raw.Storage != nil {
		setString(raw.Storage.Name, &cfg.Storage.Name)
		setInt(raw.Storage.Version, &cfg.Storage.Version)
		setString(raw.Storage.Mode, &cfg.Storage.Mode)
		setString(raw.Storage.DataDir, &cfg.Storage.DataDir)
	}

	if raw.Crypto != nil {
		setString(raw.Crypto.Salt, &cfg.Crypto.Salt)
		setInt(raw.Crypto.Iterations, &cfg.Crypto.Iterations)
		setString(raw.Crypto.KeyFile, &cfg.Crypto.KeyFile)
	}

	if raw.Secure != nil {
		setString(raw.Secure.Backing, &cfg.Secure.Backing)
	}

	if raw.Queue != nil {
		setInt(raw.Queue.MaxRetries, &cfg.Queue.MaxRetries)
		if err := setDuration("queue.sync_timeout", raw.Queue.SyncTimeout, &cfg.Queue.SyncTimeout); err != nil {
			return err
		}
		setString(raw.Queue.NATSURL, &cfg.Queue.NATSURL)
		setString(raw.Queue.StatusSubject, &cfg.Queue.StatusSubject)
		setString(raw.Queue.DeadLetterSubject, &cfg.Queue.DeadLetterSubject)
	}

	if raw.Backup != nil {
		setString(raw.Backup.Dir, &cfg.Backup.Dir)
		setBool(raw.Backup.Encrypt, &cfg.Backup.Encrypt)
		setString(raw.Backup.S3Bucket, &cfg.Backup.S3Bucket)
		setString(raw.Backup.S3Key, &cfg.Backup.S3Key)
		setString(raw.Backup.S3Region, &cfg.Backup.S3Region)
		setString(raw.Backup.S3Endpoint, &cfg.Backup.S3Endpoint)
	}

	if raw.Logging != nil {
		setString(raw.Logging.Level, &cfg.Logging.Level)
		setString(raw.Logging.Format, &cfg.Logging.Format)
		setString(raw.Logging.File, &cfg.Logging.File)
		setInt(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setInt(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	stringVars := []struct {
		key    string
		target *string
	}{
		{"CLASSROLL_STORAGE_NAME", &cfg.Storage.Name},
		{"CLASSROLL_STORAGE_MODE", &cfg.Storage.Mode},
		{"CLASSROLL_DATA_DIR", &cfg.Storage.DataDir},
		{"CLASSROLL_CRYPTO_SALT", &cfg.Crypto.Salt},
		{"CLASSROLL_KEY_FILE", &cfg.Crypto.KeyFile},
		{"CLASSROLL_SECURE_BACKING", &cfg.Secure.Backing},
		{"CLASSROLL_NATS_URL", &cfg.Queue.NATSURL},
		{"CLASSROLL_STATUS_SUBJECT", &cfg.Queue.StatusSubject},
		{"CLASSROLL_DEAD_LETTER_SUBJECT", &cfg.Queue.DeadLetterSubject},
		{"CLASSROLL_BACKUP_DIR", &cfg.Backup.Dir},
		{"CLASSROLL_S3_BUCKET", &cfg.Backup.S3Bucket},
		{"CLASSROLL_S3_KEY", &cfg.Backup.S3Key},
		{"CLASSROLL_S3_REGION", &cfg.Backup.S3Region},
		{"CLASSROLL_S3_ENDPOINT", &cfg.Backup.S3Endpoint},
		{"CLASSROLL_LOG_LEVEL", &cfg.Logging.Level},
		{"CLASSROLL_LOG_FORMAT", &cfg.Logging.Format},
		{"CLASSROLL_LOG_FILE", &cfg.Logging.File},
	}
	for _, env := range stringVars {
		if value, ok := lookupEnv(opts, env.key); ok {
			*env.target = value
		}
	}

	intVars := []struct {
		key    string
		target *int
	}{
		{"CLASSROLL_STORAGE_VERSION", &cfg.Storage.Version},
		{"CLASSROLL_CRYPTO_ITERATIONS", &cfg.Crypto.Iterations},
		{"CLASSROLL_QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries},
		{"CLASSROLL_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB},
		{"CLASSROLL_LOG_MAX_FILES", &cfg.Logging.MaxFiles},
	}
	for _, env := range intVars {
		value, ok := lookupEnv(opts, env.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, env.key, err)
		}
		*env.target = parsed
	}

	if value, ok := lookupEnv(opts, "CLASSROLL_BACKUP_ENCRYPT"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: parse CLASSROLL_BACKUP_ENCRYPT: %v", ErrInvalidConfig, err)
		}
		cfg.Backup.Encrypt = parsed
	}
	if value, ok := lookupEnv(opts, "CLASSROLL_QUEUE_SYNC_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse CLASSROLL_QUEUE_SYNC_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Queue.SyncTimeout = d
	}
	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.DataDir != nil {
		cfg.Storage.DataDir = *flags.DataDir
	}
	if flags.Mode != nil {
		cfg.Storage.Mode = *flags.Mode
	}
}

// fillDerivedPaths defaults the data directory to the per-user data home and
// places the key file and backups inside it unless set explicitly.
func fillDerivedPaths(cfg *Config, opts LoadOptions) error {
	if cfg.Storage.DataDir == "" {
		home, err := DataHome(opts)
		if err != nil {
			return err
		}
		cfg.Storage.DataDir = home
	}
	if cfg.Crypto.KeyFile == "" {
		cfg.Crypto.KeyFile = filepath.Join(cfg.Storage.DataDir, keyFileName)
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.Storage.DataDir, backupDirName)
	}
	return nil
}

func validate(cfg Config) error {
	switch {
	case strings.TrimSpace(cfg.Storage.Name) == "":
		return fmt.Errorf("%w: storage.name is required", ErrInvalidConfig)
	case cfg.Storage.Version < 1:
		return fmt.Errorf("%w: storage.version must be >= 1", ErrInvalidConfig)
	case cfg.Storage.Mode != "keyvalue" && cfg.Storage.Mode != "relational":
		return fmt.Errorf("%w: storage.mode must be keyvalue or relational", ErrInvalidConfig)
	case cfg.Crypto.Salt == "":
		return fmt.Errorf("%w: crypto.salt is required (or set CLASSROLL_CRYPTO_SALT)", ErrInvalidConfig)
	case cfg.Crypto.Iterations < minPBKDF2Iterations:
		return fmt.Errorf("%w: crypto.iterations must be >= %d", ErrInvalidConfig, minPBKDF2Iterations)
	case cfg.Secure.Backing != "native" && cfg.Secure.Backing != "prefixed":
		return fmt.Errorf("%w: secure.backing must be native or prefixed", ErrInvalidConfig)
	case cfg.Queue.MaxRetries < 1:
		return fmt.Errorf("%w: queue.max_retries must be >= 1", ErrInvalidConfig)
	case cfg.Queue.SyncTimeout <= 0:
		return fmt.Errorf("%w: queue.sync_timeout must be > 0", ErrInvalidConfig)
	case cfg.Logging.Format != "text" && cfg.Logging.Format != "json":
		return fmt.Errorf("%w: logging.format must be text or json", ErrInvalidConfig)
	case cfg.Logging.MaxSizeMB < 1 || cfg.Logging.MaxFiles < 0:
		return fmt.Errorf("%w: logging.max_size_mb must be >= 1 and logging.max_files >= 0", ErrInvalidConfig)
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel accepts debug, info, warn or error.
func ParseLevel(level string) (string, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "debug", "info", "warn", "error":
		return l, nil
	default:
		return "", fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, level)
	}
}

func setDuration(field string, raw *string, target *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	*target = d
	return nil
}

func setString(raw *string, target *string) {
	if raw != nil {
		*target = *raw
	}
}

func setBool(raw *bool, target *bool) {
	if raw != nil {
		*target = *raw
	}
}

func setInt(raw *int, target *int) {
	if raw != nil {
		*target = *raw
	}
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, "CLASSROLL_CONFIG_PATH"); ok {
		return value, nil
	}
	return defaultConfigPath(opts)
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

// DataHome is CLASSROLL_HOME, or the platform's per-user data directory.
func DataHome(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "CLASSROLL_HOME"); ok && value != "" {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Classroll"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := lookupEnv(opts, "XDG_DATA_HOME"); ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "classroll"), nil
}

func defaultConfigPath(opts LoadOptions) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Classroll", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "classroll", "config.toml"), nil
}
