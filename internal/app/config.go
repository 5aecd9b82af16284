package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是环境变量前缀，例如 SENTINEL_DB_PATH。
const EnvPrefix = "SENTINEL_"

// Device 取值。
const (
	DeviceAuto = "auto"
	DeviceADB  = "adb"
	DeviceOff  = "off"
)

// Config 存放应用级配置。
//
// 优先级：默认值 < YAML 配置文件 < .env / 环境变量 < 命令行参数。
type Config struct {
	DBPath       string `yaml:"db_path"`
	EvidenceRoot string `yaml:"evidence_root"`
	// CorpusPath 为空时使用内置词库。
	CorpusPath string `yaml:"corpus_path"`
	ExportDir  string `yaml:"export_dir"`

	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	ListenAddr string `yaml:"listen_addr"`

	CollectionWindow time.Duration `yaml:"collection_window"`
	CollectionTick   time.Duration `yaml:"collection_tick"`
	MessagePullLimit int           `yaml:"message_pull_limit"`
	DedupeWindow     time.Duration `yaml:"dedupe_window"`

	RetentionDays        int `yaml:"retention_days"`
	RetentionWarningDays int `yaml:"retention_warning_days"`

	// EncryptionPassphrase 为空时证据包以明文 .json 落盘。
	EncryptionPassphrase string `yaml:"encryption_passphrase"`

	// Device: auto|adb|off。auto 时 PATH 中有 adb 才启用截图与短信采集。
	Device            string `yaml:"device"`
	ADBSerial         string `yaml:"adb_serial"`
	DeviceProfilePath string `yaml:"device_profile_path"`
	// ScreenRecord 控制设备可用时是否在采集窗口内同步录屏。
	ScreenRecord bool `yaml:"screen_record"`

	AppVersion    string   `yaml:"app_version"`
	SenderPhrases []string `yaml:"sender_phrases"`
	PrivacyMode   string   `yaml:"privacy_mode"`
}

// DefaultConfig 返回本地运行的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:               "data/sentinel.db",
		EvidenceRoot:         "data/evidence",
		ExportDir:            "data/exports",
		LogLevel:             "info",
		LogFormat:            "text",
		ListenAddr:           "127.0.0.1:8788",
		CollectionWindow:     30 * time.Second,
		CollectionTick:       5 * time.Second,
		MessagePullLimit:     100,
		DedupeWindow:         2 * time.Minute,
		RetentionDays:        180,
		RetentionWarningDays: 7,
		Device:               DeviceAuto,
		ScreenRecord:         true,
		AppVersion:           Version,
		PrivacyMode:          "off",
	}
}

// LoadConfig 依次叠加配置文件与环境变量。
// configPath / envFile 为空或文件不存在时跳过对应层。
func LoadConfig(configPath, envFile string) (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyFile(configPath); err != nil {
		return cfg, err
	}

	env, err := readEnv(envFile)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyFile 把 YAML 配置文件中出现的字段覆盖到 c。
func (c *Config) ApplyFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// readEnv 合并 .env 文件与进程环境；进程环境优先。
func readEnv(envFile string) (map[string]string, error) {
	out := map[string]string{}
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		vals, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		for k, v := range vals {
			out[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			out[k] = v
		}
	}
	return out, nil
}

// ApplyEnv 用 SENTINEL_* 变量覆盖配置，未出现的键保持原值。
func (c *Config) ApplyEnv(env map[string]string) error {
	str := func(key string, dst *string) {
		if v, ok := env[EnvPrefix+key]; ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := env[EnvPrefix+key]; ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := env[EnvPrefix+key]; ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("DB_PATH", &c.DBPath)
	str("EVIDENCE_ROOT", &c.EvidenceRoot)
	str("CORPUS_PATH", &c.CorpusPath)
	str("EXPORT_DIR", &c.ExportDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LISTEN_ADDR", &c.ListenAddr)
	dur("COLLECTION_WINDOW", &c.CollectionWindow)
	dur("COLLECTION_TICK", &c.CollectionTick)
	num("MESSAGE_PULL_LIMIT", &c.MessagePullLimit)
	dur("DEDUPE_WINDOW", &c.DedupeWindow)
	num("RETENTION_DAYS", &c.RetentionDays)
	num("RETENTION_WARNING_DAYS", &c.RetentionWarningDays)
	str("ENCRYPTION_PASSPHRASE", &c.EncryptionPassphrase)
	str("DEVICE", &c.Device)
	if v, ok := env[EnvPrefix+"SCREEN_RECORD"]; ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSCREEN_RECORD: %w", EnvPrefix, err))
		} else {
			c.ScreenRecord = b
		}
	}
	str("ADB_SERIAL", &c.ADBSerial)
	str("DEVICE_PROFILE", &c.DeviceProfilePath)
	str("APP_VERSION", &c.AppVersion)
	str("PRIVACY_MODE", &c.PrivacyMode)
	if v, ok := env[EnvPrefix+"SENDER_PHRASES"]; ok && strings.TrimSpace(v) != "" {
		c.SenderPhrases = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate 检查取值范围。
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if strings.TrimSpace(c.EvidenceRoot) == "" {
		errs = append(errs, errors.New("evidence_root is required"))
	}
	if c.CollectionWindow <= 0 {
		errs = append(errs, errors.New("collection_window must be > 0"))
	}
	if c.CollectionTick <= 0 || c.CollectionTick > c.CollectionWindow {
		errs = append(errs, errors.New("collection_tick must be > 0 and <= collection_window"))
	}
	if c.MessagePullLimit <= 0 {
		errs = append(errs, errors.New("message_pull_limit must be > 0"))
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, errors.New("retention_days must be > 0"))
	}
	if c.RetentionWarningDays < 0 || c.RetentionWarningDays >= c.RetentionDays {
		errs = append(errs, errors.New("retention_warning_days must be in [0, retention_days)"))
	}
	switch strings.ToLower(c.Device) {
	case DeviceAuto, DeviceADB, DeviceOff:
	default:
		errs = append(errs, fmt.Errorf("device must be auto|adb|off, got %q", c.Device))
	}
	switch strings.ToLower(c.PrivacyMode) {
	case "off", "masked":
	default:
		errs = append(errs, fmt.Errorf("privacy_mode must be off|masked, got %q", c.PrivacyMode))
	}
	return errors.Join(errs...)
}

// Retention 返回保留期。
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c Config) RetentionWarning() time.Duration {
	return time.Duration(c.RetentionWarningDays) * 24 * time.Hour
}
