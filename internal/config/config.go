package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wasender.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Browser     BrowserConfig     `json:"browser" yaml:"browser"`
	Dispatch    DispatchConfig    `json:"dispatch" yaml:"dispatch"`
	Recipients  RecipientsConfig  `json:"recipients" yaml:"recipients"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Monitor     MonitorConfig     `json:"monitor" yaml:"monitor"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir" yaml:"dataDir"`
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile" yaml:"logFile"` // append-only run log
}

// BrowserConfig drives the chromedp surface.
type BrowserConfig struct {
	BaseURL       string            `json:"baseUrl" yaml:"baseUrl"`
	ProfileDir    string            `json:"profileDir" yaml:"profileDir"`
	Headless      bool              `json:"headless" yaml:"headless"`
	PasteModifier string            `json:"pasteModifier,omitempty" yaml:"pasteModifier,omitempty"` // "ctrl" | "meta"; empty = by OS
	Selectors     map[string]string `json:"selectors,omitempty" yaml:"selectors,omitempty"`
}

// DispatchConfig holds the empirical timing constants of the delivery pipeline.
type DispatchConfig struct {
	DefaultCountryCode   string `json:"defaultCountryCode" yaml:"defaultCountryCode"`
	ConfirmAttempts      int    `json:"confirmAttempts" yaml:"confirmAttempts"`
	PollIntervalMs       int    `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	SettleDelayMs        int    `json:"settleDelayMs" yaml:"settleDelayMs"`
	PasteDelayMs         int    `json:"pasteDelayMs" yaml:"pasteDelayMs"`
	DocumentStageDelayMs int    `json:"documentStageDelayMs" yaml:"documentStageDelayMs"`
	SignOutDelayMs       int    `json:"signOutDelayMs" yaml:"signOutDelayMs"`     // pause before the sign-out sequence
	HumanWaitSeconds     int    `json:"humanWaitSeconds" yaml:"humanWaitSeconds"` // 0 = wait forever
	MinIntervalMs        int    `json:"minIntervalMs" yaml:"minIntervalMs"`       // pacing between recipients, 0 = off
	IncludeUnconfirmed   bool   `json:"includeUnconfirmed" yaml:"includeUnconfirmed"`
}

type RecipientsConfig struct {
	Sheet string `json:"sheet,omitempty" yaml:"sheet,omitempty"` // xlsx sheet; empty = first
}

type AttachmentsConfig struct {
	TempDir             string `json:"tempDir,omitempty" yaml:"tempDir,omitempty"`
	FetchTimeoutSeconds int    `json:"fetchTimeoutSeconds" yaml:"fetchTimeoutSeconds"`
	FetchRetries        int    `json:"fetchRetries" yaml:"fetchRetries"`
	MaxImageBytes       int64  `json:"maxImageBytes" yaml:"maxImageBytes"`
}

type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Slack    SlackConfig    `json:"slack" yaml:"slack"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
}

type TelegramConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Token   string         `json:"token" yaml:"token"`
	ChatIDs FlexStringList `json:"chatIds" yaml:"chatIds"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken"`
	Channel  string `json:"channel" yaml:"channel"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Token     string `json:"token" yaml:"token"`
	ChannelID string `json:"channelId" yaml:"channelId"`
}

// MonitorConfig serves /metrics and the /ws progress feed during a run.
type MonitorConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.wasender).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wasender"
	}
	return filepath.Join(home, ".wasender")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config (chosen by extension) on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) expandPaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Browser.ProfileDir = ExpandPath(c.Browser.ProfileDir)
	c.Store.DBPath = ExpandPath(c.Store.DBPath)
	c.Attachments.TempDir = ExpandPath(c.Attachments.TempDir)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset ${VAR}
// without default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Browser.BaseURL == "" {
		errs = append(errs, "browser.baseUrl is required")
	}
	switch cfg.Browser.PasteModifier {
	case "", "ctrl", "meta":
	default:
		errs = append(errs, "browser.pasteModifier must be one of: ctrl, meta")
	}

	d := cfg.Dispatch
	code := strings.TrimPrefix(d.DefaultCountryCode, "+")
	if code == "" {
		errs = append(errs, "dispatch.defaultCountryCode is required")
	} else if _, err := strconv.ParseUint(code, 10, 16); err != nil {
		errs = append(errs, "dispatch.defaultCountryCode must be digits")
	}
	if d.ConfirmAttempts < 1 || d.ConfirmAttempts > 600 {
		errs = append(errs, "dispatch.confirmAttempts must be between 1 and 600")
	}
	if d.PollIntervalMs < 1 {
		errs = append(errs, "dispatch.pollIntervalMs must be >= 1")
	}
	for name, v := range map[string]int{
		"settleDelayMs":        d.SettleDelayMs,
		"pasteDelayMs":         d.PasteDelayMs,
		"documentStageDelayMs": d.DocumentStageDelayMs,
		"signOutDelayMs":       d.SignOutDelayMs,
		"humanWaitSeconds":     d.HumanWaitSeconds,
		"minIntervalMs":        d.MinIntervalMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("dispatch.%s must be >= 0", name))
		}
	}

	if cfg.Attachments.FetchTimeoutSeconds < 1 {
		errs = append(errs, "attachments.fetchTimeoutSeconds must be >= 1")
	}
	if cfg.Attachments.FetchRetries < 0 || cfg.Attachments.FetchRetries > 10 {
		errs = append(errs, "attachments.fetchRetries must be between 0 and 10")
	}
	if cfg.Attachments.MaxImageBytes < 1 {
		errs = append(errs, "attachments.maxImageBytes must be >= 1")
	}

	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required when store is enabled")
	}
	if cfg.Monitor.Port < 0 || cfg.Monitor.Port > 65535 {
		errs = append(errs, "monitor.port must be between 0 and 65535")
	}

	n := cfg.Notify
	if n.Telegram.Enabled && (n.Telegram.Token == "" || len(n.Telegram.ChatIDs) == 0) {
		errs = append(errs, "notify.telegram: token and chatIds are required when enabled")
	}
	if n.Slack.Enabled && (n.Slack.BotToken == "" || n.Slack.Channel == "") {
		errs = append(errs, "notify.slack: botToken and channel are required when enabled")
	}
	if n.Discord.Enabled && (n.Discord.Token == "" || n.Discord.ChannelID == "") {
		errs = append(errs, "notify.discord: token and channelId are required when enabled")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// CountryCode returns the configured calling code without a leading "+".
func (d DispatchConfig) CountryCode() string {
	return strings.TrimPrefix(strings.TrimSpace(d.DefaultCountryCode), "+")
}
