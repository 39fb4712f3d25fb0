package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPromptMaxLength      = 5000
	DefaultDayDuration          = 2160000 * time.Millisecond
	DefaultRolloverTolerance    = time.Second
	DefaultDayEndHandlerTimeout = time.Second
	DefaultDecisionInterval     = 90 * time.Second
	DefaultDecisionTimeout      = 5 * time.Second
)

type Config struct {
	HTTPAddr        string
	DataDir         string
	DBPath          string
	AuditArchiveDir string
	WebDir          string

	PromptMaxLength     int
	PromptTemplatesPath string

	DayDuration          time.Duration
	RolloverTolerance    time.Duration
	DayEndHandlerTimeout time.Duration
	GuaranteeCredit      bool
	DecisionInterval     time.Duration
	DecisionTimeout      time.Duration

	DeciderProvider string
	DeciderURL      string
	DeciderAPIKey   string
}

// File is the optional YAML overlay named by NPCSIM_CONFIG_FILE. Values set
// here replace the defaults; environment variables still win.
type File struct {
	HTTPAddr        string `yaml:"http_addr"`
	DataDir         string `yaml:"data_dir"`
	DBPath          string `yaml:"db_path"`
	AuditArchiveDir string `yaml:"audit_archive_dir"`
	WebDir          string `yaml:"web_dir"`
	PromptMaxLength int    `yaml:"prompt_max_length"`
	PromptTemplates string `yaml:"prompt_templates"`

	Sim     SimFile     `yaml:"sim"`
	Decider DeciderFile `yaml:"decider"`
}

type SimFile struct {
	DayDurationMS          int64 `yaml:"day_duration_ms"`
	RolloverToleranceMS    int64 `yaml:"rollover_tolerance_ms"`
	DayEndHandlerTimeoutMS int64 `yaml:"day_end_handler_timeout_ms"`
	EnableGuaranteeCredit  *bool `yaml:"enable_guarantee_credit"`
	DecisionIntervalMS     int64 `yaml:"decision_interval_ms"`
}

type DeciderFile struct {
	Provider  string `yaml:"provider"`
	URL       string `yaml:"url"`
	TimeoutMS int64  `yaml:"timeout_ms"`
}

func LoadFile(path string) (File, error) {
	var f File
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// Load reads .env, the optional overlay file and the environment. Malformed
// or non-positive numbers fall back to their defaults; only an unreadable
// overlay file is an error.
func Load() (Config, error) {
	loadDotEnv(".env")

	var file File
	if path := getEnv("NPCSIM_CONFIG_FILE", ""); path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
		file = f
	}
	return resolve(file), nil
}

func resolve(file File) Config {
	dataDir := getEnv("NPCSIM_DATA_DIR", orString(file.DataDir, "data"))
	credit := false
	if file.Sim.EnableGuaranteeCredit != nil {
		credit = *file.Sim.EnableGuaranteeCredit
	}
	return Config{
		HTTPAddr:        getEnv("NPCSIM_HTTP_ADDR", orString(file.HTTPAddr, ":8080")),
		DataDir:         dataDir,
		DBPath:          getEnv("NPCSIM_DB_PATH", orString(file.DBPath, filepath.Join(dataDir, "npcsim.db"))),
		AuditArchiveDir: getEnv("NPCSIM_AUDIT_ARCHIVE_DIR", orString(file.AuditArchiveDir, filepath.Join(dataDir, "audit"))),
		WebDir:          getEnv("NPCSIM_WEB_DIR", file.WebDir),

		PromptMaxLength:     getEnvInt("PROMPT_MAX_LENGTH", orInt(file.PromptMaxLength, DefaultPromptMaxLength)),
		PromptTemplatesPath: getEnv("NPCSIM_PROMPT_TEMPLATES", orString(file.PromptTemplates, filepath.Join(dataDir, "prompt-templates.json"))),

		DayDuration:          getEnvMillis("SIM_DAY_DURATION_MS", orMillis(file.Sim.DayDurationMS, DefaultDayDuration)),
		RolloverTolerance:    getEnvMillis("SIM_DAY_ROLLOVER_TOLERANCE_MS", orMillis(file.Sim.RolloverToleranceMS, DefaultRolloverTolerance)),
		DayEndHandlerTimeout: getEnvMillis("SIM_DAY_END_HANDLER_TIMEOUT_MS", orMillis(file.Sim.DayEndHandlerTimeoutMS, DefaultDayEndHandlerTimeout)),
		GuaranteeCredit:      getEnvBool("SIM_ENABLE_GUARANTEE_CREDIT", credit),
		DecisionInterval:     getEnvMillis("SIM_DECISION_INTERVAL_MS", orMillis(file.Sim.DecisionIntervalMS, DefaultDecisionInterval)),
		DecisionTimeout:      getEnvMillis("LLM_TIMEOUT_MS", orMillis(file.Decider.TimeoutMS, DefaultDecisionTimeout)),

		DeciderProvider: getEnv("NPCSIM_DECIDER", file.Decider.Provider),
		DeciderURL:      getEnv("NPCSIM_DECIDER_URL", file.Decider.URL),
		DeciderAPIKey:   getEnv("NPCSIM_DECIDER_API_KEY", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

// getEnvBool treats "1" and "true" as on and any other non-empty value as off.
func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func orString(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orMillis(ms int64, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
