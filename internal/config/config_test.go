package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"NPCSIM_CONFIG_FILE", "NPCSIM_HTTP_ADDR", "NPCSIM_DATA_DIR", "NPCSIM_DB_PATH",
	"NPCSIM_AUDIT_ARCHIVE_DIR", "NPCSIM_WEB_DIR", "NPCSIM_PROMPT_TEMPLATES", "NPCSIM_DECIDER", "NPCSIM_DECIDER_URL", "NPCSIM_DECIDER_API_KEY",
	"PROMPT_MAX_LENGTH", "SIM_DAY_DURATION_MS", "SIM_DAY_ROLLOVER_TOLERANCE_MS",
	"SIM_DAY_END_HANDLER_TIMEOUT_MS", "SIM_ENABLE_GUARANTEE_CREDIT", "SIM_DECISION_INTERVAL_MS",
	"LLM_TIMEOUT_MS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestResolveDefaults(t *testing.T) {
	clearEnv(t)
	cfg := resolve(File{})
	if cfg.HTTPAddr != ":8080" || cfg.DataDir != "data" {
		t.Fatalf("unexpected paths %+v", cfg)
	}
	if cfg.DBPath != filepath.Join("data", "npcsim.db") || cfg.AuditArchiveDir != filepath.Join("data", "audit") {
		t.Fatalf("unexpected derived paths %+v", cfg)
	}
	if cfg.PromptMaxLength != 5000 || cfg.DayDuration != 36*time.Minute || cfg.RolloverTolerance != time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DayEndHandlerTimeout != time.Second || cfg.DecisionInterval != 90*time.Second || cfg.DecisionTimeout != 5*time.Second {
		t.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if cfg.GuaranteeCredit {
		t.Fatalf("guarantee credit must default off")
	}
}

func TestResolveEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("NPCSIM_DATA_DIR", "/var/npcsim")
	t.Setenv("SIM_DAY_DURATION_MS", "100")
	t.Setenv("SIM_DAY_END_HANDLER_TIMEOUT_MS", "250")
	t.Setenv("SIM_ENABLE_GUARANTEE_CREDIT", "1")
	t.Setenv("LLM_TIMEOUT_MS", "750")
	t.Setenv("PROMPT_MAX_LENGTH", "12")

	cfg := resolve(File{})
	if cfg.DBPath != filepath.Join("/var/npcsim", "npcsim.db") {
		t.Fatalf("db path should follow data dir, got %q", cfg.DBPath)
	}
	if cfg.DayDuration != 100*time.Millisecond || cfg.DayEndHandlerTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected clock config %+v", cfg)
	}
	if !cfg.GuaranteeCredit || cfg.DecisionTimeout != 750*time.Millisecond || cfg.PromptMaxLength != 12 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestResolveInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIM_DAY_DURATION_MS", "-5")
	t.Setenv("SIM_DECISION_INTERVAL_MS", "soon")
	t.Setenv("PROMPT_MAX_LENGTH", "0")
	t.Setenv("SIM_ENABLE_GUARANTEE_CREDIT", "yes")

	cfg := resolve(File{})
	if cfg.DayDuration != DefaultDayDuration || cfg.DecisionInterval != DefaultDecisionInterval {
		t.Fatalf("expected defaults for invalid durations, got %+v", cfg)
	}
	if cfg.PromptMaxLength != DefaultPromptMaxLength {
		t.Fatalf("expected default prompt length, got %d", cfg.PromptMaxLength)
	}
	if cfg.GuaranteeCredit {
		t.Fatalf("only 1 or true enable the guarantee credit")
	}
}

func TestLoadAppliesFileBeforeEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "npcsim.yaml")
	body := `
data_dir: /srv/town
web_dir: /srv/town/web
prompt_max_length: 200
sim:
  day_duration_ms: 60000
  enable_guarantee_credit: true
  decision_interval_ms: 1000
decider:
  url: http://decider.local/decide
  timeout_ms: 300
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NPCSIM_CONFIG_FILE", path)
	t.Setenv("SIM_DECISION_INTERVAL_MS", "2000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/srv/town" || cfg.PromptMaxLength != 200 || cfg.DayDuration != time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.GuaranteeCredit || cfg.DeciderURL != "http://decider.local/decide" || cfg.DecisionTimeout != 300*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DecisionInterval != 2*time.Second {
		t.Fatalf("env should override file, got %v", cfg.DecisionInterval)
	}
	if cfg.WebDir != "/srv/town/web" {
		t.Fatalf("expected web dir from file, got %q", cfg.WebDir)
	}
	if cfg.PromptTemplatesPath != "/srv/town/prompt-templates.json" {
		t.Fatalf("expected templates under the data dir, got %q", cfg.PromptTemplatesPath)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("sim: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NPCSIM_CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for malformed config file")
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("NPCSIM_HTTP_ADDR", ":9999")
	os.Unsetenv("PROMPT_MAX_LENGTH")

	path := filepath.Join(t.TempDir(), ".env")
	body := "# local\nexport PROMPT_MAX_LENGTH=\"42\"\nNPCSIM_HTTP_ADDR=:1234\nnot a pair\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	loadDotEnv(path)

	if got := os.Getenv("PROMPT_MAX_LENGTH"); got != "42" {
		t.Fatalf("expected .env value, got %q", got)
	}
	if got := os.Getenv("NPCSIM_HTTP_ADDR"); got != ":9999" {
		t.Fatalf("existing env must win, got %q", got)
	}
}
