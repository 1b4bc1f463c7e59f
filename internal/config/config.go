package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "sprintline.yml"

// Anti-pattern policies.
const (
	AntiPatternEscalate   = "escalate"
	AntiPatternCountCycle = "count_cycle"
)

// Config models sprintline.yml.
type Config struct {
	Orchestration Orchestration             `yaml:"orchestration"`
	Retry         Retry                     `yaml:"retry"`
	Timeouts      Timeouts                  `yaml:"timeouts"`
	Scoring       Scoring                   `yaml:"scoring"`
	Agents        map[string]AgentConfig    `yaml:"agents"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Personas      struct {
		Dir string `yaml:"dir"`
	} `yaml:"personas"`
	Notifications Notifications `yaml:"notifications"`
	Logging       Logging       `yaml:"logging"`
	Server        Server        `yaml:"server"`
}

type Orchestration struct {
	MaxReviewCycles   int    `yaml:"max_review_cycles"`
	MaxQACycles       int    `yaml:"max_qa_cycles"`
	ParallelIssues    int    `yaml:"parallel_issues"`
	ParallelEpics     int    `yaml:"parallel_epics"`
	AntiPatternPolicy string `yaml:"anti_pattern_policy"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

type Timeouts struct {
	Call  time.Duration `yaml:"call"`
	Store time.Duration `yaml:"store"`
}

type Scoring struct {
	MaxChangesPerIssue int `yaml:"max_changes_per_issue"`
}

type AgentConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Stream      bool    `yaml:"stream"`
}

type ProviderConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type Notifications struct {
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

var knownRoles = map[string]bool{"planner": true, "architect": true, "engineer": true, "reviewer": true, "qa": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	o := c.Orchestration
	if o.MaxReviewCycles < 1 {
		return fmt.Errorf("orchestration.max_review_cycles must be >= 1")
	}
	if o.MaxQACycles < 1 {
		return fmt.Errorf("orchestration.max_qa_cycles must be >= 1")
	}
	if o.ParallelIssues < 1 {
		return fmt.Errorf("orchestration.parallel_issues must be >= 1")
	}
	if o.ParallelEpics < 1 {
		return fmt.Errorf("orchestration.parallel_epics must be >= 1")
	}
	switch o.AntiPatternPolicy {
	case AntiPatternEscalate, AntiPatternCountCycle:
	default:
		return fmt.Errorf("orchestration.anti_pattern_policy must be %q or %q", AntiPatternEscalate, AntiPatternCountCycle)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.Retry.InitialWait <= 0 || c.Retry.MaxWait <= 0 {
		return fmt.Errorf("retry.initial_wait and retry.max_wait must be positive")
	}
	if c.Retry.MaxWait < c.Retry.InitialWait {
		return fmt.Errorf("retry.max_wait must be >= retry.initial_wait")
	}
	if c.Timeouts.Call < 0 || c.Timeouts.Store < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Scoring.MaxChangesPerIssue < 1 {
		return fmt.Errorf("scoring.max_changes_per_issue must be >= 1")
	}
	for role, a := range c.Agents {
		if !knownRoles[role] {
			return fmt.Errorf("agents.%s: unknown role", role)
		}
		if a.Provider == "" {
			return fmt.Errorf("agents.%s.provider is required", role)
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			return fmt.Errorf("agents.%s references unknown provider %s", role, a.Provider)
		}
		if a.Temperature < 0 || a.Temperature > 2 {
			return fmt.Errorf("agents.%s.temperature must be within [0,2]", role)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notifications.webhooks[%d].url is required", i)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	for roleID, role := range c.Server.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("server.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := parse([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML expands ${VAR} references, overlays the document on the
// defaults, and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(defaultTemplate)), &cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default}. Bare $VAR is left alone.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		parts := envRef.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
}

const defaultTemplate = `orchestration:
  max_review_cycles: 3
  max_qa_cycles: 3
  parallel_issues: 1
  parallel_epics: 4
  anti_pattern_policy: escalate

retry:
  max_attempts: 3
  initial_wait: 1s
  max_wait: 32s

timeouts:
  call: 10m
  store: 30s

scoring:
  max_changes_per_issue: 20

agents:
  planner:   {provider: openai, model: gpt-4o-mini, temperature: 0.3, max_tokens: 4096}
  architect: {provider: openai, model: gpt-4o-mini, temperature: 0.3, max_tokens: 4096}
  engineer:  {provider: openai, model: gpt-4o-mini, temperature: 0.7, max_tokens: 8192}
  reviewer:  {provider: openai, model: gpt-4o-mini, temperature: 0.2, max_tokens: 4096}
  qa:        {provider: openai, model: gpt-4o-mini, temperature: 0.2, max_tokens: 4096}

providers:
  openai:
    api_key: ${OPENAI_API_KEY}
    base_url: ""
    requests_per_minute: 60
  anthropic:
    api_key: ${ANTHROPIC_API_KEY}
    base_url: ""
    requests_per_minute: 50

personas:
  dir: .sprintline/personas

notifications:
  nats:
    url: ${SPRINTLINE_NATS_URL}
    subject_prefix: sprintline
  webhooks: []

logging:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  jwt_secret: ${SPRINTLINE_JWT_SECRET}
  rbac:
    roles:
      operator:
        description: "Resolves escalations and stops epics"
        permissions: [epic.read, epic.stop, escalation.resolve]
      viewer:
        description: "Read-only access"
        permissions: [epic.read]
`
