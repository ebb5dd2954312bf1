package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// LLM PROVIDER CONFIGURATION
// ============================================================================

// LLMProviderConfig configures one LLM provider instance.
type LLMProviderConfig struct {
	Type        string  `yaml:"type"` // anthropic, gemini, ollama
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Timeouts in seconds. ReadTimeout 0 means unbounded, which is
	// intentional for local CPU inference where a single generation can
	// take arbitrarily long.
	ConnectTimeout int `yaml:"connect_timeout"`
	ReadTimeout    int `yaml:"read_timeout"`
	PoolTimeout    int `yaml:"pool_timeout"`

	// StructuredTools enables grammar-based tool calling for providers
	// that support it (ollama). When disabled, tool calling is
	// prompt-based.
	StructuredTools bool `yaml:"structured_tools"`
}

// SetDefaults fills in zero-valued fields.
func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "anthropic"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 1800
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = 10
	}
	if c.Host == "" {
		switch c.Type {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		case "gemini":
			c.Host = "https://generativelanguage.googleapis.com"
		case "ollama":
			c.Host = "http://localhost:11434"
		}
	}
}

// Validate checks required fields.
func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "anthropic", "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("API key is required for %s", c.Type)
		}
	case "ollama":
		// Local server, no key required.
	default:
		return fmt.Errorf("unsupported LLM type: %s (supported: anthropic, gemini, ollama)", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// LLMFromEnv builds an LLM provider config from environment variables.
func LLMFromEnv() *LLMProviderConfig {
	cfg := &LLMProviderConfig{
		Type:            envString("LLM_PROVIDER", "anthropic"),
		Model:           os.Getenv("LLM_MODEL_ID"),
		APIKey:          os.Getenv("LLM_API_KEY"),
		Host:            os.Getenv("LLM_HOST"),
		Temperature:     envFloat("LLM_TEMPERATURE", 0),
		MaxTokens:       envInt("LLM_MAX_TOKENS", 0),
		ReadTimeout:     envInt("LLM_READ_TIMEOUT", 0),
		StructuredTools: envBool("OLLAMA_STRUCTURED_TOOLS", false),
	}
	// Provider-specific keys take precedence when set.
	switch cfg.Type {
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.APIKey = key
		}
	case "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.APIKey = key
		}
	}
	cfg.SetDefaults()
	return cfg
}

// ============================================================================
// REFLEXION CONFIGURATION
// ============================================================================

// ReflexionMode selects how reflection interacts with task execution.
type ReflexionMode string

const (
	ReflexionDisabled   ReflexionMode = "disabled"
	ReflexionWithinTask ReflexionMode = "within_task"
	ReflexionMultiTrial ReflexionMode = "multi_trial"
	ReflexionHybrid     ReflexionMode = "hybrid"
)

// ReflexionTriggers holds the per-trigger toggles.
type ReflexionTriggers struct {
	ValidationFailure   bool `yaml:"validation_failure"`
	ToolError           bool `yaml:"tool_error"`
	ConsecutiveMistakes bool `yaml:"consecutive_mistakes"`
	Periodic            bool `yaml:"periodic"`
	TrialFailure        bool `yaml:"trial_failure"`
	PreCompletion       bool `yaml:"pre_completion"`

	// PeriodicInterval is the iteration stride for periodic reflections.
	PeriodicInterval int `yaml:"periodic_interval"`
}

// ReflexionConfig configures the self-improvement layer.
type ReflexionConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Mode        ReflexionMode     `yaml:"mode"`
	MemorySize  int               `yaml:"memory_size"`
	Temperature float64           `yaml:"temperature"`
	MaxTokens   int               `yaml:"max_tokens"`
	Triggers    ReflexionTriggers `yaml:"triggers"`
	MaxTrials   int               `yaml:"max_trials"`

	// PersistAcrossIssues enables the on-disk reflection cache.
	PersistAcrossIssues bool   `yaml:"persist_across_issues"`
	CacheDir            string `yaml:"cache_dir"`

	// IncompletenessMarkers is the phrase list the pre-completion gate
	// searches for in a reflection insight. Substring matching against
	// free-form LLM text is inherently fuzzy; false positives are
	// expected and the list is tunable for that reason.
	IncompletenessMarkers []string `yaml:"incompleteness_markers"`
}

// DefaultIncompletenessMarkers is the built-in phrase list for the
// pre-completion gate.
var DefaultIncompletenessMarkers = []string{
	"incomplete",
	"missing",
	"not created",
	"haven't",
	"did not",
	"didn't",
	"should have",
	"need to",
	"required but",
	"not all",
	"partially",
}

// SetDefaults fills in zero-valued fields.
func (c *ReflexionConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ReflexionWithinTask
	}
	if c.MemorySize == 0 {
		c.MemorySize = 10
	}
	if c.Temperature == 0 {
		c.Temperature = 0.5
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.MaxTrials == 0 {
		c.MaxTrials = 5
	}
	if c.Triggers.PeriodicInterval == 0 {
		c.Triggers.PeriodicInterval = 5
	}
	if c.CacheDir == "" {
		c.CacheDir = ".patchsmith/reflections"
	}
	if len(c.IncompletenessMarkers) == 0 {
		c.IncompletenessMarkers = DefaultIncompletenessMarkers
	}
}

// Validate checks mode values.
func (c *ReflexionConfig) Validate() error {
	switch c.Mode {
	case ReflexionDisabled, ReflexionWithinTask, ReflexionMultiTrial, ReflexionHybrid:
		return nil
	default:
		return fmt.Errorf("unsupported reflexion mode: %s", c.Mode)
	}
}

// ReflexionFromEnv builds a reflexion config from environment variables.
func ReflexionFromEnv() *ReflexionConfig {
	cfg := &ReflexionConfig{
		Enabled:     envBool("REFLEXION_ENABLED", true),
		Mode:        ReflexionMode(envString("REFLEXION_MODE", string(ReflexionWithinTask))),
		MemorySize:  envInt("REFLEXION_MEMORY_SIZE", 0),
		Temperature: envFloat("REFLEXION_TEMPERATURE", 0),
		MaxTrials:   envInt("REFLEXION_MAX_TRIALS", 0),
		Triggers: ReflexionTriggers{
			ValidationFailure:   envBool("REFLEXION_TRIGGER_VALIDATION_FAILURE", true),
			ToolError:           envBool("REFLEXION_TRIGGER_TOOL_ERROR", true),
			ConsecutiveMistakes: envBool("REFLEXION_TRIGGER_CONSECUTIVE_MISTAKES", true),
			Periodic:            envBool("REFLEXION_TRIGGER_PERIODIC", true),
			TrialFailure:        envBool("REFLEXION_TRIGGER_TRIAL_FAILURE", true),
			PreCompletion:       envBool("REFLEXION_TRIGGER_PRE_COMPLETION", true),
			PeriodicInterval:    envInt("REFLEXION_TRIGGER_PERIODIC_INTERVAL", 0),
		},
		PersistAcrossIssues: envBool("REFLEXION_PERSIST_ACROSS_ISSUES", false),
		CacheDir:            os.Getenv("REFLEXION_REPO_CACHE_DIR"),
	}
	if markers := envList("REFLEXION_INCOMPLETENESS_MARKERS"); len(markers) > 0 {
		cfg.IncompletenessMarkers = markers
	}
	cfg.SetDefaults()
	return cfg
}

// ============================================================================
// RETRY CONFIGURATION
// ============================================================================

// RetryConfig configures the exponential backoff wrapper.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
	Jitter          bool          `yaml:"jitter"`
}

// SetDefaults fills in zero-valued fields.
func (c *RetryConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.ExponentialBase == 0 {
		c.ExponentialBase = 2.0
	}
}

// RetryFromEnv builds a retry config from environment variables.
func RetryFromEnv() *RetryConfig {
	cfg := &RetryConfig{
		MaxRetries:      envInt("MAX_RETRIES", 0),
		BaseDelay:       envSeconds("RETRY_BASE_DELAY", 0),
		MaxDelay:        envSeconds("RETRY_MAX_DELAY", 0),
		ExponentialBase: envFloat("RETRY_BACKOFF_BASE", 0),
		Jitter:          envBool("RETRY_JITTER", true),
	}
	cfg.SetDefaults()
	return cfg
}

// ============================================================================
// TRACKER / SERVER CONFIGURATION
// ============================================================================

// TrackerConfig configures the work-tracker client.
type TrackerConfig struct {
	Token   string `yaml:"token"`
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	BaseURL string `yaml:"base_url"`
}

// SetDefaults fills in zero-valued fields.
func (c *TrackerConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.github.com"
	}
}

// Validate checks required fields.
func (c *TrackerConfig) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("tracker token is required (set GITHUB_TOKEN)")
	}
	if c.Owner == "" || c.Repo == "" {
		return fmt.Errorf("tracker owner/repo are required (set GITHUB_OWNER, GITHUB_REPO)")
	}
	return nil
}

// TrackerFromEnv builds a tracker config from environment variables.
func TrackerFromEnv() *TrackerConfig {
	cfg := &TrackerConfig{
		Token:   os.Getenv("GITHUB_TOKEN"),
		Owner:   os.Getenv("GITHUB_OWNER"),
		Repo:    os.Getenv("GITHUB_REPO"),
		BaseURL: os.Getenv("GITHUB_API_URL"),
	}
	cfg.SetDefaults()
	return cfg
}

// ServerConfig configures the webhook front door.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	TriggerComment string `yaml:"trigger_comment"`
}

// SetDefaults fills in zero-valued fields.
func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.TriggerComment == "" {
		c.TriggerComment = "/implement"
	}
}

// ServerFromEnv builds a server config from environment variables.
func ServerFromEnv() *ServerConfig {
	cfg := &ServerConfig{
		Addr:           os.Getenv("WEBHOOK_ADDR"),
		TriggerComment: os.Getenv("TRIGGER_COMMENT"),
	}
	cfg.SetDefaults()
	return cfg
}

// ============================================================================
// TASK DEFAULTS
// ============================================================================

// TaskDefaults are the per-task budget defaults applied when a task
// descriptor does not override them.
type TaskDefaults struct {
	MaxIterations          int `yaml:"max_iterations"`
	MaxConsecutiveMistakes int `yaml:"max_consecutive_mistakes"`
}

// SetDefaults fills in zero-valued fields.
func (c *TaskDefaults) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 25
	}
	if c.MaxConsecutiveMistakes == 0 {
		c.MaxConsecutiveMistakes = 3
	}
}

// TaskDefaultsFromEnv builds task defaults from environment variables.
func TaskDefaultsFromEnv() *TaskDefaults {
	cfg := &TaskDefaults{
		MaxIterations:          envInt("MAX_ITERATIONS", 0),
		MaxConsecutiveMistakes: envInt("MAX_CONSECUTIVE_MISTAKES", 0),
	}
	cfg.SetDefaults()
	return cfg
}

// ============================================================================
// TOP-LEVEL CONFIGURATION
// ============================================================================

// Config aggregates all configuration sections.
type Config struct {
	LLM       *LLMProviderConfig `yaml:"llm"`
	Reflexion *ReflexionConfig   `yaml:"reflexion"`
	Retry     *RetryConfig       `yaml:"retry"`
	Tracker   *TrackerConfig     `yaml:"tracker"`
	Server    *ServerConfig      `yaml:"server"`
	Task      *TaskDefaults      `yaml:"task"`
}

// FromEnv builds the full configuration from the environment.
func FromEnv() *Config {
	return &Config{
		LLM:       LLMFromEnv(),
		Reflexion: ReflexionFromEnv(),
		Retry:     RetryFromEnv(),
		Tracker:   TrackerFromEnv(),
		Server:    ServerFromEnv(),
		Task:      TaskDefaultsFromEnv(),
	}
}

// LoadFile reads a YAML config file, expands ${VAR} references, and
// overlays it on top of the environment-derived configuration.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := ExpandEnvVars(string(data))

	cfg := FromEnv()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.LLM.SetDefaults()
	cfg.Reflexion.SetDefaults()
	cfg.Retry.SetDefaults()
	cfg.Tracker.SetDefaults()
	cfg.Server.SetDefaults()
	cfg.Task.SetDefaults()

	return cfg, nil
}

// Validate checks the aggregate configuration.
func (c *Config) Validate() error {
	var errs []string
	if err := c.LLM.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Reflexion.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
