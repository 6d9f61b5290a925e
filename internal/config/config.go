package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the core consumes. It is built once by the
// CLI and passed down; components never read files or environment
// variables themselves.
type Config struct {
	Workdir string `yaml:"workdir"`
	DBPath  string `yaml:"db_path"`

	// RepoNamespace partitions all persisted state per source repository.
	// It is derived from the repository, never read from the file.
	RepoNamespace string `yaml:"-"`

	TriggerLabel  string        `yaml:"trigger_label"`
	BaseBranch    string        `yaml:"base_branch"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	LeaseDuration time.Duration `yaml:"lease"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BranchPrefix  string        `yaml:"branch_prefix"`

	Codex CodexConfig `yaml:"codex"`

	MaxIssuesPerDay       int      `yaml:"max_issues_per_day"`
	SkipLabels            []string `yaml:"skip_labels"`
	ConventionsFiles      []string `yaml:"conventions_files"`
	KeepWorktreeOnFailure bool     `yaml:"keep_worktree_on_failure"`
	DraftPR               bool     `yaml:"draft_pr"`
	IssueCommentOnSuccess bool     `yaml:"issue_comment_on_success"`

	WorkerID string `yaml:"worker_id"`
}

// CodexConfig describes how to invoke the code-generation CLI.
type CodexConfig struct {
	Command      string        `yaml:"command"`
	Mode         string        `yaml:"mode"`
	Args         []string      `yaml:"args"`
	Model        string        `yaml:"model"`
	AllowedTools string        `yaml:"allowed_tools"`
	CostGuard    string        `yaml:"cost_guard"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Workdir:       ".scryer",
		TriggerLabel:  "enhancement",
		BaseBranch:    "main",
		PollInterval:  60 * time.Second,
		MaxConcurrent: 1,
		LeaseDuration: 40 * time.Minute,
		MaxAttempts:   2,
		BranchPrefix:  "codex",
		Codex: CodexConfig{
			Command: "codex",
			Mode:    "run",
			Timeout: 15 * time.Minute,
		},
		MaxIssuesPerDay:  10,
		SkipLabels:       []string{"wontfix", "blocked"},
		ConventionsFiles: []string{"AGENTS.md", "CONTRIBUTING.md", "README.md"},
		DraftPR:          true,
	}
}

// DefaultConfigPath returns ~/.config/scryer/config.yaml, honouring
// XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "scryer", "config.yaml")
}

// Load reads configuration from a YAML file, applies SCRYER_* environment
// overrides, and fills derived fields. A missing file at the default path
// is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != "" && path != DefaultConfigPath()
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = expandEnvVars(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.Workdir, "state.db")
	}
	if cfg.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "scryer"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} patterns with environment variable values.
func expandEnvVars(data []byte) []byte {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(re.FindSubmatch(match)[1])
		return []byte(os.Getenv(varName))
	})
}

// applyEnvOverrides lets SCRYER_* variables win over file values.
func (c *Config) applyEnvOverrides() {
	envStr("SCRYER_WORKDIR", &c.Workdir)
	envStr("SCRYER_DB_PATH", &c.DBPath)
	envStr("SCRYER_TRIGGER_LABEL", &c.TriggerLabel)
	envStr("SCRYER_BASE_BRANCH", &c.BaseBranch)
	envDuration("SCRYER_POLL_INTERVAL", &c.PollInterval)
	envInt("SCRYER_MAX_CONCURRENT", &c.MaxConcurrent)
	envDuration("SCRYER_LEASE", &c.LeaseDuration)
	envInt("SCRYER_MAX_ATTEMPTS", &c.MaxAttempts)
	envStr("SCRYER_BRANCH_PREFIX", &c.BranchPrefix)
	envStr("SCRYER_CODEX_COMMAND", &c.Codex.Command)
	envStr("SCRYER_CODEX_MODE", &c.Codex.Mode)
	envStr("SCRYER_CODEX_MODEL", &c.Codex.Model)
	envStr("SCRYER_CODEX_ALLOWED_TOOLS", &c.Codex.AllowedTools)
	envStr("SCRYER_CODEX_COST_GUARD", &c.Codex.CostGuard)
	envDuration("SCRYER_CODEX_TIMEOUT", &c.Codex.Timeout)
	envInt("SCRYER_MAX_ISSUES_PER_DAY", &c.MaxIssuesPerDay)
	envList("SCRYER_SKIP_LABELS", &c.SkipLabels)
	envList("SCRYER_CONVENTIONS_FILES", &c.ConventionsFiles)
	envBool("SCRYER_KEEP_WORKTREE_ON_FAILURE", &c.KeepWorktreeOnFailure)
	envBool("SCRYER_DRAFT_PR", &c.DraftPR)
	envBool("SCRYER_ISSUE_COMMENT_ON_SUCCESS", &c.IssueCommentOnSuccess)
	envStr("SCRYER_WORKER_ID", &c.WorkerID)
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		v = strings.TrimSpace(v)
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// Bare integers are seconds.
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envList(name string, dst *[]string) {
	if v, ok := os.LookupEnv(name); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

// RunsDir is the per-namespace root for run artifacts.
func (c *Config) RunsDir() string {
	return filepath.Join(c.Workdir, "runs", c.RepoNamespace)
}

// WorktreesDir is the per-namespace root for isolated checkouts.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.Workdir, "worktrees", c.RepoNamespace)
}

// EnsureDirectories creates the workdir skeleton.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{
		c.Workdir,
		filepath.Join(c.Workdir, "runs"),
		filepath.Join(c.Workdir, "worktrees"),
		filepath.Dir(c.DBPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// EnsureRepoDirectories creates the namespace-scoped directories.
func (c *Config) EnsureRepoDirectories() error {
	for _, dir := range []string{c.RunsDir(), c.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
