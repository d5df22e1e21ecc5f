package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Specification is the full process configuration. Secrets are validated
// lazily by the components that need them, not at startup.
type Specification struct {
	Provider    string `yaml:"provider"`
	EmbedAPIKey string `yaml:"embedApiKey" envconfig:"EMBED_API_KEY"`
	LLMAPIKey   string `yaml:"llmApiKey" envconfig:"LLM_API_KEY"`
	EmbedModel  string `yaml:"embedModel" split_words:"true"`
	ChatModel   string `yaml:"chatModel" split_words:"true"`
	Dim         int    `yaml:"embedDim" envconfig:"EMBED_DIM"`
	LLMBaseURL  string `yaml:"llmBaseURL" envconfig:"LLM_BASE_URL"`

	VectorHost      string `yaml:"vectorHost" split_words:"true"`
	VectorPort      int    `yaml:"vectorPort" split_words:"true"`
	VectorAPIKey    string `yaml:"vectorApiKey" envconfig:"VECTOR_STORE_API_KEY"`
	VectorTLS       bool   `yaml:"vectorTLS" envconfig:"VECTOR_TLS"`
	VectorIndexName string `yaml:"vectorIndexName" envconfig:"VECTOR_INDEX_NAME"`

	RepoURL     string `yaml:"repoURL" split_words:"true"`
	GitRef      string `yaml:"gitRef" split_words:"true"`
	GithubToken string `yaml:"githubToken" envconfig:"GITHUB_TOKEN"`

	MaxFileBytes int64 `yaml:"maxFileBytes" split_words:"true"`
	BatchSize    int   `yaml:"batchSize" split_words:"true"`
	MaxInFlight  int   `yaml:"maxInFlight" split_words:"true"`

	LogLevel string `yaml:"logLevel" split_words:"true"`
	Port     int    `yaml:"port" split_words:"true"`

	flags *pflag.FlagSet `ignored:"true"`
}

const envPrefix = "REPORAG"

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < env < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/reporag.yaml",
				"config/config.yaml",
				"./reporag.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// EnvConfigured reports whether the secrets needed for real providers are
// present. The stub provider never needs them.
func (s *Specification) EnvConfigured() bool {
	if strings.EqualFold(s.Provider, "stub") {
		return true
	}
	return s.EmbedAPIKey != "" || s.LLMAPIKey != ""
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range os.Args {
		if a == "--config" {
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", os.Args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "AI provider (stub, gemini, openai)")
	fs.String("embed-api-key", c.EmbedAPIKey, "Embedding provider API key")
	fs.String("llm-api-key", c.LLMAPIKey, "LLM provider API key")
	fs.String("embed-model", c.EmbedModel, "Embedding model name")
	fs.String("chat-model", c.ChatModel, "Chat completion model name")
	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")
	fs.String("llm-base-url", c.LLMBaseURL, "OpenAI-compatible base URL override")

	fs.String("vector-host", c.VectorHost, "Vector store host")
	fs.Int("vector-port", c.VectorPort, "Vector store gRPC port")
	fs.String("vector-api-key", c.VectorAPIKey, "Vector store API key")
	fs.Bool("vector-tls", c.VectorTLS, "Use TLS for the vector store")
	fs.String("vector-index-name", c.VectorIndexName, "Collection name prefix")

	fs.String("git-repo", c.RepoURL, "Git repository URL")
	fs.String("git-ref", c.GitRef, "Git reference (branch/tag/sha)")
	fs.String("github-token", c.GithubToken, "GitHub API token")

	fs.Int64("max-file-bytes", c.MaxFileBytes, "Skip files larger than this many bytes")
	fs.Int("batch-size", c.BatchSize, "Embedding micro-batch size (0 = adaptive)")
	fs.Int("max-in-flight", c.MaxInFlight, "Max concurrent upserts")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setInt64 := func(name string, dst *int64) {
		if fs.Changed(name) {
			v, _ := fs.GetInt64(name)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("embed-api-key", &c.EmbedAPIKey)
	setStr("llm-api-key", &c.LLMAPIKey)
	setStr("embed-model", &c.EmbedModel)
	setStr("chat-model", &c.ChatModel)
	setInt("embed-dim", &c.Dim)
	setStr("llm-base-url", &c.LLMBaseURL)

	setStr("vector-host", &c.VectorHost)
	setInt("vector-port", &c.VectorPort)
	setStr("vector-api-key", &c.VectorAPIKey)
	setBool("vector-tls", &c.VectorTLS)
	setStr("vector-index-name", &c.VectorIndexName)

	setStr("git-repo", &c.RepoURL)
	setStr("git-ref", &c.GitRef)
	setStr("github-token", &c.GithubToken)

	setInt64("max-file-bytes", &c.MaxFileBytes)
	setInt("batch-size", &c.BatchSize)
	setInt("max-in-flight", &c.MaxInFlight)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)
}

func setDefaults(c *Specification) {
	c.Provider = "stub"
	c.LogLevel = "info"
	c.GitRef = ""
	c.Port = 8080
	c.VectorHost = "localhost"
	c.VectorPort = 6334
	c.VectorIndexName = "reporag"
	c.MaxFileBytes = 1 << 20
	c.BatchSize = 0
	c.MaxInFlight = 4
	c.Dim = 0
}
