package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config holds the service-level settings of the pipeline. Each field maps to
// a flag and, through cfg.FillFromEnv, to an OPSFLOW_* environment variable.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string // comma separated; more than one during rotation
	DatabaseURL           string

	ClaudeAPIKey    string
	ClaudeModel     string
	ClaudeMaxTokens int

	EmbeddingEndpoint   string
	EmbeddingModel      string
	EmbeddingAPIKey     string
	EmbeddingDimensions int

	ScoringEndpoint  string
	ScoringTiersFile string
	AnomalyThreshold float64

	CorpusDir     string
	RetrievalTopK int
	SnippetLength int

	PlannerMaxAttempts int
	PlannerBaseDelay   time.Duration
	PlannerRateLimit   float64

	QueueWorkers     int
	QueueMaxReceives int

	SlackWebhookURL string
	GitHubToken     string
	GitHubAPIURL    string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) for the API, comma separated")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.ClaudeMaxTokens, "claude-max-tokens", 2048, "max tokens per plan completion")

	fs.StringVar(&c.EmbeddingEndpoint, "embedding-endpoint", "", "OpenAI-compatible embeddings URL (empty = local hashing embedder)")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "", "embedding model name")
	fs.StringVar(&c.EmbeddingAPIKey, "embedding-api-key", "", "API key for the embeddings endpoint")
	fs.IntVar(&c.EmbeddingDimensions, "embedding-dimensions", 512, "embedding vector length")

	fs.StringVar(&c.ScoringEndpoint, "scoring-endpoint", "", "remote anomaly scoring URL (empty = rule scorer)")
	fs.StringVar(&c.ScoringTiersFile, "scoring-tiers-file", "", "YAML file with rule scorer tiers (empty = built-in tiers)")
	fs.Float64Var(&c.AnomalyThreshold, "anomaly-threshold", 0.9, "score at or above which an incident is anomalous (0..1]")

	fs.StringVar(&c.CorpusDir, "corpus-dir", "corpus", "directory holding the runbooks/ and logs/ corpus")
	fs.IntVar(&c.RetrievalTopK, "retrieval-top-k", 3, "context entries kept per incident")
	fs.IntVar(&c.SnippetLength, "snippet-length", 500, "max characters per context snippet")

	fs.IntVar(&c.PlannerMaxAttempts, "planner-max-attempts", 7, "completion attempts on rate limiting")
	fs.DurationVar(&c.PlannerBaseDelay, "planner-base-delay", 3*time.Second, "first backoff delay on rate limiting")
	fs.Float64Var(&c.PlannerRateLimit, "planner-rate-limit", 0, "max completion calls per second (0 = unlimited)")

	fs.IntVar(&c.QueueWorkers, "queue-workers", 4, "concurrent batch handlers per topic (1..64)")
	fs.IntVar(&c.QueueMaxReceives, "queue-max-receives", 5, "deliveries before a message is dead-lettered")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub token for workflow dispatch (empty = actions disabled)")
	fs.StringVar(&c.GitHubAPIURL, "github-api-url", "https://api.github.com", "GitHub API base URL")
}

// APITokens returns the configured bearer tokens.
func (c *Config) APITokens() []string {
	var out []string
	for _, t := range strings.Split(c.APIToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if len(c.APITokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Completion backend
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.ClaudeMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_MAX_TOKENS %d (must be > 0)", c.ClaudeMaxTokens))
	}

	// Embedding backend; the remote one needs a model and a fixed length
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIMENSIONS %d (must be > 0)", c.EmbeddingDimensions))
	}
	if c.EmbeddingEndpoint != "" && c.EmbeddingModel == "" {
		errs = append(errs, errors.New("EMBEDDING_MODEL is required with EMBEDDING_ENDPOINT"))
	}

	if !(c.AnomalyThreshold > 0 && c.AnomalyThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid ANOMALY_THRESHOLD %g (must be in (0, 1])", c.AnomalyThreshold))
	}

	if c.CorpusDir == "" {
		errs = append(errs, errors.New("CORPUS_DIR is required"))
	}
	if c.RetrievalTopK <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_TOP_K %d (must be > 0)", c.RetrievalTopK))
	}
	if c.SnippetLength <= 0 {
		errs = append(errs, fmt.Errorf("invalid SNIPPET_LENGTH %d (must be > 0)", c.SnippetLength))
	}

	if c.PlannerMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("invalid PLANNER_MAX_ATTEMPTS %d (must be > 0)", c.PlannerMaxAttempts))
	}
	if c.PlannerBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("invalid PLANNER_BASE_DELAY %s (must be > 0)", c.PlannerBaseDelay))
	}
	if c.PlannerRateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid PLANNER_RATE_LIMIT %g (must be >= 0)", c.PlannerRateLimit))
	}

	if c.QueueWorkers <= 0 || c.QueueWorkers > 64 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_WORKERS %d (must be 1..64)", c.QueueWorkers))
	}
	if c.QueueMaxReceives <= 0 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_MAX_RECEIVES %d (must be > 0)", c.QueueMaxReceives))
	}

	if c.GitHubToken != "" && c.GitHubAPIURL == "" {
		errs = append(errs, errors.New("GITHUB_API_URL is required with GITHUB_TOKEN"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
