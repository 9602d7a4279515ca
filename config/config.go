package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

// Availability sources.
const (
	AvailabilityNetwork = "network"
	AvailabilityAPI     = "api"
)

// Config holds crawler configuration.
type Config struct {
	BaseURL    string               `yaml:"base_url"`
	Speciality string               `yaml:"speciality"`
	Place      string               `yaml:"place"`
	Searches   []models.SearchQuery `yaml:"searches"`

	// Browser
	RemoteURL string `yaml:"remote_url"` // DevTools endpoint of a browser pool; empty spawns a local Chrome
	Headless  bool   `yaml:"headless"`
	UserAgent string `yaml:"user_agent"`

	CookieTimeout        time.Duration `yaml:"cookie_timeout"`
	WaitTimeout          time.Duration `yaml:"wait_timeout"`
	ClickRetries         int           `yaml:"click_retries"`
	ScrollSettle         time.Duration `yaml:"scroll_settle"`
	SpecialitySuggestion int           `yaml:"speciality_suggestion"`
	PlaceSuggestion      int           `yaml:"place_suggestion"`

	// Availability
	AvailabilitySource    string        `yaml:"availability_source"` // network or api
	AvailabilityPattern   string        `yaml:"availability_pattern"`
	HarvestRounds         int           `yaml:"harvest_rounds"`
	HarvestPause          time.Duration `yaml:"harvest_pause"`
	APITimeout            time.Duration `yaml:"api_timeout"`
	APIParallelism        int           `yaml:"api_parallelism"`
	APIMaxRetries         int           `yaml:"api_max_retries"`
	APIRetryBackoff       time.Duration `yaml:"api_retry_backoff"`
	APIRetryBackoffMax    time.Duration `yaml:"api_retry_backoff_max"`
	AvailabilityCacheSize int           `yaml:"availability_cache_size"`

	// Crawl
	MaxPages    int `yaml:"max_pages"`
	Parallelism int `yaml:"parallelism"` // concurrent crawls, one browser session each

	// Output
	OutputDir          string `yaml:"output_dir"`
	OutputFormat       string `yaml:"output_format"` // json, jsonl, csv or dual
	PostgresDSN        string `yaml:"postgres_dsn"`
	MongoURI           string `yaml:"mongo_uri"`
	MongoDatabase      string `yaml:"mongo_database"`
	BatchSize          int    `yaml:"batch_size"`
	PipelineBufferSize int    `yaml:"pipeline_buffer_size"`

	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
}

// DefaultConfig returns defaults matching the public doctolib.fr site.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:               "https://www.doctolib.fr/",
		Headless:              true,
		UserAgent:             "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		CookieTimeout:         10 * time.Second,
		WaitTimeout:           30 * time.Second,
		ClickRetries:          5,
		ScrollSettle:          500 * time.Millisecond,
		SpecialitySuggestion:  0,
		PlaceSuggestion:       1,
		AvailabilitySource:    AvailabilityNetwork,
		AvailabilityPattern:   `/search_results/[^/?]+\.json`,
		HarvestRounds:         5,
		HarvestPause:          2 * time.Second,
		APITimeout:            10 * time.Second,
		APIParallelism:        4,
		APIMaxRetries:         2,
		APIRetryBackoff:       500 * time.Millisecond,
		APIRetryBackoffMax:    5 * time.Second,
		AvailabilityCacheSize: 4096,
		MaxPages:              1_000_000,
		Parallelism:           1,
		OutputDir:             "data",
		OutputFormat:          "json",
		MongoDatabase:         "doctolib",
		BatchSize:             64,
		PipelineBufferSize:    512,
	}
}

// Queries returns the searches to crawl. An explicit search list wins over
// the single speciality/place pair.
func (c *Config) Queries() []models.SearchQuery {
	if len(c.Searches) > 0 {
		out := make([]models.SearchQuery, len(c.Searches))
		copy(out, c.Searches)
		return out
	}
	if c.Speciality == "" && c.Place == "" {
		return nil
	}
	return []models.SearchQuery{{Speciality: c.Speciality, Place: c.Place}}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	queries := c.Queries()
	if len(queries) == 0 {
		return fmt.Errorf("at least one speciality/place search is required")
	}
	for i, q := range queries {
		if strings.TrimSpace(q.Speciality) == "" || strings.TrimSpace(q.Place) == "" {
			return fmt.Errorf("search %d: speciality and place cannot be empty", i)
		}
	}

	if c.RemoteURL != "" {
		remote, err := url.Parse(c.RemoteURL)
		if err != nil || remote.Host == "" {
			return fmt.Errorf("invalid remote browser URL %q", c.RemoteURL)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.CookieTimeout <= 0 {
		return fmt.Errorf("cookie timeout must be positive")
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}
	if c.ClickRetries <= 0 {
		return fmt.Errorf("click retries must be positive")
	}
	if c.ScrollSettle < 0 {
		return fmt.Errorf("scroll settle cannot be negative")
	}
	if c.SpecialitySuggestion < 0 || c.PlaceSuggestion < 0 {
		return fmt.Errorf("suggestion index cannot be negative")
	}

	switch c.AvailabilitySource {
	case AvailabilityNetwork, AvailabilityAPI:
	default:
		return fmt.Errorf("availability source must be %s or %s", AvailabilityNetwork, AvailabilityAPI)
	}
	if _, err := regexp.Compile(c.AvailabilityPattern); err != nil || c.AvailabilityPattern == "" {
		return fmt.Errorf("invalid availability pattern %q", c.AvailabilityPattern)
	}
	if c.HarvestRounds <= 0 {
		return fmt.Errorf("harvest rounds must be positive")
	}
	if c.HarvestPause < 0 {
		return fmt.Errorf("harvest pause cannot be negative")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}
	if c.APIParallelism <= 0 {
		return fmt.Errorf("api parallelism must be positive")
	}
	if c.APIMaxRetries < 0 {
		return fmt.Errorf("api max retries cannot be negative")
	}
	if c.APIRetryBackoff < 0 || c.APIRetryBackoffMax < 0 {
		return fmt.Errorf("api retry backoff cannot be negative")
	}
	if c.AvailabilityCacheSize <= 0 {
		return fmt.Errorf("availability cache size must be positive")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}

	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	switch c.OutputFormat {
	case "json", "jsonl", "csv", "dual":
	default:
		return fmt.Errorf("output format must be json, jsonl, csv, or dual")
	}
	if c.MongoURI != "" && c.MongoDatabase == "" {
		return fmt.Errorf("mongo database cannot be empty when a mongo uri is set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}

	return nil
}

// LoadFile overlays the YAML document at path onto c. Keys absent from the
// file keep their current value.
func LoadFile(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c with the SCRAPER_* environment variables that are set.
func ApplyEnv(c *Config) error {
	if v, ok := EnvString("SCRAPER_BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := EnvString("SCRAPER_SPECIALITY"); ok {
		c.Speciality = v
	}
	if v, ok := EnvString("SCRAPER_PLACE"); ok {
		c.Place = v
	}
	if v, ok := EnvString("SCRAPER_REMOTE_URL"); ok {
		c.RemoteURL = v
	}
	if v, ok := EnvString("SCRAPER_AVAILABILITY"); ok {
		c.AvailabilitySource = strings.ToLower(v)
	}
	if v, ok := EnvString("SCRAPER_OUTPUT_DIR"); ok {
		c.OutputDir = v
	}
	if v, ok := EnvString("SCRAPER_POSTGRES_DSN"); ok {
		c.PostgresDSN = v
	}
	if v, ok := EnvString("SCRAPER_MONGO_URI"); ok {
		c.MongoURI = v
	}
	if v, ok := EnvString("SCRAPER_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}

	if v, ok, err := EnvBool("SCRAPER_HEADLESS"); err != nil {
		return fmt.Errorf("invalid SCRAPER_HEADLESS: %w", err)
	} else if ok {
		c.Headless = v
	}
	if v, ok, err := EnvInt("SCRAPER_PARALLEL"); err != nil {
		return fmt.Errorf("invalid SCRAPER_PARALLEL: %w", err)
	} else if ok {
		c.Parallelism = v
	}
	if v, ok, err := EnvInt("SCRAPER_MAX_PAGES"); err != nil {
		return fmt.Errorf("invalid SCRAPER_MAX_PAGES: %w", err)
	} else if ok {
		c.MaxPages = v
	}
	if v, ok, err := EnvDuration("SCRAPER_WAIT_TIMEOUT"); err != nil {
		return fmt.Errorf("invalid SCRAPER_WAIT_TIMEOUT: %w", err)
	} else if ok {
		c.WaitTimeout = v
	}
	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// EnvBool parses key with strconv.ParseBool.
func EnvBool(key string) (bool, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false, err
	}
	return b, true, nil
}

// EnvDuration parses key with time.ParseDuration.
func EnvDuration(key string) (time.Duration, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}
