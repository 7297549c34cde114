package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything needed to run a scrape of one shop.
type Config struct {
	Crawl      CrawlConfig      `yaml:"crawl"`
	Site       SiteConfig       `yaml:"site"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Results    ResultsConfig    `yaml:"results"`
	DB         SQLConfig        `yaml:"db"`
	Worker     WorkerConfig     `yaml:"worker"`
	Robots     RobotsConfig     `yaml:"robots"`
	Rendering  RenderingConfig  `yaml:"rendering"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CrawlConfig controls URL discovery, budgets, and throttling.
type CrawlConfig struct {
	RootURL            string            `yaml:"root_url"`
	TargetProducts     int               `yaml:"target_products"`
	BatchSize          int               `yaml:"batch_size"`
	MaxURLs            int               `yaml:"max_urls"`
	CheckSitemap       bool              `yaml:"check_sitemap"`
	MaxSitemapDepth    int               `yaml:"max_sitemap_depth"`
	IncludeSubdomains  bool              `yaml:"include_subdomains"`
	IgnoreURLsWith     string            `yaml:"ignore_urls_with"`
	IgnoreLinks        []string          `yaml:"ignore_links"`
	UserAgent          string            `yaml:"user_agent"`
	Headers            map[string]string `yaml:"headers"`
	ProxyURL           string            `yaml:"proxy_url"`
	RequestTimeout     Duration          `yaml:"request_timeout"`
	ConcurrentRequests int               `yaml:"concurrent_requests"`
	MaxRetries         int               `yaml:"max_retries"`
	RetryBackoff       Duration          `yaml:"retry_backoff"`
	UseRateLimit       bool              `yaml:"use_rate_limit"`
	RateLimitPerDomain RateLimitConfig   `yaml:"rate_limit_per_domain"`
	PerDomainDelay     Duration          `yaml:"per_domain_delay"`
	MaxBodyBytes       int64             `yaml:"max_body_bytes"`
}

// RateLimitConfig applies a token bucket per domain.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Selector is one candidate in an ordered fallback chain for a field.
// Class and ID are optional matchers; Tag alone matches any element of
// that name.
type Selector struct {
	Tag   string `yaml:"tag"`
	Class string `yaml:"class"`
	ID    string `yaml:"id"`
}

// SiteConfig holds the per-shop extraction rules.
type SiteConfig struct {
	OGTitle       bool     `yaml:"og_title"`
	OGDescription bool     `yaml:"og_description"`
	OGImage       bool     `yaml:"og_image"`

	TitleTags       []Selector `yaml:"title_tags"`
	TitleSeparators []string   `yaml:"title_separators"`

	DescriptionTags         []Selector `yaml:"description_tags"`
	ModifyDescription       bool       `yaml:"modify_description"`
	DeleteDescriptionChunks []string   `yaml:"delete_description_chunks"`

	PriceTags  []Selector `yaml:"price_tags"`
	LowerPrice bool       `yaml:"lower_price"`

	CheckStock bool       `yaml:"check_stock"`
	StockTags  []Selector `yaml:"stock_tags"`
	StockText  string     `yaml:"stock_text"`

	ImageClasses []string `yaml:"image_classes"`
}

// ClassifierConfig wires the LLM product-page selector.
type ClassifierConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Endpoint         string   `yaml:"endpoint"`
	APIKeyEnv        string   `yaml:"api_key_env"`
	Model            string   `yaml:"model"`
	Temperature      float64  `yaml:"temperature"`
	BatchSize        int      `yaml:"batch_size"`
	MaxAttempts      int      `yaml:"max_attempts"`
	RequestTimeout   Duration `yaml:"request_timeout"`
	ProductsSold     string   `yaml:"products_sold"`
	ProductExamples  []string `yaml:"product_examples"`
	CategoryExamples []string `yaml:"category_examples"`
}

// ResultsConfig locates the on-disk result store. Resume reuses the
// domain's latest execution directory instead of starting a fresh one,
// so journalled URLs and saved titles from the interrupted run are
// skipped.
type ResultsConfig struct {
	Directory string `yaml:"directory"`
	Resume    bool   `yaml:"resume"`
}

// SQLConfig describes the optional relational sink.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// WorkerConfig sizes the crawl worker pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RenderingConfig controls optional JavaScript rendering.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			TargetProducts:     4000,
			BatchSize:          30,
			MaxURLs:            1000,
			CheckSitemap:       true,
			MaxSitemapDepth:    5,
			UserAgent:          browserUserAgent,
			Headers:            map[string]string{},
			RequestTimeout:     DurationFrom(20 * time.Second),
			ConcurrentRequests: 10,
			MaxRetries:         3,
			RetryBackoff:       DurationFrom(time.Second),
			MaxBodyBytes:       6 * 1024 * 1024,
		},
		Site: SiteConfig{
			OGTitle:    true,
			OGImage:    true,
			LowerPrice: true,
		},
		Classifier: ClassifierConfig{
			Enabled:        true,
			Endpoint:       "https://api.openai.com/v1/chat/completions",
			APIKeyEnv:      "OPENAI_API_KEY",
			Model:          "gpt-4o-mini",
			Temperature:    0.2,
			BatchSize:      30,
			MaxAttempts:    3,
			RequestTimeout: DurationFrom(60 * time.Second),
		},
		Results: ResultsConfig{
			Directory: "results",
		},
		Worker: WorkerConfig{
			Concurrency: 5,
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			UserAgent: "products-scrapper/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Rendering: RenderingConfig{
			Enabled:            false,
			Timeout:            DurationFrom(15 * time.Second),
			WaitForSelector:    "a",
			ConcurrentSessions: 2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants before the engine starts.
func (c Config) Validate() error {
	if c.Crawl.RootURL == "" {
		return errors.New("crawl.root_url must be set")
	}
	parsed, err := url.Parse(c.Crawl.RootURL)
	if err != nil {
		return fmt.Errorf("crawl.root_url: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("crawl.root_url %q missing host", c.Crawl.RootURL)
	}
	if c.Crawl.TargetProducts <= 0 {
		return fmt.Errorf("crawl.target_products must be > 0 (got %d)", c.Crawl.TargetProducts)
	}
	if c.Crawl.BatchSize <= 0 {
		return fmt.Errorf("crawl.batch_size must be > 0 (got %d)", c.Crawl.BatchSize)
	}
	if c.Crawl.MaxURLs <= 0 {
		return fmt.Errorf("crawl.max_urls must be > 0 (got %d)", c.Crawl.MaxURLs)
	}
	if c.Crawl.MaxSitemapDepth <= 0 {
		return fmt.Errorf("crawl.max_sitemap_depth must be > 0 (got %d)", c.Crawl.MaxSitemapDepth)
	}
	if c.Crawl.ConcurrentRequests <= 0 {
		return fmt.Errorf("crawl.concurrent_requests must be > 0 (got %d)", c.Crawl.ConcurrentRequests)
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0 (got %d)", c.Crawl.MaxRetries)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if rl := c.Crawl.RateLimitPerDomain; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	if !c.Site.OGTitle && len(c.Site.TitleTags) == 0 {
		return errors.New("site.title_tags must be set when site.og_title is false")
	}
	if len(c.Site.PriceTags) == 0 {
		return errors.New("site.price_tags must be set")
	}
	if c.Site.CheckStock {
		if strings.TrimSpace(c.Site.StockText) == "" {
			return errors.New("site.stock_text must be set when site.check_stock is true")
		}
		if len(c.Site.StockTags) == 0 {
			return errors.New("site.stock_tags must be set when site.check_stock is true")
		}
	}
	for i, sel := range append(append(append(append([]Selector{}, c.Site.TitleTags...), c.Site.DescriptionTags...), c.Site.PriceTags...), c.Site.StockTags...) {
		if strings.TrimSpace(sel.Tag) == "" {
			return fmt.Errorf("selector %d has empty tag", i)
		}
	}
	if c.Classifier.Enabled {
		if strings.TrimSpace(c.Classifier.Endpoint) == "" {
			return errors.New("classifier.endpoint must be set when classifier.enabled is true")
		}
		if strings.TrimSpace(c.Classifier.Model) == "" {
			return errors.New("classifier.model must be set when classifier.enabled is true")
		}
		if c.Classifier.BatchSize <= 0 {
			return fmt.Errorf("classifier.batch_size must be > 0 (got %d)", c.Classifier.BatchSize)
		}
		if c.Classifier.MaxAttempts <= 0 {
			return fmt.Errorf("classifier.max_attempts must be > 0 (got %d)", c.Classifier.MaxAttempts)
		}
	}
	if strings.TrimSpace(c.Results.Directory) == "" {
		return errors.New("results.directory must be set")
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawl.RootURL = strings.TrimSpace(c.Crawl.RootURL)
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Crawl.IgnoreURLsWith = strings.TrimSpace(c.Crawl.IgnoreURLsWith)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Results.Directory = strings.TrimSpace(c.Results.Directory)

	if len(c.Crawl.IgnoreLinks) > 0 {
		c.Crawl.IgnoreLinks = dedupe(c.Crawl.IgnoreLinks)
	}
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	if len(c.Site.TitleSeparators) > 0 {
		c.Site.TitleSeparators = dedupe(c.Site.TitleSeparators)
	}
}

func dedupe(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-domain rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
