// Package config loads runtime configuration for the lookup and verifier
// services from environment variables. CLI flags may override individual
// fields after Load; nothing reads the environment once a service starts.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lookup configures the lookup service: the crawler, its scheduler, and the
// query surface.
type Lookup struct {
	LocalDomain string
	Port        string
	DatabaseURL string

	RSAPrivateKeyPath string
	RSAPublicKeyPath  string
	SignFetch         bool

	// Debug permits plain http and loopback fetch targets.
	Debug bool

	ArchiveNotes       bool
	ArchiveCollections bool

	ParallelFetches      int
	DomainRequestPeriod  time.Duration
	CheckInternetPeriod  time.Duration // <= 0 disables the connectivity probe
	ProbChooseFromDomain float64
	SchedulerChunk       int
	MaxInQueuePerDomain  int
	DomainChunk          int
	ChooseFromDomain     int
	MaxQueueSize         int
	MinUpdatePeriod      int64 // seconds between object refreshes, lower bound
	MaxUpdatePeriod      int64 // seconds between object refreshes, upper bound

	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

// Verifier configures the verifier service.
type Verifier struct {
	LocalDomain string
	Port        string
	DatabaseURL string

	ActorURI     string
	ActorName    string
	ActorKeyPath string // route on which the actor document is served

	RSAPrivateKeyPath string
	RSAPublicKeyPath  string

	Debug bool

	ParallelFetches       int
	QueueSize             int
	DomainRequestPeriod   time.Duration
	LookupRequestPeriod   time.Duration
	RequestTimeout        time.Duration
	SignatureBatchSize    int
	SignatureBatchTimeout time.Duration

	ActorRetryTimers  []time.Duration
	DomainRetryTimers []time.Duration
}

// LoadLookup reads the lookup configuration from the environment, filling in
// defaults for anything unset.
func LoadLookup() *Lookup {
	return &Lookup{
		LocalDomain: getEnv("LOCAL_DOMAIN", "http://localhost:8880"),
		Port:        getEnv("PORT", "8880"),
		DatabaseURL: getEnv("LOOKUP_DATABASE_URL", "lookup.db"),

		RSAPrivateKeyPath: getEnv("RSA_PRIVATE_KEY_PATH", "lookup_private.pem"),
		RSAPublicKeyPath:  getEnv("RSA_PUBLIC_KEY_PATH", "lookup_public.pem"),
		SignFetch:         getEnv("SIGN_FETCH", "false") == "true",

		Debug: getEnv("DEBUG", "false") == "true",

		ArchiveNotes:       getEnv("ARCHIVE_NOTES", "false") == "true",
		ArchiveCollections: getEnv("ARCHIVE_COLLECTIONS", "false") == "true",

		ParallelFetches:      getEnvInt("PARALLEL_FETCHES", 100),
		DomainRequestPeriod:  getEnvSeconds("DOMAIN_REQUEST_PERIOD", 2),
		CheckInternetPeriod:  getEnvSeconds("CHECK_INTERNET_PERIOD", 10),
		ProbChooseFromDomain: getEnvFloat("PROB_CHOOSE_FROM_DOMAINS", 0.6),
		SchedulerChunk:       getEnvInt("SCHEDULER_CHUNK", 1000),
		MaxInQueuePerDomain:  getEnvInt("MAX_IN_QUEUE_PER_DOMAIN", 5),
		DomainChunk:          getEnvInt("DOMAIN_CHUNK", 100),
		ChooseFromDomain:     getEnvInt("CHOOSE_FROM_DOMAIN_QUEUE", 5),
		MaxQueueSize:         getEnvInt("MAX_QUEUE_SIZE", 10000),
		MinUpdatePeriod:      int64(getEnvInt("MIN_UPDATE_PERIOD", 3600*24)),
		MaxUpdatePeriod:      int64(getEnvInt("MAX_UPDATE_PERIOD", 3600*24*10)),

		RequestTimeout: getEnvSeconds("REQUEST_TIMEOUT", 20),
		ConnectTimeout: getEnvSeconds("CONNECT_TIMEOUT", 10),
	}
}

// LoadVerifier reads the verifier configuration from the environment.
func LoadVerifier() *Verifier {
	local := getEnv("LOCAL_DOMAIN", "http://localhost:9123")
	keyPath := getEnv("ACTOR_KEY_PATH", "/actor")
	return &Verifier{
		LocalDomain: local,
		Port:        getEnv("PORT", "9123"),
		DatabaseURL: getEnv("VERIFIER_DATABASE_URL", "verifier.db"),

		ActorURI:     getEnv("ACTOR_URI", strings.TrimRight(local, "/")+keyPath),
		ActorName:    getEnv("ACTOR_NAME", "fedivet verifier"),
		ActorKeyPath: keyPath,

		RSAPrivateKeyPath: getEnv("RSA_PRIVATE_KEY_PATH", "verifier_private.pem"),
		RSAPublicKeyPath:  getEnv("RSA_PUBLIC_KEY_PATH", "verifier_public.pem"),

		Debug: getEnv("DEBUG", "false") == "true",

		ParallelFetches:       getEnvInt("PARALLEL_FETCHES", 100),
		QueueSize:             getEnvInt("QUEUE_SIZE", 400),
		DomainRequestPeriod:   getEnvSeconds("DOMAIN_REQUEST_PERIOD", 1),
		LookupRequestPeriod:   getEnvMillis("LOOKUP_REQUEST_PERIOD_MS", 250),
		RequestTimeout:        getEnvSeconds("REQUEST_TIMEOUT", 20),
		SignatureBatchSize:    getEnvInt("SIGNATURE_BATCH_SIZE", 50),
		SignatureBatchTimeout: getEnvSeconds("SIGNATURE_BATCH_TIMEOUT", 10),

		ActorRetryTimers:  secondsList(60, 3600, 24*3600, 24*3600*20),
		DomainRetryTimers: domainRetryTimers(),
	}
}

// URL returns the parsed local domain.
func (c *Lookup) URL() *url.URL {
	u, _ := url.Parse(c.LocalDomain)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Lookup) BaseURL(path string) string {
	return strings.TrimRight(c.LocalDomain, "/") + path
}

// URL returns the parsed local domain.
func (c *Verifier) URL() *url.URL {
	u, _ := url.Parse(c.LocalDomain)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Verifier) BaseURL(path string) string {
	return strings.TrimRight(c.LocalDomain, "/") + path
}

// domainRetryTimers is the verifier's per-domain backoff table: 2·5^i for
// i in [0,9), summing to roughly 56 days.
func domainRetryTimers() []time.Duration {
	timers := make([]time.Duration, 9)
	period := 2 * time.Second
	for i := range timers {
		timers[i] = period
		period *= 5
	}
	return timers
}

func secondsList(secs ...int) []time.Duration {
	out := make([]time.Duration, len(secs))
	for i, s := range secs {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}
