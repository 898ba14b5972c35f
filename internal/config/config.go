// Package config assembles runtime settings from defaults, an optional HCL
// file and the environment, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"nre/pkg/ruleindex"
	"nre/pkg/shm"
)

// DefaultFile is read when NRE_CONFIG is unset and the file exists.
const DefaultFile = "nre.hcl"

type Config struct {
	Env                string
	LogLevel           string
	RuleBase           string
	RuleDir            string
	ShmDir             string
	ShmName            string
	ShmSize            int
	CondIndexThreshold int
	RegionLimit        int
	MaxDepth           int

	DBDriver string
	DBDSN    string

	HTTPAddr      string
	APISecret     string
	RateLimit     int
	BlockedIPs    []string
	BlocklistFile string
	Compress      bool

	WorkerEnabled bool
	WorkerQueues  []string
	ReloadEvery   time.Duration

	// File is the HCL file that was applied, empty when none was.
	File string
}

// fileConfig mirrors the HCL layout:
//
//	env       = "production"
//	rule_base = "core,site"
//	shm { size = 4194304 }
//	db { driver = "sqlite" dsn = "nre.db" }
//	http { addr = ":8247" blocked_ips = ["10.0.0.0/8"] }
//	worker { enabled = true queues = ["default"] }
type fileConfig struct {
	Env                *string      `hcl:"env,optional"`
	LogLevel           *string      `hcl:"log_level,optional"`
	RuleBase           *string      `hcl:"rule_base,optional"`
	RuleDir            *string      `hcl:"rule_dir,optional"`
	CondIndexThreshold *int         `hcl:"cond_index_threshold,optional"`
	RegionLimit        *int         `hcl:"region_limit,optional"`
	MaxDepth           *int         `hcl:"max_depth,optional"`
	Shm                *shmBlock    `hcl:"shm,block"`
	DB                 *dbBlock     `hcl:"db,block"`
	HTTP               *httpBlock   `hcl:"http,block"`
	Worker             *workerBlock `hcl:"worker,block"`
}

type shmBlock struct {
	Dir  *string `hcl:"dir,optional"`
	Name *string `hcl:"name,optional"`
	Size *int    `hcl:"size,optional"`
}

type dbBlock struct {
	Driver *string `hcl:"driver,optional"`
	DSN    *string `hcl:"dsn,optional"`
}

type httpBlock struct {
	Addr          *string  `hcl:"addr,optional"`
	APISecret     *string  `hcl:"api_secret,optional"`
	RateLimit     *int     `hcl:"rate_limit,optional"`
	BlockedIPs    []string `hcl:"blocked_ips,optional"`
	BlocklistFile *string  `hcl:"blocklist_file,optional"`
	Compress      *bool    `hcl:"compress,optional"`
}

type workerBlock struct {
	Enabled     *bool    `hcl:"enabled,optional"`
	Queues      []string `hcl:"queues,optional"`
	ReloadEvery *string  `hcl:"reload_every,optional"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Env:                "development",
		LogLevel:           "info",
		RuleBase:           "core",
		RuleDir:            "rules",
		ShmDir:             shm.DefaultDir,
		ShmName:            "nre-rule-cache",
		ShmSize:            8 << 20,
		CondIndexThreshold: ruleindex.DefaultThreshold,
		MaxDepth:           1000,
		DBDriver:           "sqlite",
		DBDSN:              "nre_internal.db",
		HTTPAddr:           ":8247",
		RateLimit:          100,
		Compress:           true,
		WorkerQueues:       []string{"default"},
	}
}

// Load reads .env when present, then the HCL file, then NRE_* variables.
func Load() (Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	cfg := Default()
	path := os.Getenv("NRE_CONFIG")
	required := path != ""
	if path == "" {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := cfg.ApplyFile(path); err != nil {
			return cfg, err
		}
	} else if required {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyFile decodes an HCL file over cfg.
func (c *Config) ApplyFile(path string) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	var fc fileConfig
	if diags := gohcl.DecodeBody(file.Body, nil, &fc); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	setStr(&c.Env, fc.Env)
	setStr(&c.LogLevel, fc.LogLevel)
	setStr(&c.RuleBase, fc.RuleBase)
	setStr(&c.RuleDir, fc.RuleDir)
	setInt(&c.CondIndexThreshold, fc.CondIndexThreshold)
	setInt(&c.RegionLimit, fc.RegionLimit)
	setInt(&c.MaxDepth, fc.MaxDepth)
	if b := fc.Shm; b != nil {
		setStr(&c.ShmDir, b.Dir)
		setStr(&c.ShmName, b.Name)
		setInt(&c.ShmSize, b.Size)
	}
	if b := fc.DB; b != nil {
		setStr(&c.DBDriver, b.Driver)
		setStr(&c.DBDSN, b.DSN)
	}
	if b := fc.HTTP; b != nil {
		setStr(&c.HTTPAddr, b.Addr)
		setStr(&c.APISecret, b.APISecret)
		setInt(&c.RateLimit, b.RateLimit)
		if b.BlockedIPs != nil {
			c.BlockedIPs = b.BlockedIPs
		}
		setStr(&c.BlocklistFile, b.BlocklistFile)
		if b.Compress != nil {
			c.Compress = *b.Compress
		}
	}
	if b := fc.Worker; b != nil {
		if b.Enabled != nil {
			c.WorkerEnabled = *b.Enabled
		}
		if b.Queues != nil {
			c.WorkerQueues = b.Queues
		}
		if b.ReloadEvery != nil {
			d, err := time.ParseDuration(*b.ReloadEvery)
			if err != nil {
				return fmt.Errorf("%s: worker.reload_every: %w", path, err)
			}
			c.ReloadEvery = d
		}
	}
	c.File = path
	return nil
}

// ApplyEnv overrides cfg with the NRE_* variables that getenv reports as set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str("NRE_ENV", &c.Env)
	str("NRE_LOG_LEVEL", &c.LogLevel)
	str("NRE_RULE_BASE", &c.RuleBase)
	str("NRE_RULE_DIR", &c.RuleDir)
	str("NRE_SHM_DIR", &c.ShmDir)
	str("NRE_SHM_NAME", &c.ShmName)
	num("NRE_SHM_SIZE", &c.ShmSize)
	num("NRE_COND_INDEX_THRESHOLD", &c.CondIndexThreshold)
	num("NRE_REGION_LIMIT", &c.RegionLimit)
	num("NRE_MAX_DEPTH", &c.MaxDepth)
	str("NRE_DB_DRIVER", &c.DBDriver)
	str("NRE_DB_DSN", &c.DBDSN)
	str("NRE_HTTP_ADDR", &c.HTTPAddr)
	str("NRE_API_SECRET", &c.APISecret)
	num("NRE_RATE_LIMIT", &c.RateLimit)
	str("NRE_BLOCKLIST_FILE", &c.BlocklistFile)
	if v := getenv("NRE_BLOCKED_IPS"); v != "" {
		c.BlockedIPs = splitList(v)
	}
	flag := func(key string, dst *bool) {
		v := getenv(key)
		if v == "" {
			return
		}
		b, err := cast.ToBoolE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
	flag("NRE_COMPRESS", &c.Compress)
	flag("NRE_WORKER_ENABLED", &c.WorkerEnabled)
	if v := getenv("NRE_WORKER_QUEUES"); v != "" {
		c.WorkerQueues = splitList(v)
	}
	if v := getenv("NRE_RELOAD_EVERY"); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("NRE_RELOAD_EVERY: %w", err))
		} else {
			c.ReloadEvery = d
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch {
	case c.ShmSize < 0:
		return fmt.Errorf("config: negative shared memory size %d", c.ShmSize)
	case c.CondIndexThreshold < 1:
		return fmt.Errorf("config: conditional index threshold must be at least 1, got %d", c.CondIndexThreshold)
	case c.RegionLimit < 0:
		return fmt.Errorf("config: negative region limit %d", c.RegionLimit)
	case c.RuleBase == "":
		return errors.New("config: empty rule base")
	}
	return nil
}

// CacheEnabled reports whether a shared memory segment is configured.
func (c Config) CacheEnabled() bool {
	return c.ShmSize > 0 && c.ShmName != ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
