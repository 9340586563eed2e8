package main

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pgstream/pgclient"
)

// Config is the demo binary's connection configuration, loaded from YAML and
// hot-reloadable while the process runs.
type Config struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Database          string `yaml:"database"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	SSLMode           string `yaml:"sslmode"`
	SSLRootCert       string `yaml:"sslrootcert"`
	ApplicationName   string `yaml:"application_name"`
	ConnectTimeoutRaw string `yaml:"connect_timeout"`

	ConnectTimeout time.Duration `yaml:"-"`
}

// connectConfig converts the YAML-loaded Config into a pgclient.ConnectConfig.
func (c *Config) connectConfig() pgclient.ConnectConfig {
	return pgclient.ConnectConfig{
		Host:        c.Host,
		Port:        c.Port,
		Database:    c.Database,
		Username:    c.Username,
		Password:    c.Password,
		SSLMode:     c.SSLMode,
		SSLRootCert: c.SSLRootCert,
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, so a checked-in config file never carries a plaintext password.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Database == "" {
		return nil, fmt.Errorf("config: database is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("config: username is required")
	}

	if cfg.ConnectTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.ConnectTimeoutRaw)
		if err != nil {
			return nil, fmt.Errorf("config: connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "pgclient-demo"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
}

// configWatcher watches the config file on disk and invokes callback with
// every successfully reparsed Config. A debounce absorbs editors that save
// via a rename-into-place, which otherwise fires two or three fsnotify
// events per actual edit.
type configWatcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

func watchConfig(path string, callback func(*Config)) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &configWatcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *configWatcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, cw.reload)
			}
		case _, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *configWatcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := loadConfig(cw.path)
	if err != nil {
		return
	}
	cw.callback(cfg)
}

func (cw *configWatcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
