package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/natefinch/atomic"

	"github.com/translocal/translocal/pkg/backend"
	"github.com/translocal/translocal/pkg/dns"
	"github.com/translocal/translocal/pkg/httpwire"
	"github.com/translocal/translocal/pkg/proxy"
)

const appName = "translocal"

// DefaultModel is the model alias used when none is configured
const DefaultModel = "phi-3.5-mini"

// ErrUnknownKey is returned by Set for keys that are not settings
var ErrUnknownKey = errors.New("unknown config key")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Config holds the application configuration
type Config struct {
	// Proxy settings
	Port              int    `json:"port" validate:"min=1,max=65535"`
	ListenAddr        string `json:"listen_addr" validate:"required,ip"`
	APIKey            string `json:"api_key"`
	EnableDeepL       bool   `json:"enable_deepl"`
	EnableGoogle      bool   `json:"enable_google"`
	TransparentTLS    bool   `json:"transparent_tls"`
	ConnectionTimeout int    `json:"connection_timeout" validate:"min=1"` // seconds
	MaxBodySize       int    `json:"max_body_size" validate:"min=1024"`
	CADir             string `json:"ca_dir"`

	// Translation backend
	BackendURL      string `json:"backend_url" validate:"required,url"`
	BackendModel    string `json:"backend_model" validate:"required"`
	BackendAPIKey   string `json:"backend_api_key"`
	BackendStrategy string `json:"backend_strategy" validate:"omitempty,oneof=high_performance power_saving manual"`
	BackendDevice   string `json:"backend_device" validate:"omitempty,oneof=cpu gpu npu webgpu"`
	BackendTimeout  int    `json:"backend_timeout" validate:"min=1"` // seconds
	BackendRetries  int    `json:"backend_retries" validate:"min=0,max=10"`
	CacheEnabled    bool   `json:"cache_enabled"`
	CachePath       string `json:"cache_path"`

	// DNS responder
	DNSEnabled  bool   `json:"dns_enabled"`
	DNSListen   string `json:"dns_listen" validate:"required,hostname_port"`
	DNSAnswerIP string `json:"dns_answer_ip" validate:"omitempty,ip"`
	DNSUpstream string `json:"dns_upstream" validate:"omitempty,hostname_port"`

	// Admin API
	AdminEnabled bool   `json:"admin_enabled"`
	AdminAddr    string `json:"admin_addr" validate:"required,hostname_port"`

	// System and traffic logging
	Verbose      bool   `json:"verbose"`
	Quiet        bool   `json:"quiet"`
	LogLevel     string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat    string `json:"log_format" validate:"oneof=console json"`
	LogFile      string `json:"log_file"`
	OutputFile   string `json:"output_file"`
	OutputFormat string `json:"output_format" validate:"oneof=text json csv"`
}

// FileConfig represents the configuration file structure with JSON tags.
// Absent keys stay nil so they never override other sources.
type FileConfig struct {
	Port              *int    `json:"port,omitempty"`
	ListenAddr        *string `json:"listen_addr,omitempty"`
	APIKey            *string `json:"api_key,omitempty"`
	EnableDeepL       *bool   `json:"enable_deepl,omitempty"`
	EnableGoogle      *bool   `json:"enable_google,omitempty"`
	TransparentTLS    *bool   `json:"transparent_tls,omitempty"`
	ConnectionTimeout *int    `json:"connection_timeout,omitempty"`
	MaxBodySize       *int    `json:"max_body_size,omitempty"`
	CADir             *string `json:"ca_dir,omitempty"`

	BackendURL      *string `json:"backend_url,omitempty"`
	BackendModel    *string `json:"backend_model,omitempty"`
	BackendAPIKey   *string `json:"backend_api_key,omitempty"`
	BackendStrategy *string `json:"backend_strategy,omitempty"`
	BackendDevice   *string `json:"backend_device,omitempty"`
	BackendTimeout  *int    `json:"backend_timeout,omitempty"`
	BackendRetries  *int    `json:"backend_retries,omitempty"`
	CacheEnabled    *bool   `json:"cache_enabled,omitempty"`
	CachePath       *string `json:"cache_path,omitempty"`

	DNSEnabled  *bool   `json:"dns_enabled,omitempty"`
	DNSListen   *string `json:"dns_listen,omitempty"`
	DNSAnswerIP *string `json:"dns_answer_ip,omitempty"`
	DNSUpstream *string `json:"dns_upstream,omitempty"`

	AdminEnabled *bool   `json:"admin_enabled,omitempty"`
	AdminAddr    *string `json:"admin_addr,omitempty"`

	Verbose      *bool   `json:"verbose,omitempty"`
	Quiet        *bool   `json:"quiet,omitempty"`
	LogLevel     *string `json:"log_level,omitempty"`
	LogFormat    *string `json:"log_format,omitempty"`
	LogFile      *string `json:"log_file,omitempty"`
	OutputFile   *string `json:"output_file,omitempty"`
	OutputFormat *string `json:"output_format,omitempty"`
}

// Default returns the configuration of a fresh install
func Default() *Config {
	return &Config{
		Port:              proxy.DefaultPort,
		ListenAddr:        "127.0.0.1",
		EnableDeepL:       true,
		EnableGoogle:      true,
		ConnectionTimeout: 30,
		MaxBodySize:       httpwire.DefaultMaxBodyBytes,

		BackendURL:     backend.DefaultBaseURL,
		BackendModel:   DefaultModel,
		BackendTimeout: 120,
		BackendRetries: 2,
		CacheEnabled:   true,

		DNSListen:   "127.0.0.1:5353",
		DNSUpstream: "1.1.1.1:53",

		AdminEnabled: true,
		AdminAddr:    "127.0.0.1:52861",

		LogLevel:     "info",
		LogFormat:    "console",
		OutputFormat: "json",
	}
}

// GetConfigDir returns the configuration directory under the XDG config home
func GetConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}

// GetDataDir returns the directory for the CA and the translation cache
func GetDataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// LoadConfigFile loads configuration from a JSON file
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil // Return empty config if file doesn't exist
		}
		return nil, err
	}

	var config FileConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &config, nil
}

// SaveConfigFile writes the file configuration, creating its directory
func SaveConfigFile(path string, fc *FileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Chmod(path, 0600)
}

// MergeWithFileConfig merges file configuration with CLI configuration.
// CLI parameters take precedence over file configuration: a file value is
// only applied to fields still holding their default.
func (c *Config) MergeWithFileConfig(fileConfig *FileConfig) {
	defaults := reflect.ValueOf(Default()).Elem()
	dst := reflect.ValueOf(c).Elem()
	src := reflect.ValueOf(fileConfig).Elem()

	for i := 0; i < src.NumField(); i++ {
		fv := src.Field(i)
		if fv.IsNil() {
			continue
		}
		name := src.Type().Field(i).Name
		target := dst.FieldByName(name)
		if !target.IsValid() {
			continue
		}
		if reflect.DeepEqual(target.Interface(), defaults.FieldByName(name).Interface()) {
			target.Set(fv.Elem())
		}
	}
}

// Set assigns one setting by its JSON key, parsing value for the field type
func (fc *FileConfig) Set(key, value string) error {
	v := reflect.ValueOf(fc).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0] != key {
			continue
		}
		field := v.Field(i)
		elem := reflect.New(field.Type().Elem())
		switch elem.Elem().Kind() {
		case reflect.Bool:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: expected true or false, got %q", key, value)
			}
			elem.Elem().SetBool(b)
		case reflect.Int:
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: expected an integer, got %q", key, value)
			}
			elem.Elem().SetInt(int64(n))
		default:
			elem.Elem().SetString(value)
		}
		field.Set(elem)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownKey, key)
}

// Keys lists every setting accepted by Set
func Keys() []string {
	t := reflect.TypeOf(FileConfig{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		keys = append(keys, strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0])
	}
	return keys
}

// Validate checks field ranges and enumerations
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		msgs := make([]string, 0, len(validationErrors))
		for _, fe := range validationErrors {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q with value %q", fe.Field(), fe.Tag(), fmt.Sprint(fe.Value())))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	if err != nil {
		return err
	}
	if c.Quiet && c.LogFile == "" && c.OutputFile == "" {
		return errors.New("quiet mode requires log_file or output_file")
	}
	if c.AdminEnabled && c.AdminAddr == net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.Port)) {
		return errors.New("admin_addr cannot be the same as the proxy address")
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display
func (c *Config) Redacted() *Config {
	out := *c
	if out.APIKey != "" {
		out.APIKey = "********"
	}
	if out.BackendAPIKey != "" {
		out.BackendAPIKey = "********"
	}
	return &out
}

// EffectiveCADir returns CADir or the default under the data directory
func (c *Config) EffectiveCADir() string {
	if c.CADir != "" {
		return c.CADir
	}
	return filepath.Join(GetDataDir(), "ca")
}

// EffectiveCachePath returns CachePath or the default under the data directory
func (c *Config) EffectiveCachePath() string {
	if c.CachePath != "" {
		return c.CachePath
	}
	return filepath.Join(GetDataDir(), "cache.db")
}

// ServerSettings builds the proxy settings snapshot
func (c *Config) ServerSettings() proxy.Settings {
	return proxy.Settings{
		ListenAddr:        c.ListenAddr,
		Port:              c.Port,
		APIKey:            c.APIKey,
		DeepLEnabled:      c.EnableDeepL,
		GoogleEnabled:     c.EnableGoogle,
		TransparentTLS:    c.TransparentTLS,
		ConnectionTimeout: time.Duration(c.ConnectionTimeout) * time.Second,
		BackendTimeout:    time.Duration(c.BackendTimeout) * time.Second,
		MaxBodyBytes:      int64(c.MaxBodySize),
	}
}

// BackendConfig builds the model server client configuration
func (c *Config) BackendConfig() backend.OpenAIConfig {
	return backend.OpenAIConfig{
		BaseURL:  c.BackendURL,
		APIKey:   c.BackendAPIKey,
		Model:    c.BackendModel,
		Strategy: c.BackendStrategy,
		Device:   c.BackendDevice,
		Timeout:  time.Duration(c.BackendTimeout) * time.Second,
	}
}

// DNSConfig builds the responder configuration. Intercepted names resolve to
// DNSAnswerIP, or to the proxy listen address when unset.
func (c *Config) DNSConfig() dns.Config {
	answer := c.DNSAnswerIP
	if answer == "" {
		answer = c.ListenAddr
	}
	cfg := dns.Config{
		Addr:     c.DNSListen,
		Hosts:    proxy.InterceptedHosts(),
		Upstream: c.DNSUpstream,
	}
	if ip := net.ParseIP(answer); ip != nil {
		if ip.To4() != nil {
			cfg.AnswerIPv4 = ip
		} else {
			cfg.AnswerIPv6 = ip
		}
	}
	return cfg
}
