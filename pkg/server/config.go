package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/chatline/pkg/datastore"
)

// Config holds server configuration. It is populated in layers: defaults,
// then an optional YAML file, then CHATLINE_* environment variables, then
// command-line flags.
type Config struct {
	ListenAddr         string        `yaml:"listen_addr" env:"CHATLINE_LISTEN_ADDR" validate:"required,listenaddr"`
	DBPath             string        `yaml:"db_path" env:"CHATLINE_DB_PATH" validate:"required"`
	Backend            string        `yaml:"backend" env:"CHATLINE_BACKEND" validate:"oneof=sqlite badger"`
	WebSocketAddr      string        `yaml:"websocket_addr" env:"CHATLINE_WEBSOCKET_ADDR" validate:"omitempty,listenaddr"` // empty = disabled
	MetricsAddr        string        `yaml:"metrics_addr" env:"CHATLINE_METRICS_ADDR" validate:"omitempty,listenaddr"`     // empty = disabled
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"CHATLINE_SHUTDOWN_TIMEOUT" validate:"gt=0"`
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval" env:"CHATLINE_METRICS_LOG_INTERVAL" validate:"gte=0"` // 0 = no periodic log
	LogLevel           string        `yaml:"log_level" env:"CHATLINE_LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat          string        `yaml:"log_format" env:"CHATLINE_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":8080",
		DBPath:             "chat.db",
		Backend:            datastore.BackendSQLite,
		ShutdownTimeout:    5 * time.Second,
		MetricsLogInterval: 60 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// ErrInvalidConfig wraps every configuration failure so callers can map it
// to a usage exit code.
var ErrInvalidConfig = errors.New("invalid configuration")

// LoadFile overlays the YAML document at path onto cfg.
func (cfg *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("%w: read config: %v", ErrInvalidConfig, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// ApplyEnv overlays CHATLINE_* environment variables onto cfg. Unset
// variables leave the current value alone.
func (cfg *Config) ApplyEnv() error {
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SetPort replaces the port of ListenAddr, keeping its host.
func (cfg *Config) SetPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%w: invalid port %q", ErrInvalidConfig, port)
	}
	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		host = ""
	}
	cfg.ListenAddr = net.JoinHostPort(host, strconv.Itoa(n))
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		return validListenAddr(fl.Field().String())
	})
	return v
}

// validListenAddr accepts "host:port" and ":port" with a port in 0..65535.
// Port 0 asks the kernel for a free port.
func validListenAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

// Validate reports the first invalid field.
func (cfg Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %q (value %v)", ErrInvalidConfig, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
