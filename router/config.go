package router

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/danderson/msgbus"
	"github.com/danderson/msgbus/transport"
)

// Defaults for unset Config fields.
const (
	DefaultJoinTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLogLevel         = "info"
)

// Config is the router configuration, usually loaded from a YAML
// file:
//
//	listen:
//	  - unix:path=/run/msgbus.sock
//	  - tcp:addr=127.0.0.1:9955
//	auth:
//	  allow_anonymous: false
//	  allowed_uids: [1000]
//	log_level: debug
//	max_message_size: 65536
//	join_timeout: 10s
type Config struct {
	// Listen are the bus addresses to accept connections on.
	Listen []string `yaml:"listen"`
	// Auth is the policy for admitting clients.
	Auth AuthConfig `yaml:"auth"`
	// LogLevel is the minimum level logged by the logger built by
	// Logger.
	LogLevel string `yaml:"log_level"`
	// MaxMessageSize is the largest message the router forwards. It
	// cannot exceed msgbus.MaxMessageSize, which is also the default.
	MaxMessageSize int `yaml:"max_message_size"`
	// JoinTimeout bounds how long a session host may take to accept
	// a joiner.
	JoinTimeout time.Duration `yaml:"join_timeout"`
	// HandshakeTimeout bounds the transport handshake of new
	// clients.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// AuthConfig is the client admission policy.
type AuthConfig struct {
	AllowAnonymous bool  `yaml:"allow_anonymous"`
	AllowedUIDs    []int `yaml:"allowed_uids"`
}

func (a AuthConfig) policy() transport.AuthPolicy {
	return transport.AuthPolicy{
		AllowAnonymous: a.AllowAnonymous,
		AllowedUIDs:    a.AllowedUIDs,
	}
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ret, err := ParseConfig(bs)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ret, nil
}

// ParseConfig parses a YAML config. Unknown keys are an error.
func ParseConfig(bs []byte) (*Config, error) {
	var ret Config
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	if err := dec.Decode(&ret); err != nil {
		return nil, err
	}
	if err := ret.validate(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Config) validate() error {
	if c.MaxMessageSize < 0 || c.MaxMessageSize > msgbus.MaxMessageSize {
		return fmt.Errorf("max_message_size %d out of range [0, %d]", c.MaxMessageSize, msgbus.MaxMessageSize)
	}
	if c.JoinTimeout < 0 {
		return fmt.Errorf("negative join_timeout %v", c.JoinTimeout)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("negative handshake_timeout %v", c.HandshakeTimeout)
	}
	for _, l := range c.Listen {
		if _, err := transport.ParseAddresses(l); err != nil {
			return err
		}
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return err
		}
	}
	return nil
}

// withDefaults returns a copy of c with unset fields defaulted.
func (c Config) withDefaults() Config {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = msgbus.MaxMessageSize
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	return c
}

// Logger returns a production logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level := c.LogLevel
	if level == "" {
		level = DefaultLogLevel
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
