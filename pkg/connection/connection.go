// Package connection parses a morp DSN into an immutable configuration
// value: backend kind, hosts, credentials, path, and an options map with
// the defaults the queue engines rely on.
//
// Grammar:
//
//	dsn      := scheme "://" [user [":" pass] "@"] [hostlist] [path] ["?" query] ["#" name]
//	hostlist := host [":" port] ("+" host [":" port])*
//	query    := kv ("&" kv)*
//
// Config holds no runtime state (no sockets, no pools); building one never
// does I/O. It is safe to parse a DSN once and hand the resulting Config to
// as many Interface instances as needed.
package connection

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jaymon-go/morp/pkg/codec"
	"github.com/jaymon-go/morp/pkg/morperr"
)

// Backend identifies which engine a Config targets.
type Backend string

const (
	BackendPostgres  Backend = "postgres"
	BackendDropfile  Backend = "dropfile"
	BackendCloud     Backend = "cloud"
)

// aliases maps short DSN schemes to canonical Backend identifiers, the
// resolution step original_source DSNs relied on for things like "pg" vs
// "postgres" or "sqs" vs a fully qualified module path.
var aliases = map[string]Backend{
	"postgres":  BackendPostgres,
	"postgresql": BackendPostgres,
	"pg":        BackendPostgres,
	"dropfile":  BackendDropfile,
	"file":      BackendDropfile,
	"dir":       BackendDropfile,
	"cloud":     BackendCloud,
	"sqs":       BackendCloud,
	"aws":       BackendCloud,
}

// Host is one entry of a "+"-joined host list.
type Host struct {
	Name string
	Port int
}

// Config is the parsed, immutable result of a DSN.
type Config struct {
	Backend Backend
	Name    string // connection name, from the DSN fragment; may be empty
	User    string
	Pass    string
	Hosts   []Host
	Path    string
	Options map[string]string

	// Derived fields, computed once at parse time.
	MaxTimeout        int
	BackoffMultiplier int
	BackoffAmplifier  int // 0 means "default to current delivery count"
	Serializer        codec.Serializer
	Key               codec.Key
	MinSize           int
	MaxSize           int
}

const (
	defaultMaxTimeout        = 3600
	defaultBackoffMultiplier = 5
	defaultMinSize           = 1
	defaultMaxSize           = 10
)

// Parse parses a DSN string into a Config.
func Parse(dsn string) (*Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, morperr.Wrap(morperr.KindConfiguration, "connection.parse", err)
	}
	if u.Scheme == "" {
		return nil, morperr.Wrap(morperr.KindConfiguration, "connection.parse",
			fmt.Errorf("dsn missing scheme: %q", dsn))
	}

	backend, ok := aliases[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, morperr.Wrap(morperr.KindConfiguration, "connection.parse",
			fmt.Errorf("unknown backend scheme %q", u.Scheme))
	}

	cfg := &Config{
		Backend: backend,
		Path:    strings.TrimPrefix(u.Path, "/"),
		Options: map[string]string{},
	}

	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Pass, _ = u.User.Password()
	}

	// url.Parse treats the whole "host1:port1+host2:port2" authority as
	// one opaque Host string when "+" isn't a URL-legal host separator;
	// split it ourselves.
	hosts, err := parseHostList(u.Host)
	if err != nil {
		return nil, morperr.Wrap(morperr.KindConfiguration, "connection.parse", err)
	}
	cfg.Hosts = hosts

	cfg.Name = strings.TrimPrefix(u.Fragment, "#")

	for k, vs := range u.Query() {
		if len(vs) == 0 {
			continue
		}
		cfg.Options[k] = vs[len(vs)-1]
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseHostList(authority string) ([]Host, error) {
	if authority == "" {
		return nil, nil
	}
	parts := strings.Split(authority, "+")
	hosts := make([]Host, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		name, portStr, hasPort := strings.Cut(p, ":")
		host := Host{Name: name}
		if hasPort {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("bad port in host %q: %w", p, err)
			}
			host.Port = port
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func (c *Config) applyDefaults() error {
	c.MaxTimeout = intOption(c.Options, "max_timeout", defaultMaxTimeout)
	c.BackoffMultiplier = intOption(c.Options, "backoff_multiplier", defaultBackoffMultiplier)
	c.BackoffAmplifier = intOption(c.Options, "backoff_amplifier", 0)
	c.MinSize = intOption(c.Options, "min_size", defaultMinSize)
	c.MaxSize = intOption(c.Options, "max_size", defaultMaxSize)

	switch ser := c.Options["serializer"]; ser {
	case "", "binary", "pickle":
		c.Serializer = codec.SerializerBinary
	case "json":
		c.Serializer = codec.SerializerJSON
	default:
		return morperr.Wrap(morperr.KindConfiguration, "connection.parse",
			fmt.Errorf("unknown serializer option %q", ser))
	}

	if key, ok := c.Options["key"]; ok && key != "" {
		c.Key = codec.DeriveKey(key)
	}
	return nil
}

func intOption(opts map[string]string, key string, def int) int {
	v, ok := opts[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// PassthroughOptions returns the subset of options whose key begins with an
// uppercase letter: these are opaque backend-specific attributes (e.g. the
// cloud engine's KMS key alias) that pass straight through to the backend's
// queue-creation call without morp interpreting them.
func (c *Config) PassthroughOptions() map[string]string {
	out := map[string]string{}
	for k, v := range c.Options {
		if k == "" {
			continue
		}
		r := k[0]
		if r >= 'A' && r <= 'Z' {
			out[k] = v
		}
	}
	return out
}

// Amplifier resolves the backoff amplifier for a delivery count: the
// configured override if one was set, otherwise the count itself.
func (c *Config) Amplifier(count int) int {
	if c.BackoffAmplifier > 0 {
		return c.BackoffAmplifier
	}
	return count
}
