// Package registry maps a connection name to a live queue.Interface,
// discovering DSNs from the environment (and optionally a YAML manifest)
// the first time a name is looked up.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jaymon-go/morp/pkg/connection"
	"github.com/jaymon-go/morp/pkg/morperr"
	"github.com/jaymon-go/morp/pkg/queue"
)

// Builder constructs a connected queue.Interface for a parsed Config. The
// registry itself knows nothing about any specific backend; callers supply
// a Builder (typically one that dispatches on cfg.Backend to the
// postgres/dropfile/cloudqueue constructors) at registry construction
// time.
type Builder func(ctx context.Context, cfg *connection.Config) (queue.Interface, error)

// manifest is the shape of an optional morp.yaml bootstrap file: named
// connections that don't need an environment variable per entry.
type manifest struct {
	Connections map[string]string `yaml:"connections"`
	Prefix      string            `yaml:"prefix"`
}

// Registry is a process-wide, lazily populated map from connection name to
// interface instance. The zero value is not usable; construct with New.
type Registry struct {
	build  Builder
	envTag string // e.g. "MORP_DSN"

	mu           sync.RWMutex
	interfaces   map[string]queue.Interface
	manifestDSNs map[string]string
	initialized  bool
	prefix       string
	disabled     bool
}

// New constructs a Registry that discovers connections lazily under the
// given environment variable prefix (e.g. "MORP_DSN" yields MORP_DSN,
// MORP_DSN_1, MORP_DSN_2, ...).
func New(envTag string, build Builder) *Registry {
	return &Registry{
		build:      build,
		envTag:     envTag,
		interfaces: map[string]queue.Interface{},
	}
}

// LoadManifest merges named connections from a morp.yaml-shaped file into
// the registry's discovery set. Call this before the first Get, since
// discovery only runs once.
func (r *Registry) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return morperr.Wrap(morperr.KindConfiguration, "registry.load_manifest", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "registry.load_manifest", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifestDSNs == nil {
		r.manifestDSNs = map[string]string{}
	}
	for name, dsn := range m.Connections {
		r.manifestDSNs[name] = dsn
	}
	if m.Prefix != "" {
		r.prefix = m.Prefix
	}
	return nil
}

func (r *Registry) ensureInitialized(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	r.initialized = true

	if os.Getenv("MORP_DISABLED") == "1" {
		r.disabled = true
	}
	if prefix := os.Getenv("MORP_PREFIX"); prefix != "" {
		r.prefix = prefix
	}

	discovered := map[string]string{}
	if dsn := os.Getenv(r.envTag); dsn != "" {
		discovered["default"] = dsn
	}
	for i := 1; ; i++ {
		dsn := os.Getenv(r.envTag + "_" + strconv.Itoa(i))
		if dsn == "" {
			break
		}
		discovered[strconv.Itoa(i)] = dsn
	}
	for name, dsn := range r.manifestDSNs {
		discovered[name] = dsn
	}

	names := make([]string, 0, len(discovered))
	for name := range discovered {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg, err := connection.Parse(discovered[name])
		if err != nil {
			return morperr.Wrap(morperr.KindConfiguration, "registry.init", fmt.Errorf("connection %q: %w", name, err))
		}
		if cfg.Name != "" {
			name = cfg.Name
		}
		iface, err := r.build(ctx, cfg)
		if err != nil {
			return morperr.Wrap(morperr.KindConfiguration, "registry.init", fmt.Errorf("connection %q: %w", name, err))
		}
		r.interfaces[name] = iface
	}
	return nil
}

// Get returns the named interface, discovering connections from the
// environment (and any loaded manifest) on first call. "default" is the
// name used for the unnumbered env var.
func (r *Registry) Get(ctx context.Context, name string) (queue.Interface, error) {
	if err := r.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	iface, ok := r.interfaces[name]
	r.mu.RUnlock()
	if !ok {
		return nil, morperr.Wrap(morperr.KindConfiguration, "registry.get", fmt.Errorf("no connection named %q", name))
	}
	return iface, nil
}

// Set installs an interface under name directly, bypassing DSN discovery.
// Used by tests and by callers that construct engines themselves.
func (r *Registry) Set(name string, iface queue.Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interfaces[name] = iface
}

// Prefix returns the queue-name prefix discovered from MORP_PREFIX or a
// manifest's prefix key, applied by the message model when resolving a
// class to a queue name.
func (r *Registry) Prefix(ctx context.Context) (string, error) {
	if err := r.ensureInitialized(ctx); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefix, nil
}

// Disabled reports whether MORP_DISABLED=1 was set, turning Message.Send
// into a logged no-op.
func (r *Registry) Disabled(ctx context.Context) (bool, error) {
	if err := r.ensureInitialized(ctx); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled, nil
}
