package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jaymon-go/morp/pkg/message"
	"github.com/jaymon-go/morp/pkg/queue"
	"github.com/jaymon-go/morp/pkg/telemetry"
)

// kindSpec is one entry of a register.yaml manifest: a classpath tag plus
// the queue it routes to. Go has no runtime equivalent of importlib-style
// class loading, so a manifest-declared kind hydrates into a genericKind
// that carries whatever fields the wire body contains, rather than a
// statically compiled struct.
type kindSpec struct {
	Classpath string `yaml:"classpath"`
	Queue     string `yaml:"queue"`
}

type manifestFile struct {
	Kinds []kindSpec `yaml:"kinds"`
}

// genericKind implements message.Kind for a manifest-declared classpath
// with no compiled Go type behind it: it passes every non-metadata field
// through untouched.
type genericKind struct {
	queueName string
	classpath string
	fields    queue.Fields
}

func (g *genericKind) QueueName() string     { return g.queueName }
func (g *genericKind) Classpath() string     { return g.classpath }
func (g *genericKind) ToFields() queue.Fields { return g.fields }
func (g *genericKind) FromFields(f queue.Fields) error {
	g.fields = f
	return nil
}

// loadManifestDir registers a genericKind factory for every kind declared
// in every .yaml file directly inside dir (subdirectories are not searched).
func loadManifestDir(dir string, logger telemetry.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	registered := 0
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("manifest: reading %s: %w", path, err)
		}
		var mf manifestFile
		if err := yaml.Unmarshal(data, &mf); err != nil {
			return fmt.Errorf("manifest: parsing %s: %w", path, err)
		}
		for _, spec := range mf.Kinds {
			spec := spec
			message.Register(spec.Classpath, func() message.Kind {
				return &genericKind{queueName: spec.Queue, classpath: spec.Classpath}
			})
			registered++
		}
	}
	logger.Info("morp: loaded manifest directory", map[string]any{"dir": dir, "kinds_registered": registered})
	return nil
}
