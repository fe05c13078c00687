package worker

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"os"
	"path/filepath"

	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/stanza"
)

// Backend creates (or locates) the instance a worker drives.
type Backend interface {
	Start(ctx context.Context) (models.InstanceSpec, error)
	Stop(ctx context.Context) error
}

// Remote is a Backend for an instance that already runs. Start returns the
// configured address and Stop leaves the instance alone.
type Remote struct {
	Spec models.InstanceSpec
}

func (r Remote) Start(context.Context) (models.InstanceSpec, error) { return r.Spec, nil }

func (Remote) Stop(context.Context) error { return nil }

//go:embed templates/datamodels.conf
var defaultDataModels []byte

// DefaultDataModelTemplate returns the built-in data-model settings.
func DefaultDataModelTemplate() []stanza.Section {
	sections, err := stanza.ReadConf(bytes.NewReader(defaultDataModels))
	if err != nil {
		panic("worker: embedded data-model template: " + err.Error())
	}
	return sections
}

// LoadDataModelTemplate reads data-model settings from path. An empty path
// selects the built-in template.
func LoadDataModelTemplate(path string) ([]stanza.Section, error) {
	if path == "" {
		return DefaultDataModelTemplate(), nil
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sections, err := stanza.ReadConf(f)
	if err != nil {
		var pe *stanza.ParseError
		if errors.As(err, &pe) {
			pe.File = path
		}
		return nil, err
	}
	return sections, nil
}
