// Package container runs an analytics instance in a local container for the
// duration of a test run.
package container

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/models"
)

const (
	webPort  nat.Port = "8000/tcp"
	hecPort  nat.Port = "8088/tcp"
	mgmtPort nat.Port = "8089/tcp"

	// AppsMountPath is where the staged app directory is mounted read-only.
	AppsMountPath = "/tmp/apps"

	// DefaultStartupTimeout bounds container start until the management
	// port listens.
	DefaultStartupTimeout = 20 * time.Minute
)

// Template is a file copied into the container before it starts.
type Template struct {
	HostPath      string
	ContainerPath string
}

// Options describe one container.
type Options struct {
	Name     string
	Image    string
	Ports    Ports
	Username string
	Password string

	// AppsDir is the host directory of staged app packages.
	AppsDir string
	// AppLocators are passed to the container to install at start: paths
	// under AppsMountPath or remote URLs.
	AppLocators []string

	RegistryUsername string
	RegistryPassword string

	Templates      []Template
	StartupTimeout time.Duration
}

// Supervisor owns one container.
type Supervisor struct {
	opts      Options
	logger    *logging.Logger
	container testcontainers.Container
}

// New returns a supervisor for opts. Nothing is created until Start.
func New(opts Options, logger *logging.Logger) *Supervisor {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.Username == "" {
		opts.Username = "admin"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{opts: opts, logger: logger}
}

// Request builds the container request without creating anything.
func (s *Supervisor) Request() testcontainers.ContainerRequest {
	o := s.opts

	env := map[string]string{
		"SPLUNK_PASSWORD":   o.Password,
		"SPLUNK_START_ARGS": "--accept-license",
		"SPLUNK_APPS_URL":   strings.Join(o.AppLocators, ","),
	}
	if o.RegistryUsername != "" && o.RegistryPassword != "" {
		env["SPLUNKBASE_USERNAME"] = o.RegistryUsername
		env["SPLUNKBASE_PASSWORD"] = o.RegistryPassword
	}

	files := make([]testcontainers.ContainerFile, 0, len(o.Templates))
	for _, t := range o.Templates {
		files = append(files, testcontainers.ContainerFile{
			HostFilePath:      t.HostPath,
			ContainerFilePath: t.ContainerPath,
			FileMode:          0o644,
		})
	}

	bindings := nat.PortMap{
		webPort:  {{HostIP: "0.0.0.0", HostPort: strconv.Itoa(o.Ports.Web)}},
		hecPort:  {{HostIP: "0.0.0.0", HostPort: strconv.Itoa(o.Ports.HEC)}},
		mgmtPort: {{HostIP: "0.0.0.0", HostPort: strconv.Itoa(o.Ports.Mgmt)}},
	}

	return testcontainers.ContainerRequest{
		Name:         o.Name,
		Image:        o.Image,
		ExposedPorts: []string{string(webPort), string(hecPort), string(mgmtPort)},
		Env:          env,
		Files:        files,
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.PortBindings = bindings
			if o.AppsDir != "" {
				hc.Binds = append(hc.Binds, fmt.Sprintf("%s:%s:ro", o.AppsDir, AppsMountPath))
			}
		},
		WaitingFor: wait.ForListeningPort(mgmtPort).WithStartupTimeout(o.StartupTimeout),
	}
}

// Start creates and starts the container and returns how to reach it. The
// instance may still be initialising; callers wait for readiness.
func (s *Supervisor) Start(ctx context.Context) (models.InstanceSpec, error) {
	s.logger.InfoContext(ctx, "starting container", "image", s.opts.Image, "name", s.opts.Name,
		"web_port", s.opts.Ports.Web, "hec_port", s.opts.Ports.HEC, "mgmt_port", s.opts.Ports.Mgmt)

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: s.Request(),
		Started:          true,
	})
	if c != nil {
		s.container = c
	}
	if err != nil {
		return models.InstanceSpec{}, fmt.Errorf("start container %s: %w", s.opts.Name, err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		return models.InstanceSpec{}, fmt.Errorf("container host: %w", err)
	}

	return models.InstanceSpec{
		Name:     s.opts.Name,
		Address:  host,
		WebPort:  s.opts.Ports.Web,
		HECPort:  s.opts.Ports.HEC,
		MgmtPort: s.opts.Ports.Mgmt,
		Username: s.opts.Username,
		Password: s.opts.Password,
		Scheme:   "https",
		Image:    s.opts.Image,
	}, nil
}

// Stop force-removes the container and its anonymous volumes. Stopping a
// supervisor that never started is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.container == nil {
		return nil
	}
	c := s.container
	s.container = nil

	s.logger.InfoContext(ctx, "removing container", "name", s.opts.Name)
	if err := c.Terminate(ctx, testcontainers.StopTimeout(30*time.Second)); err != nil {
		return fmt.Errorf("remove container %s: %w", s.opts.Name, err)
	}
	return nil
}
