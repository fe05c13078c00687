// Package apps resolves the third-party application packages installed into
// every instance before any worker starts.
package apps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/telhawk-systems/dettest/internal/config"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/models"
)

var (
	// ErrNoLocator means an app has no usable locator.
	ErrNoLocator = errors.New("app has no usable locator")
	// ErrRegistryCredentials means an app can only come from the registry
	// and no registry credentials were configured.
	ErrRegistryCredentials = errors.New("registry credentials required")
)

// Options configure staging.
type Options struct {
	// Dir receives the package files. It is mounted into containers.
	Dir string
	// BaseDir resolves relative local paths.
	BaseDir string

	RegistryUsername string
	RegistryPassword string

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Staged is the outcome of staging.
type Staged struct {
	Dir string
	// Files are package file names inside Dir, in app order.
	Files []string
	// Deferred are registry locators the instance downloads at start.
	Deferred []string
}

// Locators lists what an instance installs at start: staged files under
// mount followed by deferred registry locators.
func (s *Staged) Locators(mount string) []string {
	out := make([]string, 0, len(s.Files)+len(s.Deferred))
	for _, f := range s.Files {
		out = append(out, path.Join(mount, f))
	}
	return append(out, s.Deferred...)
}

// Stage resolves every app to a local file in opts.Dir or records it for
// download at instance start. Any unresolvable app fails the whole call with
// an error wrapping config.ErrConfiguration.
func Stage(ctx context.Context, pkgs []models.AppPackage, opts Options) (*Staged, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create app staging directory: %w", err)
	}

	staged := &Staged{Dir: opts.Dir}
	for _, app := range pkgs {
		name, deferred, err := stageOne(ctx, app, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: app %s: %w", config.ErrConfiguration, app.AppID, err)
		}
		if deferred != "" {
			opts.Logger.InfoContext(ctx, "app will be downloaded by the instance", "app", app.AppID)
			staged.Deferred = append(staged.Deferred, deferred)
			continue
		}
		opts.Logger.InfoContext(ctx, "staged app", "app", app.AppID, "file", name)
		staged.Files = append(staged.Files, name)
	}
	return staged, nil
}

// stageOne tries the local path, then the HTTP URL, then the registry.
func stageOne(ctx context.Context, app models.AppPackage, opts Options) (file, deferred string, err error) {
	var errs []error

	if app.LocalPath != "" {
		p := app.LocalPath
		if !filepath.IsAbs(p) && opts.BaseDir != "" {
			p = filepath.Join(opts.BaseDir, p)
		}
		_, err := os.Stat(p)
		if err == nil {
			name := filepath.Base(p)
			return name, "", copyFile(p, filepath.Join(opts.Dir, name))
		}
		errs = append(errs, err)
	}

	if app.HTTPURL != "" {
		name := packageName(app)
		err := download(ctx, opts.HTTPClient, app.HTTPURL, filepath.Join(opts.Dir, name))
		if err == nil {
			return name, "", nil
		}
		errs = append(errs, err)
	}

	if app.RegistryURL != "" {
		if opts.RegistryUsername == "" || opts.RegistryPassword == "" {
			return "", "", ErrRegistryCredentials
		}
		return "", app.RegistryURL, nil
	}

	if len(errs) > 0 {
		return "", "", errors.Join(errs...)
	}
	return "", "", ErrNoLocator
}

func packageName(app models.AppPackage) string {
	base := path.Base(strings.SplitN(app.HTTPURL, "?", 2)[0])
	if strings.HasSuffix(base, ".tgz") || strings.HasSuffix(base, ".tar.gz") || strings.HasSuffix(base, ".spl") {
		return base
	}
	name := app.AppID
	if app.ReleaseVersion != "" {
		name += "-" + app.ReleaseVersion
	}
	return name + ".tgz"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func download(ctx context.Context, client *http.Client, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("download %s: %w", url, err)
	}
	return out.Close()
}
