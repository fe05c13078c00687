package apps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/dettest/internal/config"
	"github.com/telhawk-systems/dettest/internal/logging"
	"github.com/telhawk-systems/dettest/internal/models"
)

func testOptions(t *testing.T) Options {
	return Options{
		Dir:    filepath.Join(t.TempDir(), "apps"),
		Logger: logging.Discard(),
	}
}

func TestStage_LocalPath(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "cim.tgz"), []byte("cim"), 0o600))

	opts := testOptions(t)
	opts.BaseDir = src
	staged, err := Stage(context.Background(), []models.AppPackage{{AppID: "cim", LocalPath: "cim.tgz"}}, opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"cim.tgz"}, staged.Files)
	assert.Empty(t, staged.Deferred)
	data, err := os.ReadFile(filepath.Join(opts.Dir, "cim.tgz"))
	require.NoError(t, err)
	assert.Equal(t, "cim", string(data))
}

func TestStage_HTTPDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("package:" + r.URL.Path))
	}))
	defer srv.Close()

	opts := testOptions(t)
	pkgs := []models.AppPackage{
		{AppID: "ta_win", ReleaseVersion: "8.1.0", HTTPURL: srv.URL + "/dl?id=7"},
		{AppID: "ta_sysmon", HTTPURL: srv.URL + "/files/sysmon.spl"},
	}
	staged, err := Stage(context.Background(), pkgs, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"ta_win-8.1.0.tgz", "sysmon.spl"}, staged.Files)

	data, err := os.ReadFile(filepath.Join(opts.Dir, "sysmon.spl"))
	require.NoError(t, err)
	assert.Equal(t, "package:/files/sysmon.spl", string(data))
}

func TestStage_FallsBackInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	opts := testOptions(t)
	opts.RegistryUsername = "user"
	opts.RegistryPassword = "pass"
	pkgs := []models.AppPackage{{
		AppID:       "cim",
		LocalPath:   filepath.Join(t.TempDir(), "absent.tgz"),
		HTTPURL:     srv.URL + "/missing",
		RegistryURL: "https://registry.example.com/app/1621/release/5.0.0/download",
	}}
	staged, err := Stage(context.Background(), pkgs, opts)
	require.NoError(t, err)

	assert.Empty(t, staged.Files)
	assert.Equal(t, []string{pkgs[0].RegistryURL}, staged.Deferred)
}

func TestStage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		app    models.AppPackage
		target error
	}{
		{
			name:   "registry without credentials",
			app:    models.AppPackage{AppID: "cim", RegistryURL: "https://registry.example.com/cim"},
			target: ErrRegistryCredentials,
		},
		{
			name:   "no locator",
			app:    models.AppPackage{AppID: "cim"},
			target: ErrNoLocator,
		},
		{
			name:   "missing local file",
			app:    models.AppPackage{AppID: "cim", LocalPath: "/nonexistent/cim.tgz"},
			target: os.ErrNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Stage(context.Background(), []models.AppPackage{tt.app}, testOptions(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrConfiguration)
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), "app cim")
		})
	}
}

func TestStaged_Locators(t *testing.T) {
	s := &Staged{
		Files:    []string{"a.tgz", "b.spl"},
		Deferred: []string{"https://registry/c"},
	}
	assert.Equal(t, []string{"/tmp/apps/a.tgz", "/tmp/apps/b.spl", "https://registry/c"}, s.Locators("/tmp/apps"))
}
