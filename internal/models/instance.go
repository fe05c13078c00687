package models

import (
	"fmt"
	"net/url"
)

// InstanceState is the lifecycle state of one analytics instance.
type InstanceState int32

const (
	InstanceStopped InstanceState = iota
	InstanceStarting
	InstanceRunning
	InstanceStopping
	InstanceError
)

func (s InstanceState) String() string {
	switch s {
	case InstanceStopped:
		return "stopped"
	case InstanceStarting:
		return "starting"
	case InstanceRunning:
		return "running"
	case InstanceStopping:
		return "stopping"
	case InstanceError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// CanTransition reports whether from -> to is a legal step. Any state may move
// to error; error is terminal.
func CanTransition(from, to InstanceState) bool {
	if from == InstanceError {
		return false
	}
	if to == InstanceError {
		return true
	}
	switch from {
	case InstanceStopped:
		return to == InstanceStarting
	case InstanceStarting:
		return to == InstanceRunning || to == InstanceStopping
	case InstanceRunning:
		return to == InstanceStopping
	case InstanceStopping:
		return to == InstanceStopped
	}
	return false
}

// InstanceSpec describes how to reach (or create) one analytics instance.
type InstanceSpec struct {
	Name     string `mapstructure:"name" yaml:"name" json:"name"`
	Address  string `mapstructure:"address" yaml:"address" json:"address" validate:"required"`
	WebPort  int    `mapstructure:"web_port" yaml:"web_port" json:"web_port" validate:"gte=1,lte=65535"`
	HECPort  int    `mapstructure:"hec_port" yaml:"hec_port" json:"hec_port" validate:"gte=1,lte=65535"`
	MgmtPort int    `mapstructure:"mgmt_port" yaml:"mgmt_port" json:"mgmt_port" validate:"gte=1,lte=65535"`
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	// Scheme is "https" unless the instance serves plain HTTP.
	Scheme string `mapstructure:"scheme" yaml:"scheme" json:"scheme"`

	Image string       `mapstructure:"image" yaml:"image,omitempty" json:"image,omitempty"`
	Apps  []AppPackage `mapstructure:"apps" yaml:"apps,omitempty" json:"apps,omitempty"`
}

func (s InstanceSpec) scheme() string {
	if s.Scheme == "" {
		return "https"
	}
	return s.Scheme
}

// MgmtURL is the base URL of the management API.
func (s InstanceSpec) MgmtURL() string {
	return fmt.Sprintf("%s://%s:%d", s.scheme(), s.Address, s.MgmtPort)
}

// HECURL is the base URL of the ingestion endpoint.
func (s InstanceSpec) HECURL() string {
	return fmt.Sprintf("%s://%s:%d", s.scheme(), s.Address, s.HECPort)
}

// WebURL is the base URL of the user interface.
func (s InstanceSpec) WebURL() string {
	return fmt.Sprintf("http://%s:%d", s.Address, s.WebPort)
}

// SearchURL links to an interactive rerun of sid in the web UI.
func (s InstanceSpec) SearchURL(sid string) string {
	return fmt.Sprintf("%s/en-US/app/search/search?sid=%s", s.WebURL(), url.QueryEscape(sid))
}

// AppPackage is a third-party application installed into every instance.
// Exactly one locator must be usable.
type AppPackage struct {
	UID            int    `mapstructure:"uid" yaml:"uid,omitempty" json:"uid,omitempty"`
	AppID          string `mapstructure:"appid" yaml:"appid" json:"appid" validate:"required"`
	Title          string `mapstructure:"title" yaml:"title" json:"title"`
	ReleaseVersion string `mapstructure:"release_version" yaml:"release_version" json:"release_version"`
	LocalPath      string `mapstructure:"local_path" yaml:"local_path,omitempty" json:"local_path,omitempty"`
	HTTPURL        string `mapstructure:"http_path" yaml:"http_path,omitempty" json:"http_path,omitempty"`
	RegistryURL    string `mapstructure:"splunkbase_path" yaml:"splunkbase_path,omitempty" json:"splunkbase_path,omitempty"`
}
