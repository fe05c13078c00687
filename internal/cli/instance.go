package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/dettest/internal/models"
)

// addInstanceFlags registers the flags that locate one instance.
func addInstanceFlags(cmd *cobra.Command) {
	cmd.Flags().String("instance", "", "Name of a configured remote instance")
	cmd.Flags().String("address", "localhost", "Instance address")
	cmd.Flags().Int("mgmt-port", 8089, "Management API port")
	cmd.Flags().Int("hec-port", 8088, "Ingestion endpoint port")
	cmd.Flags().Int("web-port", 8000, "Web UI port")
	cmd.Flags().String("scheme", "https", "Scheme of the management and ingestion endpoints")
	cmd.Flags().String("username", "admin", "Management API user")
	cmd.Flags().String("password", "", "Management API password (default: splunk_app_password)")
}

// instanceFromFlags resolves the instance named by --instance or built from
// the address flags.
func instanceFromFlags(cmd *cobra.Command) (models.InstanceSpec, error) {
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = cfg.SplunkAppPassword
	}

	if name, _ := cmd.Flags().GetString("instance"); name != "" {
		for _, spec := range cfg.Infrastructure.Instances {
			if spec.Name != name {
				continue
			}
			if spec.Username == "" {
				spec.Username = username
			}
			if spec.Password == "" {
				spec.Password = password
			}
			return spec, nil
		}
		return models.InstanceSpec{}, fmt.Errorf("instance %q is not configured", name)
	}

	spec := models.InstanceSpec{Name: "cli", Username: username, Password: password}
	spec.Address, _ = cmd.Flags().GetString("address")
	spec.MgmtPort, _ = cmd.Flags().GetInt("mgmt-port")
	spec.HECPort, _ = cmd.Flags().GetInt("hec-port")
	spec.WebPort, _ = cmd.Flags().GetInt("web-port")
	spec.Scheme, _ = cmd.Flags().GetString("scheme")
	return spec, nil
}
