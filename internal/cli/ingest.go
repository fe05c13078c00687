package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/dettest/internal/attackdata"
	"github.com/telhawk-systems/dettest/internal/hec"
	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/output"
	"github.com/telhawk-systems/dettest/internal/splunk"
	"github.com/telhawk-systems/dettest/internal/worker"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE|URL",
	Short: "Replay one attack data file into an instance",
	Long: `Upload an attack data file to an instance's ingestion endpoint and
wait until the instance acknowledges the write. Without --token the
collector input used by test runs is created or reused.`,
	Example: `  dettest ingest attack_data/windows-security.log --sourcetype XmlWinEventLog --source XmlWinEventLog:Security
  dettest ingest https://media.example.com/sysmon.log --instance lab1 --update-timestamp`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		spec, err := instanceFromFlags(cmd)
		if err != nil {
			return err
		}

		ad := models.AttackData{Data: args[0]}
		ad.Source, _ = cmd.Flags().GetString("source")
		ad.Sourcetype, _ = cmd.Flags().GetString("sourcetype")
		ad.Host, _ = cmd.Flags().GetString("host")
		ad.Index, _ = cmd.Flags().GetString("index")
		ad.UpdateTimestamp, _ = cmd.Flags().GetBool("update-timestamp")
		ad = ad.WithDefaults()

		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			sc := splunk.NewClient(spec.MgmtURL(), spec.Username, spec.Password)
			token, err = sc.EnsureHECInput(ctx, splunk.HECInput{
				Name:    worker.DefaultHECInputName,
				Index:   ad.Index,
				Indexes: []string{ad.Index},
			})
			if err != nil {
				return fmt.Errorf("collector input: %w", err)
			}
		}

		tmp, err := os.MkdirTemp("", "dettest-ingest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		data, err := attackdata.New(tmp, attackdata.WithBaseDir("."))
		if err != nil {
			return err
		}
		dir, err := data.TempDir("cli")
		if err != nil {
			return err
		}
		path, err := data.Materialize(ctx, dir, ad)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		ackTimeout, _ := cmd.Flags().GetDuration("ack-timeout")
		client := hec.NewClient(spec.HECURL(), token, hec.WithAckTimeout(ackTimeout))
		if err := client.Send(ctx, f, hec.EventMeta{
			Index:      ad.Index,
			Source:     ad.Source,
			Sourcetype: ad.Sourcetype,
			Host:       ad.Host,
		}); err != nil {
			return err
		}
		output.Success("Ingested %s into index %s (host %s)", args[0], ad.Index, ad.Host)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	addInstanceFlags(ingestCmd)

	ingestCmd.Flags().String("token", "", "Collector token")
	ingestCmd.Flags().String("source", "", "Source field of the events")
	ingestCmd.Flags().String("sourcetype", "", "Sourcetype of the events")
	ingestCmd.Flags().String("host", "", "Host field (default: "+models.DefaultAttackDataHost+")")
	ingestCmd.Flags().String("index", "", "Target index (default: "+models.DefaultAttackDataIndex+")")
	ingestCmd.Flags().Bool("update-timestamp", false, "Move timestamps so the data ends now")
	ingestCmd.Flags().Duration("ack-timeout", hec.DefaultAckTimeout, "Acknowledgement timeout")
	_ = ingestCmd.MarkFlagRequired("sourcetype")
}
