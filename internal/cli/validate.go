package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/provisioner/internal/compose"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/templates"
)

// VariantPlan is what a variant would ask the server for.
type VariantPlan struct {
	Variant           string         `json:"variant"`
	Counts            map[string]int `json:"counts,omitempty"`
	OrganisationUnits int            `json:"organisationUnits"`
	Error             string         `json:"error,omitempty"`
}

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var defaultCombination string
	cmd := &cobra.Command{
		Use:   "validate <templates.yaml>",
		Short: "Check a templates file and show what each variant would provision",
		Long: `Validate a templates file against its schema and compose every variant
without contacting the server. Exits 1 if any variant cannot be composed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := templates.Load(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load templates", err)
			}
			plans := planVariants(doc, defaultCombination)

			if rootOpts.Format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), plans); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VARIANT\tOPTIONS\tGROUPINGS\tCOMBINATIONS\tITEMS\tUNITS\tERROR")
				for _, p := range plans {
					problem := p.Error
					if problem == "" {
						problem = "-"
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n", p.Variant,
						p.Counts[string(metadata.Option)], p.Counts[string(metadata.Grouping)],
						p.Counts[string(metadata.Combination)], p.Counts[string(metadata.MeasurableItem)],
						p.OrganisationUnits, problem)
				}
				_ = w.Flush()
			}

			for _, p := range plans {
				if p.Error != "" {
					return NewExitError(ExitFailure, "templates do not compose")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&defaultCombination, "default-combination", envOrDefault("PROVISIONER_DEFAULT_COMBINATION", ""), "id of the server's default combination")
	return cmd
}

func planVariants(doc *templates.Document, defaultCombination string) []VariantPlan {
	plans := make([]VariantPlan, 0, len(doc.Variants))
	for _, variant := range doc.Variants {
		plan := VariantPlan{Variant: variant.Key}
		root, err := compose.Compose(doc, variant, compose.Options{DefaultCombinationID: defaultCombination})
		if err != nil {
			plan.Error = err.Error()
			plans = append(plans, plan)
			continue
		}
		plan.Counts = map[string]int{}
		for _, level := range compose.Levels(root) {
			if level.Type == metadata.Collection {
				continue
			}
			plan.Counts[string(level.Type)] = len(level.Targets)
		}
		plan.OrganisationUnits = len(compose.OrganisationUnits(root))
		plans = append(plans, plan)
	}
	return plans
}
