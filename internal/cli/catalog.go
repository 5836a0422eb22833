package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/area/internal/catalog"
)

type componentView struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Kind    string `json:"kind"`
	Params  int    `json:"params"`
	Outputs int    `json:"outputs"`
}

type catalogView struct {
	Valid      bool            `json:"valid"`
	Source     string          `json:"source"`
	Error      string          `json:"error,omitempty"`
	Components []componentView `json:"components,omitempty"`
}

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and validate service catalogs",
	}
	cmd.AddCommand(newCatalogValidateCommand(opts))
	return cmd
}

func newCatalogValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a catalog file (the embedded default when no file is given)",
		Long: `Load a catalog exactly as the engine would: expand ${ENV} references,
check identifiers and compile every component's parameter schema.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cat *catalog.Catalog
				err error
			)
			view := catalogView{Source: "embedded"}
			if len(args) == 1 {
				view.Source = args[0]
				cat, err = catalog.Load(args[0])
			} else {
				cat, err = catalog.Default()
			}

			if err != nil {
				view.Error = err.Error()
			} else {
				view.Valid = true
				for _, id := range cat.ComponentIDs() {
					comp := cat.Component(id)
					view.Components = append(view.Components, componentView{
						ID:      comp.ID,
						Service: comp.ServiceID,
						Kind:    comp.Kind,
						Params:  len(comp.Spec.Params),
						Outputs: len(comp.Spec.Outputs),
					})
				}
			}

			if perr := opts.printer(cmd.OutOrStdout()).emit(view, func(w io.Writer) error {
				if !view.Valid {
					_, err := fmt.Fprintf(w, "invalid catalog %s: %s\n", view.Source, view.Error)
					return err
				}
				rows := make([][]string, 0, len(view.Components))
				for _, c := range view.Components {
					rows = append(rows, []string{c.ID, c.Service, c.Kind, strconv.Itoa(c.Params), strconv.Itoa(c.Outputs)})
				}
				if err := table(w, []string{"COMPONENT", "SERVICE", "KIND", "PARAMS", "OUTPUTS"}, rows); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "catalog %s is valid (%d components)\n", view.Source, len(rows))
				return err
			}); perr != nil {
				return perr
			}

			if err != nil {
				return fmt.Errorf("catalog %s is invalid", view.Source)
			}
			return nil
		},
	}
}
