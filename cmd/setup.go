package cmd

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/picsim/extinit/pic/deck"
)

var (
	deckPath    string // Run deck (YAML or TOML)
	setupDryRun bool   // Configure only, skip the initialization pass
	setupSteps  int    // Number of steps to run after initialization
)

// runSummary is printed to stdout after setup.
type runSummary struct {
	Geometry   string           `yaml:"geometry"`
	Time       float64          `yaml:"time"`
	Steps      int              `yaml:"steps"`
	Fields     []fieldSummary   `yaml:"applied_fields"`
	Species    []speciesSummary `yaml:"species"`
	Injections int              `yaml:"file_injections"`
}

type fieldSummary struct {
	Channel      string   `yaml:"channel"`
	Policy       string   `yaml:"policy"`
	State        string   `yaml:"state"`
	Path         string   `yaml:"path"`
	Components   []string `yaml:"components"`
	Applications int      `yaml:"applications"`
}

type speciesSummary struct {
	Name      string `yaml:"name"`
	Particles int    `yaml:"particles"`
	Rejected  int    `yaml:"rejected"`
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure a run from a deck and run its initialization pass",
	Run: func(cmd *cobra.Command, args []string) {
		if deckPath == "" {
			logrus.Fatalf("--deck is required")
		}
		if err := runSetup(cmd.OutOrStdout(), deckPath, setupDryRun, setupSteps); err != nil {
			logrus.Fatalf("Setup failed: %v", err)
		}
	},
}

// runSetup builds the run described by the deck at path and, unless dryRun
// is set, initializes it and advances it by steps.
func runSetup(w io.Writer, path string, dryRun bool, steps int) error {
	d, err := deck.Load(path)
	if err != nil {
		return err
	}
	run, err := d.Build()
	if err != nil {
		return err
	}
	defer func() { _ = run.Close() }()

	if !dryRun {
		if err := run.Sim.Initialize(); err != nil {
			return err
		}
		for i := 0; i < steps; i++ {
			if err := run.Sim.Step(); err != nil {
				return err
			}
		}
		logrus.Infof("initialized %s run and advanced %d step(s) to t=%g", d.Geometry, steps, run.Sim.Time())
	}

	summary := runSummary{
		Geometry:   d.Geometry,
		Time:       run.Sim.Time(),
		Steps:      run.Sim.StepIndex(),
		Injections: len(run.Injections),
	}
	for _, f := range run.Fields {
		if !f.Active() {
			continue
		}
		summary.Fields = append(summary.Fields, fieldSummary{
			Channel:      string(f.Channel()),
			Policy:       string(f.Policy()),
			State:        string(f.State()),
			Path:         f.Source().Path(),
			Components:   f.Components(),
			Applications: f.Applications(),
		})
	}
	for _, sp := range run.Sim.AllSpecies() {
		summary.Species = append(summary.Species, speciesSummary{
			Name:      sp.Name,
			Particles: len(sp.Particles()),
			Rejected:  sp.Rejected(),
		})
	}
	out, err := yaml.Marshal(&summary)
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}
	_, err = w.Write(out)
	return err
}

func init() {
	setupCmd.Flags().StringVar(&deckPath, "deck", "", "Run deck file (.yaml, .yml or .toml)")
	setupCmd.Flags().BoolVar(&setupDryRun, "dry-run", false, "Configure and validate only; do not run the initialization pass")
	setupCmd.Flags().IntVar(&setupSteps, "steps", 0, "Steps to advance after initialization (resamples RF fields)")
	rootCmd.AddCommand(setupCmd)
}
