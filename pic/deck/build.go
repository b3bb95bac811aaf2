package deck

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/picsim/extinit/pic"
	"github.com/picsim/extinit/pic/applied"
	"github.com/picsim/extinit/pic/injection"
)

// Run is an engine configured from a deck, with the bindings it staged.
type Run struct {
	Sim        *pic.Simulation
	Fields     []*applied.Spec
	Injections []*injection.Spec
}

// Build validates the deck, creates the engine, binds every applied field
// and adds every species. Nothing is materialized until the engine's
// initialization pass.
func (d *Deck) Build() (*Run, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	sim, err := pic.NewSimulation(d.Config())
	if err != nil {
		return nil, err
	}
	run := &Run{Sim: sim}
	for i, af := range d.AppliedFields {
		path := d.resolve(af.ReadFieldsFromPath)
		var specs []*applied.Spec
		switch af.Kind {
		case KindStatic:
			specs, err = applied.LoadAppliedField{ReadFieldsFromPath: path, LoadE: af.LoadE, LoadB: af.LoadB}.Register(sim)
		case KindRF:
			specs, err = applied.LoadAppliedRFField{ReadFieldsFromPath: path, LoadE: af.LoadE, LoadB: af.LoadB}.Register(sim)
		}
		if err != nil {
			_ = run.Close()
			return nil, fmt.Errorf("applied_fields[%d]: %w", i, err)
		}
		run.Fields = append(run.Fields, specs...)
	}
	for _, sc := range d.Species {
		sp := pic.NewSpecies(sc.Name)
		sp.Charge, sp.Mass = sc.Charge, sc.Mass
		if in := sc.Injection; in != nil {
			sp.InitialDistributions = append(sp.InitialDistributions, &injection.ExternalFileInjector{
				Filename:           d.resolve(in.File),
				FileSpecies:        in.FileSpecies,
				Charge:             in.Charge,
				Mass:               in.Mass,
				ZShift:             in.ZShift,
				ImposeTLabFromFile: in.ImposeTLabFromFile,
				TotalCharge:        in.QTot,
			})
		}
		if err := sim.AddSpecies(sp, nil, sc.DensityScale); err != nil {
			_ = run.Close()
			return nil, err
		}
		for _, g := range sp.Groups() {
			if spec, ok := g.Directive.(*injection.Spec); ok {
				run.Injections = append(run.Injections, spec)
			}
		}
	}
	logrus.Infof("configured %s run: %d applied field(s), %d species, %d file injection(s)",
		d.Geometry, len(sim.AppliedFields()), len(d.Species), len(run.Injections))
	return run, nil
}

// Close releases every file handle the run holds.
func (r *Run) Close() error {
	err := r.Sim.Close()
	for _, spec := range r.Injections {
		if cerr := spec.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
