// Package applied binds external field files to the engine's E and B
// channels.
//
// A Spec owns one field file handle and is registered with the engine's
// applied-field list. Static specs are written once by the initialization
// pass; time-resolved (RF) specs are resampled every step. The loaders
// LoadAppliedField and LoadAppliedRFField are the declarative front end a
// run deck uses.
package applied

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/picsim/extinit/pic"
	"github.com/picsim/extinit/pic/fieldfile"
	"github.com/picsim/extinit/pic/units"
)

// Policy selects how a field file is consumed.
type Policy string

const (
	PolicyStatic       Policy = "static"
	PolicyTimeResolved Policy = "time_resolved"
)

var validPolicies = map[Policy]bool{
	PolicyStatic:       true,
	PolicyTimeResolved: true,
}

// State is the lifecycle position of a Spec.
type State string

const (
	StateBound   State = "Bound"
	StateApplied State = "Applied"
)

var channelDimensions = map[pic.Channel]units.Dimension{
	pic.ChannelE: units.ElectricField,
	pic.ChannelB: units.MagneticField,
}

// UnsupportedChannelError reports a loader asked for a channel it cannot
// provide.
type UnsupportedChannelError struct {
	Loader  string
	Channel pic.Channel
}

func (e *UnsupportedChannelError) Error() string {
	return fmt.Sprintf("%s cannot load the %s channel; only E is supported", e.Loader, e.Channel)
}

// Target is the part of the engine a binding registers with.
type Target interface {
	Geometry() pic.Geometry
	AddAppliedField(f pic.AppliedField) error
}

// Spec is an applied field bound to one channel. It implements
// pic.AppliedField.
type Spec struct {
	channel pic.Channel
	policy  Policy
	source  *fieldfile.File
	state   State
	closed  bool
	applied int
}

// Bind opens path for channel ch, checks it against the target geometry
// and registers the resulting spec with target. The spec reads the mesh
// named after the channel.
func Bind(target Target, ch pic.Channel, path string, policy Policy) (*Spec, error) {
	s, err := open(target.Geometry(), ch, path, policy)
	if err != nil {
		return nil, err
	}
	if err := s.register(target); err != nil {
		return nil, err
	}
	return s, nil
}

// open validates the request and the file without touching the engine.
func open(geom pic.Geometry, ch pic.Channel, path string, policy Policy) (*Spec, error) {
	want, ok := channelDimensions[ch]
	if !ok {
		return nil, pic.Configurationf("unknown field channel %q; valid: E, B", ch)
	}
	if !validPolicies[policy] {
		return nil, pic.Configurationf("unknown load policy %q; valid: static, time_resolved", policy)
	}
	src, err := fieldfile.Open(path, geom, fieldfile.WithMesh(string(ch)))
	if err != nil {
		return nil, err
	}
	if dim, assumed := src.UnitDimension(); !assumed && !dim.Equal(want) {
		_ = src.Close()
		return nil, &fieldfile.FieldLoadError{
			Path:   path,
			Reason: fmt.Sprintf("mesh %s has dimension %s, want %s (%s)", ch, dim, want.Name(), want),
		}
	}
	if policy == PolicyStatic && src.TimeResolved() {
		logrus.Infof("static %s field from %s holds %d iterations; using t=%g",
			ch, path, len(src.Times()), src.Times()[0])
	}
	return &Spec{channel: ch, policy: policy, source: src, state: StateBound}, nil
}

func (s *Spec) register(target Target) error {
	if err := target.AddAppliedField(s); err != nil {
		_ = s.Close()
		return err
	}
	logrus.Debugf("bound %s %s field to %s", s.policy, s.channel, s.source.Path())
	return nil
}

// Channel implements pic.AppliedField.
func (s *Spec) Channel() pic.Channel { return s.channel }

// Policy returns the load policy.
func (s *Spec) Policy() Policy { return s.policy }

// Source returns the underlying field file.
func (s *Spec) Source() *fieldfile.File { return s.source }

// State returns the lifecycle state.
func (s *Spec) State() State { return s.state }

// Active reports whether the spec still holds its file handle.
func (s *Spec) Active() bool { return !s.closed }

// Applications is the number of times the engine has written the field.
func (s *Spec) Applications() int { return s.applied }

// TimeResolved implements pic.AppliedField.
func (s *Spec) TimeResolved() bool { return s.policy == PolicyTimeResolved }

// Components implements pic.AppliedField.
func (s *Spec) Components() []string { return s.source.Components() }

// SampleAt implements pic.AppliedField. Static specs always read the first
// iteration.
func (s *Spec) SampleAt(pos []float64, t float64) ([]float64, error) {
	if s.closed {
		return nil, fmt.Errorf("applied %s field from %s is closed", s.channel, s.source.Path())
	}
	if !s.TimeResolved() {
		t = s.source.Times()[0]
	}
	return s.source.SampleAt(pos, t)
}

// MarkApplied implements pic.AppliedField.
func (s *Spec) MarkApplied() {
	s.state = StateApplied
	s.applied++
}

// Close releases the file handle. Closing twice is a no-op.
func (s *Spec) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.source.Close()
}

// LoadAppliedField loads a static field snapshot from a file.
type LoadAppliedField struct {
	ReadFieldsFromPath string
	LoadE              bool
	LoadB              bool
}

// Register binds every requested channel, each with its own handle. All
// channels are opened and validated before any is registered, so a failing
// channel leaves the engine unmodified.
func (l LoadAppliedField) Register(target Target) ([]*Spec, error) {
	if err := checkLoader("LoadAppliedField", l.ReadFieldsFromPath, l.LoadE, l.LoadB); err != nil {
		return nil, err
	}
	var specs []*Spec
	for _, ch := range requested(l.LoadE, l.LoadB) {
		s, err := open(target.Geometry(), ch, l.ReadFieldsFromPath, PolicyStatic)
		if err != nil {
			closeAll(specs)
			return nil, err
		}
		specs = append(specs, s)
	}
	// Every channel opened; only now does the engine see them.
	for i, s := range specs {
		if err := s.register(target); err != nil {
			closeAll(specs[i+1:])
			return nil, err
		}
	}
	return specs, nil
}

// LoadAppliedRFField loads a time-resolved field. Only the electric
// channel is supported; asking for B fails before the file is opened.
type LoadAppliedRFField struct {
	ReadFieldsFromPath string
	LoadE              bool
	LoadB              bool
}

// Register binds the E channel as a time-resolved spec.
func (l LoadAppliedRFField) Register(target Target) ([]*Spec, error) {
	if l.LoadB {
		return nil, &UnsupportedChannelError{Loader: "LoadAppliedRFField", Channel: pic.ChannelB}
	}
	if err := checkLoader("LoadAppliedRFField", l.ReadFieldsFromPath, l.LoadE, l.LoadB); err != nil {
		return nil, err
	}
	s, err := Bind(target, pic.ChannelE, l.ReadFieldsFromPath, PolicyTimeResolved)
	if err != nil {
		return nil, err
	}
	return []*Spec{s}, nil
}

func closeAll(specs []*Spec) {
	for _, s := range specs {
		_ = s.Close()
	}
}

func checkLoader(name, path string, loadE, loadB bool) error {
	if path == "" {
		return pic.Configurationf("%s needs read_fields_from_path", name)
	}
	if !loadE && !loadB {
		return pic.Configurationf("%s for %s loads neither E nor B", name, path)
	}
	return nil
}

func requested(loadE, loadB bool) []pic.Channel {
	var chs []pic.Channel
	if loadE {
		chs = append(chs, pic.ChannelE)
	}
	if loadB {
		chs = append(chs, pic.ChannelB)
	}
	return chs
}
