// Package pic provides the engine side of a particle-in-cell run that is
// initialized from external data files.
//
// # Reading Guide
//
// Start with these files to understand the engine:
//   - geometry.go: grid geometries (2d, 3d, rz), node indexing and subdomain boxes
//   - fields.go: engine-owned E and B arrays and the AppliedField contract
//   - species.go: species, attribute groups and the injection directive contract
//   - simulation.go: configuration, the initialization pass and time stepping
//
// # Architecture
//
// The pic package defines interfaces; file-backed implementations live in
// sub-packages:
//   - pic/pmd/: the container format shared by field and particle files
//   - pic/fieldfile/: mesh validation and space/time sampling of field files
//   - pic/particlefile/: paged reading of particle species records
//   - pic/applied/: LoadAppliedField and LoadAppliedRFField binders
//   - pic/injection/: the external_file injection style and boosted-frame transform
//   - pic/deck/: YAML/TOML run decks that build a configured Simulation
//
// Binders and injectors open and validate their files while the run is
// configured, so a mismatched file fails AddAppliedField or AddSpecies.
// Initialize only samples the bound fields and materializes particles.
// Option conflicts that need no file are rejected before any file is opened.
package pic
