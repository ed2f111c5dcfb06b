// Package main hosts the meanteacher CLI.
//
// The Cobra command tree loads the TOML configuration, builds the dataset
// splits, the student/teacher pair and the training collaborators, and then
// hands control to training.Experiment. Auxiliary commands scaffold and
// inspect configuration files, evaluate saved checkpoints and read back the
// metrics recorded in the SQLite summary database.
//
// Keep this package lean: new behavior belongs in the library packages and
// is only surfaced here through commands or flags.
package main
