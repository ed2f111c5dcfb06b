// Package logging assembles the structured slog loggers used by the trainer
// and the command line tools.
//
// It owns the console and JSON handlers and the level and output plumbing.
// Log lines that carry a "component" attribute are tagged with it, and the
// "stage" and "epoch" attributes form the line subject, so training output
// reads as "[trainer] coarse · epoch 12 – epoch finished".
package logging
