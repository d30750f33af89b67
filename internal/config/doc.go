// Package config loads, normalizes, and validates Offload configuration data.
//
// It supplies repository defaults (including the built-in camera folder table
// and the photo/video extension sets), expands user paths with tilde
// shortcuts, and reads TOML files. The Config type centralizes every knob the
// daemon and CLI need so the ingest core can receive its pattern table and
// extension sets as explicit values instead of reading ambient state.
package config
