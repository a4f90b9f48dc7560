// Package config loads the KrumpKraft daemon configuration from a JSON
// file, fills in defaults, and overlays secrets (wallet keys, API keys)
// from environment variables so they stay out of checked-in files.
package config
