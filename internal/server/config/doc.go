// Package config defines the node configuration structure: the
// transport tunables, the static peer list, the admin endpoint, and
// logging. Values load through internal/infra/confloader with
// priority env > file > defaults.
package config
