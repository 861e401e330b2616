// Package confloader provides configuration loading for the node.
//
// It wraps koanf to load from YAML files, environment variables and
// maps, unmarshaling into typed structs. Priority (highest first):
// environment, file, defaults. The watcher half reloads the file on
// change so a subset of settings can be applied to a running node.
package confloader
