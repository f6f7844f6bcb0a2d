// Package config provides fedrun configuration loading.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then FEDRUN_* environment variables. The same Config serves the central
// authority, the file-storage service and every node role; each command
// reads only the sections it needs.
package config
