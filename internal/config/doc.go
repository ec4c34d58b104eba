// Package config provides YAML configuration loading and validation for
// the link daemon: device addressing, queue and transfer timing, HTTP
// endpoint settings and logging.
package config
