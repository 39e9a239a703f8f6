package flags

import (
	"github.com/urfave/cli/v2"
)

// GetCliFlags returns the cli.Flag set mirror-cache accepts.
func GetCliFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config_file",
			Value: "",
			Usage: "Path to a YAML configuration file. If this flag is specified then all other flags " +
				"except profile_host and profile_port are ignored.",
			EnvVars: []string{"MIRROR_CACHE_CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:    "dir",
			Value:   "",
			Usage:   "Directory path where to store cached blobs. This flag is required.",
			EnvVars: []string{"MIRROR_CACHE_DIR"},
		},
		&cli.StringFlag{
			Name:    "listen",
			Value:   ":8080",
			Usage:   "Address for the HTTP server to listen on.",
			EnvVars: []string{"MIRROR_CACHE_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "self_url",
			Value:   "",
			Usage:   "The externally reachable base URL of this proxy, used to rewrite package index links.",
			EnvVars: []string{"MIRROR_CACHE_SELF_URL"},
		},
		&cli.StringFlag{
			Name:    "redis_addr",
			Value:   "",
			Usage:   "Address of the Redis instance backing the metadata store. This flag is required.",
			EnvVars: []string{"MIRROR_CACHE_REDIS_ADDR"},
		},
		&cli.IntFlag{
			Name:    "redis_db",
			Value:   0,
			Usage:   "Redis logical database number to use for metadata.",
			EnvVars: []string{"MIRROR_CACHE_REDIS_DB"},
		},
		&cli.StringFlag{
			Name:    "pypi_index_upstream",
			Value:   "",
			Usage:   "Upstream base URL for PyPI simple index pages. This flag is required.",
			EnvVars: []string{"MIRROR_CACHE_PYPI_INDEX_UPSTREAM"},
		},
		&cli.Int64Flag{
			Name:    "pypi_index_max_size_bytes",
			Value:   0,
			Usage:   "Maximum total size in bytes of the LRU cache backing PyPI index pages.",
			EnvVars: []string{"MIRROR_CACHE_PYPI_INDEX_MAX_SIZE_BYTES"},
		},
		&cli.StringFlag{
			Name:    "pypi_packages_upstream",
			Value:   "",
			Usage:   "Upstream base URL for PyPI package archives. This flag is required.",
			EnvVars: []string{"MIRROR_CACHE_PYPI_PACKAGES_UPSTREAM"},
		},
		&cli.Int64Flag{
			Name:    "pypi_packages_max_size_bytes",
			Value:   0,
			Usage:   "Maximum total size in bytes of the LRU cache backing PyPI package archives.",
			EnvVars: []string{"MIRROR_CACHE_PYPI_PACKAGES_MAX_SIZE_BYTES"},
		},
		&cli.StringFlag{
			Name:    "anaconda_upstream",
			Value:   "",
			Usage:   "Upstream base URL for Anaconda packages. This flag is required.",
			EnvVars: []string{"MIRROR_CACHE_ANACONDA_UPSTREAM"},
		},
		&cli.Int64Flag{
			Name:    "anaconda_ttl_seconds",
			Value:   0,
			Usage:   "TTL in seconds for cached Anaconda packages.",
			EnvVars: []string{"MIRROR_CACHE_ANACONDA_TTL_SECONDS"},
		},
		&cli.StringFlag{
			Name:    "profile_host",
			Value:   "127.0.0.1",
			Usage:   "A host address to listen on for profiling, if enabled by a valid --profile_port setting.",
			EnvVars: []string{"MIRROR_CACHE_PROFILE_HOST"},
		},
		&cli.IntFlag{
			Name:        "profile_port",
			Value:       0,
			Usage:       "If a positive integer, serve /debug/pprof/* URLs from http://profile_host:profile_port.",
			DefaultText: "0, ie profiling disabled",
			EnvVars:     []string{"MIRROR_CACHE_PROFILE_PORT"},
		},
	}
}
