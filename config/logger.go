package config

import (
	"log"
	"os"
)

// LogFlags matches the teacher's access/error logger format: dated,
// UTC timestamps, no source prefix since the logger names say enough.
const LogFlags = log.Ldate | log.Ltime | log.LUTC

func (c *Config) setLogger() {
	c.AccessLogger = log.New(os.Stdout, "", LogFlags)
	c.ErrorLogger = log.New(os.Stderr, "", LogFlags)
}
