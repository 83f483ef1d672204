package config

import "github.com/spf13/pflag"

// Flags are the command line options. Set flags win over the file and environment.
type Flags struct {
	Path     string
	HTTPAddr string
	LogLevel string
	Loopback bool

	fs *pflag.FlagSet
}

func (f *Flags) AddFlags(fs *pflag.FlagSet) *Flags {
	fs.StringVarP(&f.Path, "config", "c", "", "Path to a YAML config file")
	fs.StringVar(&f.HTTPAddr, "http-addr", "", "Control API listen address")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&f.Loopback, "loopback", false, "Run the built-in RTMP ingest and stream to it")
	f.fs = fs
	return f
}

// Apply overrides cfg with the flags given on the command line
func (f *Flags) Apply(cfg *Config) {
	if f.fs == nil {
		return
	}
	if f.fs.Changed("http-addr") {
		cfg.HTTPAddr = f.HTTPAddr
	}
	if f.fs.Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
	if f.fs.Changed("loopback") {
		cfg.Loopback.Enabled = f.Loopback
	}
}
