package app

import (
	"errors"
	"flag"
	"io"
	"os"
)

type Config struct {
	DBPath      string
	RunID       string
	OutputFile  string
	WaveformDir string
	FaultsOnly  bool
	FromIndex   int

	// Stdout receives the run listing and, without OutputFile, the results
	Stdout io.Writer
}

func NewConfig() *Config {
	return &Config{
		Stdout: os.Stdout,
	}
}

func NewConfigFromCLI() (*Config, error) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

func parseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	c := NewConfig()

	fs.StringVar(&c.DBPath, "db", "", "Path to the database file")
	fs.StringVar(&c.RunID, "run", "", "Run ID to export, lists runs when omitted")
	fs.StringVar(&c.OutputFile, "o", "", "Path to the results CSV file, stdout when omitted")
	fs.StringVar(&c.WaveformDir, "waveforms", "", "Directory to write stored waveforms to")
	fs.BoolVar(&c.FaultsOnly, "faults", false, "Export faulted coordinates only")
	fs.IntVar(&c.FromIndex, "from", 0, "Export results from this coordinate index")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("database file is required")
	}
	if c.FromIndex < 0 {
		return errors.New("from index must not be negative")
	}
	if c.RunID == "" && (c.OutputFile != "" || c.WaveformDir != "" || c.FaultsOnly) {
		return errors.New("a run ID is required to export results")
	}
	return nil
}
