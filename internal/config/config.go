// Package config holds the run options and the command-line surface.
package config

import (
	"errors"
	"fmt"
	"io"

	flag "github.com/spf13/pflag"
)

// UsageError reports bad arguments; the CLI prints it together with a
// pointer to --help and exits 1.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

// ErrExitZero is returned by Parse when --help or --version already did all
// the work.
var ErrExitZero = errors.New("config: nothing left to do")

// Options is the immutable run configuration. It is populated once by Parse
// and then only read.
type Options struct {
	TargetDir  string
	SourceDir  string
	SourceConn string

	DryRun  bool
	Verbose bool
	NoSync  bool
}

// Remote reports whether the source is reached over a connection string.
func (o Options) Remote() bool {
	return o.SourceConn != ""
}

// Parse reads the command line. Exactly one of --source-pgdata and
// --source-server must be given, and --target-pgdata always.
func Parse(args []string, version string, out io.Writer) (Options, error) {
	var (
		o           Options
		showVersion bool
		showHelp    bool
	)

	fs := flag.NewFlagSet("pgrewind", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintf(out, `pgrewind resynchronizes a PostgreSQL cluster with another copy of the cluster.

Usage:
  pgrewind [OPTION]...

Options:
%s`, fs.FlagUsages())
	}

	fs.StringVarP(&o.TargetDir, "target-pgdata", "D", "", "existing data directory to modify")
	fs.StringVar(&o.SourceDir, "source-pgdata", "", "source data directory to synchronize with")
	fs.StringVar(&o.SourceConn, "source-server", "", "source server to synchronize with")
	fs.BoolVarP(&o.DryRun, "dry-run", "n", false, "stop before modifying anything")
	fs.BoolVarP(&o.Verbose, "verbose", "v", false, "write a lot of progress messages")
	fs.BoolVar(&o.NoSync, "no-sync", false, "do not wait for changes to be written safely to disk")
	fs.BoolVarP(&showVersion, "version", "V", false, "output version information, then exit")
	fs.BoolVarP(&showHelp, "help", "?", false, "show this help, then exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return o, ErrExitZero
		}
		return o, &UsageError{Msg: err.Error()}
	}

	if showHelp {
		fs.Usage()
		return o, ErrExitZero
	}
	if showVersion {
		fmt.Fprintf(out, "pgrewind %s\n", version)
		return o, ErrExitZero
	}

	if rest := fs.Args(); len(rest) > 0 {
		return o, &UsageError{Msg: fmt.Sprintf("too many command-line arguments (first is %q)", rest[0])}
	}
	if o.TargetDir == "" {
		return o, &UsageError{Msg: "no target data directory specified (--target-pgdata)"}
	}
	if (o.SourceDir == "") == (o.SourceConn == "") {
		return o, &UsageError{Msg: "exactly one of --source-pgdata and --source-server must be specified"}
	}
	return o, nil
}
