package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrproliu/go-agent-virtualfield/frameworks/core"
	"github.com/mrproliu/go-agent-virtualfield/internal/agentlog"
	"github.com/mrproliu/go-agent-virtualfield/internal/config"
	"github.com/mrproliu/go-agent-virtualfield/internal/field"
)

var logger = logrus.NewEntry(logrus.StandardLogger())

type compileOptions struct {
	Package string
	Output  string
}

func (c *compileOptions) String() string {
	return fmt.Sprintf("-p: %s, -o: %s", c.Package, c.Output)
}

// go build -a -toolexec /path/to/go-agent-virtualfield .
func main() {
	os.Exit(run(os.Args[1:]))
}

// run instruments the tool invocation in args, executes it and returns the
// exit code of the process.
func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		return report(err)
	}
	agentLogger, err := agentlog.New(cfg.Log)
	if err != nil {
		return report(err)
	}
	defer agentLogger.Close()
	logger = logrus.NewEntry(agentLogger.Logger)
	core.SetLogger(logger)

	logger.WithField("args", args).Debug("tool invoked")
	option := parseCompileOption(args)
	if option != nil && option.Package != "" && option.Output != "" {
		logger = agentLogger.ForPackage(option.Package)
		insts, err := buildInstruments(option.Package, cfg)
		if err != nil {
			logger.WithError(err).Error("instrument failure")
			return report(err)
		}
		newArgs, err := instrument(args, option, insts)
		if err != nil {
			logger.WithError(err).Error("instrument failure")
			return report(err)
		}
		args = newArgs
	}
	if err := executeCommand(args); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		logger.WithError(err).Error("execute tool failure")
		return report(err)
	}
	return 0
}

// report writes err on stderr, where go build shows it, and returns the exit
// code failing the build.
func report(err error) int {
	fmt.Fprintf(os.Stderr, "go-agent-virtualfield: %v\n", err)
	return 1
}

// buildInstruments selects the instruments of the package being compiled.
func buildInstruments(pkg string, cfg *config.Config) ([]Instrument, error) {
	if pkg == "runtime" {
		return []Instrument{NewRuntimeInstrument()}, nil
	}
	virtualFields, err := NewVirtualFieldInstrument(pkg, cfg, frameworkInstruments, field.NewGuard())
	if err != nil {
		return nil, err
	}
	return []Instrument{NewFrameworkInstrument(pkg), virtualFields}, nil
}

// parseCompileOption reads the package and the output of a compile command:
// go build -a -work -toolexec /path/to/go-agent-virtualfield .
func parseCompileOption(args []string) *compileOptions {
	if len(args) == 0 {
		return nil
	}

	cmd := filepath.Base(args[0])
	if ext := filepath.Ext(cmd); ext != "" {
		cmd = strings.TrimSuffix(cmd, ext)
	}
	if cmd != "compile" {
		return nil
	}

	opt := &compileOptions{}
	i := 1
	for i < len(args) {
		if args[i] == "" || args[i][0] != '-' {
			i += 1
			continue
		}

		kv := strings.SplitN(args[i], "=", 2)
		var valRef *string
		if kv[0] == "-p" {
			valRef = &opt.Package
		} else if kv[0] == "-o" {
			valRef = &opt.Output
		} else {
			if len(kv) == 2 || i+1 >= len(args) {
				i += 1
			} else if args[i+1] == "" || (len(args[i+1]) > 1 && args[i+1][0] != '-') {
				i += 2
			} else {
				i += 1
			}
			continue
		}

		if len(kv) == 2 {
			*valRef = kv[1]
			i += 1
		} else if i+1 < len(args) {
			*valRef = args[i+1]
			i += 2
		} else {
			i += 1
		}
	}

	return opt
}

// executeCommand runs the tool with the rewritten arguments.
func executeCommand(args []string) error {
	if len(args) == 0 {
		return errors.New("no tool to execute")
	}
	path := args[0]
	args = args[1:]
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
