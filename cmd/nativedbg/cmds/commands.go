package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/nativedbg/pkg/config"
	"github.com/go-delve/nativedbg/pkg/logflags"
	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/native"
	"github.com/go-delve/nativedbg/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string
	// timeout stops the session after the given time, 0 for no limit.
	timeout time.Duration

	// breaks are the software breakpoints to install.
	breaks []string
	// hwBreaks are the hardware breakpoints to install.
	hwBreaks []string

	// argsString is the command line of the debuggee given as one string.
	argsString string
	// workingDir is the working directory for running the program.
	workingDir string
	// newConsole gives the debuggee its own console.
	newConsole bool
	// checksum is the expected CRC32 of the executable.
	checksum uint32

	verbose bool
)

const nativedbgCommandLongDesc = `nativedbg is a debug engine for native Windows processes.

It launches or attaches to a process, installs software, hardware and page
breakpoints and prints every debug event the process produces.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`nativedbg exec app.exe --break kernel32!CreateFileW -- --config conf.toml`"

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "nativedbg",
		Short: "nativedbg is a debug engine for native Windows processes.",
		Long:  nativedbgCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable engine logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'nativedbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'nativedbg help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, instead of the default one.")
	rootCommand.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Stop debugging after this long: a launched process is killed, an attached one detached from.")
	addBreakpointFlags(rootCommand.PersistentFlags())

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args...]",
		Short: "Execute a program and print its debug events.",
		Long: `Execute a program under the debug engine.

The process is started suspended for debugging, the breakpoints given with
--break and --hw are installed once it exists and the engine then runs it,
printing every debug event until the process exits.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: execCmd,
	}
	execCommand.Flags().StringVar(&argsString, "args", "", "Command line of the program as a single string, split like a shell would.")
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().BoolVar(&newConsole, "new-console", false, "Give the program its own console.")
	execCommand.Flags().Uint32Var(&checksum, "checksum", 0, "Expected CRC32 of the executable, checked before starting it.")
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and print its debug events.",
		Long: `Attach to an already running process.

The process is stopped while the engine reads its threads and modules, the
breakpoints are installed and the process is resumed. Debug events are
printed until the process exits or the engine detaches.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nativedbg\n%s\n", version.EngineVersion)
			if verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	session		Log the debug event loop
	bpt		Log breakpoint installation and removal
	exception	Log exception classification
	regs		Log thread context reads and writes
	symworker	Log the symbol worker
	rpc		Log opaque symbol requests

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// addBreakpointFlags registers the breakpoint flags on fs.
func addBreakpointFlags(fs *pflag.FlagSet) {
	fs.StringArrayVar(&breaks, "break", nil, "Software breakpoint at an address or an export such as kernel32!CreateFileW. Can be repeated.")
	fs.StringArrayVar(&hwBreaks, "hw", nil, "Hardware breakpoint given as location:length:kind, kind being exec, write, rdwr or read. Can be repeated.")
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

// programArgs returns the arguments of the debuggee: the ones after --,
// or the split --args string.
func programArgs(dashArgs []string, argsString string) ([]string, error) {
	if argsString == "" {
		return dashArgs, nil
	}
	if len(dashArgs) > 0 {
		return nil, errors.New("--args can not be combined with arguments after --")
	}
	v, err := argv.Argv(argsString,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", argsString)
	}
	return v[0], nil
}

func execCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		targetArgs, dashArgs := splitArgs(cmd, args)
		if len(targetArgs) != 1 {
			fmt.Fprintf(os.Stderr, "exec takes exactly one executable\n")
			return 1
		}
		progArgs, err := programArgs(dashArgs, argsString)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return execute(func(s *native.Session, conf *config.Config) error {
			if conf.VerifyChecksum && checksum == 0 {
				return errors.New("verify-checksum is set: the expected checksum must be given with --checksum")
			}
			return s.Start(targetArgs[0], progArgs, nil, proc.StartFlags{Checksum: checksum, Dir: workingDir, NewConsole: newConsole})
		}, false)
	}()
	os.Exit(status)
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(func(s *native.Session, conf *config.Config) error {
		return s.Attach(pid)
	}, true))
}

// engineConfig translates the configuration file into engine settings.
func engineConfig(conf *config.Config) (native.Config, error) {
	dep, err := conf.DEPPolicy()
	if err != nil {
		return native.Config{}, err
	}
	return native.Config{
		Exceptions:    conf.ExceptionTable(),
		DEP:           dep,
		NameCacheSize: conf.NameCacheSizeOrDefault(),
		MaxReadSize:   conf.SymbolWorker.MaxReadSize,
	}, nil
}

func execute(begin func(*native.Session, *config.Config) error, attached bool) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	specs, err := parseBreakSpecs(breaks, hwBreaks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	nconf, err := engineConfig(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	s, err := native.New(nconf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer s.Close()
	if err := begin(s, conf); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	r := &runner{
		d:           s,
		out:         newStdoutPrinter(),
		pending:     specs,
		attached:    attached,
		pollTimeout: conf.PollTimeoutOrDefault(),
		interrupt:   interrupt,
	}
	return r.run(ctx)
}
