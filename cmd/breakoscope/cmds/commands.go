package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breakoscope/breakoscope/cmd/breakoscope/cmds/helphelpers"
	"github.com/breakoscope/breakoscope/pkg/config"
	"github.com/breakoscope/breakoscope/pkg/debugger"
	"github.com/breakoscope/breakoscope/pkg/debugger/dap"
	"github.com/breakoscope/breakoscope/pkg/invocation"
	"github.com/breakoscope/breakoscope/pkg/locspec"
	"github.com/breakoscope/breakoscope/pkg/logflags"
	"github.com/breakoscope/breakoscope/pkg/module"
	"github.com/breakoscope/breakoscope/pkg/pkgquery"
	"github.com/breakoscope/breakoscope/pkg/starbind"
	"github.com/breakoscope/breakoscope/pkg/version"

	// compiled-in extension handlers
	_ "github.com/breakoscope/breakoscope/pkg/extensions/logrotate"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath is the path of the configuration file.
	configPath string

	// backendCmd is the debug adapter command line.
	backendCmd string
	// backendAddr is the address of a debug adapter to connect to.
	backendAddr string
	// packageManager selects the package database.
	packageManager string
	// extDirs are additional directories holding extension modules.
	extDirs []string
	// outputFormat is the encoding of the output file.
	outputFormat string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

// checkCacheSize bounds the number of packages whose version is remembered
// by the check command.
const checkCacheSize = 128

// startDebugger and newQuerier are replaced in tests.
var (
	startDebugger = func(ctx context.Context, cfg dap.Config) (debugger.Debugger, error) {
		return dap.Start(ctx, cfg)
	}
	newQuerier = pkgquery.New
)

const breakoscopeCommandLongDesc = `Breakoscope extracts the configuration files a program reads by running it
under a debugger.

A module definition names the binary, the package that installs it and,
for every supported package version, the breakpoints to set and the values
to read when they are hit. The values found are written to the output file
once the terminator breakpoint is reached or the program exits.

Example:

	breakoscope /usr/share/breakoscope/modules/logrotate.yml out.json
`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Main breakoscope root command.
	rootCommand = &cobra.Command{
		Use:   "breakoscope <module> <outfile>",
		Short: "Breakoscope extracts the configuration files a program reads.",
		Long:  breakoscopeCommandLongDesc,
		Args:  cobra.ExactArgs(2),
		Run:   extractCmd,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'breakoscope help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'breakoscope help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: config.yml in the user configuration directory).")

	rootCommand.PersistentFlags().StringVar(&backendCmd, "backend-cmd", "", "Debug adapter command line (default: "+dap.DefaultCommand+").")
	rootCommand.PersistentFlags().StringVar(&backendAddr, "backend-addr", "", "Connect to a debug adapter listening at this address instead of starting one.")
	rootCommand.PersistentFlags().StringVar(&packageManager, "package-manager", "", "Package database to query for the installed version: rpm or dpkg (default: rpm).")
	rootCommand.PersistentFlags().StringArrayVar(&extDirs, "ext-dir", nil, "Directory holding Starlark extension modules, can be repeated.")
	rootCommand.PersistentFlags().StringVar(&outputFormat, "format", "", "Output file format: json or yaml (default: json).")

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	// 'check' subcommand.
	checkCommand := &cobra.Command{
		Use:   "check <module>...",
		Short: "Validates module definitions without running them.",
		Long: `Validates module definitions without running them.

Every module is loaded, its handlers are resolved, its breakpoint locations
are parsed and the installed version of its package is matched against the
version records. Nothing is started under the debugger.

A module whose package is not installed is reported but not considered
broken.`,
		Args: cobra.MinimumNArgs(1),
		Run:  checkCmd,
	}
	rootCommand.AddCommand(checkCommand)

	// 'version' subcommand.
	var buildInfo bool
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Breakoscope\n%s\n", version.BreakoscopeVersion)
			if buildInfo {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&buildInfo, "verbose", "v", false, "print build info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	invocation	Log version resolution, breakpoints and dispatch
	dap		Log all DAP messages exchanged with the debug adapter
	query		Log package database queries
	handlers	Log values read by breakpoint handlers
	starlark	Log loading of Starlark extension modules
	config		Log configuration file loading

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

Errors are always logged to standard error.
`,
	})

	return rootCommand
}

func extractCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := extract(ctx, args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}()
	os.Exit(status)
}

func checkCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		conf, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if err := loadExtensions(conf); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		q, err := newQuerier(conf.PackageManager)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		cached, err := pkgquery.NewCached(q, checkCacheSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if failed := check(context.Background(), os.Stdout, cached, args); failed > 0 {
			return 1
		}
		return 0
	}()
	os.Exit(status)
}

// loadConfig reads the configuration file and applies the command line
// overrides.
func loadConfig() (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if backendCmd != "" {
		conf.BackendCommand = backendCmd
	}
	if backendAddr != "" {
		conf.BackendAddress = backendAddr
	}
	if packageManager != "" {
		conf.PackageManager = packageManager
	}
	if outputFormat != "" {
		conf.OutputFormat = outputFormat
	}
	conf.ExtensionDirs = append(conf.ExtensionDirs, extDirs...)
	return conf, nil
}

// loadExtensions registers the handlers of every Starlark extension module
// on the search path.
func loadExtensions(conf *config.Config) error {
	env := starbind.New(os.Stderr)
	loaded, err := env.LoadDir(conf.ExtensionSearchPath()...)
	if err != nil {
		return fmt.Errorf("could not load extensions: %v", err)
	}
	if len(loaded) > 0 {
		logflags.StarlarkLogger().Debugf("loaded extension modules %v", loaded)
	}
	return nil
}

// extract runs the module at modulePath and appends what it finds to
// outFile.
func extract(ctx context.Context, modulePath, outFile string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	format, err := invocation.ParseFormat(conf.OutputFormat)
	if err != nil {
		return err
	}
	if err := loadExtensions(conf); err != nil {
		return err
	}

	def, err := module.Load(modulePath)
	if err != nil {
		return err
	}
	records, err := invocation.Records(def)
	if err != nil {
		return err
	}
	q, err := newQuerier(conf.PackageManager)
	if err != nil {
		return err
	}

	dbg, err := startDebugger(ctx, dap.Config{Command: conf.BackendCommand, Address: conf.BackendAddress})
	if err != nil {
		return err
	}
	// Run detaches on its own once the version is resolved.
	defer dbg.Detach(true)

	inv, err := invocation.New(invocation.Config{
		Binary:   def.Binary,
		Args:     def.Args,
		Package:  def.Package,
		Versions: records,
		OutFile:  outFile,
		Format:   format,
		Debugger: dbg,
		Querier:  q,
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- inv.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		dbg.Detach(true)
		if err := <-done; err != nil && !errors.Is(err, invocation.ErrDebuggerGone) {
			return err
		}
		return ctx.Err()
	}
}

// check validates every module in paths and reports on w. It returns the
// number of broken modules.
func check(ctx context.Context, w io.Writer, q pkgquery.Querier, paths []string) int {
	failed := 0
	for _, path := range paths {
		msg, err := checkModule(ctx, q, path)
		if err != nil {
			fmt.Fprintf(w, "%s: FAIL: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%s: ok: %s\n", path, msg)
	}
	return failed
}

func checkModule(ctx context.Context, q pkgquery.Querier, path string) (string, error) {
	def, err := module.Load(path)
	if err != nil {
		return "", err
	}
	records, err := invocation.Records(def)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if _, err := locspec.Parse(rec.Terminator); err != nil {
			return "", fmt.Errorf("version %q: terminator: %v", rec.Prefix, err)
		}
		for _, bp := range rec.Breakpoints {
			if _, err := locspec.Parse(bp.Spec); err != nil {
				return "", fmt.Errorf("version %q: %v", rec.Prefix, err)
			}
		}
	}

	installed, err := q.Version(ctx, def.Package)
	if errors.Is(err, pkgquery.ErrNotInstalled) {
		return fmt.Sprintf("%s is not installed", def.Package), nil
	}
	if err != nil {
		return "", err
	}
	rec, err := invocation.MatchVersion(records, installed)
	if err != nil {
		return "", fmt.Errorf("%s-%s: %w", def.Package, installed, err)
	}
	return fmt.Sprintf("%s-%s uses version %q", def.Package, installed, rec.Prefix), nil
}
