package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const BreakoscopeMainPackagePath = "github.com/breakoscope/breakoscope/cmd/breakoscope"

var Verbose bool
var TestRegex string

func NewMakeCommands() *cobra.Command {
	RootCommand := &cobra.Command{
		Use:   "make.go",
		Short: "make script for breakoscope.",
	}

	RootCommand.AddCommand(&cobra.Command{
		Use:   "build",
		Short: "Build breakoscope",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "build", buildFlags(), BreakoscopeMainPackagePath)
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs breakoscope",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "install", buildFlags(), BreakoscopeMainPackagePath)
			fmt.Println("installed", installedExecutablePath())
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Uninstalls breakoscope",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "clean", "-i", BreakoscopeMainPackagePath)
		},
	})

	test := &cobra.Command{
		Use:   "test [package...]",
		Short: "Tests breakoscope",
		Long: `Tests breakoscope.

Without arguments all packages are tested.
`,
		Run: testCmd,
	}
	test.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose tests")
	test.PersistentFlags().StringVarP(&TestRegex, "test-run", "r", "", `Only runs the tests matching the specified regex. This option can only be specified if a single package is tested`)
	RootCommand.AddCommand(test)

	RootCommand.AddCommand(&cobra.Command{
		Use:   "vendor",
		Short: "vendors dependencies",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "mod", "vendor")
		},
	})

	return RootCommand
}

func strflatten(v []interface{}) []string {
	r := []string{}
	for _, s := range v {
		switch s := s.(type) {
		case []string:
			r = append(r, s...)
		case string:
			if s != "" {
				r = append(r, s)
			}
		}
	}
	return r
}

func executeq(cmd string, args ...interface{}) {
	x := exec.Command(cmd, strflatten(args)...)
	x.Stdout = os.Stdout
	x.Stderr = os.Stderr
	x.Env = os.Environ()
	err := x.Run()
	if x.ProcessState != nil && !x.ProcessState.Success() {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func execute(cmd string, args ...interface{}) {
	fmt.Printf("%s %s\n", cmd, strings.Join(quotemaybe(strflatten(args)), " "))
	executeq(cmd, args...)
}

func quotemaybe(args []string) []string {
	for i := range args {
		if strings.Contains(args[i], " ") {
			args[i] = fmt.Sprintf("%q", args[i])
		}
	}
	return args
}

func getoutput(cmd string, args ...interface{}) string {
	x := exec.Command(cmd, strflatten(args)...)
	x.Env = os.Environ()
	out, err := x.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		log.Fatal(err)
	}
	if !x.ProcessState.Success() {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		os.Exit(1)
	}
	return string(out)
}

func installedExecutablePath() string {
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		return filepath.Join(gobin, "breakoscope")
	}
	gopath := strings.Split(getoutput("go", "env", "GOPATH"), ":")
	return filepath.Join(strings.TrimSpace(gopath[0]), "bin", "breakoscope")
}

func buildFlags() []string {
	buildSHA, err := exec.Command("git", "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		// not a git checkout, the build falls back to the vcs stamp
		return nil
	}
	return []string{fmt.Sprintf("-ldflags=-X main.Build=%s", strings.TrimSpace(string(buildSHA)))}
}

func testFlags() []string {
	testFlags := []string{"-count", "1", "-race"}
	if Verbose {
		testFlags = append(testFlags, "-v")
	}
	return testFlags
}

func testCmd(cmd *cobra.Command, args []string) {
	if TestRegex != "" && len(args) != 1 {
		fmt.Printf("Can not use --test-run without exactly one package\n")
		os.Exit(1)
	}
	if len(args) == 0 {
		executeq("go", "test", testFlags(), allPackages())
		return
	}
	pkgs := make([]string, len(args))
	for i := range args {
		pkgs[i] = "github.com/breakoscope/breakoscope/" + strings.TrimPrefix(args[i], "./")
	}
	regex := ""
	if TestRegex != "" {
		regex = "-run=" + TestRegex
	}
	execute("go", "test", testFlags(), pkgs, regex)
}

func allPackages() []string {
	r := []string{}
	for _, dir := range strings.Split(getoutput("go", "list", "-mod=mod", "./..."), "\n") {
		dir = strings.TrimSpace(dir)
		if dir == "" || strings.Contains(dir, "/_") {
			continue
		}
		r = append(r, dir)
	}
	return r
}

func main() {
	NewMakeCommands().Execute()
}
