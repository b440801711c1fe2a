//go:build ignore
// +build ignore

// gen-usage-docs renders the breakoscope command tree to Markdown.
//
//	go run _scripts/gen-usage-docs.go [dir]
package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/breakoscope/breakoscope/cmd/breakoscope/cmds"
	"github.com/breakoscope/breakoscope/cmd/breakoscope/cmds/helphelpers"
	"github.com/breakoscope/breakoscope/pkg/config"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0o755); err != nil {
		log.Fatal(err)
	}

	root := cmds.New()
	helphelpers.Prepare(root)
	if err := doc.GenMarkdownTree(root, usageDir); err != nil {
		log.Fatal(err)
	}

	// GenMarkdownTree skips help topics, commands without a Run function.
	var topics []*cobra.Command
	for _, sub := range root.Commands() {
		if sub.Runnable() || sub.Name() == "help" {
			continue
		}
		cmd, _, err := cmds.New().Find([]string{sub.Name()})
		if err != nil {
			log.Fatal(err)
		}
		helphelpers.Prepare(cmd)
		if err := doc.GenMarkdownTree(cmd, usageDir); err != nil {
			log.Fatal(err)
		}
		topics = append(topics, sub)
	}

	if err := writeConfigReference(filepath.Join(usageDir, "breakoscope_config.md")); err != nil {
		log.Fatal(err)
	}

	fh, err := os.OpenFile(filepath.Join(usageDir, "breakoscope.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to breakoscope.md: %v", err)
	}
	defer fh.Close()
	for _, topic := range topics {
		fmt.Fprintf(fh, "* [breakoscope %s](breakoscope_%s.md)\t - %s\n", topic.Name(), topic.Name(), topic.Short)
	}
	fmt.Fprintln(fh, "* [configuration file](breakoscope_config.md)\t - Options of config.yml")
}

// writeConfigReference documents the configuration file with the contents
// breakoscope writes on first use.
func writeConfigReference(path string) error {
	var buf bytes.Buffer
	if err := config.WriteDefaultConfig(&buf); err != nil {
		return err
	}
	file, err := config.GetConfigFilePath("config.yml")
	if err != nil {
		file = "$XDG_CONFIG_HOME/breakoscope/config.yml"
	}
	home, _ := os.UserHomeDir()
	if home != "" {
		file = strings.Replace(file, home, "~", 1)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "## Configuration file\n\n")
	fmt.Fprintf(&out, "breakoscope reads `%s`, or the file given with `--config`.\n", file)
	fmt.Fprintf(&out, "Command line flags override the values set here. The file is created\n")
	fmt.Fprintf(&out, "with the following contents the first time breakoscope runs:\n\n")
	fmt.Fprintf(&out, "```yaml\n%s```\n", buf.String())
	return os.WriteFile(path, out.Bytes(), 0o644)
}
