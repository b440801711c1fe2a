// Package pkgquery asks the system package manager which version of a
// package is installed.
package pkgquery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/breakoscope/breakoscope/pkg/logflags"
)

// ErrNotInstalled is returned when the package manager does not know the
// package, or its query tool fails.
var ErrNotInstalled = errors.New("package not installed")

// Querier returns the installed "version-release" string of a package.
type Querier interface {
	Version(ctx context.Context, pkg string) (string, error)
}

// Runner runs a query tool and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
	}
	return out, err
}

// New returns the querier for the named package manager, "rpm" or "dpkg".
func New(manager string) (Querier, error) {
	switch manager {
	case "", "rpm":
		return &RPM{}, nil
	case "dpkg":
		return &Dpkg{}, nil
	default:
		return nil, fmt.Errorf("unknown package manager %q", manager)
	}
}

// RPM queries the RPM database.
type RPM struct {
	// Run overrides how the rpm command is executed.
	Run Runner
}

func (q *RPM) Version(ctx context.Context, pkg string) (string, error) {
	return query(ctx, q.Run, pkg, "rpm", "-q", "--queryformat", "%{version}-%{release}", pkg)
}

// Dpkg queries the dpkg database. Debian version strings already have the
// upstream-revision shape, so they are returned unchanged.
type Dpkg struct {
	Run Runner
}

func (q *Dpkg) Version(ctx context.Context, pkg string) (string, error) {
	return query(ctx, q.Run, pkg, "dpkg-query", "-W", "-f=${Version}", pkg)
}

func query(ctx context.Context, run Runner, pkg, name string, args ...string) (string, error) {
	if run == nil {
		run = execRunner
	}
	log := logflags.QueryLogger().WithField("package", pkg)
	log.Debugf("running %s %s", name, strings.Join(args, " "))
	out, err := run(ctx, name, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s (%s exited with status %d): %v", ErrNotInstalled, pkg, name, exitErr.ExitCode(), err)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrNotInstalled, pkg, err)
	}
	ver := strings.TrimSpace(string(out))
	if ver == "" {
		return "", fmt.Errorf("%w: %s: %s printed no version", ErrNotInstalled, pkg, name)
	}
	log.Debugf("installed version %s", ver)
	return ver, nil
}

// Cached remembers the versions returned by another Querier. Failures are
// not cached.
type Cached struct {
	q     Querier
	cache *lru.Cache
}

// NewCached wraps q with an LRU cache holding up to size packages.
func NewCached(q Querier, size int) (*Cached, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cached{q: q, cache: cache}, nil
}

func (c *Cached) Version(ctx context.Context, pkg string) (string, error) {
	if v, ok := c.cache.Get(pkg); ok {
		return v.(string), nil
	}
	ver, err := c.q.Version(ctx, pkg)
	if err != nil {
		return "", err
	}
	c.cache.Add(pkg, ver)
	return ver, nil
}
