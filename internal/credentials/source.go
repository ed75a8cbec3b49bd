// Package credentials discovers API credentials from the configured sources
// and merges newly found ones into a live pool.
package credentials

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Source yields credentials from one place.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]string, error)
}

// SourceError reports that a source could not be read. The source
// contributes nothing to that load.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return "credentials: source " + e.Source + ": " + e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// SplitList splits a comma-separated list, trimming items and dropping
// empty ones.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// InlineSource is a fixed comma-separated list given in configuration.
type InlineSource struct {
	List string
}

func (s InlineSource) Name() string { return "inline" }

func (s InlineSource) Load(context.Context) ([]string, error) {
	return SplitList(s.List), nil
}

// EnvSource reads one variable holding a comma-separated list. The dotenv
// file is re-read on every load so edits are picked up without a restart,
// and a value found there takes precedence over the process environment.
type EnvSource struct {
	File string
	Var  string
}

func (s EnvSource) Name() string { return "env" }

func (s EnvSource) Load(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.File != "" {
		values, err := godotenv.Read(s.File)
		switch {
		case err == nil:
			if v, ok := values[s.Var]; ok {
				return SplitList(v), nil
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, &SourceError{Source: s.Name(), Err: errors.Wrapf(err, "read %s", s.File)}
		}
	}

	v, _ := os.LookupEnv(s.Var)
	return SplitList(v), nil
}

// FileSource reads one credential per non-empty line. A missing file
// yields no credentials.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file" }

func (s FileSource) Load(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &SourceError{Source: s.Name(), Err: errors.WithStack(err)}
	}
	defer f.Close()

	// Lines have no length limit; a long line is kept, not fatal.
	var out []string
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &SourceError{Source: s.Name(), Err: errors.Wrapf(err, "read %s", s.Path)}
		}
	}
	return out, nil
}
