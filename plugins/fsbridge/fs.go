// Package fsbridge gives the front end scoped filesystem access. Every path
// is resolved against the configured roots; anything that escapes them,
// directly or through a symlink, fails with kind "out_of_scope".
package fsbridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"posdesk/host"
	"posdesk/util"
)

const (
	KindOutOfScope = "out_of_scope"
	KindNotFound   = "not_found"
)

// MaxFileBytes bounds read_text and write_text
const MaxFileBytes = 32 * 1024 * 1024

const maxSymlinkHops = 40

// Plugin is the "fs" capability
type Plugin struct {
	roots  []string
	logger *zap.SugaredLogger
}

// New creates the plugin, creating missing roots
func New(roots []string, logger *zap.SugaredLogger) (*Plugin, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if len(roots) == 0 {
		return nil, errors.New("at least one filesystem root is required")
	}
	abs := make([]string, 0, len(roots))
	for _, root := range roots {
		a, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("invalid filesystem root %q: %w", root, err)
		}
		if err := os.MkdirAll(a, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create filesystem root %q: %w", a, err)
		}
		// compare against the real location so symlinked roots still match
		if real, err := filepath.EvalSymlinks(a); err == nil {
			a = real
		}
		abs = append(abs, a)
	}
	return &Plugin{roots: abs, logger: logger}, nil
}

func (p *Plugin) Name() string { return "fs" }

func (p *Plugin) Commands() map[string]host.Handler {
	return map[string]host.Handler{
		"read_text":  p.readText,
		"write_text": p.writeText,
		"read_dir":   p.readDir,
		"exists":     p.exists,
		"stat":       p.stat,
		"mkdir":      p.mkdir,
		"remove":     p.remove,
	}
}

func (p *Plugin) Close() error { return nil }

// Roots returns the resolved roots
func (p *Plugin) Roots() []string {
	return append([]string(nil), p.roots...)
}

// resolve maps a front-end path to an absolute path inside the roots.
// The deepest existing ancestor is resolved through symlinks and must stay
// inside a root as well.
func (p *Plugin) resolve(path string) (string, error) {
	abs, err := util.ResolveWithin(path, p.roots)
	if errors.Is(err, util.ErrPathOutsideRoots) {
		return "", host.Errorf(KindOutOfScope, "%s is outside the allowed directories", path)
	}
	if err != nil {
		return "", host.WithKind(host.KindInvalidRequest, err)
	}

	existing, rest := abs, ""
	hops := 0
	for {
		real, err := filepath.EvalSymlinks(existing)
		if err == nil {
			real = filepath.Join(real, rest)
			for _, root := range p.roots {
				if util.Within(real, root) {
					return abs, nil
				}
			}
			return "", host.Errorf(KindOutOfScope, "%s resolves outside the allowed directories", path)
		}
		// a dangling link is followed by hand: creating through it would
		// land wherever it points
		if info, lerr := os.Lstat(existing); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			hops++
			if hops > maxSymlinkHops {
				return "", host.Errorf(host.KindInvalidRequest, "%s: too many levels of symbolic links", path)
			}
			target, rerr := os.Readlink(existing)
			if rerr != nil {
				return "", fmt.Errorf("readlink %s: %w", path, rerr)
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(existing), target)
			}
			existing = filepath.Clean(target)
			continue
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

func classify(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return host.Errorf(KindNotFound, "%s: %s does not exist", op, path)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

type pathArgs struct {
	Path string `json:"path" validate:"required"`
}

type writeArgs struct {
	Path     string `json:"path" validate:"required"`
	Contents string `json:"contents"`
	Append   bool   `json:"append"`
}

type mkdirArgs struct {
	Path      string `json:"path" validate:"required"`
	Recursive bool   `json:"recursive"`
}

type removeArgs struct {
	Path      string `json:"path" validate:"required"`
	Recursive bool   `json:"recursive"`
}

// Entry describes one directory entry
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Info is returned by stat
type Info struct {
	Path     string    `json:"path"`
	IsDir    bool      `json:"is_dir"`
	Size     int64     `json:"size"`
	Mode     string    `json:"mode"`
	Modified time.Time `json:"modified"`
}

func (p *Plugin) readText(_ context.Context, req *host.Request) (any, error) {
	var args pathArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	path, err := p.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, classify("read_text", args.Path, err)
	}
	if info.IsDir() {
		return nil, host.Errorf(host.KindInvalidRequest, "%s is a directory", args.Path)
	}
	if info.Size() > MaxFileBytes {
		return nil, host.Errorf(host.KindInvalidRequest, "%s exceeds %d bytes", args.Path, MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify("read_text", args.Path, err)
	}
	return string(data), nil
}

func (p *Plugin) writeText(_ context.Context, req *host.Request) (any, error) {
	var args writeArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if len(args.Contents) > MaxFileBytes {
		return nil, host.Errorf(host.KindInvalidRequest, "contents exceed %d bytes", MaxFileBytes)
	}
	path, err := p.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if args.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		return nil, classify("write_text", args.Path, err)
	}
	if _, err := f.WriteString(args.Contents); err != nil {
		f.Close()
		return nil, classify("write_text", args.Path, err)
	}
	if err := f.Close(); err != nil {
		return nil, classify("write_text", args.Path, err)
	}
	p.logger.Debugw("File written", "path", path, "bytes", len(args.Contents), "append", args.Append)
	return nil, nil
}

func (p *Plugin) readDir(_ context.Context, req *host.Request) (any, error) {
	var args pathArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	path, err := p.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, classify("read_dir", args.Path, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if info, err := de.Info(); err == nil && !de.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (p *Plugin) exists(_ context.Context, req *host.Request) (any, error) {
	var args pathArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	path, err := p.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return nil, classify("exists", args.Path, err)
	}
	return true, nil
}

func (p *Plugin) stat(_ context.Context, req *host.Request) (any, error) {
	var args pathArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	path, err := p.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, classify("stat", args.Path, err)
	}
	return Info{
		Path:     path,
		IsDir:    info.IsDir(),
		Size:     info.Size(),
		Mode:     info.Mode().String(),
		Modified: info.ModTime().UTC(),
	}, nil
}

func (p *Plugin) mkdir(_ context.Context, req *host.Request) (any, error) {
	var args mkdirArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	path, err := p.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	if args.Recursive {
		err = os.MkdirAll(path, 0o750)
	} else {
		err = os.Mkdir(path, 0o750)
	}
	if err != nil {
		return nil, classify("mkdir", args.Path, err)
	}
	return nil, nil
}

func (p *Plugin) remove(_ context.Context, req *host.Request) (any, error) {
	var args removeArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	path, err := p.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	for _, root := range p.roots {
		if path == root {
			return nil, host.Errorf(KindOutOfScope, "refusing to remove root %s", args.Path)
		}
	}
	if args.Recursive {
		if _, err := os.Lstat(path); err != nil {
			return nil, classify("remove", args.Path, err)
		}
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return nil, classify("remove", args.Path, err)
	}
	p.logger.Infow("Path removed", "path", path, "recursive", args.Recursive)
	return nil, nil
}
