// Package planner decides which card files still need copying.
//
// Normal mode mirrors each source folder under the destination and copies a
// file when its mirrored path is missing or differs in size. Continuous mode
// treats the destination as a pile of earlier dumps: a file is new when no
// file with the same name and size exists anywhere under the destination,
// and new files land in the next free "Dump N" folder.
package planner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"offload/internal/logging"
)

// Item is one file scheduled for copying.
type Item struct {
	Source string
	Size   int64
	// Rel is relative to the source folder that owns the file.
	Rel string
	// Dest is the absolute target path, assigned once planning completes.
	Dest string
}

// Request describes what to plan.
type Request struct {
	Sources     []string
	Destination string
	// Extensions holds lower-case extensions with the leading dot.
	Extensions []string
	Continuous bool
	// DumpPrefix names continuous-mode folders; empty selects "Dump".
	DumpPrefix string
}

// Plan is the planner's output.
type Plan struct {
	Items []Item
	// Destination is the resolved target root: the requested destination,
	// or a fresh dump folder beneath it in continuous mode.
	Destination string
	TotalBytes  int64
	// Known counts (name, size) pairs found in earlier dumps.
	Known int
}

// Empty reports whether there is nothing to copy.
func (p Plan) Empty() bool { return len(p.Items) == 0 }

// Key identifies a file in continuous mode.
type Key struct {
	Name string
	Size int64
}

// KnownSource supplies the (name, size) pairs already present under a
// destination root. The default walks the tree on every plan.
type KnownSource interface {
	Known(ctx context.Context, root string) (map[Key]struct{}, error)
}

// Option configures a Planner.
type Option func(*Planner)

// WithKnownSource replaces the destination walk used in continuous mode.
func WithKnownSource(src KnownSource) Option {
	return func(p *Planner) { p.known = src }
}

// Planner computes copy plans over an afero filesystem.
type Planner struct {
	fs     afero.Fs
	logger *slog.Logger
	known  KnownSource
}

// New returns a Planner. A nil fsys selects the OS filesystem.
func New(fsys afero.Fs, logger *slog.Logger, opts ...Option) *Planner {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	p := &Planner{fs: fsys, logger: logging.NewComponentLogger(logger, "planner")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan computes the file set for req. Items come out in scan order: sources
// in the given order, each walked lexically.
func (p *Planner) Plan(ctx context.Context, req Request) (Plan, error) {
	if len(req.Sources) == 0 {
		return Plan{}, errors.New("plan: no source folders")
	}
	if strings.TrimSpace(req.Destination) == "" {
		return Plan{}, errors.New("plan: destination is required")
	}
	allowed := make(map[string]struct{}, len(req.Extensions))
	for _, ext := range req.Extensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	var known map[Key]struct{}
	if req.Continuous {
		var err error
		known, err = p.knownFiles(ctx, req.Destination)
		if err != nil {
			return Plan{}, err
		}
		p.logger.Info("scanned previous dumps",
			logging.String("destination", req.Destination),
			logging.Int("known_files", len(known)),
		)
	}

	plan := Plan{Known: len(known)}
	for _, source := range req.Sources {
		err := afero.Walk(p.fs, source, func(path string, info fs.FileInfo, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if walkErr != nil {
				p.logger.Warn("skipping unreadable path",
					logging.String("path", path),
					logging.Error(walkErr),
					logging.String(logging.FieldEventType, "plan_walk_error"),
				)
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if _, ok := allowed[strings.ToLower(filepath.Ext(info.Name()))]; !ok {
				return nil
			}
			item := Item{Source: path, Size: info.Size(), Rel: RelativeTo(req.Sources, path)}
			if req.Continuous {
				if _, seen := known[Key{Name: info.Name(), Size: info.Size()}]; seen {
					return nil
				}
			} else if !p.needsCopy(filepath.Join(req.Destination, item.Rel), item.Size) {
				return nil
			}
			plan.Items = append(plan.Items, item)
			plan.TotalBytes += item.Size
			return nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Plan{}, ctxErr
			}
			return Plan{}, fmt.Errorf("walk %s: %w", source, err)
		}
	}

	plan.Destination = req.Destination
	if req.Continuous && !plan.Empty() {
		plan.Destination = NextDumpFolder(p.fs, req.Destination, req.DumpPrefix)
	}
	for i := range plan.Items {
		plan.Items[i].Dest = filepath.Join(plan.Destination, plan.Items[i].Rel)
	}
	return plan, nil
}

func (p *Planner) needsCopy(dest string, size int64) bool {
	info, err := p.fs.Stat(dest)
	if err != nil {
		return true
	}
	return info.Size() != size
}

func (p *Planner) knownFiles(ctx context.Context, root string) (map[Key]struct{}, error) {
	if p.known != nil {
		known, err := p.known.Known(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("load dump index: %w", err)
		}
		return known, nil
	}
	return WalkKnown(ctx, p.fs, root)
}

// WalkKnown collects (name, size) pairs for every regular file under root. A
// missing root yields an empty set.
func WalkKnown(ctx context.Context, fsys afero.Fs, root string) (map[Key]struct{}, error) {
	known := make(map[Key]struct{})
	if info, err := fsys.Stat(root); err != nil || !info.IsDir() {
		return known, nil
	}
	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			known[Key{Name: info.Name(), Size: info.Size()}] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return known, nil
}

// RelativeTo returns path relative to the first source folder that contains
// it. A path outside every source is taken relative to the first source.
func RelativeTo(sources []string, path string) string {
	if len(sources) == 0 {
		return filepath.Base(path)
	}
	for _, source := range sources {
		if rel, ok := within(source, path); ok {
			return rel
		}
	}
	rel, err := filepath.Rel(sources[0], path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

func within(root, path string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", false
	}
	return rel, true
}
