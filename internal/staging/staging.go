// Package staging copies uploaded files to a per-request scratch directory on
// the remote host so the backend call can reference them by path.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"

	"sshtunnel-proxy-go/internal/config"
	"sshtunnel-proxy-go/internal/metrics"
	"sshtunnel-proxy-go/internal/model"
)

// cleanupTimeout bounds remote scratch removal, which runs even after the
// request context is done.
const cleanupTimeout = 10 * time.Second

// Remote is the subset of a session that staging needs.
type Remote interface {
	Mkdir(ctx context.Context, dir string) error
	Upload(ctx context.Context, localPath, remotePath string) error
	RemoveAll(ctx context.Context, dir string) error
}

// Kind classifies staging failures.
type Kind int

const (
	// KindDirectoryFailed means the scratch directory could not be created.
	KindDirectoryFailed Kind = iota + 1
	// KindTransferFailed means a file could not be copied.
	KindTransferFailed
)

func (k Kind) String() string {
	switch k {
	case KindDirectoryFailed:
		return "directory_failed"
	case KindTransferFailed:
		return "transfer_failed"
	default:
		return "unknown"
	}
}

// Error reports a staging failure. File is the original filename for transfer failures.
type Error struct {
	Kind Kind
	File string
	Err  error
}

func (e *Error) Error() string {
	if e.File != "" {
		return fmt.Sprintf("staging %s: %s: %v", e.Kind, e.File, e.Err)
	}
	return fmt.Sprintf("staging %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Area is a populated remote scratch directory.
type Area struct {
	Dir   string
	Files []model.StagedFile
}

// Stager places files on the remote host.
type Stager struct {
	root        string
	prefix      string
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewStager creates a Stager. The metrics parameter is optional.
func NewStager(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Stager {
	concurrency := cfg.Staging.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Stager{
		root:        cfg.Staging.RemoteRoot,
		prefix:      cfg.Staging.DirPrefix,
		concurrency: concurrency,
		logger:      logger.With("component", "staging"),
		metrics:     m,
	}
}

// Stage creates a fresh scratch directory and copies every file into it.
// Local temp files are removed before Stage returns, whatever the outcome.
// On failure the scratch directory is removed on a best-effort basis.
func (s *Stager) Stage(ctx context.Context, remote Remote, files []model.UploadedFile) (*Area, error) {
	defer func() {
		if err := model.RemoveLocalFiles(files); err != nil {
			s.logger.Warn("local upload cleanup failed", "err", err)
		}
	}()

	dir := path.Join(s.root, fmt.Sprintf("%s-%d-%s", s.prefix, time.Now().UnixNano(), uuid.NewString()))
	if err := remote.Mkdir(ctx, dir); err != nil {
		return nil, &Error{Kind: KindDirectoryFailed, Err: err}
	}

	area := &Area{Dir: dir, Files: make([]model.StagedFile, len(files))}
	names := remoteNames(files)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, f := range files {
		remotePath := path.Join(dir, names[i])
		area.Files[i] = model.StagedFile{UploadedFile: f, RemotePath: remotePath}
		g.Go(func() error {
			if err := remote.Upload(gctx, f.LocalPath, remotePath); err != nil {
				return &Error{Kind: KindTransferFailed, File: f.Filename, Err: err}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.Cleanup(ctx, remote, area)
		return nil, err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	if s.metrics != nil {
		s.metrics.StagedFiles.Add(float64(len(files)))
		s.metrics.StagedBytes.Add(float64(total))
	}
	s.logger.Debug("files staged",
		"dir", dir,
		"files", len(files),
		"size", sizestr.ToString(total),
	)
	return area, nil
}

// Cleanup removes the area's scratch directory. It runs even if ctx is already
// canceled. It is nil-safe; failures are logged, never returned.
func (s *Stager) Cleanup(ctx context.Context, remote Remote, area *Area) {
	if area == nil || area.Dir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := remote.RemoveAll(ctx, area.Dir); err != nil {
		s.logger.Warn("remote scratch cleanup failed", "dir", area.Dir, "err", err)
	}
}

// remoteNames returns a safe, unique basename for each file. Duplicate names get
// a numeric prefix so one upload never overwrites another.
func remoteNames(files []model.UploadedFile) []string {
	names := make([]string, len(files))
	seen := make(map[string]bool, len(files))
	for i, f := range files {
		base := SanitizeFilename(f.Filename)
		name := base
		for n := 1; seen[name]; n++ {
			name = fmt.Sprintf("%d-%s", n, base)
		}
		seen[name] = true
		names[i] = name
	}
	return names
}

var filenameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	";", "_",
	",", "_",
	"\"", "_",
	"\x00", "_",
)

// SanitizeFilename strips characters that would escape the scratch directory
// or break a curl -F file reference.
func SanitizeFilename(name string) string {
	name = filenameReplacer.Replace(name)
	switch name {
	case "", ".", "..":
		return "upload"
	}
	return name
}
