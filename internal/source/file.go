package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"dspetl/internal/config"
	"dspetl/internal/parser/csv"
	"dspetl/internal/resolve"
	"dspetl/internal/transformer"
	"dspetl/pkg/records"
)

// FileSource reads CSV extracts from a directory tree, a glob or a single
// file. Each file is assigned a source type by its name.
//
// Options:
//   - path (required): directory, glob pattern or file
//   - loaded_at_from_mtime: stamp loaded_at with the file modification time
//     (default false: loaded_at is unknown)
//   - strict: abort the load on the first malformed CSV row (default false:
//     malformed rows are logged and skipped)
//   - file_workers: files read in parallel (default 4)
//   - channel_buffer: reader → collector buffer (default 256)
//   - any csv parser option (comma, encoding, header_map, ...)
type FileSource struct {
	path    string
	opts    config.Options
	mtime   bool
	strict  bool
	workers int
	buffer  int
	logger  Logger
}

// NewFileSource validates opts and returns a file source.
func NewFileSource(opts config.Options, logger Logger) (*FileSource, error) {
	p := strings.TrimSpace(opts.String("path", ""))
	if p == "" {
		return nil, fmt.Errorf("file source: options.path is required")
	}
	workers := opts.Int("file_workers", 4)
	if workers <= 0 {
		workers = 1
	}
	buffer := opts.Int("channel_buffer", 256)
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &FileSource{
		path:    p,
		opts:    opts,
		mtime:   opts.Bool("loaded_at_from_mtime", false),
		strict:  opts.Bool("strict", false),
		workers: workers,
		buffer:  buffer,
		logger:  logger,
	}, nil
}

// Close implements Source.
func (s *FileSource) Close() error { return nil }

// extractFile is one candidate extract. name is the slash-separated identifier
// that becomes source_file (relative to the root for directory sources).
type extractFile struct {
	path string
	name string
}

// files lists every extract under the configured path, sorted by name.
func (s *FileSource) files() ([]extractFile, error) {
	var out []extractFile

	if strings.ContainsAny(s.path, "*?[") {
		matches, err := filepath.Glob(s.path)
		if err != nil {
			return nil, fmt.Errorf("file source: glob %q: %w", s.path, err)
		}
		for _, m := range matches {
			if st, err := os.Stat(m); err == nil && st.Mode().IsRegular() {
				out = append(out, extractFile{path: m, name: filepath.ToSlash(m)})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
		return out, nil
	}

	st, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("file source: %w", err)
	}
	if !st.IsDir() {
		return []extractFile{{path: s.path, name: filepath.ToSlash(s.path)}}, nil
	}

	err = filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != s.path && strings.EqualFold(d.Name(), "_archive") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.path, p)
		if err != nil {
			return err
		}
		out = append(out, extractFile{path: p, name: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file source: walk %s: %w", s.path, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// Load implements Source. Records are returned grouped by file in file-name
// order, rows in file order.
func (s *FileSource) Load(ctx context.Context, req Request) ([]resolve.RawRecord, error) {
	all, err := s.files()
	if err != nil {
		return nil, err
	}
	var files []extractFile
	for _, f := range all {
		if t, ok := resolve.ClassifySource(f.name); ok && t == req.SourceType {
			files = append(files, f)
		}
	}

	opt := s.parserOptions(req)
	perFile := make([][]resolve.RawRecord, len(files))
	badRows := make([]int, len(files))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workers)
	for i, f := range files {
		i, f := i, f
		eg.Go(func() error {
			recs, bad, err := s.readFile(egCtx, f, req.Fields, opt)
			if err != nil {
				return err
			}
			perFile[i], badRows[i] = recs, bad
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []resolve.RawRecord
	bad := 0
	for i := range files {
		out = append(out, perFile[i]...)
		bad += badRows[i]
	}
	s.logger.Printf("stage=source kind=file source=%s files=%d rows=%d bad_rows=%d",
		req.SourceType, len(files), len(out), bad)
	return out, nil
}

// parserOptions layers the request's header map under any configured one.
func (s *FileSource) parserOptions(req Request) config.Options {
	merged := make(map[string]string, len(req.HeaderMap))
	for k, v := range req.HeaderMap {
		merged[k] = v
	}
	for k, v := range s.opts.StringMap("header_map") {
		merged[k] = v
	}
	return s.opts.With("header_map", merged)
}

func (s *FileSource) readFile(ctx context.Context, f extractFile, fields []string, opt config.Options) ([]resolve.RawRecord, int, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open source: %w", err)
	}

	var loadedAt *time.Time
	if s.mtime {
		st, err := fh.Stat()
		if err != nil {
			fh.Close()
			return nil, 0, fmt.Errorf("stat source %s: %w", f.name, err)
		}
		t := st.ModTime().UTC()
		loadedAt = &t
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bad int
	var strictErr error
	onErr := func(line int, err error) {
		bad++
		s.logger.Printf("stage=source kind=file file=%s line=%d skipped: %v", f.name, line, err)
		if s.strict && strictErr == nil {
			strictErr = fmt.Errorf("parse error in %s at line %d: %w", f.name, line, err)
			cancel()
		}
	}

	rowCh := make(chan *transformer.Row, s.buffer)
	readErr := make(chan error, 1)
	go func() {
		defer close(rowCh)
		// StreamCSVRows closes fh.
		readErr <- csv.StreamCSVRows(ctx, fh, fields, opt, rowCh, onErr)
	}()

	var out []resolve.RawRecord
	for r := range rowCh {
		rec := make(records.Record, len(fields))
		for i, col := range fields {
			rec[col] = r.V[i]
		}
		out = append(out, resolve.RawRecord{
			SourceFile:      f.name,
			SourceRowNumber: int64(r.Line),
			LoadedAt:        loadedAt,
			Fields:          rec,
		})
		r.Free()
	}

	err = <-readErr
	if strictErr != nil {
		return nil, bad, strictErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, bad, fmt.Errorf("read %s: %w", f.name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, bad, err
	}
	return out, bad, nil
}
