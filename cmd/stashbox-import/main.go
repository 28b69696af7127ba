// Command stashbox-import stores local files through the same upload policy
// the HTTP server applies, then prints their public URLs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/fjmerc/stashbox/internal/app"
	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/config"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/upload"
	"github.com/fjmerc/stashbox/internal/utils"
)

const (
	ToolVersion = "1.0.0"
	ToolName    = "Stashbox Import Tool"
)

// ImportOptions holds all configuration for an import run.
type ImportOptions struct {
	// Exactly one of SourceFile and Directory is set.
	SourceFile string
	Directory  string
	Recursive  bool

	Owner     string
	PublicURL string
	Upload    models.UploadOptions

	DryRun       bool
	DeleteSource bool
	Quiet        bool
	JSON         bool
}

// ImportResult is the outcome of one file.
type ImportResult struct {
	SourcePath string     `json:"source_path"`
	Size       int64      `json:"size"`
	Key        string     `json:"key,omitempty"`
	URL        string     `json:"url,omitempty"`
	Type       string     `json:"type,omitempty"`
	DeletesAt  *time.Time `json:"deletes_at,omitempty"`
	Success    bool       `json:"success"`
	Skipped    bool       `json:"skipped"`
	Error      string     `json:"error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
}

// BatchSummary aggregates a directory import.
type BatchSummary struct {
	TotalFiles  int             `json:"total_files"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	TotalSize   int64           `json:"total_size"`
	TotalTime   string          `json:"total_time"`
	Results     []*ImportResult `json:"results"`
	FailedFiles []string        `json:"failed_files,omitempty"`
}

func main() {
	opts := &ImportOptions{}
	var (
		maxViews int
		folder   int64
	)

	flag.StringVar(&opts.SourceFile, "source", "", "Path to source file (single file mode)")
	flag.StringVar(&opts.Directory, "directory", "", "Path to directory (batch mode)")
	flag.BoolVar(&opts.Recursive, "recursive", false, "Recursively scan subdirectories in batch mode")

	flag.StringVar(&opts.Owner, "owner", "", "Owner id recorded on each file")
	flag.StringVar(&opts.PublicURL, "public-url", "", "Base URL for printed links (defaults to PUBLIC_URL)")
	flag.StringVar(&opts.Upload.Format, "format", "", "Naming format: random, uuid, date or name")
	flag.StringVar(&opts.Upload.OverrideFilename, "filename", "", "Stored filename (single file mode only)")
	flag.StringVar(&opts.Upload.DeletesAt, "deletes-at", "", "Expiry: RFC 3339 timestamp or duration such as 7d")
	flag.IntVar(&maxViews, "max-views", 0, "Maximum views (0 = unlimited)")
	flag.StringVar(&opts.Upload.Password, "password", "", "Optional password protection")
	flag.Int64Var(&folder, "folder", 0, "Folder id to file uploads under")
	flag.BoolVar(&opts.Upload.AddOriginalName, "add-original-name", false, "Append the original filename to generated names")
	flag.BoolVar(&opts.Upload.RemoveGPS, "remove-gps", false, "Strip GPS metadata from JPEG images")

	flag.BoolVar(&opts.DryRun, "dry-run", false, "Preview only, no changes")
	flag.BoolVar(&opts.DeleteSource, "delete-source", false, "Remove source files once stored")
	flag.BoolVar(&opts.Quiet, "quiet", false, "Minimal output for scripting")
	flag.BoolVar(&opts.JSON, "json", false, "JSON output format")

	version := flag.Bool("version", false, "Show version information")

	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", ToolName, ToolVersion)
		os.Exit(0)
	}

	if maxViews > 0 {
		opts.Upload.MaxViews = &maxViews
	}
	if folder > 0 {
		opts.Upload.FolderID = &folder
	}

	if err := validateOptions(opts); err != nil {
		log.Fatalf("Error: %v\n\nUse -h for usage information.", err)
	}

	// Progress goes to stderr so JSON output stays clean.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if opts.PublicURL == "" {
		opts.PublicURL = cfg.PublicURL
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Error initializing: %v", err)
	}
	defer a.Close()

	imp := &importer{
		svc:        a.Uploads,
		opts:       opts,
		blocked:    cfg.BlockedExtensions,
		filesRoute: cfg.FilesRoute,
	}

	if opts.SourceFile != "" {
		result := imp.importFile(ctx, opts.SourceFile)
		if opts.JSON {
			printJSON(os.Stdout, result)
		} else if !opts.Quiet {
			printResult(os.Stdout, result)
		} else if result.Success {
			fmt.Println(result.URL)
		}
		if !result.Success && !result.Skipped {
			os.Exit(1)
		}
		return
	}

	summary, err := imp.importDirectory(ctx, opts.Directory)
	if err != nil {
		log.Fatalf("Error scanning directory: %v", err)
	}
	if opts.JSON {
		printJSON(os.Stdout, summary)
	} else if !opts.Quiet {
		printSummary(os.Stdout, summary)
	}
	if summary.Failed > 0 {
		os.Exit(1)
	}
}

// validateOptions checks flag combinations before any store is opened.
func validateOptions(opts *ImportOptions) error {
	if opts.SourceFile == "" && opts.Directory == "" {
		return fmt.Errorf("either -source or -directory must be specified")
	}
	if opts.SourceFile != "" && opts.Directory != "" {
		return fmt.Errorf("cannot specify both -source and -directory")
	}
	if opts.Directory != "" && opts.Upload.OverrideFilename != "" {
		return fmt.Errorf("-filename only applies to single file mode")
	}

	if opts.SourceFile != "" {
		info, err := os.Stat(opts.SourceFile)
		if err != nil {
			return fmt.Errorf("cannot access source file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("source is a directory, use -directory: %s", opts.SourceFile)
		}
	}

	if opts.Directory != "" {
		info, err := os.Stat(opts.Directory)
		if err != nil {
			return fmt.Errorf("cannot access directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("path is not a directory: %s", opts.Directory)
		}
	}

	if opts.PublicURL != "" {
		if _, err := url.ParseRequestURI(opts.PublicURL); err != nil {
			return fmt.Errorf("invalid -public-url: %w", err)
		}
	}

	return nil
}

type importer struct {
	svc        *upload.Service
	opts       *ImportOptions
	blocked    []string
	filesRoute string
}

// importFile stores one file. Policy rejections are reported as skips.
func (imp *importer) importFile(ctx context.Context, path string) *ImportResult {
	result := &ImportResult{SourcePath: path}

	f, err := os.Open(path)
	if err != nil {
		result.Error = fmt.Sprintf("failed to open source: %v", err)
		return result
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		result.Error = fmt.Sprintf("failed to stat source: %v", err)
		return result
	}
	result.Size = info.Size()

	if imp.opts.DryRun {
		if ext, blocked := utils.BlockedExtension(filepath.Base(path), imp.blocked); blocked {
			result.Skipped = true
			result.ErrorCode = apperr.CodeExtensionBlocked
			result.Error = fmt.Sprintf("file extension %s is not allowed", ext)
			return result
		}
		result.Success = true
		return result
	}

	// No declared type: the service sniffs the content.
	obj, err := imp.svc.UploadWhole(ctx, imp.opts.Owner, imp.opts.Upload, upload.Source{
		Filename: filepath.Base(path),
		Size:     info.Size(),
		Body:     f,
	})
	if err != nil {
		result.Error = err.Error()
		if e, ok := apperr.As(err); ok {
			result.ErrorCode = e.Code
			result.Skipped = e.Kind == apperr.KindValidation
		}
		return result
	}

	result.Success = true
	result.Key = obj.Key
	result.Type = obj.Type
	result.DeletesAt = obj.ExpiresAt
	result.URL = imp.fileURL(obj.Key)

	if imp.opts.DeleteSource {
		f.Close()
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to delete source file", "path", path, "error", err)
		}
	}
	return result
}

func (imp *importer) fileURL(key string) string {
	base := strings.TrimRight(imp.opts.PublicURL, "/")
	return base + imp.filesRoute + "/" + url.PathEscape(key)
}

// importDirectory imports every regular file under dir, in lexical order.
func (imp *importer) importDirectory(ctx context.Context, dir string) (*BatchSummary, error) {
	start := time.Now()

	paths, err := collectFiles(dir, imp.opts.Recursive)
	if err != nil {
		return nil, err
	}

	summary := &BatchSummary{TotalFiles: len(paths), Results: []*ImportResult{}}
	for _, path := range paths {
		result := imp.importFile(ctx, path)
		summary.Results = append(summary.Results, result)
		switch {
		case result.Success:
			summary.Successful++
			summary.TotalSize += result.Size
		case result.Skipped:
			summary.Skipped++
		default:
			summary.Failed++
			summary.FailedFiles = append(summary.FailedFiles, path)
		}
	}

	summary.TotalTime = time.Since(start).Round(time.Millisecond).String()
	return summary, nil
}

// collectFiles lists regular files, skipping dotfiles.
func collectFiles(dir string, recursive bool) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return paths, nil
}

func printResult(w io.Writer, result *ImportResult) {
	fmt.Fprintln(w, "======================================================================")
	switch {
	case result.Success:
		fmt.Fprintln(w, "FILE IMPORT SUCCESSFUL")
	case result.Skipped:
		fmt.Fprintln(w, "FILE IMPORT SKIPPED")
	default:
		fmt.Fprintln(w, "FILE IMPORT FAILED")
	}
	fmt.Fprintln(w, "======================================================================")
	fmt.Fprintf(w, "Source:     %s\n", result.SourcePath)
	fmt.Fprintf(w, "Size:       %s\n", units.HumanSize(float64(result.Size)))

	if result.Success {
		if result.Key != "" {
			fmt.Fprintf(w, "Key:        %s\n", result.Key)
			fmt.Fprintf(w, "Type:       %s\n", result.Type)
			fmt.Fprintf(w, "URL:        %s\n", result.URL)
		}
		if result.DeletesAt != nil {
			fmt.Fprintf(w, "Deletes At: %s\n", result.DeletesAt.Format(time.RFC3339))
		}
	} else {
		fmt.Fprintf(w, "Error:      %s\n", result.Error)
	}
	fmt.Fprintln(w, "======================================================================")
}

func printSummary(w io.Writer, summary *BatchSummary) {
	fmt.Fprintln(w, "======================================================================")
	fmt.Fprintln(w, "BATCH IMPORT SUMMARY")
	fmt.Fprintln(w, "======================================================================")
	fmt.Fprintf(w, "Total files processed: %d\n", summary.TotalFiles)
	fmt.Fprintf(w, "Successful:            %d\n", summary.Successful)
	fmt.Fprintf(w, "Skipped:               %d\n", summary.Skipped)
	fmt.Fprintf(w, "Failed:                %d\n", summary.Failed)
	fmt.Fprintf(w, "Total size:            %s\n", units.HumanSize(float64(summary.TotalSize)))
	fmt.Fprintf(w, "Total time:            %s\n", summary.TotalTime)

	for _, r := range summary.Results {
		if r.Success && r.URL != "" {
			fmt.Fprintf(w, "  %s -> %s\n", filepath.Base(r.SourcePath), r.URL)
		}
	}

	if len(summary.FailedFiles) > 0 {
		fmt.Fprintln(w, "\nFailed files:")
		for _, f := range summary.FailedFiles {
			fmt.Fprintf(w, "  - %s\n", f)
		}
	}
	fmt.Fprintln(w, "======================================================================")
}

func printJSON(w io.Writer, v interface{}) {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
