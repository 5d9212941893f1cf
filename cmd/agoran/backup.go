package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/agoranhq/agoran/internal/config"
)

// knownPrefixes are the recognized top-level archive entry prefixes.
var knownPrefixes = map[string]bool{"store": true, "nats": true}

// archiveRoots maps archive prefixes to the directories they capture:
// the SQLite store directory and the embedded NATS data directory.
func archiveRoots(cfg *config.Config) map[string]string {
	return map[string]string{
		"store": filepath.Dir(cfg.Store.Path),
		"nats":  cfg.NATS.DataDir,
	}
}

func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: agoran backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	files, err := writeArchive(outputPath, archiveRoots(cfg))
	if err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// writeArchive streams every file under the given roots into a
// zstd-compressed tar, entry names prefixed with the root's archive name.
func writeArchive(outputPath string, roots map[string]string) (int, error) {
	absOut, err := filepath.Abs(outputPath)
	if err != nil {
		return 0, fmt.Errorf("resolve output path: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	// Roots nested inside another walked tree are archived exactly once,
	// under their own prefix.
	nested := make(map[string]bool, len(roots))
	for _, root := range roots {
		nested[filepath.Clean(root)] = true
	}

	prefixes := make([]string, 0, len(roots))
	for p := range roots {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	total := 0
	for _, prefix := range prefixes {
		root := roots[prefix]
		if _, err := os.Stat(root); os.IsNotExist(err) {
			slog.Warn("backup root missing, skipping", "prefix", prefix, "path", root)
			continue
		}
		slog.Info("backing up", "prefix", prefix, "path", root)
		n, err := archiveTree(tw, prefix, root, nested, absOut)
		if err != nil {
			return 0, fmt.Errorf("archive %s: %w", prefix, err)
		}
		total += n
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	return total, nil
}

// archiveTree writes one root's files into the tar under prefix. skipDirs
// holds other roots to leave out of this walk; skipFile is the archive
// itself, in case it lands inside a walked tree.
func archiveTree(tw *tar.Writer, prefix, root string, skipDirs map[string]bool, skipFile string) (int, error) {
	files := 0
	cleanRoot := filepath.Clean(root)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		clean := filepath.Clean(p)
		if d.IsDir() && clean != cleanRoot && skipDirs[clean] {
			return filepath.SkipDir
		}
		if abs, err := filepath.Abs(p); err == nil && abs == skipFile {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(prefix, filepath.ToSlash(rel))
		if d.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()

		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("write tar data: %w", err)
		}
		files++
		return nil
	})

	return files, err
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: agoran restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roots := archiveRoots(cfg)

	// Pre-scan: collect prefixes from the archive
	prefixes, err := scanArchivePrefixes(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}

	if len(prefixes) == 0 {
		fmt.Println("Archive contains no data.")
		return nil
	}

	// Refuse to clobber a live data directory unless asked
	if !overwrite {
		for _, prefix := range prefixes {
			root, ok := roots[prefix]
			if !ok {
				continue
			}
			if dirHasFiles(root) {
				return fmt.Errorf("%s already has data at %s, add -overwrite to replace files", prefix, root)
			}
		}
	}

	files, err := extractArchive(inputPath, roots)
	if err != nil {
		return err
	}

	fmt.Printf("Restore complete: %d files\n", files)
	return nil
}

// extractArchive unpacks entries into the configured roots, stripping
// the archive prefix from each name.
func extractArchive(inputPath string, roots map[string]string) (int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}

		prefix, relPath := splitArchivePath(hdr.Name)
		if prefix == "" {
			continue
		}
		root, ok := roots[prefix]
		if !ok {
			slog.Warn("archive prefix has no configured root, skipping", "prefix", prefix)
			continue
		}

		dest, err := securePath(root, relPath)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return files, fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return files, fmt.Errorf("create dir: %w", err)
			}
			mode := fs.FileMode(hdr.Mode) & 0o777
			if mode == 0 {
				mode = 0o644
			}
			out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return files, fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return files, fmt.Errorf("write file data: %w", err)
			}
			if err := out.Close(); err != nil {
				return files, fmt.Errorf("close file: %w", err)
			}
			files++
		}
	}

	return files, nil
}

// scanArchivePrefixes reads tar headers to collect the recognized
// top-level prefixes without extracting file data.
func scanArchivePrefixes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		prefix, _ := splitArchivePath(hdr.Name)
		if prefix != "" && !seen[prefix] {
			seen[prefix] = true
			names = append(names, prefix)
		}
	}

	return names, nil
}

// splitArchivePath splits "store/agoran.db" into ("store", "agoran.db").
// Returns an empty prefix for entries outside the recognized set.
func splitArchivePath(name string) (prefix, relPath string) {
	// Clean leading slashes/dots
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		// Directory entry like "store" (no trailing slash was stripped)
		if knownPrefixes[name] {
			return name, "./"
		}
		return "", ""
	}

	prefix = name[:idx]
	relPath = name[idx+1:]
	if relPath == "" {
		relPath = "./"
	}

	if !knownPrefixes[prefix] {
		return "", ""
	}

	return prefix, relPath
}

// securePath joins rel under root and rejects entries that would escape it.
func securePath(root, rel string) (string, error) {
	if rel == "" || rel == "./" {
		return filepath.Clean(root), nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("archive entry has absolute path: %s", rel)
	}

	dest := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if dest != cleanRoot && !strings.HasPrefix(dest, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes restore root: %s", rel)
	}
	return dest, nil
}

// dirHasFiles reports whether root exists and contains at least one
// regular file.
func dirHasFiles(root string) bool {
	var found bool
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
