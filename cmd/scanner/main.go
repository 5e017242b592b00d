// Command scanner builds the initial whitelist database: it walks one or
// more root paths, hashes every regular file it finds, and writes a scan
// manifest plus one per-file JSON record into a data directory. No other
// command in this module reads the manifest back into the Policy Store's
// allow sets; the scanner itself never touches internal/policy directly —
// it is an external collaborator of the core, not a component of it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/threatflux/edrcore/internal/hashcache"
)

// fileRecord is one {data_dir}/{uuid}.json file record.
type fileRecord struct {
	UUID          string    `json:"uuid"`
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
	Modified      time.Time `json:"modified"`
	Created       time.Time `json:"created"`
	SHA256Hash    string    `json:"sha256_hash"`
	FileType      string    `json:"file_type"`
	Permissions   string    `json:"permissions"`
	IsExecutable  bool      `json:"is_executable"`
	IsSigned      bool      `json:"is_signed"`
	CodeSignature *string   `json:"code_signature"`
	BundleInfo    *string   `json:"bundle_info"`
	ScanTimestamp time.Time `json:"scan_timestamp"`
}

// scanManifest is {data_dir}/scan_manifest.json.
type scanManifest struct {
	ScanID            string            `json:"scan_id"`
	ScanTimestamp     time.Time         `json:"scan_timestamp"`
	TotalFilesScanned int               `json:"total_files_scanned"`
	FilesByType       map[string]int    `json:"files_by_type"`
	ScanPaths         []string          `json:"scan_paths"`
	FileRecords       map[string]string `json:"file_records"` // uuid -> relative filename
}

func main() {
	dataDir := flag.String("data-dir", "/var/lib/edrcore/whitelist", "directory to write the scan manifest and per-file records into")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: scanner [--data-dir PATH] PATH...")
		os.Exit(3)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "scanner: cannot create data dir: %v\n", err)
		os.Exit(1)
	}

	hashes := hashcache.New(0, 0)
	manifest := scanManifest{
		ScanID:        uuid.NewString(),
		ScanTimestamp: time.Now().UTC(),
		FilesByType:   make(map[string]int),
		ScanPaths:     paths,
		FileRecords:   make(map[string]string),
	}

	ctx := context.Background()
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable entries (permission denied, races with
				// deletion) are skipped, not fatal: per-entry failures
				// during enumeration should not abort the whole scan.
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rec, err := buildRecord(ctx, hashes, path)
			if err != nil {
				return nil
			}
			if err := writeRecord(*dataDir, rec); err != nil {
				fmt.Fprintf(os.Stderr, "scanner: failed to write record for %s: %v\n", path, err)
				return nil
			}
			manifest.FileRecords[rec.UUID] = rec.UUID + ".json"
			manifest.FilesByType[rec.FileType]++
			manifest.TotalFilesScanned++
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "scanner: walk %s: %v\n", root, err)
		}
	}

	if err := writeManifest(*dataDir, manifest); err != nil {
		fmt.Fprintf(os.Stderr, "scanner: failed to write manifest: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("scan complete: %d files recorded under %s\n", manifest.TotalFilesScanned, *dataDir)
}

func buildRecord(ctx context.Context, hashes *hashcache.Cache, path string) (fileRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileRecord{}, err
	}
	digest, err := hashes.Digest(ctx, path)
	if err != nil {
		// Oversized or unreadable files are recorded without a digest
		// rather than aborting the whole scan (hashcache enforces its own
		// size cap internally).
		digest = ""
	}

	return fileRecord{
		UUID:          uuid.NewString(),
		Path:          path,
		Size:          info.Size(),
		Modified:      info.ModTime().UTC(),
		Created:       info.ModTime().UTC(), // Linux has no portable birth-time in os.FileInfo
		SHA256Hash:    digest,
		FileType:      classify(path, info),
		Permissions:   fmt.Sprintf("%#o", info.Mode().Perm()),
		IsExecutable:  info.Mode().Perm()&0o111 != 0,
		IsSigned:      false, // no Linux code-signing scheme is in scope
		CodeSignature: nil,
		BundleInfo:    nil,
		ScanTimestamp: time.Now().UTC(),
	}, nil
}

// classify assigns a coarse file_type tag. It is deliberately simple (by
// extension and executable bit) rather than magic-byte sniffing — the
// whitelist scan only needs a tag for its own bookkeeping.
func classify(path string, info os.FileInfo) string {
	ext := filepath.Ext(path)
	switch ext {
	case ".so":
		return "shared_library"
	case ".sh", ".py", ".pl", ".rb":
		return "script"
	case "":
		if info.Mode().Perm()&0o111 != 0 {
			return "executable"
		}
		return "other"
	default:
		return "other"
	}
}

func writeRecord(dataDir string, rec fileRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, rec.UUID+".json"), data, 0o644)
}

func writeManifest(dataDir string, m scanManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, "scan_manifest.json"), data, 0o644)
}
