// Package staticfiles gathers assets from source directories into a single
// serving root, the way a framework's collectstatic step would, and writes a
// content-hash manifest for cache busting.
package staticfiles

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// ManifestName is written at the root of the collected tree.
const ManifestName = "staticfiles.json"

// Manifest maps the relative path of every collected file to the hex BLAKE2b
// hash of its content.
type Manifest struct {
	Version int               `json:"version"`
	Files   map[string]string `json:"files"`
}

// Result summarizes one collection run.
type Result struct {
	Files int
	Bytes int64
}

// Collect clears root and repopulates it from the source directories in
// order. Later sources win on path collisions. The destination always matches
// a clean regeneration: stale files from earlier runs never survive.
func Collect(root string, sources []string) (Result, error) {
	var res Result
	if root == "" {
		return res, fmt.Errorf("static root is empty")
	}

	if err := clearDir(root); err != nil {
		return res, fmt.Errorf("failed to clear static root %s: %w", root, err)
	}

	manifest := Manifest{Version: 1, Files: make(map[string]string)}
	for _, src := range sources {
		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			log.Printf("Static source %s does not exist, skipping", src)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to stat static source %s: %w", src, err)
		}
		if !info.IsDir() {
			return res, fmt.Errorf("static source %s is not a directory", src)
		}

		err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			typ := d.Type()
			if typ&fs.ModeSymlink != 0 {
				// Follow file symlinks so linked assets collect as real files
				info, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("failed to resolve symlink %s: %w", path, err)
				}
				if !info.Mode().IsRegular() {
					log.Printf("Skipping symlink %s: target is not a regular file", path)
					return nil
				}
			} else if !typ.IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}

			if _, seen := manifest.Files[rel]; !seen {
				res.Files++
			}
			n, sum, err := copyFile(path, filepath.Join(root, rel))
			if err != nil {
				return err
			}
			res.Bytes += n
			manifest.Files[rel] = sum
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("failed to collect from %s: %w", src, err)
		}
	}

	if err := writeManifest(root, manifest); err != nil {
		return res, err
	}
	return res, nil
}

// clearDir removes everything inside dir, creating it if absent. The directory
// itself is kept: it may be a mounted volume.
func clearDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// copyFile copies src to dst and returns bytes written plus the content hash.
func copyFile(src, dst string) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", err
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		_ = out.Close()
		return 0, "", err
	}

	n, err := io.Copy(io.MultiWriter(out, hasher), in)
	if err != nil {
		_ = out.Close()
		return n, "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

func writeManifest(root string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, ManifestName), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest from a collected tree.
func ReadManifest(root string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return m, nil
}

// SortedPaths returns the manifest's file paths in deterministic order.
func (m Manifest) SortedPaths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
