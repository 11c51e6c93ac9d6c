// Package archive unpacks user supplied source archives into a build context.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/go-units"
	"github.com/klauspost/compress/gzip"
)

// ErrUnsafePath rejects members that would be written outside the extraction root.
var ErrUnsafePath = errors.New("archive contains an unsafe path")

// ErrTooLarge is returned when an archive exceeds its configured caps.
var ErrTooLarge = errors.New("archive exceeds size limits")

// ErrDockerfileNotFound is returned when no directory holds a Dockerfile.
var ErrDockerfileNotFound = errors.New("Dockerfile not found in archive/repository")

// Limits bounds what a single archive may unpack to.
type Limits struct {
	MaxEntries int
	MaxBytes   int64
}

// DefaultLimits caps archives at 10000 members and 512MiB of content.
var DefaultLimits = Limits{MaxEntries: 10000, MaxBytes: 512 * units.MiB}

var gzipMagic = []byte{0x1f, 0x8b}

// Extract unpacks a gzip compressed (or plain) tar stream into dest. Every
// member is validated before anything is written for it, and nothing is ever
// created outside dest.
func Extract(r io.Reader, dest string, limits Limits) error {
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = DefaultLimits.MaxEntries
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultLimits.MaxBytes
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolve extraction root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create extraction root: %w", err)
	}

	br := bufio.NewReader(r)
	var src io.Reader = br
	if head, _ := br.Peek(2); bytes.Equal(head, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	links := make(map[string]string)
	var (
		entries int
		written int64
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return recheckLinks(root, links)
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		entries++
		if entries > limits.MaxEntries {
			return fmt.Errorf("%w: more than %d entries", ErrTooLarge, limits.MaxEntries)
		}

		rel, err := memberPath(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		if throughLink(rel, links) {
			return fmt.Errorf("%w: %q is written through a symlink", ErrUnsafePath, hdr.Name)
		}
		target := filepath.Join(root, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", rel, err)
			}
		case tar.TypeReg:
			if hdr.Size > limits.MaxBytes-written {
				return fmt.Errorf("%w: more than %s", ErrTooLarge, units.BytesSize(float64(limits.MaxBytes)))
			}
			n, err := writeFile(target, tr, hdr.Size, os.FileMode(hdr.Mode).Perm())
			written += n
			if err != nil {
				return fmt.Errorf("write %s: %w", rel, err)
			}
		case tar.TypeSymlink:
			if _, ok := resolveLink(rel, hdr.Linkname, links); !ok {
				return fmt.Errorf("%w: symlink %q points to %q", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create %s: %w", rel, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", rel, err)
			}
			links[rel] = hdr.Linkname
		case tar.TypeLink:
			linkRel, err := memberPath(hdr.Linkname)
			if err != nil || linkRel == "" {
				return fmt.Errorf("%w: hardlink %q points to %q", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if throughLink(linkRel, links) {
				return fmt.Errorf("%w: hardlink %q points through a symlink", ErrUnsafePath, hdr.Name)
			}
			if _, isLink := links[linkRel]; isLink {
				return fmt.Errorf("%w: hardlink %q points to a symlink", ErrUnsafePath, hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create %s: %w", rel, err)
			}
			if err := os.Link(filepath.Join(root, filepath.FromSlash(linkRel)), target); err != nil {
				return fmt.Errorf("hardlink %s: %w", rel, err)
			}
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		default:
			return fmt.Errorf("%w: %q has unsupported type %q", ErrUnsafePath, hdr.Name, string(hdr.Typeflag))
		}
	}
}

// memberPath returns the cleaned slash separated path of a member relative to
// the root, or "" for the root itself.
func memberPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty member name", ErrUnsafePath)
	}
	normalized := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(name) || hasDriveLetter(normalized) {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, name)
	}
	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes the archive root", ErrUnsafePath, name)
	}
	return cleaned, nil
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// maxLinkDepth bounds symlink expansion, as the kernel's ELOOP limit does.
const maxLinkDepth = 40

// resolveLink follows the target of a symlink at rel, expanding symlinks
// extracted earlier, and returns the final path relative to the root. ok is
// false when any step leaves the root or the result is the root itself.
func resolveLink(rel, target string, links map[string]string) (string, bool) {
	resolved, ok := resolveFrom(path.Dir(rel), target, links, 0)
	return resolved, ok && resolved != "."
}

func resolveFrom(base, target string, links map[string]string, depth int) (string, bool) {
	if depth > maxLinkDepth {
		return "", false
	}
	if target == "" || strings.HasPrefix(target, "/") || filepath.IsAbs(target) || hasDriveLetter(target) {
		return "", false
	}
	var parts []string
	if base != "." {
		parts = strings.Split(base, "/")
	}
	for _, part := range strings.Split(strings.ReplaceAll(target, `\`, "/"), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				return "", false
			}
			parts = parts[:len(parts)-1]
			continue
		}
		parts = append(parts, part)
		current := strings.Join(parts, "/")
		next, isLink := links[current]
		if !isLink {
			continue
		}
		resolved, ok := resolveFrom(path.Dir(current), next, links, depth+1)
		if !ok {
			return "", false
		}
		parts = parts[:0]
		if resolved != "." {
			parts = strings.Split(resolved, "/")
		}
	}
	if len(parts) == 0 {
		return ".", true
	}
	return strings.Join(parts, "/"), true
}

// recheckLinks validates every symlink against the final set of links, since
// a later member can turn an earlier target's component into a link. Every
// escaping link is removed.
func recheckLinks(root string, links map[string]string) error {
	var bad []string
	for rel, target := range links {
		if _, ok := resolveLink(rel, target, links); !ok {
			bad = append(bad, rel)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	for _, rel := range bad {
		_ = os.Remove(filepath.Join(root, filepath.FromSlash(rel)))
	}
	return fmt.Errorf("%w: symlink %q points to %q", ErrUnsafePath, bad[0], links[bad[0]])
}

// throughLink reports whether any parent directory of rel was extracted as a symlink.
func throughLink(rel string, links map[string]string) bool {
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := links[dir]; ok {
			return true
		}
	}
	return false
}

func writeFile(target string, r io.Reader, size int64, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	if mode == 0 {
		mode = 0o644
	}
	// O_EXCL keeps a duplicate member from following a link planted earlier.
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode|0o600)
	if errors.Is(err, os.ErrExist) {
		if rmErr := os.Remove(target); rmErr != nil {
			return 0, rmErr
		}
		f, err = os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode|0o600)
	}
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(f, io.LimitReader(r, size))
	closeErr := f.Close()
	if copyErr != nil {
		return n, copyErr
	}
	return n, closeErr
}

// FindBuildRoot walks root top-down, visiting subdirectories in lexical order,
// and returns the first directory that contains a Dockerfile.
func FindBuildRoot(root string) (string, error) {
	found, err := findDockerfile(root)
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", ErrDockerfileNotFound
	}
	return found, nil
}

func findDockerfile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.Name() == "Dockerfile" && e.Type().IsRegular() {
			return dir, nil
		}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		found, err := findDockerfile(filepath.Join(dir, e.Name()))
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
	}
	return "", nil
}
