// Package dir implements a snapshot engine on plain directories.
//
// Snapshots are recursive copies
// and send-streams are tar archives.
// Every send-stream carries the full content of its snapshot,
// but an incremental stream still names its parent,
// and Receive refuses it unless the parent is present,
// so transfers behave the way they do with btrfs.
// Plain directories cannot be made immutable;
// the readOnly flag of Snapshot only removes write permission bits.
package dir

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
)

var _ btrbck.Engine = &Engine{}

func init() {
	btrbck.RegisterEngine("dir", func(btrbck.EngineOptions) (btrbck.Engine, error) {
		return New(), nil
	})
}

// Engine is a directory-based snapshot engine.
type Engine struct{}

// New produces a new Engine.
func New() *Engine {
	return &Engine{}
}

const parentRecord = "BTRBCK.parent"

// CreateSubvolume implements btrbck.Engine.
func (e *Engine) CreateSubvolume(_ context.Context, p string) error {
	return errors.Wrapf(os.Mkdir(p, 0755), "creating %s", p)
}

// Snapshot implements btrbck.Engine.
func (e *Engine) Snapshot(ctx context.Context, src, dst string, readOnly bool) error {
	if _, err := os.Lstat(dst); err == nil {
		return errors.Errorf("%s already exists", dst)
	}
	if err := copyTree(ctx, src, dst); err != nil {
		return err
	}
	if readOnly {
		return errors.Wrap(makeReadOnly(dst), "removing write permissions")
	}
	return nil
}

// Delete implements btrbck.Engine.
func (e *Engine) Delete(_ context.Context, p string) error {
	if _, err := os.Lstat(p); err != nil {
		return errors.Wrapf(err, "deleting %s", p)
	}
	if err := makeWritable(p); err != nil {
		return errors.Wrapf(err, "restoring write permissions in %s", p)
	}
	return errors.Wrapf(os.RemoveAll(p), "deleting %s", p)
}

// Send implements btrbck.Engine.
func (e *Engine) Send(ctx context.Context, parent, target string, w io.Writer) error {
	info, err := os.Stat(target)
	if err != nil {
		return errors.Wrapf(err, "sending %s", target)
	}
	if parent != "" {
		if _, err = os.Stat(parent); err != nil {
			return errors.Wrapf(err, "parent of %s", target)
		}
	}

	var (
		base = filepath.Base(target)
		tw   = tar.NewWriter(w)
	)

	root := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     base + "/",
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime(),
	}
	if parent != "" {
		root.PAXRecords = map[string]string{parentRecord: filepath.Base(parent)}
		root.Format = tar.FormatPAX
	}
	if err = tw.WriteHeader(root); err != nil {
		return errors.Wrap(err, "writing root header")
	}

	err = filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == target {
			return nil
		}
		rel, err := filepath.Rel(target, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return errors.Wrapf(err, "reading link %s", p)
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return errors.Wrapf(err, "header for %s", p)
		}
		hdr.Name = path.Join(base, filepath.ToSlash(rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""

		if err = tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "writing header for %s", p)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return errors.Wrapf(err, "sending %s", p)
	})
	if err != nil {
		return err
	}
	return errors.Wrap(tw.Close(), "finishing send-stream")
}

// Receive implements btrbck.Engine.
func (e *Engine) Receive(ctx context.Context, dir string, r io.Reader) error {
	tr := tar.NewReader(r)

	root, err := tr.Next()
	if err != nil {
		return errors.Wrap(err, "reading root header")
	}
	base := strings.TrimSuffix(root.Name, "/")
	if root.Typeflag != tar.TypeDir || base == "" || strings.ContainsAny(base, `/\`) || base == "." || base == ".." {
		return errors.Errorf("malformed send-stream root %q", root.Name)
	}
	if parent := root.PAXRecords[parentRecord]; parent != "" {
		if strings.ContainsAny(parent, `/\`) {
			return errors.Errorf("malformed parent name %q", parent)
		}
		if _, err = os.Stat(filepath.Join(dir, parent)); err != nil {
			return errors.Wrapf(err, "parent snapshot %s", parent)
		}
	}

	dst := filepath.Join(dir, base)
	if err = os.Mkdir(dst, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}

	dirs := []*tar.Header{root}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading send-stream")
		}

		rel := strings.TrimPrefix(hdr.Name, base+"/")
		rel = strings.TrimSuffix(rel, "/")
		if rel == hdr.Name || !filepath.IsLocal(filepath.FromSlash(rel)) {
			return errors.Errorf("unsafe path %q in send-stream", hdr.Name)
		}
		p := filepath.Join(dst, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err = os.Mkdir(p, 0755); err != nil {
				return errors.Wrapf(err, "creating %s", p)
			}
			dirs = append(dirs, hdr)

		case tar.TypeReg:
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fs.FileMode(hdr.Mode).Perm()|0200)
			if err != nil {
				return errors.Wrapf(err, "creating %s", p)
			}
			_, err = io.Copy(f, tr)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return errors.Wrapf(err, "writing %s", p)
			}
			if err = os.Chtimes(p, hdr.ModTime, hdr.ModTime); err != nil {
				return errors.Wrapf(err, "setting times of %s", p)
			}

		case tar.TypeSymlink:
			if err = os.Symlink(hdr.Linkname, p); err != nil {
				return errors.Wrapf(err, "creating link %s", p)
			}

		default:
			return errors.Errorf("unsupported entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}

	// Directory times go last, deepest first, since creating entries changes them.
	for i := len(dirs) - 1; i >= 0; i-- {
		hdr := dirs[i]
		rel := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, base+"/"), "/")
		p := dst
		if hdr != root {
			p = filepath.Join(dst, filepath.FromSlash(rel))
		}
		if err = os.Chtimes(p, hdr.ModTime, hdr.ModTime); err != nil {
			return errors.Wrapf(err, "setting times of %s", p)
		}
	}

	return errors.Wrap(makeReadOnly(dst), "removing write permissions")
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			return errors.Wrapf(os.Mkdir(target, info.Mode().Perm()|0700), "creating %s", target)

		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return errors.Wrapf(err, "reading link %s", p)
			}
			return errors.Wrapf(os.Symlink(link, target), "creating link %s", target)

		case info.Mode().IsRegular():
			return copyFile(p, target, info)

		default:
			return errors.Errorf("cannot copy %s: unsupported file type", p)
		}
	})
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm()|0200)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copying %s", src)
	}
	if err = out.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", dst)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// Directories keep their read and search bits,
// so the tree can still be walked and its entries chmodded in any order.
func makeReadOnly(root string) error {
	return chmodTree(root, func(m fs.FileMode) fs.FileMode { return m &^ 0222 })
}

func makeWritable(root string) error {
	return chmodTree(root, func(m fs.FileMode) fs.FileMode { return m | 0200 })
}

func chmodTree(root string, f func(fs.FileMode) fs.FileMode) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := f(info.Mode().Perm())
		if d.IsDir() {
			mode |= 0500
		}
		return os.Chmod(p, mode)
	})
}
