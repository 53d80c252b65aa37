package task

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/nodeset"
)

// copyChunk is the slice size archives are streamed in.
const copyChunk = 32 * 1024

// CopyOptions configures Copy and Rcopy workers.
type CopyOptions struct {
	// Nodes are the transfer targets.
	Nodes *nodeset.NodeSet
	// Handler receives the worker's events. Optional.
	Handler EventHandler
	// Timeout bounds each transfer. Zero falls back to the task's
	// command timeout.
	Timeout time.Duration
	// Stderr keeps remote error output separate from stdout.
	Stderr bool
	// Preserve keeps permissions and modification times.
	Preserve bool
}

// Copy schedules a push of the local src tree to dest on every target.
// An empty dest lands the copy beside its source path. With a topology
// installed the archive rides the propagation tree to routed targets.
func (t *Task) Copy(src, dest string, opts CopyOptions) (Worker, error) {
	if opts.Nodes == nil || opts.Nodes.IsEmpty() {
		return nil, errors.New("copy needs target nodes")
	}
	if dest == "" {
		dest = filepath.ToSlash(filepath.Dir(filepath.Clean(src)))
	}
	if t.Topology() == nil {
		w := NewCopyWorker(src, dest, opts)
		return w, t.Schedule(w)
	}

	archive, err := tarArchive(src)
	if err != nil {
		return nil, err
	}
	w := newTreeWorker(untarCommand(dest, opts.Preserve), ExecOptions{
		Nodes:   opts.Nodes,
		Handler: opts.Handler,
		Timeout: opts.Timeout,
		Stderr:  opts.Stderr,
	})
	if err := t.Schedule(w); err != nil {
		return nil, err
	}
	streamArchive(w, archive)
	return w, nil
}

// Rcopy schedules a pull of src from every target, unpacked locally
// into dest/<node>/. Reverse copy always connects directly, it does
// not ride an installed topology.
func (t *Task) Rcopy(src, dest string, opts CopyOptions) (Worker, error) {
	w := NewRcopyWorker(src, dest, opts)
	return w, t.Schedule(w)
}

// streamArchive feeds the archive through the worker's input in fixed
// chunks and closes it.
func streamArchive(w Worker, archive []byte) {
	for off := 0; off < len(archive); off += copyChunk {
		end := off + copyChunk
		if end > len(archive) {
			end = len(archive)
		}
		w.Write(archive[off:end])
	}
	w.SetWriteEOF()
}

// CopyWorker pushes one local file tree to every target node, one tar
// extraction per node fed over its SSH stream.
type CopyWorker struct {
	workerBase
	src   string
	dest  string
	opts  CopyOptions
	cls   []*execClient
	total int64
}

// NewCopyWorker builds a push-copy worker. It runs once scheduled on a
// task.
func NewCopyWorker(src, dest string, opts CopyOptions) *CopyWorker {
	w := &CopyWorker{src: src, dest: dest, opts: opts}
	w.handler = opts.Handler
	return w
}

// Source returns the local path being copied.
func (w *CopyWorker) Source() string { return w.src }

// Dest returns the remote destination directory.
func (w *CopyWorker) Dest() string { return w.dest }

// ArchiveSize returns the archive's byte size, known once the worker is
// scheduled. Each node receives this many bytes.
func (w *CopyWorker) ArchiveSize() int64 { return w.total }

func (w *CopyWorker) stderrSeparated() bool { return w.opts.Stderr }

func (w *CopyWorker) bind(t *Task) error {
	if w.task != nil {
		return nil
	}
	if w.opts.Nodes == nil || w.opts.Nodes.IsEmpty() {
		return errors.New("copy needs target nodes")
	}
	archive, err := tarArchive(w.src)
	if err != nil {
		return err
	}
	w.total = int64(len(archive))
	timeout := w.opts.Timeout
	if timeout == 0 {
		timeout = t.commandTimeout()
	}
	cmd := untarCommand(w.dest, w.opts.Preserve)
	dialer := t.Dialer()
	for _, node := range w.opts.Nodes.Nodes() {
		c := newRemoteClient(w, node, cmd, timeout, dialer)
		preloadArchive(c.writer, archive)
		w.cls = append(w.cls, c)
	}
	w.bindTask(t, len(w.cls))
	return nil
}

func preloadArchive(sw *streamWriter, archive []byte) {
	for off := 0; off < len(archive); off += copyChunk {
		end := off + copyChunk
		if end > len(archive) {
			end = len(archive)
		}
		sw.enqueue(archive[off:end])
	}
	sw.SetEOF()
}

func (w *CopyWorker) clients() []engine.Client {
	cls := make([]engine.Client, len(w.cls))
	for i, c := range w.cls {
		cls[i] = c
	}
	return cls
}

// Write fails: the archive owns the input stream.
func (w *CopyWorker) Write([]byte) error {
	return errors.Wrap(engine.ErrNotSupported, "copy worker input")
}

// SetWriteEOF is a no-op, the input stream closes after the archive.
func (w *CopyWorker) SetWriteEOF() error { return nil }

// Abort drops the worker's remaining transfers without recording exit
// codes.
func (w *CopyWorker) Abort() {
	if w.task == nil {
		return
	}
	for _, c := range w.cls {
		if c.done {
			continue
		}
		c.aborted = true
		w.task.eng.Remove(c, false)
	}
}

// RcopyWorker pulls one remote path from every target node: each node
// streams a tar of the path, unpacked as it arrives into the local
// dest/<node>/ directory.
type RcopyWorker struct {
	workerBase
	src  string
	dest string
	opts CopyOptions
	cls  []*execClient
}

// NewRcopyWorker builds a reverse-copy worker. It runs once scheduled
// on a task.
func NewRcopyWorker(src, dest string, opts CopyOptions) *RcopyWorker {
	w := &RcopyWorker{src: src, dest: dest, opts: opts}
	w.handler = opts.Handler
	return w
}

// Source returns the remote path being fetched.
func (w *RcopyWorker) Source() string { return w.src }

// Dest returns the local directory receiving the per-node trees.
func (w *RcopyWorker) Dest() string { return w.dest }

// stderrSeparated is always true for reverse copy: stdout carries the
// archive and must never be mixed with diagnostics.
func (w *RcopyWorker) stderrSeparated() bool { return true }

func (w *RcopyWorker) bind(t *Task) error {
	if w.task != nil {
		return nil
	}
	if w.opts.Nodes == nil || w.opts.Nodes.IsEmpty() {
		return errors.New("rcopy needs target nodes")
	}
	if w.dest == "" {
		return errors.New("rcopy needs a destination directory")
	}
	if err := os.MkdirAll(w.dest, 0o755); err != nil {
		return err
	}
	timeout := w.opts.Timeout
	if timeout == 0 {
		timeout = t.commandTimeout()
	}
	cmd := fetchCommand(w.src)
	dialer := t.Dialer()
	for _, node := range w.opts.Nodes.Nodes() {
		c := newRemoteClient(w, node, cmd, timeout, dialer)
		nodeDir := filepath.Join(w.dest, node)
		preserve := w.opts.Preserve
		c.stdoutTap = func(r io.Reader) error {
			return untarInto(nodeDir, r, preserve)
		}
		c.writer.SetEOF()
		w.cls = append(w.cls, c)
	}
	w.bindTask(t, len(w.cls))
	return nil
}

func (w *RcopyWorker) clients() []engine.Client {
	cls := make([]engine.Client, len(w.cls))
	for i, c := range w.cls {
		cls[i] = c
	}
	return cls
}

// Write fails: reverse copy has no input stream.
func (w *RcopyWorker) Write([]byte) error {
	return errors.Wrap(engine.ErrNotSupported, "rcopy worker input")
}

// SetWriteEOF is a no-op, the input stream is closed from the start.
func (w *RcopyWorker) SetWriteEOF() error { return nil }

// Abort drops the worker's remaining transfers without recording exit
// codes.
func (w *RcopyWorker) Abort() {
	if w.task == nil {
		return
	}
	for _, c := range w.cls {
		if c.done {
			continue
		}
		c.aborted = true
		w.task.eng.Remove(c, false)
	}
}

// untarCommand extracts a streamed archive into dest on the remote
// side, creating the directory first.
func untarCommand(dest string, preserve bool) string {
	flags := "-xf"
	if preserve {
		flags = "-xpf"
	}
	q := shellQuote(dest)
	return "mkdir -p " + q + " && tar -C " + q + " " + flags + " -"
}

// fetchCommand streams a tar of the remote src path to stdout.
func fetchCommand(src string) string {
	return "tar -C " + shellQuote(path.Dir(src)) + " -cf - " + shellQuote(path.Base(src))
}

// shellQuote wraps s for safe interpolation into a sh command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tarArchive packs the file or directory at src into an in-memory tar
// stream rooted at the path's base name, ready to extract with
// tar -C dest -x.
func tarArchive(src string) ([]byte, error) {
	src = filepath.Clean(src)
	root, err := os.Lstat(src)
	if err != nil {
		return nil, errors.Wrap(err, "copy source")
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if root.IsDir() {
		parent := filepath.Dir(src)
		err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(parent, p)
			if err != nil {
				return err
			}
			return tarAdd(tw, p, filepath.ToSlash(rel), d.Type())
		})
	} else {
		err = tarAdd(tw, src, filepath.Base(src), root.Mode().Type())
	}
	if err != nil {
		return nil, errors.Wrap(err, "archive build")
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func tarAdd(tw *tar.Writer, p, name string, typ fs.FileMode) error {
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	var link string
	if typ&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	}
	switch {
	case info.IsDir(), info.Mode().IsRegular(), typ&fs.ModeSymlink != 0:
	default:
		// Sockets, devices and the like do not travel.
		return nil
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
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
	return err
}

// untarInto unpacks a tar stream under dest, rejecting entries that
// would escape it.
func untarInto(dest string, r io.Reader, preserve bool) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "unpack")
		}
		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) {
			return errors.Errorf("unpack: absolute path %q", hdr.Name)
		}
		name = filepath.Clean(name)
		if name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return errors.Errorf("unpack: path %q escapes destination", hdr.Name)
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)&fs.ModePerm); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode)&fs.ModePerm)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			continue
		}
		if preserve && hdr.Typeflag != tar.TypeSymlink {
			os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		}
	}
}
