package task

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canopysh/canopy/pkg/sshconfig/sshtest"
)

// makeTree builds a small source tree and returns its root.
func makeTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("beta\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))
	return root
}

func TestTarArchiveRoundTrip(t *testing.T) {
	src := makeTree(t)
	stamp := time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "a.txt"), stamp, stamp))

	archive, err := tarArchive(src)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, untarInto(dest, bytes.NewReader(archive), true))

	got, err := os.ReadFile(filepath.Join(dest, "payload", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "alpha\n", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "payload", "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "beta\n", string(got))

	info, err := os.Stat(filepath.Join(dest, "payload", "run.sh"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dest, "payload", "link"))
	require.NoError(t, err)
	require.Equal(t, "a.txt", link)

	info, err = os.Stat(filepath.Join(dest, "payload", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, stamp.Unix(), info.ModTime().Unix())
}

func TestTarArchiveSingleFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "only.txt")
	require.NoError(t, os.WriteFile(src, []byte("solo"), 0o600))

	archive, err := tarArchive(src)
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(archive))
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "only.txt", hdr.Name)
	_, err = tr.Next()
	require.Error(t, err)
}

func TestTarArchiveMissingSource(t *testing.T) {
	_, err := tarArchive(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func writeRawTar(t *testing.T, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: 4,
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestUntarRejectsAbsolutePath(t *testing.T) {
	raw := writeRawTar(t, "/etc/owned")
	err := untarInto(t.TempDir(), bytes.NewReader(raw), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "absolute")
}

func TestUntarRejectsEscapingPath(t *testing.T) {
	raw := writeRawTar(t, "../outside")
	dest := filepath.Join(t.TempDir(), "inner")
	err := untarInto(dest, bytes.NewReader(raw), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "outside"))
	require.True(t, os.IsNotExist(statErr))
}

func TestUntarCleansInteriorDotDot(t *testing.T) {
	raw := writeRawTar(t, "sub/../../outside")
	err := untarInto(filepath.Join(t.TempDir(), "inner"), bytes.NewReader(raw), false)
	require.Error(t, err)
}

func TestUntarCommand(t *testing.T) {
	require.Equal(t, "mkdir -p '/srv/www' && tar -C '/srv/www' -xf -",
		untarCommand("/srv/www", false))
	require.Equal(t, "mkdir -p '/srv/www' && tar -C '/srv/www' -xpf -",
		untarCommand("/srv/www", true))
}

func TestFetchCommand(t *testing.T) {
	require.Equal(t, "tar -C '/var/log' -cf - 'messages'", fetchCommand("/var/log/messages"))
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, "'plain'", shellQuote("plain"))
	require.Equal(t, "'with space'", shellQuote("with space"))
	require.Equal(t, `'don'\''t'`, shellQuote("don't"))
}

func TestCopyRequiresNodes(t *testing.T) {
	task := newTestTask(t, Options{})
	_, err := task.Copy(makeTree(t), "", CopyOptions{})
	require.Error(t, err)
}

func TestCopyDefaultDestination(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Shell)
	task := newTestTask(t, Options{Dialer: sshtest.Dialer(t, srv.Port())})
	src := makeTree(t)

	w, err := task.Copy(src, "", CopyOptions{Nodes: mustNodes(t, "n1")})
	require.NoError(t, err)
	cw, ok := w.(*CopyWorker)
	require.True(t, ok)
	require.Equal(t, filepath.ToSlash(filepath.Dir(src)), cw.Dest())
	require.Equal(t, src, cw.Source())
}

func TestCopyPushesTreeToNodes(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Shell)
	task := newTestTask(t, Options{Dialer: sshtest.Dialer(t, srv.Port())})
	src := makeTree(t)
	dest := t.TempDir()

	// Both nodes extract into the same local directory; serialize them.
	task.SetInfo("fanout", 1)
	_, err := task.Copy(src, dest, CopyOptions{Nodes: mustNodes(t, "n[1-2]")})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))

	rc, ok := task.KeyRetcode("n1")
	require.True(t, ok)
	require.Zero(t, rc, "stderr: %s", task.KeyError("n1"))
	rc, ok = task.KeyRetcode("n2")
	require.True(t, ok)
	require.Zero(t, rc)

	got, err := os.ReadFile(filepath.Join(dest, "payload", "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "beta\n", string(got))
}

func TestCopyWriteIsRejected(t *testing.T) {
	w := NewCopyWorker("src", "dest", CopyOptions{Nodes: mustNodes(t, "n1")})
	require.Error(t, w.Write([]byte("data")))
	require.NoError(t, w.SetWriteEOF())
}

func TestRcopyRequiresDestination(t *testing.T) {
	task := newTestTask(t, Options{})
	_, err := task.Rcopy("/var/log/messages", "", CopyOptions{Nodes: mustNodes(t, "n1")})
	require.Error(t, err)
}

func TestRcopyPullsPerNodeTrees(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Shell)
	task := newTestTask(t, Options{Dialer: sshtest.Dialer(t, srv.Port())})
	src := makeTree(t)
	dest := filepath.Join(t.TempDir(), "collected")

	_, err := task.Rcopy(src, dest, CopyOptions{Nodes: mustNodes(t, "n[1-2]")})
	require.NoError(t, err)
	require.NoError(t, task.Resume(0))

	for _, node := range []string{"n1", "n2"} {
		rc, ok := task.KeyRetcode(node)
		require.True(t, ok, node)
		require.Zero(t, rc, "stderr: %s", task.KeyError(node))

		got, err := os.ReadFile(filepath.Join(dest, node, "payload", "a.txt"))
		require.NoError(t, err)
		require.Equal(t, "alpha\n", string(got))
	}
}

func TestRcopyKeepsStderrOutOfTheStream(t *testing.T) {
	w := NewRcopyWorker("/src", "/dest", CopyOptions{Nodes: mustNodes(t, "n1"), Stderr: false})
	require.True(t, w.stderrSeparated())
}
