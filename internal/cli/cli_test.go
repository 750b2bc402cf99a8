package cli

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/merge"
	"go.uber.org/zap/zaptest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(&RootOptions{Logger: zaptest.NewLogger(t)})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func outputs(t *testing.T, stdout string) []string {
	t.Helper()
	return strings.Fields(stdout)
}

func TestMergeBinPackWithDemarcator(t *testing.T) {
	in := writeFiles(t, map[string]string{"a.txt": "one", "b.txt": "two"})
	out := filepath.Join(t.TempDir(), "merged")

	stdout, err := execute(t, "merge", "--out", out, "--strategy", "bin-pack", "--demarcator", `\n`,
		filepath.Join(in, "a.txt"), filepath.Join(in, "b.txt"))
	require.NoError(t, err)

	paths := outputs(t, stdout)
	require.Len(t, paths, 1)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", string(data))
}

func TestMergeReassemblesFragments(t *testing.T) {
	in := writeFiles(t, map[string]string{"p0": "hel", "p1": "lo ", "p2": "world"})
	out := t.TempDir()

	stdout, err := execute(t, "merge", "--out", out, "--fragment-id", "greeting", "--name", "greeting.txt",
		filepath.Join(in, "p0"), filepath.Join(in, "p1"), filepath.Join(in, "p2"))
	require.NoError(t, err)

	require.Equal(t, []string{filepath.Join(out, "greeting.txt")}, outputs(t, stdout))
	data, err := os.ReadFile(filepath.Join(out, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestMergeTarArchive(t *testing.T) {
	in := writeFiles(t, map[string]string{"a.json": `{"a":1}`, "b.json": `{"b":2}`})
	out := t.TempDir()

	stdout, err := execute(t, "merge", "--out", out, "--strategy", "bin-pack", "--format", "tar",
		filepath.Join(in, "a.json"), filepath.Join(in, "b.json"))
	require.NoError(t, err)

	paths := outputs(t, stdout)
	require.Len(t, paths, 1)
	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer f.Close()

	var names []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"a.json", "b.json"}, names)
}

func TestMergeDefaultsToBinPack(t *testing.T) {
	in := writeFiles(t, map[string]string{"a.txt": "alpha", "b.txt": "beta"})
	out := t.TempDir()

	stdout, err := execute(t, "merge", "--out", out, filepath.Join(in, "a.txt"), filepath.Join(in, "b.txt"))
	require.NoError(t, err)

	paths := outputs(t, stdout)
	require.Len(t, paths, 1)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "alphabeta", string(data))
}

func TestMergeConfiguredDefragmentRejectsPlainFiles(t *testing.T) {
	in := writeFiles(t, map[string]string{
		"a.txt":         "alpha",
		"b.txt":         "beta",
		"daedalus.yaml": "merge:\n  strategy: Defragment\n",
	})
	out := t.TempDir()

	stdout, err := execute(t, "merge", "--config", filepath.Join(in, "daedalus.yaml"), "--out", out,
		filepath.Join(in, "a.txt"), filepath.Join(in, "b.txt"))
	assert.ErrorContains(t, err, "2 of 2 files could not be merged")
	assert.Empty(t, outputs(t, stdout))
}

func TestMergeErrors(t *testing.T) {
	in := writeFiles(t, map[string]string{"a.txt": "alpha"})
	file := filepath.Join(in, "a.txt")
	out := t.TempDir()

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing out", args: []string{"merge", file}},
		{name: "no files", args: []string{"merge", "--out", out}},
		{name: "unknown strategy", args: []string{"merge", "--out", out, "--strategy", "shuffle", file}},
		{name: "unknown format", args: []string{"merge", "--out", out, "--format", "rar", file}},
		{name: "missing file", args: []string{"merge", "--out", out, filepath.Join(in, "nope")}},
		{name: "missing config", args: []string{"merge", "--config", filepath.Join(in, "nope.yaml"), "--out", out, file}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"azure.yaml":   "storage:\n  backend: azure\n",
		"unknown.yaml": "merge:\n  strategy: Defragment\nbogus: true\n",
	})

	_, err := execute(t, "run", "--config", filepath.Join(dir, "azure.yaml"))
	assert.ErrorContains(t, err, "connection string")

	_, err = execute(t, "run", "--config", filepath.Join(dir, "unknown.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger("loud")
	assert.Error(t, err)
}

func TestRejectReporterDisabledWithoutDSN(t *testing.T) {
	hook, flush, err := newRejectReporter(config.SentryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, hook)
	flush()
}

func TestReportRejection(t *testing.T) {
	var mu sync.Mutex
	var events []*sentry.Event
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn: "https://public@sentry.example.com/1",
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	reportRejection(hub, merge.Rejection{
		BinID:    "bin-7",
		GroupKey: "doc",
		Members:  3,
		Stage:    merge.Validating,
		Err:      errors.New("fragment.count mismatch"),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "bin-7", events[0].Tags["bin.id"])
	assert.Equal(t, merge.Validating.String(), events[0].Tags["bin.stage"])
	assert.Equal(t, "doc", events[0].Contexts["bin"]["group_key"])
	require.NotEmpty(t, events[0].Exception)
	assert.Equal(t, "fragment.count mismatch", events[0].Exception[0].Value)
}
