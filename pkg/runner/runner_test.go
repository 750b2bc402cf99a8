package runner

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/natstest"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
	"github.com/wehubfusion/Daedalus/pkg/merge"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap/zaptest"
)

// urlRepository is a memory repository whose claims are addressable like blobs
type urlRepository struct {
	*storage.MemoryRepository
}

func (u urlRepository) URL(claim string) string {
	return "http://127.0.0.1:10000/devstoreaccount1/content/" + claim
}

type fixture struct {
	t      *testing.T
	js     *natstest.MockJS
	client *client.Client
	repo   storage.Repository
	runner *Runner
}

func testConfig() Config {
	return Config{
		Stream:             "FLOWFILES",
		Consumer:           "daedalus",
		OutputPrefix:       "daedalus",
		PullBatch:          10,
		TriggerInterval:    5 * time.Millisecond,
		IdleWait:           2 * time.Millisecond,
		PublishConcurrency: 4,
		ShutdownTimeout:    time.Second,
	}
}

func newFixture(t *testing.T, mcfg merge.Config, repo storage.Repository) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	js := natstest.NewMockJS()
	c := client.NewClientWithJSContext(js)
	c.SetLogger(logger)
	c.Messages.SetRetryBackoff(time.Millisecond)
	c.Messages.SetFetchTimeout(5 * time.Millisecond)

	proc, err := merge.NewProcessor(mcfg, merge.WithLogger(logger))
	require.NoError(t, err)

	if repo == nil {
		repo = storage.NewMemoryRepository()
	}
	r, err := NewRunner(c, proc, repo, testConfig(), logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return &fixture{t: t, js: js, client: c, repo: repo, runner: r}
}

func (f *fixture) send(body string, attrs map[string]string) *flowfile.FlowFile {
	f.t.Helper()
	ff := flowfile.New()
	for k, v := range attrs {
		ff.SetAttribute(k, v)
	}
	ff.Size = int64(len(body))
	require.NoError(f.t, f.client.Messages.Publish(context.Background(), "FLOWFILES.in", message.NewFlowFileMessage(ff, []byte(body))))
	return ff
}

// start runs the runner in the background; the returned stop cancels it and waits for Run to return
func (f *fixture) start() (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			f.t.Fatal("runner did not stop")
			return nil
		}
	}
}

func (f *fixture) published(rel merge.Relationship) []*message.Message {
	f.t.Helper()
	var out []*message.Message
	for _, m := range f.js.Published(f.runner.Subject(rel)) {
		msg, err := message.FromBytes(m.Data)
		require.NoError(f.t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fixture) eventually(rel merge.Relationship, n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return len(f.js.Published(f.runner.Subject(rel))) >= n
	}, 3*time.Second, 5*time.Millisecond)
}

func fragment(id string, index, count int) map[string]string {
	return map[string]string{
		flowfile.AttrFragmentID:    id,
		flowfile.AttrFragmentIndex: strconv.Itoa(index),
		flowfile.AttrFragmentCount: strconv.Itoa(count),
		flowfile.AttrFilename:      "part-" + strconv.Itoa(index),
	}
}

func TestNewRunnerValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	c := client.NewClientWithJSContext(natstest.NewMockJS())
	proc, err := merge.NewProcessor(merge.DefaultConfig())
	require.NoError(t, err)
	repo := storage.NewMemoryRepository()

	tests := []struct {
		name   string
		client *client.Client
		proc   *merge.Processor
		repo   storage.Repository
		mutate func(*Config)
		logger bool
	}{
		{name: "disconnected client", client: client.NewClient("nats://localhost:4222"), proc: proc, repo: repo, logger: true},
		{name: "nil processor", client: c, repo: repo, logger: true},
		{name: "nil repository", client: c, proc: proc, logger: true},
		{name: "no stream", client: c, proc: proc, repo: repo, logger: true, mutate: func(c *Config) { c.Stream = "" }},
		{name: "no consumer", client: c, proc: proc, repo: repo, logger: true, mutate: func(c *Config) { c.Consumer = "" }},
		{name: "no output prefix", client: c, proc: proc, repo: repo, logger: true, mutate: func(c *Config) { c.OutputPrefix = "" }},
		{name: "no trigger interval", client: c, proc: proc, repo: repo, logger: true, mutate: func(c *Config) { c.TriggerInterval = 0 }},
		{name: "nil logger", client: c, proc: proc, repo: repo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			var l = logger
			if !tt.logger {
				l = nil
			}
			_, err := NewRunner(tt.client, tt.proc, tt.repo, cfg, l, nil)
			assert.Error(t, err)
		})
	}
}

func TestRunnerCreatesStreamAndConsumer(t *testing.T) {
	f := newFixture(t, merge.DefaultConfig(), nil)
	ci, err := f.js.ConsumerInfo("FLOWFILES", "daedalus")
	require.NoError(t, err)
	assert.Equal(t, "FLOWFILES.in", ci.Config.FilterSubject)
	assert.Equal(t, "daedalus.merged", f.runner.Subject(merge.RelMerged))
}

func TestRunnerDefragmentsFragments(t *testing.T) {
	cfg := merge.DefaultConfig()
	cfg.DelimiterStrategy = string(merge.DelimiterText)
	cfg.Demarcator = ","
	f := newFixture(t, cfg, nil)

	f.send("bar", fragment("doc", 1, 3))
	f.send("foo", fragment("doc", 0, 3))
	f.send("baz", fragment("doc", 2, 3))

	stop := f.start()
	f.eventually(merge.RelMerged, 1)
	f.eventually(merge.RelOriginal, 3)
	assert.ErrorIs(t, stop(), context.Canceled)

	merged := f.published(merge.RelMerged)
	require.Len(t, merged, 1)
	assert.Equal(t, "merged", merged[0].Relationship)
	assert.Equal(t, "foo,bar,baz", string(merged[0].Payload.Data))
	assert.Equal(t, "doc", merged[0].Payload.Attributes[flowfile.AttrFragmentID])
	assert.EqualValues(t, 11, merged[0].Payload.Size)

	originals := f.published(merge.RelOriginal)
	require.Len(t, originals, 3)
	for _, o := range originals {
		assert.Equal(t, "original", o.Relationship)
		assert.Len(t, o.Payload.Data, 3)
	}
	assert.Empty(t, f.published(merge.RelFailure))

	// every published flow file carried its content inline, so nothing is left behind
	assert.Zero(t, f.repo.(*storage.MemoryRepository).Len())
}

func TestRunnerFlushesOpenBinsOnStop(t *testing.T) {
	cfg := merge.DefaultConfig()
	cfg.Strategy = string(merge.StrategyBinPack)
	cfg.MinEntries = 10
	cfg.DelimiterStrategy = string(merge.DelimiterText)
	cfg.Demarcator = "|"
	cfg.BatchSize = 5
	f := newFixture(t, cfg, nil)

	f.send("a", nil)
	f.send("b", nil)

	stop := f.start()
	require.Eventually(t, func() bool { return f.js.Pending("FLOWFILES") == 0 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.published(merge.RelMerged))
	assert.Equal(t, 1, f.runner.processor.Bins().BinCount())

	assert.ErrorIs(t, stop(), context.Canceled)

	merged := f.published(merge.RelMerged)
	require.Len(t, merged, 1)
	assert.Equal(t, "a|b", string(merged[0].Payload.Data))
	assert.Len(t, f.published(merge.RelOriginal), 2)
}

func TestRunnerRoutesInvalidFragmentsToFailure(t *testing.T) {
	f := newFixture(t, merge.DefaultConfig(), nil)

	f.send("x", map[string]string{
		flowfile.AttrFragmentID:    "doc",
		flowfile.AttrFragmentIndex: "0",
		// no fragment.count
	})

	stop := f.start()
	f.eventually(merge.RelFailure, 1)
	assert.ErrorIs(t, stop(), context.Canceled)

	failed := f.published(merge.RelFailure)
	require.Len(t, failed, 1)
	assert.Equal(t, "x", string(failed[0].Payload.Data))
	assert.Empty(t, f.published(merge.RelMerged))
}

func TestRunnerDropsMessagesWithoutPayload(t *testing.T) {
	f := newFixture(t, merge.DefaultConfig(), nil)
	require.NoError(t, f.client.Messages.Publish(context.Background(), "FLOWFILES.in", message.NewMessage()))

	stop := f.start()
	require.Eventually(t, func() bool { return f.js.Pending("FLOWFILES") == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)

	assert.Zero(t, f.runner.Queued())
	assert.Empty(t, f.published(merge.RelMerged))
	assert.Empty(t, f.published(merge.RelFailure))
}

func TestRunnerPublishesLargeMergedContentByReference(t *testing.T) {
	repo := urlRepository{storage.NewMemoryRepository()}
	cfg := merge.DefaultConfig()
	f := newFixture(t, cfg, repo)

	half := strings.Repeat("x", 1<<20)
	f.send(half, fragment("big", 0, 2))
	f.send(half, fragment("big", 1, 2))

	stop := f.start()
	f.eventually(merge.RelMerged, 1)
	f.eventually(merge.RelOriginal, 2)
	assert.ErrorIs(t, stop(), context.Canceled)

	merged := f.published(merge.RelMerged)
	require.Len(t, merged, 1)
	require.True(t, merged[0].HasBlobReference())
	ref := merged[0].Payload.BlobReference
	assert.EqualValues(t, 2<<20, ref.SizeBytes)
	assert.Equal(t, repo.URL(ref.Claim), ref.URL)
	assert.Nil(t, merged[0].Payload.Data)

	// content published by reference stays in the repository
	data, ok := repo.Bytes(ref.Claim)
	require.True(t, ok)
	assert.Len(t, data, 2<<20)

	// the originals were small enough to travel inline
	for _, o := range f.published(merge.RelOriginal) {
		assert.False(t, o.HasBlobReference())
	}
}

func TestRunnerIngestsBlobReferences(t *testing.T) {
	repo := urlRepository{storage.NewMemoryRepository()}
	repo.Put("claim-a", []byte("foo"))
	repo.Put("claim-b", []byte("bar"))
	cfg := merge.DefaultConfig()
	cfg.DelimiterStrategy = string(merge.DelimiterText)
	f := newFixture(t, cfg, repo)

	for i, claim := range []string{"claim-a", "claim-b"} {
		ff := flowfile.New()
		for k, v := range fragment("ref", i, 2) {
			ff.SetAttribute(k, v)
		}
		msg := message.NewBlobFlowFileMessage(ff, &message.BlobReference{Claim: claim, URL: repo.URL(claim), SizeBytes: 3})
		require.NoError(t, f.client.Messages.Publish(context.Background(), "FLOWFILES.in", msg))
	}

	stop := f.start()
	f.eventually(merge.RelMerged, 1)
	assert.ErrorIs(t, stop(), context.Canceled)

	merged := f.published(merge.RelMerged)
	require.Len(t, merged, 1)
	assert.Equal(t, "foobar", string(merged[0].Payload.Data))
}

func TestRunnerKeepsRunningAfterPublishFailures(t *testing.T) {
	cfg := merge.DefaultConfig()
	cfg.Strategy = string(merge.StrategyBinPack)
	f := newFixture(t, cfg, nil)
	f.send("lost", nil)

	// every attempt for both the merged and the original flow file fails
	attempts := natsconn.DefaultConnectionConfig("").PublishMaxRetries
	f.js.FailPublishes(2*attempts, errors.New("nats: timeout"))

	stop := f.start()
	require.Eventually(t, func() bool { return f.js.FailuresLeft() == 0 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.published(merge.RelMerged))
	assert.Empty(t, f.published(merge.RelOriginal))

	f.send("next", nil)
	f.eventually(merge.RelMerged, 1)
	f.eventually(merge.RelOriginal, 1)
	assert.ErrorIs(t, stop(), context.Canceled)

	merged := f.published(merge.RelMerged)
	require.Len(t, merged, 1)
	assert.Equal(t, "next", string(merged[0].Payload.Data))

	// content of flow files that were never published stays in the repository
	assert.Equal(t, 2, f.repo.(*storage.MemoryRepository).Len())
}
