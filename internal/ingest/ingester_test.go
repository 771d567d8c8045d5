package ingest_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obcatalog/internal/db"
	"obcatalog/internal/domain"
	"obcatalog/internal/ingest"
	"obcatalog/internal/metadata"
	"obcatalog/internal/migrate"
	"obcatalog/internal/repo"
)

type testEnv struct {
	Ctx  context.Context
	Repo repo.Repo
	Dir  string
	DB   *sql.DB
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return testEnv{Ctx: ctx, Repo: r, Dir: dir, DB: conn}
}

func (env testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(env.Dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (env testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, env.DB.QueryRowContext(env.Ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

type headers map[string]metadata.Header

func (h headers) ReadHeader(_ context.Context, path string) (metadata.Header, error) {
	hdr, ok := h[filepath.Base(path)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return hdr, nil
}

func biasRegistry(h headers) metadata.StaticRegistry {
	return metadata.StaticRegistry{"TEST1": {
		Name: "default",
		Extractor: metadata.KeywordExtractor{Headers: h, Keywords: map[string]string{
			metadata.KeyInstrument: "INSTRUME",
			"exptime":              "EXPTIME",
			metadata.KeyObject:     "OBSMODE",
		}},
	}}
}

const siblingLeaves = `id: 2
instrument: TEST1
mode: BIAS
frames: []
children: []
parent: null
facts: null
---
id: 3
instrument: TEST1
mode: DARK
frames: []
children: []
`

func TestDegradedIngestWithoutRegistry(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "ob.yaml", siblingLeaves)
	in := ingest.Ingester{Repo: env.Repo}

	rep, err := in.IngestFile(env.Ctx, path)
	require.NoError(t, err)
	assert.True(t, rep.Degraded)
	assert.Equal(t, 2, rep.Blocks)

	instruments, err := env.Repo.ListInstruments(env.Ctx)
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "TEST1", instruments[0].Name)

	obs, err := env.Repo.ListObservingBlocks(env.Ctx, repo.OBFilters{})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	modes := map[string]string{}
	for _, ob := range obs {
		assert.Equal(t, "TEST1", ob.Instrument)
		modes[ob.ID] = ob.Mode
	}
	assert.Equal(t, map[string]string{"2": "BIAS", "3": "DARK"}, modes)
	assert.Zero(t, env.count(t, "frames"))
}

func TestDegradedIngestSkipsDeclaredFrames(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "ob.yaml", "id: 7\ninstrument: TEST1\nmode: BIAS\nframes: [r0001.fits, r0002.fits]\n")
	_, err := (&ingest.Ingester{Repo: env.Repo}).IngestFile(env.Ctx, path)
	require.NoError(t, err)
	assert.Zero(t, env.count(t, "frames"))
	assert.Zero(t, env.count(t, "ob_facts"))
}

func TestIngestExtractsFactsOntoBlock(t *testing.T) {
	env := newTestEnv(t)
	h := headers{"r0000.fits": {"INSTRUME": "TEST1", "EXPTIME": 0.0, "OBSMODE": "BIAS"}}
	path := env.writeFile(t, "ob.yaml", "id: 2\ninstrument: TEST1\nmode: BIAS\nframes: [r0000.fits]\n")
	in := ingest.Ingester{Repo: env.Repo, Registry: biasRegistry(h), DataDir: env.Dir}

	rep, err := in.IngestFile(env.Ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Frames)

	items, err := env.Repo.ObservingBlockFacts("2").Items(env.Ctx)
	require.NoError(t, err)
	require.Contains(t, items, "exptime")
	assert.Equal(t, 0.0, items["exptime"].Float())
	assert.Equal(t, "BIAS", items[metadata.KeyObject].Text())

	fr, err := env.Repo.GetFrameByName(env.Ctx, "r0000.fits")
	require.NoError(t, err)
	assert.Equal(t, "2", fr.OBID)
	assert.Equal(t, "BIAS", fr.Object)
}

func TestReingestIdenticalFileIsNoop(t *testing.T) {
	env := newTestEnv(t)
	h := headers{
		"a.fits": {"INSTRUME": "TEST1", "EXPTIME": 1.0, "OBSMODE": "DARK"},
		"b.fits": {"INSTRUME": "TEST1", "EXPTIME": 2.0, "OBSMODE": "DARK"},
	}
	doc := `id: root
instrument: TEST1
mode: SEQ
children:
  - id: leaf
    instrument: TEST1
    mode: DARK
    frames: [a.fits, b.fits]
    facts:
      night: 12
`
	path := env.writeFile(t, "ob.yaml", doc)
	in := ingest.Ingester{Repo: env.Repo, Registry: biasRegistry(h)}

	_, err := in.IngestFile(env.Ctx, path)
	require.NoError(t, err)
	before := [...]int{env.count(t, "obs"), env.count(t, "frames"), env.count(t, "ob_facts"), env.count(t, "events")}

	rep, err := in.IngestFile(env.Ctx, path)
	require.NoError(t, err)
	assert.Zero(t, rep.Blocks)
	assert.Zero(t, rep.Frames)
	after := [...]int{env.count(t, "obs"), env.count(t, "frames"), env.count(t, "ob_facts"), env.count(t, "events")}
	assert.Equal(t, before, after)

	root, err := env.Repo.GetObservingBlock(env.Ctx, "root")
	require.NoError(t, err)
	assert.NotNil(t, root.CompletionTime)
	leaf, err := env.Repo.GetObservingBlock(env.Ctx, "leaf")
	require.NoError(t, err)
	require.NotNil(t, leaf.ParentID)
	assert.Equal(t, "root", *leaf.ParentID)

	night, ok, err := env.Repo.ObservingBlockFacts("leaf").Get(env.Ctx, "night")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), night.Int())
}

func TestBlockWithChildrenAndFramesIsMalformed(t *testing.T) {
	env := newTestEnv(t)
	doc := `id: 1
instrument: TEST1
mode: BIAS
children: [2]
---
id: 2
instrument: TEST1
mode: BIAS
frames: []
---
id: 3
instrument: TEST1
mode: BIAS
frames: [x.fits]
children:
  - id: 4
    instrument: TEST1
    mode: BIAS
    frames: []
`
	path := env.writeFile(t, "ob.yaml", doc)
	_, err := (&ingest.Ingester{Repo: env.Repo}).IngestFile(env.Ctx, path)
	require.ErrorIs(t, err, domain.ErrMalformedObservingBlock)
	assert.Zero(t, env.count(t, "obs"))
	assert.Zero(t, env.count(t, "instruments"))
}

func TestBlockWithNeitherChildrenNorFramesIsMalformed(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "ob.yaml", "id: 1\ninstrument: TEST1\nmode: BIAS\n")
	_, err := (&ingest.Ingester{Repo: env.Repo}).IngestFile(env.Ctx, path)
	require.ErrorIs(t, err, domain.ErrMalformedObservingBlock)
}

func TestDuplicateObservingBlock(t *testing.T) {
	env := newTestEnv(t)
	in := ingest.Ingester{Repo: env.Repo}
	_, err := in.IngestFile(env.Ctx, env.writeFile(t, "a.yaml", "id: 5\ninstrument: TEST1\nmode: BIAS\nframes: []\n"))
	require.NoError(t, err)

	_, err = in.IngestFile(env.Ctx, env.writeFile(t, "b.yaml", "id: 6\ninstrument: TEST2\nmode: FLAT\nframes: []\n---\nid: 5\ninstrument: TEST1\nmode: DARK\nframes: []\n"))
	require.ErrorIs(t, err, domain.ErrDuplicateObservingBlock)

	_, err = env.Repo.GetObservingBlock(env.Ctx, "6")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Repo.GetInstrument(env.Ctx, "TEST2")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDuplicateFrames(t *testing.T) {
	env := newTestEnv(t)
	h := headers{
		"a.fits": {"INSTRUME": "TEST1", "EXPTIME": 1.0},
		"b.fits": {"INSTRUME": "TEST1", "EXPTIME": 1.0},
	}
	in := ingest.Ingester{Repo: env.Repo, Registry: biasRegistry(h)}

	_, err := in.IngestFile(env.Ctx, env.writeFile(t, "twice.yaml", "id: 1\ninstrument: TEST1\nmode: BIAS\nframes: [a.fits, a.fits]\n"))
	require.ErrorIs(t, err, domain.ErrDuplicateFrame)
	assert.Zero(t, env.count(t, "frames"))

	_, err = in.IngestFile(env.Ctx, env.writeFile(t, "first.yaml", "id: 1\ninstrument: TEST1\nmode: BIAS\nframes: [a.fits]\n"))
	require.NoError(t, err)

	_, err = in.IngestFile(env.Ctx, env.writeFile(t, "second.yaml", "id: 2\ninstrument: TEST1\nmode: BIAS\nframes: [b.fits, a.fits]\n"))
	require.ErrorIs(t, err, domain.ErrDuplicateFrame)
	_, err = env.Repo.GetFrameByName(env.Ctx, "b.fits")
	require.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, 1, env.count(t, "frames"))
}

func TestUnresolvedInstrumentRollsBack(t *testing.T) {
	env := newTestEnv(t)
	in := ingest.Ingester{Repo: env.Repo, Registry: biasRegistry(headers{})}
	doc := "id: 1\ninstrument: TEST1\nmode: BIAS\nframes: []\n---\nid: 2\ninstrument: OTHER\nmode: BIAS\nframes: [z.fits]\n"
	_, err := in.IngestFile(env.Ctx, env.writeFile(t, "ob.yaml", doc))
	require.ErrorIs(t, err, domain.ErrUnresolvedInstrument)
	assert.Zero(t, env.count(t, "obs"))
}

func TestMalformedFrameMetadataRollsBack(t *testing.T) {
	env := newTestEnv(t)
	in := ingest.Ingester{Repo: env.Repo, Registry: biasRegistry(headers{"ok.fits": {"INSTRUME": "TEST1"}})}
	_, err := in.IngestFile(env.Ctx, env.writeFile(t, "ob.yaml", "id: 1\ninstrument: TEST1\nmode: BIAS\nframes: [ok.fits, missing.fits]\n"))
	require.ErrorIs(t, err, domain.ErrMalformedFrameMetadata)
	assert.Zero(t, env.count(t, "frames"))
	assert.Zero(t, env.count(t, "ob_facts"))
}

func TestUnsupportedDeclaredFactRollsBack(t *testing.T) {
	env := newTestEnv(t)
	in := ingest.Ingester{Repo: env.Repo, Registry: biasRegistry(headers{})}
	_, err := in.IngestFile(env.Ctx, env.writeFile(t, "ob.yaml", "id: 1\ninstrument: TEST1\nmode: BIAS\nframes: []\nfacts:\n  filters: [r, g]\n"))
	require.ErrorIs(t, err, domain.ErrUnsupportedFactType)
	assert.Zero(t, env.count(t, "obs"))
}

func TestIngestAppendsEvent(t *testing.T) {
	env := newTestEnv(t)
	_, err := (&ingest.Ingester{Repo: env.Repo}).IngestFile(env.Ctx, env.writeFile(t, "ob.yaml", siblingLeaves))
	require.NoError(t, err)
	evts, err := env.Repo.EventsAfter(env.Ctx, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "ob.ingested", evts[0].Type)
	assert.Equal(t, "2", evts[0].EntityID)
}
