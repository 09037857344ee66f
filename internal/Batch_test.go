package internal

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatchConfig() Config {
	cfg := DefaultConfig()
	cfg.StoreRoot = "nand/user"
	cfg.SystemStoreRoot = "nand/system"
	cfg.StagingDir = "staging"
	cfg.RetryDelay = 0
	return cfg
}

// writeTestNSP writes an NSP holding one program NCA of size bytes and returns the NCA bytes
func writeTestNSP(t *testing.T, fs afero.Fs, path string, titleID uint64, id byte, size int) []byte {
	t.Helper()
	nca := ncaBytes(titleID, ContentProgram, size, id)
	writeTestFile(t, fs, path, nspBytes(partFile{name: testContentName(id, "nca"), data: nca}))
	return nca
}

func newTestBatch(t *testing.T, fs afero.Fs, cfg Config) (*Batch, *NandStore, *NandStore) {
	t.Helper()
	user, system, err := OpenStores(fs, cfg)
	require.NoError(t, err)
	return NewBatch(fs, cfg, user, system), user, system
}

func registeredBytes(t *testing.T, store *NandStore, id ContentID) []byte {
	t.Helper()
	rc, err := store.OpenContent(id)
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestBatch_InstallTwiceOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	nca := writeTestNSP(t, fs, "games/app.nsp", testBaseTitleID, 0x31, 0x5000)
	requests := []InstallRequest{{Path: "games/app.nsp"}}

	batch, user, _ := newTestBatch(t, fs, testBatchConfig())
	first := batch.Run(context.Background(), requests).All()
	require.Len(t, first, 1)
	assert.Equal(t, OutcomeSuccess, first[0].Outcome)
	assert.Equal(t, StateSucceeded, first[0].State)
	assert.Equal(t, 1, first[0].Entries)
	assert.Equal(t, nca, registeredBytes(t, user, testContentID(0x31)))

	batch, user, _ = newTestBatch(t, fs, testBatchConfig())
	second := batch.Run(context.Background(), requests).All()
	require.Len(t, second, 1)
	assert.Equal(t, OutcomeOverwrite, second[0].Outcome)
	assert.Equal(t, StateOverwritten, second[0].State)
	assert.Equal(t, nca, registeredBytes(t, user, testContentID(0x31)))
	assert.Len(t, user.List(), 1)
}

func TestBatch_MixedOutcomesAddUp(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testBatchConfig()

	writeTestNSP(t, fs, "a.nsp", testBaseTitleID, 0x41, 0x3000)
	writeTestNSP(t, fs, "b.nsp", 0x0100000000020000, 0x42, 0x3000)
	writeTestFile(t, fs, "broken.nsp", []byte("PFS0 but nothing else"))
	require.NoError(t, fs.MkdirAll("extracted", 0755))

	seed, _, _ := newTestBatch(t, fs, cfg)
	seed.Run(context.Background(), []InstallRequest{{Path: "b.nsp"}})
	batch, _, _ := newTestBatch(t, fs, cfg)

	results := batch.Run(context.Background(), []InstallRequest{
		{Path: "a.nsp"},
		{Path: "b.nsp"},
		{Path: "broken.nsp"},
		{Path: "extracted"},
		{Path: "missing.nsp"},
	})

	newCount, overwritten, failed := results.Counts()
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 1, overwritten)
	assert.Equal(t, 3, failed)
	assert.Equal(t, 5, newCount+overwritten+failed)
	assert.False(t, results.BaseInstallAttempted())

	all := results.All()
	assert.ErrorIs(t, all[2].Err, ErrUnreadableContainer)
	assert.ErrorIs(t, all[3].Err, ErrAlreadyExtracted)
	assert.Equal(t, StateFailed, all[3].State)
	assert.ErrorIs(t, all[4].Err, ErrUnreadableContainer)
}

func TestBatch_BaseInstallRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testBatchConfig()
	cfg.InstallIntoSystemArea = true

	writeTestNSP(t, fs, "base-v1.nsp", testBaseTitleID, 0x51, 0x2000)
	writeTestNSP(t, fs, "base-v2.nsp", testBaseTitleID, 0x52, 0x2000)
	writeTestNSP(t, fs, "update.nsp", testUpdateTitleID, 0x53, 0x2000)

	batch, _, system := newTestBatch(t, fs, cfg)
	first := batch.Run(context.Background(), []InstallRequest{{Path: "base-v1.nsp"}})
	require.Equal(t, OutcomeSuccess, first.All()[0].Outcome)
	before := system.List()

	var blocks int
	batch, _, system = newTestBatch(t, fs, cfg)
	batch.OnBlockCompleted = func() { blocks++ }
	results := batch.Run(context.Background(), []InstallRequest{{Path: "base-v2.nsp"}, {Path: "update.nsp"}})

	all := results.All()
	assert.Equal(t, OutcomeBaseInstallAttempted, all[0].Outcome)
	assert.Equal(t, StateRejected, all[0].State)
	assert.ErrorIs(t, all[0].Err, ErrBaseInstall)
	assert.Equal(t, OutcomeSuccess, all[1].Outcome)
	assert.True(t, results.BaseInstallAttempted())

	// only the update was copied
	assert.Equal(t, 2, blocks)
	assert.False(t, system.Exists(testContentID(0x52)))
	assert.Len(t, system.List(), len(before)+1)
	assert.Zero(t, system.PendingReservations())
}

func TestBatch_CancelStopsRemainingPackages(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestNSP(t, fs, "one.nsp", testBaseTitleID, 0x61, 0x4000)
	writeTestNSP(t, fs, "two.nsp", 0x0100000000020000, 0x62, 0x4000)
	writeTestNSP(t, fs, "three.nsp", 0x0100000000030000, 0x63, 0x4000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch, user, _ := newTestBatch(t, fs, testBatchConfig())
	var blocks int
	batch.OnBlockCompleted = func() {
		blocks++
		if blocks == 2 {
			cancel()
		}
	}
	var completed []PackageResult
	batch.OnPackageComplete = func(r PackageResult) { completed = append(completed, r) }

	results := batch.Run(ctx, []InstallRequest{{Path: "one.nsp"}, {Path: "two.nsp"}, {Path: "three.nsp"}})

	all := results.All()
	require.Len(t, all, 3)
	assert.Equal(t, StateCancelled, all[0].State)
	assert.Equal(t, StatePending, all[1].State)
	assert.Equal(t, StatePending, all[2].State)
	for _, r := range all {
		assert.Equal(t, OutcomeCancelled, r.Outcome)
		assert.ErrorIs(t, r.Err, ErrCancelled)
	}
	assert.Equal(t, all, completed)

	_, _, failed := results.Counts()
	assert.Equal(t, 3, failed)
	assert.Equal(t, 3, results.Cancelled())
	assert.Empty(t, user.List())
	assert.Zero(t, user.PendingReservations())
}

func TestBatch_RetriesIOFailures(t *testing.T) {
	tests := []struct {
		name         string
		attempts     int
		wantOutcome  InstallOutcome
		wantAttempts int
	}{
		{name: "second attempt succeeds", attempts: 3, wantOutcome: OutcomeSuccess, wantAttempts: 2},
		{name: "no retry configured", attempts: 1, wantOutcome: OutcomeFailure, wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeTestNSP(t, fs, "flaky.nsp", testBaseTitleID, 0x71, 0x3000)

			cfg := testBatchConfig()
			cfg.RetryAttempts = tt.attempts
			batch, user, _ := newTestBatch(t, fs, cfg)
			batch.UserStore = &faultyStore{ContentStore: user, failAt: 1}

			all := batch.Run(context.Background(), []InstallRequest{{Path: "flaky.nsp"}}).All()
			require.Len(t, all, 1)
			assert.Equal(t, tt.wantOutcome, all[0].Outcome)
			assert.Equal(t, tt.wantAttempts, all[0].Attempts)
			assert.Zero(t, user.PendingReservations())
		})
	}
}

func TestBatch_ProgressReachesTotal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestNSP(t, fs, "a.nsp", testBaseTitleID, 0x81, 0x5000)
	writeTestNSP(t, fs, "b.nsp", 0x0100000000020000, 0x82, 0x2001)

	var zstdBuf bytes.Buffer
	enc, err := zstd.NewWriter(&zstdBuf)
	require.NoError(t, err)
	nca := ncaBytes(0x0100000000030000, ContentProgram, 0x3000, 0x83)
	_, err = enc.Write(nspBytes(partFile{name: testContentName(0x83, "nca"), data: nca}))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	writeTestFile(t, fs, "c.nsp.zst", zstdBuf.Bytes())

	batch, user, _ := newTestBatch(t, fs, testBatchConfig())
	var (
		mu      sync.Mutex
		reports [][2]uint64
	)
	batch.Observer = func(completed, total uint64) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, [2]uint64{completed, total})
	}

	requests := []InstallRequest{{Path: "a.nsp"}, {Path: "b.nsp"}, {Path: "c.nsp.zst"}}
	results := batch.Run(context.Background(), requests)
	newCount, _, _ := results.Counts()
	require.Equal(t, 3, newCount)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	// 5 + 3 planned blocks before the run, 3 more once the compressed package is staged
	assert.Equal(t, [2]uint64{0, 8}, reports[0])
	assert.Equal(t, [2]uint64{11, 11}, reports[len(reports)-1])
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i][0], reports[i-1][0])
	}

	assert.Equal(t, nca, registeredBytes(t, user, testContentID(0x83)))
	staged, err := afero.ReadDir(fs, "staging")
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestBatch_LooseNCATitleTypeRoutesToSystemStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := ncaBytes(testSystemTitleID, ContentData, 0x1000, 0x91)
	writeTestFile(t, fs, "fw/"+testContentName(0x91, "nca"), data)

	batch, user, system := newTestBatch(t, fs, testBatchConfig())
	results := batch.Run(context.Background(), []InstallRequest{
		{Path: "fw/" + testContentName(0x91, "nca"), TitleType: TitleSystemData},
	})
	require.Equal(t, OutcomeSuccess, results.All()[0].Outcome)

	assert.True(t, system.Exists(testContentID(0x91)))
	assert.False(t, user.Exists(testContentID(0x91)))
	rec, ok := system.Record(testContentID(0x91))
	require.True(t, ok)
	assert.Equal(t, TitleSystemData, rec.TitleType)
}

func TestBatch_StrictBase(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestNSP(t, fs, "update.nsp", testUpdateTitleID, 0xA1, 0x1000)
	writeTestNSP(t, fs, "base.nsp", testBaseTitleID, 0xA2, 0x1000)

	cfg := testBatchConfig()
	cfg.StrictBase = true
	batch, _, _ := newTestBatch(t, fs, cfg)
	all := batch.Run(context.Background(), []InstallRequest{{Path: "update.nsp"}, {Path: "base.nsp"}, {Path: "update.nsp"}}).All()

	assert.ErrorIs(t, all[0].Err, ErrMissingBaseRomFS)
	assert.Equal(t, OutcomeSuccess, all[1].Outcome)
	assert.Equal(t, OutcomeSuccess, all[2].Outcome)
}

func TestBatch_RetryKeepsProgressBelowTotal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestNSP(t, fs, "flaky.nsp", testBaseTitleID, 0xC1, 0x3000)
	writeTestNSP(t, fs, "next.nsp", 0x0100000000020000, 0xC2, 0x3000)

	cfg := testBatchConfig()
	cfg.RetryAttempts = 2
	batch, user, _ := newTestBatch(t, fs, cfg)
	batch.UserStore = &faultyStore{ContentStore: user, failAt: 3}

	var snapshots [][2]uint64
	batch.OnBlockCompleted = func() {
		snapshots = append(snapshots, [2]uint64{batch.Progress().Completed(), batch.Progress().Total()})
	}

	all := batch.Run(context.Background(), []InstallRequest{{Path: "flaky.nsp"}, {Path: "next.nsp"}}).All()
	require.Len(t, all, 2)
	assert.Equal(t, OutcomeSuccess, all[0].Outcome)
	assert.Equal(t, 2, all[0].Attempts)
	assert.Equal(t, OutcomeSuccess, all[1].Outcome)

	// 2 blocks of the failed attempt, 3 of the retry, 3 of next.nsp
	require.Len(t, snapshots, 8)
	for i, s := range snapshots[:len(snapshots)-1] {
		assert.Less(t, s[0], s[1], "block %d reported completion early", i+1)
	}
	assert.Equal(t, [2]uint64{8, 8}, snapshots[len(snapshots)-1])
	assert.Equal(t, batch.Progress().Completed(), batch.Progress().Total())
}

func TestBatch_OverwriteReplacesSupersededContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTestNSP(t, fs, "base.nsp", testBaseTitleID, 0xD0, 0x1000)
	writeTestNSP(t, fs, "update-v1.nsp", testUpdateTitleID, 0xD1, 0x1000)
	v2 := writeTestNSP(t, fs, "update-v2.nsp", testUpdateTitleID, 0xD2, 0x2000)

	batch, user, _ := newTestBatch(t, fs, testBatchConfig())
	first := batch.Run(context.Background(), []InstallRequest{{Path: "base.nsp"}, {Path: "update-v1.nsp"}})
	newCount, _, _ := first.Counts()
	require.Equal(t, 2, newCount)

	batch, user, _ = newTestBatch(t, fs, testBatchConfig())
	all := batch.Run(context.Background(), []InstallRequest{{Path: "update-v2.nsp"}}).All()
	require.Len(t, all, 1)
	assert.Equal(t, OutcomeOverwrite, all[0].Outcome)

	assert.False(t, user.Exists(testContentID(0xD1)))
	assert.True(t, user.Exists(testContentID(0xD2)))
	assert.True(t, user.Exists(testContentID(0xD0)))
	assert.Len(t, user.List(), 2)
	assert.Equal(t, v2, registeredBytes(t, user, testContentID(0xD2)))
	exists, err := afero.Exists(fs, "nand/user/registered/"+testContentID(0xD1).String()+".nca")
	require.NoError(t, err)
	assert.False(t, exists)

	reopened := newTestStore(t, fs, "nand/user")
	assert.Len(t, reopened.List(), 2)
}

func TestBatch_CountsDoNotDependOnOrder(t *testing.T) {
	run := func(t *testing.T, order []string) (int, int, int) {
		fs := afero.NewMemMapFs()
		writeTestNSP(t, fs, "a.nsp", testBaseTitleID, 0xE1, 0x2000)
		writeTestNSP(t, fs, "b.nsp", 0x0100000000020000, 0xE2, 0x2000)
		writeTestFile(t, fs, "c.nsp", []byte("PFS0 truncated"))

		seed, _, _ := newTestBatch(t, fs, testBatchConfig())
		seed.Run(context.Background(), []InstallRequest{{Path: "b.nsp"}})

		batch, _, _ := newTestBatch(t, fs, testBatchConfig())
		requests := make([]InstallRequest, 0, len(order))
		for _, path := range order {
			requests = append(requests, InstallRequest{Path: path})
		}
		return batch.Run(context.Background(), requests).Counts()
	}

	n1, o1, f1 := run(t, []string{"a.nsp", "b.nsp", "c.nsp"})
	n2, o2, f2 := run(t, []string{"c.nsp", "b.nsp", "a.nsp"})

	assert.Equal(t, [3]int{1, 1, 1}, [3]int{n1, o1, f1})
	assert.Equal(t, [3]int{n1, o1, f1}, [3]int{n2, o2, f2})
}
