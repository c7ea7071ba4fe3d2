package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/gather/internal/fetch"
)

func openAttached(t *testing.T, dir string, ids ...string) *Ledger {
	t.Helper()
	l, err := Open(dir)
	require.NoError(t, err)
	l.Attach(ids)
	return l
}

func assertComplete(t *testing.T, c Counts) {
	t.Helper()
	assert.Equal(t, c.Total, c.Pending+c.InFlight+c.Done+c.Failed, "counts must cover every unit: %+v", c)
}

func TestLifecycle(t *testing.T) {
	l := openAttached(t, t.TempDir(), "1", "2", "3")
	_, err := uuid.Parse(l.RunID())
	require.NoError(t, err)

	assert.Equal(t, Counts{Total: 3, Pending: 3}, l.Counts())

	require.NoError(t, l.MarkInFlight("1"))
	require.NoError(t, l.MarkInFlight("2"))
	require.NoError(t, l.MarkInFlight("3"))
	assertComplete(t, l.Counts())

	require.NoError(t, l.Complete("1", fetch.Summary{Records: 4}))
	require.NoError(t, l.Retry("2", &fetch.Failure{Kind: fetch.KindTimeout, Message: "slow"}))
	require.NoError(t, l.Fail("3", &fetch.Failure{Kind: fetch.KindNotFound, Message: "404"}))

	c := l.Counts()
	assert.Equal(t, Counts{Total: 3, Pending: 1, Done: 1, Failed: 1}, c)
	assertComplete(t, c)

	e, ok := l.Entry("2")
	require.True(t, ok)
	assert.Equal(t, Pending, e.State)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, fetch.KindTimeout, e.ErrorKind)
	assert.Equal(t, 1, l.Retries())

	e, _ = l.Entry("1")
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.Summary)
	assert.Equal(t, 4, e.Summary.Records)
	assert.NotNil(t, e.CompletedAt)

	assert.Equal(t, map[string]FailedUnit{"3": {Error: "404", ErrorType: "not_found", Attempts: 1}}, l.Failures())
	assert.Equal(t, map[fetch.Kind][]string{fetch.KindNotFound: {"3"}}, l.FailuresByKind())
}

func TestIllegalTransitions(t *testing.T) {
	l := openAttached(t, t.TempDir(), "1")

	err := l.Complete("1", fetch.Summary{})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Pending, te.From)
	assert.Equal(t, Done, te.To)

	require.NoError(t, l.MarkInFlight("1"))
	assert.Error(t, l.MarkInFlight("1"), "a unit must never be in flight twice")

	require.NoError(t, l.Complete("1", fetch.Summary{}))
	assert.Error(t, l.Retry("1", nil), "Done cannot be retried")
	assert.Error(t, l.Fail("1", nil))

	assert.ErrorIs(t, l.MarkInFlight("nope"), ErrUnknownUnit)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	l := openAttached(t, dir, "1", "2", "3", "4")

	require.NoError(t, l.MarkInFlight("1"))
	require.NoError(t, l.Complete("1", fetch.Summary{Records: 1}))
	require.NoError(t, l.MarkInFlight("2"))
	require.NoError(t, l.Retry("2", &fetch.Failure{Kind: fetch.KindServerError, Message: "502"}))
	require.NoError(t, l.MarkInFlight("3"))
	require.NoError(t, l.Fail("3", &fetch.Failure{Kind: fetch.KindNotFound, Message: "gone"}))
	require.NoError(t, l.MarkInFlight("4")) // killed mid-attempt
	require.NoError(t, l.Save())

	runID := l.RunID()

	r := openAttached(t, dir, "1", "2", "3", "4")
	assert.Equal(t, runID, r.RunID())
	assert.Equal(t, 1, r.Interrupted())

	c := r.Counts()
	assert.Equal(t, Counts{Total: 4, Pending: 2, Done: 1, Failed: 1}, c)
	assert.Equal(t, []string{"2", "4"}, r.IDs(Pending))

	e, _ := r.Entry("2")
	assert.Equal(t, 1, e.Attempts, "attempts survive a restart")
	assert.Equal(t, 1, r.Retries())
}

func TestArtifacts(t *testing.T) {
	dir := t.TempDir()
	l := openAttached(t, dir, "10", "20")
	require.NoError(t, l.MarkInFlight("10"))
	require.NoError(t, l.Complete("10", fetch.Summary{}))
	require.NoError(t, l.MarkInFlight("20"))
	require.NoError(t, l.Fail("20", &fetch.Failure{Kind: fetch.KindClientError, Message: "403 Forbidden"}))
	require.NoError(t, l.Save())

	var prog struct {
		Completed      []string `json:"completed"`
		TotalCompleted int      `json:"total_completed"`
		Stats          Counts   `json:"stats"`
	}
	data, err := os.ReadFile(filepath.Join(dir, ProgressFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &prog))
	assert.Equal(t, []string{"10"}, prog.Completed)
	assert.Equal(t, 1, prog.TotalCompleted)
	assert.Equal(t, 1, prog.Stats.Failed)

	var failed map[string]FailedUnit
	data, err = os.ReadFile(filepath.Join(dir, FailedFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &failed))
	assert.Equal(t, FailedUnit{Error: "403 Forbidden", ErrorType: "client_error", Attempts: 1}, failed["20"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".gather-tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestCorruptLedger(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LedgerFile), []byte("{not json"), 0o644))
	_, err := Open(dir)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(filepath.Join(dir, LedgerFile), []byte(`{"units":{"1":{"state":"exploded"}}}`), 0o644))
	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	l := openAttached(t, dir, "1")
	require.NoError(t, l.Save())

	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	moved, err := Archive(dir, now)
	require.NoError(t, err)
	assert.Len(t, moved, 3)
	assert.FileExists(t, filepath.Join(dir, "ledger.json.bak-20250304T050607Z"))
	assert.NoFileExists(t, filepath.Join(dir, LedgerFile))

	fresh, err := Open(dir)
	require.NoError(t, err)
	assert.NotEqual(t, l.RunID(), fresh.RunID())

	moved, err = Archive(t.TempDir(), now)
	require.NoError(t, err)
	assert.Empty(t, moved)
}

func TestReopenResetAndResetFailed(t *testing.T) {
	l := openAttached(t, t.TempDir(), "1", "2", "3")
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, l.MarkInFlight(id))
	}
	require.NoError(t, l.Complete("1", fetch.Summary{Records: 2}))
	require.NoError(t, l.Fail("2", &fetch.Failure{Kind: fetch.KindNotFound}))
	require.NoError(t, l.Fail("3", &fetch.Failure{Kind: fetch.KindRateLimit}))

	require.NoError(t, l.Reopen("1", "checksum mismatch"))
	e, _ := l.Entry("1")
	assert.Equal(t, Pending, e.State)
	assert.Equal(t, 1, e.Attempts)
	assert.Nil(t, e.Summary)
	assert.Error(t, l.Reopen("1", "again"), "only Done units can be reopened")

	assert.Equal(t, 2, l.ResetFailed())
	e, _ = l.Entry("3")
	assert.Equal(t, Entry{State: Pending}, e)

	require.NoError(t, l.Reset("1"))
	e, _ = l.Entry("1")
	assert.Equal(t, 0, e.Attempts)
	assert.True(t, errors.Is(l.Reset("9"), ErrUnknownUnit))
}

func TestCountsOnlyAttachedUnits(t *testing.T) {
	dir := t.TempDir()
	l := openAttached(t, dir, "1", "2", "3")
	require.NoError(t, l.Save())

	r := openAttached(t, dir, "2", "3")
	assert.Equal(t, Counts{Total: 2, Pending: 2}, r.Counts())
	_, ok := r.Entry("1")
	assert.True(t, ok, "entries outside the enumeration are kept")
	assert.Equal(t, []string{"1", "2", "3"}, r.Known())

	require.NoError(t, r.Save())
	k := openAttached(t, dir)
	assert.Equal(t, Counts{}, k.Counts())
	k.Attach(k.Known())
	assert.Equal(t, Counts{Total: 3, Pending: 3}, k.Counts())
}

func TestMergeMarks(t *testing.T) {
	dir := t.TempDir()
	l := openAttached(t, dir, "1", "2", "3")
	assert.Equal(t, "", l.Cursor())
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, l.MarkInFlight(id))
		require.NoError(t, l.Complete(id, fetch.Summary{}))
	}
	require.NoError(t, l.MarkMerged("1"))
	require.NoError(t, l.MarkMerged("2"))
	assert.True(t, errors.Is(l.MarkMerged("9"), ErrUnknownUnit))

	r := openAttached(t, dir, "1", "2", "3")
	assert.Equal(t, "2", r.Cursor())
	assert.Equal(t, "2", r.Snapshot().MergeCursor)
	assert.True(t, r.Merged("1"))
	assert.True(t, r.Merged("2"))
	assert.False(t, r.Merged("3"))

	require.NoError(t, r.Reopen("1", "checksum mismatch"))
	assert.False(t, r.Merged("1"), "reopening clears the mark")
	assert.Error(t, r.MarkMerged("1"), "only done units can be merged")

	require.NoError(t, r.Reset("2"))
	assert.False(t, r.Merged("2"))

	require.NoError(t, r.MarkMerged("3"))
	require.NoError(t, r.ResetMerged())
	assert.False(t, r.Merged("3"))
	assert.Equal(t, "", r.Cursor())
}

func TestMergeMarkClearedByResetFailed(t *testing.T) {
	l := openAttached(t, t.TempDir(), "1")
	require.NoError(t, l.MarkInFlight("1"))
	require.NoError(t, l.Complete("1", fetch.Summary{}))
	require.NoError(t, l.MarkMerged("1"))

	require.NoError(t, l.Reopen("1", "gone"))
	require.NoError(t, l.MarkInFlight("1"))
	require.NoError(t, l.Fail("1", &fetch.Failure{Kind: fetch.KindNotFound}))
	assert.Equal(t, 1, l.ResetFailed())
	require.NoError(t, l.MarkInFlight("1"))
	require.NoError(t, l.Complete("1", fetch.Summary{}))
	assert.False(t, l.Merged("1"))
}
