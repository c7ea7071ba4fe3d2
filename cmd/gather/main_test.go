package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/gather/internal/config"
	"github.com/ligustah/gather/internal/ledger"
	"github.com/ligustah/gather/internal/testutils"
)

// fakeString serves links files under /{endpoint}/{id}.gz and a species list.
type fakeString struct {
	*httptest.Server

	mu       sync.Mutex
	payloads map[string][]byte
	calls    map[string]int
}

func newFakeString(t *testing.T, ids ...string) *fakeString {
	t.Helper()
	f := &fakeString{payloads: map[string][]byte{}, calls: map[string]int{}}
	for _, id := range ids {
		f.payloads[id] = testutils.LinksPayload(id, 4)
	}

	router := mux.NewRouter()
	router.HandleFunc("/species.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "#taxon_id\tSTRING_type\tSTRING_name_compact")
		for _, id := range ids {
			fmt.Fprintf(w, "%s\tcore\tspecies %s\n", id, id)
		}
	}).Methods(http.MethodGet)
	router.HandleFunc("/{endpoint}/{id:[0-9]+}.gz", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		f.mu.Lock()
		f.calls[id]++
		data, ok := f.payloads[id]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}).Methods(http.MethodGet)

	f.Server = httptest.NewServer(router)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeString) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeString) add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[id] = testutils.LinksPayload(id, 4)
}

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldOut, oldErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = oldOut, oldErr })
	return &out, &errOut
}

type workspace struct {
	dir    string
	server *fakeString
}

func newWorkspace(t *testing.T, server *fakeString) *workspace {
	return &workspace{dir: t.TempDir(), server: server}
}

func (w *workspace) cacheDir() string  { return filepath.Join(w.dir, "cache") }
func (w *workspace) ledgerDir() string { return filepath.Join(w.dir, "state") }

// args returns the common flags followed by extra.
func (w *workspace) args(units string, extra ...string) []string {
	args := []string{
		"-env-file", filepath.Join(w.dir, "missing.env"),
		"-cache-dir", w.cacheDir(),
		"-ledger", w.ledgerDir(),
		"-url-template", w.server.URL + "/{endpoint}/{id}.gz",
	}
	if units != "" {
		args = append(args, "-units", units)
	} else {
		args = append(args, "-species-list", w.server.URL+"/species.txt")
	}
	return append(args, extra...)
}

func (w *workspace) runArgs(units string, extra ...string) []string {
	return w.args(units, append([]string{
		"-workers", "3",
		"-max-retries", "1",
		"-retry-backoff", "1ms",
		"-retry-max-backoff", "5ms",
	}, extra...)...)
}

func (w *workspace) cacheFile(t *testing.T, id string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(w.cacheDir(), config.DefaultEndpoint, id+"-*.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	return matches[0]
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestRunFetchesAndExports(t *testing.T) {
	server := newFakeString(t, "1", "2", "3", "5")
	ws := newWorkspace(t, server)
	_, errOut := captureOutput(t)
	t.Setenv("GATHER_FAILURE_TOLERANCE", "0.5")

	output := filepath.Join(ws.dir, "edges.tsv")
	code := runRun(ws.runArgs("1,2,3,4,5", "-output", output))
	require.Equal(t, ExitSuccess, code, errOut.String())

	assert.Contains(t, errOut.String(), "[gather] complete with 1 failed (see failed.json)")
	assert.Contains(t, errOut.String(), "not_found: 1 (4)")
	assert.Equal(t, 1, server.Calls("4"), "not found is never retried")

	lines := readLines(t, output)
	require.Len(t, lines, 1+4*2)
	assert.Equal(t, "unit\tprotein_a\tprotein_b\tcombined_score", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1\t"))
	assert.True(t, strings.HasPrefix(lines[8], "5\t"))

	for _, name := range []string{ledger.LedgerFile, ledger.ProgressFile, ledger.FailedFile} {
		assert.FileExists(t, filepath.Join(ws.ledgerDir(), name))
	}

	// A second run fetches nothing.
	code = runRun(ws.runArgs("1,2,3,4,5"))
	require.Equal(t, ExitSuccess, code, errOut.String())
	for _, id := range []string{"1", "2", "3", "5"} {
		assert.Equal(t, 1, server.Calls(id), "unit %s", id)
	}
}

func TestRunTooManyFailures(t *testing.T) {
	server := newFakeString(t, "1")
	ws := newWorkspace(t, server)
	_, errOut := captureOutput(t)

	code := runRun(ws.runArgs("1,2"))
	assert.Equal(t, ExitTooManyFailures, code)
	assert.Contains(t, errOut.String(), "above the failure tolerance")
}

func TestRunFromSpeciesList(t *testing.T) {
	server := newFakeString(t, "9606", "10090")
	ws := newWorkspace(t, server)
	_, errOut := captureOutput(t)

	code := runRun(ws.runArgs(""))
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Equal(t, 1, server.Calls("9606"))
	assert.Equal(t, 1, server.Calls("10090"))
}

func TestRunRestrictAndExclude(t *testing.T) {
	server := newFakeString(t, "9606", "10090", "4565", "7227")
	ws := newWorkspace(t, server)
	out, errOut := captureOutput(t)

	code := runRun(ws.runArgs("", "-restrict", "9606,4565,7227"))
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Equal(t, 1, server.Calls("9606"))
	assert.Equal(t, 1, server.Calls("7227"))
	assert.Equal(t, 0, server.Calls("10090"), "outside the restriction")
	assert.Equal(t, 0, server.Calls("4565"), "excluded by default")

	require.Equal(t, ExitSuccess, runStatus(ws.args("", "-json")))
	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, ledger.Counts{Total: 2, Done: 2}, snap.Counts)
}

func TestRunNoResumeArchives(t *testing.T) {
	server := newFakeString(t, "1")
	ws := newWorkspace(t, server)
	_, errOut := captureOutput(t)

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1")), errOut.String())
	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1", "-no-resume")), errOut.String())

	archived, err := filepath.Glob(filepath.Join(ws.ledgerDir(), ledger.LedgerFile+".bak-*"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
	assert.Equal(t, 1, server.Calls("1"), "the cache still serves the unit")
}

func TestExport(t *testing.T) {
	server := newFakeString(t, "1", "2", "3")
	ws := newWorkspace(t, server)
	out, errOut := captureOutput(t)

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1,2,3")), errOut.String())

	code := runExport(ws.args("1,2,3"))
	require.Equal(t, ExitSuccess, code, errOut.String())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1+3*2)
	assert.Equal(t, "3\t3.P0002\t3.P0003\t900", lines[6])

	// A lower threshold keeps every record.
	out.Reset()
	code = runExport(ws.args("1,2,3", "-min-score", "100"))
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 1+3*4)
}

func TestExportResumeAppends(t *testing.T) {
	server := newFakeString(t, "1", "2")
	ws := newWorkspace(t, server)
	_, errOut := captureOutput(t)
	output := filepath.Join(ws.dir, "edges.tsv")

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1", "-output", output)), errOut.String())
	require.Len(t, readLines(t, output), 1+2)

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1,2")), errOut.String())
	require.Equal(t, ExitSuccess, runExport(ws.args("1,2", "-output", output, "-resume")), errOut.String())

	lines := readLines(t, output)
	require.Len(t, lines, 1+2+2, "unit 1 is not written twice and no second header")
	assert.True(t, strings.HasPrefix(lines[3], "2\t"))
}

func TestStatus(t *testing.T) {
	server := newFakeString(t, "1", "2")
	ws := newWorkspace(t, server)
	out, errOut := captureOutput(t)
	t.Setenv("GATHER_FAILURE_TOLERANCE", "1")

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1,2,3")), errOut.String())

	out.Reset()
	require.Equal(t, ExitSuccess, runStatus(ws.args("", "-json")))
	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, ledger.Counts{Total: 3, Done: 2, Failed: 1}, snap.Counts)
	assert.Equal(t, "not_found", snap.Failed["3"].ErrorType)

	out.Reset()
	require.Equal(t, ExitSuccess, runStatus(ws.args("")))
	assert.Contains(t, out.String(), "Units: 3 total | 2 done | 1 failed | 0 pending")
	assert.Contains(t, out.String(), "not_found: 1 (3)")
}

func TestStatusWithoutLedger(t *testing.T) {
	ws := newWorkspace(t, newFakeString(t))
	captureOutput(t)
	assert.Equal(t, ExitLedgerError, runStatus(ws.args("1")))
}

func TestVerifyAndReopen(t *testing.T) {
	server := newFakeString(t, "1", "2", "3")
	ws := newWorkspace(t, server)
	out, errOut := captureOutput(t)

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1,2,3")), errOut.String())
	require.Equal(t, ExitSuccess, runVerify(ws.args("1,2,3")))
	assert.Contains(t, out.String(), "Status: VALID")

	// Truncated entry: found by the metadata check.
	path := ws.cacheFile(t, "3")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))

	// Same size, flipped bytes: only found by reading the payload.
	path = ws.cacheFile(t, "2")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out.Reset()
	assert.Equal(t, ExitValidationFailed, runVerify(ws.args("1,2,3")))
	assert.Contains(t, out.String(), "Size mismatches: 1")

	out.Reset()
	assert.Equal(t, ExitSuccess, runVerify(ws.args("1,2,3", "-deep", "-reopen")))
	assert.Contains(t, out.String(), "Corrupt payloads: 1")

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1,2,3")), errOut.String())
	assert.Equal(t, 1, server.Calls("1"))
	assert.Equal(t, 2, server.Calls("2"))
	assert.Equal(t, 2, server.Calls("3"))

	out.Reset()
	assert.Equal(t, ExitSuccess, runVerify(ws.args("1,2,3", "-deep")))
}

func TestFix(t *testing.T) {
	server := newFakeString(t, "1", "2")
	ws := newWorkspace(t, server)
	out, errOut := captureOutput(t)
	t.Setenv("GATHER_FAILURE_TOLERANCE", "1")

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1,2,3")), errOut.String())

	assert.Equal(t, ExitSuccess, runFix(ws.args("2")))
	assert.Contains(t, out.String(), "Reset 1 units, removed 1 cache entries")

	server.add("3")
	out.Reset()
	assert.Equal(t, ExitSuccess, runFix(ws.args("1,2,3", "-failed")))
	assert.Contains(t, out.String(), "Reset 1 units, removed 0 cache entries")

	require.Equal(t, ExitSuccess, runRun(ws.runArgs("1,2,3")), errOut.String())
	assert.Equal(t, 1, server.Calls("1"))
	assert.Equal(t, 2, server.Calls("2"))
	assert.Equal(t, 2, server.Calls("3"))
}

func TestExitCodes(t *testing.T) {
	captureOutput(t)

	t.Run("no command", func(t *testing.T) {
		assert.Equal(t, ExitInvalidArgs, run(nil))
	})
	t.Run("unknown command", func(t *testing.T) {
		assert.Equal(t, ExitInvalidArgs, run([]string{"launch"}))
	})
	t.Run("help", func(t *testing.T) {
		assert.Equal(t, ExitSuccess, run([]string{"help"}))
	})
	t.Run("fix without units", func(t *testing.T) {
		ws := newWorkspace(t, newFakeString(t))
		assert.Equal(t, ExitInvalidArgs, runFix(ws.args("")))
	})
	t.Run("invalid config", func(t *testing.T) {
		ws := newWorkspace(t, newFakeString(t))
		assert.Equal(t, ExitInvalidArgs, runRun(ws.runArgs("1", "-state-interval", "-1")))
	})
	t.Run("malformed unit id", func(t *testing.T) {
		server := newFakeString(t, "1")
		ws := newWorkspace(t, server)
		t.Setenv("GATHER_FAILURE_TOLERANCE", "1")
		assert.Equal(t, ExitSuccess, runRun(ws.runArgs("1,abc")))
		assert.Equal(t, 0, server.Calls("abc"))
	})
	t.Run("source not accessible", func(t *testing.T) {
		server := newFakeString(t)
		ws := newWorkspace(t, server)
		args := ws.runArgs("", "-species-list", server.URL+"/missing.txt")
		assert.Equal(t, ExitSourceNotAccess, runRun(args))
	})
	t.Run("cache not writable", func(t *testing.T) {
		ws := newWorkspace(t, newFakeString(t, "1"))
		blocker := filepath.Join(ws.dir, "blocker")
		require.NoError(t, os.WriteFile(blocker, nil, 0o644))
		args := append(ws.runArgs("1"), "-cache-dir", filepath.Join(blocker, "cache"))
		assert.Equal(t, ExitStorageError, runRun(args))
	})
	t.Run("corrupt ledger", func(t *testing.T) {
		ws := newWorkspace(t, newFakeString(t, "1"))
		require.NoError(t, os.MkdirAll(ws.ledgerDir(), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(ws.ledgerDir(), ledger.LedgerFile), []byte("{"), 0o644))
		assert.Equal(t, ExitLedgerError, runRun(ws.runArgs("1")))
	})
}
