package commands

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sonicserver "github.com/always-cache/sonic/pkg/sonic-server"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd("test")
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func startOrigin(t *testing.T, dir string) string {
	t.Helper()
	r := chi.NewRouter()
	r.Use(sonicserver.Middleware(sonicserver.Options{}))
	r.Get("/*", originHandler(dir))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func writePage(t *testing.T, dir, msg string) {
	t.Helper()
	page := `<html><body><p data-slot="msg">` + msg + `</p></body></html>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(page), 0o644))
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "test\n", stdout)
}

func TestFetchLifecycle(t *testing.T) {
	pages := t.TempDir()
	writePage(t, pages, "hello")
	origin := startOrigin(t, pages)
	root := t.TempDir()

	stdout, _, err := executeCLI(t, "--root", root, "fetch", origin+"/")
	require.NoError(t, err)
	assert.Contains(t, stdout, "status: completed")
	assert.Contains(t, stdout, "outcome: first-load (1000)")
	assert.Contains(t, stdout, "directive: store+refresh")

	stdout, _, err = executeCLI(t, "--root", root, "fetch", origin+"/")
	require.NoError(t, err)
	assert.Contains(t, stdout, "outcome: all-cached (304)")

	writePage(t, pages, "bye")
	stdout, _, err = executeCLI(t, "--root", root, "fetch", "--html", origin+"/")
	require.NoError(t, err)
	assert.Contains(t, stdout, "outcome: data-update (200)")
	assert.Contains(t, stdout, `diff: {msg:"bye"}`)
	assert.Contains(t, stdout, `<p data-slot="msg">bye</p>`)

	stdout, _, err = executeCLI(t, "--root", root, "clear")
	require.NoError(t, err)
	assert.Contains(t, stdout, "cleared all pages")

	stdout, _, err = executeCLI(t, "--root", root, "fetch", origin+"/")
	require.NoError(t, err)
	assert.Contains(t, stdout, "outcome: first-load (1000)")

	stdout, _, err = executeCLI(t, "--root", root, "trim", "--force")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sessions: removed 0, freed 0 bytes")
}

func TestFetchStats(t *testing.T) {
	pages := t.TempDir()
	writePage(t, pages, "hello")
	origin := startOrigin(t, pages)

	stdout, _, err := executeCLI(t, "--root", t.TempDir(), "fetch", "--stats", origin+"/")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sonic.outcome=first-load} 1")
	assert.Contains(t, stdout, "sonic.exchange.ms count=1")
}

func TestClearAccount(t *testing.T) {
	pages := t.TempDir()
	writePage(t, pages, "hello")
	origin := startOrigin(t, pages)
	root := t.TempDir()

	_, _, err := executeCLI(t, "--root", root, "fetch", "--account", "alice", origin+"/")
	require.NoError(t, err)

	// the anonymous entry is a different one
	_, _, err = executeCLI(t, "--root", root, "clear", origin+"/")
	require.NoError(t, err)
	stdout, _, err := executeCLI(t, "--root", root, "fetch", "--account", "alice", origin+"/")
	require.NoError(t, err)
	assert.Contains(t, stdout, "outcome: all-cached (304)")

	_, _, err = executeCLI(t, "--root", root, "clear", "--account", "alice", origin+"/")
	require.NoError(t, err)
	stdout, _, err = executeCLI(t, "--root", root, "fetch", "--account", "alice", origin+"/")
	require.NoError(t, err)
	assert.Contains(t, stdout, "outcome: first-load (1000)")
}

func TestFetchRejectsRelativeURL(t *testing.T) {
	_, _, err := executeCLI(t, "--root", t.TempDir(), "fetch", "/relative")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestOriginClockPage(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/*", originHandler(""))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Contains(t, rec.Body.String(), `data-slot="time"`)
	assert.Contains(t, rec.Body.String(), "<!--sonicdiff-visits-->1<!--sonicdiff-visits-end-->")
}

func TestOriginNotFound(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/*", originHandler(t.TempDir()))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/../etc/passwd", nil))
	assert.Equal(t, 404, rec.Code)
}
