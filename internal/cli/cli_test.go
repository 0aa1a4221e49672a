package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/gridcache/internal/export"
	"github.com/mesh-intelligence/gridcache/internal/loader"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// testEnv runs the root command in-process against isolated directories.
type testEnv struct {
	t         *testing.T
	configDir string
	dataDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return &testEnv{
		t:         t,
		configDir: filepath.Join(dir, "config"),
		dataDir:   filepath.Join(dir, "data"),
	}
}

func (e *testEnv) run(args ...string) (stdout, stderr string, err error) {
	e.t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, args...))
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	stdout, stderr, err := e.run(args...)
	require.NoError(e.t, err, "gridcache %s\nstderr: %s", strings.Join(args, " "), stderr)
	return stdout
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), "output: %s", s)
	return v
}

// seeded initializes storage and creates "parts" with 20 generated rows.
func seeded(t *testing.T) *testEnv {
	t.Helper()
	e := newTestEnv(t)
	e.mustRun("init")
	e.mustRun("table", "create", "parts", "--column", "name:TEXT", "--column", "qty:NUMBER")
	e.mustRun("seed", "parts", "20", "--seed", "1")
	return e
}

func TestInit_WritesDefaultConfig(t *testing.T) {
	e := newTestEnv(t)
	out := e.mustRun("init")
	assert.Contains(t, out, "gridcache initialized")

	data, err := os.ReadFile(filepath.Join(e.configDir, "config.yaml"))
	require.NoError(t, err)
	var cfg configFile
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, types.BackendSQLite, cfg.Backend)
	assert.Equal(t, e.dataDir, cfg.DataDir)
	assert.Equal(t, loader.DefaultMaxWindow, cfg.Grid.MaxWindow)
	assert.Equal(t, "500ms", cfg.Grid.Debounce)
	assert.FileExists(t, filepath.Join(e.dataDir, "grid.db"))
}

func TestInit_KeepsExistingConfig(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.MkdirAll(e.configDir, 0o755))
	custom := []byte("backend: sqlite\nlog_level: debug\n")
	require.NoError(t, os.WriteFile(filepath.Join(e.configDir, "config.yaml"), custom, 0o644))

	e.mustRun("init")
	data, err := os.ReadFile(filepath.Join(e.configDir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, custom, data)
}

func TestConfig_GridOptions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("grid:\n  debounce: 250ms\n  max_window: 200\n  multiplier: 2.5\n"), 0o644))
	t.Setenv("GRIDCACHE_GRID_PAGE_SIZE", "50")

	v, err := loadConfig(dir)
	require.NoError(t, err)
	opts := gridOptions(v)
	assert.Equal(t, 250*time.Millisecond, opts.Debounce)
	assert.Equal(t, 200, opts.MaxWindow)
	assert.Equal(t, 2.5, opts.Multiplier)
	assert.Equal(t, 50, opts.PageSize, "environment overrides the file")
	assert.Zero(t, opts.Capacity, "unset keys fall back to component defaults")
}

func TestConfig_MissingFileIsNotAnError(t *testing.T) {
	v, err := loadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, types.BackendSQLite, v.GetString(cfgKeyBackend))
}

func TestTable_CreateListShowDrop(t *testing.T) {
	e := seeded(t)

	tables := decode[[]types.TableInfo](t, e.mustRun("--json", "table", "list"))
	require.Len(t, tables, 1)
	assert.Equal(t, "parts", tables[0].Table.Name)
	assert.Equal(t, 20, tables[0].RowCount)

	info := decode[types.TableInfo](t, e.mustRun("--json", "table", "show", "parts"))
	require.Len(t, info.Columns, 2)
	assert.Equal(t, types.ColumnNumber, info.Columns[1].Type)

	out := e.mustRun("table", "list")
	assert.Contains(t, out, "parts")

	e.mustRun("table", "drop", "parts")
	_, _, err := e.run("table", "show", "parts")
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, exitUserError, exitCode(err))
}

func TestTable_CreateRejectsBadType(t *testing.T) {
	e := newTestEnv(t)
	e.mustRun("init")
	_, _, err := e.run("table", "create", "x", "--column", "a:DATE")
	require.Error(t, err)
	assert.Equal(t, exitUserError, exitCode(err))
}

func TestWindow_PrintsRows(t *testing.T) {
	e := seeded(t)
	res := decode[windowResult](t, e.mustRun("--json", "window", "parts", "0", "4"))
	assert.Equal(t, 20, res.RowCount)
	assert.Equal(t, []string{"name", "qty"}, res.Columns)
	require.Len(t, res.Rows, 5)
	for i, r := range res.Rows {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, "loaded", r.State)
		assert.NotEmpty(t, r.ID)
	}

	text := e.mustRun("window", "parts", "18", "30")
	assert.Contains(t, text, "2 of 20 rows")
}

func TestWindow_SortAndFilter(t *testing.T) {
	e := seeded(t)
	res := decode[windowResult](t, e.mustRun("--json", "window", "parts", "0", "19", "--sort", "qty:desc"))
	require.Len(t, res.Rows, 20)
	prev := 1e18
	for _, r := range res.Rows {
		q, err := strconv.ParseFloat(r.Values["qty"], 64)
		require.NoError(t, err)
		assert.LessOrEqual(t, q, prev)
		prev = q
	}

	e.mustRun("set", "parts", "2", "name", "needle")
	res = decode[windowResult](t, e.mustRun("--json", "window", "parts", "0", "9", "--filter", "name:equals:needle"))
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "needle", res.Rows[0].Values["name"])
	assert.Equal(t, 2, res.Rows[0].Order)
}

func TestWindow_BadArguments(t *testing.T) {
	e := seeded(t)
	for _, args := range [][]string{
		{"window", "parts", "5", "1"},
		{"window", "parts", "x", "1"},
		{"window", "parts", "0", "1", "--filter", "name:like:x"},
		{"window", "parts", "0", "1", "--sort", "qty:up"},
		{"window", "parts", "0", "1", "--sort", "missing"},
		{"window", "nope", "0", "1"},
	} {
		_, _, err := e.run(args...)
		require.Error(t, err, "%v", args)
		assert.Equal(t, exitUserError, exitCode(err), "%v: %v", args, err)
	}
}

func TestSet_WritesCell(t *testing.T) {
	e := seeded(t)
	out := e.mustRun("set", "parts", "7", "qty", "12.5")
	assert.Contains(t, out, "qty = 12.5")

	res := decode[windowResult](t, e.mustRun("--json", "window", "parts", "7", "7"))
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "12.5", res.Rows[0].Values["qty"])

	_, _, err := e.run("set", "parts", "99", "qty", "1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRow_AppendInsertDelete(t *testing.T) {
	e := seeded(t)
	before := decode[windowResult](t, e.mustRun("--json", "window", "parts", "5", "5")).Rows[0]

	e.mustRun("row", "append", "parts")
	e.mustRun("row", "insert", "parts", "5")
	e.mustRun("row", "insert", "parts", "0", "--below")
	info := decode[types.TableInfo](t, e.mustRun("--json", "table", "show", "parts"))
	assert.Equal(t, 23, info.RowCount)

	moved := decode[windowResult](t, e.mustRun("--json", "window", "parts", "7", "7")).Rows[0]
	assert.Equal(t, before.ID, moved.ID, "two inserts at or above row 5 shift it to 7")

	e.mustRun("row", "delete", "parts", "7")
	info = decode[types.TableInfo](t, e.mustRun("--json", "table", "show", "parts"))
	assert.Equal(t, 22, info.RowCount)
}

func TestColumn_AddRenameDelete(t *testing.T) {
	e := seeded(t)
	e.mustRun("column", "add", "parts", "price", "--type", "number")
	e.mustRun("column", "rename", "parts", "NAME", "title")
	e.mustRun("column", "delete", "parts", "qty")

	info := decode[types.TableInfo](t, e.mustRun("--json", "table", "show", "parts"))
	require.Len(t, info.Columns, 2)
	assert.Equal(t, "title", info.Columns[0].Name)
	assert.Equal(t, "price", info.Columns[1].Name)
	assert.Equal(t, types.ColumnNumber, info.Columns[1].Type)
	assert.Equal(t, 1, info.Columns[1].Order)
}

func TestSearch_ReportsHits(t *testing.T) {
	e := seeded(t)
	e.mustRun("set", "parts", "3", "name", "Haystack-Needle")

	hits := decode[[]types.SearchHit](t, e.mustRun("--json", "search", "parts", "needle"))
	require.Len(t, hits, 1)
	assert.Equal(t, types.HitCell, hits[0].Type)
	assert.Equal(t, 3, hits[0].RowOrder)

	hits = decode[[]types.SearchHit](t, e.mustRun("--json", "search", "parts", "QTY"))
	require.NotEmpty(t, hits)
	assert.Equal(t, types.HitField, hits[0].Type)
}

func TestExportImport_RoundTrip(t *testing.T) {
	e := seeded(t)
	e.mustRun("set", "parts", "0", "name", "first")
	dir := t.TempDir()
	dest := filepath.Join(dir, "out", "parts.jsonl")

	_, stderr, err := e.run("export", "parts", "--to", dest)
	require.NoError(t, err)
	assert.Contains(t, stderr, "exported 20 rows")
	require.FileExists(t, dest)

	out := e.mustRun("import", dest, "--name", "copy")
	assert.Contains(t, out, "imported 20 rows into copy")

	res := decode[windowResult](t, e.mustRun("--json", "window", "copy", "0", "0"))
	assert.Equal(t, "first", res.Rows[0].Values["name"])

	xlsx := filepath.Join(dir, "parts.xlsx")
	e.mustRun("export", "parts", "--to", xlsx)
	assert.FileExists(t, xlsx)
}

func TestExport_ToStdout(t *testing.T) {
	e := seeded(t)
	out := e.mustRun("export", "parts", "--to", "-")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 21)
	assert.Contains(t, lines[0], `"kind":"table"`)
}

func TestImport_MissingFile(t *testing.T) {
	e := newTestEnv(t)
	e.mustRun("init")
	_, _, err := e.run("import", filepath.Join(t.TempDir(), "none.jsonl"))
	require.Error(t, err)
	assert.Equal(t, exitSysError, exitCode(err))
}

func TestExportFormat(t *testing.T) {
	tests := []struct {
		name, format, dest string
		want               export.Format
		wantErr            bool
	}{
		{name: "explicit", format: "XLSX", dest: "a.jsonl", want: export.FormatXLSX},
		{name: "from extension", dest: "out/a.xlsx", want: export.FormatXLSX},
		{name: "unknown extension", dest: "a.csv", want: export.FormatJSONL},
		{name: "default", want: export.FormatJSONL},
		{name: "bad explicit", format: "csv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := exportFormat(tt.format, tt.dest)
			if tt.wantErr {
				assert.ErrorIs(t, err, export.ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseColumnSpecs(t *testing.T) {
	specs, err := parseColumnSpecs([]string{"name", "qty:number"})
	require.NoError(t, err)
	assert.Equal(t, types.ColumnText, specs[0].Type)
	assert.Equal(t, types.ColumnNumber, specs[1].Type)

	_, err = parseColumnSpecs([]string{"when:date"})
	assert.ErrorIs(t, err, errUsage)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitUserError, exitCode(types.ErrDuplicateName))
	assert.Equal(t, exitUserError, exitCode(usageError("bad")))
	assert.Equal(t, exitSysError, exitCode(errors.New("disk full")))
}

func TestVersion(t *testing.T) {
	e := newTestEnv(t)
	out := e.mustRun("version")
	assert.Contains(t, out, "gridcache v")
	assert.Contains(t, out, modulePath)
}
