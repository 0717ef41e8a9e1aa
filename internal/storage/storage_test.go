package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/l3aro/bindelta/pkg/fingerprint"
	"github.com/l3aro/bindelta/pkg/graph"
	"github.com/l3aro/bindelta/pkg/match"
)

func testBinary(t *testing.T, exe string, addr graph.Address, name string) *graph.Binary {
	t.Helper()
	blocks := []graph.BasicBlock{
		{Address: addr, Instructions: []graph.Instruction{
			{Mnemonic: "push", Operands: "rbp"},
			{Mnemonic: "cmp"},
			{Mnemonic: "jne"},
		}},
		{Address: addr + 0x10, Instructions: []graph.Instruction{
			{Mnemonic: "pop", Operands: "rbp"},
			{Mnemonic: "ret"},
		}},
	}
	edges := []graph.Edge{{Source: 0, Target: 1, Kind: graph.EdgeTrue}}
	b := &graph.Binary{
		CallGraph: graph.NewCallGraph(exe, []graph.Function{{Address: addr, Name: name}}, nil),
		FlowGraphs: map[graph.Address]*graph.FlowGraph{
			addr: graph.NewFlowGraph(addr, name, blocks, edges),
		},
	}
	require.NoError(t, b.Validate())
	require.NoError(t, fingerprint.AnnotateBinary(context.Background(), b))
	return b
}

func matchedContext(t *testing.T) *match.Context {
	t.Helper()
	primary := testBinary(t, "a.exe", 0x1000, "parse_header")
	secondary := testBinary(t, "b.exe", 0x5000, "parse_header")

	c := match.NewContext(primary, secondary)
	fp, err := c.AddFixedPoint(0, 0, "function: name hash matching")
	require.NoError(t, err)
	require.NoError(t, c.AddBasicBlockMatch(fp, 0, 0, "basicBlock: hash matching", 1.0))
	require.NoError(t, c.AddBasicBlockMatch(fp, 1, 1, "basicBlock: edge propagation", 0.7))
	return c
}

// queryRows runs a query on a fresh read-only connection and collects one
// int64 per row from the first column.
func queryRows(t *testing.T, path, query string) []int64 {
	t.Helper()
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	require.NoError(t, err)
	defer conn.Close()

	var out []int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, stmt.ColumnInt64(0))
			return nil
		},
	})
	require.NoError(t, err)
	return out
}

func TestWriteResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.sqlite")
	c := matchedContext(t)

	db, err := Connect(path)
	require.NoError(t, err)
	require.NoError(t, db.WriteResults(c))
	require.NoError(t, db.Close())

	addrs := queryRows(t, path, "SELECT primary_address FROM function_matches ORDER BY primary_address")
	assert.Equal(t, []int64{0x1000}, addrs)

	secAddrs := queryRows(t, path, "SELECT secondary_address FROM function_matches")
	assert.Equal(t, []int64{0x5000}, secAddrs)

	blockAddrs := queryRows(t, path, "SELECT primary_address FROM basicblock_matches ORDER BY primary_address")
	assert.Equal(t, []int64{0x1000, 0x1010}, blockAddrs)

	// Block matches hang off their function match row.
	linked := queryRows(t, path, `SELECT COUNT(*) FROM basicblock_matches b
		JOIN function_matches f ON f.id = b.function_match_id`)
	assert.Equal(t, []int64{2}, linked)

	meta := queryRows(t, path, "SELECT COUNT(*) FROM metadata WHERE id = 1 AND primary_exe = 'a.exe' AND secondary_exe = 'b.exe'")
	assert.Equal(t, []int64{1}, meta)
}

func TestWriteResultsReplacesPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.sqlite")

	db, err := Connect(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.WriteResults(matchedContext(t)))
	require.NoError(t, db.WriteResults(matchedContext(t)))

	fns := queryRows(t, path, "SELECT COUNT(*) FROM function_matches")
	assert.Equal(t, []int64{1}, fns)
	blocks := queryRows(t, path, "SELECT COUNT(*) FROM basicblock_matches")
	assert.Equal(t, []int64{2}, blocks)
	meta := queryRows(t, path, "SELECT COUNT(*) FROM metadata")
	assert.Equal(t, []int64{1}, meta)
}

func TestReadBackStoredResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.sqlite")

	db, err := Connect(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.WriteResults(matchedContext(t)))

	meta, err := db.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, "a.exe", meta.PrimaryExe)
	assert.Equal(t, "b.exe", meta.SecondaryExe)
	assert.NotEmpty(t, meta.Created)

	matches, err := db.ReadFunctionMatches("", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, uint64(0x1000), matches[0].PrimaryAddress)
	assert.Equal(t, "parse_header", matches[0].PrimaryName)
	assert.Equal(t, "parse_header", matches[0].SecondaryName)
	assert.Equal(t, 2, matches[0].BasicBlockMatches)

	// Name filter and confidence threshold both narrow the result.
	matches, err = db.ReadFunctionMatches("parse", 0)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = db.ReadFunctionMatches("checksum", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = db.ReadFunctionMatches("", 0.5)
	require.NoError(t, err)
	assert.Empty(t, matches, "manually added fixed points carry zero confidence")
}

func TestReadMetadataEmptyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sqlite")
	db, err := Connect(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ReadMetadata()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestConnectCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.sqlite")
	db, err := Connect(path)
	require.NoError(t, err)
	assert.NoError(t, db.Close())
	assert.NoError(t, db.Close()) // idempotent
}

func TestConnectRejectsUnwritableLocation(t *testing.T) {
	_, err := Connect(filepath.Join(t.TempDir(), "missing", "dir", "result.sqlite"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
}
