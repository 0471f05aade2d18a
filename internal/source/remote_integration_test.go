package source_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/pgrewind/internal/filemap"
	"github.com/ashita-ai/pgrewind/internal/source"
)

// startPostgres spins up a throwaway server. The whole test is skipped
// unless PGREWIND_TEST_DOCKER=1: CI machines without a container runtime
// should not fail on it.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("PGREWIND_TEST_DOCKER") != "1" {
		t.Skip("set PGREWIND_TEST_DOCKER=1 to run container-backed tests")
	}
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:13",
			Env:          map[string]string{"POSTGRES_PASSWORD": "rewind"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("host=%s port=%s user=postgres password=rewind dbname=postgres sslmode=disable",
		host, port.Port())
}

func TestRemoteSourceAgainstLiveServer(t *testing.T) {
	connstr := startPostgres(t)
	ctx := context.Background()
	target := newRecordingTarget()

	src, err := source.NewRemote(ctx, connstr, target, discard)
	require.NoError(t, err)
	schema := src.SchemaName()

	entries, err := src.List(ctx)
	require.NoError(t, err)

	byPath := map[string]source.Entry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	require.Contains(t, byPath, "PG_VERSION")
	require.Contains(t, byPath, "global/pg_control")
	assert.Equal(t, filemap.Regular, byPath["global/pg_control"].Type)
	assert.Equal(t, int64(8192), byPath["global/pg_control"].Size)
	assert.Equal(t, filemap.Directory, byPath["base"].Type)

	version, err := src.FetchFile(ctx, "PG_VERSION")
	require.NoError(t, err)
	assert.Equal(t, "13\n", string(version))

	// Ranged fetch through the COPY plan.
	require.NoError(t, src.QueueRange(ctx, "PG_VERSION", 0, 2))
	require.NoError(t, src.QueueRange(ctx, "no/such/file", 0, 16))
	require.NoError(t, src.Flush(ctx))

	assert.Equal(t, []byte("13"), target.writes["PG_VERSION"][:2])
	assert.Equal(t, []string{"no/such/file"}, target.removed,
		"NULL chunks turn into tolerant removals")

	require.NoError(t, src.Close(ctx))

	// The helper schema must be gone.
	conn, err := pgx.Connect(ctx, connstr)
	require.NoError(t, err)
	defer conn.Close(ctx)
	var exists bool
	require.NoError(t, conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)",
		schema).Scan(&exists))
	assert.False(t, exists)
}
