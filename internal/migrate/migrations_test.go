package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"sprintline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()

	v, err := Current(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	latest, err := Latest()
	require.NoError(t, err)
	v, err = Current(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)
	require.GreaterOrEqual(t, latest, 2)
}

func TestCycleRecordsAreAppendOnly(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, Migrate(conn))

	ts := "2024-01-01T00:00:00Z"
	_, err = conn.Exec(`INSERT INTO epics(id,status,phase,created_at,updated_at) VALUES ('e','pending','pending',?,?)`, ts, ts)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO issues(epic_id,id,position,status,created_at,updated_at) VALUES ('e','i',0,'pending',?,?)`, ts, ts)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO cycle_records(epic_id,issue_id,seq,from_role,to_role,action,result,ts) VALUES ('e','i',1,'a','b','x','y',?)`, ts)
	require.NoError(t, err)

	_, err = conn.Exec(`UPDATE cycle_records SET result='z'`)
	require.Error(t, err)
	_, err = conn.Exec(`DELETE FROM cycle_records`)
	require.Error(t, err)
}
