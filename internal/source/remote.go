package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/pgrewind/internal/filemap"
)

// ErrProtocol is wrapped by every unexpected-result failure from the remote
// server.
var ErrProtocol = errors.New("source: unexpected result from server")

// maxChunkSize bounds a single queued range; larger ranges are split so no
// single row of the fetch plan carries more than this many bytes.
const maxChunkSize = 1000000

type fetchChunk struct {
	path   string
	off    int64
	length int64
}

// Remote reads the source cluster from a live server. Helper functions
// wrapping the server's file-access primitives are installed into a
// throwaway schema on connect and dropped again on Close.
type Remote struct {
	conn   *pgx.Conn
	target Target
	logger *slog.Logger
	schema string
	plan   []fetchChunk
}

// NewRemote connects, validates the source server, and installs the helper
// schema.
func NewRemote(ctx context.Context, connstr string, target Target, logger *slog.Logger) (*Remote, error) {
	conn, err := pgx.Connect(ctx, connstr)
	if err != nil {
		return nil, fmt.Errorf("source: connect: %w", err)
	}

	s := &Remote{
		conn:   conn,
		target: target,
		logger: logger,
		schema: "rewind_fetch_" + uuid.NewString()[:8],
	}
	if err := s.setup(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Remote) setup(ctx context.Context) error {
	var inRecovery bool
	if err := s.conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return fmt.Errorf("source: check recovery state: %w", err)
	}
	if inRecovery {
		return errors.New("source: server is still in recovery; promote it before rewinding against it")
	}

	var fpw string
	if err := s.conn.QueryRow(ctx, "SHOW full_page_writes").Scan(&fpw); err != nil {
		return fmt.Errorf("source: check full_page_writes: %w", err)
	}
	if fpw != "on" {
		return errors.New("source: full_page_writes must be enabled on the source server")
	}

	// Don't let this session hang forever on a misconfigured synchronous
	// replication quorum.
	if _, err := s.conn.Exec(ctx, "SET synchronous_commit = off"); err != nil {
		return fmt.Errorf("source: disable synchronous_commit: %w", err)
	}

	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA %s", s.schema),
		fmt.Sprintf(`CREATE FUNCTION %s.ls_dir(dir text) RETURNS SETOF text
			LANGUAGE sql AS 'SELECT pg_ls_dir($1)'`, s.schema),
		fmt.Sprintf(`CREATE FUNCTION %s.stat_file(path text, missing_ok boolean DEFAULT false,
				OUT size bigint, OUT isdir boolean) RETURNS record
			LANGUAGE sql AS 'SELECT size, isdir FROM pg_stat_file($1, $2)'`, s.schema),
		fmt.Sprintf(`CREATE FUNCTION %s.read_binary_file(path text, "begin" bigint, len bigint, missing_ok boolean)
				RETURNS bytea
			LANGUAGE sql AS 'SELECT pg_read_binary_file($1, $2, $3, $4)'`, s.schema),
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("source: install helper schema: %w", err)
		}
	}
	s.logger.Debug("helper schema installed", "schema", s.schema)
	return nil
}

// List enumerates the server's data directory with one recursive query.
// Tablespace links under pg_tblspc are resolved to their absolute targets
// through the tablespace catalog.
func (s *Remote) List(ctx context.Context) ([]Entry, error) {
	q := fmt.Sprintf(`
		WITH RECURSIVE files (path, filename, size, isdir) AS (
		  SELECT '' AS path, filename, size, isdir
		  FROM (SELECT %[1]s.ls_dir('.') AS filename) AS fn,
		       %[1]s.stat_file(fn.filename) AS this
		  UNION ALL
		  SELECT parent.path || parent.filename || '/' AS path,
		         fn, this.size, this.isdir
		  FROM files AS parent,
		       %[1]s.ls_dir(parent.path || parent.filename) AS fn,
		       %[1]s.stat_file(parent.path || parent.filename || '/' || fn) AS this
		  WHERE parent.isdir
		)
		SELECT path || filename AS path, size, isdir,
		       pg_tablespace_location(pg_tablespace.oid) AS link_target
		FROM files
		LEFT OUTER JOIN pg_tablespace
		  ON files.path = 'pg_tblspc/' AND pg_tablespace.oid::text = files.filename
		ORDER BY path || filename`, s.schema)

	rows, err := s.conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("source: list data directory: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			path       string
			size       int64
			isdir      bool
			linkTarget *string
		)
		if err := rows.Scan(&path, &size, &isdir, &linkTarget); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		e := Entry{Path: path, Size: size}
		switch {
		case linkTarget != nil:
			e.Type = filemap.Symlink
			e.LinkTarget = *linkTarget
			e.Size = 0
		case isdir:
			e.Type = filemap.Directory
			e.Size = 0
		default:
			e.Type = filemap.Regular
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: list data directory: %w", err)
	}
	return entries, nil
}

// FetchFile reads one whole file from the server.
func (s *Remote) FetchFile(ctx context.Context, path string) ([]byte, error) {
	q := fmt.Sprintf(
		"SELECT %[1]s.read_binary_file($1, 0, (%[1]s.stat_file($1)).size, false)", s.schema)
	var data []byte
	if err := s.conn.QueryRow(ctx, q, path).Scan(&data); err != nil {
		return nil, fmt.Errorf("source: fetch %q: %w", path, err)
	}
	return data, nil
}

// QueueRange appends the range to the fetch plan, split into chunks the
// server-side read can return in one row.
func (s *Remote) QueueRange(ctx context.Context, path string, off, length int64) error {
	for length > 0 {
		n := length
		if n > maxChunkSize {
			n = maxChunkSize
		}
		s.plan = append(s.plan, fetchChunk{path: path, off: off, length: n})
		off += n
		length -= n
	}
	return nil
}

// Flush ships the fetch plan into a temporary table with COPY, reads every
// chunk back with a single ranged-read query, and streams the results into
// the target. A NULL chunk means the file vanished on the source after
// listing; the target's copy is removed, tolerating absence.
func (s *Remote) Flush(ctx context.Context) error {
	if len(s.plan) == 0 {
		return nil
	}
	s.logger.Debug("fetching queued ranges", "chunks", len(s.plan))

	if _, err := s.conn.Exec(ctx, `CREATE TEMPORARY TABLE fetchchunks
		(path text, "begin" int4, len int4)`); err != nil {
		return fmt.Errorf("source: create fetch plan table: %w", err)
	}
	defer func() {
		_, _ = s.conn.Exec(ctx, "DROP TABLE IF EXISTS fetchchunks")
	}()

	rows := make([][]any, len(s.plan))
	for i, c := range s.plan {
		rows[i] = []any{c.path, int32(c.off), int32(c.length)}
	}
	n, err := s.conn.CopyFrom(ctx, pgx.Identifier{"fetchchunks"},
		[]string{"path", "begin", "len"}, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("source: load fetch plan: %w", err)
	}
	if int(n) != len(s.plan) {
		return fmt.Errorf("%w: fetch plan lost rows (%d of %d)", ErrProtocol, n, len(s.plan))
	}

	q := fmt.Sprintf(`SELECT path, "begin",
			%s.read_binary_file(path, "begin", len, true) AS chunk
		FROM fetchchunks`, s.schema)
	res, err := s.conn.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("source: ranged read: %w", err)
	}
	defer res.Close()

	vanished := map[string]bool{}
	received := 0
	for res.Next() {
		var (
			path  string
			begin int32
			chunk []byte
		)
		if err := res.Scan(&path, &begin, &chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		received++

		if chunk == nil {
			if !vanished[path] {
				vanished[path] = true
				s.logger.Warn("file vanished on source during fetch; removing on target", "path", path)
				if err := s.target.RemoveVanished(path); err != nil {
					return err
				}
			}
			continue
		}
		if err := s.target.WriteRange(path, int64(begin), chunk); err != nil {
			return err
		}
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("source: ranged read: %w", err)
	}
	if received != len(s.plan) {
		return fmt.Errorf("%w: received %d chunks, expected %d", ErrProtocol, received, len(s.plan))
	}

	s.plan = s.plan[:0]
	return nil
}

// Close drops the helper schema and disconnects. Safe to call after errors.
func (s *Remote) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	_, dropErr := s.conn.Exec(ctx, fmt.Sprintf("DROP SCHEMA %s CASCADE", s.schema))
	if dropErr != nil {
		s.logger.Warn("could not drop helper schema", "schema", s.schema, "error", dropErr)
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	if err != nil {
		return fmt.Errorf("source: disconnect: %w", err)
	}
	return nil
}

// SchemaName exposes the helper schema for tests.
func (s *Remote) SchemaName() string {
	return s.schema
}

var _ Source = (*Local)(nil)
var _ Source = (*Remote)(nil)
