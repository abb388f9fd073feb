package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// SqliteStateStore keeps everything in a single SQLite database. Entities
// are JSON blobs keyed by their identifier; the aggregate state lives in
// a one-row table.
type SqliteStateStore struct {
	db   *sql.DB
	path string
}

func NewSqliteStateStore(dbPath string) (*SqliteStateStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &SqliteStateStore{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SqliteStateStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vertices (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS domains (
		owner_id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS node_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SqliteStateStore) upsert(ctx context.Context, table, keyCol, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, data) VALUES (?, ?)
		ON CONFLICT(%s) DO UPDATE SET data = excluded.data`, table, keyCol, keyCol)
	_, err = s.db.ExecContext(ctx, query, key, data)
	return err
}

func (s *SqliteStateStore) count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

func (s *SqliteStateStore) SaveVertex(ctx context.Context, v *Vertex) error {
	return s.upsert(ctx, "vertices", "id", v.ID.String(), v)
}

func (s *SqliteStateStore) LoadVertex(ctx context.Context, id VertexID) (*Vertex, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM vertices WHERE id = ?", id.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v Vertex
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: vertex %s: %v", ErrCorruptState, id, err)
	}
	return &v, nil
}

func (s *SqliteStateStore) RemoveVertex(ctx context.Context, id VertexID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM vertices WHERE id = ?", id.String())
	return err
}

func (s *SqliteStateStore) VertexCount(ctx context.Context) (int, error) {
	return s.count(ctx, "vertices")
}

func (s *SqliteStateStore) SavePeer(ctx context.Context, id PeerID, info *PersistedPeerInfo) error {
	return s.upsert(ctx, "peers", "id", id.String(), info)
}

func (s *SqliteStateStore) LoadPeers(ctx context.Context) (map[PeerID]PersistedPeerInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, data FROM peers")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[PeerID]PersistedPeerInfo)
	for rows.Next() {
		var idStr string
		var data []byte
		if err := rows.Scan(&idStr, &data); err != nil {
			return nil, err
		}
		id, err := PeerIDFromString(idStr)
		if err != nil {
			continue
		}
		var info PersistedPeerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("%w: peer %s: %v", ErrCorruptState, idStr, err)
		}
		out[id] = info
	}
	return out, rows.Err()
}

func (s *SqliteStateStore) RemovePeer(ctx context.Context, id PeerID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM peers WHERE id = ?", id.String())
	return err
}

func (s *SqliteStateStore) PeerCount(ctx context.Context) (int, error) {
	return s.count(ctx, "peers")
}

func (s *SqliteStateStore) SaveDarkRecord(ctx context.Context, rec *DarkDomainRecord) error {
	return s.upsert(ctx, "domains", "owner_id", rec.OwnerID.String(), rec)
}

func (s *SqliteStateStore) LoadDarkRecords(ctx context.Context) ([]DarkDomainRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM domains")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DarkDomainRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec DarkDomainRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("%w: dark record: %v", ErrCorruptState, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SqliteStateStore) RemoveDarkRecord(ctx context.Context, ownerID PeerID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM domains WHERE owner_id = ?", ownerID.String())
	return err
}

func (s *SqliteStateStore) DarkRecordCount(ctx context.Context) (int, error) {
	return s.count(ctx, "domains")
}

func (s *SqliteStateStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SqliteStateStore) SaveState(ctx context.Context, state *PersistedDagState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO node_state (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, data)
	return err
}

func (s *SqliteStateStore) RecoverState(ctx context.Context) (*PersistedDagState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM node_state WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state PersistedDagState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: node state: %v", ErrCorruptState, err)
	}
	return &state, nil
}

// CreateBackup snapshots the database file with SQLite's VACUUM INTO.
func (s *SqliteStateStore) CreateBackup(ctx context.Context, backupPath string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", backupPath)
	return err
}

// RestoreBackup clears every table and re-imports from the backup file.
func (s *SqliteStateStore) RestoreBackup(ctx context.Context, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("%w: %s", ErrFileNotFound, backupPath)
	}
	src, err := NewSqliteStateStore(backupPath)
	if err != nil {
		return err
	}
	defer src.Close()

	for _, table := range []string{"vertices", "peers", "domains", "node_state"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	peers, err := src.LoadPeers(ctx)
	if err != nil {
		return err
	}
	for id, info := range peers {
		cp := info
		if err := s.SavePeer(ctx, id, &cp); err != nil {
			return err
		}
	}
	records, err := src.LoadDarkRecords(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		if err := s.SaveDarkRecord(ctx, &records[i]); err != nil {
			return err
		}
	}
	rows, err := src.db.QueryContext(ctx, "SELECT data FROM vertices")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		var v Vertex
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: backup vertex: %v", ErrCorruptState, err)
		}
		if err := s.SaveVertex(ctx, &v); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if state, err := src.RecoverState(ctx); err != nil {
		return err
	} else if state != nil {
		return s.SaveState(ctx, state)
	}
	return nil
}

func (s *SqliteStateStore) Close() error { return s.db.Close() }
