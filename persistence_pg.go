package boardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRoomStore keeps one row per room in postgres.
type PgRoomStore struct {
	pool *pgxpool.Pool
}

func NewPgRoomStore(pool *pgxpool.Pool) *PgRoomStore {
	return &PgRoomStore{
		pool: pool,
	}
}

func ConnectPgRoomStore(ctx context.Context, databaseUrl string) (*PgRoomStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, fmt.Errorf("room store connect: %w", err)
	}
	roomStore := NewPgRoomStore(pool)
	if err := roomStore.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return roomStore, nil
}

func (self *PgRoomStore) Init(ctx context.Context) error {
	_, err := self.pool.Exec(
		ctx,
		`
		CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
		`,
	)
	if err != nil {
		return fmt.Errorf("room store init: %w", err)
	}
	return nil
}

func (self *PgRoomStore) LoadSnapshot(ctx context.Context, roomId string) (*Snapshot, error) {
	var snapshotBytes []byte
	err := self.pool.QueryRow(
		ctx,
		`SELECT snapshot FROM rooms WHERE id = $1`,
		roomId,
	).Scan(&snapshotBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room load %s: %w", roomId, err)
	}

	snapshot := &Snapshot{}
	if err := json.Unmarshal(snapshotBytes, snapshot); err != nil {
		return nil, fmt.Errorf("room load %s: %w", roomId, err)
	}
	if snapshot.Store == nil {
		snapshot.Store = map[RecordId]Record{}
	}
	return snapshot, nil
}

func (self *PgRoomStore) SaveSnapshot(ctx context.Context, roomId string, snapshot *Snapshot) error {
	snapshotBytes, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("room save %s: %w", roomId, err)
	}

	// unconditional overwrite, no compare-and-set
	_, err = self.pool.Exec(
		ctx,
		`
		INSERT INTO rooms (id, snapshot) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			updated_at = now()
		`,
		roomId,
		snapshotBytes,
	)
	if err != nil {
		return fmt.Errorf("room save %s: %w", roomId, err)
	}
	return nil
}

func (self *PgRoomStore) Close() {
	self.pool.Close()
}
