package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/italolelis/musichub_downloader/internal/storage"
)

// DownloadRepository implements storage.Repository on SQLite.
type DownloadRepository struct {
	db      *sql.DB
	watcher *storage.Watcher
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, watcher: storage.NewWatcher()}
}

// Changes subscribes to write notifications.
func (r *DownloadRepository) Changes() (<-chan struct{}, func()) {
	return r.watcher.Subscribe()
}

const downloadColumns = `id, extension_id, track_id, context_id, sort_order, track_payload, task_state,
	streamable_id, merge_indexes, to_merge_files, to_tag_file, final_file, exception_file,
	fully_downloaded, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (storage.DownloadRecord, error) {
	var (
		rec          storage.DownloadRecord
		contextID    sql.NullInt64
		sortOrder    sql.NullInt64
		mergeIndexes string
		toMergeFiles string
	)

	err := s.Scan(
		&rec.ID, &rec.ExtensionID, &rec.TrackID, &contextID, &sortOrder, &rec.TrackPayload, &rec.TaskState,
		&rec.StreamableID, &mergeIndexes, &toMergeFiles, &rec.ToTagFile, &rec.FinalFile, &rec.ExceptionFile,
		&rec.FullyDownloaded, &rec.CreatedAt,
	)
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	if contextID.Valid {
		id := contextID.Int64
		rec.ContextID = &id
	}

	if sortOrder.Valid {
		order := int(sortOrder.Int64)
		rec.SortOrder = &order
	}

	if err := json.Unmarshal([]byte(mergeIndexes), &rec.MergeIndexes); err != nil {
		return storage.DownloadRecord{}, fmt.Errorf("failed to decode merge indexes: %w", err)
	}

	if err := json.Unmarshal([]byte(toMergeFiles), &rec.ToMergeFiles); err != nil {
		return storage.DownloadRecord{}, fmt.Errorf("failed to decode merge files: %w", err)
	}

	return rec, nil
}

func encodeList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
