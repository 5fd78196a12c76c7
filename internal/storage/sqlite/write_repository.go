package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/musichub_downloader/internal/storage"
)

func (r *DownloadRepository) InsertDownload(ctx context.Context, rec storage.DownloadRecord) (int64, error) {
	mergeIndexes, err := encodeList(rec.MergeIndexes)
	if err != nil {
		return 0, err
	}

	toMergeFiles, err := encodeList(rec.ToMergeFiles)
	if err != nil {
		return 0, err
	}

	if rec.TaskState == "" {
		rec.TaskState = storage.StateQueued
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (extension_id, track_id, context_id, sort_order, track_payload, task_state,
			streamable_id, merge_indexes, to_merge_files, to_tag_file, final_file, exception_file,
			fully_downloaded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExtensionID, rec.TrackID, nullInt64(rec.ContextID), nullInt(rec.SortOrder), rec.TrackPayload, string(rec.TaskState),
		rec.StreamableID, mergeIndexes, toMergeFiles, rec.ToTagFile, rec.FinalFile, rec.ExceptionFile,
		rec.FullyDownloaded, rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert download: %w", err)
	}

	r.watcher.Notify()

	return res.LastInsertId()
}

// UpdateDownload overwrites every mutable column of the record.
func (r *DownloadRepository) UpdateDownload(ctx context.Context, rec storage.DownloadRecord) error {
	mergeIndexes, err := encodeList(rec.MergeIndexes)
	if err != nil {
		return err
	}

	toMergeFiles, err := encodeList(rec.ToMergeFiles)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET context_id = ?, sort_order = ?, track_payload = ?, task_state = ?,
			streamable_id = ?, merge_indexes = ?, to_merge_files = ?, to_tag_file = ?,
			final_file = ?, exception_file = ?, fully_downloaded = ?
		WHERE id = ?`,
		nullInt64(rec.ContextID), nullInt(rec.SortOrder), rec.TrackPayload, string(rec.TaskState),
		rec.StreamableID, mergeIndexes, toMergeFiles, rec.ToTagFile,
		rec.FinalFile, rec.ExceptionFile, rec.FullyDownloaded,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update download: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("download %d: %w", rec.ID, storage.ErrNotFound)
	}

	r.watcher.Notify()

	return nil
}

func (r *DownloadRepository) DeleteDownload(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}

	r.watcher.Notify()

	return nil
}

func (r *DownloadRepository) DeleteDownloads(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	if _, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete downloads: %w", err)
	}

	r.watcher.Notify()

	return nil
}

func (r *DownloadRepository) InsertContext(ctx context.Context, rec storage.ContextRecord) (int64, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contexts (item_id, payload) VALUES (?, ?) ON CONFLICT(item_id) DO NOTHING`,
		rec.ItemID, rec.Payload,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert context: %w", err)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx, `SELECT id FROM contexts WHERE item_id = ?`, rec.ItemID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read context id: %w", err)
	}

	r.watcher.Notify()

	return id, nil
}

func (r *DownloadRepository) DeleteContext(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}

	r.watcher.Notify()

	return nil
}

func (r *DownloadRepository) ResetInterrupted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET task_state = ? WHERE task_state IN (?, ?, ?, ?)`,
		string(storage.StateQueued),
		string(storage.StateResolving), string(storage.StateFetching), string(storage.StateMerging), string(storage.StateTagging),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted downloads: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if n > 0 {
		r.watcher.Notify()
	}

	return n, nil
}
