package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/musichub_downloader/internal/storage"
)

func (r *DownloadRepository) GetDownload(ctx context.Context, id int64) (storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	rec, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadRecord{}, fmt.Errorf("download %d: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return storage.DownloadRecord{}, err
	}

	return rec, nil
}

// GetDownloads returns every download ordered by context, sort order and id.
func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads
		ORDER BY context_id IS NULL, context_id, sort_order, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, rec)
	}

	return downloads, rows.Err()
}

func (r *DownloadRepository) GetContext(ctx context.Context, id int64) (storage.ContextRecord, error) {
	var rec storage.ContextRecord

	err := r.db.QueryRowContext(ctx, `SELECT id, item_id, payload FROM contexts WHERE id = ?`, id).
		Scan(&rec.ID, &rec.ItemID, &rec.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ContextRecord{}, fmt.Errorf("context %d: %w", id, storage.ErrNotFound)
	}

	return rec, err
}

func (r *DownloadRepository) GetContextByItemID(ctx context.Context, itemID string) (storage.ContextRecord, error) {
	var rec storage.ContextRecord

	err := r.db.QueryRowContext(ctx, `SELECT id, item_id, payload FROM contexts WHERE item_id = ?`, itemID).
		Scan(&rec.ID, &rec.ItemID, &rec.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ContextRecord{}, fmt.Errorf("context %q: %w", itemID, storage.ErrNotFound)
	}

	return rec, err
}

func (r *DownloadRepository) GetContexts(ctx context.Context) ([]storage.ContextRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, item_id, payload FROM contexts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contexts []storage.ContextRecord

	for rows.Next() {
		var rec storage.ContextRecord
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.Payload); err != nil {
			return nil, err
		}

		contexts = append(contexts, rec)
	}

	return contexts, rows.Err()
}
