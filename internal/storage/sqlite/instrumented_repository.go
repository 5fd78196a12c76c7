package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/italolelis/musichub_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.Repository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func instrumented[T any](ctx context.Context, tel *telemetry.Telemetry, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := tel.InstrumentDBOperation(ctx, op, func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) Changes() (<-chan struct{}, func()) {
	return r.repo.Changes()
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id int64) (storage.DownloadRecord, error) {
	return instrumented(ctx, r.telemetry, "get_download", func(ctx context.Context) (storage.DownloadRecord, error) {
		return r.repo.GetDownload(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	return instrumented(ctx, r.telemetry, "get_downloads", r.repo.GetDownloads)
}

func (r *InstrumentedDownloadRepository) GetContext(ctx context.Context, id int64) (storage.ContextRecord, error) {
	return instrumented(ctx, r.telemetry, "get_context", func(ctx context.Context) (storage.ContextRecord, error) {
		return r.repo.GetContext(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) GetContextByItemID(ctx context.Context, itemID string) (storage.ContextRecord, error) {
	return instrumented(ctx, r.telemetry, "get_context_by_item_id", func(ctx context.Context) (storage.ContextRecord, error) {
		return r.repo.GetContextByItemID(ctx, itemID)
	})
}

func (r *InstrumentedDownloadRepository) GetContexts(ctx context.Context) ([]storage.ContextRecord, error) {
	return instrumented(ctx, r.telemetry, "get_contexts", r.repo.GetContexts)
}

func (r *InstrumentedDownloadRepository) InsertDownload(ctx context.Context, rec storage.DownloadRecord) (int64, error) {
	return instrumented(ctx, r.telemetry, "insert_download", func(ctx context.Context) (int64, error) {
		return r.repo.InsertDownload(ctx, rec)
	})
}

func (r *InstrumentedDownloadRepository) UpdateDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download", func(ctx context.Context) error {
		return r.repo.UpdateDownload(ctx, rec)
	})
}

func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) DeleteDownloads(ctx context.Context, ids []int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_downloads", func(ctx context.Context) error {
		return r.repo.DeleteDownloads(ctx, ids)
	})
}

func (r *InstrumentedDownloadRepository) InsertContext(ctx context.Context, rec storage.ContextRecord) (int64, error) {
	return instrumented(ctx, r.telemetry, "insert_context", func(ctx context.Context) (int64, error) {
		return r.repo.InsertContext(ctx, rec)
	})
}

func (r *InstrumentedDownloadRepository) DeleteContext(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_context", func(ctx context.Context) error {
		return r.repo.DeleteContext(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) ResetInterrupted(ctx context.Context) (int64, error) {
	return instrumented(ctx, r.telemetry, "reset_interrupted", r.repo.ResetInterrupted)
}
