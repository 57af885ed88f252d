package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// multipartThreshold is the archive size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// ArchiveRecord is one line of a market archive. The first line carries the
// market, then one line per holder and one per trade record.
type ArchiveRecord struct {
	Kind     string           `json:"kind"`
	Market   *domain.Market   `json:"market,omitempty"`
	Position *domain.Position `json:"position,omitempty"`
	Bet      *domain.Bet      `json:"bet,omitempty"`
}

// Existence reports whether an archive object is already stored.
type Existence interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver implements domain.Archiver: it writes the full trade record of a
// resolved market as JSONL under archive/markets/YYYY-MM/<id>.jsonl. Source
// rows are left in place; pruning is a separate, explicit operation.
type Archiver struct {
	writer domain.BlobWriter
	exists Existence
	stores domain.Stores
	logger *slog.Logger
}

// NewArchiver creates an Archiver. exists may be nil to always overwrite.
func NewArchiver(writer domain.BlobWriter, exists Existence, stores domain.Stores, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		exists: exists,
		stores: stores,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePath is the object path of a market's archive.
func ArchivePath(m domain.Market) string {
	at := m.CreatedAt
	if m.ResolvedAt != nil {
		at = *m.ResolvedAt
	}
	return fmt.Sprintf("archive/markets/%s/%s.jsonl", at.UTC().Format("2006-01"), m.ID)
}

// ArchiveMarket uploads one resolved market and returns the number of trade
// records written.
func (a *Archiver) ArchiveMarket(ctx context.Context, marketID string) (int64, error) {
	m, err := a.stores.Markets.GetByID(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	if !m.Resolved {
		return 0, fmt.Errorf("s3blob: archive %s: %w", marketID, domain.ErrMarketNotResolved)
	}
	return a.archive(ctx, m)
}

// ArchiveResolvedBefore archives every market resolved before the cutoff
// that has no archive yet, returning the total trade records written.
func (a *Archiver) ArchiveResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.stores.Markets.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list resolved markets: %w", err)
	}
	var total int64
	for _, m := range markets {
		if a.exists != nil {
			done, err := a.exists.Exists(ctx, ArchivePath(m))
			if err != nil {
				return total, err
			}
			if done {
				continue
			}
		}
		n, err := a.archive(ctx, m)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (a *Archiver) archive(ctx context.Context, m domain.Market) (int64, error) {
	bets, err := a.stores.Bets.ListByMarket(ctx, m.ID, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s bets: %w", m.ID, err)
	}
	holders, err := a.stores.Positions.ListByMarket(ctx, m.ID)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s positions: %w", m.ID, err)
	}

	records := make([]ArchiveRecord, 0, 1+len(holders)+len(bets))
	records = append(records, ArchiveRecord{Kind: "market", Market: &m})
	for i := range holders {
		records = append(records, ArchiveRecord{Kind: "position", Position: &holders[i]})
	}
	for i := range bets {
		records = append(records, ArchiveRecord{Kind: "bet", Bet: &bets[i]})
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", m.ID, err)
	}

	path := ArchivePath(m)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", m.ID, err)
	}

	count := int64(len(bets))
	if a.stores.Audit != nil {
		if err := a.stores.Audit.Log(ctx, "archive.market", map[string]any{
			"market_id": m.ID,
			"path":      path,
			"bets":      count,
		}); err != nil {
			a.logger.WarnContext(ctx, "archiver: audit log failed", slog.String("error", err.Error()))
		}
	}
	a.logger.InfoContext(ctx, "archiver: market archived",
		slog.String("market_id", m.ID),
		slog.String("path", path),
		slog.Int64("bets", count),
	)
	return count, nil
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
