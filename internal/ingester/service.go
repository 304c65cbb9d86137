package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mattn/go-sqlite3"

	"retrochain-indexer/internal/cometbft"
	"retrochain-indexer/internal/eventbus"
	"retrochain-indexer/internal/models"
	"retrochain-indexer/internal/repository"
)

// ErrChainIDMismatch is returned when the live chain id differs from the one
// recorded in the database. The service refuses to write anything in that
// case: mixing two chains in one store would corrupt every invariant readers
// rely on.
var ErrChainIDMismatch = errors.New("chain id mismatch")

// backoffInterval is the fixed sleep before retrying a height after a
// transient failure. No height is ever skipped.
const backoffInterval = 2 * time.Second

type Config struct {
	PollInterval time.Duration // tail-mode probe interval, floor 500ms
	StartHeight  int64         // >0 overrides the stored resume point
}

// Service is the block ingestion worker. It discovers the chain tip over RPC
// and materializes each height exactly once into the repository, one height
// at a time.
type Service struct {
	client *cometbft.Client
	repo   *repository.Repository
	bus    *eventbus.Bus
	config Config
}

// NewService creates the worker. bus may be nil when nothing subscribes to
// indexed-block notifications.
func NewService(client *cometbft.Client, repo *repository.Repository, bus *eventbus.Bus, cfg Config) *Service {
	if cfg.PollInterval < 500*time.Millisecond {
		cfg.PollInterval = 2 * time.Second
	}
	return &Service{
		client: client,
		repo:   repo,
		bus:    bus,
		config: cfg,
	}
}

// Start runs the ingestion loop until ctx is cancelled (returning ctx.Err())
// or a fatal condition is hit. Transient errors (RPC failures, decode
// failures, store write failures) are logged and retried on the same height
// after a fixed backoff.
func (s *Service) Start(ctx context.Context) error {
	status, err := s.initialStatus(ctx)
	if err != nil {
		return err
	}

	if err := s.guardChainID(ctx, status.ChainID); err != nil {
		return err
	}

	next, err := s.resumeHeight(ctx)
	if err != nil {
		return err
	}

	log.Printf("[indexer] db=%s chain_id=%s starting from height %d", s.repo.Path(), status.ChainID, next)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		status, err := s.client.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("ERROR: status probe failed: %v", err)
			if !sleepCtx(ctx, backoffInterval) {
				return ctx.Err()
			}
			continue
		}

		if next < 1 {
			next = 1
		}
		if next > status.LatestHeight {
			// Tail: caught up, wait for new heights.
			if !sleepCtx(ctx, s.config.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := s.indexHeight(ctx, next); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isConstraintErr(err) {
				log.Printf("[indexer] FATAL: invariant violation at height %d: %v", next, err)
				return fmt.Errorf("height %d: %w", next, err)
			}
			log.Printf("ERROR: %v", err)
			if !sleepCtx(ctx, backoffInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := s.repo.AdvanceLastIndexedHeight(ctx, next); err != nil {
			// The height itself committed; retrying it is harmless because
			// WriteHeight is idempotent.
			log.Printf("ERROR: advance checkpoint to %d: %v", next, err)
			if !sleepCtx(ctx, backoffInterval) {
				return ctx.Err()
			}
			continue
		}

		log.Printf("[indexer] indexed height %d (latest=%d)", next, status.LatestHeight)
		next++
	}
}

// initialStatus probes /status until it succeeds or ctx is cancelled. A node
// that is still booting should not kill the indexer.
func (s *Service) initialStatus(ctx context.Context) (*cometbft.Status, error) {
	for {
		status, err := s.client.Status(ctx)
		if err == nil {
			return status, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("ERROR: status probe failed: %v", err)
		if !sleepCtx(ctx, backoffInterval) {
			return nil, ctx.Err()
		}
	}
}

// guardChainID records the chain identity on first observation and refuses
// to run against a database indexed from a different chain.
func (s *Service) guardChainID(ctx context.Context, liveChainID string) error {
	if liveChainID == "" {
		return nil
	}
	stored, ok, err := s.repo.MetaGet(ctx, repository.MetaChainID)
	if err != nil {
		return fmt.Errorf("read stored chain id: %w", err)
	}
	if ok && stored != liveChainID {
		log.Printf("[indexer] FATAL: database was indexed from chain %q but RPC reports %q", stored, liveChainID)
		return fmt.Errorf("%w: stored %q, live %q", ErrChainIDMismatch, stored, liveChainID)
	}
	if !ok {
		if err := s.repo.MetaSet(ctx, repository.MetaChainID, liveChainID); err != nil {
			return fmt.Errorf("record chain id: %w", err)
		}
	}
	return nil
}

func (s *Service) resumeHeight(ctx context.Context) (int64, error) {
	if s.config.StartHeight > 0 {
		return s.config.StartHeight, nil
	}
	last, ok, err := s.repo.LastIndexedHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if ok {
		return last + 1, nil
	}
	return 1, nil
}

// indexHeight runs the reindex-safe write protocol for one height: fetch the
// block and its results, normalize, and commit atomically.
func (s *Service) indexHeight(ctx context.Context, height int64) error {
	blockDoc, err := s.client.Block(ctx, height)
	if err != nil {
		return err
	}
	resultsDoc, err := s.client.BlockResults(ctx, height)
	if err != nil {
		return err
	}

	block, txs, events, err := buildHeight(height, blockDoc, resultsDoc)
	if err != nil {
		return err
	}

	if err := s.repo.WriteHeight(ctx, block, txs, events); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.BlockIndexed{
			Height:  block.Height,
			Time:    block.Time,
			TxCount: block.TxCount,
		})
	}
	return nil
}

// buildHeight normalizes one height's payloads into store rows. Block-scope
// events come first in the fixed bucket order, then each tx's events in tx
// order, all sharing one zero-based event_index counter.
func buildHeight(height int64, blockDoc *cometbft.BlockDoc, resultsDoc *cometbft.BlockResultsDoc) (models.Block, []models.Tx, []models.Event, error) {
	indexedAt := time.Now().UTC().Format(time.RFC3339Nano)

	block := models.Block{
		Height:          height,
		Time:            blockDoc.Time,
		ProposerAddress: blockDoc.ProposerAddress,
		BlockIDHash:     blockDoc.BlockIDHash,
		TxCount:         len(blockDoc.Txs),
		BlockJSON:       string(blockDoc.Raw),
		ResultsJSON:     string(resultsDoc.Raw),
		IndexedAt:       indexedAt,
	}

	var events []models.Event
	eventIndex := 0

	blockBuckets := []struct {
		source string
		events []cometbft.Event
	}{
		{models.SourceBeginBlock, resultsDoc.BeginBlockEvents},
		{models.SourceEndBlock, resultsDoc.EndBlockEvents},
		{models.SourceFinalizeBlock, resultsDoc.FinalizeBlockEvents},
	}
	for _, bucket := range blockBuckets {
		for _, ev := range NormalizeEvents(bucket.events) {
			attrsJSON, err := json.Marshal(ev.Attributes)
			if err != nil {
				return models.Block{}, nil, nil, fmt.Errorf("encode %s event at %d: %w", bucket.source, height, err)
			}
			events = append(events, models.Event{
				Height:         height,
				Source:         bucket.source,
				EventIndex:     eventIndex,
				EventType:      ev.Type,
				AttributesJSON: string(attrsJSON),
			})
			eventIndex++
		}
	}

	txs := make([]models.Tx, 0, len(blockDoc.Txs))
	for i, txB64 := range blockDoc.Txs {
		hash := TxHashHex(txB64)

		// tx_count follows data.txs even if txs_results is shorter; a missing
		// result leaves code/gas/log null.
		var result cometbft.TxResult
		if i < len(resultsDoc.TxsResults) {
			result = resultsDoc.TxsResults[i]
		}

		normEvents := NormalizeEvents(result.Events)
		eventsJSON, err := json.Marshal(normEvents)
		if err != nil {
			return models.Block{}, nil, nil, fmt.Errorf("encode tx events at %d: %w", height, err)
		}

		txs = append(txs, models.Tx{
			Hash:       hash,
			Height:     height,
			TxIndex:    i,
			Code:       int64Ptr(result.Code),
			GasWanted:  int64Ptr(result.GasWanted),
			GasUsed:    int64Ptr(result.GasUsed),
			TxB64:      txB64,
			RawLog:     result.Log,
			EventsJSON: string(eventsJSON),
			IndexedAt:  indexedAt,
		})

		txHash := hash
		for _, ev := range normEvents {
			attrsJSON, err := json.Marshal(ev.Attributes)
			if err != nil {
				return models.Block{}, nil, nil, fmt.Errorf("encode tx event at %d: %w", height, err)
			}
			events = append(events, models.Event{
				Height:         height,
				TxHash:         &txHash,
				Source:         models.SourceTx,
				EventIndex:     eventIndex,
				EventType:      ev.Type,
				AttributesJSON: string(attrsJSON),
			})
			eventIndex++
		}
	}

	return block, txs, events, nil
}

func int64Ptr(v *cometbft.Int64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
