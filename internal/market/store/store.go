// Package store implements the relational persistence layer of the market:
// products, outstanding price intents and committed transactions, including
// the atomic trade commit the settlement layer depends on.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clustermesh/capmarket/pkg/models"
)

const productCacheTTL = 5 * time.Minute

// Store is the GORM-backed market store with an optional redis read-through
// cache for product lookups.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  *redis.Client
}

// New creates a store and migrates its tables. redisAddr is optional; when
// the address is empty or unreachable the store runs without a cache.
func New(db *gorm.DB, logger *zap.Logger, redisAddr string) (*Store, error) {
	if err := db.AutoMigrate(&Product{}, &Price{}, &Transaction{}); err != nil {
		return nil, fmt.Errorf("failed to migrate market tables: %w", err)
	}

	var cache *redis.Client
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available, proceeding without product cache", zap.Error(err))
		} else {
			cache = rdb
			logger.Info("redis product cache initialized")
		}
	}

	return &Store{db: db, logger: logger, cache: cache}, nil
}

// Committed is the result of a trade commit: the persisted transaction plus
// both sides' webhook specs, captured before exhausted intents are removed.
type Committed struct {
	Spec        models.TransactionSpec
	PubFunction models.WebhookSpec
	SubFunction models.WebhookSpec
}

// InsertProduct finds or creates a product by its problem digest and returns
// its id. The digest is over the raw problem bytes, so equality is syntactic.
func (s *Store) InsertProduct(ctx context.Context, problem json.RawMessage) (uuid.UUID, error) {
	digest := problemDigest(problem)

	var existing Product
	err := s.db.WithContext(ctx).Where("problem_digest = ?", digest).First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, err
	}

	row := Product{
		ID:            uuid.New(),
		Problem:       string(problem),
		ProblemDigest: digest,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, err
	}
	return row.ID, nil
}

// GetProduct loads a product, consulting the cache first. A missing product
// is (nil, nil).
func (s *Store) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	if cached := s.cachedProduct(ctx, id); cached != nil {
		return cached, nil
	}

	var row Product
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	product := row.toModel()
	s.cacheProduct(ctx, product)
	return &product, nil
}

// ListProductIDs returns one page of product ids in id order.
func (s *Store) ListProductIDs(ctx context.Context, page models.Page) ([]uuid.UUID, error) {
	page = page.Normalize()
	var ids []uuid.UUID
	dsl := s.db.WithContext(ctx).Model(&Product{}).Order("id").Limit(page.Limit)
	if page.Start != nil {
		dsl = dsl.Where("id > ?", *page.Start)
	}
	if err := dsl.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// RemoveProduct deletes a product and its outstanding intents.
func (s *Store) RemoveProduct(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", id).Delete(&Price{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Product{}, "id = ?", id).Error
	})
	if err != nil {
		return err
	}
	s.invalidateProduct(ctx, id)
	return nil
}

// InsertPub registers a supply-side intent and returns its id.
func (s *Store) InsertPub(ctx context.Context, productID uuid.UUID, spec models.PubSpec) (uuid.UUID, error) {
	return s.insertPrice(ctx, productID, models.DirectionPub, spec.Cost, spec.Count, spec.Function)
}

// InsertSub registers a demand-side intent and returns its id.
func (s *Store) InsertSub(ctx context.Context, productID uuid.UUID, spec models.SubSpec) (uuid.UUID, error) {
	return s.insertPrice(ctx, productID, models.DirectionSub, spec.Cost, spec.Count, spec.Function)
}

func (s *Store) insertPrice(ctx context.Context, productID uuid.UUID, direction models.Direction, cost int64, count uint64, function models.WebhookSpec) (uuid.UUID, error) {
	if !direction.Valid() {
		return uuid.Nil, fmt.Errorf("invalid direction %q", direction)
	}

	var exists int64
	if err := s.db.WithContext(ctx).Model(&Product{}).Where("id = ?", productID).Count(&exists).Error; err != nil {
		return uuid.Nil, err
	}
	if exists == 0 {
		return uuid.Nil, fmt.Errorf("unknown product %s", productID)
	}

	spec, err := json.Marshal(function)
	if err != nil {
		return uuid.Nil, err
	}
	row := Price{
		ID:        uuid.New(),
		ProductID: productID,
		Direction: string(direction),
		Cost:      cost,
		Count:     count,
		Spec:      string(spec),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, err
	}
	return row.ID, nil
}

// GetPub loads a supply-side intent of one product. Missing is (nil, nil).
func (s *Store) GetPub(ctx context.Context, productID, id uuid.UUID) (*models.PubSpec, error) {
	row, err := s.getPrice(ctx, productID, id, models.DirectionPub)
	if err != nil || row == nil {
		return nil, err
	}
	function, err := decodeFunction(row.Spec)
	if err != nil {
		return nil, err
	}
	return &models.PubSpec{Cost: row.Cost, Count: row.Count, Function: function}, nil
}

// GetSub loads a demand-side intent of one product. Missing is (nil, nil).
func (s *Store) GetSub(ctx context.Context, productID, id uuid.UUID) (*models.SubSpec, error) {
	row, err := s.getPrice(ctx, productID, id, models.DirectionSub)
	if err != nil || row == nil {
		return nil, err
	}
	function, err := decodeFunction(row.Spec)
	if err != nil {
		return nil, err
	}
	return &models.SubSpec{Cost: row.Cost, Count: row.Count, Function: function}, nil
}

func (s *Store) getPrice(ctx context.Context, productID, id uuid.UUID, direction models.Direction) (*Price, error) {
	var row Price
	err := s.db.WithContext(ctx).
		First(&row, "id = ? AND product_id = ? AND direction = ?", id, productID, string(direction)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// RemovePub withdraws a supply-side intent of one product.
func (s *Store) RemovePub(ctx context.Context, productID, id uuid.UUID) error {
	return s.removePrice(ctx, productID, id, models.DirectionPub)
}

// RemoveSub withdraws a demand-side intent of one product.
func (s *Store) RemoveSub(ctx context.Context, productID, id uuid.UUID) error {
	return s.removePrice(ctx, productID, id, models.DirectionSub)
}

func (s *Store) removePrice(ctx context.Context, productID, id uuid.UUID, direction models.Direction) error {
	return s.db.WithContext(ctx).
		Delete(&Price{}, "id = ? AND product_id = ? AND direction = ?", id, productID, string(direction)).Error
}

// ListPriceHistogram returns one page of a product's outstanding intents in
// id order.
func (s *Store) ListPriceHistogram(ctx context.Context, productID uuid.UUID, page models.Page) (models.PriceHistogram, error) {
	page = page.Normalize()
	var rows []Price
	dsl := s.db.WithContext(ctx).Where("product_id = ?", productID).Order("id").Limit(page.Limit)
	if page.Start != nil {
		dsl = dsl.Where("id > ?", *page.Start)
	}
	if err := dsl.Find(&rows).Error; err != nil {
		return nil, err
	}

	histogram := make(models.PriceHistogram, 0, len(rows))
	for _, row := range rows {
		histogram = append(histogram, row.toItem())
	}
	return histogram, nil
}

// GetTransaction loads a committed transaction. Missing is (nil, nil).
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*models.TransactionSpec, error) {
	var row Transaction
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	spec := row.toSpec()
	return &spec, nil
}

// ListTransactionIDs returns one page of transaction ids in id order.
func (s *Store) ListTransactionIDs(ctx context.Context, page models.Page) ([]uuid.UUID, error) {
	page = page.Normalize()
	var ids []uuid.UUID
	dsl := s.db.WithContext(ctx).Model(&Transaction{}).Order("id").Limit(page.Limit)
	if page.Start != nil {
		dsl = dsl.Where("id > ?", *page.Start)
	}
	if err := dsl.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// Trade atomically commits a trade template: it re-checks both sides'
// remaining inventory, withdraws the traded quantity, and records the
// transaction with both task sides Running. Commit is the point of no
// return; later callback failures never touch the committed template.
func (s *Store) Trade(ctx context.Context, productID uuid.UUID, template models.TransactionTemplate) (*Committed, error) {
	if template.Count == 0 {
		return nil, models.ErrEmptyCount
	}

	var committed Committed
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pubFn, err := withdraw(tx, productID, template.PubID, models.DirectionPub, template.Count, models.ErrOutOfPub)
		if err != nil {
			return err
		}
		subFn, err := withdraw(tx, productID, template.SubID, models.DirectionSub, template.Count, models.ErrOutOfSub)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		row := Transaction{
			ID:           uuid.New(),
			ProductID:    productID,
			PubID:        template.PubID,
			SubID:        template.SubID,
			Cost:         template.Cost,
			Count:        template.Count,
			CreatedAt:    now,
			PubState:     string(models.TaskRunning),
			PubTimestamp: now,
			SubState:     string(models.TaskRunning),
			SubTimestamp: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return errors.Join(models.ErrTransactionFailed, err)
		}

		committed = Committed{Spec: row.toSpec(), PubFunction: pubFn, SubFunction: subFn}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &committed, nil
}

// withdraw decrements one side's remaining count inside the commit
// transaction, deleting the intent when it is exhausted. The guarded UPDATE
// makes the inventory re-check atomic without row locks.
func withdraw(tx *gorm.DB, productID, id uuid.UUID, direction models.Direction, count uint64, shortfall error) (models.WebhookSpec, error) {
	var row Price
	err := tx.First(&row, "id = ? AND product_id = ? AND direction = ?", id, productID, string(direction)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.WebhookSpec{}, shortfall
		}
		return models.WebhookSpec{}, err
	}
	function, err := decodeFunction(row.Spec)
	if err != nil {
		return models.WebhookSpec{}, err
	}

	res := tx.Model(&Price{}).
		Where("id = ? AND count >= ?", id, count).
		Update("count", gorm.Expr("count - ?", count))
	if res.Error != nil {
		return models.WebhookSpec{}, res.Error
	}
	if res.RowsAffected == 0 {
		return models.WebhookSpec{}, shortfall
	}

	if err := tx.Delete(&Price{}, "id = ? AND count = 0", id).Error; err != nil {
		return models.WebhookSpec{}, err
	}
	return function, nil
}

// CompleteTask marks one side of a transaction Completed.
func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID, side models.Direction) error {
	return s.setTaskState(ctx, id, side, models.TaskCompleted)
}

// FailTask marks one side of a transaction Failed.
func (s *Store) FailTask(ctx context.Context, id uuid.UUID, side models.Direction) error {
	return s.setTaskState(ctx, id, side, models.TaskFailed)
}

// setTaskState moves a side out of Running exactly once. A second terminal
// transition is rejected, as is any non-terminal target state.
func (s *Store) setTaskState(ctx context.Context, id uuid.UUID, side models.Direction, state models.TaskState) error {
	if !state.Terminal() {
		return fmt.Errorf("task state %q is not terminal: %w", state, models.ErrTransactionFailed)
	}

	stateCol, tsCol := "pub_state", "pub_timestamp"
	if side == models.DirectionSub {
		stateCol, tsCol = "sub_state", "sub_timestamp"
	}

	res := s.db.WithContext(ctx).Model(&Transaction{}).
		Where(fmt.Sprintf("id = ? AND %s = ?", stateCol), id, string(models.TaskRunning)).
		Updates(map[string]any{stateCol: string(state), tsCol: time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transaction %s %s side is not running: %w", id, side, models.ErrTransactionFailed)
	}
	return nil
}

// Close releases the cache connection, if any.
func (s *Store) Close() error {
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

func (s *Store) cachedProduct(ctx context.Context, id uuid.UUID) *models.Product {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, productCacheKey(id)).Bytes()
	if err != nil {
		return nil
	}
	var product models.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil
	}
	return &product
}

func (s *Store) cacheProduct(ctx context.Context, product models.Product) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(product)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, productCacheKey(product.ID), raw, productCacheTTL).Err(); err != nil {
		s.logger.Debug("failed to cache product", zap.Error(err))
	}
}

func (s *Store) invalidateProduct(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, productCacheKey(id)).Err(); err != nil {
		s.logger.Debug("failed to invalidate product cache", zap.Error(err))
	}
}

func productCacheKey(id uuid.UUID) string {
	return "capmarket:product:" + id.String()
}

func problemDigest(problem json.RawMessage) string {
	sum := sha256.Sum256(problem)
	return hex.EncodeToString(sum[:])
}

func decodeFunction(spec string) (models.WebhookSpec, error) {
	var function models.WebhookSpec
	if spec == "" {
		return function, nil
	}
	if err := json.Unmarshal([]byte(spec), &function); err != nil {
		return function, fmt.Errorf("corrupt function spec: %w", err)
	}
	return function, nil
}
