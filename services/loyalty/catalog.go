package loyalty

import (
	"context"
	"errors"
	"sync"
	"time"

	"dms-loyalty/pkg/db/option"
	"dms-loyalty/pkg/repository"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

//go:generate mockgen -source=catalog.go -destination=mock_catalog_test.go -package=loyalty

// RewardCatalog resolves reward cost and eligibility. Implementations may be remote.
type RewardCatalog interface {
	GetReward(ctx context.Context, rewardID string) (*Reward, error)
	ListRewards(ctx context.Context, activeOnly bool) ([]*Reward, error)
}

type gormCatalog struct {
	rewards repository.Repository[Reward]
}

func NewGormCatalog(db *gorm.DB) RewardCatalog {
	return &gormCatalog{rewards: repository.ProvideStore[Reward](db)}
}

func (c *gormCatalog) GetReward(ctx context.Context, rewardID string) (*Reward, error) {
	reward, err := c.rewards.FindOne(ctx, &Reward{ID: rewardID})
	if err != nil {
		return nil, err
	}
	if reward == nil {
		return nil, ErrRewardNotFound
	}
	return reward, nil
}

func (c *gormCatalog) ListRewards(ctx context.Context, activeOnly bool) ([]*Reward, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "points_cost", OrderBy: "asc", Allow: map[string]bool{"points_cost": true}}),
	}
	if activeOnly {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "active", Operator: option.EQ, Value: true}))
	}
	return c.rewards.Find(ctx, &Reward{}, opts...)
}

const catalogFetchTimeout = 10 * time.Second

type cachedReward struct {
	reward    *Reward
	fetchedAt time.Time
}

// CachedCatalog keeps rewards for ttl and collapses concurrent lookups.
type CachedCatalog struct {
	next  RewardCatalog
	ttl   time.Duration
	mu    sync.RWMutex
	items map[string]cachedReward
	group singleflight.Group
}

func NewCachedCatalog(next RewardCatalog, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		next:  next,
		ttl:   ttl,
		items: make(map[string]cachedReward),
	}
}

func (c *CachedCatalog) get(rewardID string) (*Reward, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[rewardID]
	if !ok || (c.ttl > 0 && time.Since(v.fetchedAt) > c.ttl) {
		return nil, false
	}
	return v.reward, true
}

func (c *CachedCatalog) GetReward(ctx context.Context, rewardID string) (*Reward, error) {
	if r, ok := c.get(rewardID); ok {
		catalogCacheHits.Inc()
		cp := *r
		return &cp, nil
	}
	catalogCacheMiss.Inc()

	ch := c.group.DoChan(rewardID, func() (any, error) {
		// shared by every waiter, so not bound to the first caller's context
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), catalogFetchTimeout)
		defer cancel()
		r, err := c.next.GetReward(ctx, rewardID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, ErrRewardNotFound
		}
		c.mu.Lock()
		c.items[rewardID] = cachedReward{reward: r, fetchedAt: time.Now()}
		c.mu.Unlock()
		return r, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cp := *res.Val.(*Reward)
		return &cp, nil
	}
}

func (c *CachedCatalog) ListRewards(ctx context.Context, activeOnly bool) ([]*Reward, error) {
	return c.next.ListRewards(ctx, activeOnly)
}

func (c *CachedCatalog) Invalidate(rewardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, rewardID)
}

// lookupReward bounds a catalog call by timeout and classifies its failure.
func lookupReward(ctx context.Context, catalog RewardCatalog, rewardID string, timeout time.Duration) (*Reward, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reward, err := catalog.GetReward(ctx, rewardID)
	switch {
	case err == nil && reward == nil:
		return nil, ErrRewardNotFound
	case err == nil:
		return reward, nil
	case errors.Is(err, ErrRewardNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrRewardNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return nil, ErrCatalogTimeout
	default:
		return nil, errors.Join(ErrCatalogUnavailable, err)
	}
}
