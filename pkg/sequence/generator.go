package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator issues opaque, unique redemption codes.
type Generator interface {
	NextRedemptionCode(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

type Params struct {
	fx.In

	Redis  *redis.Client
	Config *config.Config
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb:    p.Redis,
		prefix: codePrefix(p.Config),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *RedisGenerator) NextRedemptionCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, g.prefix)
}

// nextDailyCode returns PREFIX-YYMMDD-SEQ plus a random suffix, where SEQ is a
// base36 counter reset every day.
func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now()
	today := now.Format("060102")
	key := rediskey.DailySequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.ExpireAt(ctx, key, endOfDay.Add(time.Hour)).Err()
	}

	encodedSeq := strings.ToUpper(fmt.Sprintf("%04s", strconv.FormatInt(seq, 36)))

	randSuffix, err := randomAlphaNumeric(3)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

// RandomGenerator needs no shared state; uniqueness rests on 10 random characters.
type RandomGenerator struct {
	prefix string
	now    func() time.Time
}

func NewRandomGenerator(prefix string) *RandomGenerator {
	if prefix == "" {
		prefix = "RDM"
	}
	return &RandomGenerator{prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (g *RandomGenerator) NextRedemptionCode(ctx context.Context) (string, error) {
	suffix, err := randomAlphaNumeric(10)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", g.prefix, g.now().Format("060102"), suffix), nil
}

func codePrefix(cfg *config.Config) string {
	if cfg == nil || cfg.Loyalty.RedemptionCodePrefix == "" {
		return "RDM"
	}
	return strings.ToUpper(cfg.Loyalty.RedemptionCodePrefix)
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
