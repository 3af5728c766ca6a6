package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
)

// RedisCampaignViewRepository stores each view as a JSON value, with a
// sorted set ordering campaigns by creation time and one set per status.
//
//	<prefix>:view:<id>      JSON CampaignView
//	<prefix>:index          ZSET id -> created_at nanos
//	<prefix>:status:<name>  SET of ids
type RedisCampaignViewRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCampaignViewRepository(client redis.UniversalClient, prefix string) *RedisCampaignViewRepository {
	if prefix == "" {
		prefix = "campaigns"
	}
	return &RedisCampaignViewRepository{client: client, prefix: prefix}
}

func (r *RedisCampaignViewRepository) viewKey(id string) string {
	return fmt.Sprintf("%s:view:%s", r.prefix, id)
}

func (r *RedisCampaignViewRepository) indexKey() string {
	return r.prefix + ":index"
}

func (r *RedisCampaignViewRepository) statusKey(s model.CampaignStatus) string {
	return fmt.Sprintf("%s:status:%s", r.prefix, s)
}

func (r *RedisCampaignViewRepository) Get(ctx context.Context, id string) (model.CampaignView, error) {
	data, err := r.client.Get(ctx, r.viewKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.CampaignView{}, appErrors.NewCampaignNotFound(id)
		}
		return model.CampaignView{}, appErrors.NewStorageUnavailable("get campaign view", err)
	}
	var v model.CampaignView
	if err := json.Unmarshal(data, &v); err != nil {
		return model.CampaignView{}, fmt.Errorf("decode campaign view %s: %w", id, err)
	}
	return v, nil
}

func (r *RedisCampaignViewRepository) List(ctx context.Context, filter model.ViewFilter) ([]model.CampaignView, int, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, appErrors.NewStorageUnavailable("list campaign views", err)
	}
	if len(ids) == 0 {
		return []model.CampaignView{}, 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.viewKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, appErrors.NewStorageUnavailable("list campaign views", err)
	}

	matched := make([]model.CampaignView, 0, len(values))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var v model.CampaignView
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, 0, fmt.Errorf("decode campaign view %s: %w", ids[i], err)
		}
		if filter.Matches(v) {
			matched = append(matched, v)
		}
	}
	sortViews(matched)
	return page(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (r *RedisCampaignViewRepository) Counts(ctx context.Context) (model.StatusCounts, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[model.CampaignStatus]*redis.IntCmd, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		cmds[s] = pipe.SCard(ctx, r.statusKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, appErrors.NewStorageUnavailable("count campaign statuses", err)
	}
	counts := make(model.StatusCounts)
	for s, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			counts[s] = int(n)
		}
	}
	return counts, nil
}

func (r *RedisCampaignViewRepository) Upsert(ctx context.Context, v model.CampaignView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode campaign view %s: %w", v.ID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.viewKey(v.ID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(v.CreatedAt.UnixNano()), Member: v.ID})
		for _, s := range model.AllStatuses {
			if s != v.Status {
				pipe.SRem(ctx, r.statusKey(s), v.ID)
			}
		}
		pipe.SAdd(ctx, r.statusKey(v.Status), v.ID)
		return nil
	})
	if err != nil {
		return appErrors.NewStorageUnavailable("upsert campaign view", err)
	}
	return nil
}

func (r *RedisCampaignViewRepository) Reset(ctx context.Context) error {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return appErrors.NewStorageUnavailable("reset campaign views", err)
	}
	keys := []string{r.indexKey()}
	for _, s := range model.AllStatuses {
		keys = append(keys, r.statusKey(s))
	}
	for _, id := range ids {
		keys = append(keys, r.viewKey(id))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return appErrors.NewStorageUnavailable("reset campaign views", err)
	}
	return nil
}

var _ CampaignViewRepositoryInterface = (*RedisCampaignViewRepository)(nil)
