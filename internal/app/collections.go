package app

import (
	"context"
	"encoding/json"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/repository"
)

// ListParams are the untyped list options shared by the CLI and HTTP API.
type ListParams struct {
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
	Fresh   bool
}

// Collection exposes a typed repository through JSON-shaped values.
type Collection interface {
	Name() string
	List(ctx context.Context, p ListParams) (interface{}, error)
	Get(ctx context.Context, id string, fresh bool) (interface{}, error)
	// Put updates id, creating it when it does not exist. An empty id
	// creates a record with a generated id.
	Put(ctx context.Context, id string, fields json.RawMessage) (interface{}, error)
	Delete(ctx context.Context, id string) error
	IsPending(ctx context.Context, id string) (bool, error)
	Sync(ctx context.Context) (interface{}, error)
}

type typed[F any] struct {
	repo *repository.Repository[F]
}

func (c typed[F]) Name() string { return c.repo.Collection() }

func (c typed[F]) List(ctx context.Context, p ListParams) (interface{}, error) {
	return c.repo.List(ctx, repository.Query[F]{
		OrderBy: p.OrderBy,
		Desc:    p.Desc,
		Limit:   p.Limit,
		Offset:  p.Offset,
		Fresh:   p.Fresh,
	})
}

func (c typed[F]) Get(ctx context.Context, id string, fresh bool) (interface{}, error) {
	var opts []repository.ReadOption
	if fresh {
		opts = append(opts, repository.Fresh())
	}
	return c.repo.GetByID(ctx, id, opts...)
}

func (c typed[F]) Put(ctx context.Context, id string, raw json.RawMessage) (interface{}, error) {
	var fields F
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode "+c.Name()+" fields", err)
	}
	if id == "" {
		return c.repo.Create(ctx, fields)
	}
	rec, err := c.repo.Update(ctx, id, fields)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return c.repo.Create(ctx, fields, repository.WithID(id))
	}
	return rec, err
}

func (c typed[F]) Delete(ctx context.Context, id string) error {
	return c.repo.Delete(ctx, id)
}

func (c typed[F]) IsPending(ctx context.Context, id string) (bool, error) {
	return c.repo.IsPending(ctx, id)
}

func (c typed[F]) Sync(ctx context.Context) (interface{}, error) {
	return c.repo.Sync(ctx)
}
