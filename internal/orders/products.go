package orders

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool and pgx.Tx used by the repositories.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DBPool is a Querier that can open transactions. *pgxpool.Pool and
// pgxmock pools satisfy it.
type DBPool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProductRepo is the product store. Stock changes are single conditional
// UPDATEs so concurrent writers serialize on the row lock.
type ProductRepo struct{ DB Querier }

const productColumns = `id, name, images, price_cents, discount_price_cents, stock, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	if err := row.Scan(&p.ID, &p.Name, &p.Images, &p.PriceCents, &p.DiscountPriceCents, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProductRepo) Get(ctx context.Context, id string) (*Product, error) {
	return getProduct(ctx, r.DB, id)
}

func (r *ProductRepo) List(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	out := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *ProductRepo) DecrementStock(ctx context.Context, id string, qty int) error {
	return decrementStock(ctx, r.DB, id, "", qty)
}

func (r *ProductRepo) IncrementStock(ctx context.Context, id string, qty int) error {
	ok, err := incrementStock(ctx, r.DB, id, qty)
	if err != nil {
		return err
	}
	if !ok {
		return errProductNotFound(id)
	}
	return nil
}

func getProduct(ctx context.Context, q Querier, id string) (*Product, error) {
	p, err := scanProduct(q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errProductNotFound(id)
		}
		return nil, fmt.Errorf("select product %s: %w", id, err)
	}
	return p, nil
}

// decrementStock takes qty off the product only when enough stock is left.
// name is used for the error message; when empty the product is looked up
// to tell a missing product from a short one.
func decrementStock(ctx context.Context, q Querier, id, name string, qty int) error {
	ct, err := q.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, id, qty)
	if err != nil {
		return fmt.Errorf("decrement stock %s: %w", id, err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if name == "" {
		p, err := getProduct(ctx, q, id)
		if err != nil {
			return err
		}
		name = p.Name
	}
	return errInsufficientStock(name)
}

// incrementStock reports false when the product no longer exists.
func incrementStock(ctx context.Context, q Querier, id string, qty int) (bool, error) {
	ct, err := q.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`, id, qty)
	if err != nil {
		return false, fmt.Errorf("increment stock %s: %w", id, err)
	}
	return ct.RowsAffected() == 1, nil
}
