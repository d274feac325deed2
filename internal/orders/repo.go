package orders

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"sort"
	"strings"
	"time"
)

const uniqueViolation = "23505"

// Repo is the Postgres order store. Every multi-row change runs in one
// transaction; stock moves go through the conditional updates in products.go.
type Repo struct{ DB DBPool }

const orderSelect = `
	SELECT o.id, o.user_id, COALESCE(u.name, ''), COALESCE(u.email, ''), COALESCE(o.idempotency_key, ''),
	       o.shipping_address, o.payment_method,
	       o.items_price_cents, o.tax_price_cents, o.shipping_price_cents, o.total_price_cents,
	       o.notes, o.status, o.is_paid, o.paid_at, o.payment_result, o.is_delivered, o.delivered_at,
	       o.created_at, o.updated_at
	FROM orders o
	LEFT JOIN users u ON u.id = o.user_id`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o      Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.UserName, &o.UserEmail, &o.IdempotencyKey,
		&o.Shipping, &o.PaymentMethod,
		&o.ItemsPriceCents, &o.TaxPriceCents, &o.ShippingPriceCents, &o.TotalPriceCents,
		&o.Notes, &status, &o.IsPaid, &o.PaidAt, &o.PaymentResult, &o.IsDelivered, &o.DeliveredAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return &o, nil
}

func (r *Repo) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, orderSelect+` WHERE o.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errOrderNotFound()
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	items, err := r.loadItems(ctx, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (r *Repo) ListOrders(ctx context.Context, f ListFilter) ([]Order, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("o.user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("o.status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM orders o`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, f.Limit, f.Offset())
	rows, err := r.DB.Query(ctx, orderSelect+where+
		fmt.Sprintf(" ORDER BY o.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	out := []Order{}
	ids := []string{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows: %w", err)
	}
	if len(ids) == 0 {
		return out, total, nil
	}

	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, total, nil
}

// loadItems fetches the snapshot lines of the given orders, joined with the
// live product name and images when the product still exists.
func (r *Repo) loadItems(ctx context.Context, orderIDs []string) (map[string][]OrderItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT i.order_id, i.product_id, i.name, i.image, i.price_cents, i.quantity,
		       COALESCE(p.name, ''), COALESCE(p.images, '{}')
		FROM order_items i
		LEFT JOIN products p ON p.id = i.product_id
		WHERE i.order_id = ANY($1)
		ORDER BY i.order_id, i.position`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("select order_items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]OrderItem, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			it      OrderItem
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.Name, &it.Image, &it.PriceCents, &it.Quantity,
			&it.ProductName, &it.ProductImages); err != nil {
			return nil, fmt.Errorf("scan order_item: %w", err)
		}
		out[orderID] = append(out[orderID], it)
	}
	return out, rows.Err()
}

func (r *Repo) findByIdempotencyKey(ctx context.Context, userID, key string) (string, bool, error) {
	var id string
	err := r.DB.QueryRow(ctx, `SELECT id FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	return "", false, fmt.Errorf("select order by idempotency key: %w", err)
}

// CreateOrder reserves stock, inserts the order and clears the cart in one
// transaction. A repeated idempotency key returns the existing order with
// existed=true and reserves nothing.
func (r *Repo) CreateOrder(ctx context.Context, in NewOrder) (*Order, bool, error) {
	if in.IdempotencyKey != "" {
		id, ok, err := r.findByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if ok {
			o, err := r.GetOrder(ctx, id)
			return o, err == nil, err
		}
	}

	o, err := r.createOrderTx(ctx, in)
	if err != nil {
		var pgErr *pgconn.PgError
		if in.IdempotencyKey != "" && errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// kalah race dengan request lain yang pakai key sama; stok sudah di-rollback
			id, ok, ferr := r.findByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
			if ferr == nil && ok {
				o, err := r.GetOrder(ctx, id)
				return o, err == nil, err
			}
		}
		return nil, false, err
	}
	return o, false, nil
}

func (r *Repo) createOrderTx(ctx context.Context, in NewOrder) (*Order, error) {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	o := &Order{
		ID:                 uuid.NewString(),
		UserID:             in.UserID,
		IdempotencyKey:     in.IdempotencyKey,
		Items:              make([]OrderItem, 0, len(in.Items)),
		Shipping:           in.Shipping,
		PaymentMethod:      in.PaymentMethod,
		TaxPriceCents:      in.TaxPriceCents,
		ShippingPriceCents: in.ShippingPriceCents,
		Notes:              in.Notes,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	// 1) validasi semua item (urutan input) sebelum ada mutasi
	names := make(map[string]string, len(in.Items))
	for _, it := range in.Items {
		p, err := getProduct(ctx, tx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if p.Stock < it.Quantity {
			return nil, errInsufficientStock(p.Name)
		}
		price := p.EffectivePrice()
		o.Items = append(o.Items, OrderItem{
			ProductID:  p.ID,
			Name:       p.Name,
			Image:      p.FirstImage(),
			PriceCents: price,
			Quantity:   it.Quantity,
		})
		o.ItemsPriceCents += price * int64(it.Quantity)
		names[p.ID] = p.Name
	}
	o.TotalPriceCents = o.ItemsPriceCents + o.TaxPriceCents + o.ShippingPriceCents

	// 2) reserve: conditional decrement per product, products locked in id order
	lines := make([]ItemInput, len(in.Items))
	copy(lines, in.Items)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	for _, ln := range lines {
		if err := decrementStock(ctx, tx, ln.ProductID, names[ln.ProductID], ln.Quantity); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, idempotency_key, shipping_address, payment_method,
		                   items_price_cents, tax_price_cents, shipping_price_cents, total_price_cents,
		                   notes, status, is_paid, is_delivered, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, false, $12, $12)`,
		o.ID, o.UserID, nullable(in.IdempotencyKey), o.Shipping, o.PaymentMethod,
		o.ItemsPriceCents, o.TaxPriceCents, o.ShippingPriceCents, o.TotalPriceCents,
		o.Notes, string(o.Status), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, position, product_id, name, image, price_cents, quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, i, it.ProductID, it.Name, it.Image, it.PriceCents, it.Quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("insert order_item: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE carts SET items = '[]'::jsonb, total_price_cents = 0, updated_at = now()
		WHERE user_id = $1`, o.UserID); err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return o, nil
}

// UpdateStatus moves the order from -> to. It fails with ErrInvalidState when
// the stored status is no longer from.
func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET status = $3,
		    is_delivered = is_delivered OR $4,
		    delivered_at = CASE WHEN $4 THEN $5 ELSE delivered_at END,
		    updated_at = $5
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), to == StatusDelivered, at)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return newError(ErrInvalidState, "Order status changed concurrently, retry")
	}
	return nil
}

func (r *Repo) MarkPaid(ctx context.Context, id string, res PaymentResult, at time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET is_paid = true, paid_at = $2, payment_result = $3, updated_at = $2
		WHERE id = $1 AND status <> 'cancelled'`, id, at, res)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return newError(ErrInvalidState, "Cannot pay for a cancelled order")
	}
	return nil
}

// CancelOrder flips a pending/processing order to cancelled and puts every
// item back on its product. Products deleted since are skipped. It returns
// the lines that were restored.
func (r *Repo) CancelOrder(ctx context.Context, id string) ([]ItemQty, error) {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// status flip duluan: cancel kedua yang concurrent dapat 0 row dan tidak restore stok lagi
	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, newError(ErrInvalidState, "Cannot cancel order at this stage")
	}

	rows, err := tx.Query(ctx, `SELECT product_id, quantity FROM order_items WHERE order_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return nil, fmt.Errorf("select order_items: %w", err)
	}
	var lines []ItemQty
	for rows.Next() {
		var x ItemQty
		if err := rows.Scan(&x.ProductID, &x.Qty); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order_item: %w", err)
		}
		lines = append(lines, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	restored := make([]ItemQty, 0, len(lines))
	for _, x := range lines {
		ok, err := incrementStock(ctx, tx, x.ProductID, x.Qty)
		if err != nil {
			return nil, err
		}
		if ok {
			restored = append(restored, x)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return restored, nil
}

// DeleteOrder removes the order and its items. Stock is not restored.
func (r *Repo) DeleteOrder(ctx context.Context, id string) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return errOrderNotFound()
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
