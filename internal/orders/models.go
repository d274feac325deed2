package orders

import "time"

type Product struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Images             []string  `json:"images"`
	PriceCents         int64     `json:"priceCents"`
	DiscountPriceCents *int64    `json:"discountPriceCents,omitempty"`
	Stock              int       `json:"stock"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// EffectivePrice is the discount price when one is set, otherwise the list price.
func (p Product) EffectivePrice() int64 {
	if p.DiscountPriceCents != nil && *p.DiscountPriceCents > 0 {
		return *p.DiscountPriceCents
	}
	return p.PriceCents
}

// FirstImage returns the product's first image or "".
func (p Product) FirstImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

type ShippingAddress struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipCode,omitempty"`
	Country string `json:"country,omitempty"`
}

type PaymentResult struct {
	ID           string `json:"id,omitempty"`
	Status       string `json:"status,omitempty"`
	UpdateTime   string `json:"updateTime,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// OrderItem is a snapshot of the product taken when the order was created.
// ProductName/ProductImages carry the live product data on single-order reads
// and stay empty once the product has been deleted.
type OrderItem struct {
	ProductID  string `json:"product"`
	Name       string `json:"name"`
	Image      string `json:"image"`
	PriceCents int64  `json:"priceCents"`
	Quantity   int    `json:"quantity"`

	ProductName   string   `json:"productName,omitempty"`
	ProductImages []string `json:"productImages,omitempty"`
}

type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user"`
	UserName       string          `json:"userName,omitempty"`
	UserEmail      string          `json:"userEmail,omitempty"`
	IdempotencyKey string          `json:"-"`
	Items          []OrderItem     `json:"items"`
	Shipping       ShippingAddress `json:"shippingAddress"`
	PaymentMethod  string          `json:"paymentMethod"`

	ItemsPriceCents    int64 `json:"itemsPriceCents"`
	TaxPriceCents      int64 `json:"taxPriceCents"`
	ShippingPriceCents int64 `json:"shippingPriceCents"`
	TotalPriceCents    int64 `json:"totalPriceCents"`

	Notes  string `json:"notes,omitempty"`
	Status Status `json:"status"` // lihat status.go

	IsPaid        bool           `json:"isPaid"`
	PaidAt        *time.Time     `json:"paidAt,omitempty"`
	PaymentResult *PaymentResult `json:"paymentResult,omitempty"`

	IsDelivered bool       `json:"isDelivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ItemInput is one requested line of a new order.
type ItemInput struct {
	ProductID string `json:"product"`
	Quantity  int    `json:"quantity"`
}

// NewOrder carries a validated create request down to the store.
type NewOrder struct {
	UserID             string
	IdempotencyKey     string
	Items              []ItemInput
	Shipping           ShippingAddress
	PaymentMethod      string
	TaxPriceCents      int64
	ShippingPriceCents int64
	Notes              string
}

type ListFilter struct {
	UserID string // empty = all users
	Status Status // empty = any status
	Page   int
	Limit  int
}

func (f ListFilter) Offset() int { return (f.Page - 1) * f.Limit }

// Page is one page of a listing.
type Page struct {
	Orders      []Order
	Total       int
	TotalPages  int
	CurrentPage int
}

// Actor is the authenticated caller as resolved by the access guard.
type Actor struct {
	UserID string
	Role   string
}

const RoleAdmin = "admin"

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) canAccess(o *Order) bool { return a.IsAdmin() || o.UserID == a.UserID }
