// Package entities defines the business records synchronized by
// stockledger. Amounts are integer minor units (cents).
package entities

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/repository"
)

// Collection names.
const (
	CollectionParts        = "parts"
	CollectionSuppliers    = "suppliers"
	CollectionInvoices     = "invoices"
	CollectionTransactions = "transactions"
)

// Collections returns every collection name.
func Collections() []string {
	return []string{CollectionParts, CollectionSuppliers, CollectionInvoices, CollectionTransactions}
}

// Part is an inventory item.
type Part struct {
	Name         string `json:"name"`
	SKU          string `json:"sku,omitempty"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	ReorderLevel int    `json:"reorder_level,omitempty"`
	SupplierID   string `json:"supplier_id,omitempty"`
}

// Validate checks required fields.
func (p Part) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return apperrors.New(apperrors.ErrInvalid, "part name is required")
	}
	if p.Quantity < 0 || p.UnitPrice < 0 {
		return apperrors.New(apperrors.ErrInvalid, "part quantity and price must not be negative")
	}
	return nil
}

// NeedsReorder reports whether stock is at or below the reorder level.
func (p Part) NeedsReorder() bool {
	return p.ReorderLevel > 0 && p.Quantity <= p.ReorderLevel
}

// Supplier is a vendor parts are bought from.
type Supplier struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

// Validate checks required fields.
func (s Supplier) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return apperrors.New(apperrors.ErrInvalid, "supplier name is required")
	}
	return nil
}

// InvoiceStatus is the payment state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceSent  InvoiceStatus = "sent"
	InvoicePaid  InvoiceStatus = "paid"
	InvoiceVoid  InvoiceStatus = "void"
)

// InvoiceItem is one line of an invoice.
type InvoiceItem struct {
	PartID    string `json:"part_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Invoice is a bill issued to a customer.
type Invoice struct {
	Number       string        `json:"number"`
	CustomerName string        `json:"customer_name"`
	Items        []InvoiceItem `json:"items"`
	Total        int64         `json:"total"`
	Status       InvoiceStatus `json:"status"`
	IssuedAt     int64         `json:"issued_at,omitempty"`
	DueAt        int64         `json:"due_at,omitempty"`
}

// ComputeTotal sums the line items into Total.
func (inv *Invoice) ComputeTotal() int64 {
	var total int64
	for _, item := range inv.Items {
		total += int64(item.Quantity) * item.UnitPrice
	}
	inv.Total = total
	return total
}

// Validate checks required fields and the status.
func (inv Invoice) Validate() error {
	if strings.TrimSpace(inv.Number) == "" {
		return apperrors.New(apperrors.ErrInvalid, "invoice number is required")
	}
	switch inv.Status {
	case InvoiceDraft, InvoiceSent, InvoicePaid, InvoiceVoid:
	case "":
		return apperrors.New(apperrors.ErrInvalid, "invoice status is required")
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown invoice status %q", inv.Status))
	}
	for i, item := range inv.Items {
		if item.Quantity <= 0 {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invoice item %d has no quantity", i))
		}
	}
	return nil
}

// TransactionType is the direction of a cash movement.
type TransactionType string

const (
	TransactionIncome  TransactionType = "income"
	TransactionExpense TransactionType = "expense"
)

// Transaction is a cash movement.
type Transaction struct {
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	OccurredAt  int64           `json:"occurred_at"`
}

// Validate checks the type and amount.
func (t Transaction) Validate() error {
	if t.Type != TransactionIncome && t.Type != TransactionExpense {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown transaction type %q", t.Type))
	}
	if t.Amount <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "transaction amount must be positive")
	}
	return nil
}

// Repositories holds one facade per collection.
type Repositories struct {
	Parts        *repository.Repository[Part]
	Suppliers    *repository.Repository[Supplier]
	Invoices     *repository.Repository[Invoice]
	Transactions *repository.Repository[Transaction]
}

// Open creates the facades of every collection over shared deps.
func Open(ctx context.Context, deps repository.Deps) (*Repositories, error) {
	var (
		r   Repositories
		err error
	)
	if r.Parts, err = repository.New[Part](ctx, CollectionParts, deps); err != nil {
		return nil, err
	}
	if r.Suppliers, err = repository.New[Supplier](ctx, CollectionSuppliers, deps); err != nil {
		return nil, err
	}
	if r.Invoices, err = repository.New[Invoice](ctx, CollectionInvoices, deps); err != nil {
		return nil, err
	}
	if r.Transactions, err = repository.New[Transaction](ctx, CollectionTransactions, deps); err != nil {
		return nil, err
	}
	return &r, nil
}

// Wait waits for background work of every facade.
func (r *Repositories) Wait() {
	r.Parts.Wait()
	r.Suppliers.Wait()
	r.Invoices.Wait()
	r.Transactions.Wait()
}
