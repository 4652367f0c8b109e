package domain

import "time"

// Message is anything the message bus can dispatch. The set of messages is
// closed: every implementation is either a Command or an Event declared in
// this package, and Name is the stable tag handlers are registered under.
type Message interface {
	Name() string
}

// Command expresses intent. Exactly one handler processes it.
type Command interface {
	Message
	isCommand()
}

// Event records a fact. Any number of handlers may react to it.
type Event interface {
	Message
	isEvent()
}

type CreateBatch struct {
	Ref string     `json:"ref"`
	SKU string     `json:"sku"`
	Qty int        `json:"qty"`
	ETA *time.Time `json:"eta,omitempty"`
}

type Allocate struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type DeAllocate struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type ChangeBatchQuantity struct {
	Ref string `json:"ref"`
	Qty int    `json:"qty"`
}

func (CreateBatch) Name() string         { return "CreateBatch" }
func (Allocate) Name() string            { return "Allocate" }
func (DeAllocate) Name() string          { return "DeAllocate" }
func (ChangeBatchQuantity) Name() string { return "ChangeBatchQuantity" }

func (CreateBatch) isCommand()         {}
func (Allocate) isCommand()            {}
func (DeAllocate) isCommand()          {}
func (ChangeBatchQuantity) isCommand() {}

func (c Allocate) Line() OrderLine   { return OrderLine{OrderID: c.OrderID, SKU: c.SKU, Qty: c.Qty} }
func (c DeAllocate) Line() OrderLine { return OrderLine{OrderID: c.OrderID, SKU: c.SKU, Qty: c.Qty} }

type Allocated struct {
	OrderID  string `json:"orderid"`
	SKU      string `json:"sku"`
	Qty      int    `json:"qty"`
	BatchRef string `json:"batchref"`
}

type Deallocated struct {
	OrderID  string `json:"orderid"`
	SKU      string `json:"sku"`
	Qty      int    `json:"qty"`
	BatchRef string `json:"batchref"`
}

type OutOfStock struct {
	SKU string `json:"sku"`
}

type BatchQuantityChanged struct {
	Ref string `json:"ref"`
	Qty int    `json:"qty"`
}

func (Allocated) Name() string            { return "Allocated" }
func (Deallocated) Name() string          { return "Deallocated" }
func (OutOfStock) Name() string           { return "OutOfStock" }
func (BatchQuantityChanged) Name() string { return "BatchQuantityChanged" }

func (Allocated) isEvent()            {}
func (Deallocated) isEvent()          {}
func (OutOfStock) isEvent()           {}
func (BatchQuantityChanged) isEvent() {}
