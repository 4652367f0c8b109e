package storage

import "github.com/rl1809/allocation/internal/core/domain"

// eventCollector keeps the products of committed scopes so their pending
// messages can be drained after the fact.
type eventCollector struct {
	seen []*domain.Product
}

func (c *eventCollector) retain(products []*domain.Product) {
	for _, p := range products {
		known := false
		for _, s := range c.seen {
			if s == p {
				known = true
				break
			}
		}
		if !known {
			c.seen = append(c.seen, p)
		}
	}
}

func (c *eventCollector) CollectNewEvents() []domain.Message {
	var messages []domain.Message
	for _, p := range c.seen {
		messages = append(messages, p.DrainEvents()...)
	}
	return messages
}

// identityMap hands out one instance per SKU within a scope and remembers
// the order products were first seen in.
type identityMap struct {
	bySku map[string]*domain.Product
	order []*domain.Product
}

func newIdentityMap() *identityMap {
	return &identityMap{bySku: make(map[string]*domain.Product)}
}

func (m *identityMap) get(sku string) (*domain.Product, bool) {
	p, ok := m.bySku[sku]
	return p, ok
}

func (m *identityMap) put(p *domain.Product) {
	if _, ok := m.bySku[p.SKU]; ok {
		return
	}
	m.bySku[p.SKU] = p
	m.order = append(m.order, p)
}

func (m *identityMap) batchOwner(ref string) *domain.Product {
	for _, p := range m.order {
		if _, ok := p.Batch(ref); ok {
			return p
		}
	}
	return nil
}

func (m *identityMap) seen() []*domain.Product {
	out := make([]*domain.Product, len(m.order))
	copy(out, m.order)
	return out
}
