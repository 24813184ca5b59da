package gateway

import (
	"sort"

	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
)

// Registry resolves enabled gateways by webhook path name or by buy type.
type Registry struct {
	byName    map[string]ports.PaymentGateway
	byBuyType map[domain.BuyType]ports.PaymentGateway
}

// NewRegistry indexes gateways. A later gateway with the same name replaces an earlier one.
func NewRegistry(gateways ...ports.PaymentGateway) *Registry {
	r := &Registry{
		byName:    make(map[string]ports.PaymentGateway, len(gateways)),
		byBuyType: make(map[domain.BuyType]ports.PaymentGateway, len(gateways)),
	}
	for _, g := range gateways {
		r.byName[g.Name()] = g
		r.byBuyType[g.BuyType()] = g
	}
	return r
}

func (r *Registry) ByName(name string) (ports.PaymentGateway, bool) {
	g, ok := r.byName[name]
	return g, ok
}

func (r *Registry) ByBuyType(buyType domain.BuyType) (ports.PaymentGateway, bool) {
	g, ok := r.byBuyType[buyType]
	return g, ok
}

// Names lists enabled gateways in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
