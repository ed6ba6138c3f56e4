package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/mmdatafocus/marketplace_backend/models"
)

// NOTE: These tests are intentionally DB-free. The detector and reconciler
// only see the narrow collaborator contracts, so an in-memory store with the
// same version-CAS semantics as ApplyAttributionPatch covers the interesting
// behavior. Full DB integration tests need an environment that can run MySQL.

type fakeCatalog struct {
	mu       sync.Mutex
	products map[int]ProductInfo
	errs     map[int]error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[int]ProductInfo{}, errs: map[int]error{}}
}

func (c *fakeCatalog) GetProduct(_ context.Context, productId int) (ProductInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[productId]; err != nil {
		return ProductInfo{}, false, err
	}
	info, ok := c.products[productId]
	return info, ok, nil
}

func (c *fakeCatalog) set(productId int, ownerId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[productId] = ProductInfo{OwnerId: ownerId, Active: true}
}

func (c *fakeCatalog) remove(productId int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, productId)
}

type fakeDirectory struct {
	mu      sync.Mutex
	sellers map[string]models.SellerStatus
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{sellers: map[string]models.SellerStatus{}}
}

func (d *fakeDirectory) IdentityExists(_ context.Context, sellerId string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, ok := d.sellers[sellerId]
	return ok && status != models.SellerStatusDeleted, nil
}

func (d *fakeDirectory) IsActive(_ context.Context, sellerId string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sellers[sellerId] == models.SellerStatusActive, nil
}

func (d *fakeDirectory) set(sellerId string, status models.SellerStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sellers[sellerId] = status
}

// fakeStore mimics the authoritative collection including the version-CAS
// write path, so conflict and concurrency behavior can be exercised.
type fakeStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	audit  []models.AuditLogEntry

	// applyHook runs inside the lock just before the CAS check; tests use it
	// to inject interleaved writers.
	applyHook func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]*models.Order{}}
}

func (s *fakeStore) put(order *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
}

func (s *fakeStore) Get(_ context.Context, orderId string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderId]
	if !ok {
		return nil, nil
	}
	clone := *order
	clone.Details = append([]models.OrderDetail(nil), order.Details...)
	return &clone, nil
}

func (s *fakeStore) Scan(_ context.Context, businessId, cursor string, pageSize int) ([]models.Order, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.orders))
	for id, order := range s.orders {
		if order.BusinessId == businessId && id > cursor {
			ids = append(ids, id)
		}
	}
	sortStrings(ids)
	var out []models.Order
	for _, id := range ids {
		if len(out) == pageSize {
			break
		}
		order := s.orders[id]
		clone := *order
		clone.Details = append([]models.OrderDetail(nil), order.Details...)
		out = append(out, clone)
	}
	next := ""
	if len(out) == pageSize {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *fakeStore) ApplyAttribution(_ context.Context, patch models.AttributionPatch, entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyHook != nil {
		hook := s.applyHook
		s.applyHook = nil
		hook()
	}
	order, ok := s.orders[patch.OrderId]
	if !ok || order.BusinessId != patch.BusinessId {
		return errors.New("order not found")
	}
	if order.Version != patch.Version {
		return models.ErrVersionConflict
	}
	order.Version++
	for i := range order.Details {
		if order.Details[i].ItemIndex == patch.ItemIndex {
			sellerId := patch.SellerId
			order.Details[i].SellerId = &sellerId
			order.Details[i].AttributionState = patch.State
		}
	}
	if entry != nil {
		s.audit = append(s.audit, *entry)
	}
	return nil
}

func (s *fakeStore) auditEntries() []models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLogEntry(nil), s.audit...)
}

func (s *fakeStore) bumpVersion(orderId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[orderId]; ok {
		order.Version++
	}
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
}

func strPtr(s string) *string { return &s }

func testOrder(id, businessId string, details ...models.OrderDetail) *models.Order {
	return &models.Order{
		ID:            id,
		BusinessId:    businessId,
		BuyerId:       "buyer-1",
		CurrentStatus: models.OrderStatusConfirmed,
		Version:       1,
		Details:       details,
	}
}

func testDetail(itemIndex, productId int, sellerId *string, state models.AttributionState) models.OrderDetail {
	return models.OrderDetail{
		ItemIndex:        itemIndex,
		ProductId:        productId,
		SellerId:         sellerId,
		AttributionState: state,
	}
}
