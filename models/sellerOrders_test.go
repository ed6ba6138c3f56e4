package models

import "testing"

func visibilityDetail(itemIndex int, sellerId *string, state AttributionState) OrderDetail {
	return OrderDetail{
		ItemIndex:        itemIndex,
		ProductId:        10,
		SellerId:         sellerId,
		AttributionState: state,
	}
}

func visibilityOrder(id string, details ...OrderDetail) Order {
	return Order{
		ID:         id,
		BusinessId: "biz",
		Details:    details,
	}
}

func sellerRef(id string) *string { return &id }

func TestOrderVisibleToSeller_RequiresAttributedItem(t *testing.T) {
	cases := []struct {
		name    string
		order   Order
		visible bool
	}{
		{
			name:    "attributed to the seller",
			order:   visibilityOrder("o1", visibilityDetail(0, sellerRef("seller-a"), AttributionStateAttributed)),
			visible: true,
		},
		{
			name: "one matching item among others",
			order: visibilityOrder("o2",
				visibilityDetail(0, sellerRef("seller-b"), AttributionStateAttributed),
				visibilityDetail(1, sellerRef("seller-a"), AttributionStateAttributed),
				visibilityDetail(2, nil, AttributionStateUnset),
			),
			visible: true,
		},
		{
			name:    "attributed to a different seller",
			order:   visibilityOrder("o3", visibilityDetail(0, sellerRef("seller-b"), AttributionStateAttributed)),
			visible: false,
		},
		{
			name:    "only item still unset",
			order:   visibilityOrder("o4", visibilityDetail(0, nil, AttributionStateUnset)),
			visible: false,
		},
		{
			name:    "orphaned onto the asking seller grants nothing",
			order:   visibilityOrder("o5", visibilityDetail(0, sellerRef("seller-a"), AttributionStateOrphaned)),
			visible: false,
		},
		{
			name:    "attributed with nil seller id",
			order:   visibilityOrder("o6", visibilityDetail(0, nil, AttributionStateAttributed)),
			visible: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := OrderVisibleToSeller(&tc.order, "seller-a"); got != tc.visible {
				t.Fatalf("visible = %v, want %v", got, tc.visible)
			}
		})
	}
}

func TestOrderVisibleToSeller_CountsExactlyAttributedOrders(t *testing.T) {
	orders := []Order{
		visibilityOrder("o1", visibilityDetail(0, sellerRef("seller-a"), AttributionStateAttributed)),
		visibilityOrder("o2",
			visibilityDetail(0, sellerRef("seller-b"), AttributionStateAttributed),
			visibilityDetail(1, sellerRef("seller-a"), AttributionStateAttributed),
		),
		visibilityOrder("o3", visibilityDetail(0, sellerRef("seller-b"), AttributionStateAttributed)),
		visibilityOrder("o4", visibilityDetail(0, nil, AttributionStateUnset)),
		visibilityOrder("o5", visibilityDetail(0, sellerRef("seller-a"), AttributionStateOrphaned)),
	}

	count := 0
	for i := range orders {
		if OrderVisibleToSeller(&orders[i], "seller-a") {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("visible orders = %d, want 2", count)
	}
}

func TestOrderVisibleToSeller_EmptyInputs(t *testing.T) {
	if OrderVisibleToSeller(nil, "seller-a") {
		t.Fatal("nil order must not be visible")
	}
	order := visibilityOrder("o1", visibilityDetail(0, sellerRef("seller-a"), AttributionStateAttributed))
	if OrderVisibleToSeller(&order, "") {
		t.Fatal("empty seller id must not see anything")
	}
}
