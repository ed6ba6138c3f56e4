package storesync

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/zeebo/blake3"
)

// AttributionChecksum digests the attribution-bearing content of an order
// document into a stable hex string. Two stores hold the same document iff
// their checksums match. The digest covers the order version, line-item
// count, and per item its index, product, seller snapshot and state;
// it is insensitive to the physical row order of the details.
func AttributionChecksum(version int, details []models.OrderDetail) string {
	lines := make([]string, 0, len(details))
	for _, d := range details {
		sellerId := ""
		if d.SellerId != nil {
			sellerId = *d.SellerId
		}
		lines = append(lines, fmt.Sprintf("%d|%d|%s|%s", d.ItemIndex, d.ProductId, sellerId, d.AttributionState))
	}
	sort.Strings(lines)

	h := blake3.New()
	fmt.Fprintf(h, "v%d|n%d\n", version, len(details))
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
