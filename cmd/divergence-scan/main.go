package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/storesync"
	"github.com/mmdatafocus/marketplace_backend/utils"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	pageSize := flag.Int("page-size", 200, "Orders per scan page")
	asJSON := flag.Bool("json", false, "Print the summary as JSON")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if err := config.ConnectMirrorStores(); err != nil {
		fmt.Fprintf(os.Stderr, "mirror stores: %v\n", err)
		os.Exit(1)
	}
	if len(config.MirrorNames()) == 0 {
		fmt.Fprintln(os.Stderr, "no mirror stores configured (MIRROR_STORES is empty)")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	summary, err := storesync.DivergenceScan(ctx, db, logger, *businessID, *pageSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "divergence scan failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		out, _ := json.Marshal(summary)
		fmt.Println(string(out))
	} else {
		fmt.Printf("scan complete business=%s mirrors=%s scanned=%d divergent=%d ambiguous=%d errors=%d duration=%s\n",
			*businessID, strings.Join(summary.MirrorsChecked, ","), summary.OrdersScanned,
			summary.Divergent, summary.Ambiguous, summary.ErrorCount,
			summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))
	}

	// Non-zero exit when anything diverged so cron alerting can key off it.
	if summary.Divergent > 0 || summary.Ambiguous > 0 {
		os.Exit(2)
	}
	if summary.ErrorCount > 0 {
		os.Exit(1)
	}
}
