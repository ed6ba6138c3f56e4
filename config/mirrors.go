package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Mirror stores are physically separate MySQL databases that carry read copies
// of the order collection. The origin store (GetDB) is authoritative;
// the synchronizer pushes whole order documents outward and never merges back.
//
// Env:
//   MIRROR_STORES="reporting=user:pass@tcp(host:3306)/orders_reporting;archive=user:pass@tcp(host2:3306)/orders_archive"

var (
	mirrors   map[string]*gorm.DB
	mirrorsMu sync.Mutex
)

// ConnectMirrorStores opens every configured mirror connection.
// Safe to call more than once; connections are opened lazily on first use too.
func ConnectMirrorStores() error {
	mirrorsMu.Lock()
	defer mirrorsMu.Unlock()
	if mirrors != nil {
		return nil
	}
	parsed, err := parseMirrorEnv(os.Getenv("MIRROR_STORES"))
	if err != nil {
		return err
	}
	opened := make(map[string]*gorm.DB, len(parsed))
	for name, dsn := range parsed {
		conn, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: initLog(), NamingStrategy: initNamingStrategy()})
		if err != nil {
			return fmt.Errorf("mirror %q: %w", name, err)
		}
		if sqlDB, derr := conn.DB(); derr == nil && sqlDB != nil {
			sqlDB.SetMaxOpenConns(intFromEnv("MIRROR_MAX_OPEN_CONNS", 10))
			sqlDB.SetConnMaxLifetime(time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second)
		}
		opened[name] = conn
		log.Printf("connected to mirror store %q", name)
	}
	mirrors = opened
	return nil
}

// GetMirrorStores returns the configured mirror connections keyed by mirror name.
// Empty map when no mirrors are configured.
func GetMirrorStores() map[string]*gorm.DB {
	mirrorsMu.Lock()
	defer mirrorsMu.Unlock()
	if mirrors == nil {
		return map[string]*gorm.DB{}
	}
	return mirrors
}

// MirrorNames returns configured mirror names in stable order.
func MirrorNames() []string {
	ms := GetMirrorStores()
	names := make([]string, 0, len(ms))
	for name := range ms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseMirrorEnv(raw string) (map[string]string, error) {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid MIRROR_STORES entry %q (want name=dsn)", pair)
		}
		name := strings.TrimSpace(pair[:idx])
		dsn := strings.TrimSpace(pair[idx+1:])
		if name == "" || dsn == "" {
			return nil, fmt.Errorf("invalid MIRROR_STORES entry %q (want name=dsn)", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate mirror name %q", name)
		}
		out[name] = dsn
	}
	return out, nil
}
