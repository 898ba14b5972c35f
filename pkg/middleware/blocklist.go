// Package middleware holds the HTTP guards of the execution endpoints.
package middleware

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"

	"nre/pkg/logger"
)

// BlockList rejects clients by address or network prefix.
type BlockList struct {
	mu       sync.RWMutex
	addrs    map[netip.Addr]bool
	prefixes []netip.Prefix
	log      *slog.Logger
}

func NewBlockList(log *slog.Logger) *BlockList {
	return &BlockList{addrs: make(map[netip.Addr]bool), log: logger.Or(log)}
}

// Add blocks an address ("10.0.0.1") or a prefix ("10.0.0.0/8").
func (b *BlockList) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("blocklist: %w", err)
		}
		b.prefixes = append(b.prefixes, p.Masked())
		return nil
	}
	a, err := netip.ParseAddr(entry)
	if err != nil {
		return fmt.Errorf("blocklist: %w", err)
	}
	b.addrs[a.Unmap()] = true
	return nil
}

// Remove unblocks an address added with Add.
func (b *BlockList) Remove(addr string) {
	a, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return
	}
	b.mu.Lock()
	delete(b.addrs, a.Unmap())
	b.mu.Unlock()
}

// LoadFile adds one entry per line. Blank lines and lines starting with #
// are skipped.
func (b *BlockList) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		entry := strings.TrimSpace(sc.Text())
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		if err := b.Add(entry); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
	}
	return sc.Err()
}

func (b *BlockList) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.addrs) + len(b.prefixes)
}

// Blocked reports whether addr, with or without a port, is blocked.
// Unparsable addresses are never blocked.
func (b *BlockList) Blocked(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	a = a.Unmap()
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.addrs[a] {
		return true
	}
	for _, p := range b.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Handler answers 403 for blocked remote addresses. Proxy headers are not
// trusted; put chi's RealIP in front when running behind one.
func (b *BlockList) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Blocked(r.RemoteAddr) {
			b.log.Warn("request blocked", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"success":false,"error":"access denied"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
