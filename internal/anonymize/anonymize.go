// Package anonymize rewrites client identities before they become metric labels.
package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

const (
	ModeNone     = "none"
	ModeHash     = "hash"
	ModeTruncate = "truncate"
)

// IP anonymizes an IP address string based on mode.
// Mode: "none" (return as-is), "hash" (SHA256 hex prefix), "truncate" (IPv4 /24, IPv6 /64).
func IP(ip string, mode string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" || mode == "" || mode == ModeNone {
		return ip
	}
	switch mode {
	case ModeHash:
		return hashIP(ip)
	case ModeTruncate:
		return truncateIP(ip)
	default:
		return ip
	}
}

// Masker applies a mode to pihole_top_sources labels.
type Masker struct {
	mode string
}

// NewMasker returns nil for "none" so callers can skip masking entirely.
func NewMasker(mode string) *Masker {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == ModeNone {
		return nil
	}
	return &Masker{mode: mode}
}

// Mask returns the label pair for a source. Hashing drops the client name,
// since a hostname identifies the device as well as its address does.
// Truncation keeps the name only when it is just the address itself.
func (m *Masker) Mask(address, name string) (string, string) {
	if m == nil {
		return address, name
	}
	masked := IP(address, m.mode)
	switch m.mode {
	case ModeHash:
		return masked, ""
	case ModeTruncate:
		if name == address {
			return masked, masked
		}
		return masked, ""
	}
	return address, name
}

func hashIP(ip string) string {
	h := sha256.Sum256([]byte(ip))
	// First 16 hex chars: stable per client, not reversible.
	return hex.EncodeToString(h[:8])
}

func truncateIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		out := make(net.IP, 4)
		copy(out, v4)
		out[3] = 0
		return out.String()
	}
	if len(parsed) >= 16 {
		out := make(net.IP, 16)
		copy(out, parsed)
		for i := 8; i < 16; i++ {
			out[i] = 0
		}
		return out.String()
	}
	return ip
}
