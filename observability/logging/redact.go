package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

type fieldPolicy uint8

const (
	// Unknown keys are masked.
	policyMask fieldPolicy = iota
	policyClear
)

// fieldPolicies lists the log keys the node emits and whether their values may
// appear in clear. Peer addresses, node identifiers and seed hosts identify
// operators and stay masked.
var fieldPolicies = map[string]fieldPolicy{
	// record envelope
	"service":   policyClear,
	"env":       policyClear,
	"message":   policyClear,
	"severity":  policyClear,
	"timestamp": policyClear,
	"component": policyClear,

	// outcomes
	"error":    policyClear,
	"reason":   policyClear,
	"decision": policyClear,
	"type":     policyClear,

	// chain position
	"network":          policyClear,
	"protocol_version": policyClear,
	"height":           policyClear,
	"claimed_height":   policyClear,
	"ancestor":         policyClear,
	"branch_tip":       policyClear,
	"range":            policyClear,
	"hash":             policyClear,

	// peer bookkeeping
	"session":    policyClear,
	"direction":  policyClear,
	"penalty":    policyClear,
	"reputation": policyClear,
	"retry_in":   policyClear,

	"peer_address":   policyMask,
	"listen_address": policyMask,
	"node_id":        policyMask,
	"seed":           policyMask,
}

func policyFor(key string) fieldPolicy {
	return fieldPolicies[strings.ToLower(strings.TrimSpace(key))]
}

// IsAllowlisted reports whether values logged under key are emitted in clear.
func IsAllowlisted(key string) bool {
	return policyFor(key) == policyClear
}

// RedactionAllowlist returns the sorted keys whose values are emitted in clear.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(fieldPolicies))
	for key, policy := range fieldPolicies {
		if policy == policyClear {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns RedactedValue for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskAddresses logs how many addresses a list holds without revealing them.
func MaskAddresses(key string, addrs []string) slog.Attr {
	return slog.Group(key, slog.Int("count", len(addrs)), slog.String("values", MaskValue(strings.Join(addrs, ","))))
}

// MaskField logs value under key, masked unless the key is allowlisted. Key
// casing is kept.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
