package wpastate

import (
	"fmt"
	"strconv"
	"strings"
)

// BSS is the per-access-point record keyed by canonical lowercase
// BSSID (spec.md §3).
type BSS struct {
	BSSID string
	SSID  string
	FreqHz int // raw frequency in MHz as reported by wpa_supplicant
	Level  int
	Flags  Flags
}

// FreqString renders the frequency as "<f>G" with 3-decimal kHz
// precision (spec.md 4.H), e.g. 2437 MHz -> "2.437G".
func (b BSS) FreqString() string {
	return fmt.Sprintf("%.3fG", float64(b.FreqHz)/1000)
}

// bssTable owns the BSS set for one device, with full-reconciliation
// semantics on SCAN_RESULTS (spec.md §3 lifecycle, testable property 3).
type bssTable struct {
	byBSSID map[string]*BSS
}

func newBSSTable() *bssTable {
	return &bssTable{byBSSID: make(map[string]*BSS)}
}

func canonicalBSSID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// upsert inserts or updates a BSS record from a `BSS <bssid>` response.
func (t *bssTable) upsert(bssid string, mutate func(*BSS)) *BSS {
	key := canonicalBSSID(bssid)
	b, ok := t.byBSSID[key]
	if !ok {
		b = &BSS{BSSID: key}
		t.byBSSID[key] = b
	}
	mutate(b)
	return b
}

// markAllAbsent clears the "present" marker ahead of a SCAN_RESULTS
// reconciliation pass.
func (t *bssTable) markAllAbsent() {
	for _, b := range t.byBSSID {
		b.Flags &^= FlagPresent
	}
}

// markPresent flags bssid present during SCAN_RESULTS reconciliation,
// inserting a bare record if it wasn't already known (the full BSS
// detail arrives via a later `BSS <bssid>` query in typical flows, but
// the key must exist so the reconciliation accounting is correct).
func (t *bssTable) markPresent(bssid string) {
	key := canonicalBSSID(bssid)
	b, ok := t.byBSSID[key]
	if !ok {
		b = &BSS{BSSID: key}
		t.byBSSID[key] = b
	}
	b.Flags |= FlagPresent
}

// sweepAbsent removes every record not marked present, returning their
// BSSIDs so the caller can clear their published topics.
func (t *bssTable) sweepAbsent() []string {
	var removed []string
	for key, b := range t.byBSSID {
		if b.Flags&FlagPresent == 0 {
			removed = append(removed, key)
			delete(t.byBSSID, key)
		}
	}
	return removed
}

func (t *bssTable) remove(bssid string) {
	delete(t.byBSSID, canonicalBSSID(bssid))
}

func (t *bssTable) get(bssid string) (*BSS, bool) {
	b, ok := t.byBSSID[canonicalBSSID(bssid)]
	return b, ok
}

func (t *bssTable) bssids() []string {
	out := make([]string, 0, len(t.byBSSID))
	for k := range t.byBSSID {
		out = append(out, k)
	}
	return out
}

// parseBSSIDSetFromScanResults extracts the bssid column from a
// SCAN_RESULTS response body (spec.md 4.H).
func parseBSSIDSetFromScanResults(lines []string) []string {
	if len(lines) == 0 {
		return nil
	}
	header := strings.Split(lines[0], " / ")
	bssidCol := -1
	for i, col := range header {
		if col == "bssid" {
			bssidCol = i
		}
	}
	if bssidCol == -1 {
		return nil
	}
	var out []string
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if bssidCol < len(fields) {
			out = append(out, fields[bssidCol])
		}
	}
	return out
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}
