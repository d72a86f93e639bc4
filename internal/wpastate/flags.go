package wpastate

import "strings"

// Flags is the explicit bit-flag set for a BSS/Network record replacing
// spec.md §9's "ad-hoc flag masks" redesign point: a named constructor
// per bit and a total serialization function.
type Flags uint8

const (
	FlagWPA Flags = 1 << iota
	FlagWEP
	FlagEAP
	FlagKnown
	FlagDisabled
	FlagPresent
)

// ParseBSSFlags derives WPA/WEP/EAP bits from a wpa_supplicant BSS
// flags string such as "[WPA2-PSK-CCMP][ESS]" (spec.md 4.H).
func ParseBSSFlags(raw string) Flags {
	var f Flags
	if strings.Contains(raw, "WPA") {
		f |= FlagWPA
	}
	if strings.Contains(raw, "WEP") {
		f |= FlagWEP
	}
	if strings.Contains(raw, "EAP") {
		f |= FlagEAP
	}
	return f
}

// String renders the flag set as the 5-character string spec.md 4.H's
// BSS flags topic expects: WPA, WEP, EAP, Known, Disabled, each
// position either its letter or '-'.
func (f Flags) String() string {
	var b [5]byte
	b[0] = pick(f&FlagWPA != 0, 'w')
	b[1] = pick(f&FlagWEP != 0, 'W')
	b[2] = pick(f&FlagEAP != 0, 'e')
	b[3] = pick(f&FlagKnown != 0, 'k')
	b[4] = pick(f&FlagDisabled != 0, 'd')
	return string(b[:])
}

func pick(set bool, ch byte) byte {
	if set {
		return ch
	}
	return '-'
}
