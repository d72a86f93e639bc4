package atstate

import "strconv"

// regStatusNames maps the CREG/CGREG <stat> value to its published
// string (spec.md 4.G "stat values map").
var regStatusNames = map[int]string{
	0: "none",
	1: "registered",
	2: "searching",
	3: "denied",
	4: "unknown",
	5: "roaming",
	6: "sms-only",
	7: "roaming-sms-only",
	8: "emergency",
}

// techName maps the CREG/CGREG/COPS <AcT> value to its published
// network-technology string (spec.md 4.G "Technology map"). simcomQuirk
// selects the SIMCOM-specific override for code 8.
func techName(nt int, simcomQuirk bool) (string, bool) {
	switch nt {
	case 0:
		return "gprs", true
	case 1:
		return "gprs-c", true
	case 2:
		return "3g", true
	case 3:
		return "edge", true
	case 4, 5, 6:
		return "3g", true
	case 7:
		return "4g", true
	case 8:
		if simcomQuirk {
			return "cdma", true
		}
		return "gprs", true
	case 9, 10:
		return "4g", true
	case 11:
		return "5g", true
	case 12:
		return "eps", true
	case 13, 14:
		return "5g", true
	}
	return "", false
}

// berBuckets maps the CSQ <ber> index to its published percentage
// range string (spec.md 4.G "BER buckets"); any other value is absent.
var berBuckets = map[int]string{
	0: "<0.01%",
	1: "0.01% -- 0.1%",
	2: "0.1% -- 0.5%",
	3: "0.5% -- 1%",
	4: "1% -- 2%",
	5: "2% -- 4%",
	6: "4% -- 8%",
}

// rssiDBm converts the CSQ <rssi> index to dBm, or reports absent for
// the "unknown" sentinel 99.
func rssiDBm(rssi int) (string, bool) {
	if rssi == 99 {
		return "", false
	}
	return strconv.Itoa(-113 + 2*rssi), true
}

// hexToDecimal decodes a quoted hex value (e.g. `"ABCD"`) to its
// decimal string form, defaulting to absent on malformed input per
// spec.md 9's "checked numeric conversion" redesign note.
func hexToDecimal(s string) (string, bool) {
	s = unquote(s)
	if s == "" {
		return "", false
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatInt(n, 10), true
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
