package call

// ValidTarget reports whether target is a plausible international dial
// string: a leading + followed by 7 to 15 digits and nothing else.
func ValidTarget(target string) bool {
	if len(target) < 1+7 || len(target) > 1+15 {
		return false
	}
	if target[0] != '+' {
		return false
	}
	for i := 1; i < len(target); i++ {
		if target[i] < '0' || target[i] > '9' {
			return false
		}
	}
	return true
}
