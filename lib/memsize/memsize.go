// Package memsize provides byte/bit size constants and human-readable
// formatting, used throughout the engine for block sizes and bandwidth
// configuration. Grounded on uber-kraken's utils/memsize package (its test
// file is present in the retrieval pack; this reconstructs the
// implementation those tests pin).
package memsize

import "fmt"

// Byte size constants.
const (
	B  uint64 = 1
	KB        = B * 1024
	MB        = KB * 1024
	GB        = MB * 1024
	TB        = GB * 1024
)

// Bit size constants.
const (
	bit  uint64 = 1
	Kbit        = bit * 1024
	Mbit        = Kbit * 1024
	Gbit        = Mbit * 1024
	Tbit        = Gbit * 1024
)

// Format renders bytes as a human-readable string with a B/KB/MB/GB/TB unit.
func Format(bytes uint64) string {
	return format(bytes, "B", KB, MB, GB, TB)
}

// BitFormat renders bits as a human-readable string with a bit/Kbit/Mbit/
// Gbit/Tbit unit.
func BitFormat(bits uint64) string {
	return format(bits, "bit", Kbit, Mbit, Gbit, Tbit)
}

func format(v uint64, unit0 string, u1, u2, u3, u4 uint64) string {
	switch {
	case v == 0:
		return fmt.Sprintf("0%s", unit0)
	case v >= u4:
		return fmt.Sprintf("%.2fT%s", float64(v)/float64(u4), unit0)
	case v >= u3:
		return fmt.Sprintf("%.2fG%s", float64(v)/float64(u3), unit0)
	case v >= u2:
		return fmt.Sprintf("%.2fM%s", float64(v)/float64(u2), unit0)
	case v >= u1:
		return fmt.Sprintf("%.2fK%s", float64(v)/float64(u1), unit0)
	default:
		return fmt.Sprintf("%.2f%s", float64(v), unit0)
	}
}
