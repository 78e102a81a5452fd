package reg

// Bit returns a 32-bit value with bit n set.
func Bit(n uint) uint32 { return 1 << n }

// Bit64 returns a 64-bit value with bit n set.
func Bit64(n uint) uint64 { return 1 << n }

// Mask returns a 32-bit mask covering bits hi..lo inclusive.
func Mask(hi, lo uint) uint32 { return uint32(Mask64(hi, lo)) }

// Mask64 returns a 64-bit mask covering bits hi..lo inclusive.
func Mask64(hi, lo uint) uint64 {
	if hi >= 63 {
		return ^uint64(0) << lo
	}

	return (uint64(1)<<(hi+1) - 1) &^ (uint64(1)<<lo - 1)
}

// Field extracts bits hi..lo of v, shifted down to bit 0.
func Field(v uint32, hi, lo uint) uint32 { return (v & Mask(hi, lo)) >> lo }

// Field64 extracts bits hi..lo of v, shifted down to bit 0.
func Field64(v uint64, hi, lo uint) uint64 { return (v & Mask64(hi, lo)) >> lo }

// Insert64 returns v with bits hi..lo replaced by x.
func Insert64(v uint64, hi, lo uint, x uint64) uint64 {
	m := Mask64(hi, lo)
	return v&^m | x<<lo&m
}
