package channels

import "strings"

const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Geohash encodes (lat, lng) as a standard base-32 geohash of the given
// length. Bits alternate starting with longitude; a coordinate equal to the
// midpoint of its range contributes a 1.
func Geohash(lat, lng float64, precision int) string {
	if precision <= 0 {
		return ""
	}

	latLo, latHi := -90.0, 90.0
	lngLo, lngHi := -180.0, 180.0

	out := make([]byte, 0, precision)
	even := true // longitude bit
	bit, ch := 0, 0

	for len(out) < precision {
		if even {
			mid := (lngLo + lngHi) / 2
			if lng >= mid {
				ch |= 1 << (4 - bit)
				lngLo = mid
			} else {
				lngHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				latLo = mid
			} else {
				latHi = mid
			}
		}
		even = !even

		if bit++; bit == 5 {
			out = append(out, geohashAlphabet[ch])
			bit, ch = 0, 0
		}
	}
	return string(out)
}

// GeohashBounds decodes a geohash into its bounding box. ok is false if the
// string contains characters outside the geohash alphabet.
func GeohashBounds(hash string) (latLo, latHi, lngLo, lngHi float64, ok bool) {
	latLo, latHi = -90.0, 90.0
	lngLo, lngHi = -180.0, 180.0
	even := true

	for i := 0; i < len(hash); i++ {
		idx := strings.IndexByte(geohashAlphabet, hash[i])
		if idx < 0 {
			return 0, 0, 0, 0, false
		}
		for b := 4; b >= 0; b-- {
			set := idx&(1<<b) != 0
			if even {
				mid := (lngLo + lngHi) / 2
				if set {
					lngLo = mid
				} else {
					lngHi = mid
				}
			} else {
				mid := (latLo + latHi) / 2
				if set {
					latLo = mid
				} else {
					latHi = mid
				}
			}
			even = !even
		}
	}
	return latLo, latHi, lngLo, lngHi, true
}
