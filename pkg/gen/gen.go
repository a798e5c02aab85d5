// Package gen holds small generic helpers that don't belong anywhere else.
package gen

type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type Float interface {
	~float32 | ~float64
}

type Ordered interface {
	Integer | Float | ~string
}

func Clamp[T Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func Abs[T Integer | Float](a T) T {
	if a < 0 {
		return -a
	}
	return a
}

// Delete element i, swapping the last element into its place.
// Does not preserve order.
func DeleteFromSliceUnordered[T any](slice []T, i int) []T {
	slice[i] = slice[len(slice)-1]
	return slice[:len(slice)-1]
}
