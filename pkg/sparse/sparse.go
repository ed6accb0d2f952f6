// Package sparse implements an index-addressed list that accepts out-of-order
// inserts. Gaps are padded with the element type's zero value, which callers
// treat as an empty placeholder.
package sparse

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrNegativeIndex reports an upsert below zero. Streams never address
// negative slots, so this always indicates a decoder defect.
var ErrNegativeIndex = errors.New("sparse: negative index")

// MergeFunc folds an incoming value into an occupied slot. An error leaves
// the slot untouched and is returned by Upsert.
type MergeFunc[T any] func(existing, incoming T) (T, error)

// Upsert stores value at index and returns the (possibly grown) list.
//
// When index is inside the list the slot is replaced, or merged through fn
// when fn is non-nil and the slot is not a placeholder. When index equals the
// length the value is appended. Past the end, placeholders are appended until
// the length equals index and then value is appended. The list never shrinks.
func Upsert[T any](list []T, index int, value T, fn MergeFunc[T]) ([]T, error) {
	if index < 0 {
		return list, fmt.Errorf("%w: %d", ErrNegativeIndex, index)
	}
	if index < len(list) {
		if fn != nil && !isZero(list[index]) {
			merged, err := fn(list[index], value)
			if err != nil {
				return list, err
			}
			list[index] = merged
			return list, nil
		}
		list[index] = value
		return list, nil
	}
	if gap := index - len(list); gap > 0 {
		list = append(list, make([]T, gap)...)
	}
	return append(list, value), nil
}

// Get returns the element at index. ok is false when index is out of range
// or the slot still holds a placeholder.
func Get[T any](list []T, index int) (v T, ok bool) {
	if index < 0 || index >= len(list) {
		return v, false
	}
	v = list[index]
	return v, !isZero(v)
}

// Placeholders counts the unfilled slots of list.
func Placeholders[T any](list []T) int {
	n := 0
	for _, v := range list {
		if isZero(v) {
			n++
		}
	}
	return n
}

func isZero[T any](v T) bool {
	return reflect.ValueOf(&v).Elem().IsZero()
}
