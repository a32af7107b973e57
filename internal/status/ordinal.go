package status

import (
	"maps"
	"slices"
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
)

// OrdinalOf returns the ordinal stored on an owned child.
func OrdinalOf(obj metav1.Object) (int32, bool) {
	raw, ok := obj.GetAnnotations()[v1alpha1.AnnotationOrdinal]
	if !ok {
		return 0, false
	}

	value, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || value < 0 {
		return 0, false
	}

	return int32(value), true
}

// AssignOrdinal stamps the next free ordinal on a child that has none and
// advances next. A child that already carries an ordinal keeps it; next is
// moved past it so that it is never handed out again.
func AssignOrdinal(obj metav1.Object, next *int32) int32 {
	if ordinal, ok := OrdinalOf(obj); ok {
		if ordinal >= *next {
			*next = ordinal + 1
		}

		return ordinal
	}

	ordinal := *next
	*next++

	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string, 1)
	}

	annotations[v1alpha1.AnnotationOrdinal] = strconv.FormatInt(int64(ordinal), 10)
	obj.SetAnnotations(annotations)

	return ordinal
}

// Ordinals carries ordinals of selected members forward between reconciles.
// Members still present keep their previous ordinal; new members receive
// fresh ordinals in key order; removed members' ordinals are retired.
func Ordinals(previous map[string]int32, current []string, next *int32) map[string]int32 {
	for _, ordinal := range previous {
		if ordinal >= *next {
			*next = ordinal + 1
		}
	}

	out := make(map[string]int32, len(current))

	for _, key := range slices.Sorted(slices.Values(current)) {
		if _, seen := out[key]; seen {
			continue
		}

		if ordinal, ok := previous[key]; ok {
			out[key] = ordinal

			continue
		}

		out[key] = *next
		*next++
	}

	return out
}

// SortedByOrdinal returns the keys of ordinals ordered by ordinal.
func SortedByOrdinal(ordinals map[string]int32) []string {
	return slices.SortedFunc(maps.Keys(ordinals), func(a, b string) int {
		return int(ordinals[a]) - int(ordinals[b])
	})
}
