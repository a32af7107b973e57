// Package selector evaluates SelectorRef lists against resource labels.
//
// Selection is opt-in: an absent or empty list selects nothing, while a single
// SelectorRef with an empty label selector selects every candidate in the
// namespace. Selectors that cannot be converted (for example an In expression
// without values) never match.
package selector

import (
	"sort"

	"github.com/cockroachdb/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
)

// WildcardKey is the reverse-index key for selectors that can match a
// candidate without any particular label key.
const WildcardKey = "*"

// Matches reports whether a single SelectorRef matches the given labels.
func Matches(ref v1alpha1.SelectorRef, set map[string]string) bool {
	sel, err := metav1.LabelSelectorAsSelector(&ref.LabelSelector)
	if err != nil {
		return false
	}

	return sel.Matches(labels.Set(set))
}

// MatchesAny reports whether any SelectorRef in refs matches the given labels.
// An empty list matches nothing.
func MatchesAny(refs []v1alpha1.SelectorRef, set map[string]string) bool {
	for i := range refs {
		if Matches(refs[i], set) {
			return true
		}
	}

	return false
}

// Validate returns an error describing the first selector that cannot be evaluated.
func Validate(refs []v1alpha1.SelectorRef) error {
	for i := range refs {
		_, err := metav1.LabelSelectorAsSelector(&refs[i].LabelSelector)
		if err != nil {
			return errors.Wrapf(err, "selector %d is invalid", i)
		}
	}

	return nil
}

// IndexKeys returns the label keys under which a selecting resource is indexed.
//
// A SelectorRef that requires a label key (matchLabels, In, Exists) can only
// match candidates carrying that key, so it is indexed under each such key.
// A SelectorRef without a positive requirement is indexed under WildcardKey.
// Invalid selectors match nothing and produce no keys.
func IndexKeys(refs []v1alpha1.SelectorRef) []string {
	keys := make(map[string]struct{})

	for i := range refs {
		if Validate(refs[i:i+1]) != nil {
			continue
		}

		positive := requiredKeys(&refs[i].LabelSelector)
		if len(positive) == 0 {
			keys[WildcardKey] = struct{}{}

			continue
		}

		for _, key := range positive {
			keys[key] = struct{}{}
		}
	}

	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}

	sort.Strings(out)

	return out
}

// CandidateKeys returns the reverse-index keys to probe for a candidate with the given labels.
func CandidateKeys(set map[string]string) []string {
	out := make([]string, 0, len(set)+1)
	out = append(out, WildcardKey)

	for key := range set {
		out = append(out, key)
	}

	sort.Strings(out)

	return out
}

func requiredKeys(sel *metav1.LabelSelector) []string {
	var keys []string

	for key := range sel.MatchLabels {
		keys = append(keys, key)
	}

	for _, expr := range sel.MatchExpressions {
		if expr.Operator == metav1.LabelSelectorOpIn || expr.Operator == metav1.LabelSelectorOpExists {
			keys = append(keys, expr.Key)
		}
	}

	return keys
}
