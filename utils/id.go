package utils

import "github.com/segmentio/ksuid"

// GenKSortedID returns a k-sortable unique ID with the given prefix.
func GenKSortedID(prefix string) string {
	return prefix + ksuid.New().String()
}
