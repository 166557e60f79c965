package core

import "strings"

// IsProperlyMapped decides whether a transaction has a stable category
// assignment or needs human review.
//
// The rules, in order:
//  1. anything flagged for review is unmapped,
//  2. without a category id, only a completed special-account row counts
//     as mapped,
//  3. a category code missing the normal prefix is unmapped,
//  4. a dangling category reference is unmapped,
//  5. a leaf assignment is mapped,
//  6. a parent assignment is mapped only when the code names one of the
//     parent's direct children; picking just the parent is not enough.
func IsProperlyMapped(tx Transaction, tree *CategoryTree) bool {
	if tx.Metadata.NeedsReview {
		return false
	}

	if tx.CategoryID == "" {
		if IsSpecialInternalCode(tx.InternalCode) {
			return tx.Status == StatusCompleted
		}
		return false
	}

	if tx.CategoryCode == "" || !strings.HasPrefix(tx.CategoryCode, NormalCodePrefix) {
		return false
	}

	cat, ok := tree.Get(tx.CategoryID)
	if !ok {
		return false
	}

	if tree.IsLeaf(cat.ID) {
		return true
	}

	for _, child := range tree.Children(cat.ID) {
		if child.Code == tx.CategoryCode {
			return true
		}
	}
	return false
}

// MissingEntries returns every transaction that fails the properly-mapped
// predicate, in input order. This is the review queue surfaced to the user.
func MissingEntries(transactions []Transaction, tree *CategoryTree) []Transaction {
	var out []Transaction
	for _, tx := range transactions {
		if !IsProperlyMapped(tx, tree) {
			out = append(out, tx)
		}
	}
	return out
}
