package core

// MatchResult partitions an incoming import batch against the persisted
// store. Matching only detects; the caller decides what to write.
type MatchResult struct {
	// ExistingIDs holds the persisted ids of rows that already exist,
	// one entry per matched incoming row.
	ExistingIDs []string

	// NewTransactions are the rows with no persisted counterpart.
	NewTransactions []Transaction

	// MatchedInquiries pairs incoming rows with open inquiries so the
	// caller can decide whether to auto-resolve them.
	MatchedInquiries []InquiryMatch
}

// InquiryMatch carries the incoming row together with the open inquiry and
// the persisted transaction it is attached to.
type InquiryMatch struct {
	Incoming    Transaction
	Inquiry     Inquiry
	Transaction Transaction
}

// MatchBatch runs the duplicate-detection cascade for a re-uploaded export.
//
// Each incoming row is tried against the persisted set in order (exact id,
// then booking-day+person+amount, then document-number+amount) and finally
// against transactions under an open inquiry by person+amount or
// booking-day+amount. The first hit wins; the cascade exists because the
// source system is not consistent about which fields survive between
// monthly exports.
//
// Every persisted row and open inquiry absorbs at most one incoming row.
// Once matched it is removed from the fuzzy indexes, so a second incoming
// row sharing the same document number and amount is treated as new rather
// than silently dropped.
//
// The function is pure: identical inputs always produce the identical
// partition, and nothing is written.
func MatchBatch(incoming, persisted []Transaction, openInquiries []Inquiry) MatchResult {
	byID := make(map[string]Transaction, len(persisted))
	byDayPersonAmount := make(map[string]Transaction)
	byDocAmount := make(map[string]Transaction)
	for _, p := range persisted {
		byID[p.ID] = p
		if p.BookingDay() != "" && p.PersonReference != "" {
			key := p.BookingDay() + "|" + p.PersonReference + "|" + p.Amount.StringFixed(2)
			if _, dup := byDayPersonAmount[key]; !dup {
				byDayPersonAmount[key] = p
			}
		}
		if p.DocumentNumber != "" {
			key := p.DocumentNumber + "|" + p.Amount.StringFixed(2)
			if _, dup := byDocAmount[key]; !dup {
				byDocAmount[key] = p
			}
		}
	}

	// Index transactions currently under an open inquiry.
	inquiryByPersonAmount := make(map[string]InquiryMatch)
	inquiryByDayAmount := make(map[string]InquiryMatch)
	for _, inq := range openInquiries {
		if inq.Status != InquiryPending {
			continue
		}
		tx, ok := byID[inq.TransactionID]
		if !ok {
			continue
		}
		m := InquiryMatch{Inquiry: inq, Transaction: tx}
		if tx.PersonReference != "" {
			key := tx.PersonReference + "|" + tx.Amount.StringFixed(2)
			if _, dup := inquiryByPersonAmount[key]; !dup {
				inquiryByPersonAmount[key] = m
			}
		}
		if tx.BookingDay() != "" {
			key := tx.BookingDay() + "|" + tx.Amount.StringFixed(2)
			if _, dup := inquiryByDayAmount[key]; !dup {
				inquiryByDayAmount[key] = m
			}
		}
	}

	consume := func(p Transaction) {
		if p.BookingDay() != "" && p.PersonReference != "" {
			delete(byDayPersonAmount, p.BookingDay()+"|"+p.PersonReference+"|"+p.Amount.StringFixed(2))
		}
		if p.DocumentNumber != "" {
			delete(byDocAmount, p.DocumentNumber+"|"+p.Amount.StringFixed(2))
		}
	}
	consumeInquiry := func(tx Transaction) {
		if tx.PersonReference != "" {
			delete(inquiryByPersonAmount, tx.PersonReference+"|"+tx.Amount.StringFixed(2))
		}
		if tx.BookingDay() != "" {
			delete(inquiryByDayAmount, tx.BookingDay()+"|"+tx.Amount.StringFixed(2))
		}
	}

	var result MatchResult
	for _, in := range incoming {
		if p, ok := byID[in.ID]; ok {
			result.ExistingIDs = append(result.ExistingIDs, p.ID)
			consume(p)
			continue
		}
		if in.BookingDay() != "" && in.PersonReference != "" {
			key := in.BookingDay() + "|" + in.PersonReference + "|" + in.Amount.StringFixed(2)
			if p, ok := byDayPersonAmount[key]; ok {
				result.ExistingIDs = append(result.ExistingIDs, p.ID)
				consume(p)
				continue
			}
		}
		if in.DocumentNumber != "" {
			key := in.DocumentNumber + "|" + in.Amount.StringFixed(2)
			if p, ok := byDocAmount[key]; ok {
				result.ExistingIDs = append(result.ExistingIDs, p.ID)
				consume(p)
				continue
			}
		}

		if in.PersonReference != "" {
			key := in.PersonReference + "|" + in.Amount.StringFixed(2)
			if m, ok := inquiryByPersonAmount[key]; ok {
				m.Incoming = in
				result.MatchedInquiries = append(result.MatchedInquiries, m)
				consumeInquiry(m.Transaction)
				continue
			}
		}
		if in.BookingDay() != "" {
			key := in.BookingDay() + "|" + in.Amount.StringFixed(2)
			if m, ok := inquiryByDayAmount[key]; ok {
				m.Incoming = in
				result.MatchedInquiries = append(result.MatchedInquiries, m)
				consumeInquiry(m.Transaction)
				continue
			}
		}

		result.NewTransactions = append(result.NewTransactions, in)
	}
	return result
}

// MatchByFingerprint resolves a transaction by its stable content-derived
// key. This is the lookup path that survives id re-generation across
// imports; rows persisted without a stored fingerprint fall back to the
// computed one.
func MatchByFingerprint(fingerprint string, persisted []Transaction) (Transaction, bool) {
	if fingerprint == "" {
		return Transaction{}, false
	}
	for _, p := range persisted {
		stored := p.Metadata.Fingerprint
		if stored == "" {
			stored = p.Fingerprint()
		}
		if stored == fingerprint {
			return p, true
		}
	}
	return Transaction{}, false
}
