package main

import (
	"sort"
	"strconv"
)

// ReplayedDelivery is the observed outcome of re-posting one delivery.
type ReplayedDelivery struct {
	Index      int         `json:"index"`
	Connector  string      `json:"connector"`
	TxnRef     string      `json:"txn_ref"`
	HTTPStatus int         `json:"http_status"`
	Expect     Expectation `json:"expect"`
}

// CompareResult holds the outcome of comparing replayed deliveries against
// their recorded expectations and the attempt rows they produced.
type CompareResult struct {
	Matching  []string            `json:"matching"`
	Missing   []string            `json:"missing"` // expected an attempt row, none found
	Divergent []DivergentDelivery `json:"divergent"`
}

// DivergentDelivery records a field-level mismatch for one delivery.
type DivergentDelivery struct {
	Index    int    `json:"index"`
	TxnRef   string `json:"txn_ref"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// HasMismatch reports whether any delivery missed its expectation.
func (r *CompareResult) HasMismatch() bool {
	return len(r.Missing) > 0 || len(r.Divergent) > 0
}

// compareDeliveries checks each replayed delivery against its expectation.
// HTTP status is always checked when recorded; attempt status is checked only
// when the scenario recorded one and a DB connection was available.
func compareDeliveries(replayed []ReplayedDelivery, dbStatuses map[string]string) CompareResult {
	var result CompareResult

	for _, r := range replayed {
		key := r.Connector + ":" + r.TxnRef
		clean := true

		if r.Expect.HTTPStatus != 0 && r.HTTPStatus != r.Expect.HTTPStatus {
			clean = false
			result.Divergent = append(result.Divergent, DivergentDelivery{
				Index:    r.Index,
				TxnRef:   r.TxnRef,
				Field:    "http_status",
				Expected: strconv.Itoa(r.Expect.HTTPStatus),
				Actual:   strconv.Itoa(r.HTTPStatus),
			})
		}

		if r.Expect.AttemptStatus != "" && dbStatuses != nil {
			actual, ok := dbStatuses[key]
			switch {
			case !ok:
				clean = false
				result.Missing = append(result.Missing, key)
			case actual != r.Expect.AttemptStatus:
				clean = false
				result.Divergent = append(result.Divergent, DivergentDelivery{
					Index:    r.Index,
					TxnRef:   r.TxnRef,
					Field:    "attempt_status",
					Expected: r.Expect.AttemptStatus,
					Actual:   actual,
				})
			}
		}

		if clean {
			result.Matching = append(result.Matching, key)
		}
	}

	sort.Strings(result.Matching)
	sort.Strings(result.Missing)
	return result
}
