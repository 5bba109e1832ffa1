package search

import (
	"strconv"
	"strings"
	"time"
)

// relOp is a relational operator prefix on a date or numeric query.
type relOp int

const (
	opEq relOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

// splitRelOp peels a leading relational operator off a query.
// Absence of an operator means equality.
func splitRelOp(q string) (relOp, string) {
	switch {
	case strings.HasPrefix(q, ">="):
		return opGe, q[2:]
	case strings.HasPrefix(q, "<="):
		return opLe, q[2:]
	case strings.HasPrefix(q, "!="):
		return opNe, q[2:]
	case strings.HasPrefix(q, "="):
		return opEq, q[1:]
	case strings.HasPrefix(q, ">"):
		return opGt, q[1:]
	case strings.HasPrefix(q, "<"):
		return opLt, q[1:]
	}
	return opEq, q
}

func cmpMatches(op relOp, cmp int) bool {
	switch op {
	case opEq:
		return cmp == 0
	case opNe:
		return cmp != 0
	case opLt:
		return cmp < 0
	case opLe:
		return cmp <= 0
	case opGt:
		return cmp > 0
	case opGe:
		return cmp >= 0
	}
	return false
}

// datePrecision says how much of a date literal was given; comparisons
// are zero-extended to it, so a year-only query matches any day of
// that year under equality.
type datePrecision int

const (
	precYear datePrecision = iota
	precMonth
	precDay
)

type dateQuery struct {
	t    time.Time
	prec datePrecision
}

// parseDateLiteral understands today, yesterday, thismonth, NdaysAgo
// and YYYY[-MM[-DD]] with - or / separators.
func parseDateLiteral(s string, now time.Time) (dateQuery, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch s {
	case "today":
		return dateQuery{today, precDay}, true
	case "yesterday":
		return dateQuery{today.AddDate(0, 0, -1), precDay}, true
	case "thismonth":
		return dateQuery{time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), precMonth}, true
	}
	if rest, ok := strings.CutSuffix(s, "daysago"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return dateQuery{}, false
		}
		return dateQuery{today.AddDate(0, 0, -n), precDay}, true
	}

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' })
	if len(parts) == 0 || len(parts) > 3 {
		return dateQuery{}, false
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return dateQuery{}, false
		}
		nums[i] = n
	}
	year := nums[0]
	if year < 100 {
		return dateQuery{}, false
	}
	month, day := 1, 1
	prec := precYear
	if len(nums) > 1 {
		month = nums[1]
		prec = precMonth
		if month < 1 || month > 12 {
			return dateQuery{}, false
		}
	}
	if len(nums) > 2 {
		day = nums[2]
		prec = precDay
		if day < 1 || day > 31 {
			return dateQuery{}, false
		}
	}
	return dateQuery{time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), prec}, true
}

// compareDate compares a book date against the query at the query's
// precision: -1, 0 or 1.
func compareDate(book time.Time, q dateQuery) int {
	b := book.UTC()
	var bv, qv int64
	switch q.prec {
	case precYear:
		bv, qv = int64(b.Year()), int64(q.t.Year())
	case precMonth:
		bv = int64(b.Year())*12 + int64(b.Month())
		qv = int64(q.t.Year())*12 + int64(q.t.Month())
	default:
		bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
		bv, qv = bd.Unix(), q.t.Unix()
	}
	switch {
	case bv < qv:
		return -1
	case bv > qv:
		return 1
	}
	return 0
}

// parseBoolWord maps yesno query words to a tri-state.
func parseBoolWord(s string) (val bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "checked":
		return true, true
	case "false", "no", "unchecked":
		return false, true
	}
	return false, false
}
