package memory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// ── Entity detection ────────────────────────────────────────

var (
	batchLabelled = regexp.MustCompile(`(?i)(?:批次号?|batch)[\s:：#]*([A-Za-z]{0,4}-?\d{4,}(?:-\d+)*)`)
	batchCode     = regexp.MustCompile(`(?i)\b((?:B|BT|LOT)-?\d{4,}(?:-\d+)*)\b`)
	supplierCode  = regexp.MustCompile(`(?i)\b(SUP-?\d+)\b`)
	customerCode  = regexp.MustCompile(`(?i)\b(CUS-?\d+)\b`)
	productCode   = regexp.MustCompile(`(?i)\b(PRD-?\d+)\b`)
	warehouseCode = regexp.MustCompile(`(?i)\b(WH-?\d+)\b`)
	warehouseNum  = regexp.MustCompile(`(\d+)\s*号仓库?`)
	recentDays    = regexp.MustCompile(`(?i)(?:最近|近|过去)\s*(\d+)\s*天|\b(?:last|past)\s+(\d+)\s+days?\b`)
)

// timePhrases are checked in order; the first hit wins.
var timePhrases = []struct {
	phrase string
	span   func(now time.Time) (time.Time, time.Time)
}{
	{"上个月", lastMonth}, {"上月", lastMonth}, {"last month", lastMonth},
	{"本月", thisMonth}, {"这个月", thisMonth}, {"this month", thisMonth},
	{"上周", lastWeek}, {"last week", lastWeek},
	{"本周", thisWeek}, {"这周", thisWeek}, {"this week", thisWeek},
	{"昨天", yesterday}, {"yesterday", yesterday},
	{"今天", today}, {"today", today},
	{"去年", lastYear}, {"last year", lastYear},
	{"今年", thisYear}, {"this year", thisYear},
}

// codePatterns are the detectors whose matches are identifiers, not amounts.
var codePatterns = []*regexp.Regexp{
	batchLabelled, batchCode, supplierCode, customerCode, productCode, warehouseCode, warehouseNum, recentDays,
}

// EntitySpans returns the byte ranges of every entity code and relative
// time phrase in text, so number extraction can skip digits that belong to
// an identifier.
func EntitySpans(text string) [][]int {
	var spans [][]int
	for _, re := range codePatterns {
		spans = append(spans, re.FindAllStringIndex(text, -1)...)
	}
	return spans
}

// DetectEntities finds batch numbers, partner/product/warehouse codes and
// time-range phrases in a user message. At most one slot per type is
// returned; the first mention wins.
func DetectEntities(text string, now time.Time) []models.EntitySlot {
	zh := hasHan(text)
	var out []models.EntitySlot
	add := func(t models.SlotType, value string) {
		out = append(out, models.EntitySlot{
			Type:                t,
			ReferenceValue:      value,
			ResolvedDescription: describe(t, value, zh),
			SetAt:               now,
		})
	}

	if m := batchLabelled.FindStringSubmatch(text); m != nil {
		add(models.SlotBatch, strings.ToUpper(m[1]))
	} else if m := batchCode.FindStringSubmatch(text); m != nil {
		add(models.SlotBatch, strings.ToUpper(m[1]))
	}
	if m := supplierCode.FindStringSubmatch(text); m != nil {
		add(models.SlotSupplier, strings.ToUpper(m[1]))
	}
	if m := customerCode.FindStringSubmatch(text); m != nil {
		add(models.SlotCustomer, strings.ToUpper(m[1]))
	}
	if m := productCode.FindStringSubmatch(text); m != nil {
		add(models.SlotProduct, strings.ToUpper(m[1]))
	}
	if m := warehouseCode.FindStringSubmatch(text); m != nil {
		add(models.SlotWarehouse, strings.ToUpper(m[1]))
	} else if m := warehouseNum.FindStringSubmatch(text); m != nil {
		add(models.SlotWarehouse, m[1]+"号仓库")
	}
	if slot, ok := detectTimeRange(text, now, zh); ok {
		out = append(out, slot)
	}
	return out
}

// EntitySlotFor builds the slot for a value resolved outside detection, such
// as a collected slot-filling parameter. The description follows the
// language of text.
func EntitySlotFor(t models.SlotType, value, text string, now time.Time) models.EntitySlot {
	return models.EntitySlot{
		Type:                t,
		ReferenceValue:      value,
		ResolvedDescription: describe(t, value, hasHan(text)),
		SetAt:               now,
	}
}

func detectTimeRange(text string, now time.Time, zh bool) (models.EntitySlot, bool) {
	if m := recentDays.FindStringSubmatch(text); m != nil {
		digits := m[1]
		if digits == "" {
			digits = m[2]
		}
		n, err := strconv.Atoi(digits)
		if err == nil && n > 0 {
			end := startOfDay(now)
			start := end.AddDate(0, 0, -(n - 1))
			return timeSlot(strings.TrimSpace(m[0]), start, end, now, zh), true
		}
	}
	lower := strings.ToLower(text)
	for _, p := range timePhrases {
		if strings.Contains(lower, p.phrase) {
			start, end := p.span(now)
			return timeSlot(p.phrase, start, end, now, zh), true
		}
	}
	return models.EntitySlot{}, false
}

func timeSlot(phrase string, start, end, now time.Time, zh bool) models.EntitySlot {
	value := start.Format("2006-01-02") + "/" + end.Format("2006-01-02")
	desc := fmt.Sprintf("%s(%s 至 %s)", phrase, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if !zh {
		desc = fmt.Sprintf("%s (%s to %s)", phrase, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return models.EntitySlot{Type: models.SlotTimeRange, ReferenceValue: value, ResolvedDescription: desc, SetAt: now}
}

func describe(t models.SlotType, value string, zh bool) string {
	if zh {
		switch t {
		case models.SlotBatch:
			return "批次" + value
		case models.SlotSupplier:
			return "供应商" + value
		case models.SlotCustomer:
			return "客户" + value
		case models.SlotProduct:
			return "产品" + value
		case models.SlotWarehouse:
			if strings.HasSuffix(value, "仓库") {
				return value
			}
			return "仓库" + value
		}
		return value
	}
	switch t {
	case models.SlotBatch:
		return "batch " + value
	case models.SlotSupplier:
		return "supplier " + value
	case models.SlotCustomer:
		return "customer " + value
	case models.SlotProduct:
		return "product " + value
	case models.SlotWarehouse:
		return "warehouse " + value
	}
	return value
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// ── Calendar spans ──────────────────────────────────────────

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func today(now time.Time) (time.Time, time.Time) {
	d := startOfDay(now)
	return d, d
}

func yesterday(now time.Time) (time.Time, time.Time) {
	d := startOfDay(now).AddDate(0, 0, -1)
	return d, d
}

// weeks start on Monday
func thisWeek(now time.Time) (time.Time, time.Time) {
	d := startOfDay(now)
	offset := (int(d.Weekday()) + 6) % 7
	start := d.AddDate(0, 0, -offset)
	return start, start.AddDate(0, 0, 6)
}

func lastWeek(now time.Time) (time.Time, time.Time) {
	start, end := thisWeek(now)
	return start.AddDate(0, 0, -7), end.AddDate(0, 0, -7)
}

func thisMonth(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 1, -1)
}

func lastMonth(now time.Time) (time.Time, time.Time) {
	start, _ := thisMonth(now)
	start = start.AddDate(0, -1, 0)
	return start, start.AddDate(0, 1, -1)
}

func thisYear(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(1, 0, -1)
}

func lastYear(now time.Time) (time.Time, time.Time) {
	start, end := thisYear(now)
	return start.AddDate(-1, 0, 0), end.AddDate(-1, 0, 0)
}
