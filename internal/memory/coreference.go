package memory

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// slotPartner marks the plural pronouns that refer to whichever business
// partner (supplier or customer) was mentioned last.
const slotPartner models.SlotType = "PARTNER"

type reference struct {
	phrase string
	slot   models.SlotType
	ascii  bool
}

var referenceTable = buildReferenceTable(map[string]models.SlotType{
	"这批":    models.SlotBatch,
	"这批货":   models.SlotBatch,
	"这批次":   models.SlotBatch,
	"这个批次":  models.SlotBatch,
	"该批次":   models.SlotBatch,
	"那批":    models.SlotBatch,
	"那批货":   models.SlotBatch,
	"那个批次":  models.SlotBatch,
	"这家供应商": models.SlotSupplier,
	"这个供应商": models.SlotSupplier,
	"该供应商":  models.SlotSupplier,
	"那家供应商": models.SlotSupplier,
	"那个供应商": models.SlotSupplier,
	"这家客户":  models.SlotCustomer,
	"这个客户":  models.SlotCustomer,
	"该客户":   models.SlotCustomer,
	"那个客户":  models.SlotCustomer,
	"这个产品":  models.SlotProduct,
	"这款产品":  models.SlotProduct,
	"该产品":   models.SlotProduct,
	"那个产品":  models.SlotProduct,
	"这个仓库":  models.SlotWarehouse,
	"该仓库":   models.SlotWarehouse,
	"那个仓库":  models.SlotWarehouse,
	"这段时间":  models.SlotTimeRange,
	"那段时间":  models.SlotTimeRange,
	"同期":    models.SlotTimeRange,
	"他们":    slotPartner,
	"它们":    slotPartner,

	"this batch":      models.SlotBatch,
	"that batch":      models.SlotBatch,
	"this lot":        models.SlotBatch,
	"this supplier":   models.SlotSupplier,
	"that supplier":   models.SlotSupplier,
	"this customer":   models.SlotCustomer,
	"that customer":   models.SlotCustomer,
	"this product":    models.SlotProduct,
	"that product":    models.SlotProduct,
	"this warehouse":  models.SlotWarehouse,
	"that warehouse":  models.SlotWarehouse,
	"that period":     models.SlotTimeRange,
	"the same period": models.SlotTimeRange,
	"they":            slotPartner,
	"them":            slotPartner,
})

// notAfter lists runes that, right before a phrase, make it part of a longer
// word: 其他们 reads as 其他 + 们, not as a pronoun.
var notAfter = map[string]string{
	"他们": "其",
	"它们": "其",
}

// buildReferenceTable orders phrases longest first so "这批货" wins over "这批".
func buildReferenceTable(m map[string]models.SlotType) []reference {
	out := make([]reference, 0, len(m))
	for p, t := range m {
		out = append(out, reference{phrase: p, slot: t, ascii: isASCII(p)})
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(out[i].phrase), utf8.RuneCountInString(out[j].phrase)
		if li != lj {
			return li > lj
		}
		return out[i].phrase < out[j].phrase
	})
	return out
}

// ResolveReferences substitutes anaphoric phrases in text with the resolved
// description of the matching entity slot. Phrases whose slot is empty are
// left untouched.
func ResolveReferences(text string, slots map[models.SlotType]models.EntitySlot) string {
	if text == "" || len(slots) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		ref, n, ok := matchReference(text, i)
		if !ok {
			_, size := utf8.DecodeRuneInString(text[i:])
			b.WriteString(text[i : i+size])
			i += size
			continue
		}
		if slot, found := slotFor(ref.slot, slots); found {
			b.WriteString(slotText(slot))
		} else {
			b.WriteString(text[i : i+n])
		}
		i += n
	}
	return b.String()
}

func matchReference(text string, i int) (reference, int, bool) {
	rest := text[i:]
	for _, ref := range referenceTable {
		n := len(ref.phrase)
		if len(rest) < n {
			continue
		}
		if ref.ascii {
			if !strings.EqualFold(rest[:n], ref.phrase) || !wordBoundary(text, i, i+n) {
				continue
			}
		} else if rest[:n] != ref.phrase || blockedByPrefix(text, i, ref.phrase) {
			continue
		}
		return ref, n, true
	}
	return reference{}, 0, false
}

func blockedByPrefix(text string, i int, phrase string) bool {
	guard, ok := notAfter[phrase]
	if !ok || i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return strings.ContainsRune(guard, r)
}

func slotFor(t models.SlotType, slots map[models.SlotType]models.EntitySlot) (models.EntitySlot, bool) {
	if t != slotPartner {
		s, ok := slots[t]
		return s, ok && slotText(s) != ""
	}
	sup, okS := slots[models.SlotSupplier]
	cus, okC := slots[models.SlotCustomer]
	okS = okS && slotText(sup) != ""
	okC = okC && slotText(cus) != ""
	switch {
	case okS && okC:
		if cus.SetAt.After(sup.SetAt) {
			return cus, true
		}
		return sup, true
	case okS:
		return sup, true
	case okC:
		return cus, true
	}
	return models.EntitySlot{}, false
}

func slotText(s models.EntitySlot) string {
	if s.ResolvedDescription != "" {
		return s.ResolvedDescription
	}
	return s.ReferenceValue
}

func wordBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
