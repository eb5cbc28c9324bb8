// Package tier buckets authors into an S-F tierlist from their mean scores,
// anonymizing everyone except the viewer behind two-letter hash names.
package tier

import (
	"math"
	"sort"
	"strings"
)

// Tier is one tierlist bucket.
type Tier string

const (
	TierS Tier = "S"
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
	TierF Tier = "F"

	// TierUnknown is reported when no author has a score yet.
	TierUnknown Tier = "?"
)

// Tiers lists the buckets in display order.
var Tiers = []Tier{TierS, TierA, TierB, TierC, TierD, TierF}

// Entry is one author's score aggregate. Authors with a zero Count never
// participated and are excluded entirely.
type Entry struct {
	AuthorID    string
	DisplayName string
	Total       float64
	Count       int
}

func (e Entry) mean() float64 {
	if e.Count <= 0 {
		return 0
	}
	return e.Total / float64(e.Count)
}

// Member is one anonymized slot in a tier.
type Member struct {
	Name string `json:"name"`
	You  bool   `json:"you"`
}

// Tierlist maps every bucket to its members. All six buckets are always
// present, possibly empty.
type Tierlist map[Tier][]Member

// ComputeTiers buckets the entries by mean score against the population mean
// and standard deviation. When anonymize is set everyone is shown as a
// two-letter hash of their display name except the viewer, who always
// appears under their real initials with You set; otherwise everyone keeps
// their initials. The result is deterministic: members sort by name.
func ComputeTiers(entries []Entry, viewerID string, anonymize bool) Tierlist {
	list := make(Tierlist, len(Tiers))
	for _, t := range Tiers {
		list[t] = []Member{}
	}

	scored := participants(entries)
	if len(scored) == 0 {
		return list
	}
	mu, sigma := meanStddev(scored)

	for _, e := range scored {
		member := Member{Name: Initials(e.DisplayName), You: e.AuthorID == viewerID}
		if anonymize && !member.You {
			member.Name = TwoLetterHash(e.DisplayName)
		}
		t := bucketFor(e.mean(), mu, sigma)
		list[t] = append(list[t], member)
	}
	for _, t := range Tiers {
		members := list[t]
		sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	}
	return list
}

// TierOf returns the bucket one author lands in, or TierUnknown when the
// author has no scores or nobody has any.
func TierOf(entries []Entry, authorID string) Tier {
	scored := participants(entries)
	if len(scored) == 0 {
		return TierUnknown
	}
	mu, sigma := meanStddev(scored)
	for _, e := range scored {
		if e.AuthorID == authorID {
			return bucketFor(e.mean(), mu, sigma)
		}
	}
	return TierUnknown
}

// bucketFor places one mean against the population. A perfect score is S
// regardless of the distribution, and a zero is F regardless of it.
func bucketFor(mean, mu, sigma float64) Tier {
	switch {
	case mean == 0:
		return TierF
	case mean == 1 || mean > mu+2*sigma:
		return TierS
	case mean > mu+sigma:
		return TierA
	case mean >= mu:
		return TierB
	case mean > mu-sigma:
		return TierC
	case mean > mu-2*sigma:
		return TierD
	default:
		return TierF
	}
}

func participants(entries []Entry) []Entry {
	scored := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Count > 0 {
			scored = append(scored, e)
		}
	}
	return scored
}

// meanStddev returns the population mean and standard deviation.
func meanStddev(entries []Entry) (float64, float64) {
	var sum float64
	for _, e := range entries {
		sum += e.mean()
	}
	mu := sum / float64(len(entries))

	var variance float64
	for _, e := range entries {
		d := e.mean() - mu
		variance += d * d
	}
	return mu, math.Sqrt(variance / float64(len(entries)))
}

// TwoLetterHash maps an arbitrary string to a stable two-letter pseudonym.
// The accumulator wraps at 32 bits so the same input always lands on the
// same pair of letters on every platform.
func TwoLetterHash(s string) string {
	var h int32 = 100
	for _, c := range []byte(s) {
		h = (h << 5) - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return string([]byte{byte(65 + v%26), byte(65 + (v>>8)%26)})
}

// Initials derives up to two uppercase initials from a display name, falling
// back to the first letters of an email local part.
func Initials(name string) string {
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '.' || r == '_' || r == '-'
	})
	var b strings.Builder
	for _, field := range fields {
		b.WriteString(strings.ToUpper(field[:1]))
		if b.Len() == 2 {
			break
		}
	}
	if b.Len() == 0 {
		return "??"
	}
	return b.String()
}
