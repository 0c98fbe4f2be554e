package transcribe

import (
	"strings"
	"unicode"
)

// ErrorRate is an edit-distance error rate between a reference and a
// hypothesis, counted in words, characters or tokens.
type ErrorRate struct {
	Rate          float64 // (S + I + D) / RefUnits; 0 is perfect
	Substitutions int
	Insertions    int
	Deletions     int
	RefUnits      int
}

// Errors is the total edit count.
func (e ErrorRate) Errors() int { return e.Substitutions + e.Insertions + e.Deletions }

// ComputeWER returns the word error rate of hypothesis against reference.
// Both are lowercased with punctuation stripped and whitespace collapsed.
func ComputeWER(reference, hypothesis string) ErrorRate {
	return align(normalizeWords(reference), normalizeWords(hypothesis))
}

// ComputeCER returns the character error rate over the normalized texts,
// ignoring spaces.
func ComputeCER(reference, hypothesis string) ErrorRate {
	chars := func(s string) []rune { return []rune(strings.Join(normalizeWords(s), "")) }
	return align(chars(reference), chars(hypothesis))
}

// TokenErrorRate compares two token id sequences, e.g. a decode against a
// recorded reference decode.
func TokenErrorRate(reference, hypothesis []int32) ErrorRate {
	return align(reference, hypothesis)
}

// align computes the minimum edit distance between ref and hyp and splits
// it into substitutions, insertions and deletions.
func align[T comparable](ref, hyp []T) ErrorRate {
	n, m := len(ref), len(hyp)
	if n == 0 {
		return ErrorRate{}
	}

	d := make([][]int, n+1)
	for i := range d {
		d[i] = make([]int, m+1)
		d[i][0] = i
	}
	for j := 0; j <= m; j++ {
		d[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if ref[i-1] == hyp[j-1] {
				d[i][j] = d[i-1][j-1]
			} else {
				d[i][j] = 1 + min(d[i-1][j-1], d[i-1][j], d[i][j-1])
			}
		}
	}

	var r ErrorRate
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && ref[i-1] == hyp[j-1]:
			i--
			j--
		case i > 0 && j > 0 && d[i][j] == d[i-1][j-1]+1:
			r.Substitutions++
			i--
			j--
		case i > 0 && d[i][j] == d[i-1][j]+1:
			r.Deletions++
			i--
		default:
			r.Insertions++
			j--
		}
	}
	r.RefUnits = n
	r.Rate = float64(r.Errors()) / float64(n)
	return r
}

// normalizeWords lowercases text, strips punctuation, and splits into words.
func normalizeWords(s string) []string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
	return strings.Fields(s)
}
