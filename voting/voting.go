// Package voting implements first-to-ahead-by-k voting with red-flagging over
// redundant worker answers.
package voting

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultDelimiter separates candidates in a merged fan-out output.
	DefaultDelimiter = "\n---\n"
	// DefaultK is the default winning margin.
	DefaultK = 1
	// DefaultMaxResponseLength is the default red-flag bound in characters.
	DefaultMaxResponseLength = 2200
)

// ErrNoValidCandidates is returned when every candidate was red-flagged or
// the input held no candidates at all.
var ErrNoValidCandidates = errors.New("voting: no valid candidates")

// Params configures one vote. Zero values select the defaults.
type Params struct {
	Delimiter         string
	K                 int
	MaxResponseLength int
}

func (p Params) withDefaults() Params {
	if p.Delimiter == "" {
		p.Delimiter = DefaultDelimiter
	}

	if p.K <= 0 {
		p.K = DefaultK
	}

	if p.MaxResponseLength <= 0 {
		p.MaxResponseLength = DefaultMaxResponseLength
	}

	return p
}

// Count is the number of votes one distinct answer received.
type Count struct {
	Answer string
	Votes  int
}

// Result is the outcome of a vote.
type Result struct {
	Winner            string
	TotalCandidates   int
	RedFlagged        int
	Valid             int
	K                 int
	MaxResponseLength int
	TopVotes          int
	RunnerUpVotes     int
	// UsedMajorityFallback is set when the winner leads the runner-up by
	// less than K. It is diagnostic only and never changes the winner.
	UsedMajorityFallback bool
	Tally                []Count
}

// Metadata renders the result as vote.* step metadata.
func (r Result) Metadata() map[string]string {
	return map[string]string{
		"vote.total_candidates":       strconv.Itoa(r.TotalCandidates),
		"vote.red_flagged":            strconv.Itoa(r.RedFlagged),
		"vote.valid_candidates":       strconv.Itoa(r.Valid),
		"vote.k":                      strconv.Itoa(r.K),
		"vote.max_response_length":    strconv.Itoa(r.MaxResponseLength),
		"vote.top_votes":              strconv.Itoa(r.TopVotes),
		"vote.runner_up_votes":        strconv.Itoa(r.RunnerUpVotes),
		"vote.used_majority_fallback": strconv.FormatBool(r.UsedMajorityFallback),
	}
}

// Split cuts a delimiter-joined input into candidates, trimming surrounding
// whitespace and dropping empty entries.
func Split(input, delimiter string) []string {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}

	var out []string

	for _, c := range strings.Split(input, delimiter) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}

	return out
}

// VoteText splits input on p.Delimiter and votes over the candidates.
func VoteText(input string, p Params) (Result, error) {
	p = p.withDefaults()
	return Vote(Split(input, p.Delimiter), p)
}

// Vote tallies exact-string votes among candidates no longer than
// MaxResponseLength characters. The top-voted answer wins; ties go to the
// answer seen first. The result is returned alongside ErrNoValidCandidates
// so callers can report the red-flag counts.
func Vote(candidates []string, p Params) (Result, error) {
	p = p.withDefaults()

	res := Result{
		TotalCandidates:   len(candidates),
		K:                 p.K,
		MaxResponseLength: p.MaxResponseLength,
	}

	index := map[string]int{}

	for _, c := range candidates {
		if utf8.RuneCountInString(c) > p.MaxResponseLength {
			res.RedFlagged++
			continue
		}

		res.Valid++

		if i, ok := index[c]; ok {
			res.Tally[i].Votes++
			continue
		}

		index[c] = len(res.Tally)
		res.Tally = append(res.Tally, Count{Answer: c, Votes: 1})
	}

	if res.Valid == 0 {
		return res, fmt.Errorf("%w: %d of %d candidates red-flagged", ErrNoValidCandidates, res.RedFlagged, res.TotalCandidates)
	}

	sort.SliceStable(res.Tally, func(i, j int) bool { return res.Tally[i].Votes > res.Tally[j].Votes })

	res.Winner = res.Tally[0].Answer
	res.TopVotes = res.Tally[0].Votes

	if len(res.Tally) > 1 {
		res.RunnerUpVotes = res.Tally[1].Votes
	}

	res.UsedMajorityFallback = res.TopVotes-res.RunnerUpVotes < p.K

	return res, nil
}
