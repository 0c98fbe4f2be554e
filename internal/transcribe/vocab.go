package transcribe

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrVocabulary is returned for unusable vocabulary files.
var ErrVocabulary = errors.New("transcribe: invalid vocabulary")

// wordBoundary is the SentencePiece word-start marker.
const wordBoundary = "▁"

// Vocabulary maps token ids to SentencePiece pieces.
type Vocabulary struct {
	pieces []string
	blank  int32
}

// NewVocabulary builds a vocabulary from pieces indexed by id. The blank is
// the piece named "<blk>" or "<blank>", otherwise the last id.
func NewVocabulary(pieces []string) (*Vocabulary, error) {
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: no tokens", ErrVocabulary)
	}
	v := &Vocabulary{pieces: pieces, blank: int32(len(pieces) - 1)}
	for i, p := range pieces {
		if p == "<blk>" || p == "<blank>" {
			v.blank = int32(i)
			break
		}
	}
	return v, nil
}

// LoadVocabulary reads a vocabulary from path. Files ending in .json hold
// {"id": "piece"}; anything else is a tokens.txt with one "<piece> <id>"
// per line.
func LoadVocabulary(path string) (*Vocabulary, error) {
	var (
		pieces []string
		err    error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		pieces, err = readJSONVocab(path)
	} else {
		pieces, err = readTokensTxt(path)
	}
	if err != nil {
		return nil, err
	}
	return NewVocabulary(pieces)
}

func readJSONVocab(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrVocabulary, path, err)
	}
	ids := make(map[int]string, len(raw))
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: token id %q", ErrVocabulary, k)
		}
		ids[id] = v
	}
	return dense(ids), nil
}

func readTokensTxt(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	defer f.Close()

	ids := make(map[int]string)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		// The piece itself never contains a space, but split on the last
		// one anyway.
		i := strings.LastIndexByte(text, ' ')
		if i <= 0 {
			return nil, fmt.Errorf("%w: %s:%d: want \"<piece> <id>\"", ErrVocabulary, path, line)
		}
		id, err := strconv.Atoi(text[i+1:])
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: %s:%d: bad id %q", ErrVocabulary, path, line, text[i+1:])
		}
		ids[id] = text[:i]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	return dense(ids), nil
}

func dense(ids map[int]string) []string {
	maxID := -1
	for id := range ids {
		maxID = max(maxID, id)
	}
	pieces := make([]string, maxID+1)
	for id, p := range ids {
		pieces[id] = p
	}
	return pieces
}

// Size is the number of ids, blank included.
func (v *Vocabulary) Size() int { return len(v.pieces) }

// Blank returns the blank token id.
func (v *Vocabulary) Blank() int32 { return v.blank }

// Piece returns the piece for id, or "" when out of range.
func (v *Vocabulary) Piece(id int32) string {
	if id < 0 || int(id) >= len(v.pieces) {
		return ""
	}
	return v.pieces[id]
}

// Text detokenizes ids. Blank, control pieces like <unk> and unknown ids
// are skipped; word-start markers become spaces and the result is trimmed.
func (v *Vocabulary) Text(ids []int32) string {
	var b strings.Builder
	for _, id := range ids {
		if id == v.blank {
			continue
		}
		p := v.Piece(id)
		if p == "" || (strings.HasPrefix(p, "<") && strings.HasSuffix(p, ">")) {
			continue
		}
		b.WriteString(p)
	}
	return strings.TrimSpace(strings.ReplaceAll(b.String(), wordBoundary, " "))
}
