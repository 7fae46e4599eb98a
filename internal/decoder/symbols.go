package decoder

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SymbolTable maps token ids to sentencepiece-style pieces. Word
// boundaries are marked with the usual "▁" prefix.
type SymbolTable struct {
	pieces []string
}

// LoadSymbolTable reads a tokens.txt-style file: one "<piece> <id>"
// pair per line.
func LoadSymbolTable(path string) (*SymbolTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token table: %w", err)
	}
	defer f.Close()

	var pieces []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r\n")
		if text == "" {
			continue
		}
		sep := strings.LastIndexByte(text, ' ')
		if sep < 0 {
			return nil, fmt.Errorf("token table line %d: missing id", line)
		}
		id, err := strconv.Atoi(text[sep+1:])
		if err != nil {
			return nil, fmt.Errorf("token table line %d: %w", line, err)
		}
		if id < 0 {
			return nil, fmt.Errorf("token table line %d: negative id %d", line, id)
		}
		for len(pieces) <= id {
			pieces = append(pieces, "")
		}
		pieces[id] = text[:sep]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read token table: %w", err)
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("token table %s is empty", path)
	}
	return &SymbolTable{pieces: pieces}, nil
}

// SyntheticSymbolTable builds a placeholder table for the mock model:
// blank at id 0, word-initial pieces elsewhere.
func SyntheticSymbolTable(vocabSize int) *SymbolTable {
	pieces := make([]string, vocabSize)
	pieces[0] = "<blk>"
	for i := 1; i < vocabSize; i++ {
		pieces[i] = fmt.Sprintf("▁tok%d", i)
	}
	return &SymbolTable{pieces: pieces}
}

// Size returns the vocabulary size.
func (t *SymbolTable) Size() int {
	return len(t.pieces)
}

// Piece returns the piece for an id, or an explicit unknown marker for
// out-of-range ids so malformed model output stays visible.
func (t *SymbolTable) Piece(id int) string {
	if id < 0 || id >= len(t.pieces) {
		return fmt.Sprintf("<unk:%d>", id)
	}
	return t.pieces[id]
}

// Join renders a token id sequence as display text, translating the
// "▁" word-boundary marker into spaces.
func (t *SymbolTable) Join(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(t.Piece(id))
	}
	return strings.TrimLeft(strings.ReplaceAll(b.String(), "▁", " "), " ")
}
