// Package blockmap renders the state of the device blocks as text.
package blockmap

import (
	"fmt"
	"strings"

	"github.com/outofforest/ftl/blocks"
)

// Symbols used to render block states.
const (
	FreeSymbol    = '░'
	UsedSymbol    = '█'
	HeadSymbol    = 'H'
	TailSymbol    = 'T'
	BadSymbol     = 'X'
	UnknownSymbol = '?'
)

// Symbol returns the symbol representing the block state.
func Symbol(state blocks.BlockState) rune {
	switch state {
	case blocks.FreeBlockState:
		return FreeSymbol
	case blocks.UsedBlockState:
		return UsedSymbol
	case blocks.HeadBlockState:
		return HeadSymbol
	case blocks.TailBlockState:
		return TailSymbol
	case blocks.BadBlockState:
		return BadSymbol
	default:
		return UnknownSymbol
	}
}

// Render splits the block map into lines of width symbols.
func Render(states []blocks.BlockState, width int) []string {
	if width <= 0 {
		width = max(len(states), 1)
	}

	lines := make([]string, 0, (len(states)+width-1)/width)
	var b strings.Builder
	for i, state := range states {
		b.WriteRune(Symbol(state))
		if (i+1)%width == 0 {
			lines = append(lines, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		lines = append(lines, b.String())
	}
	return lines
}

// Legend returns the description of symbols.
func Legend() []string {
	return []string{
		fmt.Sprintf("%c free  %c used  %c head  %c tail  %c bad",
			FreeSymbol, UsedSymbol, HeadSymbol, TailSymbol, BadSymbol),
	}
}

// Count returns the number of blocks in each state.
func Count(states []blocks.BlockState) map[blocks.BlockState]int {
	counts := map[blocks.BlockState]int{}
	for _, state := range states {
		counts[state]++
	}
	return counts
}
