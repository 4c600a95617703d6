package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/danshapiro/loom/internal/generate"
)

// simulatedGenerator stands in for the external generation service so
// pipelines can be exercised end to end. Output is a pure function of the
// prompt, so reruns and resumed runs reproduce identical artifacts.
type simulatedGenerator struct{}

var simulatedSentences = []string{
	"The narrator traced the consequences of the earlier decision through the following morning.",
	"A second messenger arrived before noon carrying the same warning in different words.",
	"Nothing in the harbor moved except the gulls and a single patient fisherman.",
	"The committee reconvened at dusk and reversed itself without recorded dissent.",
	"Rain worked its way into the notes until half the ledger was unreadable.",
	"She weighed the offer against what the winter would certainly cost them.",
	"The road north stayed open one more week than anyone had predicted.",
	"An old argument resurfaced at dinner and settled nothing, as before.",
	"By the third telling the story had acquired a bridge that was never there.",
	"The last page of the report contradicted the first and nobody mentioned it.",
}

func (simulatedGenerator) Generate(_ context.Context, prompt string, opts generate.Options) (string, error) {
	sum := sha256.Sum256([]byte(prompt))
	seed := binary.BigEndian.Uint64(sum[:8])

	const targetWords = 300
	var b strings.Builder
	words := 0
	for i := 0; words < targetWords; i++ {
		s := simulatedSentences[(seed+uint64(i)*31)%uint64(len(simulatedSentences))]
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(s)
		words += len(strings.Fields(s))
		if opts.MaxOutputChars > 0 && b.Len() >= opts.MaxOutputChars {
			break
		}
	}
	out := b.String()
	if opts.MaxOutputChars > 0 && len(out) > opts.MaxOutputChars {
		out = out[:opts.MaxOutputChars]
	}
	return out, nil
}
