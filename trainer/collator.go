// collator.go - Batches fuer Causal-LM bilden (mlm=false)
package trainer

import (
	"github.com/mini-helper/lorakit/llm"
	"github.com/mini-helper/lorakit/tokenizer"
)

// IgnoreIndex markiert Label-Positionen ohne Loss
const IgnoreIndex = -100

// Collate padded seqs auf die laengste Sequenz des Batches.
// Labels sind die Input-IDs; jede Position mit der PAD-ID wird IgnoreIndex.
// Ist PAD gleich EOS, zaehlen damit auch echte EOS-Tokens nicht zum Loss.
func Collate(seqs [][]int32, padID int32, side tokenizer.Side) llm.ForwardBackwardRequest {
	longest := 0
	for _, s := range seqs {
		longest = max(longest, len(s))
	}

	req := llm.ForwardBackwardRequest{
		InputIDs:      make([][]int32, len(seqs)),
		AttentionMask: make([][]int32, len(seqs)),
		Labels:        make([][]int32, len(seqs)),
	}

	for i, s := range seqs {
		ids := make([]int32, longest)
		mask := make([]int32, longest)
		labels := make([]int32, longest)

		offset := 0
		if side == tokenizer.Left {
			offset = longest - len(s)
		}

		for j := range ids {
			ids[j] = padID
		}
		copy(ids[offset:], s)
		for j := offset; j < offset+len(s); j++ {
			mask[j] = 1
		}

		for j, id := range ids {
			labels[j] = id
			if id == padID {
				labels[j] = IgnoreIndex
			}
		}

		req.InputIDs[i] = ids
		req.AttentionMask[i] = mask
		req.Labels[i] = labels
	}
	return req
}
