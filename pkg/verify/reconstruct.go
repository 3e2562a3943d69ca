package verify

import (
	"bytes"
	"context"
	"fmt"

	"github.com/veritaslabs/keel/pkg/anchor"
	"github.com/veritaslabs/keel/pkg/canonical"
	"github.com/veritaslabs/keel/pkg/commit"
)

// Reconstruct materializes the governed history as one canonical JSON
// document per anchored commit, in chain order, newline separated. Two
// reconstructions of the same chain are byte-identical, so the output can be
// diffed or hashed directly.
func Reconstruct(ctx context.Context, commits commit.Store, records []anchor.Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reconstruction abandoned: %w", err)
		}
		if r.PayloadRef == "" {
			continue
		}

		c, err := commits.Get(ctx, r.PayloadRef)
		if err != nil {
			return nil, fmt.Errorf("anchor %d: %w", r.Index, err)
		}
		doc, err := canonical.JCS(c)
		if err != nil {
			return nil, fmt.Errorf("anchor %d: canonicalize commit: %w", r.Index, err)
		}
		buf.Write(doc)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
