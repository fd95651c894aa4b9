package kernel

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/r3e-network/lattice/internal/domainmodel"
	"github.com/r3e-network/lattice/internal/entrystore"
	kerrors "github.com/r3e-network/lattice/internal/errors"
)

// htmlMIMEType is the declared MIME type that triggers server-side
// conversion to Markdown at the insert boundary (spec §6 "content
// normalization").
const htmlMIMEType = "text/html"

// markdownMIMEType is what normalized HTML content becomes.
const markdownMIMEType = "text/markdown"

// MaxBatchSize bounds batch-write and batch-claims-fetch (spec §6: "≤100
// entries"/"≤100 ids").
const MaxBatchSize = 100

// Embedder computes a dense embedding for free text. It is the
// synchronous counterpart to the EMBED_CLAIMS background job: semantic
// search embeds the query string itself, in the request path.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// WriteEntries writes up to MaxBatchSize drafts into notebookID, each
// requiring read_write tier, each individually gated by the review rule
// (spec §4.6) before insertion.
func (k *Kernel) WriteEntries(ctx context.Context, actor, notebookID string, drafts []entrystore.Draft) ([]*domainmodel.Entry, error) {
	if len(drafts) == 0 {
		return nil, kerrors.InvalidInput("drafts", "required")
	}
	if len(drafts) > MaxBatchSize {
		return nil, kerrors.InvalidInput("drafts", fmt.Sprintf("exceeds max batch size %d", MaxBatchSize))
	}
	if !k.writeLimiter.Allow(actor) {
		return nil, kerrors.RateLimited()
	}
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierReadWrite)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(notebookID)
	}

	out := make([]*domainmodel.Entry, 0, len(drafts))
	for i := range drafts {
		if drafts[i].ReviewStatus == "" {
			status, err := k.decideReviewStatus(ctx, notebookID, drafts[i].AuthorID)
			if err != nil {
				return nil, fmt.Errorf("decide review status for entry %d: %w", i, err)
			}
			drafts[i].ReviewStatus = status
		}
		if err := normalizeContent(&drafts[i]); err != nil {
			return nil, fmt.Errorf("normalize entry %d: %w", i, err)
		}
		entry, err := k.insertNormalized(ctx, notebookID, drafts[i])
		if err != nil {
			return nil, fmt.Errorf("write entry %d: %w", i, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// normalizeContent converts HTML content to Markdown server-side at the
// insert boundary (spec §6); plain text and Markdown pass through
// untouched.
func normalizeContent(draft *entrystore.Draft) error {
	if draft.MIMEType != htmlMIMEType {
		return nil
	}
	md, err := htmltomarkdown.ConvertString(string(draft.Content))
	if err != nil {
		return fmt.Errorf("convert html to markdown: %w", err)
	}
	draft.Content = []byte(md)
	draft.MIMEType = markdownMIMEType
	return nil
}

// insertNormalized inserts draft, fragmenting it first if its (already
// normalized) content exceeds the configured threshold (spec §6): the
// artifact entry is inserted with the full content, then ordered
// fragment entries referencing it via FragmentOf/FragmentIndex. Only the
// artifact and the first fragment receive their initial background jobs;
// the claim pipeline orchestrator chains the remaining fragments, and
// rolls their claims up into the artifact, as each one completes.
func (k *Kernel) insertNormalized(ctx context.Context, notebookID string, draft entrystore.Draft) (*domainmodel.Entry, error) {
	threshold := k.cfg.FragmentThreshold
	if draft.FragmentOf != nil || threshold <= 0 || len(draft.Content) <= threshold {
		entry, err := k.entries.InsertEntry(ctx, notebookID, draft)
		if err != nil {
			return nil, err
		}
		if err := k.enqueueDistill(ctx, notebookID, entry); err != nil {
			return nil, err
		}
		if err := k.enqueueClassifyTopic(ctx, notebookID, entry); err != nil {
			return nil, err
		}
		return entry, nil
	}

	artifact, err := k.entries.InsertEntry(ctx, notebookID, draft)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	if err := k.enqueueClassifyTopic(ctx, notebookID, artifact); err != nil {
		return nil, err
	}

	for idx, chunk := range splitIntoFragments(draft.Content, threshold) {
		index := idx
		fragment, err := k.entries.InsertEntry(ctx, notebookID, entrystore.Draft{
			AuthorID:      draft.AuthorID,
			Content:       chunk,
			MIMEType:      draft.MIMEType,
			FragmentOf:    &artifact.ID,
			FragmentIndex: &index,
			ReviewStatus:  draft.ReviewStatus,
		})
		if err != nil {
			return nil, fmt.Errorf("insert fragment %d: %w", idx, err)
		}
		if index == 0 {
			if err := k.enqueueDistill(ctx, notebookID, fragment); err != nil {
				return nil, err
			}
		}
	}
	return artifact, nil
}

// splitIntoFragments splits content into ordered chunks no larger than
// threshold, breaking on paragraph boundaries (blank lines) where
// possible and falling back to a hard split for any single paragraph
// that alone exceeds the threshold.
func splitIntoFragments(content []byte, threshold int) [][]byte {
	paragraphs := strings.Split(string(content), "\n\n")
	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	for _, p := range paragraphs {
		if current.Len() > 0 && current.Len()+len("\n\n")+len(p) > threshold {
			flush()
		}
		for len(p) > threshold {
			if current.Len() > 0 {
				flush()
			}
			chunks = append(chunks, p[:threshold])
			p = p[threshold:]
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()

	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = []byte(c)
	}
	return out
}

// enqueueDistill enqueues entry's initial DISTILL_CLAIMS job, if it is
// visible for processing (spec §4.6: pending-review entries are excluded
// until approved).
func (k *Kernel) enqueueDistill(ctx context.Context, notebookID string, entry *domainmodel.Entry) error {
	if entry.ReviewStatus != domainmodel.ReviewApproved {
		return nil
	}
	if _, err := k.jobs.Enqueue(ctx, notebookID, domainmodel.JobDistillClaims, map[string]interface{}{
		"entry_id": entry.ID,
	}); err != nil {
		return fmt.Errorf("enqueue distill job: %w", err)
	}
	return nil
}

// enqueueClassifyTopic enqueues a CLASSIFY_TOPIC job for entries the
// caller left untopiced, letting the external worker infer one (spec §3
// job type CLASSIFY_TOPIC; the kernel never interprets content itself).
func (k *Kernel) enqueueClassifyTopic(ctx context.Context, notebookID string, entry *domainmodel.Entry) error {
	if entry.ReviewStatus != domainmodel.ReviewApproved || entry.Topic != nil {
		return nil
	}
	if _, err := k.jobs.Enqueue(ctx, notebookID, domainmodel.JobClassifyTopic, map[string]interface{}{
		"entry_id": entry.ID,
	}); err != nil {
		return fmt.Errorf("enqueue classify job: %w", err)
	}
	return nil
}

// ReviseEntry writes a new entry with RevisionOf set to id, requiring
// read_write tier, then returns the revision.
func (k *Kernel) ReviseEntry(ctx context.Context, actor, notebookID, id string, draft entrystore.Draft) (*domainmodel.Entry, error) {
	draft.RevisionOf = &id
	entries, err := k.WriteEntries(ctx, actor, notebookID, []entrystore.Draft{draft})
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// ReadEntry requires read tier, then returns the entry with its claims,
// comparisons, references and revision chain.
func (k *Kernel) ReadEntry(ctx context.Context, actor, notebookID, id string) (*domainmodel.Entry, error) {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierRead)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(notebookID)
	}
	entry, err := k.entries.GetEntry(ctx, id, notebookID)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// BrowseEntries requires read tier, then lists entries per filter.
func (k *Kernel) BrowseEntries(ctx context.Context, actor, notebookID string, f entrystore.Filter) ([]*domainmodel.Entry, error) {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierRead)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(notebookID)
	}
	f.AuthorVisibleOnly = true
	f.RequestingAuthor = actor
	return k.entries.Browse(ctx, notebookID, f)
}

// SearchEntries is BrowseEntries with a free-text query, matching on
// content/topic (spec §6 "search (query string)").
func (k *Kernel) SearchEntries(ctx context.Context, actor, notebookID, query string) ([]*domainmodel.Entry, error) {
	f := entrystore.Filter{Query: &query}
	return k.BrowseEntries(ctx, actor, notebookID, f)
}

// ObserveEntries requires read tier, then lists approved entries inserted
// after sinceSequence (spec §6 "observe (since sequence)").
func (k *Kernel) ObserveEntries(ctx context.Context, actor, notebookID string, sinceSequence int64, limit int) ([]*domainmodel.Entry, error) {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierRead)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(notebookID)
	}
	if limit <= 0 {
		limit = k.cfg.ObserveDefaultLimit
	}
	if limit > k.cfg.ObserveMaxLimit {
		limit = k.cfg.ObserveMaxLimit
	}
	return k.entries.Observe(ctx, notebookID, sinceSequence, limit)
}

// BatchClaims fetches the claims of up to MaxBatchSize entries.
func (k *Kernel) BatchClaims(ctx context.Context, actor, notebookID string, ids []string) (map[string][]domainmodel.Claim, error) {
	if len(ids) > MaxBatchSize {
		return nil, kerrors.InvalidInput("ids", fmt.Sprintf("exceeds max batch size %d", MaxBatchSize))
	}
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierRead)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(notebookID)
	}
	out := make(map[string][]domainmodel.Claim, len(ids))
	for _, id := range ids {
		entry, err := k.entries.GetEntry(ctx, id, notebookID)
		if err != nil {
			return nil, err
		}
		out[id] = entry.Claims
	}
	return out, nil
}

// SetEmbedder wires the synchronous embedding client used by
// SemanticSearch. Left unset, SemanticSearch fails closed with
// UpstreamUnavailable, matching the "embedding service down" error kind
// spec §7 names.
func (k *Kernel) SetEmbedder(e Embedder) {
	k.embedder = e
}

type scoredEntry struct {
	entry *domainmodel.Entry
	score float64
}

// SemanticSearch embeds query server-side and returns the top-K entries
// of notebookID by cosine similarity against each entry's embedding (spec
// §6 "semantic-search (query string → server embeds → top-K by
// cosine)").
func (k *Kernel) SemanticSearch(ctx context.Context, actor, notebookID, query string, topK int) ([]*domainmodel.Entry, error) {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierRead)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(notebookID)
	}
	if k.embedder == nil {
		return nil, kerrors.UpstreamUnavailable("embedding", fmt.Errorf("no embedder configured"))
	}
	if topK <= 0 {
		topK = k.cfg.NeighborTopK
	}

	target, err := k.embedder.Embed(ctx, query)
	if err != nil {
		return nil, kerrors.UpstreamUnavailable("embedding", err)
	}

	candidates, err := k.entries.Browse(ctx, notebookID, entrystore.Filter{
		AuthorVisibleOnly: true,
		RequestingAuthor:  actor,
		Limit:             1000,
	})
	if err != nil {
		return nil, err
	}

	scored := make([]scoredEntry, 0, len(candidates))
	for _, entry := range candidates {
		if len(entry.Embedding) == 0 {
			continue
		}
		scored = append(scored, scoredEntry{entry: entry, score: cosineSimilarity(target, entry.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	out := make([]*domainmodel.Entry, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.entry)
	}
	return out, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
